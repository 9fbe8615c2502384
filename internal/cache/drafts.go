package cache

import (
	"context"

	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/models"
)

// Drafts are user data, not cache: their failures are reported. A storage
// failure still takes the hard-reset path and surfaces as STORE_RESET.
func (m *Manager) draftErr(ctx context.Context, op string, err error) error {
	if storageFailure(err) {
		m.fail(ctx, op, err)
		return apperrors.Wrap(apperrors.ErrStoreReset, "local store was reset; drafts were lost", err)
	}
	return err
}

// UpsertDraft stores d under its client draft id.
func (m *Manager) UpsertDraft(ctx context.Context, d models.DraftRecord) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := m.store.Put(ctx, models.CollectionDrafts, d.ClientDraftID, d); err != nil {
		return m.draftErr(ctx, "upsert draft", err)
	}
	return nil
}

// UpsertDrafts stores all drafts in one transaction.
func (m *Manager) UpsertDrafts(ctx context.Context, drafts []models.DraftRecord) error {
	entries := make(map[string]any, len(drafts))
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return err
		}
		entries[drafts[i].ClientDraftID] = drafts[i]
	}
	if len(entries) == 0 {
		return nil
	}
	if err := m.store.PutMany(ctx, models.CollectionDrafts, entries); err != nil {
		return m.draftErr(ctx, "upsert drafts", err)
	}
	return nil
}

// LoadDrafts returns every draft in creation order.
func (m *Manager) LoadDrafts(ctx context.Context) ([]models.DraftRecord, error) {
	records, err := m.store.GetAll(ctx, models.CollectionDrafts)
	if err != nil {
		return nil, m.draftErr(ctx, "load drafts", err)
	}
	drafts := make([]models.DraftRecord, 0, len(records))
	for _, r := range records {
		var d models.DraftRecord
		if err := r.Decode(&d); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to decode draft "+r.Key, err)
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// LoadDraft returns one draft.
func (m *Manager) LoadDraft(ctx context.Context, clientDraftID string) (*models.DraftRecord, bool, error) {
	var d models.DraftRecord
	found, err := m.store.Get(ctx, models.CollectionDrafts, clientDraftID, &d)
	if err != nil {
		return nil, false, m.draftErr(ctx, "load draft", err)
	}
	if !found {
		return nil, false, nil
	}
	return &d, true, nil
}

// RemoveDraft deletes a draft. Removing a missing draft is not an error.
func (m *Manager) RemoveDraft(ctx context.Context, clientDraftID string) error {
	if err := m.store.Delete(ctx, models.CollectionDrafts, clientDraftID); err != nil {
		return m.draftErr(ctx, "remove draft", err)
	}
	return nil
}
