package reconcile

import (
	"context"

	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
)

// HandleFlush marks every local draft whose pending queue id appears in msg
// as synced, then starts a background revalidation. Applying the same
// message twice changes nothing the second time. It returns the number of
// drafts reconciled.
func (c *Client) HandleFlush(ctx context.Context, msg models.FlushMessage) (int, error) {
	if len(msg.Entries) == 0 {
		return 0, nil
	}

	done := make(map[string]bool, len(msg.Entries))
	for _, e := range msg.Entries {
		done[e.QueueID] = true
	}

	c.mu.Lock()
	reconciled, err := c.markSynced(ctx, done)
	c.mu.Unlock()
	if err != nil {
		return reconciled, err
	}

	logging.Info("Reconciled flushed operations", map[string]interface{}{
		"entries":    len(msg.Entries),
		"reconciled": reconciled,
	})

	c.background(ctx, "revalidation", c.Revalidate)
	return reconciled, nil
}

func (c *Client) markSynced(ctx context.Context, done map[string]bool) (int, error) {
	drafts, err := c.cache.LoadDrafts(ctx)
	if err != nil {
		return 0, err
	}

	var updated []models.DraftRecord
	var confirmed []string
	for _, d := range drafts {
		if !d.Pending() {
			continue
		}
		if !done[d.PendingQueueID] {
			continue
		}
		at := c.now().UTC()
		d.Synced = true
		d.PendingQueueID = ""
		d.LastSyncError = ""
		if d.SubmittedAt == nil {
			d.SubmittedAt = &at
		}
		if c.keepSynced {
			updated = append(updated, d)
		} else {
			confirmed = append(confirmed, d.ClientDraftID)
		}
	}

	if len(updated) > 0 {
		if err := c.cache.UpsertDrafts(ctx, updated); err != nil {
			return 0, err
		}
	}
	for _, id := range confirmed {
		if err := c.cache.RemoveDraft(ctx, id); err != nil {
			return len(updated), err
		}
	}
	return len(updated) + len(confirmed), nil
}
