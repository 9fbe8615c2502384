package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/sync/agent"
)

// Outcome is the user-visible result of a submission.
type Outcome string

const (
	// OutcomeSubmitted means the remote store accepted the draft.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeSavedOffline means the draft is safe locally and will sync later.
	OutcomeSavedOffline Outcome = "saved_offline"
	// OutcomeFailed means the remote store, or local validation, refused it.
	OutcomeFailed Outcome = "failed"
)

// Result describes one submission.
type Result struct {
	Outcome Outcome            `json:"outcome"`
	Draft   models.DraftRecord `json:"draft"`
	// QueueID is set when the write was queued by the agent.
	QueueID string `json:"queueId,omitempty"`
	// Status is the remote HTTP status, when a response arrived.
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// draftRequest is the remote store's draft upsert body.
type draftRequest struct {
	ClientDraftID     string             `json:"clientDraftId"`
	EmergencyReportID string             `json:"emergencyReportId"`
	Status            models.DraftStatus `json:"status"`
	Payload           json.RawMessage    `json:"payload,omitempty"`
	Notes             string             `json:"notes,omitempty"`
	SubmittedAt       *time.Time         `json:"submittedAt,omitempty"`
}

type draftResponse struct {
	OK     bool `json:"ok"`
	Report struct {
		SyncedAt  *time.Time `json:"syncedAt"`
		UpdatedAt *time.Time `json:"updatedAt"`
	} `json:"report"`
	Error string `json:"error"`
}

// Submit sends d to the remote store. The draft is persisted locally before
// the attempt, so a crash mid-submission loses nothing. A network failure
// yields OutcomeSavedOffline, never OutcomeFailed.
func (c *Client) Submit(ctx context.Context, d models.DraftRecord) (Result, error) {
	if err := d.Validate(); err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d.UpdatedAt = c.now().UTC()
	d.Synced = false

	if d.EmergencyReportID == "" {
		d.LastSyncError = MissingLinkageMessage
		c.persist(ctx, d)
		return Result{Outcome: OutcomeFailed, Draft: d, Message: MissingLinkageMessage}, nil
	}

	if err := c.supersede(ctx, &d); err != nil {
		return Result{}, err
	}
	c.persist(ctx, d)

	submittedAt := d.UpdatedAt
	body, err := json.Marshal(draftRequest{
		ClientDraftID:     d.ClientDraftID,
		EmergencyReportID: d.EmergencyReportID,
		Status:            d.Status,
		Payload:           d.Payload,
		Notes:             d.Notes,
		SubmittedAt:       &submittedAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode draft %s: %w", d.ClientDraftID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin+DraftPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.ClientDraftID)

	resp, err := c.http.Do(req)
	if err != nil {
		logging.Warn("Draft submission did not reach the network", map[string]interface{}{
			"client_draft_id": d.ClientDraftID,
			"error":           err.Error(),
		})
		d.LastSyncError = OfflineRetryMessage
		c.persist(ctx, d)
		return Result{Outcome: OutcomeSavedOffline, Draft: d, Message: OfflineRetryMessage}, nil
	}
	defer resp.Body.Close()

	if ack, ok := agent.IsQueued(resp); ok {
		d.PendingQueueID = ack.QueueID
		d.LastSyncError = OfflineRetryMessage
		c.persist(ctx, d)
		logging.Info("Draft queued for delivery", map[string]interface{}{
			"client_draft_id": d.ClientDraftID,
			"queue_id":        ack.QueueID,
		})
		return Result{Outcome: OutcomeSavedOffline, Draft: d, QueueID: ack.QueueID, Status: resp.StatusCode, Message: OfflineRetryMessage}, nil
	}

	var payload draftResponse
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		json.Unmarshal(raw, &payload)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := payload.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		d.LastSyncError = msg
		c.persist(ctx, d)
		logging.Warn("Remote store refused draft", map[string]interface{}{
			"client_draft_id": d.ClientDraftID,
			"status":          resp.StatusCode,
			"error":           msg,
		})
		return Result{Outcome: OutcomeFailed, Draft: d, Status: resp.StatusCode, Message: msg}, nil
	}

	at := submittedAt
	if payload.Report.SyncedAt != nil {
		at = payload.Report.SyncedAt.UTC()
	}
	d.Synced = true
	d.SubmittedAt = &at
	d.PendingQueueID = ""
	d.LastSyncError = ""
	if payload.Report.UpdatedAt != nil {
		d.UpdatedAt = payload.Report.UpdatedAt.UTC()
	}
	c.confirm(ctx, d)

	return Result{Outcome: OutcomeSubmitted, Draft: d, Status: resp.StatusCode}, nil
}

// SyncPending submits every local draft that is neither synced nor already
// waiting in the write queue. Drafts without an incident linkage are skipped.
func (c *Client) SyncPending(ctx context.Context) ([]Result, error) {
	drafts, err := c.cache.LoadDrafts(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, d := range drafts {
		if d.Synced || d.Pending() || d.EmergencyReportID == "" {
			continue
		}
		res, err := c.Submit(ctx, d)
		if err != nil {
			logging.Warn("Skipping invalid local draft", map[string]interface{}{
				"client_draft_id": d.ClientDraftID,
				"error":           err.Error(),
			})
			continue
		}
		results = append(results, res)
		if res.Outcome == OutcomeSavedOffline {
			// Still offline; the rest would only queue behind it.
			break
		}
	}
	return results, nil
}

// supersede withdraws the queued write still carrying an older version of
// d, so a replay cannot overwrite the newer submission.
func (c *Client) supersede(ctx context.Context, d *models.DraftRecord) error {
	queueID := d.PendingQueueID
	if stored, ok, err := c.cache.LoadDraft(ctx, d.ClientDraftID); err == nil && ok && stored.PendingQueueID != "" {
		queueID = stored.PendingQueueID
	}
	if queueID == "" {
		return nil
	}
	if c.queue == nil {
		logging.Warn("Draft has a queued write that cannot be withdrawn", map[string]interface{}{
			"client_draft_id": d.ClientDraftID,
			"queue_id":        queueID,
		})
		return nil
	}
	if err := c.queue.Supersede(ctx, queueID); err != nil {
		return fmt.Errorf("withdraw queued write %s of draft %s: %w", queueID, d.ClientDraftID, err)
	}
	logging.Info("Withdrew superseded queued write", map[string]interface{}{
		"client_draft_id": d.ClientDraftID,
		"queue_id":        queueID,
	})
	d.PendingQueueID = ""
	return nil
}

// persist writes d locally. Storage failures have already reset the store
// and are logged there; the submission continues regardless.
func (c *Client) persist(ctx context.Context, d models.DraftRecord) {
	if err := c.cache.UpsertDraft(ctx, d); err != nil {
		logging.Warn("Failed to persist draft locally", map[string]interface{}{
			"client_draft_id": d.ClientDraftID,
			"error":           err.Error(),
		})
	}
}

// confirm records a draft the remote store has accepted.
func (c *Client) confirm(ctx context.Context, d models.DraftRecord) {
	if c.keepSynced {
		c.persist(ctx, d)
		return
	}
	if err := c.cache.RemoveDraft(ctx, d.ClientDraftID); err != nil {
		logging.Warn("Failed to remove confirmed draft", map[string]interface{}{
			"client_draft_id": d.ClientDraftID,
			"error":           err.Error(),
		})
	}
}
