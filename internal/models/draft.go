package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/uuid"
)

// DraftStatus is the review state of a field report.
type DraftStatus string

const (
	DraftStatusDraft         DraftStatus = "draft"
	DraftStatusPendingReview DraftStatus = "pending_review"
)

// Valid reports whether s is a known draft status.
func (s DraftStatus) Valid() bool {
	return s == DraftStatusDraft || s == DraftStatusPendingReview
}

// DraftRecord is a responder's in-progress structured report. ClientDraftID
// is both the local key and the idempotency key sent to the remote store.
type DraftRecord struct {
	ClientDraftID     string          `json:"clientDraftId"`
	EmergencyReportID string          `json:"emergencyReportId,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	Status            DraftStatus     `json:"status"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	Synced            bool            `json:"synced"`
	PendingQueueID    string          `json:"pendingQueueId,omitempty"`
	LastSyncError     string          `json:"lastSyncError,omitempty"`
	SubmittedAt       *time.Time      `json:"submittedAt,omitempty"`
}

// Collection returns the collection DraftRecord records live in.
func (DraftRecord) Collection() Collection {
	return CollectionDrafts
}

// Validate checks the fields every persisted draft must carry.
func (d *DraftRecord) Validate() error {
	if err := uuid.Validate("clientDraftId", d.ClientDraftID); err != nil {
		return err
	}
	if !d.Status.Valid() {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("status must be %q or %q, got %q", DraftStatusDraft, DraftStatusPendingReview, d.Status))
	}
	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		return apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
	}
	return nil
}

// Pending reports whether the draft awaits delivery by the write queue.
func (d *DraftRecord) Pending() bool {
	return !d.Synced && strings.TrimSpace(d.PendingQueueID) != ""
}

// NewDraft returns an empty draft with a fresh client id.
func NewDraft(emergencyReportID string, now time.Time) DraftRecord {
	return DraftRecord{
		ClientDraftID:     uuid.New(),
		EmergencyReportID: emergencyReportID,
		Status:            DraftStatusDraft,
		UpdatedAt:         now.UTC(),
	}
}
