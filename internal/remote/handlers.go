package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Stable error codes.
const (
	ErrCodeInvalid           = "invalid_payload"
	ErrCodeBadIdempotencyKey = "bad_idempotency_key"
	ErrCodeKeyMismatch       = "idempotency_key_mismatch"
	ErrCodeNotFound          = "not_found"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
	ErrCodeInternal          = "internal_error"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	RequestID string      `json:"requestId,omitempty"`
	Code      string      `json:"code"`
	Error     string      `json:"error"`
	Details   interface{} `json:"details,omitempty"`
}

// Handler serves the er-team endpoints.
type Handler struct {
	store *Store
	ttl   time.Duration
}

// NewHandler returns a Handler recording idempotency keys for ttl.
func NewHandler(store *Store, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handler{store: store, ttl: ttl}
}

func fail(c *gin.Context, status int, code, msg string, details interface{}) {
	if status >= http.StatusInternalServerError {
		LoggerFrom(c).Error().Int("status", status).Str("code", code).Str("message", msg).Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.GetString(requestIDKey),
		Code:      code,
		Error:     msg,
		Details:   details,
	})
}

// DraftRequest is the body of POST /api/er-team/reports/draft.
type DraftRequest struct {
	ClientDraftID     string          `json:"clientDraftId" binding:"required,uuid"`
	EmergencyReportID string          `json:"emergencyReportId" binding:"required,uuid"`
	Status            string          `json:"status" binding:"omitempty,oneof=draft pending_review"`
	Payload           json.RawMessage `json:"payload"`
	Notes             string          `json:"notes"`
	SubmittedAt       *time.Time      `json:"submittedAt"`
}

// UpsertDraft stores a draft keyed by its client draft id. Repeating the
// request updates the same report; it never creates a second one.
func (h *Handler) UpsertDraft(c *gin.Context) {
	var req DraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalid, "Invalid payload", err.Error())
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		fail(c, http.StatusBadRequest, ErrCodeInvalid, "Invalid payload", "payload is not valid JSON")
		return
	}
	if req.Status == "" {
		req.Status = "draft"
	}

	key, hasKey := GetIdempotencyKey(c)
	if hasKey && !strings.EqualFold(key, req.ClientDraftID) {
		fail(c, http.StatusBadRequest, ErrCodeKeyMismatch, "Idempotency-Key must equal clientDraftId", nil)
		return
	}

	ctx := c.Request.Context()
	report, created, err := h.store.UpsertReport(ctx, Report{
		ID:                strings.ToLower(req.ClientDraftID),
		EmergencyReportID: strings.ToLower(req.EmergencyReportID),
		Status:            req.Status,
		Payload:           req.Payload,
		Notes:             req.Notes,
		SyncedAt:          req.SubmittedAt,
	})
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to save draft", nil)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	if hasKey {
		if _, err := h.store.CreateIdempotency(ctx, key, report.ID, status, h.ttl); err != nil && !errors.Is(err, ErrDuplicate) {
			LoggerFrom(c).Warn().Err(err).Str("key", key).Msg("failed to record idempotency key")
		}
	}
	if IsReplay(c) {
		c.Header(HeaderReplayed, "true")
	}

	LoggerFrom(c).Info().
		Str("report_id", report.ID).
		Bool("created", created).
		Msg("draft upserted")
	c.JSON(status, gin.H{"ok": true, "report": report})
}

// ListReports returns every stored report.
func (h *Handler) ListReports(c *gin.Context) {
	reports, err := h.store.ListReports(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to list reports", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "reports": reports})
}

// GetReferences returns one reference dataset.
func (h *Handler) GetReferences(c *gin.Context) {
	key := c.Param("key")
	items, err := h.store.GetReferences(c.Request.Context(), key)
	if errors.Is(err, ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "Unknown reference dataset", gin.H{"key": key})
		return
	}
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to load references", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "key": key, "items": items})
}

type referencesRequest struct {
	Items []Item `json:"items" binding:"required,dive"`
}

// PutReferences replaces one reference dataset.
func (h *Handler) PutReferences(c *gin.Context) {
	var req referencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalid, "Invalid payload", err.Error())
		return
	}
	key := c.Param("key")
	if err := h.store.PutReferences(c.Request.Context(), key, req.Items); err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to save references", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "key": key, "items": req.Items})
}

// Health reports database reachability.
func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "database unavailable", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
