package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mdrrmo/fieldsync/internal/bus"
	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/network"
	"github.com/mdrrmo/fieldsync/internal/remote"
	"github.com/mdrrmo/fieldsync/internal/sync/scheduler"
	"github.com/mdrrmo/fieldsync/internal/telemetry"
)

// maxAssetBytes bounds one cached asset, such as an alert sound.
const maxAssetBytes = 8 << 20

// networkRequest is a host connectivity report.
type networkRequest struct {
	Connected      *bool  `json:"connected" binding:"required"`
	ConnectionType string `json:"connectionType"`
}

// QueueStatus is the body of GET /api/queue.
type QueueStatus struct {
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
	Counts    map[string]int            `json:"counts"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, remote.ErrorResponse{
		RequestID: remote.RequestIDFrom(c),
		Code:      code,
		Error:     msg,
	})
}

// routes returns the agent's local HTTP surface.
func (d *daemon) routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(remote.RequestID())
	r.Use(remote.Logger())
	r.Use(remote.Recovery())

	r.GET("/api/health", d.health)
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))
	r.GET("/ws", gin.WrapF(d.hub.ServeWS))

	r.POST("/wake", d.wake)
	r.POST("/network", d.setNetwork)

	api := r.Group("/api")
	{
		api.GET("/queue", d.queueStatus)
		api.GET("/bootstrap", d.bootstrap)
		api.POST("/drafts", d.submitDraft)
		api.POST("/drafts/sync", d.syncDrafts)
		api.GET("/assets/:key", d.getAsset)
		api.PUT("/assets/:key", d.putAsset)
	}

	r.NoRoute(func(c *gin.Context) {
		abort(c, http.StatusNotFound, remote.ErrCodeNotFound, "not found")
	})
	r.NoMethod(func(c *gin.Context) {
		abort(c, http.StatusMethodNotAllowed, remote.ErrCodeMethodNotAllowed, "method not allowed")
	})
	return r
}

func (d *daemon) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        "fieldsyncd",
		"version":        Version,
		"online":         d.detector.Online(),
		"connectionType": d.detector.ConnectionType(),
	})
}

// wake publishes FLUSH_QUEUE on the bus, the same signal the detector
// sends on reconnect.
func (d *daemon) wake(c *gin.Context) {
	err := bus.PublishJSON(c.Request.Context(), d.bus, bus.SubjectWake,
		models.Signal{Type: models.MessageFlushQueue})
	if err != nil {
		abort(c, http.StatusInternalServerError, remote.ErrCodeInternal, "failed to publish wake")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (d *daemon) setNetwork(c *gin.Context) {
	var req networkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, remote.ErrCodeInvalid, "connected is required")
		return
	}
	changed := d.detector.Apply(c.Request.Context(), network.Status{
		Connected:      *req.Connected,
		ConnectionType: req.ConnectionType,
	})
	c.JSON(http.StatusOK, gin.H{
		"online":         d.detector.Online(),
		"connectionType": d.detector.ConnectionType(),
		"changed":        changed,
	})
}

func (d *daemon) queueStatus(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := d.queue.Stats(ctx)
	if err != nil {
		abort(c, http.StatusInternalServerError, remote.ErrCodeInternal, "failed to read queue")
		return
	}
	c.JSON(http.StatusOK, QueueStatus{
		Scheduler: d.scheduler.GetStatus(ctx),
		Counts:    counts,
	})
}

func (d *daemon) bootstrap(c *gin.Context) {
	view, err := d.client.Bootstrap(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, remote.ErrCodeInternal, "failed to load cached data")
		return
	}
	c.JSON(http.StatusOK, view)
}

func (d *daemon) submitDraft(c *gin.Context) {
	var draft models.DraftRecord
	if err := c.ShouldBindJSON(&draft); err != nil {
		abort(c, http.StatusBadRequest, remote.ErrCodeInvalid, "invalid JSON body")
		return
	}
	res, err := d.client.Submit(c.Request.Context(), draft)
	switch {
	case apperrors.Is(err, apperrors.ErrInvalid):
		abort(c, http.StatusBadRequest, remote.ErrCodeInvalid, err.Error())
		return
	case err != nil:
		abort(c, http.StatusInternalServerError, remote.ErrCodeInternal, "submission failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (d *daemon) syncDrafts(c *gin.Context) {
	results, err := d.client.SyncPending(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, remote.ErrCodeInternal, "failed to sync drafts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// getAsset serves cached static content so surfaces can play alert sounds
// while offline.
func (d *daemon) getAsset(c *gin.Context) {
	rec, ok := d.cache.LoadAsset(c.Request.Context(), c.Param("key"))
	if !ok {
		abort(c, http.StatusNotFound, remote.ErrCodeNotFound, "asset not cached")
		return
	}
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, rec.Content)
}

func (d *daemon) putAsset(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxAssetBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, remote.ErrCodeInvalid, "asset too large")
			return
		}
		abort(c, http.StatusBadRequest, remote.ErrCodeInvalid, "failed to read asset")
		return
	}
	if len(body) == 0 {
		abort(c, http.StatusBadRequest, remote.ErrCodeInvalid, "asset is empty")
		return
	}
	d.cache.SaveAsset(c.Request.Context(), c.Param("key"), body, c.ContentType())
	c.Status(http.StatusNoContent)
}
