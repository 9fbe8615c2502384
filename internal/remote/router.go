package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures NewRouter.
type Options struct {
	// Registry receives the HTTP collectors and backs /metrics. A fresh
	// registry is used when nil.
	Registry *prometheus.Registry
	// IdempotencyTTL is how long a recorded key marks replays.
	IdempotencyTTL time.Duration
	// MaxBodyBytes caps request bodies; 0 means 1 MiB.
	MaxBodyBytes int64
}

// NewRouter returns a gin engine serving the er-team endpoints over store.
//
// Middleware order: RequestID, Logger, Recovery, body limit, Metrics,
// Idempotency validator.
func NewRouter(store *Store, opts Options) *gin.Engine {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(RequestID())
	r.Use(Logger())
	r.Use(Recovery())
	r.Use(limitBody(opts.MaxBodyBytes))
	r.Use(Metrics(NewHTTPMetrics(opts.Registry)))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))

	r.Use(IdempotencyValidator(200, func(ctx context.Context, key string, now time.Time) (bool, error) {
		rec, err := store.GetIdempotency(ctx, key, now)
		if err != nil || rec == nil {
			return false, nil
		}
		return true, nil
	}))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "route not found", nil)
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed", nil)
	})

	h := NewHandler(store, opts.IdempotencyTTL)
	r.GET("/api/health", h.Health)

	api := r.Group("/api/er-team")
	{
		api.POST("/reports/draft", h.UpsertDraft)
		api.GET("/reports", h.ListReports)
		api.GET("/references/:key", h.GetReferences)
		api.PUT("/references/:key", h.PutReferences)
	}
	return r
}
