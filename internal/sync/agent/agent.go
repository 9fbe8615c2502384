// Package agent is the background write-queue agent. It intercepts the
// application's own write requests, queues those that fail to reach the
// network, and replays the queue strictly in order when woken.
package agent

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/sync/queue"
)

// QueuedHeader marks synthetic responses for writes that were queued.
const QueuedHeader = "X-Fieldsync-Queued"

// Config configures an Agent.
type Config struct {
	// Origin is the application's own origin; only requests to it are queued.
	Origin string
	// WritePrefixes are the URL path prefixes of the write endpoints.
	WritePrefixes []string
	// RejectPolicy decides what a permanent rejection does to a drain pass.
	RejectPolicy string
	// ReplayRPS paces replays; 0 disables pacing.
	ReplayRPS float64
	// CredentialsMode is recorded with every queued request.
	CredentialsMode string
}

// ConfigFrom maps the agent section of the application config.
func ConfigFrom(c config.AgentConfig) Config {
	return Config{
		Origin:        c.Origin,
		WritePrefixes: c.WritePrefixes,
		RejectPolicy:  c.RejectPolicy,
		ReplayRPS:     c.ReplayRPS,
	}
}

// Agent owns the write queue's interception and replay.
type Agent struct {
	queue    *queue.Queue
	bus      bus.MessageBus
	replay   *http.Client
	origin   *url.URL
	prefixes []string
	policy   string
	creds    string
	limiter  *rate.Limiter

	// drainMu keeps drain passes strictly sequential.
	drainMu sync.Mutex
}

// New returns an Agent replaying through replay (http.DefaultTransport when
// nil). The replay transport must reach the network directly; routing it
// through the agent's own interceptor would re-queue failed replays.
func New(q *queue.Queue, b bus.MessageBus, cfg Config, replay http.RoundTripper) (*Agent, error) {
	origin, err := url.Parse(strings.TrimRight(cfg.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("agent origin %q must be an absolute URL", cfg.Origin)
	}
	if len(cfg.WritePrefixes) == 0 {
		cfg.WritePrefixes = []string{"/"}
	}
	if cfg.RejectPolicy == "" {
		cfg.RejectPolicy = config.RejectDeadLetter
	}
	if cfg.CredentialsMode == "" {
		cfg.CredentialsMode = models.CredentialsSameOrigin
	}
	if replay == nil {
		replay = http.DefaultTransport
	}

	a := &Agent{
		queue:    q,
		bus:      b,
		replay:   &http.Client{Transport: replay},
		origin:   origin,
		prefixes: cfg.WritePrefixes,
		policy:   cfg.RejectPolicy,
		creds:    cfg.CredentialsMode,
	}
	if cfg.ReplayRPS > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.ReplayRPS), 1)
	}
	return a, nil
}

// Queue returns the agent's durable queue.
func (a *Agent) Queue() *queue.Queue {
	return a.queue
}

// Eligible reports whether r is a same-origin write to a write endpoint.
func (a *Agent) Eligible(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	if r.URL == nil || !strings.EqualFold(r.URL.Scheme, a.origin.Scheme) || !strings.EqualFold(r.URL.Host, a.origin.Host) {
		return false
	}
	for _, p := range a.prefixes {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}
