// Package reconcile is the foreground side of the write queue. It submits
// drafts through the intercepting transport, tells "saved offline" apart
// from "failed", and reconciles local draft state when the agent reports
// completed replays.
package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/cache"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
)

// Remote endpoint paths, relative to the origin.
const (
	DraftPath      = "/api/er-team/reports/draft"
	ReportsPath    = "/api/er-team/reports"
	ReferencesPath = "/api/er-team/references/"
)

// User-visible sync messages.
const (
	MissingLinkageMessage = "Draft is missing its assigned incident linkage."
	OfflineRetryMessage   = "Offline – will retry when connection is restored."
	StaleNotice           = "Using cached reference data while offline."
	RevalidateFailNotice  = "Failed to load reference data. Using cached values if available."
)

// ReportsCacheKey is the cache key of the authoritative report list.
const ReportsCacheKey = "er-team:reports"

// Superseder withdraws a queued write that a newer write of the same draft
// replaces. The agent implements it.
type Superseder interface {
	Supersede(ctx context.Context, queueID string) error
}

// Options configures a Client.
type Options struct {
	// Origin is the remote store's base URL.
	Origin string
	// HTTPClient sends requests; its transport should be the agent's
	// interceptor so failed writes are queued.
	HTTPClient *http.Client
	Cache      *cache.Manager
	Bus        bus.MessageBus
	// Queue withdraws a draft's older queued write before a direct submit.
	Queue Superseder
	// Online reports connectivity; nil means always online.
	Online func() bool
	// KeepSynced keeps confirmed drafts in the local store, marked synced,
	// instead of removing them.
	KeepSynced bool
	// ReferenceMaxAge bounds reference data freshness; 0 means the cache default.
	ReferenceMaxAge time.Duration
	// LegacyReferencesFile, when set, is imported once during Bootstrap.
	LegacyReferencesFile string
	Clock                func() time.Time
}

// Client is a foreground reconciliation client.
type Client struct {
	origin     string
	http       *http.Client
	cache      *cache.Manager
	bus        bus.MessageBus
	queue      Superseder
	online     func() bool
	keepSynced bool
	maxAge     time.Duration
	legacy     string
	now        func() time.Time

	// mu serializes read-modify-write cycles on local drafts.
	mu sync.Mutex
	bg sync.WaitGroup
}

// New returns a Client.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("reconcile origin %q must be an absolute URL", opts.Origin)
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("reconcile client needs a cache manager")
	}
	c := &Client{
		origin:     strings.TrimRight(opts.Origin, "/"),
		http:       opts.HTTPClient,
		cache:      opts.Cache,
		bus:        opts.Bus,
		queue:      opts.Queue,
		online:     opts.Online,
		keepSynced: opts.KeepSynced,
		maxAge:     opts.ReferenceMaxAge,
		legacy:     opts.LegacyReferencesFile,
		now:        opts.Clock,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.online == nil {
		c.online = func() bool { return true }
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxAge <= 0 {
		c.maxAge = cache.DefaultMaxAge
	}
	return c, nil
}

// Wait blocks until background revalidations started by the client finish.
func (c *Client) Wait() {
	c.bg.Wait()
}

// background runs fn detached from the caller's cancellation.
func (c *Client) background(ctx context.Context, name string, fn func(context.Context) error) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := fn(context.WithoutCancel(ctx)); err != nil {
			logging.Warn("Background "+name+" failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Listen subscribes to flush and revalidate broadcasts until the returned
// stop function is called.
func (c *Client) Listen(ctx context.Context) (func(), error) {
	if c.bus == nil {
		return func() {}, nil
	}

	flushed, err := c.bus.Subscribe(ctx, bus.SubjectFlushed, func(m *bus.Message) {
		var msg models.FlushMessage
		if err := m.Decode(&msg); err != nil || msg.Type != models.MessageQueueFlushed {
			logging.Debug("Ignoring flush message", map[string]interface{}{"subject": m.Subject})
			return
		}
		if _, err := c.HandleFlush(ctx, msg); err != nil {
			logging.Error("Failed to reconcile flushed operations", err,
				map[string]interface{}{"entries": len(msg.Entries)})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", bus.SubjectFlushed, err)
	}

	revalidate, err := c.bus.Subscribe(ctx, bus.SubjectRevalidate, func(m *bus.Message) {
		var sig models.Signal
		if err := m.Decode(&sig); err != nil || sig.Type != models.MessageRevalidate {
			return
		}
		c.background(ctx, "revalidation", c.Revalidate)
		c.background(ctx, "draft sync", func(ctx context.Context) error {
			_, err := c.SyncPending(ctx)
			return err
		})
	})
	if err != nil {
		flushed.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", bus.SubjectRevalidate, err)
	}

	return func() {
		flushed.Unsubscribe()
		revalidate.Unsubscribe()
	}, nil
}
