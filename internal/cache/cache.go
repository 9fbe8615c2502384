// Package cache is the policy layer above the durable store: a volatile
// in-process tier in front of the store's references collection, TTL
// staleness, version namespacing, and the draft and asset contracts used by
// foreground clients.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mdrrmo/fieldsync/internal/db"
	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/telemetry"
)

const (
	// KeyPrefix prefixes every durable cache key.
	KeyPrefix = "er-cache-"

	// DefaultMaxAge applies when a load names no max age.
	DefaultMaxAge = 60 * time.Minute

	metaKey      = "cache:meta"
	referenceKey = "reference:"
)

// SaveOptions controls how an entry is written.
type SaveOptions struct {
	// MaxAgeMinutes sets an explicit expiry at write time. Zero leaves the
	// entry without expiry; loads then judge it by their own max age.
	MaxAgeMinutes float64
}

// LoadOptions controls how an entry is judged on read.
type LoadOptions struct {
	// MaxAgeMinutes is the oldest acceptable entry age. Zero means
	// DefaultMaxAge.
	MaxAgeMinutes float64
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// Options configures a Manager.
type Options struct {
	// Version namespaces every cache key. Changing it orphans all entries
	// written under a previous version.
	Version string

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

type volatileEntry struct {
	data      json.RawMessage
	cachedAt  time.Time
	expiresAt *time.Time
}

// Manager is the cache manager. It is safe for concurrent use.
type Manager struct {
	store   *db.Store
	version string
	now     func() time.Time

	mu       sync.RWMutex
	volatile map[string]volatileEntry

	group singleflight.Group
}

type cacheMeta struct {
	Version string `json:"version"`
}

// New returns a Manager over store. Cached references written under a
// different version are dropped.
func New(ctx context.Context, store *db.Store, opts Options) *Manager {
	if opts.Version == "" {
		opts.Version = "v1"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Manager{
		store:    store,
		version:  opts.Version,
		now:      opts.Clock,
		volatile: make(map[string]volatileEntry),
	}
	store.OnReset(func(uint64) { m.dropVolatile() })
	m.checkVersion(ctx)
	return m
}

// Version returns the running cache version.
func (m *Manager) Version() string {
	return m.version
}

func (m *Manager) checkVersion(ctx context.Context) {
	var meta cacheMeta
	found, err := m.store.Get(ctx, models.CollectionReferences, metaKey, &meta)
	if err != nil {
		m.fail(ctx, "read cache version", err)
		found = false
	}
	if found && meta.Version == m.version {
		return
	}
	if found {
		logging.Info("Cache version changed, dropping cached data",
			map[string]interface{}{"from": meta.Version, "to": m.version})
		if err := m.store.Clear(ctx, models.CollectionReferences); err != nil {
			m.fail(ctx, "clear references", err)
		}
	}
	if err := m.store.Put(ctx, models.CollectionReferences, metaKey, cacheMeta{Version: m.version}); err != nil {
		m.fail(ctx, "write cache version", err)
	}
}

// durableKey namespaces key under the running version.
func (m *Manager) durableKey(key string) string {
	return KeyPrefix + m.version + ":" + key
}

// storageFailure decides which store errors take the hard-reset path.
var storageFailure = db.IsStorageFailure

// fail runs the store hard-reset path for corruption and quota failures.
// Anything else, including canceled contexts and invalid input, is logged and
// treated as a miss.
func (m *Manager) fail(ctx context.Context, op string, err error) {
	if !storageFailure(err) {
		logging.Warn("Cache operation failed", map[string]interface{}{"op": op, "error": err.Error()})
		return
	}
	if rerr := m.store.Reset(ctx, err); rerr != nil {
		logging.Error("Store reset failed", rerr, map[string]interface{}{"op": op})
	}
}

func (m *Manager) dropVolatile() {
	m.mu.Lock()
	m.volatile = make(map[string]volatileEntry)
	m.mu.Unlock()
}

// Save caches data under key in both tiers. Storage failures reset the store
// and are not reported; only values that cannot be encoded return an error.
func (m *Manager) Save(ctx context.Context, key string, data any, opts SaveOptions) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode cache value", err)
	}

	now := m.now()
	entry := models.CacheEntry{Data: raw, CachedAt: now}
	if opts.MaxAgeMinutes > 0 {
		exp := now.Add(minutes(opts.MaxAgeMinutes))
		entry.ExpiresAt = &exp
	}

	m.mu.Lock()
	m.volatile[key] = volatileEntry{data: raw, cachedAt: entry.CachedAt, expiresAt: entry.ExpiresAt}
	m.mu.Unlock()

	if err := m.store.Put(ctx, models.CollectionReferences, m.durableKey(key), entry); err != nil {
		m.fail(ctx, "save", err)
	}
	return nil
}

// Load decodes the cached value for key into dst and reports whether a fresh
// value was found. Stale, missing and unreadable entries are all misses.
func (m *Manager) Load(ctx context.Context, key string, opts LoadOptions, dst any) bool {
	maxAge := DefaultMaxAge
	if opts.MaxAgeMinutes > 0 {
		maxAge = minutes(opts.MaxAgeMinutes)
	}
	now := m.now()

	m.mu.RLock()
	v, ok := m.volatile[key]
	m.mu.RUnlock()
	if ok {
		if !models.Fresh(now, v.cachedAt, v.expiresAt, maxAge) {
			telemetry.CacheLookups.WithLabelValues(telemetry.TierVolatile, "stale").Inc()
			logging.Debug("Cache entry is stale", map[string]interface{}{"key": key, "age": now.Sub(v.cachedAt).String()})
			return false
		}
		if err := json.Unmarshal(v.data, dst); err != nil {
			logging.Warn("Cached value does not match destination type", map[string]interface{}{"key": key, "error": err.Error()})
			return false
		}
		telemetry.CacheLookups.WithLabelValues(telemetry.TierVolatile, "hit").Inc()
		return true
	}
	telemetry.CacheLookups.WithLabelValues(telemetry.TierVolatile, "miss").Inc()

	var entry models.CacheEntry
	found, err := m.store.Get(ctx, models.CollectionReferences, m.durableKey(key), &entry)
	if err != nil {
		m.fail(ctx, "load", err)
		telemetry.CacheLookups.WithLabelValues(telemetry.TierDurable, "miss").Inc()
		return false
	}
	if !found {
		telemetry.CacheLookups.WithLabelValues(telemetry.TierDurable, "miss").Inc()
		return false
	}
	if !models.Fresh(now, entry.CachedAt, entry.ExpiresAt, maxAge) {
		telemetry.CacheLookups.WithLabelValues(telemetry.TierDurable, "stale").Inc()
		logging.Debug("Cache entry is stale", map[string]interface{}{"key": key, "age": now.Sub(entry.CachedAt).String()})
		return false
	}
	if err := json.Unmarshal(entry.Data, dst); err != nil {
		logging.Warn("Cached value does not match destination type", map[string]interface{}{"key": key, "error": err.Error()})
		return false
	}
	telemetry.CacheLookups.WithLabelValues(telemetry.TierDurable, "hit").Inc()

	m.mu.Lock()
	m.volatile[key] = volatileEntry{data: entry.Data, cachedAt: entry.CachedAt, expiresAt: entry.ExpiresAt}
	m.mu.Unlock()
	return true
}

// SaveToCache caches data with an expiry of maxAgeMinutes; zero leaves the
// entry without an explicit expiry.
func (m *Manager) SaveToCache(ctx context.Context, key string, data any, maxAgeMinutes float64) error {
	return m.Save(ctx, key, data, SaveOptions{MaxAgeMinutes: maxAgeMinutes})
}

// LoadFromCache loads key with a max age in minutes; zero means the default.
func (m *Manager) LoadFromCache(ctx context.Context, key string, maxAgeMinutes float64, dst any) bool {
	return m.Load(ctx, key, LoadOptions{MaxAgeMinutes: maxAgeMinutes}, dst)
}

// Clear removes key from both tiers.
func (m *Manager) Clear(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.volatile, key)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, models.CollectionReferences, m.durableKey(key)); err != nil {
		m.fail(ctx, "clear", err)
	}
}

// ClearAll removes every cached entry, including those of older versions.
// Reference datasets are kept.
func (m *Manager) ClearAll(ctx context.Context) {
	m.dropVolatile()

	if err := m.store.DeletePrefix(ctx, models.CollectionReferences, KeyPrefix); err != nil {
		m.fail(ctx, "clear all", err)
		return
	}
	logging.Info("All cache entries cleared")
}
