package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
)

// FetchFunc loads a reference dataset from the remote store.
type FetchFunc func(ctx context.Context) ([]models.ReferenceItem, error)

// SaveReference caches a reference dataset. A positive maxAge sets an
// explicit expiry.
func (m *Manager) SaveReference(ctx context.Context, key string, items []models.ReferenceItem, maxAge time.Duration) {
	now := m.now()
	rec := models.ReferenceCacheRecord{
		Key:      key,
		Items:    items,
		CachedAt: now,
		Version:  m.version,
	}
	if rec.Items == nil {
		rec.Items = []models.ReferenceItem{}
	}
	if maxAge > 0 {
		exp := now.Add(maxAge)
		rec.ExpiresAt = &exp
	}
	if err := m.store.Put(ctx, models.CollectionReferences, referenceKey+key, rec); err != nil {
		m.fail(ctx, "save reference", err)
	}
}

// PeekReference returns the cached dataset regardless of age, so callers can
// render stale-but-present data before a revalidation completes. A record
// written under another cache version invalidates every cached reference.
func (m *Manager) PeekReference(ctx context.Context, key string) (*models.ReferenceCacheRecord, bool) {
	var rec models.ReferenceCacheRecord
	found, err := m.store.Get(ctx, models.CollectionReferences, referenceKey+key, &rec)
	if err != nil {
		m.fail(ctx, "load reference", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	if rec.Version != m.version {
		logging.Info("Reference cache version mismatch, invalidating all references",
			map[string]interface{}{"key": key, "cached": rec.Version, "running": m.version})
		if err := m.store.Clear(ctx, models.CollectionReferences); err != nil {
			m.fail(ctx, "invalidate references", err)
		}
		m.dropVolatile()
		m.checkVersion(ctx)
		return nil, false
	}
	return &rec, true
}

// LoadReference returns the cached dataset only while it is usable: before
// its explicit expiry, or younger than maxAge when it has none. A zero maxAge
// means DefaultMaxAge.
func (m *Manager) LoadReference(ctx context.Context, key string, maxAge time.Duration) (*models.ReferenceCacheRecord, bool) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	rec, ok := m.PeekReference(ctx, key)
	if !ok {
		return nil, false
	}
	if !rec.Usable(m.now(), maxAge, m.version) {
		return nil, false
	}
	return rec, true
}

// ClearReferences drops every cached reference dataset.
func (m *Manager) ClearReferences(ctx context.Context) {
	for _, key := range models.ReferenceKeys {
		if err := m.store.Delete(ctx, models.CollectionReferences, referenceKey+key); err != nil {
			m.fail(ctx, "clear references", err)
			return
		}
	}
}

// Revalidate fetches key from the remote store and caches the result.
// Concurrent calls for the same key share one fetch.
func (m *Manager) Revalidate(ctx context.Context, key string, maxAge time.Duration, fetch FetchFunc) ([]models.ReferenceItem, error) {
	v, err, shared := m.group.Do(key, func() (interface{}, error) {
		items, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		m.SaveReference(ctx, key, items, maxAge)
		return items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("revalidate %s: %w", key, err)
	}
	if shared {
		logging.Debug("Revalidation shared with a concurrent caller", map[string]interface{}{"key": key})
	}
	return v.([]models.ReferenceItem), nil
}

// MigrateLegacy imports reference lists from a legacy JSON object keyed by
// dataset name. Unknown keys and non-list values are ignored.
func (m *Manager) MigrateLegacy(ctx context.Context, blob []byte) (int, error) {
	var legacy map[string]json.RawMessage
	if err := json.Unmarshal(blob, &legacy); err != nil {
		return 0, fmt.Errorf("parse legacy references: %w", err)
	}

	imported := 0
	for _, key := range models.ReferenceKeys {
		raw, ok := legacy[key]
		if !ok {
			continue
		}
		var items []models.ReferenceItem
		if err := json.Unmarshal(raw, &items); err != nil {
			logging.Warn("Skipping malformed legacy reference list", map[string]interface{}{"key": key})
			continue
		}
		m.SaveReference(ctx, key, items, 0)
		imported++
	}
	return imported, nil
}

// MigrateLegacyFile imports and then deletes a legacy references file. A
// missing file is not an error.
func (m *Manager) MigrateLegacyFile(ctx context.Context, path string) (int, error) {
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read legacy references: %w", err)
	}
	n, err := m.MigrateLegacy(ctx, blob)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		return n, fmt.Errorf("remove legacy references: %w", err)
	}
	logging.Info("Migrated legacy reference cache", map[string]interface{}{"path": path, "datasets": n})
	return n, nil
}
