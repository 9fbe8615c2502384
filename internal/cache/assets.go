package cache

import (
	"context"

	"github.com/mdrrmo/fieldsync/internal/models"
)

// SaveAsset caches static content. Assets never expire.
func (m *Manager) SaveAsset(ctx context.Context, key string, content []byte, contentType string) {
	rec := models.AssetCacheRecord{
		Key:         key,
		Content:     content,
		ContentType: contentType,
		CachedAt:    m.now(),
	}
	if err := m.store.Put(ctx, models.CollectionAssets, key, rec); err != nil {
		m.fail(ctx, "save asset", err)
	}
}

// LoadAsset returns a cached asset.
func (m *Manager) LoadAsset(ctx context.Context, key string) (*models.AssetCacheRecord, bool) {
	var rec models.AssetCacheRecord
	found, err := m.store.Get(ctx, models.CollectionAssets, key, &rec)
	if err != nil {
		m.fail(ctx, "load asset", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &rec, true
}

// ClearAssets removes every cached asset.
func (m *Manager) ClearAssets(ctx context.Context) {
	if err := m.store.Clear(ctx, models.CollectionAssets); err != nil {
		m.fail(ctx, "clear assets", err)
	}
}
