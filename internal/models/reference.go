package models

import (
	"encoding/json"
	"time"
)

// ReferenceItem is one row of a read-mostly lookup table.
type ReferenceItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Well-known reference datasets.
const (
	ReferenceBarangays     = "barangays"
	ReferenceIncidentTypes = "incidentTypes"
	ReferenceHospitals     = "hospitals"
)

// ReferenceKeys lists the datasets a field client bootstraps.
var ReferenceKeys = []string{ReferenceBarangays, ReferenceIncidentTypes, ReferenceHospitals}

// ReferenceCacheRecord is a cached lookup table.
type ReferenceCacheRecord struct {
	Key       string          `json:"key"`
	Items     []ReferenceItem `json:"items"`
	CachedAt  time.Time       `json:"cachedAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	Version   string          `json:"version"`
}

// Collection returns the collection ReferenceCacheRecord records live in.
func (ReferenceCacheRecord) Collection() Collection {
	return CollectionReferences
}

// Fresh reports whether a record cached at cachedAt, with optional explicit
// expiry, may still be served at now. The explicit expiry wins when present;
// otherwise the age must be below maxAge. A non-positive maxAge without an
// explicit expiry means the record is never fresh.
func Fresh(now, cachedAt time.Time, expiresAt *time.Time, maxAge time.Duration) bool {
	if expiresAt != nil {
		return now.Before(*expiresAt)
	}
	if maxAge <= 0 {
		return false
	}
	return now.Sub(cachedAt) < maxAge
}

// Usable reports whether the record may be served at now for the running
// cache version.
func (r *ReferenceCacheRecord) Usable(now time.Time, maxAge time.Duration, version string) bool {
	return r.Version == version && Fresh(now, r.CachedAt, r.ExpiresAt, maxAge)
}

// CacheEntry is the durable-tier envelope for arbitrary cached values.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	CachedAt  time.Time       `json:"timestamp"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// AssetCacheRecord is cached static content such as alert sounds. Assets
// never expire; they are cleared explicitly.
type AssetCacheRecord struct {
	Key         string    `json:"key"`
	Content     []byte    `json:"content"`
	ContentType string    `json:"contentType"`
	CachedAt    time.Time `json:"cachedAt"`
}

// Collection returns the collection AssetCacheRecord records live in.
func (AssetCacheRecord) Collection() Collection {
	return CollectionAssets
}
