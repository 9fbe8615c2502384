package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrrmo/fieldsync/internal/db"
	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, version string) (*Manager, *db.Store, *fakeClock) {
	t.Helper()
	store, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	m := New(context.Background(), store, Options{Version: version, Clock: clock.Now})
	return m, store, clock
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, "v1")

	require.NoError(t, m.Save(ctx, "dashboard", map[string]int{"open": 3}, SaveOptions{}))

	var got map[string]int
	require.True(t, m.Load(ctx, "dashboard", LoadOptions{}, &got))
	assert.Equal(t, 3, got["open"])

	assert.False(t, m.Load(ctx, "missing", LoadOptions{}, &got))
}

func TestLoad_MaxAge(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newManager(t, "v1")

	require.NoError(t, m.SaveToCache(ctx, "reports", []string{"a"}, 0))

	var got []string
	clock.Advance(4 * time.Minute)
	assert.True(t, m.LoadFromCache(ctx, "reports", 5, &got), "4 minutes old with a 5 minute max age is fresh")

	clock.Advance(2 * time.Minute)
	assert.False(t, m.LoadFromCache(ctx, "reports", 5, &got), "6 minutes old with a 5 minute max age is stale")
}

func TestSaveToCache_MaxAge(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newManager(t, "v1")

	require.NoError(t, m.SaveToCache(ctx, "incidentTypes", []string{"fire"}, 5))
	m.dropVolatile()

	var got []string
	clock.Advance(4 * time.Minute)
	assert.True(t, m.LoadFromCache(ctx, "incidentTypes", 120, &got))

	clock.Advance(2 * time.Minute)
	assert.False(t, m.LoadFromCache(ctx, "incidentTypes", 120, &got), "the expiry set at save time wins over a longer load max age")
}

func TestLoad_DefaultMaxAge(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newManager(t, "v1")

	require.NoError(t, m.SaveToCache(ctx, "k", 1, 0))
	var got int

	clock.Advance(59 * time.Minute)
	assert.True(t, m.LoadFromCache(ctx, "k", 0, &got))
	clock.Advance(2 * time.Minute)
	assert.False(t, m.LoadFromCache(ctx, "k", 0, &got))
}

func TestLoad_ExplicitExpiryWins(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newManager(t, "v1")

	require.NoError(t, m.Save(ctx, "k", 1, SaveOptions{MaxAgeMinutes: 10}))
	var got int

	clock.Advance(30 * time.Minute)
	assert.False(t, m.Load(ctx, "k", LoadOptions{MaxAgeMinutes: 120}, &got),
		"explicit expiry must win over a longer caller max age")
}

func TestLoad_DurableTierSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}

	store, err := db.Open(dir)
	require.NoError(t, err)
	m := New(ctx, store, Options{Version: "v1", Clock: clock.Now})
	require.NoError(t, m.SaveToCache(ctx, "k", "value", 0))
	require.NoError(t, store.Close())

	store, err = db.Open(dir)
	require.NoError(t, err)
	defer store.Close()
	m = New(ctx, store, Options{Version: "v1", Clock: clock.Now})

	var got string
	require.True(t, m.LoadFromCache(ctx, "k", 0, &got))
	assert.Equal(t, "value", got)
}

func TestVersionBump_OrphansEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}

	store, err := db.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	v1 := New(ctx, store, Options{Version: "v1", Clock: clock.Now})
	require.NoError(t, v1.SaveToCache(ctx, "k", "old", 0))
	v1.SaveReference(ctx, models.ReferenceHospitals, []models.ReferenceItem{{ID: "1", Name: "General"}}, 0)

	v2 := New(ctx, store, Options{Version: "v2", Clock: clock.Now})
	var got string
	assert.False(t, v2.LoadFromCache(ctx, "k", 0, &got))
	_, ok := v2.PeekReference(ctx, models.ReferenceHospitals)
	assert.False(t, ok)

	n, err := store.Count(ctx, models.CollectionReferences)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the version marker should remain")
}

func TestReference_VersionMismatchInvalidatesAll(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t, "v2")

	stale := models.ReferenceCacheRecord{Key: models.ReferenceBarangays, Version: "v1", CachedAt: time.Now()}
	require.NoError(t, store.Put(ctx, models.CollectionReferences, referenceKey+models.ReferenceBarangays, stale))
	m.SaveReference(ctx, models.ReferenceHospitals, []models.ReferenceItem{{ID: "1", Name: "General"}}, 0)

	_, ok := m.PeekReference(ctx, models.ReferenceBarangays)
	assert.False(t, ok)

	_, ok = m.PeekReference(ctx, models.ReferenceHospitals)
	assert.False(t, ok, "one mismatched record invalidates every reference")
}

func TestLoadReference_Staleness(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newManager(t, "v1")

	items := []models.ReferenceItem{{ID: "1", Name: "Fire"}, {ID: "2", Name: "Flood"}}
	m.SaveReference(ctx, models.ReferenceIncidentTypes, items, 0)

	rec, ok := m.LoadReference(ctx, models.ReferenceIncidentTypes, 5*time.Minute)
	require.True(t, ok)
	assert.Equal(t, items, rec.Items)

	clock.Advance(6 * time.Minute)
	_, ok = m.LoadReference(ctx, models.ReferenceIncidentTypes, 5*time.Minute)
	assert.False(t, ok)

	rec, ok = m.PeekReference(ctx, models.ReferenceIncidentTypes)
	require.True(t, ok, "peek serves stale-but-present data")
	assert.Len(t, rec.Items, 2)
}

func TestRevalidate_SharesConcurrentFetches(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, "v1")

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]models.ReferenceItem, error) {
		calls.Add(1)
		<-release
		return []models.ReferenceItem{{ID: "7", Name: "Poblacion"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := m.Revalidate(ctx, models.ReferenceBarangays, 0, fetch)
			assert.NoError(t, err)
			assert.Len(t, items, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	rec, ok := m.PeekReference(ctx, models.ReferenceBarangays)
	require.True(t, ok)
	assert.Equal(t, "Poblacion", rec.Items[0].Name)
}

func TestRevalidate_FetchError(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, "v1")

	_, err := m.Revalidate(ctx, models.ReferenceHospitals, 0, func(context.Context) ([]models.ReferenceItem, error) {
		return nil, errors.New("offline")
	})
	require.Error(t, err)
	_, ok := m.PeekReference(ctx, models.ReferenceHospitals)
	assert.False(t, ok)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, "v1")

	require.NoError(t, m.SaveToCache(ctx, "a", 1, 0))
	require.NoError(t, m.SaveToCache(ctx, "b", 2, 0))
	m.SaveReference(ctx, models.ReferenceHospitals, nil, 0)

	m.Clear(ctx, "a")
	var got int
	assert.False(t, m.LoadFromCache(ctx, "a", 0, &got))
	assert.True(t, m.LoadFromCache(ctx, "b", 0, &got))

	m.ClearAll(ctx)
	assert.False(t, m.LoadFromCache(ctx, "b", 0, &got))
	_, ok := m.PeekReference(ctx, models.ReferenceHospitals)
	assert.True(t, ok, "ClearAll keeps reference datasets")

	m.ClearReferences(ctx)
	_, ok = m.PeekReference(ctx, models.ReferenceHospitals)
	assert.False(t, ok)
}

func TestStoreReset_DropsVolatileTier(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t, "v1")

	require.NoError(t, m.SaveToCache(ctx, "k", 1, 0))
	require.NoError(t, store.Reset(ctx, errors.New("quota exceeded")))

	var got int
	assert.False(t, m.LoadFromCache(ctx, "k", 0, &got))
}

func TestStoreFailure_IsMissNotError(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t, "v1")
	require.NoError(t, m.SaveToCache(ctx, "k", 1, 0))
	m.dropVolatile()

	storageFailure = func(err error) bool { return apperrors.Is(err, apperrors.ErrStorage) }
	t.Cleanup(func() { storageFailure = db.IsStorageFailure })

	require.NoError(t, store.Close())

	var got int
	assert.False(t, m.LoadFromCache(ctx, "k", 0, &got))
	assert.Equal(t, uint64(1), store.Generation(), "the failure must take the hard-reset path")

	require.NoError(t, m.SaveToCache(ctx, "k", 2, 0))
	assert.True(t, m.LoadFromCache(ctx, "k", 0, &got))
	assert.Equal(t, 2, got)
}

func TestCanceledContext_KeepsStore(t *testing.T) {
	m, store, _ := newManager(t, "v1")
	bg := context.Background()
	require.NoError(t, store.Put(bg, models.CollectionOperations, "op-1", map[string]string{"method": "POST"}))
	require.NoError(t, m.SaveToCache(bg, "k", 1, 0))
	m.dropVolatile()

	ctx, cancel := context.WithCancel(bg)
	cancel()

	var got int
	assert.False(t, m.Load(ctx, "k", LoadOptions{}, &got))
	_, ok := m.PeekReference(ctx, models.ReferenceHospitals)
	assert.False(t, ok)
	assert.NoError(t, m.Save(ctx, "k", 2, SaveOptions{}))
	m.Clear(ctx, "other")
	m.SaveAsset(ctx, "alert-sound", []byte{1}, "audio/mpeg")

	deadline, stop := context.WithTimeout(bg, -time.Second)
	defer stop()
	_, ok = m.LoadAsset(deadline, "alert-sound")
	assert.False(t, ok)

	assert.Zero(t, store.Generation(), "a canceled context must not reset the store")
	n, err := store.Count(bg, models.CollectionOperations)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "queued operations survive")

	m.dropVolatile()
	assert.True(t, m.LoadFromCache(bg, "k", 0, &got))
	assert.Equal(t, 1, got)
}

func TestSave_Unencodable(t *testing.T) {
	m, _, _ := newManager(t, "v1")
	err := m.SaveToCache(context.Background(), "k", make(chan int), 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestDrafts(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newManager(t, "v1")

	d1 := models.NewDraft("report-1", clock.Now())
	d2 := models.NewDraft("report-2", clock.Now())
	require.NoError(t, m.UpsertDrafts(ctx, []models.DraftRecord{d1, d2}))

	d1.Notes = "updated"
	require.NoError(t, m.UpsertDraft(ctx, d1))

	drafts, err := m.LoadDrafts(ctx)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, d1.ClientDraftID, drafts[0].ClientDraftID)
	assert.Equal(t, "updated", drafts[0].Notes)

	got, ok, err := m.LoadDraft(ctx, d2.ClientDraftID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "report-2", got.EmergencyReportID)

	require.NoError(t, m.RemoveDraft(ctx, d2.ClientDraftID))
	require.NoError(t, m.RemoveDraft(ctx, d2.ClientDraftID))
	_, ok, err = m.LoadDraft(ctx, d2.ClientDraftID)
	require.NoError(t, err)
	assert.False(t, ok)

	bad := d1
	bad.Status = "archived"
	assert.True(t, apperrors.Is(m.UpsertDraft(ctx, bad), apperrors.ErrInvalid))
}

func TestAssets(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newManager(t, "v1")

	m.SaveAsset(ctx, "alert-sound", []byte{0x49, 0x44, 0x33}, "audio/mpeg")

	clock.Advance(365 * 24 * time.Hour)
	rec, ok := m.LoadAsset(ctx, "alert-sound")
	require.True(t, ok, "assets never expire")
	assert.Equal(t, "audio/mpeg", rec.ContentType)
	assert.Equal(t, []byte{0x49, 0x44, 0x33}, rec.Content)

	m.ClearAssets(ctx)
	_, ok = m.LoadAsset(ctx, "alert-sound")
	assert.False(t, ok)
}

func TestMigrateLegacyFile(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, "v1")

	path := filepath.Join(t.TempDir(), "legacy.json")
	blob := `{"incidentTypes":[{"id":"1","name":"Fire"}],"hospitals":"not a list","unknown":[]}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o644))

	n, err := m.MigrateLegacyFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok := m.PeekReference(ctx, models.ReferenceIncidentTypes)
	require.True(t, ok)
	assert.Equal(t, "Fire", rec.Items[0].Name)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "legacy file should be removed")

	n, err = m.MigrateLegacyFile(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.MigrateLegacy(ctx, []byte("not json"))
	assert.Error(t, err)
}
