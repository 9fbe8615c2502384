package db

import (
	"path/filepath"
	"sync"
)

// Arena owns open stores keyed by data directory. A store is opened on the
// first Acquire and closed when its last handle is released.
type Arena struct {
	mu     sync.Mutex
	stores map[string]*arenaEntry
}

type arenaEntry struct {
	store *Store
	refs  int
}

// Handle is a counted reference to a store owned by an Arena.
type Handle struct {
	*Store
	arena *Arena
	key   string
	once  sync.Once
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{stores: make(map[string]*arenaEntry)}
}

var defaultArena = NewArena()

// Acquire opens dataDir's store in the default arena.
func Acquire(dataDir string) (*Handle, error) {
	return defaultArena.Acquire(dataDir)
}

// Acquire returns a handle to dataDir's store, opening it if needed.
func (a *Arena) Acquire(dataDir string) (*Handle, error) {
	key, err := filepath.Abs(dataDir)
	if err != nil {
		key = filepath.Clean(dataDir)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.stores[key]
	if !ok {
		store, err := Open(dataDir)
		if err != nil {
			return nil, err
		}
		entry = &arenaEntry{store: store}
		a.stores[key] = entry
	}
	entry.refs++
	return &Handle{Store: entry.store, arena: a, key: key}, nil
}

// Refs returns the number of live handles for dataDir.
func (a *Arena) Refs(dataDir string) int {
	key, err := filepath.Abs(dataDir)
	if err != nil {
		key = filepath.Clean(dataDir)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.stores[key]; ok {
		return entry.refs
	}
	return 0
}

// Release drops the handle. Releasing twice is a no-op.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		err = h.arena.release(h.key)
	})
	return err
}

func (a *Arena) release(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.stores[key]
	if !ok {
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		return nil
	}
	delete(a.stores, key)
	return entry.store.Close()
}
