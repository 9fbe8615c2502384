// Package db provides the local durable store: a versioned SQLite file holding
// independent keyed collections of JSON records.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/telemetry"
)

// FileName is the store's file name inside its data directory.
const FileName = "fieldsync.db"

// Record is one keyed value read from a collection.
type Record struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the record value into dst.
func (r Record) Decode(dst any) error {
	return json.Unmarshal(r.Value, dst)
}

// Store is the durable store. Every operation runs in its own transaction
// scoped to a single collection; there are no cross-collection transactions.
type Store struct {
	mu   sync.RWMutex // guards db across Reset
	db   *sql.DB
	dir  string
	path string

	generation atomic.Uint64
	hooksMu    sync.Mutex
	hooks      []func(generation uint64)
}

// Open opens the store in dataDir, creating and migrating it as needed.
// A store that cannot be opened because it is corrupt, was written by an
// unknown schema, or is not a database at all is deleted and recreated.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create data directory", err)
	}

	s := &Store{
		dir:  dataDir,
		path: filepath.Join(dataDir, FileName),
	}

	db, err := openFile(s.path)
	if err != nil {
		logging.Loud("Durable store unusable, recreating", err,
			map[string]interface{}{"path": s.path})
		if rmErr := removeFiles(s.path); rmErr != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to delete broken store", rmErr)
		}
		db, err = openFile(s.path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to recreate store", err)
		}
		s.generation.Store(1)
		telemetry.StoreResets.Inc()
	}
	s.db = db
	return s, nil
}

// Downgrade rolls the store in dataDir back to schema version target, so an
// older release can open it instead of resetting it. It returns the version
// the store was at. No agent may hold the store while it runs.
func Downgrade(dataDir string, target int) (int, error) {
	path := filepath.Join(dataDir, FileName)
	if _, err := os.Stat(path); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrNotFound, "no store in "+dataDir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to open database", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	m := newEmbeddedMigrator(db)
	if err := m.Initialize(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "failed to initialize migrations", err)
	}
	from, err := m.CurrentVersion()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}
	if target < 0 || target > from {
		return from, apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("cannot downgrade schema version %d to %d", from, target))
	}

	for v := from; v > target; v-- {
		if err := m.Down(); err != nil {
			return from, apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("rollback of version %d failed", v), err)
		}
	}
	if from != target {
		logging.Warn("Store schema downgraded", map[string]interface{}{
			"path": path,
			"from": from,
			"to":   target,
		})
	}
	return from, nil
}

// openFile opens and migrates the SQLite file at path.
func openFile(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func configure(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	var check string
	if err := db.QueryRow("PRAGMA quick_check;").Scan(&check); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if check != "ok" {
		return fmt.Errorf("integrity check failed: %s", check)
	}

	m := newEmbeddedMigrator(db)
	if err := m.Initialize(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to initialize migrations", err)
	}
	if err := m.Verify(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "schema verification failed", err)
	}
	if err := m.Up(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "schema upgrade failed", err)
	}
	return nil
}

func removeFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Generation increases every time the store is recreated. Callers holding
// derived in-memory state compare generations to detect a reset.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// OnReset registers fn to run after every hard reset.
func (s *Store) OnReset(fn func(generation uint64)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// SchemaVersion returns the schema version recorded in the open store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Reset deletes the store file and recreates an empty store. This drops every
// queued operation and cached record; it is the recovery path for local
// storage failures and is always logged loudly.
func (s *Store) Reset(ctx context.Context, reason error) error {
	s.mu.Lock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	if err := removeFiles(s.path); err != nil {
		s.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete store", err)
	}
	db, err := openFile(s.path)
	if err != nil {
		s.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrStorage, "failed to recreate store", err)
	}
	s.db = db
	gen := s.generation.Add(1)
	s.mu.Unlock()
	telemetry.StoreResets.Inc()

	logging.Loud("Durable store reset; queued operations and caches were dropped", reason,
		map[string]interface{}{"path": s.path, "generation": gen})

	s.hooksMu.Lock()
	hooks := append([]func(uint64){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(gen)
	}
	return nil
}

// IsStorageFailure reports whether err stems from local storage being
// corrupt, full or unreadable, the failures that warrant a hard reset.
func IsStorageFailure(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if stderrors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR:
			return true
		}
		return false
	}
	return apperrors.Is(err, apperrors.ErrMigration)
}

func table(c models.Collection) (string, error) {
	if !c.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", c))
	}
	return "coll_" + string(c), nil
}

// handle returns the live connection under a read lock; release must be called.
func (s *Store) handle() (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, nil, apperrors.New(apperrors.ErrStorage, "store is closed")
	}
	return s.db, s.mu.RUnlock, nil
}

// Put stores v under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, coll models.Collection, key string, v any) error {
	return s.PutMany(ctx, coll, map[string]any{key: v})
}

// PutMany stores every entry in one transaction: all or nothing.
func (s *Store) PutMany(ctx context.Context, coll models.Collection, entries map[string]any) error {
	tbl, err := table(coll)
	if err != nil {
		return err
	}
	encoded := make(map[string][]byte, len(entries))
	for key, v := range entries {
		if key == "" {
			return apperrors.New(apperrors.ErrInvalid, "record key must not be empty")
		}
		data, err := json.Marshal(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode record", err)
		}
		encoded[key] = data
	}

	db, release, err := s.handle()
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO ` + tbl + ` (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	now := time.Now().UnixMilli()
	for key, data := range encoded {
		if _, err := tx.ExecContext(ctx, query, key, data, now); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to put record", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit", err)
	}
	return nil
}

// Get decodes the record stored under key into dst. It reports false when
// no such record exists.
func (s *Store) Get(ctx context.Context, coll models.Collection, key string, dst any) (bool, error) {
	tbl, err := table(coll)
	if err != nil {
		return false, err
	}
	db, release, err := s.handle()
	if err != nil {
		return false, err
	}
	defer release()

	var data []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM `+tbl+` WHERE key = ?`, key).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to get record", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to decode record", err)
	}
	return true, nil
}

// GetAll returns every record in the collection in first-insertion order.
func (s *Store) GetAll(ctx context.Context, coll models.Collection) ([]Record, error) {
	tbl, err := table(coll)
	if err != nil {
		return nil, err
	}
	db, release, err := s.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM `+tbl+` ORDER BY seq`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list records", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var data []byte
		if err := rows.Scan(&r.Key, &data); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan record", err)
		}
		r.Value = json.RawMessage(data)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list records", err)
	}
	return out, nil
}

// Delete removes the record stored under key. Deleting a missing key is not
// an error.
func (s *Store) Delete(ctx context.Context, coll models.Collection, key string) error {
	return s.exec(ctx, coll, `DELETE FROM %s WHERE key = ?`, key)
}

// Clear removes every record in the collection.
func (s *Store) Clear(ctx context.Context, coll models.Collection) error {
	return s.exec(ctx, coll, `DELETE FROM %s`)
}

// DeletePrefix removes every record whose key starts with prefix.
func (s *Store) DeletePrefix(ctx context.Context, coll models.Collection, prefix string) error {
	if prefix == "" {
		return apperrors.New(apperrors.ErrInvalid, "prefix must not be empty")
	}
	return s.exec(ctx, coll, `DELETE FROM %s WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, coll models.Collection) (int, error) {
	tbl, err := table(coll)
	if err != nil {
		return 0, err
	}
	db, release, err := s.handle()
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tbl).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count records", err)
	}
	return n, nil
}

func (s *Store) exec(ctx context.Context, coll models.Collection, query string, args ...any) error {
	tbl, err := table(coll)
	if err != nil {
		return err
	}
	db, release, err := s.handle()
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(query, tbl), args...); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to modify collection", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit", err)
	}
	return nil
}
