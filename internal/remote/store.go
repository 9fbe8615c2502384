// Package remote is a reference implementation of the remote store's
// er-team endpoints. It upserts drafts idempotently on the client draft id,
// so replays from the write queue never create duplicate reports.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates that an idempotency record already exists for a key.
var ErrDuplicate = errors.New("duplicate")

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id                  TEXT PRIMARY KEY,
	emergency_report_id TEXT NOT NULL,
	status              TEXT NOT NULL,
	payload             TEXT,
	notes               TEXT,
	synced_at           TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reference_sets (
	key        TEXT PRIMARY KEY,
	items      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	report_id  TEXT NOT NULL,
	status     INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);
`

// Report is a stored er-team report.
type Report struct {
	ID                string          `json:"id"`
	EmergencyReportID string          `json:"emergencyReportId"`
	Status            string          `json:"status"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	SyncedAt          *time.Time      `json:"syncedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Item is one row of a reference dataset.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Idempotency records the first request completed under a key.
type Idempotency struct {
	Key       string
	ReportID  string
	Status    int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the remote store's persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (creating if needed) the SQLite database at path.
// ":memory:" opens a private in-memory database.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply remote schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertReport inserts r or replaces the report with the same id, keeping
// its creation time. created reports whether the id was new.
func (s *Store) UpsertReport(ctx context.Context, r Report) (Report, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, false, err
	}
	defer tx.Rollback()

	now := s.now()
	var createdAt string
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM reports WHERE id = ?`, r.ID).Scan(&createdAt)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return Report{}, false, err
	}

	r.UpdatedAt = now
	if created {
		r.CreatedAt = now
	} else if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Report{}, false, fmt.Errorf("parse created_at: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (id, emergency_report_id, status, payload, notes, synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			emergency_report_id = excluded.emergency_report_id,
			status = excluded.status,
			payload = excluded.payload,
			notes = excluded.notes,
			synced_at = excluded.synced_at,
			updated_at = excluded.updated_at`,
		r.ID, r.EmergencyReportID, r.Status, nullString(string(r.Payload)), nullString(r.Notes),
		formatTime(r.SyncedAt), r.CreatedAt.Format(timeLayout), r.UpdatedAt.Format(timeLayout))
	if err != nil {
		return Report{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Report{}, false, err
	}
	return r, created, nil
}

// GetReport returns the report with id or ErrNotFound.
func (s *Store) GetReport(ctx context.Context, id string) (Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, emergency_report_id, status, payload, notes, synced_at, created_at, updated_at
		FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	return r, err
}

// ListReports returns every report, most recently updated first.
func (s *Store) ListReports(ctx context.Context) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, emergency_report_id, status, payload, notes, synced_at, created_at, updated_at
		FROM reports ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(sc scanner) (Report, error) {
	var (
		r                   Report
		payload, notes      sql.NullString
		syncedAt            sql.NullString
		createdAt, updateAt string
	)
	if err := sc.Scan(&r.ID, &r.EmergencyReportID, &r.Status, &payload, &notes, &syncedAt, &createdAt, &updateAt); err != nil {
		return Report{}, err
	}
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	r.Notes = notes.String
	if syncedAt.Valid {
		t, err := time.Parse(timeLayout, syncedAt.String)
		if err != nil {
			return Report{}, fmt.Errorf("parse synced_at: %w", err)
		}
		r.SyncedAt = &t
	}
	var err error
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Report{}, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(timeLayout, updateAt); err != nil {
		return Report{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return r, nil
}

// CountReports returns the number of stored reports.
func (s *Store) CountReports(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&n)
	return n, err
}

// PutReferences replaces the reference dataset key.
func (s *Store) PutReferences(ctx context.Context, key string, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reference_sets (key, items, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET items = excluded.items, updated_at = excluded.updated_at`,
		key, string(raw), s.now().Format(timeLayout))
	return err
}

// GetReferences returns the reference dataset key or ErrNotFound.
func (s *Store) GetReferences(ctx context.Context, key string) ([]Item, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT items FROM reference_sets WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode references %s: %w", key, err)
	}
	return items, nil
}

// GetIdempotency returns a non-expired record or ErrNotFound.
func (s *Store) GetIdempotency(ctx context.Context, key string, now time.Time) (*Idempotency, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec Idempotency
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT key, report_id, status, created_at, expires_at
		FROM idempotency_keys WHERE key = ? AND expires_at > ?`,
		key, now.UTC().Format(timeLayout)).
		Scan(&rec.Key, &rec.ReportID, &rec.Status, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.ExpiresAt, _ = time.Parse(timeLayout, expiresAt)
	return &rec, nil
}

// CreateIdempotency inserts a record and returns ErrDuplicate when the key
// is already recorded. Expired records are replaced.
func (s *Store) CreateIdempotency(ctx context.Context, key, reportID string, status int, ttl time.Duration) (*Idempotency, error) {
	now := s.now()
	rec := &Idempotency{
		Key:       key,
		ReportID:  reportID,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, report_id, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			report_id = excluded.report_id,
			status = excluded.status,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_keys.expires_at <= excluded.created_at`,
		rec.Key, rec.ReportID, rec.Status,
		rec.CreatedAt.Format(timeLayout), rec.ExpiresAt.Format(timeLayout))
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrDuplicate
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}
