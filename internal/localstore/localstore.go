// Package localstore is the SQLite-backed persistent local state of
// spec.md §6: settings, the device's own Schedule record, its
// BackupRecord history, the bounded deferred-work queue, and the
// stable per-device id. It handles its own pragma setup and goose
// migrations, exposes construction-time options via the functional
// Option type, and mints ulid ids, with package-level sentinel errors
// for not-found conditions.
package localstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/bookmarksync/internal/backup"
	"github.com/hyperengineering/bookmarksync/internal/localstore/migrations"
	"github.com/hyperengineering/bookmarksync/internal/retryqueue"
	"github.com/hyperengineering/bookmarksync/internal/schedule"
	"github.com/pressly/goose/v3"
)

// Settings is the mutable, user-facing runtime configuration persisted
// independently of the process-startup internal/config file (spec.md
// §6: "settings — {mode, autoSync, syncInterval, theme, verboseLogs,
// ...}").
type Settings struct {
	Mode         string        `json:"mode"`
	AutoSync     bool          `json:"autoSync"`
	SyncInterval time.Duration `json:"syncInterval"`
	Theme        string        `json:"theme"`
	VerboseLogs  bool          `json:"verboseLogs"`
}

// DefaultSettings mirrors the defaults a freshly provisioned device
// should start with.
func DefaultSettings() Settings {
	return Settings{Mode: "global", AutoSync: true, SyncInterval: 15 * time.Minute, Theme: "system"}
}

// Store is the local SQLite database. It implements schedule.Store,
// backup.Store, and retryqueue.RecordSource so the rest of the daemon
// shares a single on-disk file.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Option configures optional Store behavior.
type Option func(*Store)

// NewStore opens (creating if necessary) the SQLite database at
// dbPath, applies pragmas, and runs pending goose migrations.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("localstore: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("localstore: open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: enable pragmas: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: run migrations: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSettings returns the persisted Settings, or DefaultSettings if
// none have been saved yet.
func (s *Store) GetSettings() (Settings, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM settings WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	var settings Settings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return Settings{}, fmt.Errorf("localstore: decode settings: %w", err)
	}
	return settings, nil
}

// PutSettings persists settings, replacing any previous value.
func (s *Store) PutSettings(settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO settings (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), time.Now().UTC().Format(time.RFC3339))
	return err
}

// DeviceID returns the stable per-device id, generating and persisting
// one via ulid on first call.
func (s *Store) DeviceID() (string, error) {
	var id string
	err := s.db.QueryRow("SELECT device_id FROM device WHERE id = 1").Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	id = ulid.Make().String()
	if _, err := s.db.Exec("INSERT INTO device (id, device_id) VALUES (1, ?)", id); err != nil {
		return "", err
	}
	return id, nil
}

// GetSchedule implements schedule.Store.
func (s *Store) GetSchedule(id string) (schedule.Schedule, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM schedules WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return schedule.Schedule{}, ErrNotFound
	}
	if err != nil {
		return schedule.Schedule{}, err
	}
	var sched schedule.Schedule
	if err := json.Unmarshal([]byte(data), &sched); err != nil {
		return schedule.Schedule{}, fmt.Errorf("localstore: decode schedule %s: %w", id, err)
	}
	return sched, nil
}

// PutSchedule implements schedule.Store.
func (s *Store) PutSchedule(sched schedule.Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO schedules (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, sched.ID, string(data), time.Now().UTC().Format(time.RFC3339))
	return err
}

// PutRecord implements backup.Store.
func (s *Store) PutRecord(rec backup.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO backups (id, schedule_id, created_at, status, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data
	`, rec.ID, rec.ScheduleID, rec.CreatedAt.UTC().Format(time.RFC3339Nano), string(rec.Status), string(data))
	return err
}

// GetRecord implements backup.Store.
func (s *Store) GetRecord(id string) (backup.Record, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM backups WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return backup.Record{}, ErrNotFound
	}
	if err != nil {
		return backup.Record{}, err
	}
	var rec backup.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return backup.Record{}, fmt.Errorf("localstore: decode backup record %s: %w", id, err)
	}
	return rec, nil
}

// ListRecords implements backup.Store, newest first.
func (s *Store) ListRecords(scheduleID string) ([]backup.Record, error) {
	rows, err := s.db.Query("SELECT data FROM backups WHERE schedule_id = ? ORDER BY created_at DESC", scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []backup.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec backup.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("localstore: decode backup record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteRecord implements backup.Store.
func (s *Store) DeleteRecord(id string) error {
	_, err := s.db.Exec("DELETE FROM backups WHERE id = ?", id)
	return err
}

// PendingRetries implements retryqueue.RecordSource by reading every
// backup record currently in retry_pending status.
func (s *Store) PendingRetries() (map[string]retryqueue.RetryState, error) {
	rows, err := s.db.Query("SELECT id, data FROM backups WHERE status = ?", string(backup.StatusRetryPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make(map[string]retryqueue.RetryState)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var rec backup.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("localstore: decode backup record %s: %w", id, err)
		}
		state := retryqueue.RetryState{
			Status:  retryqueue.RetryStatus(rec.Status),
			Attempt: rec.Attempt,
		}
		if rec.NextRetryAt != nil {
			state.NextRetryAt = *rec.NextRetryAt
		}
		pending[id] = state
	}
	return pending, rows.Err()
}

// SaveRetryState implements retryqueue.RecordSource by writing the
// retry bookkeeping fields back onto the named backup record.
func (s *Store) SaveRetryState(backupID string, state retryqueue.RetryState) error {
	rec, err := s.GetRecord(backupID)
	if err != nil {
		return err
	}
	rec.Status = backup.Status(state.Status)
	rec.Attempt = state.Attempt
	nextRetryAt := state.NextRetryAt
	rec.NextRetryAt = &nextRetryAt
	return s.PutRecord(rec)
}

// SaveDeferredItem persists one deferred-work item, implementing the
// "missedBackups" bounded queue's durability across restarts.
func (s *Store) SaveDeferredItem(item retryqueue.DeferredWorkItem) error {
	_, err := s.db.Exec(`
		INSERT INTO missed_backups (id, schedule_id, originally_due_at, enqueued_at, priority) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET priority = excluded.priority
	`, item.ID, item.ScheduleID, item.OriginallyDueAt.UTC().Format(time.RFC3339Nano), item.EnqueuedAt.UTC().Format(time.RFC3339Nano), item.Priority)
	return err
}

// ListDeferredItems returns every persisted deferred-work item,
// highest priority first, for repopulating retryqueue.Queue on daemon
// startup.
func (s *Store) ListDeferredItems() ([]retryqueue.DeferredWorkItem, error) {
	rows, err := s.db.Query("SELECT id, schedule_id, originally_due_at, enqueued_at, priority FROM missed_backups ORDER BY priority DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []retryqueue.DeferredWorkItem
	for rows.Next() {
		var item retryqueue.DeferredWorkItem
		var due, enqueued string
		if err := rows.Scan(&item.ID, &item.ScheduleID, &due, &enqueued, &item.Priority); err != nil {
			return nil, err
		}
		item.OriginallyDueAt, err = time.Parse(time.RFC3339Nano, due)
		if err != nil {
			return nil, err
		}
		item.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueued)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteDeferredItem removes a deferred-work item once it has been
// dispatched or evicted.
func (s *Store) DeleteDeferredItem(id string) error {
	_, err := s.db.Exec("DELETE FROM missed_backups WHERE id = ?", id)
	return err
}
