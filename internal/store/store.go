// Jobhooks is a Kubernetes Job completion webhook service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides a SQLite-backed persistence layer for webhooks,
// job-done watchers and their triggers, and job-family watchers, including
// schema migrations and the atomic status-transition helpers the watcher
// service relies on for claim/CAS semantics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"jobhooks/pkg/jobhooks"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"

	// Timestamps are stored as RFC 3339 text so the JSON-aggregation reads
	// can hand them straight to encoding/json-compatible parsing.
	timeLayout = time.RFC3339Nano
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedDatabase indicates a DATABASE_URL with a scheme other
	// than sqlite.
	ErrUnsupportedDatabase = errors.New("unsupported database")

	memSeq atomic.Int64
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open connects to the database selected by databaseURL, applies connection
// pragmas, runs migrations, and returns a ready Store.
//
// Supported forms: "sqlite:<path>", "sqlite://<path>", and the in-memory
// spellings "sqlite::memory:", "sqlite://:memory:", "sqlite:", "sqlite://".
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	dsn, err := sqliteDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// sqliteDSN translates a DATABASE_URL into a modernc.org/sqlite DSN.
func sqliteDSN(databaseURL string) (string, error) {
	scheme, rest, found := strings.Cut(databaseURL, ":")
	if !found || scheme != "sqlite" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDatabase, scheme)
	}
	path := strings.TrimPrefix(rest, "//")

	const pragmas = "_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	busy := int(defaultBusyTimeout.Milliseconds())

	if path == "" || path == ":memory:" {
		// Every Open gets its own named in-memory database; cache=shared
		// lets the pool's connections see the same data.
		name := fmt.Sprintf("jobhooksmem%d", memSeq.Add(1))
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)", name, busy), nil
	}
	return fmt.Sprintf("file:%s?"+pragmas, path, busy), nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhooks (
  id           TEXT PRIMARY KEY,
  url          TEXT NOT NULL,
  request_body TEXT NOT NULL,
  description  TEXT NOT NULL,
  created_at   TEXT NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS job_done_watchers (
  id              TEXT PRIMARY KEY,
  job_name        TEXT NOT NULL,
  timeout_seconds INTEGER NOT NULL,
  status          TEXT NOT NULL CHECK (status IN ('PENDING','PROCESSING','COMPLETED','PARTIALLY_COMPLETED','FAILED','TIMEOUT','CANCELLED')),
  created_at      TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_watchers_job_name_status ON job_done_watchers(job_name, status);`,

		`CREATE TABLE IF NOT EXISTS job_done_trigger_webhooks (
  id                  TEXT PRIMARY KEY,
  webhook_id          TEXT NOT NULL,
  job_done_watcher_id TEXT NOT NULL REFERENCES job_done_watchers(id) ON DELETE CASCADE,
  ord                 INTEGER NOT NULL,
  timeout_seconds     INTEGER NOT NULL,
  status              TEXT NOT NULL CHECK (status IN ('NOT_CALLED','CALLED','FAILED','TIMEOUT','CANCELLED')),
  called_at           TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_watcher ON job_done_trigger_webhooks(job_done_watcher_id);`,

		`CREATE TABLE IF NOT EXISTS job_family_watchers (
  id           TEXT PRIMARY KEY,
  job_family   TEXT NOT NULL,
  url          TEXT NOT NULL,
  request_body TEXT NOT NULL,
  description  TEXT NOT NULL,
  created_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_family_watchers_family ON job_family_watchers(job_family);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Webhooks ---------------

// CreateWebhook inserts a new webhook. A duplicate id is rejected by the
// primary key constraint.
func (s *Store) CreateWebhook(ctx context.Context, wh *jobhooks.Webhook) error {
	const ins = `INSERT INTO webhooks (id, url, request_body, description, created_at) VALUES (?, ?, ?, ?, ?);`
	_, err := s.db.ExecContext(ctx, ins,
		wh.ID, wh.URL, wh.RequestBody, wh.Description, formatTime(wh.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// GetWebhookByID retrieves a webhook by id or ErrNotFound.
func (s *Store) GetWebhookByID(ctx context.Context, id string) (*jobhooks.Webhook, error) {
	const q = `SELECT id, url, request_body, description, created_at FROM webhooks WHERE id=?`
	var (
		wh        jobhooks.Webhook
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&wh.ID, &wh.URL, &wh.RequestBody, &wh.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	if wh.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &wh, nil
}

// ListWebhooks returns all webhooks ordered by creation time.
func (s *Store) ListWebhooks(ctx context.Context) ([]*jobhooks.Webhook, error) {
	const q = `SELECT id, url, request_body, description, created_at FROM webhooks ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*jobhooks.Webhook
	for rows.Next() {
		var (
			wh        jobhooks.Webhook
			createdAt string
		)
		if err := rows.Scan(&wh.ID, &wh.URL, &wh.RequestBody, &wh.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		if wh.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &wh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return out, nil
}

// --------------- Job-done watchers ---------------

// watcherSelect aggregates each watcher's triggers into a JSON array keyed
// by watcher id, ordered by insertion position.
const watcherSelect = `
SELECT w.id, w.job_name, w.timeout_seconds, w.status, w.created_at,
  (SELECT json_group_array(json_object(
      'id', t.id,
      'webhookId', t.webhook_id,
      'timeoutSeconds', t.timeout_seconds,
      'status', t.status,
      'calledAt', t.called_at))
   FROM (SELECT * FROM job_done_trigger_webhooks
         WHERE job_done_watcher_id = w.id ORDER BY ord ASC) AS t)
FROM job_done_watchers w`

// triggerRow mirrors the json_object keys in watcherSelect.
type triggerRow struct {
	ID             string  `json:"id"`
	WebhookID      string  `json:"webhookId"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
	Status         string  `json:"status"`
	CalledAt       *string `json:"calledAt"`
}

func scanWatcher(scan func(dest ...any) error) (*jobhooks.JobDoneWatcher, error) {
	var (
		w           jobhooks.JobDoneWatcher
		status      string
		createdAt   string
		triggerJSON string
	)
	if err := scan(&w.ID, &w.JobName, &w.TimeoutSeconds, &status, &createdAt, &triggerJSON); err != nil {
		return nil, err
	}
	w.Status = jobhooks.WatcherStatus(status)

	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	var rows []triggerRow
	if err := json.Unmarshal([]byte(triggerJSON), &rows); err != nil {
		return nil, fmt.Errorf("decode trigger aggregate: %w", err)
	}
	w.JobDoneTriggerWebhooks = make([]jobhooks.JobDoneTriggerWebhook, 0, len(rows))
	for _, r := range rows {
		tw := jobhooks.JobDoneTriggerWebhook{
			ID:             r.ID,
			WebhookID:      r.WebhookID,
			TimeoutSeconds: r.TimeoutSeconds,
			Status:         jobhooks.TriggerStatus(r.Status),
		}
		if r.CalledAt != nil {
			t, err := parseTime(*r.CalledAt)
			if err != nil {
				return nil, err
			}
			tw.CalledAt = &t
		}
		w.JobDoneTriggerWebhooks = append(w.JobDoneTriggerWebhooks, tw)
	}
	return &w, nil
}

// CreateWatcher inserts a watcher and all of its triggers in one
// transaction; partial writes are rolled back.
func (s *Store) CreateWatcher(ctx context.Context, w *jobhooks.JobDoneWatcher) error {
	if !w.Status.Valid() {
		return fmt.Errorf("invalid status: %s", w.Status)
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const insWatcher = `INSERT INTO job_done_watchers (id, job_name, timeout_seconds, status, created_at) VALUES (?, ?, ?, ?, ?);`
		if _, err := tx.ExecContext(ctx, insWatcher,
			w.ID, w.JobName, w.TimeoutSeconds, w.Status.String(), formatTime(w.CreatedAt)); err != nil {
			return fmt.Errorf("insert watcher: %w", err)
		}

		const insTrigger = `INSERT INTO job_done_trigger_webhooks (id, webhook_id, job_done_watcher_id, ord, timeout_seconds, status, called_at) VALUES (?, ?, ?, ?, ?, ?, ?);`
		for i, t := range w.JobDoneTriggerWebhooks {
			var calledAt any
			if t.CalledAt != nil {
				calledAt = formatTime(*t.CalledAt)
			}
			if _, err := tx.ExecContext(ctx, insTrigger,
				t.ID, t.WebhookID, w.ID, i, t.TimeoutSeconds, t.Status.String(), calledAt); err != nil {
				return fmt.Errorf("insert trigger %d: %w", i, err)
			}
		}
		return nil
	})
}

// GetWatcherByID retrieves a watcher with its triggers or ErrNotFound.
func (s *Store) GetWatcherByID(ctx context.Context, id string) (*jobhooks.JobDoneWatcher, error) {
	row := s.db.QueryRowContext(ctx, watcherSelect+` WHERE w.id=?`, id)
	w, err := scanWatcher(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get watcher: %w", err)
	}
	return w, nil
}

// ListWatchers returns all watchers with their triggers ordered by creation time.
func (s *Store) ListWatchers(ctx context.Context) ([]*jobhooks.JobDoneWatcher, error) {
	return s.queryWatchers(ctx, watcherSelect+` ORDER BY w.created_at ASC`)
}

// ListWatchersByJobNameAndStatus returns watchers matching both predicates.
func (s *Store) ListWatchersByJobNameAndStatus(ctx context.Context, jobName string, status jobhooks.WatcherStatus) ([]*jobhooks.JobDoneWatcher, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	return s.queryWatchers(ctx,
		watcherSelect+` WHERE w.job_name=? AND w.status=? ORDER BY w.created_at ASC`,
		jobName, status.String())
}

func (s *Store) queryWatchers(ctx context.Context, query string, args ...any) ([]*jobhooks.JobDoneWatcher, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list watchers: %w", err)
	}
	defer rows.Close()

	var out []*jobhooks.JobDoneWatcher
	for rows.Next() {
		w, err := scanWatcher(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watchers: %w", err)
	}
	return out, nil
}

// UpdateWatcherStatus unconditionally sets the status of a watcher.
func (s *Store) UpdateWatcherStatus(ctx context.Context, id string, status jobhooks.WatcherStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	const upd = `UPDATE job_done_watchers SET status=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, status.String(), id)
	if err != nil {
		return fmt.Errorf("update watcher status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWatcherStatusIfStatus performs a compare-and-set on the watcher
// status. It reports whether the transition was applied; a current status
// other than expected is a no-op, not an error.
func (s *Store) UpdateWatcherStatusIfStatus(ctx context.Context, id string, expected, status jobhooks.WatcherStatus) (bool, error) {
	if !expected.Valid() || !status.Valid() {
		return false, fmt.Errorf("invalid status: %s -> %s", expected, status)
	}
	const upd = `UPDATE job_done_watchers SET status=? WHERE id=? AND status=?`
	res, err := s.db.ExecContext(ctx, upd, status.String(), id, expected.String())
	if err != nil {
		return false, fmt.Errorf("cas watcher status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClaimWatchersByJobName atomically flips every watcher of jobName whose
// status equals expected to the new status and returns the post-transition
// snapshots. Watchers concurrently moved out of expected (for example by
// the deadline timer) are excluded by the predicate.
func (s *Store) ClaimWatchersByJobName(ctx context.Context, jobName string, expected, status jobhooks.WatcherStatus) ([]*jobhooks.JobDoneWatcher, error) {
	if !expected.Valid() || !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s -> %s", expected, status)
	}

	var claimed []*jobhooks.JobDoneWatcher
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM job_done_watchers WHERE job_name=? AND status=? ORDER BY created_at ASC`
		rows, err := tx.QueryContext(ctx, sel, jobName, expected.String())
		if err != nil {
			return fmt.Errorf("select claimable watchers: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan watcher id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate watcher ids: %w", err)
		}

		const upd = `UPDATE job_done_watchers SET status=? WHERE id=? AND status=?`
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, upd, status.String(), id, expected.String())
			if err != nil {
				return fmt.Errorf("claim watcher %s: %w", id, err)
			}
			affected, _ := res.RowsAffected()
			if affected != 1 {
				continue
			}
			w, err := s.getWatcherByIDTx(ctx, tx, id)
			if err != nil {
				return err
			}
			claimed = append(claimed, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ResetWatchersByStatus flips every watcher currently in from to to, and
// returns how many rows changed. Used on startup to requeue work that a
// previous process claimed but never finished.
func (s *Store) ResetWatchersByStatus(ctx context.Context, from, to jobhooks.WatcherStatus) (int64, error) {
	if !from.Valid() || !to.Valid() {
		return 0, fmt.Errorf("invalid status: %s -> %s", from, to)
	}
	const upd = `UPDATE job_done_watchers SET status=? WHERE status=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), from.String())
	if err != nil {
		return 0, fmt.Errorf("reset watchers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateTriggerStatusAndCalledAt records the outcome of one trigger attempt.
func (s *Store) UpdateTriggerStatusAndCalledAt(ctx context.Context, watcherID, triggerID string, status jobhooks.TriggerStatus, calledAt *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	const upd = `UPDATE job_done_trigger_webhooks SET status=?, called_at=? WHERE id=? AND job_done_watcher_id=?`
	var ca any
	if calledAt != nil {
		ca = formatTime(*calledAt)
	}
	res, err := s.db.ExecContext(ctx, upd, status.String(), ca, triggerID, watcherID)
	if err != nil {
		return fmt.Errorf("update trigger status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Job-family watchers ---------------

// CreateFamilyWatcher inserts a new job-family watcher.
func (s *Store) CreateFamilyWatcher(ctx context.Context, fw *jobhooks.JobFamilyWatcher) error {
	const ins = `INSERT INTO job_family_watchers (id, job_family, url, request_body, description, created_at) VALUES (?, ?, ?, ?, ?, ?);`
	_, err := s.db.ExecContext(ctx, ins,
		fw.ID, fw.JobFamily, fw.URL, fw.RequestBody, fw.Description, formatTime(fw.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert family watcher: %w", err)
	}
	return nil
}

// ListFamilyWatchersByFamily returns all family watchers for a family.
func (s *Store) ListFamilyWatchersByFamily(ctx context.Context, family string) ([]*jobhooks.JobFamilyWatcher, error) {
	const q = `SELECT id, job_family, url, request_body, description, created_at FROM job_family_watchers WHERE job_family=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, family)
	if err != nil {
		return nil, fmt.Errorf("list family watchers: %w", err)
	}
	defer rows.Close()

	var out []*jobhooks.JobFamilyWatcher
	for rows.Next() {
		var (
			fw        jobhooks.JobFamilyWatcher
			createdAt string
		)
		if err := rows.Scan(&fw.ID, &fw.JobFamily, &fw.URL, &fw.RequestBody, &fw.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan family watcher: %w", err)
		}
		if fw.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &fw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate family watchers: %w", err)
	}
	return out, nil
}

// --------------- Internal helpers ---------------

func (s *Store) getWatcherByIDTx(ctx context.Context, tx *sql.Tx, id string) (*jobhooks.JobDoneWatcher, error) {
	row := tx.QueryRowContext(ctx, watcherSelect+` WHERE w.id=?`, id)
	w, err := scanWatcher(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get watcher tx: %w", err)
	}
	return w, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}
