package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/brain-sync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

const (
	eventTypeItemWritten = "item.written"
	metaLastRunAt        = "last_run_at"
	timeLayout           = time.RFC3339Nano
)

// Store keeps watermarks, item-written events, the outbox and run reports in
// one SQLite database.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// Load implements sync.CheckpointStore.
func (s *Store) Load(ctx context.Context) (*sync.SyncState, error) {
	state := sync.NewSyncState()

	var lastRun string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, metaLastRunAt).Scan(&lastRun)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load last run: %w", err)
	default:
		if state.LastRunAt, err = parseTime(lastRun); err != nil {
			return nil, fmt.Errorf("last_run_at: %w", err)
		}
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT collection_id, cursor_token, high_water_mark, updated_at
		FROM collection_watermarks
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			w         sync.Watermark
			cursor    sql.NullString
			hwm       sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&w.CollectionID, &cursor, &hwm, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		w.CursorToken = cursor.String
		if hwm.Valid {
			if w.HighWaterMark, err = parseTime(hwm.String); err != nil {
				return nil, fmt.Errorf("%s high_water_mark: %w", w.CollectionID, err)
			}
		}
		if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("%s updated_at: %w", w.CollectionID, err)
		}
		state.Collections[w.CollectionID] = w
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read watermarks: %w", err)
	}
	return state, nil
}

// Save implements sync.CheckpointStore. The whole state is written in one
// transaction.
func (s *Store) Save(ctx context.Context, state *sync.SyncState) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range state.IDs() {
		w := state.Collections[id]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO collection_watermarks (collection_id, cursor_token, high_water_mark, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection_id) DO UPDATE SET
				cursor_token = excluded.cursor_token,
				high_water_mark = excluded.high_water_mark,
				updated_at = excluded.updated_at
		`, id, nullString(w.CursorToken), nullTime(w.HighWaterMark), w.UpdatedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("failed to save watermark %s: %w", id, err)
		}
	}

	if !state.LastRunAt.IsZero() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, metaLastRunAt, state.LastRunAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("failed to save last run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Notify implements sync.Notifier. The event row and its outbox entry are
// inserted together; an event already recorded for the same content is ignored.
func (s *Store) Notify(ctx context.Context, ev sync.WrittenEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var occurred sql.NullInt64
	if !ev.OccurredAt.IsZero() {
		occurred = sql.NullInt64{Int64: ev.OccurredAt.Unix(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO item_written_events
		(event_id, run_id, collection_id, stable_id, artifact_key, write_mode, digest, occurred_at, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.RunID, ev.CollectionID, ev.StableID, ev.Key, string(ev.Mode), ev.Digest, occurred, ev.WrittenAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert item event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, ev.Subject(), eventTypeItemWritten, payload, ev.MsgID(), now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return tx.Commit()
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []sync.OutboxMessage
	for rows.Next() {
		var msg sync.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// RecordRun implements sync.ReportRecorder.
func (s *Store) RecordRun(ctx context.Context, report *sync.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	failed := 0
	if report.Failed() {
		failed = 1
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_runs (run_id, started_at, finished_at, failed, report_json)
		VALUES (?, ?, ?, ?, ?)
	`, report.RunID, report.StartedAt.Unix(), report.FinishedAt.Unix(), failed, string(data))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// LatestRun returns the most recently finished run, or nil when none is recorded.
func (s *Store) LatestRun(ctx context.Context) (*sync.RunReport, error) {
	var data string
	err := s.DB.QueryRowContext(ctx, `
		SELECT report_json FROM sync_runs ORDER BY finished_at DESC, rowid DESC LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	var report sync.RunReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &report, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
