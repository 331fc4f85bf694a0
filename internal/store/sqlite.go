package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

// SQLiteStore persists queues in a single SQLite database, one row per
// queued item. It is the production backend: zero-CGO (modernc driver)
// and durable across crashes thanks to WAL journaling.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_queue (
			namespace        TEXT NOT NULL,
			id               INTEGER NOT NULL,
			entity_id        TEXT NOT NULL,
			operation        TEXT NOT NULL,
			payload          TEXT,
			idempotency_key  TEXT NOT NULL,
			enqueued_at      INTEGER NOT NULL,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			last_attempt_at  INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (namespace, id)
		)`)
	return err
}

func (s *SQLiteStore) Load(namespace string) ([]*types.Item, error) {
	rows, err := s.db.Query(`
		SELECT id, entity_id, operation, payload, idempotency_key,
		       enqueued_at, retry_count, status, last_attempt_at, last_error
		FROM sync_queue WHERE namespace = ? ORDER BY id`, namespace)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var items []*types.Item
	for rows.Next() {
		var it types.Item
		var payload sql.NullString
		var enqueued, lastAttempt int64
		if err := rows.Scan(&it.ID, &it.EntityID, &it.Operation, &payload,
			&it.IdempotencyKey, &enqueued, &it.RetryCount, &it.Status,
			&lastAttempt, &it.LastError); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if payload.Valid {
			it.Payload = []byte(payload.String)
		}
		it.EnqueuedAt = time.UnixMilli(enqueued).UTC()
		if lastAttempt > 0 {
			it.LastAttemptAt = time.UnixMilli(lastAttempt).UTC()
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Save(namespace string, items []*types.Item) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("clear namespace: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO sync_queue (namespace, id, entity_id, operation, payload,
			idempotency_key, enqueued_at, retry_count, status, last_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		var payload any
		if it.Payload != nil {
			payload = string(it.Payload)
		}
		var lastAttempt int64
		if !it.LastAttemptAt.IsZero() {
			lastAttempt = it.LastAttemptAt.UnixMilli()
		}
		if _, err := stmt.Exec(namespace, it.ID, it.EntityID, string(it.Operation),
			payload, it.IdempotencyKey, it.EnqueuedAt.UnixMilli(),
			it.RetryCount, string(it.Status), lastAttempt, it.LastError); err != nil {
			if isFull(err) {
				return ErrQuotaExceeded
			}
			return fmt.Errorf("insert item %d: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isFull(err) {
			return ErrQuotaExceeded
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isFull detects SQLITE_FULL, surfaced by the driver as a plain error
// string since database/sql has no portable error code.
func isFull(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database or disk is full") || isNoSpace(err)
}
