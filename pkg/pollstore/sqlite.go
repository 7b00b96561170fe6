// Copyright 2024-2026 Aiku AI

package pollstore

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

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteStore keeps polls in a SQLite database so they survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const pollSchema = `
	CREATE TABLE IF NOT EXISTS polls (
		id               TEXT PRIMARY KEY,
		chat_id          TEXT    NOT NULL,
		question         TEXT    NOT NULL,
		options          TEXT    NOT NULL,
		selectable_count INTEGER NOT NULL,
		secret           BLOB    NOT NULL,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_polls_created_at ON polls(created_at);
`

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create poll database dir: %w", err)
		}
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open poll database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(pollSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate poll database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, poll *Poll) error {
	options, err := json.Marshal(poll.Options)
	if err != nil {
		return fmt.Errorf("failed to encode poll options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO polls (id, chat_id, question, options, selectable_count, secret, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		poll.ID, poll.ChatID, poll.Question, string(options), poll.SelectableCount,
		poll.Secret, poll.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPollExists
		}
		return fmt.Errorf("failed to insert poll: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Poll, error) {
	var (
		poll      Poll
		options   string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, question, options, selectable_count, secret, created_at
		 FROM polls WHERE id = ?`, id,
	).Scan(&poll.ID, &poll.ChatID, &poll.Question, &options, &poll.SelectableCount, &poll.Secret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPollNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query poll: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &poll.Options); err != nil {
		return nil, fmt.Errorf("failed to decode poll options: %w", err)
	}
	poll.CreatedAt = time.UnixMilli(createdAt)
	return &poll, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM polls WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete poll: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM polls WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired polls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted polls: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM polls`); err != nil {
		return fmt.Errorf("failed to clear polls: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: polls.id")
}
