package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_state (
	channel    TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	data       BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore keeps tokens in a SQLite database, one row per channel.
// Each Save is a single statement, which SQLite applies atomically.
type SQLiteStore struct {
	db      *sql.DB
	channel string
}

// OpenSQLiteStore creates or opens the database at path for channel.
func OpenSQLiteStore(path, channel string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, channel: channel}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*Token, error) {
	var tok Token
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT kind, version, data FROM sync_state WHERE channel = ?", s.channel,
	).Scan(&tok.Kind, &tok.Version, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if tok.Kind == "" || len(data) == 0 {
		return nil, fmt.Errorf("%w: empty row for channel %s", ErrUnrecognized, s.channel)
	}
	tok.Data = data
	return &tok, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, tok *Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (channel, kind, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			kind = excluded.kind,
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		s.channel, tok.Kind, tok.Version, []byte(tok.Data), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_state WHERE channel = ?", s.channel); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
