// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Expiring rows in a single kv table with conditional UPDATE for CAS

package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file. The database TTL is
// enforced on read (expired rows are invisible) and a background sweep
// deletes them for real.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewSQLiteStore opens (or creates) a SQLite store at the given path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "kv.sqlite")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:     db,
		logger: logger,
		cancel: cancel,
	}
	go s.sweepLoop(ctx)

	logger.Info("SQLite kv store initialized", "path", path)
	return s, nil
}

// Get returns the value for key, treating expired rows as absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().Unix() {
		return nil, ErrNotFound
	}
	return value, nil
}

// Put upserts key with the given TTL.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *int64
	if ttl > 0 {
		e := time.Now().Add(ttl).Unix()
		expiresAt = &e
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes key. Absent keys are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CompareAndSwap performs a conditional UPDATE keyed on the previous value.
// SQLite serializes writers, so the UPDATE is atomic.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) error {
	var expiresAt *int64
	if ttl > 0 {
		e := time.Now().Add(ttl).Unix()
		expiresAt = &e
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE kv_entries SET value = ?, expires_at = COALESCE(?, expires_at)
		WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)
	`, next, expiresAt, key, prev, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish absent from mismatched for the caller.
	if _, err := s.Get(ctx, key); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrCASMismatch
}

// Close stops the sweep and closes the database.
func (s *SQLiteStore) Close() error {
	s.cancel()
	return s.db.Close()
}

func (s *SQLiteStore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.db.ExecContext(ctx,
				`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
				time.Now().Unix(),
			)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("kv sweep failed", "error", err)
				}
				continue
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				s.logger.Debug("kv sweep removed expired entries", "count", n)
			}
		}
	}
}
