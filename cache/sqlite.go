package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/retrogate/retrogate/logger"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists entries in a local SQLite file so the cache survives
// restarts and can be shared with the admin tool.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // single writer
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite cache path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache DB: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to enable WAL journal", "path", path, "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("Cache: failed to set busy timeout", "path", path, "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS ttl_cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ttl_cache_expires_at ON ttl_cache(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache DB ping failed: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e         = Entry{Key: key}
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM ttl_cache WHERE key = ?`, key,
	).Scan(&e.Value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.ExpiresAt = time.Unix(0, expiresAt)
	return e, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ttl_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		e.Key, e.Value, e.ExpiresAt.UnixNano())
	return err
}

func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM ttl_cache WHERE expires_at <= ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
