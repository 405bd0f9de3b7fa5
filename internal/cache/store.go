// SPDX-License-Identifier: MIT

// Package cache implements the durable provider cache: entities, episodes,
// tracks, disambiguation decisions, opaque response blobs and advisory
// locks, all backed by a single SQLite database.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Store provides SQLite persistence for the planning pipeline.
type Store struct {
	db *sql.DB
}

// Open initializes the store and applies pending migrations.
// WAL mode + busy_timeout suit the read-heavy planning workload.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	// modernc.org/sqlite applies pragmas via _pragma parameters, one per
	// pragma; mattn-style _busy_timeout keys are silently ignored.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations are applied in order; each version runs at most once.
var migrations = []struct {
	version int
	schema  string
}{
	{1, `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entities (
		provider TEXT NOT NULL,
		type TEXT NOT NULL,
		ext_id TEXT NOT NULL,
		title TEXT NOT NULL,
		title_norm TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT -1,
		metadata TEXT NOT NULL DEFAULT '{}',
		fetched_at TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		PRIMARY KEY (provider, type, ext_id)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_title ON entities(title_norm, year);

	CREATE TABLE IF NOT EXISTS episodes (
		provider TEXT NOT NULL,
		series_id TEXT NOT NULL,
		season INTEGER NOT NULL,
		episode INTEGER NOT NULL,
		title TEXT NOT NULL,
		air_date TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		fetched_at TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		PRIMARY KEY (provider, series_id, season, episode)
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_series ON episodes(series_id, season, episode);

	CREATE TABLE IF NOT EXISTS tracks (
		provider TEXT NOT NULL,
		album_id TEXT NOT NULL,
		disc INTEGER NOT NULL,
		track INTEGER NOT NULL,
		title TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		fetched_at TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		PRIMARY KEY (provider, album_id, disc, track)
	);
	CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album_id, disc, track);

	CREATE TABLE IF NOT EXISTS decisions (
		scope TEXT NOT NULL,
		title_norm TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT -1,
		provider TEXT NOT NULL,
		ext_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (scope, title_norm, year)
	);

	CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		data TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
	`},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.schema); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// GetKV reads a key from the kv table.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutKV upserts a key in the kv table.
func (s *Store) PutKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// DeleteKV removes a key from the kv table. Deleting a missing key is not
// an error.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Stats summarizes row counts per table, for the cache CLI.
type Stats struct {
	Entities  int64 `json:"entities"`
	Episodes  int64 `json:"episodes"`
	Tracks    int64 `json:"tracks"`
	Decisions int64 `json:"decisions"`
	Blobs     int64 `json:"blobs"`
	Locks     int64 `json:"locks"`
	KV        int64 `json:"kv"`
}

// Stats counts the rows in each cache table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"entities", &st.Entities},
		{"episodes", &st.Episodes},
		{"tracks", &st.Tracks},
		{"decisions", &st.Decisions},
		{"cache_entries", &st.Blobs},
		{"locks", &st.Locks},
		{"kv", &st.KV},
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+q.table).Scan(q.dst); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}
