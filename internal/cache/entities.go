// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// YearUnknown encodes "year unknown" in entity and decision rows.
const YearUnknown = -1

// Entity is a cached provider entity (series, movie, artist, album).
type Entity struct {
	Provider   string          `json:"provider"`
	Type       string          `json:"type"`
	ExtID      string          `json:"ext_id"`
	Title      string          `json:"title"`
	TitleNorm  string          `json:"title_norm"`
	Year       int             `json:"year"`
	Metadata   json.RawMessage `json:"metadata"`
	FetchedAt  time.Time       `json:"fetched_at"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// Stale reports whether the entity's soft TTL has elapsed at now.
func (e Entity) Stale(now time.Time) bool {
	return now.After(e.FetchedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// Episode is a cached canonical episode row.
type Episode struct {
	Provider   string          `json:"provider"`
	SeriesID   string          `json:"series_id"`
	Season     int             `json:"season"`
	Episode    int             `json:"episode"`
	Title      string          `json:"title"`
	AirDate    string          `json:"air_date,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	FetchedAt  time.Time       `json:"-"`
	TTLSeconds int             `json:"-"`
}

// Track is a cached canonical album track row.
type Track struct {
	Provider   string          `json:"provider"`
	AlbumID    string          `json:"album_id"`
	Disc       int             `json:"disc"`
	Track      int             `json:"track"`
	Title      string          `json:"title"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	FetchedAt  time.Time       `json:"-"`
	TTLSeconds int             `json:"-"`
}

// GetEntity returns the cached entity and a stale flag. A stale row is
// still returned so the caller may refresh in the background.
func (s *Store) GetEntity(ctx context.Context, provider, typ, extID string) (*Entity, bool, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT provider, type, ext_id, title, title_norm, year, metadata, fetched_at, ttl_seconds
	FROM entities WHERE provider = ? AND type = ? AND ext_id = ?
	`, provider, typ, extID)

	var e Entity
	var metadata, fetchedAt string
	err := row.Scan(&e.Provider, &e.Type, &e.ExtID, &e.Title, &e.TitleNorm, &e.Year, &metadata, &fetchedAt, &e.TTLSeconds)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e.Metadata = json.RawMessage(metadata)
	e.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
	return &e, e.Stale(time.Now().UTC()), nil
}

// FindEntities looks up entities by normalized title, optionally filtered by
// year. year == YearUnknown matches any year.
func (s *Store) FindEntities(ctx context.Context, typ, titleNorm string, year int) ([]Entity, error) {
	query := `
	SELECT provider, type, ext_id, title, title_norm, year, metadata, fetched_at, ttl_seconds
	FROM entities WHERE type = ? AND title_norm = ?`
	args := []any{typ, titleNorm}
	if year != YearUnknown {
		query += ` AND year = ?`
		args = append(args, year)
	}
	query += ` ORDER BY provider, ext_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entity
	for rows.Next() {
		var e Entity
		var metadata, fetchedAt string
		if err := rows.Scan(&e.Provider, &e.Type, &e.ExtID, &e.Title, &e.TitleNorm, &e.Year, &metadata, &fetchedAt, &e.TTLSeconds); err != nil {
			return nil, err
		}
		e.Metadata = json.RawMessage(metadata)
		e.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutEntity upserts a provider entity.
func (s *Store) PutEntity(ctx context.Context, e Entity) error {
	metadata := string(e.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	fetchedAt := e.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO entities (provider, type, ext_id, title, title_norm, year, metadata, fetched_at, ttl_seconds)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(provider, type, ext_id) DO UPDATE SET
		title = excluded.title,
		title_norm = excluded.title_norm,
		year = excluded.year,
		metadata = excluded.metadata,
		fetched_at = excluded.fetched_at,
		ttl_seconds = excluded.ttl_seconds
	`, e.Provider, e.Type, e.ExtID, e.Title, e.TitleNorm, e.Year, metadata, fetchedAt.Format(time.RFC3339), e.TTLSeconds)
	return err
}

// GetEpisodes returns all cached episodes for a series ordered by
// (season, episode), plus a stale flag set when any row's TTL elapsed.
func (s *Store) GetEpisodes(ctx context.Context, provider, seriesID string) ([]Episode, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT provider, series_id, season, episode, title, COALESCE(air_date, ''), metadata, fetched_at, ttl_seconds
	FROM episodes WHERE provider = ? AND series_id = ?
	ORDER BY season, episode
	`, provider, seriesID)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	now := time.Now().UTC()
	stale := false
	var out []Episode
	for rows.Next() {
		var e Episode
		var metadata, fetchedAt string
		if err := rows.Scan(&e.Provider, &e.SeriesID, &e.Season, &e.Episode, &e.Title, &e.AirDate, &metadata, &fetchedAt, &e.TTLSeconds); err != nil {
			return nil, false, err
		}
		e.Metadata = json.RawMessage(metadata)
		e.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
		if now.After(e.FetchedAt.Add(time.Duration(e.TTLSeconds) * time.Second)) {
			stale = true
		}
		out = append(out, e)
	}
	return out, stale, rows.Err()
}

// PutEpisodes replaces the cached episode list for a series atomically.
func (s *Store) PutEpisodes(ctx context.Context, provider, seriesID string, episodes []Episode, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM episodes WHERE provider = ? AND series_id = ?`, provider, seriesID); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	ttlSeconds := int(ttl.Seconds())
	for _, e := range episodes {
		metadata := string(e.Metadata)
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO episodes (provider, series_id, season, episode, title, air_date, metadata, fetched_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, series_id, season, episode) DO UPDATE SET
			title = excluded.title,
			air_date = excluded.air_date,
			metadata = excluded.metadata,
			fetched_at = excluded.fetched_at,
			ttl_seconds = excluded.ttl_seconds
		`, provider, seriesID, e.Season, e.Episode, e.Title, e.AirDate, metadata, now, ttlSeconds); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTracks returns all cached tracks for an album ordered by (disc, track),
// plus a stale flag.
func (s *Store) GetTracks(ctx context.Context, provider, albumID string) ([]Track, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT provider, album_id, disc, track, title, metadata, fetched_at, ttl_seconds
	FROM tracks WHERE provider = ? AND album_id = ?
	ORDER BY disc, track
	`, provider, albumID)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	now := time.Now().UTC()
	stale := false
	var out []Track
	for rows.Next() {
		var t Track
		var metadata, fetchedAt string
		if err := rows.Scan(&t.Provider, &t.AlbumID, &t.Disc, &t.Track, &t.Title, &metadata, &fetchedAt, &t.TTLSeconds); err != nil {
			return nil, false, err
		}
		t.Metadata = json.RawMessage(metadata)
		t.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
		if now.After(t.FetchedAt.Add(time.Duration(t.TTLSeconds) * time.Second)) {
			stale = true
		}
		out = append(out, t)
	}
	return out, stale, rows.Err()
}

// PutTracks replaces the cached track list for an album atomically.
func (s *Store) PutTracks(ctx context.Context, provider, albumID string, tracks []Track, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tracks WHERE provider = ? AND album_id = ?`, provider, albumID); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	ttlSeconds := int(ttl.Seconds())
	for _, t := range tracks {
		metadata := string(t.Metadata)
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO tracks (provider, album_id, disc, track, title, metadata, fetched_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, album_id, disc, track) DO UPDATE SET
			title = excluded.title,
			metadata = excluded.metadata,
			fetched_at = excluded.fetched_at,
			ttl_seconds = excluded.ttl_seconds
		`, provider, albumID, t.Disc, t.Track, t.Title, metadata, now, ttlSeconds); err != nil {
			return err
		}
	}
	return tx.Commit()
}
