// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Decision is a persisted disambiguation choice pinning (scope, title_norm,
// year) to a provider entity. Decisions never expire implicitly.
type Decision struct {
	Scope     string    `json:"scope"`
	TitleNorm string    `json:"title_norm"`
	Year      int       `json:"year"`
	Provider  string    `json:"provider"`
	ExtID     string    `json:"ext_id"`
	CreatedAt time.Time `json:"created_at"`
}

// GetDecision looks up a pinned entity choice. A miss on the exact year
// falls back to the year-unknown row so a choice made without a year hint
// keeps applying.
func (s *Store) GetDecision(ctx context.Context, scope, titleNorm string, year int) (*Decision, error) {
	d, err := s.getDecisionExact(ctx, scope, titleNorm, year)
	if err != nil || d != nil {
		return d, err
	}
	if year != YearUnknown {
		return s.getDecisionExact(ctx, scope, titleNorm, YearUnknown)
	}
	return nil, nil
}

func (s *Store) getDecisionExact(ctx context.Context, scope, titleNorm string, year int) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT scope, title_norm, year, provider, ext_id, created_at
	FROM decisions WHERE scope = ? AND title_norm = ? AND year = ?
	`, scope, titleNorm, year)

	var d Decision
	var createdAt string
	err := row.Scan(&d.Scope, &d.TitleNorm, &d.Year, &d.Provider, &d.ExtID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &d, nil
}

// PutDecision persists a disambiguation choice.
func (s *Store) PutDecision(ctx context.Context, d Decision) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO decisions (scope, title_norm, year, provider, ext_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(scope, title_norm, year) DO UPDATE SET
		provider = excluded.provider,
		ext_id = excluded.ext_id,
		created_at = excluded.created_at
	`, d.Scope, d.TitleNorm, d.Year, d.Provider, d.ExtID, createdAt.Format(time.RFC3339))
	return err
}

// GetBlob returns a cached provider response blob. Expired rows are returned
// with stale=true so the caller can refresh while still serving offline
// requests; blobs that fail to parse as JSON are evicted and reported as a
// miss.
func (s *Store) GetBlob(ctx context.Context, key string) (json.RawMessage, bool, bool, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT data, expires_at FROM cache_entries WHERE cache_key = ?
	`, key)

	var data string
	var expiresAt int64
	err := row.Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, err
	}

	if !json.Valid([]byte(data)) {
		// Corrupt blob: evict and treat as miss so the caller refetches.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key)
		return nil, false, false, nil
	}

	stale := time.Now().UTC().Unix() >= expiresAt
	return json.RawMessage(data), true, stale, nil
}

// PutBlob stores a provider response blob with an absolute expiry.
func (s *Store) PutBlob(ctx context.Context, key, provider string, data json.RawMessage, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO cache_entries (cache_key, provider, data, expires_at, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(cache_key) DO UPDATE SET
		provider = excluded.provider,
		data = excluded.data,
		expires_at = excluded.expires_at,
		created_at = excluded.created_at
	`, key, provider, string(data), now.Add(ttl).Unix(), now.Unix())
	return err
}

// CleanupExpired removes expired cache blobs and returns the number removed.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearBlobs removes all cached blobs (entities, episodes, tracks and
// decisions are kept).
func (s *Store) ClearBlobs(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}
