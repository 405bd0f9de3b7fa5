// SPDX-License-Identifier: MIT

package cache_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/namegnome-serve/internal/cache"
)

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "namegnome.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConcurrentWritersShareConnection(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Parallel planner workers write through one handle; the busy timeout
	// must absorb writer contention instead of surfacing SQLITE_BUSY.
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			for j := 0; j < 25; j++ {
				if err := store.PutKV(ctx, key, "v"); err != nil {
					return err
				}
				if err := store.PutBlob(ctx, key, "tvdb", json.RawMessage(`{}`), time.Hour); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "namegnome.db")

	store, err := cache.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Re-opening must re-apply nothing and succeed.
	store2, err := cache.Open(path)
	require.NoError(t, err)
	require.NoError(t, store2.Close())
}

func TestEntityRoundtrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	e := cache.Entity{
		Provider:   "tvdb",
		Type:       "series",
		ExtID:      "78874",
		Title:      "Danger Mouse (2015)",
		TitleNorm:  "danger mouse",
		Year:       2015,
		Metadata:   json.RawMessage(`{"status":"Ended"}`),
		TTLSeconds: 3600,
	}
	require.NoError(t, store.PutEntity(ctx, e))

	got, stale, err := store.GetEntity(ctx, "tvdb", "series", "78874")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, stale)
	assert.Equal(t, "danger mouse", got.TitleNorm)
	assert.Equal(t, 2015, got.Year)

	// Unknown entity is a clean miss.
	missing, _, err := store.GetEntity(ctx, "tvdb", "series", "0")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEntityStaleFlag(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	e := cache.Entity{
		Provider:   "tmdb",
		Type:       "movie",
		ExtID:      "603",
		Title:      "The Matrix",
		TitleNorm:  "the matrix",
		Year:       1999,
		FetchedAt:  time.Now().UTC().Add(-2 * time.Hour),
		TTLSeconds: 60,
	}
	require.NoError(t, store.PutEntity(ctx, e))

	got, stale, err := store.GetEntity(ctx, "tmdb", "movie", "603")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, stale, "expired row must be flagged stale but still returned")
}

func TestFindEntitiesByYear(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, e := range []cache.Entity{
		{Provider: "tvdb", Type: "series", ExtID: "1981", Title: "Danger Mouse", TitleNorm: "danger mouse", Year: 1981, TTLSeconds: 60},
		{Provider: "tvdb", Type: "series", ExtID: "2015", Title: "Danger Mouse (2015)", TitleNorm: "danger mouse", Year: 2015, TTLSeconds: 60},
	} {
		require.NoError(t, store.PutEntity(ctx, e))
	}

	all, err := store.FindEntities(ctx, "series", "danger mouse", cache.YearUnknown)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only2015, err := store.FindEntities(ctx, "series", "danger mouse", 2015)
	require.NoError(t, err)
	require.Len(t, only2015, 1)
	assert.Equal(t, "2015", only2015[0].ExtID)
}

func TestEpisodesReplace(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := []cache.Episode{
		{Season: 1, Episode: 1, Title: "Pilot"},
		{Season: 1, Episode: 2, Title: "Second"},
	}
	require.NoError(t, store.PutEpisodes(ctx, "tvdb", "42", first, time.Hour))

	second := []cache.Episode{{Season: 1, Episode: 1, Title: "Pilot (revised)"}}
	require.NoError(t, store.PutEpisodes(ctx, "tvdb", "42", second, time.Hour))

	got, stale, err := store.GetEpisodes(ctx, "tvdb", "42")
	require.NoError(t, err)
	assert.False(t, stale)
	require.Len(t, got, 1)
	assert.Equal(t, "Pilot (revised)", got[0].Title)
}

func TestDecisionYearFallback(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutDecision(ctx, cache.Decision{
		Scope:     "tv",
		TitleNorm: "danger mouse",
		Year:      cache.YearUnknown,
		Provider:  "tvdb",
		ExtID:     "2015",
	}))

	// Exact year miss falls back to the year-unknown decision.
	d, err := store.GetDecision(ctx, "tv", "danger mouse", 2015)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "2015", d.ExtID)

	d, err = store.GetDecision(ctx, "tv", "unknown show", cache.YearUnknown)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestBlobTTL(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutBlob(ctx, "k1", "tvdb", json.RawMessage(`{"a":1}`), time.Hour))
	data, ok, stale, err := store.GetBlob(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, stale)
	assert.JSONEq(t, `{"a":1}`, string(data))

	// An already-expired blob is served with stale=true, never as fresh.
	require.NoError(t, store.PutBlob(ctx, "k2", "tvdb", json.RawMessage(`{"b":2}`), -time.Minute))
	_, ok, stale, err = store.GetBlob(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, stale)
}

func TestCorruptBlobEvicted(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutBlob(ctx, "bad", "tvdb", json.RawMessage(`{"truncated":`), time.Hour))
	_, ok, _, err := store.GetBlob(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok, "corrupt blob must be evicted and reported as a miss")

	// Second read confirms the eviction.
	_, ok, _, err = store.GetBlob(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockExclusivity(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	lock, ok, err := store.AcquireLock(ctx, "/media/tv", "owner-a", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "owner-a", lock.Owner)

	// Second owner is rejected and told who holds the lock.
	held, ok, err := store.AcquireLock(ctx, "/media/tv", "owner-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "owner-a", held.Owner)

	// Re-entry by the same owner succeeds.
	_, ok, err = store.AcquireLock(ctx, "/media/tv", "owner-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.ReleaseLock(ctx, "/media/tv", "owner-a"))
	active, err := store.IsLockHeld(ctx, "/media/tv")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestLockOrphanRecovery(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, ok, err := store.AcquireLock(ctx, "/media/tv", "owner-a", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// With a zero-ish stale threshold the existing row is orphaned.
	time.Sleep(10 * time.Millisecond)
	lock, ok, err := store.AcquireLock(ctx, "/media/tv", "owner-b", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "orphaned lock must be recoverable")
	assert.Equal(t, "owner-b", lock.Owner)
}

func TestCleanupExpired(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutBlob(ctx, "live", "tvdb", json.RawMessage(`{}`), time.Hour))
	require.NoError(t, store.PutBlob(ctx, "dead", "tvdb", json.RawMessage(`{}`), -time.Hour))

	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Blobs)
	assert.Equal(t, int64(0), stats.KV)
}
