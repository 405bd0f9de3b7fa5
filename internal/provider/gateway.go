// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/config"
	xglog "github.com/ManuGH/namegnome-serve/internal/log"
	"github.com/ManuGH/namegnome-serve/internal/metrics"
	"github.com/ManuGH/namegnome-serve/internal/naming"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

// registry maps each media type to its provider chain, primary first.
// Fallbacks apply to search only; detail fetches stay on the pinned
// provider.
var registry = map[scan.MediaType][]string{
	scan.MediaTypeTV:    {"tvdb", "tvmaze", "omdb"},
	scan.MediaTypeMovie: {"tmdb", "omdb"},
	scan.MediaTypeMusic: {"musicbrainz"},
}

// Cache TTLs per record kind. TTLs are soft: the store returns stale rows
// flagged so they still serve offline mode.
const (
	ttlSeries   = 30 * 24 * time.Hour
	ttlEpisodes = 7 * 24 * time.Hour
	ttlMovie    = 30 * 24 * time.Hour
	ttlAlbum    = 30 * 24 * time.Hour
	ttlTracks   = 30 * 24 * time.Hour
	ttlSearch   = 24 * time.Hour
	ttlArtwork  = 30 * 24 * time.Hour
)

func entityTTL(mt scan.MediaType) time.Duration {
	switch mt {
	case scan.MediaTypeMovie:
		return ttlMovie
	case scan.MediaTypeMusic:
		return ttlAlbum
	default:
		return ttlSeries
	}
}

func childTTL(mt scan.MediaType) time.Duration {
	if mt == scan.MediaTypeMusic {
		return ttlTracks
	}
	return ttlEpisodes
}

// Gateway is the single entry point for provider metadata. It owns the
// provider chain per media type, per-provider token buckets, the retry
// policy and the read-through cache.
type Gateway struct {
	store        *cache.Store
	offline      bool
	clients      map[string]Client
	configs      map[string]config.ProviderConfig
	limiters     map[string]*rate.Limiter
	fanart       *FanartTV
	searchBudget time.Duration

	// Injection points for deterministic tests.
	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds the gateway with the production clients. Fallback clients that
// require an API key are left out of the chain when the key is absent.
func New(store *cache.Store, cfg config.AppConfig) *Gateway {
	p := cfg.Providers
	clients := []Client{
		NewTVDB(DefaultTVDBBaseURL, p["tvdb"].APIKey, p["tvdb"].Timeout),
		NewTMDB(DefaultTMDBBaseURL, p["tmdb"].APIKey, p["tmdb"].Timeout),
		NewMusicBrainz(DefaultMusicBrainzBaseURL, p["musicbrainz"].Timeout),
		NewTVmaze(DefaultTVmazeBaseURL, p["tvmaze"].Timeout),
	}
	if p["omdb"].APIKey != "" {
		clients = append(clients, NewOMDB(DefaultOMDBBaseURL, p["omdb"].APIKey, p["omdb"].Timeout))
	}

	g := NewWithClients(store, cfg, clients...)
	if p["fanarttv"].APIKey != "" {
		g.fanart = NewFanartTV(DefaultFanartTVBaseURL, p["fanarttv"].APIKey, p["fanarttv"].Timeout)
	}
	return g
}

// NewWithClients builds a gateway over an explicit client set. Tests use it
// to point the chain at httptest servers.
func NewWithClients(store *cache.Store, cfg config.AppConfig, clients ...Client) *Gateway {
	g := &Gateway{
		store:        store,
		offline:      cfg.Offline,
		clients:      map[string]Client{},
		configs:      map[string]config.ProviderConfig{},
		limiters:     map[string]*rate.Limiter{},
		searchBudget: cfg.SearchBudget,
		jitter:       rand.Float64,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, c := range clients {
		g.clients[c.Name()] = c
		pc, ok := cfg.Providers[c.Name()]
		if !ok {
			pc = config.ProviderConfig{MaxAttempts: 3, BackoffBase: 500 * time.Millisecond, RateLimit: 4, Burst: 5}
		}
		g.configs[c.Name()] = pc
		limit := rate.Limit(pc.RateLimit)
		if limit <= 0 {
			limit = rate.Inf
		}
		burst := pc.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiters[c.Name()] = rate.NewLimiter(limit, burst)
	}
	return g
}

// SetFanart attaches an artwork client; tests use it with a fake base URL.
func (g *Gateway) SetFanart(c *FanartTV) { g.fanart = c }

// Search resolves candidates for a query, trying fallback providers when
// the primary fails or returns poor data. Results are cached as a blob so
// repeated planning passes and offline mode avoid re-querying.
func (g *Gateway) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	key := searchKey(q)
	if blob, ok, stale, err := g.store.GetBlob(ctx, key); err == nil && ok && (!stale || g.offline) {
		var out []Candidate
		if err := json.Unmarshal(blob, &out); err == nil {
			metrics.CacheHits.WithLabelValues("blob").Inc()
			return out, nil
		}
	}
	metrics.CacheMisses.WithLabelValues("blob").Inc()

	chain := g.chain(q.MediaType)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider registered for media type %q", q.MediaType)
	}

	if g.offline {
		return nil, &UnavailableError{Provider: chain[0].Name(), Offline: true}
	}

	// The budget caps the whole fallback chain, retries included, so a slow
	// primary cannot starve the request.
	if g.searchBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.searchBudget)
		defer cancel()
	}

	logger := xglog.WithComponentFromContext(ctx, "provider")
	var best []Candidate
	bestProvider := ""
	var lastErr error

	for _, client := range chain {
		var cands []Candidate
		err := g.call(ctx, client.Name(), "search", func(ctx context.Context) error {
			var err error
			cands, err = client.Search(ctx, q)
			return err
		})
		if err != nil {
			lastErr = err
			logger.Warn().Err(err).
				Str(xglog.FieldProvider, client.Name()).
				Str("title", q.Title).
				Msg("search failed, trying fallback")
			continue
		}
		if poorData(cands) {
			if len(cands) > len(best) {
				best, bestProvider = cands, client.Name()
			}
			logger.Debug().
				Str(xglog.FieldProvider, client.Name()).
				Int("candidates", len(cands)).
				Msg("poor search data, trying fallback")
			continue
		}
		g.putSearchBlob(ctx, key, client.Name(), cands)
		return cands, nil
	}

	if len(best) > 0 {
		g.putSearchBlob(ctx, key, bestProvider, best)
		return best, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// Fetch returns the entity detail for a pinned (provider, ext_id). No
// fallback: the pin names a specific provider namespace.
func (g *Gateway) Fetch(ctx context.Context, providerName, extID string, mediaType scan.MediaType) (*cache.Entity, error) {
	typ := entityType(mediaType)
	cached, stale, err := g.store.GetEntity(ctx, providerName, typ, extID)
	if err != nil {
		return nil, err
	}
	if cached != nil && !stale {
		metrics.CacheHits.WithLabelValues("entity").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("entity").Inc()

	if g.offline {
		if cached != nil {
			return cached, nil
		}
		return nil, &UnavailableError{Provider: providerName, Offline: true}
	}

	client, ok := g.clients[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}

	var cand *Candidate
	err = g.call(ctx, providerName, "fetch", func(ctx context.Context) error {
		var err error
		cand, err = client.Fetch(ctx, extID, mediaType)
		return err
	})
	if err != nil {
		if cached != nil {
			// Serve the stale row rather than failing the plan.
			return cached, nil
		}
		return nil, err
	}

	ent := cache.Entity{
		Provider:   providerName,
		Type:       typ,
		ExtID:      extID,
		Title:      cand.Title,
		TitleNorm:  naming.NormalizeTitle(cand.Title),
		Year:       yearOrUnknown(cand.Year),
		Metadata:   cand.Extra,
		FetchedAt:  time.Now().UTC(),
		TTLSeconds: int(entityTTL(mediaType).Seconds()),
	}
	if err := g.store.PutEntity(ctx, ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// Episodes returns the canonical episode list for a series, read-through.
func (g *Gateway) Episodes(ctx context.Context, providerName, seriesID string) ([]cache.Episode, error) {
	cached, stale, err := g.store.GetEpisodes(ctx, providerName, seriesID)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 && !stale {
		metrics.CacheHits.WithLabelValues("episodes").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("episodes").Inc()

	if g.offline {
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, &UnavailableError{Provider: providerName, Offline: true}
	}

	client, ok := g.clients[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}

	var children *Children
	err = g.call(ctx, providerName, "list_children", func(ctx context.Context) error {
		var err error
		children, err = client.ListChildren(ctx, seriesID, scan.MediaTypeTV)
		return err
	})
	if err != nil {
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, err
	}

	if err := g.store.PutEpisodes(ctx, providerName, seriesID, children.Episodes, ttlEpisodes); err != nil {
		return nil, err
	}
	episodes, _, err := g.store.GetEpisodes(ctx, providerName, seriesID)
	return episodes, err
}

// Tracks returns the canonical track list for an album, read-through.
func (g *Gateway) Tracks(ctx context.Context, providerName, albumID string) ([]cache.Track, error) {
	cached, stale, err := g.store.GetTracks(ctx, providerName, albumID)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 && !stale {
		metrics.CacheHits.WithLabelValues("tracks").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("tracks").Inc()

	if g.offline {
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, &UnavailableError{Provider: providerName, Offline: true}
	}

	client, ok := g.clients[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}

	var children *Children
	err = g.call(ctx, providerName, "list_children", func(ctx context.Context) error {
		var err error
		children, err = client.ListChildren(ctx, albumID, scan.MediaTypeMusic)
		return err
	})
	if err != nil {
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, err
	}

	if err := g.store.PutTracks(ctx, providerName, albumID, children.Tracks, ttlTracks); err != nil {
		return nil, err
	}
	tracks, _, err := g.store.GetTracks(ctx, providerName, albumID)
	return tracks, err
}

// Artwork fetches the fanart.tv image bundle for a resolved entity. Purely
// decorative: failures return nil rather than an error.
func (g *Gateway) Artwork(ctx context.Context, mediaType scan.MediaType, extID string) json.RawMessage {
	if g.fanart == nil || mediaType == scan.MediaTypeMusic {
		return nil
	}
	kind := "tv"
	if mediaType == scan.MediaTypeMovie {
		kind = "movies"
	}
	key := "artwork:" + kind + ":" + extID

	if blob, ok, stale, err := g.store.GetBlob(ctx, key); err == nil && ok && (!stale || g.offline) {
		metrics.CacheHits.WithLabelValues("blob").Inc()
		return blob
	}
	if g.offline {
		return nil
	}

	var raw json.RawMessage
	err := g.call(ctx, g.fanart.Name(), "images", func(ctx context.Context) error {
		var err error
		raw, err = g.fanart.Images(ctx, kind, extID)
		return err
	})
	if err != nil {
		return nil
	}
	_ = g.store.PutBlob(ctx, key, g.fanart.Name(), raw, ttlArtwork)
	return raw
}

// chain resolves the registry order to the configured clients.
func (g *Gateway) chain(mt scan.MediaType) []Client {
	var out []Client
	for _, name := range registry[mt] {
		if c, ok := g.clients[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// call runs one provider operation under the rate limiter with exponential
// backoff. Transient errors (network, 5xx, 429) retry up to MaxAttempts;
// a 429 Retry-After overrides the computed delay. Permanent errors surface
// immediately.
func (g *Gateway) call(ctx context.Context, name, op string, fn func(ctx context.Context) error) error {
	cfg := g.configs[name]
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	start := time.Now()
	defer func() {
		metrics.ProviderLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for k := 0; k < attempts; k++ {
		if lim := g.limiters[name]; lim != nil {
			waitStart := time.Now()
			if err := lim.Wait(ctx); err != nil {
				return err
			}
			metrics.RateLimitWait.WithLabelValues(name).Observe(time.Since(waitStart).Seconds())
		}

		err := fn(ctx)
		if err == nil {
			metrics.ProviderRequests.WithLabelValues(name, op, "ok").Inc()
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrNotFound) {
			metrics.ProviderRequests.WithLabelValues(name, op, "not_found").Inc()
			return err
		}
		if !retryable(err) {
			metrics.ProviderRequests.WithLabelValues(name, op, "error").Inc()
			return &UnavailableError{Provider: name, Err: err}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if k+1 < attempts {
			delay := g.backoff(base, k)
			var he *httpError
			if errors.As(err, &he) && he.RetryAfter > 0 {
				delay = he.RetryAfter
				metrics.ProviderRequests.WithLabelValues(name, op, "rate_limited").Inc()
			}
			if err := g.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	metrics.ProviderRequests.WithLabelValues(name, op, "error").Inc()
	ue := &UnavailableError{Provider: name, Err: lastErr}
	var he *httpError
	if errors.As(lastErr, &he) {
		ue.RetryAfter = he.RetryAfter
	}
	return ue
}

// backoff computes base*2^k with jitter within ±25%.
func (g *Gateway) backoff(base time.Duration, k int) time.Duration {
	d := float64(base) * math.Pow(2, float64(k))
	return time.Duration(d * (0.75 + 0.5*g.jitter()))
}

// poorData flags search results that cannot anchor a plan: an empty result
// set, or candidates missing a title or external ID.
func poorData(cands []Candidate) bool {
	if len(cands) == 0 {
		return true
	}
	for _, c := range cands {
		if c.Title != "" && c.ExtID != "" {
			return false
		}
	}
	return true
}

func (g *Gateway) putSearchBlob(ctx context.Context, key, providerName string, cands []Candidate) {
	blob, err := json.Marshal(cands)
	if err != nil {
		return
	}
	_ = g.store.PutBlob(ctx, key, providerName, blob, ttlSearch)
}

func searchKey(q SearchQuery) string {
	return fmt.Sprintf("search:%s:%s:%s:%s:%d",
		q.MediaType,
		naming.NormalizeTitle(q.Title),
		naming.NormalizeTitle(q.Artist),
		naming.NormalizeTitle(q.Album),
		q.Year)
}

func yearOrUnknown(year int) int {
	if year <= 0 {
		return cache.YearUnknown
	}
	return year
}
