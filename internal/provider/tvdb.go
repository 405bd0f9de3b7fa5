// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

// DefaultTVDBBaseURL is TheTVDB v4 API root.
const DefaultTVDBBaseURL = "https://api4.thetvdb.com/v4"

// tvdbTokenTTL is how long a login token is reused before re-authenticating.
const tvdbTokenTTL = 24 * time.Hour

// TVDB is the TheTVDB v4 client. The v4 API authenticates with a login POST
// returning a JWT; the client owns token acquisition and refresh.
type TVDB struct {
	httpClient
	apiKey string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewTVDB returns a TVDB client. baseURL is overridable for tests.
func NewTVDB(baseURL, apiKey string, timeout time.Duration) *TVDB {
	return &TVDB{
		httpClient: newHTTPClient("tvdb", baseURL, timeout),
		apiKey:     apiKey,
	}
}

func (c *TVDB) Name() string { return "tvdb" }

func (c *TVDB) authHeader(ctx context.Context) (http.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || time.Now().After(c.tokenExpiry) {
		var res struct {
			Data struct {
				Token string `json:"token"`
			} `json:"data"`
		}
		if err := c.postJSON(ctx, "/login", map[string]string{"apikey": c.apiKey}, &res); err != nil {
			return nil, fmt.Errorf("tvdb login: %w", err)
		}
		if res.Data.Token == "" {
			return nil, fmt.Errorf("tvdb login: empty token")
		}
		c.token = res.Data.Token
		c.tokenExpiry = time.Now().Add(tvdbTokenTTL)
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	return h, nil
}

func (c *TVDB) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	header, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{"query": {q.Title}, "type": {"series"}}
	if q.Year > 0 {
		query.Set("year", strconv.Itoa(q.Year))
	}

	var res struct {
		Data []struct {
			TVDBID   string `json:"tvdb_id"`
			ObjectID string `json:"objectID"`
			Name     string `json:"name"`
			Year     string `json:"year"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/search", query, header, &res); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(res.Data))
	for _, r := range res.Data {
		id := r.TVDBID
		if id == "" {
			id = r.ObjectID
		}
		if id == "" || r.Name == "" {
			continue
		}
		year, _ := strconv.Atoi(r.Year)
		out = append(out, Candidate{
			Provider:  c.Name(),
			ExtID:     id,
			Title:     r.Name,
			Year:      year,
			MediaType: scan.MediaTypeTV,
		})
	}
	return out, nil
}

func (c *TVDB) Fetch(ctx context.Context, extID string, _ scan.MediaType) (*Candidate, error) {
	header, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	var res struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.getJSON(ctx, "/series/"+url.PathEscape(extID)+"/extended", nil, header, &res); err != nil {
		return nil, err
	}

	var d struct {
		ID         int    `json:"id"`
		Name       string `json:"name"`
		Year       string `json:"year"`
		FirstAired string `json:"firstAired"`
	}
	if err := json.Unmarshal(res.Data, &d); err != nil {
		return nil, fmt.Errorf("tvdb: decode series: %w", err)
	}
	if d.Name == "" {
		return nil, ErrNotFound
	}

	year, _ := strconv.Atoi(d.Year)
	if year == 0 {
		year = yearOf(d.FirstAired)
	}
	return &Candidate{
		Provider:  c.Name(),
		ExtID:     extID,
		Title:     d.Name,
		Year:      year,
		MediaType: scan.MediaTypeTV,
		Extra:     res.Data,
	}, nil
}

// ListChildren pages through the default season order until the API stops
// returning a next link.
func (c *TVDB) ListChildren(ctx context.Context, extID string, _ scan.MediaType) (*Children, error) {
	header, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	var episodes []cache.Episode
	for page := 0; ; page++ {
		var res struct {
			Data struct {
				Episodes []struct {
					SeasonNumber int    `json:"seasonNumber"`
					Number       int    `json:"number"`
					Name         string `json:"name"`
					Aired        string `json:"aired"`
				} `json:"episodes"`
			} `json:"data"`
			Links struct {
				Next string `json:"next"`
			} `json:"links"`
		}
		path := "/series/" + url.PathEscape(extID) + "/episodes/default"
		if err := c.getJSON(ctx, path, url.Values{"page": {strconv.Itoa(page)}}, header, &res); err != nil {
			return nil, err
		}
		for _, e := range res.Data.Episodes {
			episodes = append(episodes, cache.Episode{
				Provider: c.Name(),
				SeriesID: extID,
				Season:   e.SeasonNumber,
				Episode:  e.Number,
				Title:    e.Name,
				AirDate:  e.Aired,
			})
		}
		if res.Links.Next == "" || len(res.Data.Episodes) == 0 {
			break
		}
	}
	return &Children{Episodes: episodes}, nil
}
