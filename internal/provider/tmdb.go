// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/scan"
)

// DefaultTMDBBaseURL is the TMDB v3 API root.
const DefaultTMDBBaseURL = "https://api.themoviedb.org/3"

// TMDB is the themoviedb.org client, primary provider for movies.
type TMDB struct {
	httpClient
	apiKey string
}

func NewTMDB(baseURL, apiKey string, timeout time.Duration) *TMDB {
	return &TMDB{
		httpClient: newHTTPClient("tmdb", baseURL, timeout),
		apiKey:     apiKey,
	}
}

func (c *TMDB) Name() string { return "tmdb" }

func (c *TMDB) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	query := url.Values{
		"api_key":       {c.apiKey},
		"query":         {q.Title},
		"include_adult": {"false"},
	}
	if q.Year > 0 {
		query.Set("year", strconv.Itoa(q.Year))
	}

	var res struct {
		Results []struct {
			ID          int    `json:"id"`
			Title       string `json:"title"`
			ReleaseDate string `json:"release_date"`
		} `json:"results"`
	}
	if err := c.getJSON(ctx, "/search/movie", query, nil, &res); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(res.Results))
	for _, r := range res.Results {
		if r.Title == "" {
			continue
		}
		out = append(out, Candidate{
			Provider:  c.Name(),
			ExtID:     strconv.Itoa(r.ID),
			Title:     r.Title,
			Year:      yearOf(r.ReleaseDate),
			MediaType: scan.MediaTypeMovie,
		})
	}
	return out, nil
}

func (c *TMDB) Fetch(ctx context.Context, extID string, _ scan.MediaType) (*Candidate, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/movie/"+url.PathEscape(extID), url.Values{"api_key": {c.apiKey}}, nil, &raw); err != nil {
		return nil, err
	}

	var d struct {
		ID          int    `json:"id"`
		Title       string `json:"title"`
		ReleaseDate string `json:"release_date"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("tmdb: decode movie: %w", err)
	}
	if d.Title == "" {
		return nil, ErrNotFound
	}
	return &Candidate{
		Provider:  c.Name(),
		ExtID:     extID,
		Title:     d.Title,
		Year:      yearOf(d.ReleaseDate),
		MediaType: scan.MediaTypeMovie,
		Extra:     raw,
	}, nil
}

// ListChildren is a no-op for movies.
func (c *TMDB) ListChildren(context.Context, string, scan.MediaType) (*Children, error) {
	return &Children{}, nil
}
