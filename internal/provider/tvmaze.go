// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

// DefaultTVmazeBaseURL is the TVmaze API root.
const DefaultTVmazeBaseURL = "https://api.tvmaze.com"

// TVmaze is the keyless TV fallback provider.
type TVmaze struct {
	httpClient
}

func NewTVmaze(baseURL string, timeout time.Duration) *TVmaze {
	return &TVmaze{httpClient: newHTTPClient("tvmaze", baseURL, timeout)}
}

func (c *TVmaze) Name() string { return "tvmaze" }

func (c *TVmaze) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	var res []struct {
		Show struct {
			ID        int    `json:"id"`
			Name      string `json:"name"`
			Premiered string `json:"premiered"`
		} `json:"show"`
	}
	if err := c.getJSON(ctx, "/search/shows", url.Values{"q": {q.Title}}, nil, &res); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(res))
	for _, r := range res {
		if r.Show.Name == "" {
			continue
		}
		year := yearOf(r.Show.Premiered)
		if q.Year > 0 && year > 0 && year != q.Year {
			continue
		}
		out = append(out, Candidate{
			Provider:  c.Name(),
			ExtID:     strconv.Itoa(r.Show.ID),
			Title:     r.Show.Name,
			Year:      year,
			MediaType: scan.MediaTypeTV,
		})
	}
	return out, nil
}

func (c *TVmaze) Fetch(ctx context.Context, extID string, _ scan.MediaType) (*Candidate, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/shows/"+url.PathEscape(extID), nil, nil, &raw); err != nil {
		return nil, err
	}

	var d struct {
		Name      string `json:"name"`
		Premiered string `json:"premiered"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("tvmaze: decode show: %w", err)
	}
	if d.Name == "" {
		return nil, ErrNotFound
	}
	return &Candidate{
		Provider:  c.Name(),
		ExtID:     extID,
		Title:     d.Name,
		Year:      yearOf(d.Premiered),
		MediaType: scan.MediaTypeTV,
		Extra:     raw,
	}, nil
}

func (c *TVmaze) ListChildren(ctx context.Context, extID string, _ scan.MediaType) (*Children, error) {
	var res []struct {
		Season  int    `json:"season"`
		Number  int    `json:"number"`
		Name    string `json:"name"`
		Airdate string `json:"airdate"`
	}
	if err := c.getJSON(ctx, "/shows/"+url.PathEscape(extID)+"/episodes", nil, nil, &res); err != nil {
		return nil, err
	}

	episodes := make([]cache.Episode, 0, len(res))
	for _, e := range res {
		episodes = append(episodes, cache.Episode{
			Provider: c.Name(),
			SeriesID: extID,
			Season:   e.Season,
			Episode:  e.Number,
			Title:    e.Name,
			AirDate:  e.Airdate,
		})
	}
	return &Children{Episodes: episodes}, nil
}
