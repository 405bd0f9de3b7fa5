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

// DefaultOMDBBaseURL is the OMDb API root.
const DefaultOMDBBaseURL = "https://www.omdbapi.com"

// OMDB is the shared fallback for TV and movies. OMDb reports failures as
// 200 responses with Response:"False", so every call checks that field.
type OMDB struct {
	httpClient
	apiKey string
}

func NewOMDB(baseURL, apiKey string, timeout time.Duration) *OMDB {
	return &OMDB{
		httpClient: newHTTPClient("omdb", baseURL, timeout),
		apiKey:     apiKey,
	}
}

func (c *OMDB) Name() string { return "omdb" }

func omdbType(mt scan.MediaType) string {
	if mt == scan.MediaTypeTV {
		return "series"
	}
	return "movie"
}

func (c *OMDB) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	query := url.Values{
		"apikey": {c.apiKey},
		"s":      {q.Title},
		"type":   {omdbType(q.MediaType)},
	}
	if q.Year > 0 {
		query.Set("y", strconv.Itoa(q.Year))
	}

	var res struct {
		Search []struct {
			Title  string `json:"Title"`
			Year   string `json:"Year"`
			IMDBID string `json:"imdbID"`
		} `json:"Search"`
		Response string `json:"Response"`
	}
	if err := c.getJSON(ctx, "/", query, nil, &res); err != nil {
		return nil, err
	}
	if res.Response != "True" {
		return nil, nil
	}

	out := make([]Candidate, 0, len(res.Search))
	for _, r := range res.Search {
		if r.IMDBID == "" || r.Title == "" {
			continue
		}
		out = append(out, Candidate{
			Provider:  c.Name(),
			ExtID:     r.IMDBID,
			Title:     r.Title,
			Year:      yearOf(r.Year), // series report ranges like "2015-2019"
			MediaType: q.MediaType,
		})
	}
	return out, nil
}

func (c *OMDB) Fetch(ctx context.Context, extID string, mediaType scan.MediaType) (*Candidate, error) {
	var raw json.RawMessage
	query := url.Values{"apikey": {c.apiKey}, "i": {extID}}
	if err := c.getJSON(ctx, "/", query, nil, &raw); err != nil {
		return nil, err
	}

	var d struct {
		Title    string `json:"Title"`
		Year     string `json:"Year"`
		Response string `json:"Response"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("omdb: decode title: %w", err)
	}
	if d.Response != "True" || d.Title == "" {
		return nil, ErrNotFound
	}
	return &Candidate{
		Provider:  c.Name(),
		ExtID:     extID,
		Title:     d.Title,
		Year:      yearOf(d.Year),
		MediaType: mediaType,
		Extra:     raw,
	}, nil
}

// ListChildren walks seasons sequentially until OMDb stops answering.
func (c *OMDB) ListChildren(ctx context.Context, extID string, mediaType scan.MediaType) (*Children, error) {
	if mediaType != scan.MediaTypeTV {
		return &Children{}, nil
	}

	var episodes []cache.Episode
	for season := 1; ; season++ {
		var res struct {
			Episodes []struct {
				Episode  string `json:"Episode"`
				Title    string `json:"Title"`
				Released string `json:"Released"`
			} `json:"Episodes"`
			Response string `json:"Response"`
		}
		query := url.Values{"apikey": {c.apiKey}, "i": {extID}, "Season": {strconv.Itoa(season)}}
		if err := c.getJSON(ctx, "/", query, nil, &res); err != nil {
			return nil, err
		}
		if res.Response != "True" || len(res.Episodes) == 0 {
			break
		}
		for _, e := range res.Episodes {
			num, _ := strconv.Atoi(e.Episode)
			episodes = append(episodes, cache.Episode{
				Provider: c.Name(),
				SeriesID: extID,
				Season:   season,
				Episode:  num,
				Title:    e.Title,
				AirDate:  e.Released,
			})
		}
	}
	return &Children{Episodes: episodes}, nil
}
