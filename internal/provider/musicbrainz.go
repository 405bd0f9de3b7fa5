// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/scan"
	"github.com/ManuGH/namegnome-serve/internal/version"
)

// DefaultMusicBrainzBaseURL is the MusicBrainz web service root.
const DefaultMusicBrainzBaseURL = "https://musicbrainz.org/ws/2"

// MusicBrainz is the keyless music provider. Albums are modelled as
// MusicBrainz releases; tracks come from the release's recording list.
// MusicBrainz requires an identifying User-Agent from anonymous clients.
type MusicBrainz struct {
	httpClient
	userAgent string
}

func NewMusicBrainz(baseURL string, timeout time.Duration) *MusicBrainz {
	return &MusicBrainz{
		httpClient: newHTTPClient("musicbrainz", baseURL, timeout),
		userAgent:  "namegnome-serve/" + version.Version + " (https://github.com/ManuGH/namegnome-serve)",
	}
}

func (c *MusicBrainz) Name() string { return "musicbrainz" }

func (c *MusicBrainz) header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.userAgent)
	return h
}

func (c *MusicBrainz) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	album := q.Album
	if album == "" {
		album = q.Title
	}
	lucene := fmt.Sprintf("release:%s", strconv.Quote(album))
	if q.Artist != "" {
		lucene += fmt.Sprintf(" AND artist:%s", strconv.Quote(q.Artist))
	}

	var res struct {
		Releases []struct {
			ID           string `json:"id"`
			Title        string `json:"title"`
			Date         string `json:"date"`
			ArtistCredit []struct {
				Name string `json:"name"`
			} `json:"artist-credit"`
		} `json:"releases"`
	}
	query := url.Values{"query": {lucene}, "fmt": {"json"}, "limit": {"10"}}
	if err := c.getJSON(ctx, "/release", query, c.header(), &res); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(res.Releases))
	for _, r := range res.Releases {
		if r.ID == "" || r.Title == "" {
			continue
		}
		extra, _ := json.Marshal(map[string]string{"artist": firstArtist(r.ArtistCredit)})
		out = append(out, Candidate{
			Provider:  c.Name(),
			ExtID:     r.ID,
			Title:     r.Title,
			Year:      yearOf(r.Date),
			MediaType: scan.MediaTypeMusic,
			Extra:     extra,
		})
	}
	return out, nil
}

func (c *MusicBrainz) Fetch(ctx context.Context, extID string, _ scan.MediaType) (*Candidate, error) {
	var raw json.RawMessage
	query := url.Values{"fmt": {"json"}, "inc": {"artist-credits"}}
	if err := c.getJSON(ctx, "/release/"+url.PathEscape(extID), query, c.header(), &raw); err != nil {
		return nil, err
	}

	var d struct {
		Title        string `json:"title"`
		Date         string `json:"date"`
		ArtistCredit []struct {
			Name string `json:"name"`
		} `json:"artist-credit"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("musicbrainz: decode release: %w", err)
	}
	if d.Title == "" {
		return nil, ErrNotFound
	}
	return &Candidate{
		Provider:  c.Name(),
		ExtID:     extID,
		Title:     d.Title,
		Year:      yearOf(d.Date),
		MediaType: scan.MediaTypeMusic,
		Extra:     raw,
	}, nil
}

func (c *MusicBrainz) ListChildren(ctx context.Context, extID string, _ scan.MediaType) (*Children, error) {
	var res struct {
		Media []struct {
			Position int `json:"position"`
			Tracks   []struct {
				Position int    `json:"position"`
				Title    string `json:"title"`
			} `json:"tracks"`
		} `json:"media"`
	}
	query := url.Values{"fmt": {"json"}, "inc": {"recordings"}}
	if err := c.getJSON(ctx, "/release/"+url.PathEscape(extID), query, c.header(), &res); err != nil {
		return nil, err
	}

	var tracks []cache.Track
	for _, m := range res.Media {
		disc := m.Position
		if disc == 0 {
			disc = 1
		}
		for _, t := range m.Tracks {
			tracks = append(tracks, cache.Track{
				Provider: c.Name(),
				AlbumID:  extID,
				Disc:     disc,
				Track:    t.Position,
				Title:    t.Title,
			})
		}
	}
	return &Children{Tracks: tracks}, nil
}

func firstArtist(credit []struct {
	Name string `json:"name"`
}) string {
	if len(credit) == 0 {
		return ""
	}
	return credit[0].Name
}
