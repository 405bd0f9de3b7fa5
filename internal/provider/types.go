// SPDX-License-Identifier: MIT

// Package provider implements the metadata provider gateway: a uniform
// search / fetch / list-children façade over TVDB, TMDB, MusicBrainz and the
// fallback providers, with retry, per-provider rate limiting and a
// read-through cache backed by the sqlite store.
package provider

import (
	"context"
	"encoding/json"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

// SearchQuery is a normalized entity search. Year 0 means unknown. Artist
// and Album are set for music queries only.
type SearchQuery struct {
	MediaType scan.MediaType
	Title     string
	Year      int
	Artist    string
	Album     string
}

// Candidate is one provider search result or detail record.
type Candidate struct {
	Provider  string          `json:"provider"`
	ExtID     string          `json:"ext_id"`
	Title     string          `json:"title"`
	Year      int             `json:"year,omitempty"`
	MediaType scan.MediaType  `json:"media_type"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// Children is the canonical child listing of an entity: episodes for a
// series, tracks for an album. Exactly one slice is populated.
type Children struct {
	Episodes []cache.Episode
	Tracks   []cache.Track
}

// Client is one upstream metadata provider. Implementations are plain HTTP
// clients with no caching or retry of their own; the gateway layers both.
type Client interface {
	Name() string
	Search(ctx context.Context, q SearchQuery) ([]Candidate, error)
	Fetch(ctx context.Context, extID string, mediaType scan.MediaType) (*Candidate, error)
	ListChildren(ctx context.Context, extID string, mediaType scan.MediaType) (*Children, error)
}

// entityType maps a media type to the entity table's type column.
func entityType(mt scan.MediaType) string {
	switch mt {
	case scan.MediaTypeTV:
		return "series"
	case scan.MediaTypeMovie:
		return "movie"
	case scan.MediaTypeMusic:
		return "album"
	default:
		return string(mt)
	}
}
