// SPDX-License-Identifier: MIT

// Package scan discovers media files under a library root and extracts the
// structured fields the planning pipeline consumes.
package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// MediaType identifies the declared library kind. The scanner never guesses;
// the caller states it.
type MediaType string

const (
	MediaTypeTV    MediaType = "tv"
	MediaTypeMovie MediaType = "movie"
	MediaTypeMusic MediaType = "music"
)

// Valid reports whether m is one of the known media types.
func (m MediaType) Valid() bool {
	switch m {
	case MediaTypeTV, MediaTypeMovie, MediaTypeMusic:
		return true
	}
	return false
}

// Segment is a contiguous episode-like subunit within a filename: an
// integer interval plus the tokenized title span that follows it.
type Segment struct {
	Start       int      `json:"start"`
	End         int      `json:"end"`
	TitleTokens []string `json:"title_tokens,omitempty"`
	RawSpan     string   `json:"raw_span,omitempty"`
	Offset      int      `json:"offset"` // byte offset of the span in the file name
}

// MediaFile is one scanned file. Immutable after scan.
type MediaFile struct {
	Path  string    `json:"path"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
	Hash  string    `json:"hash,omitempty"`

	MediaType MediaType `json:"media_type"`
	Extension string    `json:"extension"`

	ParsedTitle   string `json:"parsed_title,omitempty"`
	ParsedYear    int    `json:"parsed_year,omitempty"`
	ParsedSeason  int    `json:"parsed_season,omitempty"`
	ParsedEpisode int    `json:"parsed_episode,omitempty"`
	EpisodeEnd    int    `json:"parsed_episode_end,omitempty"`
	EpisodeTitle  string `json:"episode_title,omitempty"`
	ParsedTrack   int    `json:"parsed_track,omitempty"`
	ParsedDisc    int    `json:"parsed_disc,omitempty"`
	ParsedArtist  string `json:"parsed_artist,omitempty"`
	ParsedAlbum   string `json:"parsed_album,omitempty"`

	AnthologyCandidate bool      `json:"anthology_candidate,omitempty"`
	Segments           []Segment `json:"segments,omitempty"`
}

// Snapshot binds an ordered scan result to the exact filesystem state
// observed, via a deterministic fingerprint over (path, mtime) pairs.
type Snapshot struct {
	ScanID      string      `json:"scan_id"`
	Root        string      `json:"root"`
	MediaType   MediaType   `json:"media_type"`
	Files       []MediaFile `json:"files"`
	TotalSize   int64       `json:"total_size"`
	FileCount   int         `json:"file_count"`
	Fingerprint string      `json:"fingerprint"`
}

// Fingerprint computes the deterministic digest H(paths ∥ mtimes) over the
// given files, independent of input order.
func Fingerprint(files []MediaFile) string {
	records := make([]string, 0, len(files))
	for _, f := range files {
		records = append(records, fmt.Sprintf("%s\x00%d\n", f.Path, f.MTime.UTC().UnixNano()))
	}
	sort.Strings(records)

	h := sha256.New()
	for _, r := range records {
		h.Write([]byte(r))
	}
	return hex.EncodeToString(h.Sum(nil))
}
