// SPDX-License-Identifier: MIT

// Package plan builds PlanReview artifacts: deterministic provider mapping,
// anthology interval resolution with optional LLM assist, and the merge and
// serialization policy that makes plans byte-reproducible.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the PlanReview wire contract version.
const SchemaVersion = "1.0"

// Origin of a plan item.
const (
	OriginDeterministic = "deterministic"
	OriginLLM           = "llm"
)

// Confidence buckets.
const (
	BucketHigh   = "high"
	BucketMedium = "medium"
	BucketLow    = "low"
)

// Warning codes attached to plan items.
const (
	WarnOverlapUnresolved = "overlap_unresolved"
	WarnGapPresent        = "gap_present"
	WarnTitleLowMatch     = "title_low_match"
	WarnMonikerStripped   = "prefix_moniker_stripped"
	WarnLowTokenOverlap   = "low_token_overlap"
	WarnOutOfBounds       = "out_of_bounds"
	WarnLLMUnavailable    = "llm_unavailable"
	WarnNeedsReview       = "needs_review"
	WarnEntityNotFound    = "entity_not_found"
	WarnEpisodeNotFound   = "episode_not_found"
	WarnTrackNotFound     = "track_not_found"
	WarnTieDeterministic  = "tie_breaker_deterministic_preferred"
)

// BucketFor derives the confidence bucket.
func BucketFor(confidence float64) string {
	switch {
	case confidence >= 0.90:
		return BucketHigh
	case confidence >= 0.70:
		return BucketMedium
	default:
		return BucketLow
	}
}

// SrcRef locates the planned file, optionally narrowed to one segment span.
type SrcRef struct {
	Path    string  `json:"path"`
	Segment *string `json:"segment"`
}

// EpisodeRef describes a TV destination.
type EpisodeRef struct {
	Season   int      `json:"season"`
	Episodes []int    `json:"episodes"`
	Titles   []string `json:"titles"`
}

// MovieRef describes a movie destination.
type MovieRef struct {
	Title string `json:"title"`
	Year  int    `json:"year"`
}

// TrackRef describes a music destination.
type TrackRef struct {
	Disc  int    `json:"disc"`
	Track int    `json:"track"`
	Title string `json:"title"`
}

// DstRef is the rename target. Exactly one of Episode/Movie/Track is set;
// the others serialize as null.
type DstRef struct {
	Path    string      `json:"path"`
	Episode *EpisodeRef `json:"episode"`
	Movie   *MovieRef   `json:"movie"`
	Track   *TrackRef   `json:"track"`
}

// SourceRef names the provider record a mapping is anchored on.
type SourceRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	Type     string `json:"type"`
}

// Alternative is a losing merge candidate kept for review.
type Alternative struct {
	Origin     string  `json:"origin"`
	Confidence float64 `json:"confidence"`
	Dst        struct {
		Path string `json:"path"`
	} `json:"dst"`
	Reason *string `json:"reason"`
}

// Disambiguation marks an item that still needs a user choice.
type Disambiguation struct {
	Status string `json:"status"`
	Title  string `json:"title,omitempty"`
	Year   int    `json:"year,omitempty"`
}

// Explain carries the optional human-readable mapping rationale.
type Explain struct {
	Reason string `json:"reason"`
}

// Item is one planned rename.
type Item struct {
	ID             string          `json:"id"`
	Origin         string          `json:"origin"`
	Confidence     float64         `json:"confidence"`
	Bucket         string          `json:"confidence_bucket"`
	Src            SrcRef          `json:"src"`
	Dst            DstRef          `json:"dst"`
	Sources        []SourceRef     `json:"sources"`
	Warnings       []string        `json:"warnings"`
	Anthology      bool            `json:"anthology"`
	Disambiguation *Disambiguation `json:"disambiguation"`
	Alternatives   []Alternative   `json:"alternatives"`
	Explain        *Explain        `json:"explain"`
}

// SrcFile echoes the scanned file inside a group header.
type SrcFile struct {
	Path  string  `json:"path"`
	Size  int64   `json:"size"`
	MTime *string `json:"mtime"`
	Hash  *string `json:"hash"`
}

// Rollup aggregates a group's items.
type Rollup struct {
	Count         int      `json:"count"`
	ConfidenceMin float64  `json:"confidence_min"`
	ConfidenceMax float64  `json:"confidence_max"`
	Warnings      []string `json:"warnings"`
}

// Group clusters items by source file.
type Group struct {
	GroupKey string  `json:"group_key"`
	SrcFile  SrcFile `json:"src_file"`
	Items    []Item  `json:"items"`
	Rollup   Rollup  `json:"rollup"`
}

// Summary is the plan-level tally.
type Summary struct {
	TotalItems              int            `json:"total_items"`
	ByOrigin                map[string]int `json:"by_origin"`
	ByConfidence            map[string]int `json:"by_confidence"`
	Warnings                int            `json:"warnings"`
	AnthologyCandidates     int            `json:"anthology_candidates"`
	DisambiguationsRequired int            `json:"disambiguations_required"`
}

// Review is the authoritative plan artifact. It is a value: re-planning
// produces a new Review, never mutates one.
type Review struct {
	PlanID            string   `json:"plan_id"`
	SchemaVersion     string   `json:"schema_version"`
	GeneratedAt       string   `json:"generated_at"`
	ScanID            string   `json:"scan_id"`
	SourceFingerprint string   `json:"source_fingerprint"`
	MediaType         string   `json:"media_type"`
	Summary           Summary  `json:"summary"`
	Groups            []Group  `json:"groups"`
	Items             []Item   `json:"items"`
	Notes             []string `json:"notes"`
}

// planIDNamespace scopes derived plan IDs.
var planIDNamespace = uuid.MustParse("9b1dcbb0-6f2e-4f5a-9a36-5d1f1c79f3a2")

// NewPlanID derives the plan identifier from the scan it covers. Planning
// is deterministic, so the same snapshot and cache state always yield the
// same plan bytes, ID included.
func NewPlanID(scanID, fingerprint string) string {
	id := uuid.NewSHA1(planIDNamespace, []byte(scanID+"\x00"+fingerprint))
	return "pln_" + strings.ReplaceAll(id.String(), "-", "")
}

func itemID(seq int) string { return fmt.Sprintf("pli_%04d", seq) }

// FormatGeneratedAt renders a timestamp as second-precision ISO-8601 UTC
// with a trailing Z.
func FormatGeneratedAt(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// MarshalCanonical serializes a Review with sorted object keys so equal
// plans produce identical bytes (after masking generated_at).
func MarshalCanonical(r *Review) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	// Round-trip through generic maps: encoding/json emits map keys sorted.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
