// SPDX-License-Identifier: MIT

package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/disambig"
	xglog "github.com/ManuGH/namegnome-serve/internal/log"
	"github.com/ManuGH/namegnome-serve/internal/metrics"
	"github.com/ManuGH/namegnome-serve/internal/naming"
	"github.com/ManuGH/namegnome-serve/internal/provider"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

// Assister refines a deterministic anthology grouping. *AssistClient is the
// production implementation; tests substitute a stub.
type Assister interface {
	Regroup(ctx context.Context, file scan.MediaFile, det []EpisodeGroup, episodes []cache.Episode) ([]AssistGroup, error)
}

// Options modify one planning pass.
type Options struct {
	// Anthology forces every TV file through the anthology resolver, not
	// just parser-flagged candidates.
	Anthology bool

	// PinProvider/PinExtID bypass entity resolution entirely; programmatic
	// callers use it instead of the disambiguation flow.
	PinProvider string
	PinExtID    string
}

// Planner runs the deterministic mapping pipeline over a scan snapshot.
type Planner struct {
	Gateway  *provider.Gateway
	Store    *cache.Store
	Ledger   *disambig.Ledger
	Assist   Assister // nil disables LLM assist
	Parallel int

	mu   sync.Mutex
	pins map[string]entityPin
}

type entityPin struct {
	provider string
	extID    string
}

type fileResult struct {
	file scan.MediaFile
	det  []Item
	llm  []Item
}

// Build maps every file in the snapshot and assembles the PlanReview.
// Ambiguous entity resolution aborts with *disambig.RequiredError so the
// caller can surface the token; per-item failures degrade to warnings.
func (p *Planner) Build(ctx context.Context, snap *scan.Snapshot, opts Options) (*Review, error) {
	logger := xglog.WithComponentFromContext(ctx, "plan")
	p.mu.Lock()
	if p.pins == nil {
		p.pins = map[string]entityPin{}
	}
	p.mu.Unlock()

	results := make([]fileResult, len(snap.Files))

	g, gctx := errgroup.WithContext(ctx)
	limit := p.Parallel
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i := range snap.Files {
		i := i
		g.Go(func() error {
			res, err := p.planFile(gctx, snap, snap.Files[i], opts)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	review := assemble(snap, results, time.Now())
	metrics.PlansBuilt.WithLabelValues(string(snap.MediaType)).Inc()
	logger.Info().
		Str(xglog.FieldEvent, "plan.done").
		Str(xglog.FieldPlanID, review.PlanID).
		Str(xglog.FieldScanID, snap.ScanID).
		Int("items", len(review.Items)).
		Msg("plan built")
	return review, nil
}

func (p *Planner) planFile(ctx context.Context, snap *scan.Snapshot, file scan.MediaFile, opts Options) (fileResult, error) {
	res := fileResult{file: file}

	switch file.MediaType {
	case scan.MediaTypeTV:
		return p.planTV(ctx, snap, file, opts)
	case scan.MediaTypeMovie:
		return p.planMovie(ctx, snap, file, opts)
	case scan.MediaTypeMusic:
		return p.planMusic(ctx, snap, file, opts)
	}
	res.det = append(res.det, unresolvedItem(file, WarnNeedsReview))
	return res, nil
}

// resolveEntity pins (title, year) to a provider entity: explicit pin, then
// persisted decision, then a provider search. A search leaving more than
// one plausible candidate raises disambiguation.
func (p *Planner) resolveEntity(ctx context.Context, snap *scan.Snapshot, q provider.SearchQuery, opts Options) (entityPin, error) {
	if opts.PinProvider != "" && opts.PinExtID != "" {
		return entityPin{provider: opts.PinProvider, extID: opts.PinExtID}, nil
	}

	scope := string(q.MediaType)
	titleNorm := naming.NormalizeTitle(q.Title)
	if q.MediaType == scan.MediaTypeMusic {
		titleNorm = naming.NormalizeTitle(q.Artist + " " + q.Album)
	}
	memoKey := fmt.Sprintf("%s|%s|%d", scope, titleNorm, q.Year)

	p.mu.Lock()
	if pin, ok := p.pins[memoKey]; ok {
		p.mu.Unlock()
		return pin, nil
	}
	p.mu.Unlock()

	year := q.Year
	if year <= 0 {
		year = cache.YearUnknown
	}
	if d, err := p.Store.GetDecision(ctx, scope, titleNorm, year); err != nil {
		return entityPin{}, err
	} else if d != nil {
		pin := entityPin{provider: d.Provider, extID: d.ExtID}
		p.memoize(memoKey, pin)
		return pin, nil
	}

	cands, err := p.Gateway.Search(ctx, q)
	if err != nil {
		return entityPin{}, err
	}

	plausible := filterCandidates(cands, titleNorm, q)
	switch len(plausible) {
	case 0:
		return entityPin{}, errEntityNotFound
	case 1:
		pin := entityPin{provider: plausible[0].Provider, extID: plausible[0].ExtID}
		p.memoize(memoKey, pin)
		return pin, nil
	}

	re, err := p.Ledger.Mint(ctx, disambig.Pending{
		ScanID:     snap.ScanID,
		Field:      entityField(q.MediaType),
		Scope:      scope,
		Title:      q.Title,
		Year:       q.Year,
		Candidates: plausible,
		Suggested:  plausible[0].ExtID,
	})
	if err != nil {
		return entityPin{}, err
	}
	return entityPin{}, re
}

var errEntityNotFound = errors.New("plan: no plausible entity candidate")

func (p *Planner) memoize(key string, pin entityPin) {
	p.mu.Lock()
	p.pins[key] = pin
	p.mu.Unlock()
}

func entityField(mt scan.MediaType) string {
	switch mt {
	case scan.MediaTypeTV:
		return "series"
	case scan.MediaTypeMovie:
		return "movie"
	default:
		return "album"
	}
}

// filterCandidates keeps candidates whose normalized title matches and,
// when a year hint exists, whose year agrees or is unknown.
func filterCandidates(cands []provider.Candidate, titleNorm string, q provider.SearchQuery) []provider.Candidate {
	var out []provider.Candidate
	target := titleNorm
	if q.MediaType == scan.MediaTypeMusic {
		target = naming.NormalizeTitle(q.Album)
		if target == "" {
			target = naming.NormalizeTitle(q.Title)
		}
	}
	for _, c := range cands {
		candNorm := naming.NormalizeTitle(c.Title)
		if candNorm != target &&
			naming.MatchScore(naming.Tokenize(c.Title), naming.Tokenize(q.Title)) < thetaMatch {
			continue
		}
		if q.Year > 0 && c.Year > 0 && c.Year != q.Year {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (p *Planner) planTV(ctx context.Context, snap *scan.Snapshot, file scan.MediaFile, opts Options) (fileResult, error) {
	res := fileResult{file: file}

	pin, err := p.resolveEntity(ctx, snap, provider.SearchQuery{
		MediaType: scan.MediaTypeTV,
		Title:     file.ParsedTitle,
		Year:      file.ParsedYear,
	}, opts)
	if err != nil {
		return p.degrade(res, file, err)
	}

	ent, err := p.Gateway.Fetch(ctx, pin.provider, pin.extID, scan.MediaTypeTV)
	if err != nil {
		return p.degrade(res, file, err)
	}
	episodes, err := p.Gateway.Episodes(ctx, pin.provider, pin.extID)
	if err != nil {
		return p.degrade(res, file, err)
	}

	showYear := ent.Year
	if showYear <= 0 {
		showYear = file.ParsedYear
	}
	sources := []SourceRef{{Provider: pin.provider, ID: pin.extID, Type: "episode"}}
	if art := p.artworkSource(ctx, scan.MediaTypeTV, pin); art != nil {
		sources = append(sources, *art)
	}

	if !file.AnthologyCandidate && !opts.Anthology {
		item, ok := tvExactItem(file, ent.Title, showYear, episodes, sources)
		if !ok {
			res.det = append(res.det, unresolvedItem(file, WarnEpisodeNotFound))
			return res, nil
		}
		res.det = append(res.det, item)
		return res, nil
	}

	anth := ResolveAnthology(file, episodes)
	for _, grp := range anth.Groups {
		res.det = append(res.det, tvGroupItem(file, ent.Title, showYear, grp, anth, sources))
	}
	if len(anth.Groups) == 0 {
		res.det = append(res.det, unresolvedItem(file, WarnEpisodeNotFound))
	}

	if anth.NeedsAssist && p.Assist != nil {
		groups, err := p.Assist.Regroup(ctx, file, anth.Groups, episodes)
		if err != nil {
			for i := range res.det {
				res.det[i].Warnings = appendUnique(res.det[i].Warnings, WarnLLMUnavailable)
			}
			return res, nil
		}
		for _, g := range groups {
			res.llm = append(res.llm, tvAssistItem(file, ent.Title, showYear, g, sources))
		}
	}
	return res, nil
}

// artworkSource warms the fanart.tv bundle for the resolved entity and, when
// one exists, anchors it on the item as an extra source. The bundle itself
// stays in the blob cache; the plan only records where it came from.
func (p *Planner) artworkSource(ctx context.Context, mt scan.MediaType, pin entityPin) *SourceRef {
	if raw := p.Gateway.Artwork(ctx, mt, pin.extID); len(raw) > 0 {
		return &SourceRef{Provider: "fanarttv", ID: pin.extID, Type: "artwork"}
	}
	return nil
}

// degrade converts per-item failures into needs_review items; entity
// ambiguity propagates so the caller can return the 409 token.
func (p *Planner) degrade(res fileResult, file scan.MediaFile, err error) (fileResult, error) {
	var re *disambig.RequiredError
	if errors.As(err, &re) {
		return res, re
	}
	if _, ok := provider.IsUnavailable(err); ok {
		res.det = append(res.det, unresolvedItem(file, WarnNeedsReview))
		return res, nil
	}
	if errors.Is(err, errEntityNotFound) || errors.Is(err, provider.ErrNotFound) {
		res.det = append(res.det, unresolvedItem(file, WarnEntityNotFound))
		return res, nil
	}
	return res, err
}

func tvExactItem(file scan.MediaFile, show string, year int, episodes []cache.Episode, sources []SourceRef) (Item, bool) {
	epEnd := file.EpisodeEnd
	if epEnd < file.ParsedEpisode {
		epEnd = file.ParsedEpisode
	}

	var nums []int
	var titles []string
	for e := file.ParsedEpisode; e <= epEnd; e++ {
		title, ok := findEpisodeTitle(episodes, file.ParsedSeason, e)
		if !ok {
			return Item{}, false
		}
		nums = append(nums, e)
		titles = append(titles, title)
	}
	if len(nums) == 0 {
		return Item{}, false
	}

	dst := naming.TVPath(show, year, file.ParsedSeason, nums[0], nums[len(nums)-1], titles, file.Extension)
	return Item{
		Origin:     OriginDeterministic,
		Confidence: 1.0,
		Src:        SrcRef{Path: file.Path},
		Dst: DstRef{
			Path:    dst,
			Episode: &EpisodeRef{Season: file.ParsedSeason, Episodes: nums, Titles: titles},
		},
		Sources:      sources,
		Warnings:     []string{},
		Alternatives: []Alternative{},
	}, true
}

func tvGroupItem(file scan.MediaFile, show string, year int, grp EpisodeGroup, anth AnthologyResult, sources []SourceRef) Item {
	span := grp.Span
	dst := naming.TVPath(show, year, file.ParsedSeason, grp.Episodes[0], grp.Episodes[len(grp.Episodes)-1], grp.Titles, file.Extension)
	return Item{
		Origin:     OriginDeterministic,
		Confidence: anth.Confidence,
		Src:        SrcRef{Path: file.Path, Segment: &span},
		Dst: DstRef{
			Path:    dst,
			Episode: &EpisodeRef{Season: file.ParsedSeason, Episodes: grp.Episodes, Titles: grp.Titles},
		},
		Sources:      sources,
		Warnings:     append([]string{}, anth.Warnings...),
		Anthology:    true,
		Alternatives: []Alternative{},
	}
}

func tvAssistItem(file scan.MediaFile, show string, year int, g AssistGroup, sources []SourceRef) Item {
	season := g.Season
	if season == 0 {
		season = file.ParsedSeason
	}
	span := spanOf(g.Episodes)
	dst := naming.TVPath(show, year, season, g.Episodes[0], g.Episodes[len(g.Episodes)-1], g.Titles, file.Extension)
	return Item{
		Origin:     OriginLLM,
		Confidence: g.Confidence,
		Src:        SrcRef{Path: file.Path, Segment: &span},
		Dst: DstRef{
			Path:    dst,
			Episode: &EpisodeRef{Season: season, Episodes: g.Episodes, Titles: g.Titles},
		},
		Sources:      sources,
		Warnings:     []string{},
		Anthology:    true,
		Alternatives: []Alternative{},
	}
}

func spanOf(nums []int) string {
	if len(nums) == 1 {
		return fmt.Sprintf("E%02d", nums[0])
	}
	return fmt.Sprintf("E%02d-E%02d", nums[0], nums[len(nums)-1])
}

func findEpisodeTitle(episodes []cache.Episode, season, number int) (string, bool) {
	for _, e := range episodes {
		if e.Season == season && e.Episode == number {
			return e.Title, true
		}
	}
	return "", false
}

func (p *Planner) planMovie(ctx context.Context, snap *scan.Snapshot, file scan.MediaFile, opts Options) (fileResult, error) {
	res := fileResult{file: file}

	pin, err := p.resolveEntity(ctx, snap, provider.SearchQuery{
		MediaType: scan.MediaTypeMovie,
		Title:     file.ParsedTitle,
		Year:      file.ParsedYear,
	}, opts)
	if err != nil {
		return p.degrade(res, file, err)
	}

	ent, err := p.Gateway.Fetch(ctx, pin.provider, pin.extID, scan.MediaTypeMovie)
	if err != nil {
		return p.degrade(res, file, err)
	}

	year := ent.Year
	if year <= 0 {
		year = file.ParsedYear
	}
	if year <= 0 {
		res.det = append(res.det, unresolvedItem(file, WarnNeedsReview))
		return res, nil
	}

	confidence := 1.0
	if file.ParsedYear == 0 {
		confidence = 0.9
	}

	sources := []SourceRef{{Provider: pin.provider, ID: pin.extID, Type: "movie"}}
	if art := p.artworkSource(ctx, scan.MediaTypeMovie, pin); art != nil {
		sources = append(sources, *art)
	}

	res.det = append(res.det, Item{
		Origin:     OriginDeterministic,
		Confidence: confidence,
		Src:        SrcRef{Path: file.Path},
		Dst: DstRef{
			Path:  naming.MoviePath(ent.Title, year, file.Extension),
			Movie: &MovieRef{Title: ent.Title, Year: year},
		},
		Sources:      sources,
		Warnings:     []string{},
		Alternatives: []Alternative{},
	})
	return res, nil
}

func (p *Planner) planMusic(ctx context.Context, snap *scan.Snapshot, file scan.MediaFile, opts Options) (fileResult, error) {
	res := fileResult{file: file}

	pin, err := p.resolveEntity(ctx, snap, provider.SearchQuery{
		MediaType: scan.MediaTypeMusic,
		Title:     file.ParsedAlbum,
		Artist:    file.ParsedArtist,
		Album:     file.ParsedAlbum,
		Year:      file.ParsedYear,
	}, opts)
	if err != nil {
		return p.degrade(res, file, err)
	}

	ent, err := p.Gateway.Fetch(ctx, pin.provider, pin.extID, scan.MediaTypeMusic)
	if err != nil {
		return p.degrade(res, file, err)
	}
	tracks, err := p.Gateway.Tracks(ctx, pin.provider, pin.extID)
	if err != nil {
		return p.degrade(res, file, err)
	}

	disc := file.ParsedDisc
	if disc == 0 {
		disc = 1
	}
	var found *cache.Track
	for i := range tracks {
		if tracks[i].Disc == disc && tracks[i].Track == file.ParsedTrack {
			found = &tracks[i]
			break
		}
	}
	if found == nil {
		res.det = append(res.det, unresolvedItem(file, WarnTrackNotFound))
		return res, nil
	}

	year := ent.Year
	if year <= 0 {
		year = file.ParsedYear
	}

	res.det = append(res.det, Item{
		Origin:     OriginDeterministic,
		Confidence: 1.0,
		Src:        SrcRef{Path: file.Path},
		Dst: DstRef{
			Path:  naming.MusicPath(file.ParsedArtist, ent.Title, year, found.Track, found.Title, file.Extension),
			Track: &TrackRef{Disc: found.Disc, Track: found.Track, Title: found.Title},
		},
		Sources:      []SourceRef{{Provider: pin.provider, ID: pin.extID, Type: "track"}},
		Warnings:     []string{},
		Alternatives: []Alternative{},
	})
	return res, nil
}

// unresolvedItem is the degraded mapping for a file the pipeline could not
// place: destination equals source so apply treats it as a no-op, and the
// low bucket plus warnings route it to review.
func unresolvedItem(file scan.MediaFile, warnings ...string) Item {
	w := append([]string{}, warnings...)
	return Item{
		Origin:       OriginDeterministic,
		Confidence:   0.2,
		Src:          SrcRef{Path: file.Path},
		Dst:          DstRef{Path: file.Path},
		Sources:      []SourceRef{},
		Warnings:     w,
		Anthology:    file.AnthologyCandidate,
		Alternatives: []Alternative{},
	}
}
