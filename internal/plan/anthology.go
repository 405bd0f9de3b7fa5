// SPDX-License-Identifier: MIT

package plan

import (
	"fmt"
	"sort"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/naming"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

// Matching thresholds for the anthology resolver.
const (
	thetaMatch       = 0.67 // acceptance threshold for title matches
	thetaSingle      = 0.8  // stricter threshold for singleton collapse
	thetaRemnant     = 0.5  // minimal evidence that a trailing episode is present
	maxMonikerTokens = 6    // longest strippable shared leading phrase
)

// EpisodeGroup is one resolved contiguous span of canonical episodes for a
// single source segment.
type EpisodeGroup struct {
	Season   int
	Episodes []int
	Titles   []string
	Span     string
}

// AnthologyResult is the deterministic resolver output.
type AnthologyResult struct {
	Groups      []EpisodeGroup
	Warnings    []string
	Confidence  float64
	NeedsAssist bool
}

type canonical struct {
	numbers []int
	titles  map[int]string
	tokens  map[int][]string
	lo, hi  int
}

type interval struct {
	start, end int
	tokens     []string
}

// ResolveAnthology maps a file's parsed segments onto the canonical episode
// list for its season. Deterministic only; the caller decides whether the
// result warrants an LLM pass.
func ResolveAnthology(file scan.MediaFile, episodes []cache.Episode) AnthologyResult {
	season := file.ParsedSeason
	canon := buildCanonical(episodes, season)

	var warnings []string
	warn := func(code string) { warnings = appendUnique(warnings, code) }

	if len(canon.numbers) == 0 {
		return AnthologyResult{
			Warnings:    []string{WarnEpisodeNotFound},
			Confidence:  0.2,
			NeedsAssist: true,
		}
	}

	moniker := detectMoniker(canon)
	segs := workingSegments(file)

	// Sort and normalize: ordered by start, start <= end.
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].start < segs[j].start })
	for i := range segs {
		if segs[i].end < segs[i].start {
			segs[i].start, segs[i].end = segs[i].end, segs[i].start
		}
	}

	// Clamp declared ranges to the canonical season bounds.
	if clampToBounds(segs, canon.lo, canon.hi) {
		warn(WarnOutOfBounds)
	}

	if len(moniker) > 0 {
		stripped := false
		for i := range segs {
			var hit bool
			segs[i].tokens, hit = stripSubsequence(segs[i].tokens, moniker)
			stripped = stripped || hit
		}
		if stripped {
			warn(WarnMonikerStripped)
		}
	}

	resolveOverlaps(segs, canon, warn)
	segs = fillGaps(segs, canon, warn)
	collapseSingletons(segs, canon)

	groups := make([]EpisodeGroup, 0, len(segs))
	for _, seg := range segs {
		groups = append(groups, assignEpisodes(seg, segs, canon, season, warn))
	}

	confidence := 1.0 - 0.1*float64(len(warnings))
	if confidence < 0.2 {
		confidence = 0.2
	}

	needsAssist := confidence < 0.9
	for _, w := range warnings {
		if w == WarnOverlapUnresolved || w == WarnGapPresent || w == WarnEpisodeNotFound {
			needsAssist = true
		}
	}

	if warnings == nil {
		warnings = []string{}
	}
	return AnthologyResult{
		Groups:      groups,
		Warnings:    warnings,
		Confidence:  confidence,
		NeedsAssist: needsAssist,
	}
}

func buildCanonical(episodes []cache.Episode, season int) canonical {
	c := canonical{titles: map[int]string{}, tokens: map[int][]string{}}
	for _, e := range episodes {
		if season > 0 && e.Season != season {
			continue
		}
		c.numbers = append(c.numbers, e.Episode)
		c.titles[e.Episode] = e.Title
		c.tokens[e.Episode] = naming.Tokenize(e.Title)
	}
	sort.Ints(c.numbers)
	if len(c.numbers) > 0 {
		c.lo, c.hi = c.numbers[0], c.numbers[len(c.numbers)-1]
	}
	return c
}

// detectMoniker finds a shared leading phrase (2..maxMonikerTokens tokens)
// carried verbatim by at least two adjacent canonical episodes, and strips
// it from their token lists so per-episode titles become distinguishable.
func detectMoniker(canon canonical) []string {
	best := []string{}
	for i := 0; i+1 < len(canon.numbers); i++ {
		a := canon.tokens[canon.numbers[i]]
		b := canon.tokens[canon.numbers[i+1]]
		n := commonPrefixLen(a, b)
		if n > maxMonikerTokens {
			n = maxMonikerTokens
		}
		if n >= 2 && n > len(best) {
			best = append([]string(nil), a[:n]...)
		}
	}
	if len(best) == 0 {
		return nil
	}
	for num, toks := range canon.tokens {
		if stripped, ok := stripSubsequence(toks, best); ok {
			canon.tokens[num] = stripped
		}
	}
	return best
}

func workingSegments(file scan.MediaFile) []interval {
	var segs []interval
	for _, s := range file.Segments {
		segs = append(segs, interval{
			start:  s.Start,
			end:    s.End,
			tokens: append([]string(nil), s.TitleTokens...),
		})
	}
	if len(segs) == 0 && file.ParsedEpisode > 0 {
		end := file.EpisodeEnd
		if end == 0 {
			end = file.ParsedEpisode
		}
		segs = append(segs, interval{
			start:  file.ParsedEpisode,
			end:    end,
			tokens: naming.Tokenize(file.EpisodeTitle),
		})
	}
	return segs
}

func clampToBounds(segs []interval, lo, hi int) bool {
	changed := false
	for i := range segs {
		if segs[i].start < lo {
			segs[i].start = lo
			changed = true
		}
		if segs[i].end > hi {
			segs[i].end = hi
			changed = true
		}
		if segs[i].end < segs[i].start {
			segs[i].end = segs[i].start
		}
	}
	return changed
}

// resolveOverlaps applies the pairwise rule: when [a,b] and [c,d] overlap
// and the second segment's title matches the canonical episode at c, the
// first segment is truncated to [a,c-1]; otherwise the second is pushed to
// [b+1,d] when feasible.
func resolveOverlaps(segs []interval, canon canonical, warn func(string)) {
	for i := 0; i+1 < len(segs); i++ {
		first, second := &segs[i], &segs[i+1]
		if second.start > first.end {
			continue
		}
		c := second.start
		if prefixScore(second.tokens, canon.tokens[c]) >= thetaMatch && c-1 >= first.start {
			first.end = c - 1
			continue
		}
		if first.end+1 <= second.end {
			second.start = first.end + 1
			continue
		}
		warn(WarnOverlapUnresolved)
	}
}

// fillGaps inserts a segment for a single canonical episode strictly inside
// a gap when its title is present in a neighbouring token stream.
func fillGaps(segs []interval, canon canonical, warn func(string)) []interval {
	var out []interval
	for i, seg := range segs {
		if i > 0 {
			prev := out[len(out)-1]
			if seg.start > prev.end+1 {
				inserted := false
				if seg.start-prev.end == 2 { // exactly one episode in the gap
					g := prev.end + 1
					ct, ok := canon.tokens[g]
					if ok && (containScore(ct, prev.tokens) >= thetaMatch || containScore(ct, seg.tokens) >= thetaMatch) {
						out = append(out, interval{start: g, end: g, tokens: ct})
						inserted = true
					}
				}
				if !inserted {
					warn(WarnGapPresent)
				}
			}
		}
		out = append(out, seg)
	}
	return out
}

// collapseSingletons shrinks [a,b] to [a,a] when the segment carries one
// title that matches episode a strongly while b..a+1 find no match at all.
// The remnant bar is deliberately lower than thetaMatch: a filename that
// declares a range keeps it unless the trailing episodes are plainly absent
// from the token stream.
func collapseSingletons(segs []interval, canon canonical) {
	for i := range segs {
		seg := &segs[i]
		if seg.end <= seg.start || len(seg.tokens) == 0 {
			continue
		}
		if naming.MatchScore(seg.tokens, canon.tokens[seg.start]) < thetaSingle {
			continue
		}
		rest := false
		for e := seg.start + 1; e <= seg.end; e++ {
			if ct, ok := canon.tokens[e]; ok && containScore(ct, seg.tokens) >= thetaRemnant {
				rest = true
				break
			}
		}
		if !rest {
			seg.end = seg.start
		}
	}
}

// assignEpisodes consumes a segment's token stream across its episode span,
// splitting concatenated titles onto consecutive canonical episodes and
// extending the span when trailing tokens continue into the next episode.
func assignEpisodes(seg interval, all []interval, canon canonical, season int, warn func(string)) EpisodeGroup {
	g := EpisodeGroup{Season: season}
	stream := seg.tokens
	pos := 0

	end := seg.end
	for e := seg.start; e <= end; e++ {
		ct, ok := canon.tokens[e]
		if !ok {
			warn(WarnEpisodeNotFound)
			g.Episodes = append(g.Episodes, e)
			g.Titles = append(g.Titles, "")
			continue
		}
		if pos < len(stream) {
			take := len(ct)
			if pos+take > len(stream) {
				take = len(stream) - pos
			}
			score := naming.MatchScore(stream[pos:pos+take], ct)
			if score < thetaMatch {
				// Fall back to containment before flagging: token order in
				// filenames is unreliable.
				if containScore(ct, stream) < thetaMatch {
					warn(WarnTitleLowMatch)
				}
			}
			pos += take
		} else if len(seg.tokens) > 0 {
			warn(WarnLowTokenOverlap)
		}
		g.Episodes = append(g.Episodes, e)
		g.Titles = append(g.Titles, canon.titles[e])

		// Leftover tokens that match the following canonical episode extend
		// the span: one declared episode may hide a concatenation.
		if e == end && pos+1 < len(stream) {
			next := e + 1
			if next <= canon.hi && !coveredByOther(all, seg, next) {
				if ct, ok := canon.tokens[next]; ok && containScore(ct, stream[pos:]) >= thetaMatch {
					end = next
				}
			}
		}
	}

	if len(g.Episodes) > 0 {
		first, last := g.Episodes[0], g.Episodes[len(g.Episodes)-1]
		if first == last {
			g.Span = fmt.Sprintf("E%02d", first)
		} else {
			g.Span = fmt.Sprintf("E%02d-E%02d", first, last)
		}
	}
	return g
}

func coveredByOther(all []interval, self interval, episode int) bool {
	for _, other := range all {
		if other.start == self.start && other.end == self.end {
			continue
		}
		if episode >= other.start && episode <= other.end {
			return true
		}
	}
	return false
}

// prefixScore matches the leading window of a token stream against a
// canonical title.
func prefixScore(stream, title []string) float64 {
	if len(title) == 0 || len(stream) == 0 {
		return 0
	}
	take := len(title)
	if take > len(stream) {
		take = len(stream)
	}
	return naming.MatchScore(stream[:take], title)
}

// containScore is the fraction of canonical title tokens present anywhere
// in the stream.
func containScore(title, stream []string) float64 {
	if len(title) == 0 || len(stream) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, t := range stream {
		set[t] = struct{}{}
	}
	hit := 0
	for _, t := range title {
		if _, ok := set[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(title))
}

func commonPrefixLen(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// stripSubsequence removes every occurrence of needle as a contiguous run.
func stripSubsequence(tokens, needle []string) ([]string, bool) {
	if len(needle) == 0 || len(tokens) < len(needle) {
		return tokens, false
	}
	var out []string
	hit := false
	for i := 0; i < len(tokens); {
		if matchesAt(tokens, needle, i) {
			i += len(needle)
			hit = true
			continue
		}
		out = append(out, tokens[i])
		i++
	}
	return out, hit
}

func matchesAt(tokens, needle []string, i int) bool {
	if i+len(needle) > len(tokens) {
		return false
	}
	for j, n := range needle {
		if tokens[i+j] != n {
			return false
		}
	}
	return true
}

func appendUnique(list []string, code string) []string {
	for _, w := range list {
		if w == code {
			return list
		}
	}
	return append(list, code)
}
