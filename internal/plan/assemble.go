// SPDX-License-Identifier: MIT

package plan

import (
	"sort"
	"strings"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/naming"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

type mergeEntry struct {
	origin string
	item   Item
}

// assemble merges per-file deterministic and LLM candidates into the final
// Review: winner selection, stable ordering, grouping, summary and notes.
func assemble(snap *scan.Snapshot, results []fileResult, now time.Time) *Review {
	fileBySrc := map[string]scan.MediaFile{}
	for _, r := range results {
		fileBySrc[r.file.Path] = r.file
	}

	// Bucket candidates by (src, dst): the merge policy compares the two
	// origins only when they propose the same destination.
	type key struct{ src, dst string }
	entries := map[key][]mergeEntry{}
	var order []key
	add := func(origin string, items []Item) {
		for _, it := range items {
			k := key{src: it.Src.Path, dst: it.Dst.Path}
			if _, seen := entries[k]; !seen {
				order = append(order, k)
			}
			entries[k] = append(entries[k], mergeEntry{origin: origin, item: it})
		}
	}
	for _, r := range results {
		add(OriginDeterministic, r.det)
		add(OriginLLM, r.llm)
	}

	var items []Item
	tiePaths := map[string]struct{}{}
	for _, k := range order {
		winner, alternatives, tie := selectWinner(entries[k])
		it := winner.item
		it.Origin = winner.origin
		it.Bucket = BucketFor(it.Confidence)
		if tie {
			it.Warnings = appendUnique(it.Warnings, WarnTieDeterministic)
			tiePaths[k.src] = struct{}{}
		}
		it.Alternatives = alternatives
		items = append(items, it)
	}

	sort.SliceStable(items, func(i, j int) bool { return itemLess(items[i], items[j]) })
	for i := range items {
		items[i].ID = itemID(i + 1)
	}

	review := &Review{
		PlanID:            NewPlanID(snap.ScanID, snap.Fingerprint),
		SchemaVersion:     SchemaVersion,
		GeneratedAt:       FormatGeneratedAt(now),
		ScanID:            snap.ScanID,
		SourceFingerprint: snap.Fingerprint,
		MediaType:         string(snap.MediaType),
		Summary:           buildSummary(items),
		Groups:            buildGroups(items, fileBySrc),
		Items:             items,
		Notes:             buildNotes(tiePaths),
	}
	if review.Items == nil {
		review.Items = []Item{}
	}
	return review
}

// selectWinner keeps the higher-confidence origin when they differ by at
// least 0.10; near-ties prefer the deterministic entry.
func selectWinner(entries []mergeEntry) (mergeEntry, []Alternative, bool) {
	bestDet := bestByOrigin(entries, OriginDeterministic)
	bestLLM := bestByOrigin(entries, OriginLLM)

	var winner *mergeEntry
	tie := false
	switch {
	case bestDet != nil && bestLLM != nil:
		if diff := bestDet.item.Confidence - bestLLM.item.Confidence; diff > -0.1 && diff < 0.1 {
			winner, tie = bestDet, true
		} else if bestDet.item.Confidence > bestLLM.item.Confidence {
			winner = bestDet
		} else {
			winner = bestLLM
		}
	case bestDet != nil:
		winner = bestDet
	default:
		winner = bestLLM
	}

	alternatives := []Alternative{}
	for i := range entries {
		if &entries[i] == winner {
			continue
		}
		alt := Alternative{
			Origin:     entries[i].origin,
			Confidence: entries[i].item.Confidence,
		}
		alt.Dst.Path = entries[i].item.Dst.Path
		alternatives = append(alternatives, alt)
	}
	return *winner, alternatives, tie
}

func bestByOrigin(entries []mergeEntry, origin string) *mergeEntry {
	var best *mergeEntry
	for i := range entries {
		if entries[i].origin != origin {
			continue
		}
		if best == nil || entries[i].item.Confidence > best.item.Confidence {
			best = &entries[i]
		}
	}
	return best
}

// itemLess orders by source path (natural, case-insensitive), then by the
// media-specific key, then destination path.
func itemLess(a, b Item) bool {
	sa, sb := strings.ToLower(a.Src.Path), strings.ToLower(b.Src.Path)
	if sa != sb {
		return naming.NaturalLess(sa, sb)
	}
	ka, kb := mediaSortKey(a), mediaSortKey(b)
	for i := range ka {
		if ka[i] != kb[i] {
			return ka[i] < kb[i]
		}
	}
	return a.Dst.Path < b.Dst.Path
}

func mediaSortKey(it Item) [3]int {
	switch {
	case it.Dst.Episode != nil && len(it.Dst.Episode.Episodes) > 0:
		eps := it.Dst.Episode.Episodes
		return [3]int{it.Dst.Episode.Season, eps[0], eps[len(eps)-1]}
	case it.Dst.Movie != nil:
		return [3]int{it.Dst.Movie.Year, 0, 0}
	case it.Dst.Track != nil:
		return [3]int{it.Dst.Track.Disc, it.Dst.Track.Track, 0}
	}
	return [3]int{}
}

func buildGroups(items []Item, fileBySrc map[string]scan.MediaFile) []Group {
	byPath := map[string]*Group{}
	var paths []string
	for _, it := range items {
		g, ok := byPath[it.Src.Path]
		if !ok {
			file := fileBySrc[it.Src.Path]
			src := SrcFile{Path: it.Src.Path, Size: file.Size}
			if !file.MTime.IsZero() {
				m := file.MTime.UTC().Format(time.RFC3339)
				src.MTime = &m
			}
			if file.Hash != "" {
				h := file.Hash
				src.Hash = &h
			}
			g = &Group{GroupKey: it.Src.Path, SrcFile: src, Items: []Item{}}
			byPath[it.Src.Path] = g
			paths = append(paths, it.Src.Path)
		}
		g.Items = append(g.Items, it)
	}

	sort.Slice(paths, func(i, j int) bool {
		return naming.NaturalLess(strings.ToLower(paths[i]), strings.ToLower(paths[j]))
	})

	groups := []Group{}
	for _, path := range paths {
		g := byPath[path]
		warnSet := map[string]struct{}{}
		minC, maxC := 0.0, 0.0
		for i, it := range g.Items {
			for _, w := range it.Warnings {
				warnSet[w] = struct{}{}
			}
			if i == 0 {
				minC, maxC = it.Confidence, it.Confidence
				continue
			}
			if it.Confidence < minC {
				minC = it.Confidence
			}
			if it.Confidence > maxC {
				maxC = it.Confidence
			}
		}
		warns := make([]string, 0, len(warnSet))
		for w := range warnSet {
			warns = append(warns, w)
		}
		sort.Strings(warns)
		g.Rollup = Rollup{
			Count:         len(g.Items),
			ConfidenceMin: minC,
			ConfidenceMax: maxC,
			Warnings:      warns,
		}
		groups = append(groups, *g)
	}
	return groups
}

func buildSummary(items []Item) Summary {
	s := Summary{
		ByOrigin:     map[string]int{OriginDeterministic: 0, OriginLLM: 0},
		ByConfidence: map[string]int{BucketHigh: 0, BucketMedium: 0, BucketLow: 0},
	}
	for _, it := range items {
		s.TotalItems++
		s.ByOrigin[it.Origin]++
		s.ByConfidence[it.Bucket]++
		s.Warnings += len(it.Warnings)
		if it.Anthology {
			s.AnthologyCandidates++
		}
		if it.Disambiguation != nil {
			s.DisambiguationsRequired++
		}
	}
	return s
}

func buildNotes(tiePaths map[string]struct{}) []string {
	if len(tiePaths) == 0 {
		return []string{}
	}
	paths := make([]string, 0, len(tiePaths))
	for p := range tiePaths {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		return strings.ToLower(paths[i]) < strings.ToLower(paths[j])
	})
	return []string{"Deterministic results preferred for near-ties at: " + strings.Join(paths, ", ")}
}
