// SPDX-License-Identifier: MIT

package scan

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ManuGH/namegnome-serve/internal/naming"
)

var (
	episodeSpanRe = regexp.MustCompile(`(?i)\b(?:s(\d{1,2}))?e(\d{1,3})(?:\s*-\s*e?(\d{1,3}))?\b`)
	dirYearRe     = regexp.MustCompile(`^(.+?)\s*\((\d{4})\)`)
	parenYearRe   = regexp.MustCompile(`\((\d{4})\)`)
	trailingYear  = regexp.MustCompile(`\s(19\d{2}|20\d{2})$`)
	partRe        = regexp.MustCompile(`(?i)-\s*part\s*(\d+)`)
	qualityRe     = regexp.MustCompile(`(?i)[-\s]+(\d{3,4}p|bluray|web[\s-]?dl|hdtv|x26[45]|h26[45]|remux|proper|repack)\b.*$`)
	trackRe       = regexp.MustCompile(`(?i)^(?:track\s*)?(\d{1,2})`)
	discDirRe     = regexp.MustCompile(`(?i)^(?:cd|disc|disk)\s*(\d{1,2})$`)
)

// normalizeStem replaces dot/underscore separators with spaces and collapses
// whitespace. Hyphens are kept: they delimit segments.
func normalizeStem(stem string) string {
	s := strings.NewReplacer(".", " ", "_", " ").Replace(stem)
	return strings.Join(strings.Fields(s), " ")
}

// parseFile extracts the structured fields for one discovered file.
// The filename grammar is intentionally tolerant: downstream mapping treats
// every parsed field as a hint, not a fact.
func parseFile(f *MediaFile) {
	stem := strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))

	switch f.MediaType {
	case MediaTypeTV:
		parseTV(f, stem)
	case MediaTypeMovie:
		parseMovie(f, stem)
	case MediaTypeMusic:
		parseMusic(f, stem)
	}
}

func parseTV(f *MediaFile, stem string) {
	normalized := normalizeStem(stem)

	// Directory hint: any ancestor named `Show (Year)` wins for show identity.
	for _, part := range strings.Split(filepath.Dir(f.Path), string(filepath.Separator)) {
		if m := dirYearRe.FindStringSubmatch(part); m != nil {
			f.ParsedTitle = strings.TrimSpace(m[1])
			f.ParsedYear, _ = strconv.Atoi(m[2])
			break
		}
	}

	spans := episodeSpanRe.FindAllStringSubmatchIndex(normalized, -1)
	if len(spans) == 0 {
		if f.ParsedTitle == "" {
			f.ParsedTitle = strings.TrimSpace(strings.Trim(normalized, "- "))
		}
		return
	}

	first := spans[0]
	if f.ParsedTitle == "" {
		prefix := strings.TrimSpace(strings.Trim(normalized[:first[0]], "- "))
		if m := parenYearRe.FindStringSubmatch(prefix); m != nil {
			f.ParsedYear, _ = strconv.Atoi(m[1])
			prefix = strings.TrimSpace(parenYearRe.ReplaceAllString(prefix, ""))
		} else if m := trailingYear.FindStringSubmatch(prefix); m != nil {
			f.ParsedYear, _ = strconv.Atoi(m[1])
			prefix = strings.TrimSpace(trailingYear.ReplaceAllString(prefix, ""))
		}
		f.ParsedTitle = strings.TrimSpace(strings.Trim(prefix, "- "))
	}

	// Each span plus its trailing title text becomes one segment.
	for i, span := range spans {
		seg := Segment{Offset: span[0]}
		if span[2] >= 0 {
			season, _ := strconv.Atoi(normalized[span[2]:span[3]])
			if f.ParsedSeason == 0 {
				f.ParsedSeason = season
			}
		}
		seg.Start, _ = strconv.Atoi(normalized[span[4]:span[5]])
		seg.End = seg.Start
		if span[6] >= 0 {
			seg.End, _ = strconv.Atoi(normalized[span[6]:span[7]])
		}
		seg.RawSpan = normalized[span[0]:span[1]]

		titleEnd := len(normalized)
		if i+1 < len(spans) {
			titleEnd = spans[i+1][0]
		}
		title := strings.TrimSpace(strings.Trim(normalized[span[1]:titleEnd], "- "))
		seg.TitleTokens = naming.Tokenize(title)
		if i == 0 {
			f.ParsedEpisode = seg.Start
			f.EpisodeEnd = seg.End
			f.EpisodeTitle = title
		}
		f.Segments = append(f.Segments, seg)
	}

	// Multiple spans or a declared range both mark an anthology candidate.
	if len(f.Segments) > 1 || f.EpisodeEnd > f.ParsedEpisode {
		f.AnthologyCandidate = true
	}
}

func parseMovie(f *MediaFile, stem string) {
	normalized := normalizeStem(stem)

	if m := parenYearRe.FindStringSubmatch(normalized); m != nil {
		f.ParsedYear, _ = strconv.Atoi(m[1])
		normalized = strings.TrimSpace(parenYearRe.ReplaceAllString(normalized, ""))
	}
	if m := partRe.FindStringSubmatchIndex(normalized); m != nil {
		normalized = strings.TrimSpace(normalized[:m[0]])
	}
	normalized = strings.TrimSpace(qualityRe.ReplaceAllString(normalized, ""))
	f.ParsedTitle = strings.TrimSpace(strings.Trim(normalized, "- "))

	if f.ParsedTitle == "" || f.ParsedYear == 0 {
		for _, part := range strings.Split(filepath.Dir(f.Path), string(filepath.Separator)) {
			if m := dirYearRe.FindStringSubmatch(part); m != nil {
				if f.ParsedTitle == "" {
					f.ParsedTitle = strings.TrimSpace(m[1])
				}
				if f.ParsedYear == 0 {
					f.ParsedYear, _ = strconv.Atoi(m[2])
				}
				break
			}
		}
	}
}

func parseMusic(f *MediaFile, stem string) {
	normalized := normalizeStem(stem)

	if m := trackRe.FindStringSubmatchIndex(normalized); m != nil {
		f.ParsedTrack, _ = strconv.Atoi(normalized[m[2]:m[3]])
		title := strings.TrimSpace(normalized[m[1]:])
		f.ParsedTitle = strings.TrimLeft(title, "- ")
	} else {
		f.ParsedTitle = normalized
	}

	// Layout hint: Artist/Album (Year)/Track## - Title.ext, optionally with a
	// Disc NN directory in between.
	dir := filepath.Dir(f.Path)
	parts := strings.Split(dir, string(filepath.Separator))
	if n := len(parts); n >= 1 {
		if m := discDirRe.FindStringSubmatch(parts[n-1]); m != nil {
			f.ParsedDisc, _ = strconv.Atoi(m[1])
			parts = parts[:n-1]
		}
	}
	if n := len(parts); n >= 1 {
		album := parts[n-1]
		if m := dirYearRe.FindStringSubmatch(album); m != nil {
			f.ParsedAlbum = strings.TrimSpace(m[1])
			f.ParsedYear, _ = strconv.Atoi(m[2])
		} else {
			f.ParsedAlbum = album
		}
		if n >= 2 {
			f.ParsedArtist = parts[n-2]
		}
	}
}
