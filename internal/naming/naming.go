// SPDX-License-Identifier: MIT

// Package naming implements the target-path grammar and the string
// normalization rules shared by matching and planning.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// reservedReplacer strips characters that are reserved on at least one of
// the target filesystems (NTFS being the strictest).
var reservedReplacer = strings.NewReplacer(
	"<", "", ">", "", ":", " -", "\"", "'", "/", "-", "\\", "-",
	"|", "-", "?", "", "*", "",
)

// SanitizeComponent renders a single path component: NFC-normalized, no
// reserved filesystem characters, collapsed whitespace.
func SanitizeComponent(s string) string {
	s = norm.NFC.String(s)
	s = reservedReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, ". ")
}

// TVPath builds the canonical episode path:
//
//	<Show> (<Year>)/Season <SS>/<Show> - S<SS>E<EE>[-E<EE>] - <Title>[ & <Title>].<ext>
//
// episodeEnd == episode renders a single-episode name. Titles are joined
// with " & " for multi-episode (anthology) files.
func TVPath(show string, year int, season, episode, episodeEnd int, titles []string, ext string) string {
	show = SanitizeComponent(show)
	showDir := show
	if year > 0 {
		showDir = fmt.Sprintf("%s (%d)", show, year)
	}

	span := fmt.Sprintf("S%02dE%02d", season, episode)
	if episodeEnd > episode {
		span = fmt.Sprintf("S%02dE%02d-E%02d", season, episode, episodeEnd)
	}

	cleaned := make([]string, 0, len(titles))
	for _, t := range titles {
		if t = SanitizeComponent(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}

	name := fmt.Sprintf("%s - %s", show, span)
	if len(cleaned) > 0 {
		name = fmt.Sprintf("%s - %s", name, strings.Join(cleaned, " & "))
	}

	return filepath.Join(showDir, fmt.Sprintf("Season %02d", season), name+normalizeExt(ext))
}

// MoviePath builds `<Title> (<Year>)/<Title> (<Year>).<ext>`.
func MoviePath(title string, year int, ext string) string {
	title = SanitizeComponent(title)
	dir := fmt.Sprintf("%s (%d)", title, year)
	return filepath.Join(dir, dir+normalizeExt(ext))
}

// MusicPath builds `<Artist>/<Album> (<Year>)/Track<NN> - <Title>.<ext>`.
func MusicPath(artist, album string, year, track int, title, ext string) string {
	artist = SanitizeComponent(artist)
	album = SanitizeComponent(album)
	albumDir := album
	if year > 0 {
		albumDir = fmt.Sprintf("%s (%d)", album, year)
	}
	name := fmt.Sprintf("Track%02d - %s", track, SanitizeComponent(title))
	return filepath.Join(artist, albumDir, name+normalizeExt(ext))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
