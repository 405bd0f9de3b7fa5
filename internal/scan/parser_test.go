// SPDX-License-Identifier: MIT

package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, path string, mediaType MediaType) MediaFile {
	t.Helper()
	f := MediaFile{Path: path, MediaType: mediaType}
	parseFile(&f)
	return f
}

func TestParseTVWithDirectoryHint(t *testing.T) {
	f := parse(t, "/media/tv/Danger Mouse (2015)/Season 01/Danger Mouse 2015-S01E01-Danger Mouse Begins Again.mp4", MediaTypeTV)

	assert.Equal(t, "Danger Mouse", f.ParsedTitle)
	assert.Equal(t, 2015, f.ParsedYear)
	assert.Equal(t, 1, f.ParsedSeason)
	assert.Equal(t, 1, f.ParsedEpisode)
	assert.Equal(t, "Danger Mouse Begins Again", f.EpisodeTitle)
	assert.False(t, f.AnthologyCandidate)
	require.Len(t, f.Segments, 1)
	assert.Equal(t, 1, f.Segments[0].Start)
	assert.Equal(t, 1, f.Segments[0].End)
}

func TestParseTVBareYearInFilename(t *testing.T) {
	f := parse(t, "Danger Mouse 2015-S01E03-Greenfinger.mp4", MediaTypeTV)

	assert.Equal(t, "Danger Mouse", f.ParsedTitle)
	assert.Equal(t, 2015, f.ParsedYear)
	assert.Equal(t, 3, f.ParsedEpisode)
}

func TestParseTVExplicitRange(t *testing.T) {
	f := parse(t, "Firebuds-S01E01-E02-Car In A Tree Dalmatian Day.mp4", MediaTypeTV)

	assert.Equal(t, "Firebuds", f.ParsedTitle)
	assert.Equal(t, 1, f.ParsedEpisode)
	assert.Equal(t, 2, f.EpisodeEnd)
	assert.True(t, f.AnthologyCandidate)
	require.Len(t, f.Segments, 1)
	assert.Equal(t, []string{"car", "in", "a", "tree", "dalmatian", "day"}, f.Segments[0].TitleTokens)
}

func TestParseTVMultipleSpans(t *testing.T) {
	f := parse(t, "Paw Patrol-S07E01-E02-Pups Save a City Kitty-E03-E04-Pups Save a Cliffhanger.mp4", MediaTypeTV)

	assert.True(t, f.AnthologyCandidate)
	require.Len(t, f.Segments, 2)
	assert.Equal(t, 1, f.Segments[0].Start)
	assert.Equal(t, 2, f.Segments[0].End)
	assert.Equal(t, 3, f.Segments[1].Start)
	assert.Equal(t, 4, f.Segments[1].End)
	assert.Equal(t, []string{"pups", "save", "a", "city", "kitty"}, f.Segments[0].TitleTokens)
}

func TestParseMovie(t *testing.T) {
	f := parse(t, "/media/movies/The Matrix (1999)/The Matrix (1999) - 1080p - BluRay.mkv", MediaTypeMovie)

	assert.Equal(t, "The Matrix", f.ParsedTitle)
	assert.Equal(t, 1999, f.ParsedYear)
}

func TestParseMovieNoYear(t *testing.T) {
	f := parse(t, "Inception.mkv", MediaTypeMovie)

	assert.Equal(t, "Inception", f.ParsedTitle)
	assert.Zero(t, f.ParsedYear)
}

func TestParseMusicLayout(t *testing.T) {
	f := parse(t, "/media/music/Daft Punk/Discovery (2001)/03 - Digital Love.mp3", MediaTypeMusic)

	assert.Equal(t, "Daft Punk", f.ParsedArtist)
	assert.Equal(t, "Discovery", f.ParsedAlbum)
	assert.Equal(t, 2001, f.ParsedYear)
	assert.Equal(t, 3, f.ParsedTrack)
	assert.Equal(t, "Digital Love", f.ParsedTitle)
}

func TestParseMusicDiscDirectory(t *testing.T) {
	f := parse(t, "/media/music/Tool/Lateralus (2001)/Disc 2/01 - The Grudge.mp3", MediaTypeMusic)

	assert.Equal(t, 2, f.ParsedDisc)
	assert.Equal(t, "Lateralus", f.ParsedAlbum)
	assert.Equal(t, 1, f.ParsedTrack)
}
