// SPDX-License-Identifier: MIT

package plan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

func assistEpisodes() []cache.Episode {
	return []cache.Episode{
		{Provider: "tvdb", SeriesID: "s", Season: 1, Episode: 1, Title: "Alpha"},
		{Provider: "tvdb", SeriesID: "s", Season: 1, Episode: 2, Title: "Beta"},
		{Provider: "tvdb", SeriesID: "s", Season: 1, Episode: 3, Title: "Gamma"},
	}
}

func TestParseAssistResponseValid(t *testing.T) {
	raw := `{"groups":[{"season":1,"episodes":[1,2],"titles":["Alpha","Beta"],"confidence":0.92}]}`
	groups, err := parseAssistResponse(raw, assistEpisodes(), 1)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []int{1, 2}, groups[0].Episodes)
	assert.Equal(t, 0.92, groups[0].Confidence)
}

func TestParseAssistResponseRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `groups: nope`},
		{"empty groups", `{"groups":[]}`},
		{"no episodes", `{"groups":[{"season":1,"episodes":[],"titles":[],"confidence":0.5}]}`},
		{"title length mismatch", `{"groups":[{"season":1,"episodes":[1,2],"titles":["Alpha"],"confidence":0.5}]}`},
		{"confidence above one", `{"groups":[{"season":1,"episodes":[1],"titles":["Alpha"],"confidence":1.5}]}`},
		{"negative confidence", `{"groups":[{"season":1,"episodes":[1],"titles":["Alpha"],"confidence":-0.1}]}`},
		{"unknown episode", `{"groups":[{"season":1,"episodes":[9],"titles":["Nope"],"confidence":0.5}]}`},
		{"not ascending", `{"groups":[{"season":1,"episodes":[2,1],"titles":["Beta","Alpha"],"confidence":0.5}]}`},
		{"duplicate episode", `{"groups":[{"season":1,"episodes":[1,1],"titles":["Alpha","Alpha"],"confidence":0.5}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseAssistResponse(tc.raw, assistEpisodes(), 1)
			var sv *SchemaViolationError
			require.ErrorAs(t, err, &sv)
		})
	}
}

func TestParseAssistResponseIgnoresOtherSeasons(t *testing.T) {
	episodes := append(assistEpisodes(), cache.Episode{
		Provider: "tvdb", SeriesID: "s", Season: 2, Episode: 7, Title: "Other",
	})
	_, err := parseAssistResponse(
		`{"groups":[{"season":1,"episodes":[7],"titles":["Other"],"confidence":0.5}]}`,
		episodes, 1)
	var sv *SchemaViolationError
	require.ErrorAs(t, err, &sv, "episodes outside the file's season are unknown")
}

// streamChunks writes the response split into line-delimited generate
// chunks, the way Ollama streams tokens.
func streamChunks(w http.ResponseWriter, pieces ...string) {
	enc := json.NewEncoder(w)
	for _, p := range pieces {
		_ = enc.Encode(ollamaChunk{Response: p})
	}
	_ = enc.Encode(ollamaChunk{Done: true})
}

func TestRegroupAgainstStubEndpoint(t *testing.T) {
	inner := `{"groups":[{"season":1,"episodes":[1,2],"titles":["Alpha","Beta"],"confidence":0.9}]}`
	var gotReq ollamaRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		streamChunks(w, inner[:20], inner[20:])
	}))
	defer srv.Close()

	client := NewAssistClient(srv.URL, "llama3", 5*time.Second)
	file := scan.MediaFile{Path: "/tv/x.mp4", ParsedSeason: 1, Segments: []scan.Segment{{Start: 1, End: 2}}}

	groups, err := client.Regroup(context.Background(), file, nil, assistEpisodes())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []int{1, 2}, groups[0].Episodes)

	assert.Equal(t, "llama3", gotReq.Model)
	assert.Equal(t, "json", gotReq.Format)
	assert.True(t, gotReq.Stream)
	assert.Contains(t, gotReq.Prompt, "canonical")
}

func TestRegroupForwardsStreamedTokens(t *testing.T) {
	inner := `{"groups":[{"season":1,"episodes":[1],"titles":["Alpha"],"confidence":0.8}]}`
	pieces := []string{inner[:10], inner[10:30], inner[30:]}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		streamChunks(w, pieces...)
	}))
	defer srv.Close()

	var tokens []string
	ctx := WithTokenSink(context.Background(), func(tok string) {
		tokens = append(tokens, tok)
	})

	client := NewAssistClient(srv.URL, "llama3", 5*time.Second)
	groups, err := client.Regroup(ctx, scan.MediaFile{ParsedSeason: 1}, nil, assistEpisodes())
	require.NoError(t, err)
	require.Len(t, groups, 1)

	// Every chunk arrives as its own token, in order, and concatenates back
	// to the full response.
	assert.Equal(t, pieces, tokens)
	assert.Equal(t, inner, strings.Join(tokens, ""))
}

func TestRegroupSchemaViolationFromEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		streamChunks(w, `{"groups":[]}`)
	}))
	defer srv.Close()

	client := NewAssistClient(srv.URL, "llama3", 5*time.Second)
	_, err := client.Regroup(context.Background(), scan.MediaFile{ParsedSeason: 1}, nil, assistEpisodes())
	var sv *SchemaViolationError
	require.ErrorAs(t, err, &sv)
}

func TestRegroupEndpointDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewAssistClient(srv.URL, "llama3", time.Second)
	_, err := client.Regroup(context.Background(), scan.MediaFile{ParsedSeason: 1}, nil, assistEpisodes())
	require.Error(t, err)
	var sv *SchemaViolationError
	assert.False(t, errors.As(err, &sv), "transport failures are not schema violations")
}
