// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/namegnome-serve/internal/scan"
)

func TestTVDBLoginAndSearch(t *testing.T) {
	logins := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			logins++
			w.Write([]byte(`{"data":{"token":"jwt-abc"}}`))
		case "/search":
			require.Equal(t, "Bearer jwt-abc", r.Header.Get("Authorization"))
			assert.Equal(t, "Danger Mouse", r.URL.Query().Get("query"))
			assert.Equal(t, "series", r.URL.Query().Get("type"))
			w.Write([]byte(`{"data":[
				{"tvdb_id":"78981","name":"Danger Mouse","year":"2015"},
				{"tvdb_id":"77137","name":"Danger Mouse","year":"1981"}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewTVDB(srv.URL, "key", 5*time.Second)
	got, err := c.Search(context.Background(), SearchQuery{MediaType: scan.MediaTypeTV, Title: "Danger Mouse"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "78981", got[0].ExtID)
	assert.Equal(t, 2015, got[0].Year)

	// Second call reuses the cached token.
	_, err = c.Search(context.Background(), SearchQuery{MediaType: scan.MediaTypeTV, Title: "Danger Mouse"})
	require.NoError(t, err)
	assert.Equal(t, 1, logins)
}

func TestTVDBEpisodePaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/login":
			w.Write([]byte(`{"data":{"token":"jwt"}}`))
		case r.URL.Path == "/series/78981/episodes/default" && r.URL.Query().Get("page") == "0":
			w.Write([]byte(`{"data":{"episodes":[
				{"seasonNumber":1,"number":1,"name":"Danger Mouse Begins Again","aired":"2015-09-28"}
			]},"links":{"next":"page=1"}}`))
		case r.URL.Path == "/series/78981/episodes/default" && r.URL.Query().Get("page") == "1":
			w.Write([]byte(`{"data":{"episodes":[
				{"seasonNumber":1,"number":2,"name":"Greenfinger","aired":"2015-09-29"}
			]},"links":{}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewTVDB(srv.URL, "key", 5*time.Second)
	children, err := c.ListChildren(context.Background(), "78981", scan.MediaTypeTV)
	require.NoError(t, err)
	require.Len(t, children.Episodes, 2)
	assert.Equal(t, "Greenfinger", children.Episodes[1].Title)
}

func TestTMDBSearchAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "k", r.URL.Query().Get("api_key"))
		switch r.URL.Path {
		case "/search/movie":
			w.Write([]byte(`{"results":[{"id":603,"title":"The Matrix","release_date":"1999-03-31"}]}`))
		case "/movie/603":
			w.Write([]byte(`{"id":603,"title":"The Matrix","release_date":"1999-03-31"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewTMDB(srv.URL, "k", 5*time.Second)
	got, err := c.Search(context.Background(), SearchQuery{MediaType: scan.MediaTypeMovie, Title: "The Matrix", Year: 1999})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "603", got[0].ExtID)
	assert.Equal(t, 1999, got[0].Year)

	detail, err := c.Fetch(context.Background(), "603", scan.MediaTypeMovie)
	require.NoError(t, err)
	assert.Equal(t, "The Matrix", detail.Title)
}

func TestMusicBrainzTracksByDisc(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"media":[
			{"position":1,"tracks":[{"position":1,"title":"One More Time"}]},
			{"position":2,"tracks":[{"position":1,"title":"Digital Love"}]}
		]}`))
	}))
	defer srv.Close()

	c := NewMusicBrainz(srv.URL, 5*time.Second)
	children, err := c.ListChildren(context.Background(), "rel-1", scan.MediaTypeMusic)
	require.NoError(t, err)
	require.Len(t, children.Tracks, 2)
	assert.Equal(t, 1, children.Tracks[0].Disc)
	assert.Equal(t, 2, children.Tracks[1].Disc)
}

func TestOMDBFalseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("s") != "" {
			w.Write([]byte(`{"Response":"False","Error":"Movie not found!"}`))
			return
		}
		w.Write([]byte(`{"Response":"False"}`))
	}))
	defer srv.Close()

	c := NewOMDB(srv.URL, "k", 5*time.Second)
	got, err := c.Search(context.Background(), SearchQuery{MediaType: scan.MediaTypeMovie, Title: "Nope"})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = c.Fetch(context.Background(), "tt000", scan.MediaTypeMovie)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTVmazeYearFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"show":{"id":210,"name":"Danger Mouse","premiered":"2015-09-28"}},
			{"show":{"id":211,"name":"Danger Mouse","premiered":"1981-09-28"}}
		]`))
	}))
	defer srv.Close()

	c := NewTVmaze(srv.URL, 5*time.Second)
	got, err := c.Search(context.Background(), SearchQuery{MediaType: scan.MediaTypeTV, Title: "Danger Mouse", Year: 2015})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "210", got[0].ExtID)
}

func TestHTTPClientStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/throttled":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := newHTTPClient("test", srv.URL, 5*time.Second)

	err := c.getJSON(context.Background(), "/missing", nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.getJSON(context.Background(), "/throttled", nil, nil, nil)
	var he *httpError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTooManyRequests, he.Status)
	assert.Equal(t, 30*time.Second, he.RetryAfter)
	assert.True(t, retryable(err))

	err = c.getJSON(context.Background(), "/boom", nil, nil, nil)
	require.ErrorAs(t, err, &he)
	assert.True(t, retryable(err))
}
