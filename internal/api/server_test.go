// SPDX-License-Identifier: MIT

package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/namegnome-serve/internal/api"
	"github.com/ManuGH/namegnome-serve/internal/apply"
	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/config"
	"github.com/ManuGH/namegnome-serve/internal/disambig"
	"github.com/ManuGH/namegnome-serve/internal/plan"
	"github.com/ManuGH/namegnome-serve/internal/provider"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

type fakeTVDB struct {
	search   []provider.Candidate
	detail   *provider.Candidate
	episodes []cache.Episode
}

func (f *fakeTVDB) Name() string { return "tvdb" }

func (f *fakeTVDB) Search(context.Context, provider.SearchQuery) ([]provider.Candidate, error) {
	return f.search, nil
}

func (f *fakeTVDB) Fetch(context.Context, string, scan.MediaType) (*provider.Candidate, error) {
	if f.detail == nil {
		return nil, provider.ErrNotFound
	}
	return f.detail, nil
}

func (f *fakeTVDB) ListChildren(context.Context, string, scan.MediaType) (*provider.Children, error) {
	return &provider.Children{Episodes: f.episodes}, nil
}

func dangerMouse() *fakeTVDB {
	return &fakeTVDB{
		search: []provider.Candidate{
			{Provider: "tvdb", ExtID: "78981", Title: "Danger Mouse", Year: 2015, MediaType: scan.MediaTypeTV},
		},
		detail: &provider.Candidate{Provider: "tvdb", ExtID: "78981", Title: "Danger Mouse", Year: 2015, MediaType: scan.MediaTypeTV},
		episodes: []cache.Episode{
			{Provider: "tvdb", SeriesID: "78981", Season: 1, Episode: 1, Title: "Danger Mouse Begins Again"},
		},
	}
}

func newTestServer(t *testing.T, client provider.Client) (*httptest.Server, *cache.Store) {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pc := config.ProviderConfig{MaxAttempts: 1, BackoffBase: time.Millisecond}
	cfg := config.AppConfig{
		Providers:         map[string]config.ProviderConfig{"tvdb": pc},
		CollisionStrategy: "skip",
		LockTimeout:       time.Minute,
		PlanParallelism:   2,
	}

	planner := &plan.Planner{
		Gateway:  provider.NewWithClients(store, cfg, client),
		Store:    store,
		Ledger:   disambig.NewLedger(store),
		Parallel: 2,
	}
	srv := httptest.NewServer(api.NewWithPlanner(cfg, store, planner).Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	blob, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(blob))
	require.NoError(t, err)
	return res
}

func decodeBody(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer func() { _ = res.Body.Close() }()
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

func seedLibrary(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "Danger Mouse (2015)", "Season 01",
		"Danger Mouse 2015-S01E01-Danger Mouse Begins Again.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
	return root
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]string
	decodeBody(t, res, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestScanPlanApplyFlow(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	root := seedLibrary(t)

	res := postJSON(t, srv.URL+"/scan", map[string]any{"root": root, "media_type": "tv"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	jobID := res.Header.Get("X-Namegnome-Job")
	assert.NotEmpty(t, jobID)
	var snap scan.Snapshot
	decodeBody(t, res, &snap)
	require.Equal(t, 1, snap.FileCount)

	res = postJSON(t, srv.URL+"/plan", map[string]any{"scan_id": snap.ScanID})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var review plan.Review
	decodeBody(t, res, &review)
	require.Len(t, review.Items, 1)
	assert.Equal(t, 1.0, review.Items[0].Confidence)
	assert.Equal(t,
		"Danger Mouse (2015)/Season 01/Danger Mouse - S01E01 - Danger Mouse Begins Again.mp4",
		review.Items[0].Dst.Path)

	// Plans are retrievable by id.
	got, err := http.Get(srv.URL + "/plans/" + review.PlanID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	_ = got.Body.Close()

	// Dry run first: no mutation.
	res = postJSON(t, srv.URL+"/apply", map[string]any{"plan_id": review.PlanID, "mode": "dry_run"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	_ = res.Body.Close()
	assert.FileExists(t, filepath.Join(root, "Danger Mouse (2015)", "Season 01",
		"Danger Mouse 2015-S01E01-Danger Mouse Begins Again.mp4"))

	res = postJSON(t, srv.URL+"/apply", map[string]any{"plan_id": review.PlanID})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var report apply.Report
	decodeBody(t, res, &report)
	assert.Equal(t, 1, report.Summary.Committed)
	assert.FileExists(t, filepath.Join(root, review.Items[0].Dst.Path))
}

func TestPlanUnknownScan(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	res := postJSON(t, srv.URL+"/plan", map[string]any{"scan_id": "scn_missing"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	_ = res.Body.Close()
}

func TestDisambiguationFlow(t *testing.T) {
	ambiguous := dangerMouse()
	ambiguous.search = []provider.Candidate{
		{Provider: "tvdb", ExtID: "77137", Title: "Danger Mouse", Year: 1981, MediaType: scan.MediaTypeTV},
		{Provider: "tvdb", ExtID: "78981", Title: "Danger Mouse", Year: 2015, MediaType: scan.MediaTypeTV},
	}
	srv, _ := newTestServer(t, ambiguous)

	// No year hint anywhere in the library layout.
	root := t.TempDir()
	path := filepath.Join(root, "Danger Mouse", "Season 01", "Danger Mouse-S01E01-Danger Mouse Begins Again.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	res := postJSON(t, srv.URL+"/scan", map[string]any{"root": root, "media_type": "tv"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var snap scan.Snapshot
	decodeBody(t, res, &snap)

	res = postJSON(t, srv.URL+"/plan", map[string]any{"scan_id": snap.ScanID})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	var conflict struct {
		Status     string               `json:"status"`
		Token      string               `json:"disambiguation_token"`
		Candidates []provider.Candidate `json:"candidates"`
	}
	decodeBody(t, res, &conflict)
	assert.Equal(t, "disambiguation_required", conflict.Status)
	require.Len(t, conflict.Candidates, 2)
	require.NotEmpty(t, conflict.Token)

	res = postJSON(t, srv.URL+"/disambiguate", map[string]any{
		"token":     conflict.Token,
		"choice_id": "78981",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	_ = res.Body.Close()

	// Re-plan uses the persisted decision and no longer prompts.
	res = postJSON(t, srv.URL+"/plan", map[string]any{"scan_id": snap.ScanID})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var review plan.Review
	decodeBody(t, res, &review)
	require.Len(t, review.Items, 1)
	assert.Equal(t, "78981", review.Items[0].Sources[0].ID)
}

func TestDisambiguateUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	res := postJSON(t, srv.URL+"/disambiguate", map[string]any{"token": "dsk_missing", "choice_id": "1"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	_ = res.Body.Close()
}

func TestApplyLockedRoot(t *testing.T) {
	srv, store := newTestServer(t, dangerMouse())
	root := seedLibrary(t)

	res := postJSON(t, srv.URL+"/scan", map[string]any{"root": root, "media_type": "tv"})
	var snap scan.Snapshot
	decodeBody(t, res, &snap)
	res = postJSON(t, srv.URL+"/plan", map[string]any{"scan_id": snap.ScanID})
	var review plan.Review
	decodeBody(t, res, &review)

	// Another apply holds the root.
	_, ok, err := store.AcquireLock(context.Background(), "apply:"+filepath.Clean(root), "other:42", 0)
	require.NoError(t, err)
	require.True(t, ok)

	res = postJSON(t, srv.URL+"/apply", map[string]any{"plan_id": review.PlanID})
	require.Equal(t, http.StatusLocked, res.StatusCode)
	var locked struct {
		Error      string `json:"error"`
		Owner      string `json:"owner"`
		AcquiredAt string `json:"acquired_at"`
	}
	decodeBody(t, res, &locked)
	assert.Equal(t, "locked", locked.Error)
	assert.Equal(t, "other:42", locked.Owner)
	assert.NotEmpty(t, locked.AcquiredAt)

	// Nothing moved.
	assert.FileExists(t, filepath.Join(root, "Danger Mouse (2015)", "Season 01",
		"Danger Mouse 2015-S01E01-Danger Mouse Begins Again.mp4"))
}

func TestApplyStalePlan(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	root := seedLibrary(t)

	res := postJSON(t, srv.URL+"/scan", map[string]any{"root": root, "media_type": "tv"})
	var snap scan.Snapshot
	decodeBody(t, res, &snap)
	res = postJSON(t, srv.URL+"/plan", map[string]any{"scan_id": snap.ScanID})
	var review plan.Review
	decodeBody(t, res, &review)

	// Every source changes after planning.
	src := filepath.Join(root, "Danger Mouse (2015)", "Season 01",
		"Danger Mouse 2015-S01E01-Danger Mouse Begins Again.mp4")
	future := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	res = postJSON(t, srv.URL+"/apply", map[string]any{"plan_id": review.PlanID})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, res, &body)
	assert.Equal(t, "stale_plan", body.Error)
	assert.FileExists(t, src)
}

func TestRollbackEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	root := seedLibrary(t)

	res := postJSON(t, srv.URL+"/scan", map[string]any{"root": root, "media_type": "tv"})
	var snap scan.Snapshot
	decodeBody(t, res, &snap)
	res = postJSON(t, srv.URL+"/plan", map[string]any{"scan_id": snap.ScanID})
	var review plan.Review
	decodeBody(t, res, &review)

	res = postJSON(t, srv.URL+"/apply", map[string]any{"plan_id": review.PlanID, "mode": "continue_on_error"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var report apply.Report
	decodeBody(t, res, &report)
	require.NotEmpty(t, report.RollbackToken)

	res = postJSON(t, srv.URL+"/rollback", map[string]any{"rollback_token": report.RollbackToken})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var undo apply.Report
	decodeBody(t, res, &undo)
	assert.Equal(t, 1, undo.Summary.RolledBack)

	assert.FileExists(t, filepath.Join(root, "Danger Mouse (2015)", "Season 01",
		"Danger Mouse 2015-S01E01-Danger Mouse Begins Again.mp4"))
}

func TestRollbackUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	res := postJSON(t, srv.URL+"/rollback", map[string]any{"rollback_token": "nope"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	_ = res.Body.Close()
}

func TestJobStatusAndEvents(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	root := seedLibrary(t)

	res := postJSON(t, srv.URL+"/scan", map[string]any{"root": root, "media_type": "tv", "async": true})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	var accepted map[string]string
	decodeBody(t, res, &accepted)
	jobID := accepted["job_id"]
	require.NotEmpty(t, jobID)

	// The events stream terminates with a done event even for subscribers
	// arriving after the job finished.
	stream, err := http.Get(srv.URL + "/jobs/" + jobID + "/events")
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	sawDone := false
	scanner := bufio.NewScanner(stream.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for !sawDone {
		select {
		case line, open := <-lines:
			if !open {
				t.Fatal("stream closed without done event")
			}
			if strings.HasPrefix(line, "event: done") {
				sawDone = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for done event")
		}
	}

	status, err := http.Get(srv.URL + "/jobs/" + jobID + "/status")
	require.NoError(t, err)
	var job struct {
		State string `json:"state"`
		Kind  string `json:"kind"`
	}
	decodeBody(t, status, &job)
	assert.Equal(t, "done", job.State)
	assert.Equal(t, "scan", job.Kind)
}

func TestUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	res, err := http.Get(srv.URL + "/jobs/job_missing/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	_ = res.Body.Close()

	res, err = http.Get(srv.URL + "/jobs/job_missing/events")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	_ = res.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	_ = res.Body.Close()
}

func TestScanValidation(t *testing.T) {
	srv, _ := newTestServer(t, dangerMouse())
	res := postJSON(t, srv.URL+"/scan", map[string]any{"root": "", "media_type": "vhs"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	_ = res.Body.Close()

	res = postJSON(t, srv.URL+"/apply", map[string]any{"plan_id": "pln_x", "mode": "yolo"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	_ = res.Body.Close()
}
