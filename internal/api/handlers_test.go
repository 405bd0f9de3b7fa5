// SPDX-License-Identifier: MIT

package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/namegnome-serve/internal/plan"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

func reviewFor(t *testing.T, paths ...string) *plan.Review {
	t.Helper()
	r := &plan.Review{SourceFingerprint: scan.FingerprintPaths(paths)}
	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		m := info.ModTime().UTC().Format(time.RFC3339)
		r.Groups = append(r.Groups, plan.Group{SrcFile: plan.SrcFile{Path: p, MTime: &m}})
	}
	return r
}

func TestPlanIsStaleFreshSources(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(p, []byte("media"), 0o644))

	assert.False(t, planIsStale(reviewFor(t, p)))
}

func TestPlanIsStaleAllSourcesGone(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(p, []byte("media"), 0o644))

	review := reviewFor(t, p)
	require.NoError(t, os.Remove(p))
	assert.True(t, planIsStale(review))
}

func TestPlanIsStalePartialChurnSurvives(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp4")
	b := filepath.Join(dir, "b.mp4")
	require.NoError(t, os.WriteFile(a, []byte("media"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("media"), 0o644))

	review := reviewFor(t, a, b)
	require.NoError(t, os.Remove(b))
	assert.False(t, planIsStale(review), "one surviving source keeps the plan runnable")
}
