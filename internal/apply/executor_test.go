// SPDX-License-Identifier: MIT

package apply

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/plan"
)

func newExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := t.TempDir()
	return &Executor{Store: store, Collision: StrategySkip, LockTimeout: time.Minute, Owner: "test:1"}, root
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
}

// reviewFor builds a minimal plan over (src, dst) pairs with the current
// source mtimes recorded, the way planning captures them from the scan.
func reviewFor(t *testing.T, pairs ...[2]string) *plan.Review {
	t.Helper()
	review := &plan.Review{PlanID: "pln_test", SchemaVersion: plan.SchemaVersion}
	for i, p := range pairs {
		item := plan.Item{
			ID:  fmt.Sprintf("pli_%04d", i+1),
			Src: plan.SrcRef{Path: p[0]},
			Dst: plan.DstRef{Path: p[1]},
		}
		review.Items = append(review.Items, item)

		src := plan.SrcFile{Path: p[0]}
		if st, err := statOf(p[0]); err == nil {
			m := st.MTime
			src.MTime = &m
		}
		review.Groups = append(review.Groups, plan.Group{GroupKey: p[0], SrcFile: src, Items: []plan.Item{item}})
	}
	return review
}

func TestRunCommitsRename(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "Danger Mouse 2015-S01E01.mp4")
	writeFile(t, src)
	dst := "Danger Mouse (2015)/Season 01/Danger Mouse - S01E01 - Danger Mouse Begins Again.mp4"

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, dst}), ModeTransactional, "job1")
	require.NoError(t, err)

	require.Len(t, report.Items, 1)
	assert.Equal(t, StatusCommitted, report.Items[0].Status)
	assert.Equal(t, 1, report.Summary.Committed)
	assert.False(t, report.Partial())
	assert.NotEmpty(t, report.RollbackToken)

	assert.NoFileExists(t, src)
	assert.FileExists(t, filepath.Join(root, dst))
	assert.FileExists(t, manifestPath(root, report.ReportID))

	persisted, err := LoadReport(root, report.ReportID)
	require.NoError(t, err)
	assert.Equal(t, report.Summary, persisted.Summary)

	// Lock released on exit.
	held, err := e.Store.IsLockHeld(context.Background(), lockName(root))
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestDryRunNeverMutates(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "Show/b.mp4"}), ModeDryRun, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCommitted, report.Items[0].Status)
	assert.FileExists(t, src)
	assert.NoFileExists(t, filepath.Join(root, "Show/b.mp4"))
	assert.NoFileExists(t, manifestPath(root, report.ReportID))
	assert.Empty(t, report.RollbackToken)
}

func TestStaleItemSkipped(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)

	review := reviewFor(t, [2]string{src, "Show/b.mp4"})
	// The file changed after scanning.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	report, err := e.Run(context.Background(), root, review, ModeTransactional, "")
	require.NoError(t, err)

	assert.Equal(t, StatusStale, report.Items[0].Status)
	assert.Equal(t, ReasonMTimeChanged, report.Items[0].Reason)
	assert.True(t, report.Partial())
	assert.FileExists(t, src)
}

func TestMissingSourceIsStale(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "gone.mp4")

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "Show/b.mp4"}), ModeTransactional, "")
	require.NoError(t, err)
	assert.Equal(t, StatusStale, report.Items[0].Status)
	assert.Equal(t, ReasonMissingSrc, report.Items[0].Reason)
}

func TestIdentityDestinationIsNoop(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, src}), ModeTransactional, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, report.Items[0].Status)
	assert.Equal(t, ReasonNoop, report.Items[0].Reason)
	assert.FileExists(t, src)
}

func TestCollisionSkip(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)
	writeFile(t, filepath.Join(root, "b.mp4"))

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "b.mp4"}), ModeTransactional, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, report.Items[0].Status)
	assert.Equal(t, ReasonCollision, report.Items[0].Reason)
	assert.FileExists(t, src)
}

func TestCollisionBackupDisplacesExisting(t *testing.T) {
	e, root := newExecutor(t)
	e.Collision = StrategyBackup
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)
	existing := filepath.Join(root, "b.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0o644))

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "b.mp4"}), ModeTransactional, "")
	require.NoError(t, err)

	require.Equal(t, StatusCommitted, report.Items[0].Status)
	backup := report.Items[0].BackupPath
	require.NotEmpty(t, backup)
	assert.Contains(t, backup, filepath.Join(namegnomeDir, "backups"))

	moved, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "media", string(moved))
	displaced, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "old", string(displaced))
}

func TestCollisionOverwrite(t *testing.T) {
	e, root := newExecutor(t)
	e.Collision = StrategyOverwrite
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)
	existing := filepath.Join(root, "b.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0o644))

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "b.mp4"}), ModeTransactional, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, report.Items[0].Status)

	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "media", string(content))
}

func TestCaseOnlyRename(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "show.mp4")
	writeFile(t, src)

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "Show.mp4"}), ModeTransactional, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, report.Items[0].Status)
	assert.FileExists(t, filepath.Join(root, "Show.mp4"))

	// No temp leftovers.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, ent := range entries {
		assert.NotContains(t, ent.Name(), ".tmpcase_")
	}
}

func TestTransactionalRollsBackOnFailure(t *testing.T) {
	e, root := newExecutor(t)
	good := filepath.Join(root, "a.mp4")
	writeFile(t, good)
	bad := filepath.Join(root, "c.mp4")
	writeFile(t, bad)
	// A plain file where the second item needs a directory forces a hard
	// failure after the first commit.
	writeFile(t, filepath.Join(root, "blocker"))

	review := reviewFor(t,
		[2]string{good, "Show/a.mp4"},
		[2]string{bad, "blocker/c.mp4"},
	)
	report, err := e.Run(context.Background(), root, review, ModeTransactional, "")
	require.NoError(t, err)

	assert.True(t, report.RolledBack)
	assert.Equal(t, StatusRolledBack, report.Items[0].Status)
	assert.Equal(t, StatusFailed, report.Items[1].Status)
	assert.FileExists(t, good, "committed rename undone")
	assert.NoFileExists(t, filepath.Join(root, "Show/a.mp4"))
	assert.Empty(t, report.RollbackToken)
	assert.True(t, report.Partial())
}

func TestContinueOnErrorEmitsToken(t *testing.T) {
	e, root := newExecutor(t)
	good := filepath.Join(root, "a.mp4")
	writeFile(t, good)
	bad := filepath.Join(root, "c.mp4")
	writeFile(t, bad)
	writeFile(t, filepath.Join(root, "blocker"))

	review := reviewFor(t,
		[2]string{good, "Show/a.mp4"},
		[2]string{bad, "blocker/c.mp4"},
	)
	report, err := e.Run(context.Background(), root, review, ModeContinueOnError, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCommitted, report.Items[0].Status)
	assert.Equal(t, StatusFailed, report.Items[1].Status)
	assert.False(t, report.RolledBack)
	require.NotEmpty(t, report.RollbackToken)
	assert.FileExists(t, filepath.Join(root, "Show/a.mp4"))

	undo, err := e.Rollback(context.Background(), report.RollbackToken)
	require.NoError(t, err)
	require.Len(t, undo.Items, 1)
	assert.Equal(t, StatusRolledBack, undo.Items[0].Status)
	assert.FileExists(t, good)
	assert.NoFileExists(t, filepath.Join(root, "Show/a.mp4"))

	// Tokens are single-use.
	_, err = e.Rollback(context.Background(), report.RollbackToken)
	assert.ErrorIs(t, err, ErrUnknownRollbackToken)
}

func TestRollbackSkipsMovedInode(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "Show/a.mp4"}), ModeContinueOnError, "")
	require.NoError(t, err)
	require.NotEmpty(t, report.RollbackToken)

	// Replace the renamed file. Freed inode numbers are routinely recycled
	// by the next create, so the replacement must be caught by the recorded
	// size and mtime as well.
	dst := filepath.Join(root, "Show/a.mp4")
	require.NoError(t, os.Remove(dst))
	require.NoError(t, os.WriteFile(dst, []byte("user replacement"), 0o644))

	undo, err := e.Rollback(context.Background(), report.RollbackToken)
	require.NoError(t, err)
	require.Len(t, undo.Items, 1)
	assert.Equal(t, StatusRollbackSkipped, undo.Items[0].Status)
	assert.Equal(t, ReasonInodeMoved, undo.Items[0].Reason)
	blob, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "user replacement", string(blob), "replaced file untouched")
	assert.NoFileExists(t, src)
}

func TestSecondApplySeesLocked(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)

	lock, err := acquireRootLock(context.Background(), e.Store, root, "other:99", "job42", time.Minute)
	require.NoError(t, err)
	defer lock.release(context.Background())

	_, err = e.Run(context.Background(), root, reviewFor(t, [2]string{src, "b.mp4"}), ModeTransactional, "")
	var le *LockedError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "other:99", le.Owner)
	assert.Equal(t, "job42", le.JobID)
	assert.False(t, le.AcquiredAt.IsZero())
	assert.FileExists(t, src, "no mutation while locked")
}

func TestOrphanedLockRecovered(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)

	e.LockTimeout = 50 * time.Millisecond
	stale, err := acquireRootLock(context.Background(), e.Store, root, "dead:1", "", time.Minute)
	require.NoError(t, err)
	_ = stale // never released; simulates a crashed apply

	time.Sleep(80 * time.Millisecond)

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "b.mp4"}), ModeTransactional, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, report.Items[0].Status)
}

func TestManifestSurvivesTornTrailingLine(t *testing.T) {
	e, root := newExecutor(t)
	src := filepath.Join(root, "a.mp4")
	writeFile(t, src)

	report, err := e.Run(context.Background(), root, reviewFor(t, [2]string{src, "Show/a.mp4"}), ModeContinueOnError, "")
	require.NoError(t, err)

	path := manifestPath(root, report.ReportID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"item_id":"pli_9`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, ops, err := readManifest(path)
	require.NoError(t, err)
	assert.Len(t, ops, 1, "torn line dropped, synced ops kept")
}
