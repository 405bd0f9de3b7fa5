// SPDX-License-Identifier: MIT

package apply

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	xglog "github.com/ManuGH/namegnome-serve/internal/log"
	"github.com/ManuGH/namegnome-serve/internal/metrics"
	"github.com/ManuGH/namegnome-serve/internal/plan"
)

// Executor runs approved plans. One Executor is shared across requests; all
// per-run state lives in Run.
type Executor struct {
	Store       *cache.Store
	Collision   Strategy
	LockTimeout time.Duration

	// Owner identifies this process in lock rows, host:pid by default.
	Owner string

	// Progress, when set, receives every item outcome as it happens.
	Progress func(ItemResult)
}

func (e *Executor) owner() string {
	if e.Owner != "" {
		return e.Owner
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func (e *Executor) collision() Strategy {
	if e.Collision.Valid() {
		return e.Collision
	}
	return StrategySkip
}

// Run executes the review under root. Rename order equals review.Items
// order. Returns *LockedError when another apply holds the root.
func (e *Executor) Run(ctx context.Context, root string, review *plan.Review, mode Mode, jobID string) (*Report, error) {
	if !mode.Valid() {
		mode = ModeTransactional
	}
	logger := xglog.WithComponentFromContext(ctx, "apply")

	lock, err := acquireRootLock(ctx, e.Store, root, e.owner(), jobID, e.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.release(ctx)

	report := &Report{
		ReportID:  uuid.New().String(),
		PlanID:    review.PlanID,
		Root:      root,
		Mode:      mode,
		Collision: e.collision(),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}

	var manifest *manifestWriter
	if mode != ModeDryRun {
		manifest, err = newManifestWriter(root, ManifestHeader{
			SchemaVersion: manifestSchemaVersion,
			ReportID:      report.ReportID,
			PlanID:        review.PlanID,
			Root:          root,
			Mode:          mode,
			Collision:     report.Collision,
			CreatedAt:     report.StartedAt,
		})
		if err != nil {
			return nil, err
		}
		defer func() { _ = manifest.Close() }()
	}

	recordedMTimes := recordedMTimes(review)
	var committed []ManifestOp

	for _, item := range review.Items {
		if err := ctx.Err(); err != nil {
			e.rollbackCommitted(report, committed, mode)
			return report, err
		}

		res := e.applyItem(root, item, recordedMTimes, mode, manifest, &committed)
		report.Items = append(report.Items, res)
		metrics.ApplyItems.WithLabelValues(res.Status).Inc()
		if e.Progress != nil {
			e.Progress(res)
		}

		if res.Status == StatusFailed && mode == ModeTransactional {
			e.rollbackCommitted(report, committed, mode)
			break
		}
	}

	if mode != ModeDryRun && len(committed) > 0 && !report.RolledBack {
		report.RollbackToken = report.ReportID
		key := "rollback:" + report.ReportID
		if err := e.Store.PutKV(ctx, key, manifestPath(root, report.ReportID)); err != nil {
			logger.Warn().Err(err).Msg("rollback token not persisted")
			report.RollbackToken = ""
		}
	}

	report.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	report.Summary = summarize(report.Items)

	if mode != ModeDryRun {
		if err := persistReport(root, report); err != nil {
			logger.Warn().Err(err).Msg("report not persisted")
		}
	}

	logger.Info().
		Str(xglog.FieldEvent, "apply.done").
		Str(xglog.FieldPlanID, review.PlanID).
		Str("report_id", report.ReportID).
		Str("mode", string(mode)).
		Int("committed", report.Summary.Committed).
		Int("failed", report.Summary.Failed).
		Msg("apply finished")
	return report, nil
}

// recordedMTimes extracts the per-source mtimes captured at scan time, the
// optimistic staleness baseline.
func recordedMTimes(review *plan.Review) map[string]string {
	out := map[string]string{}
	for _, g := range review.Groups {
		if g.SrcFile.MTime != nil {
			out[g.SrcFile.Path] = *g.SrcFile.MTime
		}
	}
	return out
}

func (e *Executor) applyItem(root string, item plan.Item, mtimes map[string]string, mode Mode, manifest *manifestWriter, committed *[]ManifestOp) ItemResult {
	src := absUnder(root, item.Src.Path)
	dst := absUnder(root, item.Dst.Path)
	res := ItemResult{ItemID: item.ID, Src: src, Dst: dst}

	if src == dst {
		res.Status = StatusSkipped
		res.Reason = ReasonNoop
		return res
	}

	pre, err := statOf(src)
	if err != nil {
		res.Status = StatusStale
		res.Reason = ReasonMissingSrc
		return res
	}
	if recorded, ok := mtimes[item.Src.Path]; ok && recorded != pre.MTime {
		res.Status = StatusStale
		res.Reason = ReasonMTimeChanged
		return res
	}

	caseOnly := strings.EqualFold(src, dst)

	var backupPath string
	if !caseOnly {
		if _, err := os.Lstat(dst); err == nil {
			switch e.collision() {
			case StrategySkip:
				res.Status = StatusSkipped
				res.Reason = ReasonCollision
				return res
			case StrategyBackup:
				backupPath = backupDestination(root, dst)
				if mode != ModeDryRun {
					if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
						return failed(res, err)
					}
					if err := os.Rename(dst, backupPath); err != nil {
						return failed(res, err)
					}
				}
				res.BackupPath = backupPath
			case StrategyOverwrite:
				// os.Rename replaces dst atomically on the same device.
			}
		}
	}

	if mode == ModeDryRun {
		res.Status = StatusCommitted
		return res
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return failed(res, err)
	}
	if err := renameMaybeCaseOnly(src, dst, caseOnly); err != nil {
		if isCrossDevice(err) {
			res.Status = StatusFailed
			res.Reason = ReasonCrossDevice
			res.Error = err.Error()
			return res
		}
		return failed(res, err)
	}

	post, err := statOf(dst)
	if err != nil {
		return failed(res, err)
	}
	op := ManifestOp{
		ItemID:     item.ID,
		Src:        src,
		Dst:        dst,
		Pre:        pre,
		Post:       post,
		BackupPath: backupPath,
	}
	if err := manifest.Append(op); err != nil {
		return failed(res, err)
	}
	*committed = append(*committed, op)

	res.Status = StatusCommitted
	return res
}

// renameMaybeCaseOnly renames src to dst. Case-only renames go through a
// temporary name so they work on case-insensitive filesystems, where a
// direct rename can be a no-op.
func renameMaybeCaseOnly(src, dst string, caseOnly bool) error {
	if !caseOnly {
		return os.Rename(src, dst)
	}
	tmp := filepath.Join(filepath.Dir(dst), ".tmpcase_"+shortHex())
	if err := os.Rename(src, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		// Put the file back under its old name; never strand it under tmp.
		_ = os.Rename(tmp, src)
		return err
	}
	return nil
}

// rollbackCommitted undoes every committed rename in reverse order, in
// place, rewriting the affected item results.
func (e *Executor) rollbackCommitted(report *Report, committed []ManifestOp, mode Mode) {
	if mode == ModeDryRun || len(committed) == 0 {
		return
	}
	report.RolledBack = true

	outcomes := map[string]ItemResult{}
	for i := len(committed) - 1; i >= 0; i-- {
		outcomes[committed[i].ItemID] = undoOp(committed[i])
	}
	for i := range report.Items {
		if o, ok := outcomes[report.Items[i].ItemID]; ok {
			report.Items[i].Status = o.Status
			report.Items[i].Reason = o.Reason
		}
	}
}

// undoOp reverses one committed rename, verifying the file at dst is still
// the one the apply put there.
func undoOp(op ManifestOp) ItemResult {
	res := ItemResult{ItemID: op.ItemID, Src: op.Src, Dst: op.Dst}

	current, err := statOf(op.Dst)
	if err != nil || !sameFile(current, op.Post) {
		res.Status = StatusRollbackSkipped
		res.Reason = ReasonInodeMoved
		return res
	}
	if err := os.MkdirAll(filepath.Dir(op.Src), 0o755); err != nil {
		return failed(res, err)
	}
	if err := os.Rename(op.Dst, op.Src); err != nil {
		return failed(res, err)
	}
	if op.BackupPath != "" {
		// Best effort: put the displaced original back.
		_ = os.Rename(op.BackupPath, op.Dst)
	}
	res.Status = StatusRolledBack
	return res
}

// sameFile reports whether the file at dst is still the one recorded after
// the rename. Inode numbers are recycled after a delete, so size and mtime
// from the manifest are verified alongside.
func sameFile(current, recorded FileStat) bool {
	if recorded.Inode != 0 && current.Inode != recorded.Inode {
		return false
	}
	return current.Size == recorded.Size && current.MTime == recorded.MTime
}

func failed(res ItemResult, err error) ItemResult {
	res.Status = StatusFailed
	res.Error = err.Error()
	return res
}

func absUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

func backupDestination(root, dst string) string {
	base := filepath.Base(dst)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(root, namegnomeDir, "backups", stem+".bak"+shortHex()+ext)
}

func shortHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func summarize(items []ItemResult) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case StatusCommitted:
			s.Committed++
		case StatusSkipped:
			s.Skipped++
		case StatusStale:
			s.Stale++
		case StatusFailed:
			s.Failed++
		case StatusRolledBack, StatusRollbackSkipped:
			s.RolledBack++
		}
	}
	return s
}
