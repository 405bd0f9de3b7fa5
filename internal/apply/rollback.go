// SPDX-License-Identifier: MIT

package apply

import (
	"context"
	"errors"
	"os"
	"time"

	xglog "github.com/ManuGH/namegnome-serve/internal/log"
	"github.com/ManuGH/namegnome-serve/internal/metrics"
)

// ErrUnknownRollbackToken marks a rollback request for a token that was
// never issued or whose manifest is gone.
var ErrUnknownRollbackToken = errors.New("apply: unknown rollback token")

// Rollback undoes the committed renames of a previous apply, in reverse
// execution order, under the same per-root lock. Entries whose destination
// inode no longer matches the manifest are skipped.
func (e *Executor) Rollback(ctx context.Context, token string) (*Report, error) {
	logger := xglog.WithComponentFromContext(ctx, "apply")

	path, ok, err := e.Store.GetKV(ctx, "rollback:"+token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownRollbackToken
	}

	header, ops, err := readManifest(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUnknownRollbackToken
		}
		return nil, err
	}

	lock, err := acquireRootLock(ctx, e.Store, header.Root, e.owner(), "", e.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.release(ctx)

	report := &Report{
		ReportID:   header.ReportID,
		PlanID:     header.PlanID,
		Root:       header.Root,
		Mode:       header.Mode,
		Collision:  header.Collision,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		RolledBack: true,
	}

	for i := len(ops) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := undoOp(ops[i])
		report.Items = append(report.Items, res)
		metrics.ApplyItems.WithLabelValues(res.Status).Inc()
		if e.Progress != nil {
			e.Progress(res)
		}
	}

	// The token is single-use once every entry has been processed.
	if err := e.Store.DeleteKV(ctx, "rollback:"+token); err != nil {
		logger.Warn().Err(err).Msg("rollback token not pruned")
	}

	report.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	report.Summary = summarize(report.Items)

	logger.Info().
		Str(xglog.FieldEvent, "apply.rollback").
		Str("report_id", header.ReportID).
		Int("rolled_back", report.Summary.RolledBack).
		Msg("rollback finished")
	return report, nil
}
