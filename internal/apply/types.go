// SPDX-License-Identifier: MIT

// Package apply executes an approved PlanReview against the filesystem:
// per-root exclusive locking, optimistic staleness checks, atomic renames
// with a durable rollback manifest, and reverse-order rollback.
package apply

import (
	"fmt"
	"time"
)

// Mode selects how failures are handled mid-run.
type Mode string

const (
	ModeDryRun          Mode = "dry_run"
	ModeTransactional   Mode = "transactional"
	ModeContinueOnError Mode = "continue_on_error"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDryRun, ModeTransactional, ModeContinueOnError:
		return true
	}
	return false
}

// Strategy selects what happens when the destination already exists.
type Strategy string

const (
	StrategySkip      Strategy = "skip"
	StrategyOverwrite Strategy = "overwrite"
	StrategyBackup    Strategy = "backup"
)

// Valid reports whether s is a known collision strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySkip, StrategyOverwrite, StrategyBackup:
		return true
	}
	return false
}

// Per-item outcome statuses.
const (
	StatusCommitted       = "committed"
	StatusSkipped         = "skipped"
	StatusStale           = "stale"
	StatusFailed          = "failed"
	StatusRolledBack      = "rolled_back"
	StatusRollbackSkipped = "rollback_skipped"
)

// Skip/failure reasons surfaced in ItemResult.Reason.
const (
	ReasonNoop         = "noop"
	ReasonCollision    = "collision_skip"
	ReasonMissingSrc   = "src_missing"
	ReasonMTimeChanged = "mtime_changed"
	ReasonCrossDevice  = "cross_device"
	ReasonInodeMoved   = "inode_moved"
)

// ItemResult is the outcome of one plan item.
type ItemResult struct {
	ItemID string `json:"item_id"`
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`

	// BackupPath is set when the backup collision strategy displaced an
	// existing destination.
	BackupPath string `json:"backup_path,omitempty"`
}

// Summary tallies a report's items by status.
type Summary struct {
	Total      int `json:"total"`
	Committed  int `json:"committed"`
	Skipped    int `json:"skipped"`
	Stale      int `json:"stale"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
}

// Report is the authoritative apply artifact.
type Report struct {
	ReportID      string       `json:"report_id"`
	PlanID        string       `json:"plan_id"`
	Root          string       `json:"root"`
	Mode          Mode         `json:"mode"`
	Collision     Strategy     `json:"collision_strategy"`
	StartedAt     string       `json:"started_at"`
	FinishedAt    string       `json:"finished_at"`
	Summary       Summary      `json:"summary"`
	Items         []ItemResult `json:"items"`
	RolledBack    bool         `json:"rolled_back"`
	RollbackToken string       `json:"rollback_token,omitempty"`
}

// Partial reports whether any item failed or went stale, which the REST
// layer maps to 207 Multi-Status.
func (r *Report) Partial() bool {
	return r.Summary.Failed > 0 || r.Summary.Stale > 0 || r.RolledBack
}

// LockedError is returned when another apply holds the root lock.
type LockedError struct {
	Owner      string
	JobID      string
	AcquiredAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("root locked by %s since %s", e.Owner, e.AcquiredAt.Format(time.RFC3339))
}

// StalePlanError is returned when the plan's source fingerprint no longer
// matches the filesystem at all (whole-plan mismatch, not per-item).
type StalePlanError struct {
	PlanID string
}

func (e *StalePlanError) Error() string {
	return "plan " + e.PlanID + " is stale: source fingerprint mismatch"
}
