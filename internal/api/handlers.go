// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/namegnome-serve/internal/apply"
	"github.com/ManuGH/namegnome-serve/internal/jobs"
	xglog "github.com/ManuGH/namegnome-serve/internal/log"
	"github.com/ManuGH/namegnome-serve/internal/plan"
	"github.com/ManuGH/namegnome-serve/internal/scan"
	"github.com/ManuGH/namegnome-serve/internal/version"
)

// jobHeader carries the job id of synchronous requests, so clients can
// still fetch the event log afterwards.
const jobHeader = "X-Namegnome-Job"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

type scanRequest struct {
	Root      string `json:"root"`
	MediaType string `json:"media_type"`
	WithHash  bool   `json:"with_hash,omitempty"`
	Async     bool   `json:"async,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		return
	}
	mt := scan.MediaType(req.MediaType)
	if req.Root == "" || !mt.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation", "root and a valid media_type are required")
		return
	}

	h := s.jobs.Start(jobs.KindScan)
	run := func(ctx context.Context) (*scan.Snapshot, error) {
		ctx = xglog.ContextWithJobID(ctx, h.ID)
		snap, err := scan.Run(ctx, req.Root, mt, scan.Options{WithHash: req.WithHash})
		if err != nil {
			return nil, err
		}
		if err := s.putSnapshot(ctx, snap); err != nil {
			return nil, err
		}
		h.Progress(snap.FileCount, snap.FileCount, "scanned")
		return snap, nil
	}

	if req.Async {
		go func() {
			if snap, err := run(context.Background()); err != nil {
				h.Fail(err)
			} else {
				h.Done(snap)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": h.ID})
		return
	}

	snap, err := run(r.Context())
	if err != nil {
		h.Fail(err)
		writeError(w, http.StatusUnprocessableEntity, "scan_failed", err.Error())
		return
	}
	h.Done(snap)
	w.Header().Set(jobHeader, h.ID)
	writeJSON(w, http.StatusOK, snap)
}

type planRequest struct {
	ScanID    string `json:"scan_id"`
	Anthology bool   `json:"anthology,omitempty"`
	Provider  string `json:"provider,omitempty"`
	ExtID     string `json:"ext_id,omitempty"`
	Async     bool   `json:"async,omitempty"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		return
	}
	if req.ScanID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "scan_id is required")
		return
	}

	snap, ok, err := s.getSnapshot(r.Context(), req.ScanID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_scan", "scan "+req.ScanID+" not found")
		return
	}

	h := s.jobs.Start(jobs.KindPlan)
	run := func(ctx context.Context) (*plan.Review, error) {
		ctx = xglog.ContextWithJobID(ctx, h.ID)
		ctx = plan.WithTokenSink(ctx, h.LLMToken)
		h.Progress(0, snap.FileCount, "planning")
		review, err := s.planner.Build(ctx, snap, plan.Options{
			Anthology:   req.Anthology,
			PinProvider: req.Provider,
			PinExtID:    req.ExtID,
		})
		if err != nil {
			return nil, err
		}
		for _, note := range review.Notes {
			h.Warning(note)
		}
		if err := s.putPlan(ctx, snap.Root, review); err != nil {
			return nil, err
		}
		h.Progress(snap.FileCount, snap.FileCount, "planned")
		return review, nil
	}

	if req.Async {
		go func() {
			if review, err := run(context.Background()); err != nil {
				h.Fail(err)
			} else {
				h.Done(review)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": h.ID})
		return
	}

	review, err := run(r.Context())
	if err != nil {
		h.Fail(err)
		writeMappedError(w, err)
		return
	}
	h.Done(review)
	w.Header().Set(jobHeader, h.ID)
	writeJSON(w, http.StatusOK, review)
}

type disambiguateRequest struct {
	Token    string `json:"token"`
	ChoiceID string `json:"choice_id"`
}

func (s *Server) handleDisambiguate(w http.ResponseWriter, r *http.Request) {
	var req disambiguateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		return
	}
	if req.Token == "" || req.ChoiceID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "token and choice_id are required")
		return
	}

	pending, err := s.ledger.Resolve(r.Context(), req.Token, req.ChoiceID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "resolved",
		"token":     pending.Token,
		"choice_id": req.ChoiceID,
	})
}

type applyRequest struct {
	PlanID    string `json:"plan_id"`
	Mode      string `json:"mode,omitempty"`
	Collision string `json:"collision_strategy,omitempty"`
	Async     bool   `json:"async,omitempty"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "plan_id is required")
		return
	}
	mode := apply.Mode(req.Mode)
	if req.Mode == "" {
		mode = apply.ModeTransactional
	}
	if !mode.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation", "unknown mode "+req.Mode)
		return
	}
	collision := apply.Strategy(req.Collision)
	if req.Collision != "" && !collision.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation", "unknown collision_strategy "+req.Collision)
		return
	}

	stored, ok, err := s.getPlan(r.Context(), req.PlanID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_plan", "plan "+req.PlanID+" not found")
		return
	}
	if planIsStale(stored.Review) {
		writeMappedError(w, &apply.StalePlanError{PlanID: req.PlanID})
		return
	}

	h := s.jobs.Start(jobs.KindApply)
	exec := s.executor(collision, applyProgress(h, len(stored.Review.Items)))

	run := func(ctx context.Context) (*apply.Report, error) {
		ctx = xglog.ContextWithJobID(ctx, h.ID)
		return exec.Run(ctx, stored.Root, stored.Review, mode, h.ID)
	}

	if req.Async {
		go func() {
			if report, err := run(context.Background()); err != nil {
				h.Fail(err)
			} else {
				h.Done(report)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": h.ID})
		return
	}

	report, err := run(r.Context())
	if err != nil {
		h.Fail(err)
		writeMappedError(w, err)
		return
	}
	h.Done(report)
	w.Header().Set(jobHeader, h.ID)
	code := http.StatusOK
	if report.Partial() {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, report)
}

// applyProgress adapts executor item outcomes to job events.
func applyProgress(h *jobs.Handle, total int) func(apply.ItemResult) {
	done := 0
	return func(res apply.ItemResult) {
		done++
		h.Progress(done, total, res.Status)
		if res.Status == apply.StatusFailed || res.Status == apply.StatusStale {
			h.Warning(fmt.Sprintf("%s: %s", res.ItemID, res.Status))
		}
	}
}

type rollbackRequest struct {
	RollbackToken string `json:"rollback_token"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", err.Error())
		return
	}
	if req.RollbackToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "rollback_token is required")
		return
	}

	h := s.jobs.Start(jobs.KindRollback)
	exec := s.executor("", applyProgress(h, 0))
	report, err := exec.Rollback(xglog.ContextWithJobID(r.Context(), h.ID), req.RollbackToken)
	if err != nil {
		h.Fail(err)
		writeMappedError(w, err)
		return
	}
	h.Done(report)
	w.Header().Set(jobHeader, h.ID)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	stored, ok, err := s.getPlan(r.Context(), planID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_plan", "plan "+planID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, stored.Review)
}

// Snapshot and plan artifacts live in the cache kv table, keyed by their
// public identifiers.

func (s *Server) putSnapshot(ctx context.Context, snap *scan.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.store.PutKV(ctx, "scan:"+snap.ScanID, string(blob))
}

func (s *Server) getSnapshot(ctx context.Context, scanID string) (*scan.Snapshot, bool, error) {
	raw, ok, err := s.store.GetKV(ctx, "scan:"+scanID)
	if err != nil || !ok {
		return nil, false, err
	}
	var snap scan.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

// storedPlan binds a review to the root it was planned against.
type storedPlan struct {
	Root   string       `json:"root"`
	Review *plan.Review `json:"review"`
}

// putPlan persists the review in canonical bytes, so re-planning the same
// snapshot overwrites the row with an identical value.
func (s *Server) putPlan(ctx context.Context, root string, review *plan.Review) error {
	canonical, err := plan.MarshalCanonical(review)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(struct {
		Root   string          `json:"root"`
		Review json.RawMessage `json:"review"`
	}{Root: root, Review: canonical})
	if err != nil {
		return err
	}
	return s.store.PutKV(ctx, "plan:"+review.PlanID, string(blob))
}

func (s *Server) getPlan(ctx context.Context, planID string) (*storedPlan, bool, error) {
	raw, ok, err := s.store.GetKV(ctx, "plan:"+planID)
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedPlan
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, false, err
	}
	return &stored, true, nil
}

// planIsStale decides whether the whole plan must be rejected. A matching
// re-fingerprint proves every source is untouched; anything else falls to
// the per-file walk, which separates a fully stale plan from routine
// per-item churn the executor skips on its own.
func planIsStale(review *plan.Review) bool {
	paths := make([]string, 0, len(review.Groups))
	for _, g := range review.Groups {
		paths = append(paths, g.SrcFile.Path)
	}
	if len(paths) > 0 && scan.FingerprintPaths(paths) == review.SourceFingerprint {
		return false
	}
	return allSourcesStale(review)
}

// allSourcesStale reports whether every planned source file has changed or
// disappeared since scanning. Partial staleness is handled per item by the
// executor; a fully stale plan is rejected up front.
func allSourcesStale(review *plan.Review) bool {
	if len(review.Groups) == 0 {
		return false
	}
	for _, g := range review.Groups {
		info, err := os.Stat(g.SrcFile.Path)
		if err != nil {
			continue
		}
		if g.SrcFile.MTime == nil {
			return false
		}
		if info.ModTime().UTC().Format(time.RFC3339) == *g.SrcFile.MTime {
			return false
		}
	}
	return true
}
