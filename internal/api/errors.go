// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/apply"
	"github.com/ManuGH/namegnome-serve/internal/disambig"
	"github.com/ManuGH/namegnome-serve/internal/provider"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the stable machine-readable error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, code int, machine, detail string) {
	writeJSON(w, code, errorBody{Error: machine, Detail: detail})
}

// disambiguationBody is the 409 response raised by ambiguous planning.
type disambiguationBody struct {
	Status     string               `json:"status"`
	Token      string               `json:"disambiguation_token"`
	Field      string               `json:"field"`
	Candidates []provider.Candidate `json:"candidates"`
	Suggested  string               `json:"suggested,omitempty"`
}

// lockedBody is the 423 response for a held apply root.
type lockedBody struct {
	Error       string `json:"error"`
	Owner       string `json:"owner"`
	ActiveJobID string `json:"active_job_id,omitempty"`
	AcquiredAt  string `json:"acquired_at"`
}

// writeMappedError maps domain errors to their HTTP contract; anything
// unrecognized becomes a 500.
func writeMappedError(w http.ResponseWriter, err error) {
	var re *disambig.RequiredError
	if errors.As(err, &re) {
		writeJSON(w, http.StatusConflict, disambiguationBody{
			Status:     "disambiguation_required",
			Token:      re.Token,
			Field:      re.Field,
			Candidates: re.Candidates,
			Suggested:  re.Suggested,
		})
		return
	}

	var le *apply.LockedError
	if errors.As(err, &le) {
		writeJSON(w, http.StatusLocked, lockedBody{
			Error:       "locked",
			Owner:       le.Owner,
			ActiveJobID: le.JobID,
			AcquiredAt:  le.AcquiredAt.UTC().Format(time.RFC3339),
		})
		return
	}

	var se *apply.StalePlanError
	if errors.As(err, &se) {
		writeError(w, http.StatusConflict, "stale_plan", se.Error())
		return
	}

	if errors.Is(err, apply.ErrUnknownRollbackToken) {
		writeError(w, http.StatusNotFound, "unknown_rollback_token", err.Error())
		return
	}
	if errors.Is(err, disambig.ErrUnknownToken) {
		writeError(w, http.StatusNotFound, "unknown_token", err.Error())
		return
	}

	if ue, ok := provider.IsUnavailable(err); ok {
		code := http.StatusBadGateway
		if ue.Offline {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, "provider_unavailable", err.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}
