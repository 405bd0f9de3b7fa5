// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok := s.jobs.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_job", "job "+jobID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobEvents streams a job's events as Server-Sent Events. Events are
// hints for live consumers; the final buffered response of the originating
// request stays authoritative.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	events, cancel, ok := s.jobs.Subscribe(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_job", "job "+jobID+" not found")
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			blob, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, blob)
			flusher.Flush()
		}
	}
}
