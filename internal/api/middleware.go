// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	xglog "github.com/ManuGH/namegnome-serve/internal/log"
)

// requestLogger emits one structured access log line per request and wires
// the request id into the context for downstream component loggers.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chimw.GetReqID(r.Context())
		ctx := xglog.ContextWithRequestID(r.Context(), reqID)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger := xglog.WithComponent("http")
		logger.Info().
			Str(xglog.FieldRequestID, reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
