// Package rest exposes the run's progress over a small HTTP surface for
// long batch runs: a JSON status snapshot, a health probe and the metrics
// scrape endpoint.
package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coursepull/coursepull/internal/logctx"
	"github.com/coursepull/coursepull/internal/report"
	"github.com/go-chi/chi/v5"
)

type StatusHandler struct {
	reporter *report.Reporter
	metrics  http.Handler
}

func NewStatusHandler(reporter *report.Reporter, metrics http.Handler) *StatusHandler {
	return &StatusHandler{reporter: reporter, metrics: metrics}
}

func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogging)

	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	return r
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.reporter.Snapshot()

	writeJSON(w, http.StatusOK, struct {
		report.Progress
		Outcomes []report.Outcome `json:"outcomes"`
	}{
		Progress: snapshot,
		Outcomes: h.reporter.Summary(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// requestLogging logs each request with its duration at debug level.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		logctx.LoggerFromContext(r.Context()).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String(),
		)
	})
}
