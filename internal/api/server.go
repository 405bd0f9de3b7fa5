// SPDX-License-Identifier: MIT

// Package api exposes the scan/plan/apply pipeline over REST, including the
// disambiguation flow, rollback, job status and Server-Sent Events.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/namegnome-serve/internal/apply"
	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/config"
	"github.com/ManuGH/namegnome-serve/internal/disambig"
	"github.com/ManuGH/namegnome-serve/internal/jobs"
	"github.com/ManuGH/namegnome-serve/internal/plan"
	"github.com/ManuGH/namegnome-serve/internal/provider"
)

// Server wires the pipeline components behind the REST surface.
type Server struct {
	cfg     config.AppConfig
	store   *cache.Store
	gateway *provider.Gateway
	planner *plan.Planner
	ledger  *disambig.Ledger
	jobs    *jobs.Manager
}

// New builds a server over an opened cache store.
func New(cfg config.AppConfig, store *cache.Store) *Server {
	gw := provider.New(store, cfg)
	ledger := disambig.NewLedger(store)

	planner := &plan.Planner{
		Gateway:  gw,
		Store:    store,
		Ledger:   ledger,
		Parallel: cfg.PlanParallelism,
	}
	if cfg.LLMBaseURL != "" {
		planner.Assist = plan.NewAssistClient(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTimeout)
	}

	return &Server{
		cfg:     cfg,
		store:   store,
		gateway: gw,
		planner: planner,
		ledger:  ledger,
		jobs:    jobs.NewManager(),
	}
}

// NewWithPlanner builds a server with an explicit planner; tests use it to
// point the provider chain at stub clients.
func NewWithPlanner(cfg config.AppConfig, store *cache.Store, planner *plan.Planner) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		gateway: planner.Gateway,
		planner: planner,
		ledger:  planner.Ledger,
		jobs:    jobs.NewManager(),
	}
}

// executor builds a per-request apply executor, honoring a request-level
// collision override.
func (s *Server) executor(collision apply.Strategy, progress func(apply.ItemResult)) *apply.Executor {
	if !collision.Valid() {
		collision = apply.Strategy(s.cfg.CollisionStrategy)
	}
	return &apply.Executor{
		Store:       s.store,
		Collision:   collision,
		LockTimeout: s.cfg.LockTimeout,
		Progress:    progress,
	}
}

// Routes assembles the router with the canonical middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(httprate.Limit(120, 10*time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		}),
	))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/scan", s.handleScan)
	r.Post("/plan", s.handlePlan)
	r.Post("/disambiguate", s.handleDisambiguate)
	r.Post("/apply", s.handleApply)
	r.Post("/rollback", s.handleRollback)

	r.Get("/plans/{planID}", s.handleGetPlan)
	r.Get("/jobs/{jobID}/status", s.handleJobStatus)
	r.Get("/jobs/{jobID}/events", s.handleJobEvents)

	return r
}
