package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/herald/internal/cache"
	"github.com/MikeSquared-Agency/herald/internal/metrics"
	"github.com/MikeSquared-Agency/herald/internal/monitor"
	"github.com/MikeSquared-Agency/herald/internal/pipeline"
	"github.com/MikeSquared-Agency/herald/internal/processor"
	"github.com/MikeSquared-Agency/herald/internal/quality"
)

// Trigger starts runs. *processor.Processor satisfies it.
type Trigger interface {
	Running() bool
	Trigger(req pipeline.Request) (string, error)
}

// Reports exposes finished runs. *pipeline.Runner satisfies it.
type Reports interface {
	LastReport() (pipeline.Report, bool)
	State() *pipeline.RunState
}

// Deps are the components the API reads from. Monitor, Metrics and Caches
// are optional.
type Deps struct {
	Runs     Trigger
	Reports  Reports
	Gate     *quality.Gate
	Monitor  *monitor.Monitor
	Metrics  *metrics.Metrics
	Caches   []*cache.Cache
	APIToken string
}

type Server struct {
	router *chi.Mux
	http   *http.Server
	deps   Deps
	logger *slog.Logger
}

func NewServer(port int, deps Deps, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		deps:   deps,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.Get("/health", s.health)
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	router.Route("/api/v1/herald", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/report", s.report)
		r.Get("/quality", s.quality)
		r.Group(func(r chi.Router) {
			r.Use(BearerAuthMiddleware(deps.APIToken))
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/runs", s.triggerRun)
			r.Post("/validate/{kind}", s.validate)
		})
	})

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Agent       string               `json:"agent"`
	Running     bool                 `json:"running"`
	LastRun     *pipeline.RunSummary `json:"last_run,omitempty"`
	TotalRuns   int                  `json:"total_runs"`
	TotalEvents int                  `json:"total_events"`
	Cache       []cache.Stats        `json:"cache"`
	Performance *monitor.Report      `json:"performance,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Agent:   "herald",
		Running: s.deps.Runs.Running(),
		Cache:   []cache.Stats{},
	}
	snap := s.deps.Reports.State().Snapshot()
	resp.TotalRuns, resp.TotalEvents = snap.TotalRuns, snap.TotalEvents
	if last, ok := s.deps.Reports.State().LastRun(); ok {
		resp.LastRun = &last
	}
	for _, c := range s.deps.Caches {
		resp.Cache = append(resp.Cache, c.Snapshot(r.Context()))
	}
	if s.deps.Monitor != nil {
		perf := s.deps.Monitor.Report()
		resp.Performance = &perf
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.deps.Reports.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no run has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) quality(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Gate.Report())
}

// RunRequest is the body of POST /api/v1/herald/runs. It may be empty.
type RunRequest struct {
	TargetCount  int    `json:"target_count,omitempty"`
	Category     string `json:"category,omitempty"`
	Keyword      string `json:"keyword,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
	Analyze      *bool  `json:"analyze,omitempty"`
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if req.TargetCount < 0 {
		writeError(w, http.StatusBadRequest, "target_count must not be negative")
		return
	}

	id, err := s.deps.Runs.Trigger(pipeline.Request{
		TargetCount:  req.TargetCount,
		Category:     req.Category,
		Keyword:      req.Keyword,
		ForceRefresh: req.ForceRefresh,
		Analyze:      req.Analyze,
	})
	if errors.Is(err, processor.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("trigger run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "accepted"})
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var res quality.Result
	switch kind := chi.URLParam(r, "kind"); kind {
	case "events":
		var records []map[string]any
		if !decode(w, r, &records) {
			return
		}
		res = s.deps.Gate.ValidateEvents(records)
	case "analyses":
		var analyses map[string]map[string]any
		if !decode(w, r, &analyses) {
			return
		}
		res = s.deps.Gate.ValidateAnalyses(analyses)
	case "portfolio":
		var rec map[string]any
		if !decode(w, r, &rec) {
			return
		}
		res = s.deps.Gate.ValidatePortfolio(rec)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown validation kind %q", kind))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
