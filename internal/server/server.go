// Package server exposes the operator HTTP surface: event intake, run
// inspection and redrive, semaphore and sweep status, and the project
// commands that drive workflows.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ahrav/go-phaseflow/internal/config"
	"github.com/ahrav/go-phaseflow/internal/domain"
	"github.com/ahrav/go-phaseflow/internal/gate"
	"github.com/ahrav/go-phaseflow/internal/semaphore"
	"github.com/ahrav/go-phaseflow/internal/store"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// Dispatcher accepts events and redrives runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, env events.Envelope) (domain.WorkflowRun, bool, error)
	Redrive(ctx context.Context, runID string) (domain.WorkflowRun, error)
}

// Runs reads runs and sweep history.
type Runs interface {
	GetRun(ctx context.Context, id string) (domain.WorkflowRun, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]domain.WorkflowRun, error)
	CountRuns(ctx context.Context) (map[domain.RunStatus]int, error)
	ListSweeps(ctx context.Context, name string, limit int) ([]domain.SweepResult, error)
}

// Commands are the project operations that record a decision and start a
// workflow; pipeline.Service satisfies it.
type Commands interface {
	ApprovePhase(ctx context.Context, projectID string, ordinal int) (domain.WorkflowRun, error)
	RequestCompile(ctx context.Context, projectID string, ordinal int, requestID string) (domain.WorkflowRun, error)
	RequestAnalysis(ctx context.Context, projectID, analysisID string) (domain.WorkflowRun, error)
	AttachLicence(ctx context.Context, licenceID, projectID string) (domain.Licence, error)
}

// Semaphore reports admission state.
type Semaphore interface {
	Stats(ctx context.Context) (semaphore.Stats, error)
}

// Gate answers gate questions.
type Gate interface {
	Check(ctx context.Context, projectID string, target int) (gate.Decision, error)
}

// Engine reports compute engine health.
type Engine interface {
	Health(ctx context.Context) error
}

// Deps are the server's collaborators. All are required.
type Deps struct {
	Dispatcher Dispatcher
	Runs       Runs
	Commands   Commands
	Semaphore  Semaphore
	Gate       Gate
	Engine     Engine
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{deps: deps, logger: slog.Default().With("component", "http")}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Post("/events", s.postEvent)

		api.Get("/runs", s.listRuns)
		api.Get("/runs/stats", s.runStats)
		api.Get("/runs/{id}", s.getRun)
		api.Post("/runs/{id}/redrive", s.redriveRun)

		api.Get("/semaphore", s.semaphoreStats)
		api.Get("/sweeps", s.listSweeps)
		api.Get("/engine/health", s.engineHealth)

		api.Route("/projects/{projectID}", func(p chi.Router) {
			p.Get("/gate", s.checkGate)
			p.Post("/licence", s.attachLicence)
			p.Post("/analyses", s.requestAnalysis)
			p.Post("/phases/{ordinal}/approve", s.approvePhase)
			p.Post("/phases/{ordinal}/compile", s.requestCompile)
		})
	})
	return r
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down within
// cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type dispatchResponse struct {
	Run     domain.WorkflowRun `json:"run"`
	Created bool               `json:"created"`
}

func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var env events.Envelope
	if err := readJSON(r, &env); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	run, created, err := s.deps.Dispatcher.Dispatch(r.Context(), env)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, dispatchResponse{Run: run, Created: created})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Workflow: q.Get("workflow")}
	if raw := q.Get("status"); raw != "" {
		status, ok := domain.ParseRunStatus(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "BAD_STATUS", fmt.Sprintf("unknown run status %q", raw))
			return
		}
		filter.Status = status
	}
	limit, ok := intQuery(w, r, "limit", 50)
	if !ok {
		return
	}
	filter.Limit = limit

	runs, err := s.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if runs == nil {
		runs = []domain.WorkflowRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) runStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Runs.CountRuns(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) redriveRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Dispatcher.Redrive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) semaphoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Semaphore.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "SEMAPHORE_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listSweeps(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", 20)
	if !ok {
		return
	}
	results, err := s.deps.Runs.ListSweeps(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if results == nil {
		results = []domain.SweepResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sweeps": results})
}

func (s *Server) engineHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Health(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "ENGINE_UNHEALTHY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) checkGate(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	raw := r.URL.Query().Get("phase")
	phase, err := strconv.Atoi(raw)
	if err != nil || phase < 0 {
		writeError(w, r, http.StatusBadRequest, "BAD_PHASE", fmt.Sprintf("phase must be a non-negative integer, got %q", raw))
		return
	}
	decision, err := s.deps.Gate.Check(r.Context(), projectID, phase)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "phase": phase, "decision": decision})
}

func (s *Server) attachLicence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenceID string `json:"licence_id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if req.LicenceID == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "licence_id is required")
		return
	}
	licence, err := s.deps.Commands.AttachLicence(r.Context(), req.LicenceID, chi.URLParam(r, "projectID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, licence)
}

func (s *Server) requestAnalysis(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AnalysisID string `json:"analysis_id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	run, err := s.deps.Commands.RequestAnalysis(r.Context(), chi.URLParam(r, "projectID"), req.AnalysisID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) approvePhase(w http.ResponseWriter, r *http.Request) {
	ordinal, ok := ordinalParam(w, r)
	if !ok {
		return
	}
	run, err := s.deps.Commands.ApprovePhase(r.Context(), chi.URLParam(r, "projectID"), ordinal)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) requestCompile(w http.ResponseWriter, r *http.Request) {
	ordinal, ok := ordinalParam(w, r)
	if !ok {
		return
	}
	var req struct {
		RequestID string `json:"request_id"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
			return
		}
	}
	run, err := s.deps.Commands.RequestCompile(r.Context(), chi.URLParam(r, "projectID"), ordinal, req.RequestID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func ordinalParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "ordinal")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, r, http.StatusBadRequest, "BAD_PHASE", fmt.Sprintf("phase must be a non-negative integer, got %q", raw))
		return 0, false
	}
	return n, true
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		writeError(w, r, http.StatusBadRequest, "BAD_QUERY", fmt.Sprintf("%s must be between 1 and 1000", key))
		return 0, false
	}
	return n, true
}
