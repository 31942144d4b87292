// ABOUTME: HTTP API for submitting, inspecting, and cancelling pipeline runs behind a chi router.
// ABOUTME: Exposes validation, run state, log tailing, event queries with SSE follow, and artifact listings.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/2389-research/conveyor/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes pipeline execution over HTTP. Run state lives in the store;
// the server only tracks cancel functions for runs it started.
type Server struct {
	cfg      Config
	store    pipeline.RunStateStore
	runner   pipeline.Runner
	notifier pipeline.Notifier
	router   chi.Router

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// submitRequest is the JSON body for POST /runs.
type submitRequest struct {
	// Pipeline is the YAML pipeline definition source.
	Pipeline string `json:"pipeline"`
	Branch   string `json:"branch"`
	Commit   string `json:"commit,omitempty"`
	// Env is merged into the run's base environment.
	Env map[string]string `json:"env,omitempty"`
}

// runSummary is the JSON shape for run listings.
type runSummary struct {
	ID           string             `json:"id"`
	PipelineName string             `json:"pipeline_name"`
	Branch       string             `json:"branch"`
	Status       pipeline.RunStatus `json:"status"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// NewServer creates a Server backed by the given store and runner.
func NewServer(cfg Config, store pipeline.RunStateStore, runner pipeline.Runner, notifier pipeline.Notifier) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		notifier: notifier,
		active:   make(map[string]context.CancelFunc),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured address with
// timeouts that tolerate long-lived event streams.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return srv.ListenAndServe()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/validate", s.handleValidate)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleSubmitRun)

		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/cancel", s.handleCancelRun)
			r.Get("/logs", s.handleLogs)
			r.Get("/events", s.handleEvents)
			r.Get("/artifacts", s.handleArtifacts)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleValidate parses a pipeline definition without running it and reports
// structural problems with enough detail to fix them.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pipeline string `json:"pipeline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	def, err := pipeline.Parse([]byte(req.Pipeline))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, validationError(err))
		return
	}

	stages := make([]string, 0)
	for _, n := range def.Leaves() {
		stages = append(stages, n.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"pipeline": def.Name,
		"stages":   stages,
	})
}

// handleSubmitRun starts a run in the background and responds 202 with its ID.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Pipeline == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty pipeline source"})
		return
	}
	if req.Branch == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "branch is required"})
		return
	}

	def, err := pipeline.Parse([]byte(req.Pipeline))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, validationError(err))
		return
	}

	runID := pipeline.NewRunID()
	rc := pipeline.NewRunContext(req.Branch, req.Commit, req.Env)

	exec := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Runner:     s.runner,
		Store:      s.store,
		MaxWorkers: s.cfg.MaxWorkers,
		Workspace:  s.cfg.Workspace,
		RunsDir:    filepath.Join(s.cfg.DataDir, "runs"),
		RunID:      runID,
		Notifier:   s.notifier,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[runID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
			cancel()
		}()
		if _, err := exec.Execute(ctx, def, rc); err != nil {
			// Setup failures surface through the record's Error field when the
			// record was created; otherwise there is nothing to attach them to.
			if rec, getErr := s.store.GetRun(runID); getErr == nil && rec != nil {
				rec.Error = err.Error()
				_ = s.store.UpdateRun(rec)
			}
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     runID,
		"status": string(pipeline.RunRunning),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListRuns()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	summaries := make([]runSummary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, runSummary{
			ID:           rec.ID,
			PipelineName: rec.PipelineName,
			Branch:       rec.Branch,
			Status:       rec.Status,
			StartedAt:    rec.StartedAt,
			CompletedAt:  rec.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRun(chi.URLParam(r, "runID"))
	if err != nil || rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCancelRun aborts a run this server started. Runs that already settled
// report conflict rather than pretending to cancel.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()

	if !ok {
		if rec, err := s.store.GetRun(runID); err == nil && rec != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "run already settled"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

// handleLogs tails a stage's captured output. Query params: stage (required),
// stream (stdout|stderr, default both), tail (line count, default 100).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stageID := r.URL.Query().Get("stage")
	if stageID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stage query parameter is required"})
		return
	}
	stream := r.URL.Query().Get("stream")
	if stream != "" && stream != "stdout" && stream != "stderr" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stream must be stdout or stderr"})
		return
	}
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tail must be a positive integer"})
			return
		}
		tail = n
	}

	lines, err := s.store.TailLog(runID, stageID, stream, tail)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"stage":  stageID,
		"lines":  lines,
	})
}

// handleEvents returns a run's event log as JSON, or streams it as SSE when
// follow=1. Query params: type (repeatable), stage, limit, offset.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if rec, err := s.store.GetRun(runID); err != nil || rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	filter := pipeline.EventFilter{
		StageID: r.URL.Query().Get("stage"),
	}
	for _, t := range r.URL.Query()["type"] {
		filter.Types = append(filter.Types, pipeline.EventType(t))
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
			return
		}
		filter.Offset = n
	}

	if r.URL.Query().Get("follow") == "1" {
		s.streamEvents(w, r, runID, filter)
		return
	}

	events, err := s.store.Events(runID, filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if events == nil {
		events = []pipeline.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// streamEvents polls the store and pushes new events over SSE until the run
// settles or the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, runID string, filter pipeline.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sent := 0
	for {
		events, err := s.store.Events(runID, filter)
		if err != nil {
			return
		}
		for sent < len(events) {
			data, _ := json.Marshal(events[sent])
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			sent++
		}

		rec, err := s.store.GetRun(runID)
		if err == nil && rec != nil && rec.Status.Terminal() {
			data, _ := json.Marshal(map[string]string{"status": string(rec.Status)})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if rec, err := s.store.GetRun(runID); err != nil || rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	artifacts, err := s.store.Artifacts(runID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if artifacts == nil {
		artifacts = []*pipeline.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// validationError shapes parse, config, and cycle errors into a JSON body the
// caller can act on.
func validationError(err error) map[string]any {
	body := map[string]any{"valid": false, "error": err.Error()}

	var cfgErr *pipeline.ConfigError
	if errors.As(err, &cfgErr) && cfgErr.Stage != "" {
		body["stage"] = cfgErr.Stage
	}
	var cycleErr *pipeline.CycleError
	if errors.As(err, &cycleErr) {
		body["cycle"] = cycleErr.Chain
	}
	return body
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
