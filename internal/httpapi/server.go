// Package httpapi exposes the run session and the run history over a small
// JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/deixis/gitrun"
	"github.com/deixis/gitrun/internal/history"
	"github.com/deixis/gitrun/internal/logging"
	"github.com/deixis/gitrun/internal/run"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// maxRequestBody bounds POST /api/runs bodies. Stdin travels in the body.
const maxRequestBody = 4 << 20

// Server is the gitrun HTTP API.
type Server struct {
	router    chi.Router
	logger    *zap.Logger
	mgr       *run.Manager
	store     *history.Store
	startTime time.Time
	mcp       http.Handler
	events    *eventHub
	heartbeat time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMCPHandler mounts an MCP streamable HTTP handler under /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mcp = h
	}
}

// New creates a Server with all routes registered.
func New(mgr *run.Manager, store *history.Store, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.OrNop(logger).With(zap.String("component", "httpapi")),
		mgr:       mgr,
		store:     store,
		startTime: time.Now(),
		events:    newEventHub(),
		heartbeat: sseHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	mgr.Subscribe(func(run.Snapshot) { s.events.publish(eventSession) })
	store.OnChange(func([]history.Outcome) { s.events.publish(eventHistory) })
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware(s.logger))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Get("/events", s.handleEvents)
		r.Post("/runs", s.handleStartRun)
		r.Post("/runs/stop", s.handleStopRun)

		r.Get("/history", s.handleListHistory)
		r.Delete("/history", s.handleClearHistory)
		r.Get("/history/{index}", s.handleGetHistory)
	})

	if s.mcp != nil {
		r.Handle("/mcp", s.mcp)
		r.Handle("/mcp/*", s.mcp)
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Session   string `json:"session"`
	History   int    `json:"history"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Version:   gitrun.Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Session:   string(s.mgr.Snapshot().Status),
		History:   s.store.Len(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.mgr.Snapshot())
}

type startResponse struct {
	RunID   string      `json:"run_id"`
	Status  run.State   `json:"status"`
	Request run.Request `json:"request"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req run.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	// Runs outlive the request that started them.
	rn, err := s.mgr.Begin(context.WithoutCancel(r.Context()), req)
	if err != nil {
		var verr *run.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "Missing "+joinFields(verr.Missing))
			return
		}
		s.logger.Error("starting run failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Location", "/api/session")
	respondJSON(w, http.StatusAccepted, startResponse{
		RunID:   rn.ID(),
		Status:  run.Running,
		Request: rn.Request(),
	})
}

type stopResponse struct {
	Stopped bool         `json:"stopped"`
	Session run.Snapshot `json:"session"`
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	stopped := s.mgr.Stop()
	respondJSON(w, http.StatusOK, stopResponse{Stopped: stopped, Session: s.mgr.Snapshot()})
}

type historyResponse struct {
	Capacity int               `json:"capacity"`
	Entries  []history.Outcome `json:"entries"`
}

func (s *Server) historyPayload() historyResponse {
	entries := s.store.List()
	if entries == nil {
		entries = []history.Outcome{}
	}
	return historyResponse{Capacity: s.store.Cap(), Entries: entries}
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.historyPayload())
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	o, ok := s.store.Get(idx)
	if !ok {
		respondError(w, http.StatusNotFound, "no history entry at index "+strconv.Itoa(idx))
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(); err != nil {
		s.logger.Error("clearing history failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "clearing history failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
