// Package server exposes the orchestration engine over HTTP: task
// submission, agent registration, feedback ingestion, model listing, and a
// websocket stream of bus events. It is a thin JSON layer over the
// managers; no authentication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkrader/taskmesh/internal/bus"
	"github.com/mkrader/taskmesh/internal/feedback"
	"github.com/mkrader/taskmesh/internal/logging"
	"github.com/mkrader/taskmesh/internal/router"
	"github.com/mkrader/taskmesh/internal/swarm"
	"github.com/mkrader/taskmesh/internal/task"
	"github.com/mkrader/taskmesh/pkg/types"
)

// Server serves the engine's HTTP API.
type Server struct {
	tasks    *task.Manager
	agents   *swarm.Manager
	routes   *router.Router
	recorder *feedback.Recorder
	events   *bus.Bus
	log      zerolog.Logger

	httpServer *http.Server
}

// New builds a server over the given components. Any of routes, recorder,
// or events may be nil; the corresponding endpoints then return 503.
func New(listen string, tasks *task.Manager, agents *swarm.Manager, routes *router.Router, recorder *feedback.Recorder, events *bus.Bus) *Server {
	s := &Server{
		tasks:    tasks,
		agents:   agents,
		routes:   routes,
		recorder: recorder,
		events:   events,
		log:      logging.For("server"),
	}
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table, also used directly by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeregisterAgent)
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("GET /api/models/{id}/stats", s.handleModelStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return mux
}

// ListenAndServe blocks serving the API until the listener fails or
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("listen", s.httpServer.Addr).Msg("api server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		validation *task.ValidationError
		transition *task.InvalidTransitionError
		duplicate  *swarm.DuplicateAgentError
		unknown    *swarm.UnknownAgentError
		state      *swarm.AgentStateError
	)
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &transition), errors.As(err, &duplicate), errors.As(err, &state):
		return http.StatusConflict
	case errors.Is(err, feedback.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// POST /api/tasks
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var draft task.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), draft)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GET /api/tasks?status=&tag=&agent=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		Status:  types.TaskStatus(q.Get("status")),
		Tag:     q.Get("tag"),
		AgentID: q.Get("agent"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown status "+string(filter.Status)))
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.List(filter))
}

// GET /api/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	got, err := s.tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type registerAgentRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"`
	ModelID      string   `json:"model_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// POST /api/agents
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	agent, err := s.agents.Register(r.Context(), swarm.Descriptor{
		ID:           req.ID,
		Name:         req.Name,
		Type:         req.Type,
		ModelID:      req.ModelID,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// GET /api/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.Agents())
}

// DELETE /api/agents/{id}
func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Deregister(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/feedback
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, feedback.ErrStoreUnavailable)
		return
	}
	var record types.FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.recorder.RecordFeedback(&record); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, feedback.ErrStoreUnavailable) || errors.Is(err, feedback.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GET /api/models
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.routes == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("router not configured"))
		return
	}
	writeJSON(w, http.StatusOK, s.routes.Registry().Models())
}

type modelStatsResponse struct {
	ModelID      string  `json:"model_id"`
	SuccessRate  float64 `json:"success_rate"`
	Outcomes     int     `json:"outcomes"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// GET /api/models/{id}/stats
func (s *Server) handleModelStats(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, feedback.ErrStoreUnavailable)
		return
	}
	modelID := r.PathValue("id")
	successRate, count, avgLatency, err := s.recorder.ModelStats(r.Context(), modelID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, modelStatsResponse{
		ModelID:      modelID,
		SuccessRate:  successRate,
		Outcomes:     count,
		AvgLatencyMs: avgLatency,
	})
}
