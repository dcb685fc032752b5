// Package httpapi exposes the dispatcher's call and agent lifecycle
// over HTTP: a chi router wrapping AssignCall, AbandonCall, agent
// CRUD and status transitions, and the system status/metrics surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/callgrid/dispatchd/internal/dispatch"
	"github.com/callgrid/dispatchd/internal/domain"
	"github.com/callgrid/dispatchd/internal/store"
	"github.com/callgrid/dispatchd/pkg/config"
	"github.com/callgrid/dispatchd/pkg/observability"
)

// Server is the dispatcher's HTTP CRUD surface (spec §6).
type Server struct {
	httpServer *http.Server
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	cfg        *config.Config
}

// NewServer builds the router and binds it to addr.
func NewServer(addr string, d *dispatch.Dispatcher, st *store.Store, metrics *observability.Registry, cfg *config.Config) *Server {
	s := &Server{dispatcher: d, store: st, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", observability.HealthHandler())
	r.Get("/health/live", observability.LivenessHandler())
	r.Get("/health/ready", observability.ReadinessHandler())
	r.Handle("/system/metrics", metrics.Handler())
	r.Get("/system/status", s.handleSystemStatus)

	r.Route("/calls", func(r chi.Router) {
		r.Post("/", s.handleCreateCall)
		r.Get("/{id}", s.handleGetCall)
		r.Delete("/{id}", s.handleAbandonCall)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.handleCreateAgent)
		r.Get("/", s.handleListAvailableAgents)
		r.Get("/{id}", s.handleGetAgent)
		r.Put("/{id}/status", s.handleUpdateAgentStatus)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type createCallRequest struct {
	PhoneNumber string `json:"phone_number"`
	CallType    string `json:"call_type"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PhoneNumber == "" || req.CallType == "" {
		writeError(w, http.StatusBadRequest, "phone_number and call_type are required")
		return
	}

	call := domain.NewCall(req.PhoneNumber, req.CallType)
	result := s.dispatcher.AssignCall(r.Context(), call)

	status := http.StatusCreated
	switch result.Status {
	case dispatch.ResultSaturated:
		status = http.StatusServiceUnavailable
	case dispatch.ResultRaceDetected, dispatch.ResultStoreFailure:
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]any{
		"call":               call,
		"assignment_result":  result.Status,
		"assignment_time_ms": result.LatencyMs,
		"message":            result.Message,
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.store.LoadCall(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleAbandonCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.dispatcher.AbandonCall(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createAgentRequest struct {
	Name      string `json:"name"`
	AgentType string `json:"agent_type"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.AgentType == "" {
		writeError(w, http.StatusBadRequest, "name and agent_type are required")
		return
	}

	agent := domain.NewAgent(req.Name, req.AgentType, domain.AgentAvailable)
	if err := s.store.SaveAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := s.store.LoadAgent(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListAvailableAgents(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.AvailableAgents(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agents := make([]*domain.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := s.store.LoadAgent(r.Context(), id)
		if err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	writeJSON(w, http.StatusOK, agents)
}

type updateAgentStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateAgentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := s.store.LoadAgent(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	var transitionErr error
	switch domain.AgentStatus(req.Status) {
	case domain.AgentAvailable:
		transitionErr = agent.SetAvailable(now)
	case domain.AgentPaused:
		transitionErr = agent.SetPaused(now)
	default:
		writeError(w, http.StatusBadRequest, "unsupported status transition")
		return
	}
	if transitionErr != nil {
		writeError(w, http.StatusConflict, transitionErr.Error())
		return
	}

	if err := s.store.SaveAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.GetSystemStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}
