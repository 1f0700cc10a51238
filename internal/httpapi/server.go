// Package httpapi exposes the gateway's HTTP surface: the client websocket
// entry point, the agent registration API, and operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/extract"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/registry"
	"github.com/antoniostano/switchboard/internal/router"
	"github.com/antoniostano/switchboard/internal/store"
)

type Server struct {
	cfg      config.Config
	kv       store.KV
	agents   *registry.Registry
	sessions *router.Router
	ws       http.HandlerFunc
}

// New wires the HTTP surface. ws is the websocket entry point; it is a
// plain handler so the server does not depend on the gateway package.
func New(cfg config.Config, kv store.KV, agents *registry.Registry, sessions *router.Router, ws http.HandlerFunc) *Server {
	return &Server{
		cfg:      cfg,
		kv:       kv,
		agents:   agents,
		sessions: sessions,
		ws:       ws,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleWS)

	r.Post("/v1/agents", s.handleRegisterAgent)
	r.Get("/v1/agents", s.handleListAgents)
	r.Get("/v1/agents/{id}", s.handleGetAgent)
	r.Delete("/v1/agents/{id}", s.handleUnregisterAgent)
	r.Post("/v1/agents/{id}/heartbeat", s.handleHeartbeat)

	r.Get("/v1/sessions/{id}", s.handleGetSession)

	r.Post("/v1/extract", s.handleExtract)

	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "gateway not configured")
		return
	}
	s.ws(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.kv.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type registerAgentRequest struct {
	ID           string   `json:"id"`
	URL          string   `json:"url"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	Port         int      `json:"port"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_agent_id", "agent id is required")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		respondError(w, http.StatusBadRequest, "invalid_agent_url", "agent url is required")
		return
	}

	// API contract: an agent registering without a status is announcing
	// itself live, so the endpoint fills in healthy. The registry itself
	// stores status verbatim.
	status := strings.TrimSpace(req.Status)
	if status == "" {
		status = registry.StatusHealthy
	}

	rec := registry.AgentRecord{
		ID:           strings.TrimSpace(req.ID),
		URL:          strings.TrimSpace(req.URL),
		Status:       status,
		Capabilities: req.Capabilities,
		Port:         req.Port,
	}
	if err := s.agents.Register(r.Context(), rec); err != nil {
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	log.Info().Str("agent_id", rec.ID).Str("url", rec.URL).Msg("agent registered")

	stored, err := s.agents.Get(r.Context(), rec.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var (
		recs []registry.AgentRecord
		err  error
	)
	if boolQuery(r, "healthy") {
		recs, err = s.agents.ListHealthy(r.Context())
	} else {
		recs, err = s.agents.ListAll(r.Context())
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": recs})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.agents.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		respondError(w, http.StatusNotFound, "agent_not_found", "no such agent")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.agents.Unregister(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	log.Info().Str("agent_id", id).Msg("agent unregistered")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Unknown agents are a deliberate no-op; the response does not reveal
	// whether the agent exists.
	if err := s.agents.Heartbeat(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.sessions.GetSession(r.Context(), id)
	if errors.Is(err, router.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type extractRequest struct {
	Message string `json:"message"`
}

// handleExtract runs the stateless utterance classifier. Backend agents use
// it to pull intent and account details out of free text without each
// shipping their own pattern set.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, extract.Classify(req.Message))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func boolQuery(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
