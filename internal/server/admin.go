package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/registry"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var spec registry.RegisterSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	agent, key, err := s.registry.Register(spec)
	if err != nil {
		var verr *memlog.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, registry.ErrDuplicateAgent):
			writeError(w, http.StatusBadRequest, "agent already registered: "+spec.AgentID)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.auditRecord("admin", "register_agent", map[string]any{
		"agent_id": agent.AgentID, "max_authority": agent.MaxAuthority,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":   agent,
		"api_key": key,
		"warning": "store this key now; it is shown exactly once",
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(agents),
		"agents": agents,
	})
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !s.registry.Revoke(agentID) {
		writeError(w, http.StatusNotFound, "no such agent: "+agentID)
		return
	}

	s.auditRecord("admin", "revoke_agent", map[string]any{"agent_id": agentID})
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "status": "revoked"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	entries, err := s.audit.Recent(limit, r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read audit log: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}
