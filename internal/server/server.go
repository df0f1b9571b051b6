// Package server exposes the memory substrate over HTTP: agent-facing
// search/context/write endpoints behind API-key auth and rate limiting,
// plus an admin surface for agent lifecycle and audit inspection.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/originos/memod/internal/audit"
	"github.com/originos/memod/internal/index"
	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/registry"
)

// Server is the memod HTTP API server.
type Server struct {
	log      *memlog.Log
	index    *index.Index
	sched    *index.Scheduler
	registry *registry.Registry
	audit    *audit.Log
	adminKey string
	router   chi.Router
	version  string
	started  time.Time
}

// New wires a Server over the shared memory log, its semantic index, and
// the agent registry. adminKey may be empty, which disables /admin.
func New(log *memlog.Log, ix *index.Index, sched *index.Scheduler, reg *registry.Registry, aud *audit.Log, adminKey, version string) *Server {
	s := &Server{
		log:      log,
		index:    ix,
		sched:    sched,
		registry: reg,
		audit:    aud,
		adminKey: adminKey,
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		// Public: the type table is reference material, not agent data.
		r.Get("/types", s.handleTypes)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAgent)
			r.Post("/search", s.handleSearch)
			r.Post("/context", s.handleContext)
			r.Post("/write", s.handleWrite)
			r.Get("/stats", s.handleStats)
			r.Get("/me", s.handleMe)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/agents", s.handleRegisterAgent)
		r.Get("/agents", s.handleListAgents)
		r.Delete("/agents/{agentID}", s.handleRevokeAgent)
		r.Get("/audit", s.handleAudit)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.index.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"memories": s.log.Len(),
		"indexed":  snap != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
