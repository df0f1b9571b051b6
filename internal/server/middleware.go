package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/originos/memod/internal/store"
)

type contextKey int

const agentKey contextKey = 0

// requireAgent authenticates the bearer API key, applies the per-agent
// rate limit, and stashes the agent record in the request context.
func (s *Server) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}

		agent, err := s.registry.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		if !s.registry.CheckRate(agent.AgentID) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), agentKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates /admin behind the shared admin key. An empty
// configured key disables the surface entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminKey)) != 1 {
			writeError(w, http.StatusForbidden, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func agentFrom(r *http.Request) store.Agent {
	a, _ := r.Context().Value(agentKey).(store.Agent)
	return a
}
