package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/originos/memod/internal/index"
	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/rank"
	"github.com/originos/memod/internal/registry"
)

const (
	maxQueryLen      = 500
	maxTopK          = 20
	defaultTopK      = 5
	minContextTokens = 100
	maxContextTokens = 8000
	defaultTokens    = 2000
	contextFetchK    = 10
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)

	var req struct {
		Query        string `json:"query"`
		TopK         int    `json:"top_k"`
		MemoryType   string `json:"memory_type"`
		MinAuthority int    `json:"min_authority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Query == "" || len(req.Query) > maxQueryLen {
		writeError(w, http.StatusUnprocessableEntity, "query must be 1-500 characters")
		return
	}
	if req.TopK == 0 {
		req.TopK = defaultTopK
	}
	if req.TopK < 1 || req.TopK > maxTopK {
		writeError(w, http.StatusUnprocessableEntity, "top_k must be 1-20")
		return
	}
	if req.MemoryType != "" && !memlog.ValidType(memlog.Type(req.MemoryType)) {
		writeError(w, http.StatusUnprocessableEntity, "unknown memory_type "+req.MemoryType)
		return
	}
	if req.MinAuthority < 0 || req.MinAuthority > 5 {
		writeError(w, http.StatusUnprocessableEntity, "min_authority must be 0-5")
		return
	}

	filtered := req.MemoryType != "" || req.MinAuthority > 0
	k := rank.CandidateCount(req.TopK, filtered)

	results, err := s.index.Search(r.Context(), req.Query, k)
	if err != nil {
		writeSearchError(w, err)
		return
	}
	results = rank.Filter(results, req.MemoryType, req.MinAuthority)
	rank.Order(results)
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}

	type hit struct {
		ID        string   `json:"id"`
		Type      string   `json:"type"`
		Content   string   `json:"content"`
		Tags      []string `json:"tags"`
		Authority int      `json:"authority"`
		Score     float64  `json:"score"`
	}
	hits := make([]hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, hit{
			ID:        res.ID,
			Type:      string(res.Type),
			Content:   res.Content,
			Tags:      res.Tags,
			Authority: res.Authority,
			Score:     res.Score,
		})
	}

	s.registry.RecordUse(agent.AgentID, false)
	s.auditRecord(agent.AgentID, "search", map[string]any{
		"query": req.Query, "top_k": req.TopK, "results": len(hits),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"agent":     agent.AgentID,
		"query":     req.Query,
		"results":   hits,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)

	var req struct {
		Query     string `json:"query"`
		MaxTokens int    `json:"max_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Query == "" || len(req.Query) > maxQueryLen {
		writeError(w, http.StatusUnprocessableEntity, "query must be 1-500 characters")
		return
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultTokens
	}
	if req.MaxTokens < minContextTokens || req.MaxTokens > maxContextTokens {
		writeError(w, http.StatusUnprocessableEntity, "max_tokens must be 100-8000")
		return
	}

	results, err := s.index.Search(r.Context(), req.Query, contextFetchK)
	if err != nil {
		writeSearchError(w, err)
		return
	}
	rank.Order(results)
	block := rank.AssembleContext(results, req.MaxTokens*rank.CharsPerToken)

	s.registry.RecordUse(agent.AgentID, false)
	s.auditRecord(agent.AgentID, "context", map[string]any{
		"query": req.Query, "max_tokens": req.MaxTokens, "memories": len(results),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"agent":     agent.AgentID,
		"query":     req.Query,
		"context":   block,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)

	var req struct {
		Type       string     `json:"memory_type"`
		Content    string     `json:"content"`
		Tags       []string   `json:"tags"`
		Rationale  string     `json:"rationale"`
		Confidence *float64   `json:"confidence"`
		ExpiresAt  *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	// The tag bound applies to what the writer supplies; the derived
	// agent tag is added on top afterwards.
	if len(req.Tags) > memlog.MaxTags {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("at most %d tags allowed", memlog.MaxTags))
		return
	}

	memType := memlog.Type(req.Type)
	if err := s.registry.CheckAuthority(agent, memType); err != nil {
		var authErr *registry.AuthorityError
		if errors.As(err, &authErr) {
			s.auditRecord(agent.AgentID, "write_denied", map[string]any{
				"type": req.Type, "required": authErr.Required, "max": authErr.AgentMax,
			})
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec := memlog.Record{
		Type:       memType,
		Content:    req.Content,
		Tags:       append(req.Tags, "agent:"+agent.AgentID),
		Rationale:  req.Rationale,
		Confidence: req.Confidence,
		ExpiresAt:  req.ExpiresAt,
		Provenance: memlog.Provenance{
			Source:  agent.AgentID,
			AgentID: agent.AgentID,
		},
	}
	id, err := s.log.Append(rec)
	if err != nil {
		var verr *memlog.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "persist memory: "+err.Error())
		return
	}
	s.sched.Notify()

	s.registry.RecordUse(agent.AgentID, true)
	s.auditRecord(agent.AgentID, "write", map[string]any{
		"memory_id": id, "type": req.Type,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":     agent.AgentID,
		"memory_id": id,
		"status":    "created",
		"type":      req.Type,
		"authority": memlog.RequiredAuthority(memType),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)

	byType := map[string]int{}
	for t, n := range s.log.CountByType() {
		byType[string(t)] = n
	}

	idx := map[string]any{
		"ready":  false,
		"builds": s.sched.Builds(),
	}
	if snap := s.index.Active(); snap != nil {
		idx["ready"] = true
		idx["entries"] = snap.Len()
		idx["built_at"] = snap.BuiltAt.UTC().Format(time.RFC3339)
	}

	s.auditRecord(agent.AgentID, "stats", map[string]any{
		"total": s.log.Len(),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"agent":          agent.AgentID,
		"total_memories": s.log.Len(),
		"by_type":        byType,
		"last_sync":      s.log.LastSync(),
		"agents":         s.registry.Count(),
		"index":          idx,
		"embedder":       s.index.EmbedderModel(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentFrom(r))
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	type typeInfo struct {
		Type               string `json:"type"`
		Authority          int    `json:"authority"`
		RequiresRationale  bool   `json:"requires_rationale"`
		RequiresConfidence bool   `json:"requires_confidence"`
		Description        string `json:"description"`
	}
	out := make([]typeInfo, 0, len(memlog.AllTypes))
	for _, t := range memlog.AllTypes {
		out = append(out, typeInfo{
			Type:               string(t),
			Authority:          memlog.RequiredAuthority(t),
			RequiresRationale:  memlog.RequiresRationale(t),
			RequiresConfidence: memlog.RequiresConfidence(t),
			Description:        memlog.Describe(t),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": out})
}

// writeSearchError maps index failures onto HTTP statuses. A missing
// snapshot and an unreachable embedding backend both read as 503: the
// client should retry, not fix its request.
func writeSearchError(w http.ResponseWriter, err error) {
	var upstream *index.UpstreamError
	switch {
	case errors.Is(err, index.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "index not ready, try again shortly")
	case errors.As(err, &upstream):
		writeError(w, http.StatusServiceUnavailable, "embedding backend unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// auditRecord is best effort; auditing must never fail a request.
func (s *Server) auditRecord(agentID, action string, details map[string]any) {
	if err := s.audit.Record(agentID, action, details); err != nil {
		log.Printf("audit %s for %s: %v", action, agentID, err)
	}
}
