// Package registry owns agent identity: registration, API key
// verification, sliding-window rate limits, and write-authority ceilings.
// All agent state is mutated through one Registry; nothing here is global.
package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/store"
)

const (
	// DefaultRateLimit is requests per hour for new agents.
	DefaultRateLimit = 100
	// DefaultMaxAuthority caps what new agents may write.
	DefaultMaxAuthority = 3
	// DefaultReputation is the neutral starting trust score. Reserved
	// for future trust scoring; nothing consumes it yet.
	DefaultReputation = 5000

	rateWindow = time.Hour
	keyPrefix  = "omem_"
)

// ErrDuplicateAgent is returned when registering an agent id that exists.
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrInvalidKey is returned when no agent matches a presented API key.
var ErrInvalidKey = errors.New("invalid API key")

// AuthorityError reports a write whose type exceeds the agent's ceiling.
type AuthorityError struct {
	AgentMax int
	Required int
	Type     memlog.Type
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("agent limited to authority %d, but %s requires %d",
		e.AgentMax, e.Type, e.Required)
}

var agentIDPattern = regexp.MustCompile(`^[a-z0-9_-]{1,50}$`)

// RegisterSpec is the input for registering a new agent.
type RegisterSpec struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	RateLimit    int    `json:"rate_limit,omitempty"`
	MaxAuthority *int   `json:"max_authority,omitempty"`
}

// Registry holds all agent state behind one mutex: agents and key hashes
// are cached in memory and persisted to sqlite; rate windows are
// in-memory only and reset on restart.
type Registry struct {
	mu      sync.Mutex
	db      *store.DB
	agents  map[string]*store.Agent
	keys    map[string]string // sha256(key) hex -> agent_id
	windows map[string][]time.Time
	now     func() time.Time
}

// New loads agents and key hashes from the database.
func New(db *store.DB) (*Registry, error) {
	r := &Registry{
		db:      db,
		agents:  make(map[string]*store.Agent),
		keys:    make(map[string]string),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}

	agents, err := db.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	for i := range agents {
		r.agents[agents[i].AgentID] = &agents[i]
	}

	keys, err := db.AllKeys()
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	r.keys = keys

	return r, nil
}

// Register creates an agent and issues its API key. The plaintext key is
// returned exactly once; only its hash is kept.
func (r *Registry) Register(spec RegisterSpec) (store.Agent, string, error) {
	if !agentIDPattern.MatchString(spec.AgentID) {
		return store.Agent{}, "", &memlog.ValidationError{Reason: "agent_id must match ^[a-z0-9_-]{1,50}$"}
	}
	if spec.Name == "" || len(spec.Name) > 100 {
		return store.Agent{}, "", &memlog.ValidationError{Reason: "name must be 1-100 characters"}
	}
	if spec.RateLimit == 0 {
		spec.RateLimit = DefaultRateLimit
	}
	if spec.RateLimit < 1 || spec.RateLimit > 10000 {
		return store.Agent{}, "", &memlog.ValidationError{Reason: "rate_limit must be 1-10000"}
	}
	maxAuthority := DefaultMaxAuthority
	if spec.MaxAuthority != nil {
		maxAuthority = *spec.MaxAuthority
	}
	if maxAuthority < 0 || maxAuthority > 5 {
		return store.Agent{}, "", &memlog.ValidationError{Reason: "max_authority must be 0-5"}
	}

	key, hash, err := newKey()
	if err != nil {
		return store.Agent{}, "", fmt.Errorf("generate key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[spec.AgentID]; exists {
		return store.Agent{}, "", ErrDuplicateAgent
	}

	now := r.now().UTC().Format(time.RFC3339)
	agent := store.Agent{
		AgentID:      spec.AgentID,
		Name:         spec.Name,
		Description:  spec.Description,
		RateLimit:    spec.RateLimit,
		MaxAuthority: maxAuthority,
		CreatedAt:    now,
		Reputation:   DefaultReputation,
	}

	if err := r.db.InsertAgent(agent); err != nil {
		return store.Agent{}, "", err
	}
	if err := r.db.InsertKey(hash, agent.AgentID, now); err != nil {
		return store.Agent{}, "", err
	}

	r.agents[agent.AgentID] = &agent
	r.keys[hash] = agent.AgentID
	return agent, key, nil
}

// Verify resolves a plaintext API key to its agent.
func (r *Registry) Verify(key string) (store.Agent, error) {
	hash := hashKey(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.keys[hash]
	if !ok {
		return store.Agent{}, ErrInvalidKey
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return store.Agent{}, ErrInvalidKey
	}
	return *agent, nil
}

// CheckRate admits or rejects a request under the agent's sliding-window
// rate limit. Admission records the request timestamp; rejection records
// nothing, so a rejected request does not consume quota.
func (r *Registry) CheckRate(agentID string) bool {
	now := r.now()
	cutoff := now.Add(-rateWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}

	window := r.windows[agentID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= agent.RateLimit {
		r.windows[agentID] = kept
		return false
	}

	r.windows[agentID] = append(kept, now)
	agent.RequestsToday++
	return true
}

// CheckAuthority rejects writes whose type requires more authority than
// the agent's ceiling.
func (r *Registry) CheckAuthority(agent store.Agent, t memlog.Type) error {
	required := memlog.RequiredAuthority(t)
	if required > agent.MaxAuthority {
		return &AuthorityError{AgentMax: agent.MaxAuthority, Required: required, Type: t}
	}
	return nil
}

// RecordUse bumps the agent's read or write counter. Persistence is best
// effort; a failed counter update never fails the request.
func (r *Registry) RecordUse(agentID string, write bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	if write {
		agent.TotalWrites++
	} else {
		agent.TotalReads++
	}
	if err := r.db.UpdateAgentCounters(*agent); err != nil {
		log.Printf("persist agent counters for %s: %v", agentID, err)
	}
}

// Revoke removes an agent and all its key hashes. Idempotent; returns
// false if the agent is unknown. History (log records, audit entries)
// stays.
func (r *Registry) Revoke(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return false
	}

	if err := r.db.DeleteAgent(agentID); err != nil {
		log.Printf("delete agent %s: %v", agentID, err)
		return false
	}

	delete(r.agents, agentID)
	delete(r.windows, agentID)
	for hash, id := range r.keys {
		if id == agentID {
			delete(r.keys, hash)
		}
	}
	return true
}

// Get returns the agent with the given id.
func (r *Registry) Get(agentID string) (store.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return store.Agent{}, false
	}
	return *agent, true
}

// List returns all registered agents.
func (r *Registry) List() []store.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]store.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func newKey() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, hashKey(plaintext), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
