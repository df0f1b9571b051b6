package store

import (
	"database/sql"
	"fmt"
)

// Agent is a registered API consumer. Mutable counters are owned by the
// registry; everything else is fixed at registration.
type Agent struct {
	AgentID       string `json:"agent_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	RateLimit     int    `json:"rate_limit"`
	MaxAuthority  int    `json:"max_authority"`
	CreatedAt     string `json:"created_at"`
	TotalReads    int    `json:"total_reads"`
	TotalWrites   int    `json:"total_writes"`
	RequestsToday int    `json:"requests_today"`
	Reputation    int    `json:"reputation"`
}

// InsertAgent stores a newly registered agent.
func (db *DB) InsertAgent(a Agent) error {
	_, err := db.Exec(`
		INSERT INTO agents (agent_id, name, description, rate_limit, max_authority,
		                    created_at, total_reads, total_writes, requests_today, reputation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.AgentID, a.Name, a.Description, a.RateLimit, a.MaxAuthority,
		a.CreatedAt, a.TotalReads, a.TotalWrites, a.RequestsToday, a.Reputation)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent with the given id, or nil if unknown.
func (db *DB) GetAgent(agentID string) (*Agent, error) {
	var a Agent
	err := db.QueryRow(`
		SELECT agent_id, name, description, rate_limit, max_authority,
		       created_at, total_reads, total_writes, requests_today, reputation
		FROM agents WHERE agent_id = ?
	`, agentID).Scan(&a.AgentID, &a.Name, &a.Description, &a.RateLimit, &a.MaxAuthority,
		&a.CreatedAt, &a.TotalReads, &a.TotalWrites, &a.RequestsToday, &a.Reputation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns all registered agents ordered by creation time.
func (db *DB) ListAgents() ([]Agent, error) {
	rows, err := db.Query(`
		SELECT agent_id, name, description, rate_limit, max_authority,
		       created_at, total_reads, total_writes, requests_today, reputation
		FROM agents ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.Name, &a.Description, &a.RateLimit, &a.MaxAuthority,
			&a.CreatedAt, &a.TotalReads, &a.TotalWrites, &a.RequestsToday, &a.Reputation); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentCounters persists the mutable usage counters.
func (db *DB) UpdateAgentCounters(a Agent) error {
	_, err := db.Exec(`
		UPDATE agents
		SET total_reads = ?, total_writes = ?, requests_today = ?, reputation = ?
		WHERE agent_id = ?
	`, a.TotalReads, a.TotalWrites, a.RequestsToday, a.Reputation, a.AgentID)
	if err != nil {
		return fmt.Errorf("update agent counters: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent; api_keys rows cascade.
func (db *DB) DeleteAgent(agentID string) error {
	_, err := db.Exec("DELETE FROM agents WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// InsertKey stores the one-way hash of an issued API key.
func (db *DB) InsertKey(keyHash, agentID, createdAt string) error {
	_, err := db.Exec(
		"INSERT INTO api_keys (key_hash, agent_id, created_at) VALUES (?, ?, ?)",
		keyHash, agentID, createdAt)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// AllKeys returns the key_hash -> agent_id mapping.
func (db *DB) AllKeys() (map[string]string, error) {
	rows, err := db.Query("SELECT key_hash, agent_id FROM api_keys")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var hash, agentID string
		if err := rows.Scan(&hash, &agentID); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys[hash] = agentID
	}
	return keys, rows.Err()
}
