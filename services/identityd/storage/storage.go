// Package storage persists the agent registry.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora/storage/sqlite"
)

var (
	// ErrAgentNotFound is returned when no agent matches the requested id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrPublicKeyExists is returned when a key is already registered. Keys
	// are globally unique and never revoked, so the conflict is permanent.
	ErrPublicKeyExists = errors.New("public key already registered")
)

// Agent is one registry row.
type Agent struct {
	AgentID      string
	Name         string
	PublicKey    string
	RegisteredAt time.Time
}

// Store wraps the identityd SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id      TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    public_key    TEXT NOT NULL UNIQUE,
    registered_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_registered_at ON agents(registered_at);
`

// Open initialises the registry store at path.
func Open(path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	return bootstrap(db)
}

// OpenMemory initialises an in-memory registry store for tests.
func OpenMemory(name string) (*Store, error) {
	db, err := sqlite.OpenMemory(name)
	if err != nil {
		return nil, err
	}
	return bootstrap(db)
}

func bootstrap(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertAgent registers a new agent. The public key check and the insert
// share one write transaction so two concurrent registrations of the same
// key cannot both succeed.
func (s *Store) InsertAgent(ctx context.Context, agent Agent) error {
	return sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT agent_id FROM agents WHERE public_key = ?`, agent.PublicKey,
		).Scan(&existing)
		switch {
		case err == nil:
			return ErrPublicKeyExists
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check public key: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO agents (agent_id, name, public_key, registered_at) VALUES (?, ?, ?, ?)`,
			agent.AgentID, agent.Name, agent.PublicKey, agent.RegisteredAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
}

// AgentByID fetches one agent.
func (s *Store) AgentByID(ctx context.Context, agentID string) (Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, name, public_key, registered_at FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by registration time.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, name, public_key, registered_at FROM agents ORDER BY registered_at, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan agents: %w", err)
	}
	return agents, nil
}

// CountAgents reports the registry size for health reporting.
func (s *Store) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var agent Agent
	var registered string
	if err := row.Scan(&agent.AgentID, &agent.Name, &agent.PublicKey, &registered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, registered)
	if err != nil {
		return Agent{}, fmt.Errorf("parse registered_at: %w", err)
	}
	agent.RegisteredAt = parsed
	return agent, nil
}
