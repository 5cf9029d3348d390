package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/horizon-qa/atlas/pkg/models"
)

// RegistryStore persists agent definitions. The full document is stored as
// JSONB; triggers are denormalized into agent_triggers so event routing can
// resolve candidates with one indexed query.
type RegistryStore struct {
	db *sql.DB
}

// Insert stores a new definition version and its trigger rows atomically.
// Fails if (agent_id, version) already exists.
func (s *RegistryStore) Insert(ctx context.Context, def *models.AgentDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_definitions (agent_id, version, document, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		def.AgentID, def.Version, doc, string(def.Status), def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}

	for _, trig := range def.Triggers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_triggers (agent_id, version, event_type)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			def.AgentID, def.Version, trig.EventType,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trigger: %w", err)
		}
	}

	return tx.Commit()
}

// Get returns one definition version, or nil when absent.
func (s *RegistryStore) Get(ctx context.Context, agentID, version string) (*models.AgentDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document, status, created_at, updated_at
		FROM agent_definitions
		WHERE agent_id = $1 AND version = $2`,
		agentID, version,
	)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return def, err
}

// GetAllVersions returns every stored version of an agent, newest insert last.
// Semver ordering is done by the caller.
func (s *RegistryStore) GetAllVersions(ctx context.Context, agentID string) ([]*models.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document, status, created_at, updated_at
		FROM agent_definitions
		WHERE agent_id = $1
		ORDER BY created_at ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

// List returns all stored definitions across agents.
func (s *RegistryStore) List(ctx context.Context) ([]*models.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document, status, created_at, updated_at
		FROM agent_definitions
		ORDER BY agent_id, created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

// UpdateStatus transitions a definition version's lifecycle status.
func (s *RegistryStore) UpdateStatus(ctx context.Context, agentID, version string, status models.DefinitionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_definitions
		SET status = $3,
		    document = jsonb_set(document, '{status}', to_jsonb($3::text)),
		    updated_at = now()
		WHERE agent_id = $1 AND version = $2`,
		agentID, version, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a definition version; trigger rows cascade.
func (s *RegistryStore) Delete(ctx context.Context, agentID, version string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_definitions WHERE agent_id = $1 AND version = $2`,
		agentID, version,
	)
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResolveByEventType returns the published definitions declaring a trigger on
// the given event type. Payload filter evaluation happens in the router.
func (s *RegistryStore) ResolveByEventType(ctx context.Context, eventType string) ([]*models.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.document, d.status, d.created_at, d.updated_at
		FROM agent_definitions d
		JOIN agent_triggers t ON t.agent_id = d.agent_id AND t.version = d.version
		WHERE t.event_type = $1 AND d.status = 'published'
		ORDER BY d.agent_id, d.created_at ASC`,
		eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve by event type: %w", err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

func scanDefinition(row rowScanner) (*models.AgentDefinition, error) {
	var (
		doc       []byte
		status    string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&doc, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var def models.AgentDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	// The table columns are authoritative for lifecycle fields.
	def.Status = models.DefinitionStatus(status)
	def.CreatedAt = createdAt
	def.UpdatedAt = updatedAt
	return &def, nil
}

func scanDefinitions(rows *sql.Rows) ([]*models.AgentDefinition, error) {
	var defs []*models.AgentDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}
