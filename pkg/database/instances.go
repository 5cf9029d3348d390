package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/horizon-qa/atlas/pkg/models"
)

// InstanceStore persists agent instance records.
type InstanceStore struct {
	db *sql.DB
}

// Upsert writes the full instance row, creating or replacing it.
func (s *InstanceStore) Upsert(ctx context.Context, inst *models.AgentInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_instances
			(instance_id, agent_id, agent_version, state, current_task_id, started_at, last_heartbeat, last_task_outcome)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''))
		ON CONFLICT (instance_id) DO UPDATE SET
			state             = EXCLUDED.state,
			current_task_id   = EXCLUDED.current_task_id,
			last_heartbeat    = EXCLUDED.last_heartbeat,
			last_task_outcome = EXCLUDED.last_task_outcome`,
		inst.InstanceID, inst.AgentID, inst.AgentVersion, string(inst.State),
		inst.CurrentTaskID, inst.StartedAt, inst.LastHeartbeat, inst.LastTaskOutcome,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}
	return nil
}

// UpdateState transitions the instance state and clears or sets the current
// task in the same statement.
func (s *InstanceStore) UpdateState(ctx context.Context, instanceID string, state models.InstanceState, currentTaskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_instances
		SET state = $2, current_task_id = NULLIF($3, ''), last_heartbeat = now()
		WHERE instance_id = $1`,
		instanceID, string(state), currentTaskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp.
func (s *InstanceStore) Heartbeat(ctx context.Context, instanceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_instances SET last_heartbeat = $2 WHERE instance_id = $1`,
		instanceID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// SetLastOutcome records the outcome of the most recent task.
func (s *InstanceStore) SetLastOutcome(ctx context.Context, instanceID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_instances SET last_task_outcome = $2 WHERE instance_id = $1`,
		instanceID, outcome,
	)
	if err != nil {
		return fmt.Errorf("failed to set last outcome: %w", err)
	}
	return nil
}

// Get returns one instance, or nil when absent.
func (s *InstanceStore) Get(ctx context.Context, instanceID string) (*models.AgentInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, agent_id, agent_version, state, current_task_id, started_at, last_heartbeat, last_task_outcome
		FROM agent_instances WHERE instance_id = $1`,
		instanceID,
	)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// List returns all instances, optionally filtered to one agent id.
func (s *InstanceStore) List(ctx context.Context, agentID string) ([]*models.AgentInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, agent_id, agent_version, state, current_task_id, started_at, last_heartbeat, last_task_outcome
		FROM agent_instances
		WHERE $1 = '' OR agent_id = $1
		ORDER BY started_at ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.AgentInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row rowScanner) (*models.AgentInstance, error) {
	var (
		inst        models.AgentInstance
		state       string
		currentTask sql.NullString
		lastOutcome sql.NullString
	)
	err := row.Scan(&inst.InstanceID, &inst.AgentID, &inst.AgentVersion, &state,
		&currentTask, &inst.StartedAt, &inst.LastHeartbeat, &lastOutcome)
	if err != nil {
		return nil, err
	}
	inst.State = models.InstanceState(state)
	inst.CurrentTaskID = currentTask.String
	inst.LastTaskOutcome = lastOutcome.String
	return &inst, nil
}
