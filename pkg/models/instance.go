package models

import "time"

// InstanceState is the lifecycle state of a running agent instance.
type InstanceState string

const (
	InstanceStateIdle    InstanceState = "idle"
	InstanceStateRunning InstanceState = "running"
	InstanceStatePaused  InstanceState = "paused"
	InstanceStateError   InstanceState = "error"
	InstanceStateStopped InstanceState = "stopped"
)

// IsTerminal reports whether the state admits no further transitions.
// Stopped is the only terminal state; error still allows stop.
func (s InstanceState) IsTerminal() bool {
	return s == InstanceStateStopped
}

// AgentInstance is the persisted record of a running incarnation of an agent.
// The runtime exclusively owns these rows.
type AgentInstance struct {
	InstanceID      string        `json:"instance_id"`
	AgentID         string        `json:"agent_id"`
	AgentVersion    string        `json:"agent_version"`
	State           InstanceState `json:"state"`
	CurrentTaskID   string        `json:"current_task_id,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	LastHeartbeat   time.Time     `json:"last_heartbeat"`
	LastTaskOutcome string        `json:"last_task_outcome,omitempty"`
}
