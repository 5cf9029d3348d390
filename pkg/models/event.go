// Package models defines the core domain entities shared across the
// orchestration core: events, locks, agent definitions, instances, tasks,
// and analysis records.
package models

import (
	"time"
)

// Priority orders events and lock waiters. Lower rank means higher priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// IsValid checks if the priority is one of the four enum values.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the numeric ordering of the priority (0 = most urgent).
// The lock manager's waiter queue sorts by (Rank asc, queued_at asc).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Event is a typed, prioritized message published to the bus.
// Every event is persisted to the event log before in-process fan-out.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"` // dotted namespace, e.g. "alert.blackscreen"
	Payload     map[string]any `json:"payload"`
	Priority    Priority       `json:"priority"`
	Timestamp   time.Time      `json:"timestamp"`
	ProcessedBy string         `json:"processed_by,omitempty"` // agent id, set after routing
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// Well-known event types recognized by the core. Consumers define more;
// routing matches on exact strings.
const (
	EventTypeBuildDeployed = "build.deployed"
	EventTypeBuildFailed   = "build.failed"

	// Completion signals, enqueued into the analysis queue.
	EventTypeScriptCompleted   = "script.completed"
	EventTypeTestcaseCompleted = "testcase.completed"
	EventTypeExecutionDone     = "deployment.execution_done"

	// Emitted by the lock manager.
	EventTypeResourceAcquired = "resource.acquired"
	EventTypeResourceReleased = "resource.released"
	EventTypeResourceQueued   = "resource.queued"

	// Runtime lifecycle events.
	EventTypeAgentStarted  = "agent.started"
	EventTypeAgentStopped  = "agent.stopped"
	EventTypeTaskStarted   = "agent.task.started"
	EventTypeTaskCompleted = "agent.task.completed"
	EventTypeTaskFailed    = "agent.task.failed"

	// Emitted when a published event matches zero agents.
	EventTypeUnhandled = "event.unhandled"
)

// CompletionEventTypes lists the event types that feed the analysis queue.
var CompletionEventTypes = []string{
	EventTypeScriptCompleted,
	EventTypeTestcaseCompleted,
	EventTypeExecutionDone,
}
