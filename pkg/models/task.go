package models

import "time"

// TaskState is the lifecycle state of one unit of dispatched work.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal reports whether the task state is final.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// TokenUsage aggregates token consumption across the LLM calls of a task.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ToolCallRecord is one entry of a task's tool-call log.
type ToolCallRecord struct {
	Tool     string    `json:"tool"`
	Params   string    `json:"params"` // raw JSON arguments
	Result   string    `json:"result"`
	IsError  bool      `json:"is_error"`
	CacheHit bool      `json:"cache_hit,omitempty"`
	At       time.Time `json:"at"`
}

// Task is one unit of work dispatched to an agent instance, driven by a
// triggering event or a user message. Delegated work runs as a child task
// with its own id.
type Task struct {
	TaskID       string     `json:"task_id"`
	InstanceID   string     `json:"instance_id"`
	TriggerEvent *Event     `json:"trigger_event,omitempty"`
	UserMessage  string     `json:"user_message,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	State        TaskState  `json:"state"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`

	Tokens       TokenUsage       `json:"tokens"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	ChildTaskIDs []string         `json:"child_task_ids,omitempty"`

	FinalText string `json:"final_text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Message returns the task's driving text: the user message when present,
// otherwise a rendering of the triggering event.
func (t *Task) Message() string {
	if t.UserMessage != "" {
		return t.UserMessage
	}
	if t.TriggerEvent != nil {
		return "Event " + t.TriggerEvent.Type + " received; investigate and act."
	}
	return ""
}
