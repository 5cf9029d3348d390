// Package push delivers live task progress to external consumers over
// WebSocket, with PostgreSQL NOTIFY/LISTEN for cross-process distribution
// and a persisted catchup log for reconnects.
package push

// Push event types delivered over the streaming surface.
const (
	EventTypeThinking      = "thinking"
	EventTypeToolCall      = "tool_call"
	EventTypeToolResult    = "tool_result"
	EventTypeMessage       = "message"
	EventTypeSkillLoaded   = "skill_loaded"
	EventTypeSkillUnloaded = "skill_unloaded"
	EventTypeSessionEnded  = "session_ended"
	EventTypeError         = "error"
	EventTypeAgentEvent    = "agent_event"
)

// BackgroundTasksChannel is the well-known room carrying analysis-worker
// progress.
const BackgroundTasksChannel = "background_tasks"

// SessionChannel returns the room name for one instance's progress stream.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// ClientMessage is the JSON structure for client to server WebSocket
// messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // room name, e.g. "session:abc-123"
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup
}
