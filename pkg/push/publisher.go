package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/horizon-qa/atlas/pkg/database"
)

// notifyLimit is the safe payload size under PostgreSQL's 8000-byte NOTIFY
// cap. Larger payloads are sent as a truncation envelope; clients re-fetch
// via catchup using the injected db_event_id.
const notifyLimit = 7900

// Publisher writes push events. Persistent events are stored in push_events
// then broadcast via NOTIFY in one transaction; transient events (thinking
// text) are NOTIFY only and lost on disconnect.
type Publisher struct {
	db     *sql.DB
	store  *database.PushEventStore
	logger *slog.Logger
}

// NewPublisher creates a push publisher over the shared database handle.
func NewPublisher(db *sql.DB, store *database.PushEventStore, logger *slog.Logger) *Publisher {
	return &Publisher{db: db, store: store, logger: logger.With("component", "push")}
}

// Thinking broadcasts transient assistant reasoning text.
func (p *Publisher) Thinking(ctx context.Context, sessionID, text string) {
	p.notifyOnly(ctx, SessionChannel(sessionID), map[string]any{
		"type":       EventTypeThinking,
		"session_id": sessionID,
		"text":       text,
	})
}

// ToolCall persists and broadcasts a tool invocation.
func (p *Publisher) ToolCall(ctx context.Context, sessionID, tool string, params map[string]any) {
	p.persistAndNotify(ctx, SessionChannel(sessionID), map[string]any{
		"type":       EventTypeToolCall,
		"session_id": sessionID,
		"tool":       tool,
		"params":     params,
	})
}

// ToolResult persists and broadcasts a tool outcome.
func (p *Publisher) ToolResult(ctx context.Context, sessionID, tool, content string, isError, cacheHit bool) {
	p.persistAndNotify(ctx, SessionChannel(sessionID), map[string]any{
		"type":       EventTypeToolResult,
		"session_id": sessionID,
		"tool":       tool,
		"content":    content,
		"is_error":   isError,
		"cache_hit":  cacheHit,
	})
}

// Message persists and broadcasts final assistant text.
func (p *Publisher) Message(ctx context.Context, sessionID, text string) {
	p.persistAndNotify(ctx, SessionChannel(sessionID), map[string]any{
		"type":       EventTypeMessage,
		"session_id": sessionID,
		"text":       text,
	})
}

// SkillLoaded persists and broadcasts a skill switch.
func (p *Publisher) SkillLoaded(ctx context.Context, sessionID, skill string) {
	p.persistAndNotify(ctx, SessionChannel(sessionID), map[string]any{
		"type":       EventTypeSkillLoaded,
		"session_id": sessionID,
		"skill":      skill,
	})
}

// SkillUnloaded persists and broadcasts a return to router mode.
func (p *Publisher) SkillUnloaded(ctx context.Context, sessionID string) {
	p.persistAndNotify(ctx, SessionChannel(sessionID), map[string]any{
		"type":       EventTypeSkillUnloaded,
		"session_id": sessionID,
	})
}

// SessionEnded persists and broadcasts a task's terminal outcome.
func (p *Publisher) SessionEnded(ctx context.Context, sessionID, outcome string) {
	p.persistAndNotify(ctx, SessionChannel(sessionID), map[string]any{
		"type":       EventTypeSessionEnded,
		"session_id": sessionID,
		"outcome":    outcome,
	})
}

// ErrorEvent persists and broadcasts a task error.
func (p *Publisher) ErrorEvent(ctx context.Context, sessionID, message string) {
	p.persistAndNotify(ctx, SessionChannel(sessionID), map[string]any{
		"type":       EventTypeError,
		"session_id": sessionID,
		"message":    message,
	})
}

// AgentEvent persists and broadcasts a generic event to an arbitrary room,
// such as analysis progress on the background_tasks channel.
func (p *Publisher) AgentEvent(ctx context.Context, channel, eventType string, payload map[string]any) {
	body := map[string]any{
		"type":       EventTypeAgentEvent,
		"event_type": eventType,
	}
	for k, v := range payload {
		if _, reserved := body[k]; !reserved {
			body[k] = v
		}
	}
	p.persistAndNotify(ctx, channel, body)
}

// persistAndNotify stores the payload and broadcasts via NOTIFY in a single
// transaction, so the catchup log and live delivery commit atomically.
// Failures are logged: push delivery is best effort and never fails the
// caller's task.
func (p *Publisher) persistAndNotify(ctx context.Context, channel string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal push payload", "channel", channel, "error", err)
		return
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.logger.Warn("Failed to begin push transaction", "channel", channel, "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	id, err := p.store.Insert(ctx, tx, channel, raw)
	if err != nil {
		p.logger.Warn("Failed to persist push event", "channel", channel, "error", err)
		return
	}

	notifyPayload, err := injectEventIDAndTruncate(raw, id)
	if err != nil {
		p.logger.Warn("Failed to build NOTIFY payload", "channel", channel, "error", err)
		return
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		p.logger.Warn("pg_notify failed", "channel", channel, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		p.logger.Warn("Failed to commit push event", "channel", channel, "error", err)
	}
}

// notifyOnly broadcasts without persistence, for high-frequency transient
// payloads.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal push payload", "channel", channel, "error", err)
		return
	}
	if len(raw) > notifyLimit {
		truncated, err := buildTruncatedPayload(raw, 0)
		if err != nil {
			return
		}
		raw = []byte(truncated)
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(raw)); err != nil {
		p.logger.Warn("pg_notify failed", "channel", channel, "error", err)
	}
}

// injectEventIDAndTruncate adds db_event_id for catchup tracking, falling
// back to a minimal envelope when the result exceeds the NOTIFY limit.
func injectEventIDAndTruncate(raw []byte, id int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal push payload: %w", err)
	}
	m["db_event_id"] = id

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched payload: %w", err)
	}
	if len(enriched) <= notifyLimit {
		return string(enriched), nil
	}
	return buildTruncatedPayload(raw, id)
}

// buildTruncatedPayload keeps only the routing fields a client needs to fetch
// the full event through catchup.
func buildTruncatedPayload(raw []byte, id int64) (string, error) {
	var routing struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields: %w", err)
	}
	truncated := map[string]any{
		"type":      routing.Type,
		"truncated": true,
	}
	if routing.SessionID != "" {
		truncated["session_id"] = routing.SessionID
	}
	if id > 0 {
		truncated["db_event_id"] = id
	}
	out, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(out), nil
}
