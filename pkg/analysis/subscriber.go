package analysis

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/horizon-qa/atlas/pkg/bus"
	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/models"
)

// Subscriber bridges completion events from the bus into the durable
// analysis queue. Enqueueing rather than analyzing inline decouples result
// classification from event delivery.
type Subscriber struct {
	store     *database.AnalysisStore
	queueName string
	logger    *slog.Logger
	tokens    []string
}

// NewSubscriber creates the subscriber.
func NewSubscriber(store *database.AnalysisStore, queueName string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		store:     store,
		queueName: queueName,
		logger:    logger.With("component", "analysis.subscriber"),
	}
}

// Start registers bus subscriptions for every completion event type.
func (s *Subscriber) Start(b *bus.Bus) {
	for _, eventType := range models.CompletionEventTypes {
		s.tokens = append(s.tokens, b.Subscribe(eventType, s.handle))
	}
	s.logger.Info("Analysis subscriber started", "event_types", len(models.CompletionEventTypes))
}

// Stop removes the bus subscriptions.
func (s *Subscriber) Stop(b *bus.Bus) {
	for _, token := range s.tokens {
		b.Unsubscribe(token)
	}
	s.tokens = nil
}

func (s *Subscriber) handle(ctx context.Context, ev *models.Event) {
	payload, err := payloadFromEvent(ev)
	if err != nil {
		s.logger.Warn("Completion event payload is not analyzable",
			"event_id", ev.ID, "event_type", ev.Type, "error", err)
		return
	}

	id, err := s.store.Enqueue(ctx, s.queueName, payload)
	if err != nil {
		s.logger.Error("Failed to enqueue analysis task",
			"event_id", ev.ID, "script_result_id", payload.ScriptResultID, "error", err)
		return
	}
	s.logger.Info("Enqueued analysis task",
		"task_id", id, "script_result_id", payload.ScriptResultID, "script_name", payload.ScriptName)
}

// payloadFromEvent extracts the analysis payload from a completion event.
// The event's payload map round-trips through JSON to reuse the struct tags.
func payloadFromEvent(ev *models.Event) (models.AnalysisPayload, error) {
	var payload models.AnalysisPayload
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, err
	}
	if payload.ScriptResultID == "" {
		payload.ScriptResultID = ev.ID
	}
	return payload, nil
}
