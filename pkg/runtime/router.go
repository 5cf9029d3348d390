package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/horizon-qa/atlas/pkg/bus"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/registry"
)

// Subscriber is the slice of the event bus the router needs for wiring
// itself to trigger event types.
type Subscriber interface {
	Subscribe(eventType string, handler bus.Handler) string
	Unsubscribe(token string)
	Publish(ctx context.Context, ev *models.Event) error
	MarkProcessed(ctx context.Context, eventID, processedBy string) error
}

// RouterStats is a snapshot of routing counters.
type RouterStats struct {
	Matched   int64            `json:"matched"`
	Unmatched int64            `json:"unmatched"`
	PerType   map[string]int64 `json:"per_type"`
}

// Router matches published events to eligible agents and dispatches tasks to
// runtime instances.
type Router struct {
	registry *registry.Registry
	runtime  *Runtime
	bus      Subscriber
	logger   *slog.Logger

	mu        sync.Mutex
	tokens    map[string]string // event type -> subscription token
	matched   int64
	unmatched int64
	perType   map[string]int64
}

// NewRouter creates the router.
func NewRouter(reg *registry.Registry, rt *Runtime, bus Subscriber, logger *slog.Logger) *Router {
	return &Router{
		registry: reg,
		runtime:  rt,
		bus:      bus,
		logger:   logger.With("component", "router"),
		tokens:   make(map[string]string),
		perType:  make(map[string]int64),
	}
}

// Start subscribes to every trigger event type declared by published agents.
// Call Refresh after registry changes to pick up new trigger types.
func (r *Router) Start(ctx context.Context) error {
	return r.Refresh(ctx)
}

// Refresh reconciles bus subscriptions with the current set of published
// trigger event types.
func (r *Router) Refresh(ctx context.Context) error {
	defs, err := r.registry.List(ctx, registry.ListFilter{Status: models.DefinitionStatusPublished})
	if err != nil {
		return err
	}
	want := make(map[string]bool)
	for _, def := range defs {
		for _, trig := range def.Triggers {
			want[trig.EventType] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for eventType, token := range r.tokens {
		if !want[eventType] {
			r.bus.Unsubscribe(token)
			delete(r.tokens, eventType)
		}
	}
	for eventType := range want {
		if _, ok := r.tokens[eventType]; ok {
			continue
		}
		r.tokens[eventType] = r.bus.Subscribe(eventType, r.Route)
	}
	r.logger.Info("Router subscriptions refreshed", "event_types", len(r.tokens))
	return nil
}

// Stop removes all bus subscriptions.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eventType, token := range r.tokens {
		r.bus.Unsubscribe(token)
		delete(r.tokens, eventType)
	}
}

// Route resolves eligible agents for one event and dispatches a task to an
// instance of each. Zero matches emit event.unhandled.
func (r *Router) Route(ctx context.Context, ev *models.Event) {
	defs, err := r.registry.ResolveForEvent(ctx, ev.Type, ev.Payload)
	if err != nil {
		r.logger.Error("Event resolution failed", "event_type", ev.Type, "error", err)
		return
	}

	r.mu.Lock()
	r.perType[ev.Type]++
	r.mu.Unlock()

	if len(defs) == 0 {
		r.mu.Lock()
		r.unmatched++
		r.mu.Unlock()
		r.emitUnhandled(ctx, ev)
		return
	}

	for _, def := range defs {
		inst, err := r.runtime.FindOrStartInstance(ctx, def)
		if err != nil {
			r.logger.Error("Failed to obtain instance for event",
				"agent_id", def.AgentID, "event_type", ev.Type, "error", err)
			continue
		}
		task := &models.Task{
			TaskID:       uuid.NewString(),
			TriggerEvent: ev,
			State:        models.TaskStateQueued,
		}
		if _, err := inst.enqueue(ctx, task, nil); err != nil {
			r.logger.Warn("Event dropped on full instance queue",
				"agent_id", def.AgentID, "instance_id", inst.ID(),
				"event_type", ev.Type, "error", err)
			r.emitUnhandled(ctx, ev)
			continue
		}
		r.mu.Lock()
		r.matched++
		r.mu.Unlock()
		if err := r.bus.MarkProcessed(ctx, ev.ID, def.AgentID); err != nil {
			r.logger.Warn("Failed to mark event processed",
				"event_id", ev.ID, "agent_id", def.AgentID, "error", err)
		}
	}
}

// Stats returns a snapshot of routing counters.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	perType := make(map[string]int64, len(r.perType))
	for k, v := range r.perType {
		perType[k] = v
	}
	return RouterStats{Matched: r.matched, Unmatched: r.unmatched, PerType: perType}
}

func (r *Router) emitUnhandled(ctx context.Context, ev *models.Event) {
	if ev.Type == models.EventTypeUnhandled {
		return
	}
	unhandled := &models.Event{
		Type: models.EventTypeUnhandled,
		Payload: map[string]any{
			"original_type": ev.Type,
			"original_id":   ev.ID,
		},
		Priority: models.PriorityLow,
	}
	if err := r.bus.Publish(ctx, unhandled); err != nil {
		r.logger.Warn("Failed to publish unhandled event",
			"original_type", ev.Type, "error", err)
	}
}
