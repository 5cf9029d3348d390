// Package bus implements the priority event bus: durable publish, in-process
// fan-out to subscribers, cross-process relay over PostgreSQL NOTIFY, and
// replay from the persisted event log.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/models"
)

// NotifyChannel is the PostgreSQL NOTIFY channel relaying bus events across
// processes.
const NotifyChannel = "atlas_bus"

// notifyRetries bounds the relay attempts after a persisted publish. The
// persisted row is the source of truth; the relay is best effort.
const notifyRetries = 3

// Handler consumes one delivered event. Delivery is at-least-once; handlers
// must be idempotent with respect to the event id.
type Handler func(ctx context.Context, event *models.Event)

// subscription is one registered handler. Serial subscribers get a dedicated
// delivery goroutine fed by a buffered channel, preserving publish order for
// that subscriber.
type subscription struct {
	token     string
	eventType string
	handler   Handler
	serial    chan *models.Event
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	HandlerPanics int64 `json:"handler_panics"`
	RelayFailures int64 `json:"relay_failures"`
	Subscribers   int   `json:"subscribers"`
}

// Bus is the process-local face of the event bus. Every publish persists to
// the event log before fan-out, then relays over NOTIFY so sibling processes
// observe it.
type Bus struct {
	db     *sql.DB
	events *database.EventStore
	logger *slog.Logger

	// originID identifies this process in relay envelopes so the listener can
	// skip notifications it already fanned out locally.
	originID string

	mu   sync.RWMutex
	subs map[string]*subscription // token -> subscription

	published     atomic.Int64
	delivered     atomic.Int64
	handlerPanics atomic.Int64
	relayFailures atomic.Int64
}

// New creates the bus over the shared database handle.
func New(db *sql.DB, events *database.EventStore, logger *slog.Logger) *Bus {
	return &Bus{
		db:       db,
		events:   events,
		logger:   logger.With("component", "bus"),
		originID: uuid.NewString(),
		subs:     make(map[string]*subscription),
	}
}

// Publish persists the event, fans it out to in-process subscribers, and
// relays it over NOTIFY. A persistence failure fails the publish; a relay
// failure does not.
func (b *Bus) Publish(ctx context.Context, ev *models.Event) error {
	if ev.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Priority == "" {
		ev.Priority = models.PriorityNormal
	}
	if !ev.Priority.IsValid() {
		return fmt.Errorf("invalid event priority: %q", ev.Priority)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := b.events.Insert(ctx, tx, ev); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}

	b.published.Add(1)
	b.dispatch(ctx, ev)
	b.relay(ctx, ev)
	return nil
}

// Subscribe registers a handler for exact-match delivery of one event type.
// Handlers run concurrently; no cross-handler ordering. Returns the token
// used to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	return b.addSubscription(eventType, handler, false)
}

// SubscribeSerial registers a handler that observes events in publish order.
// Delivery happens on a dedicated goroutine with a bounded buffer; when the
// buffer is full the event is dropped for this subscriber.
func (b *Bus) SubscribeSerial(eventType string, handler Handler) string {
	return b.addSubscription(eventType, handler, true)
}

func (b *Bus) addSubscription(eventType string, handler Handler, serial bool) string {
	sub := &subscription{
		token:     uuid.NewString(),
		eventType: eventType,
		handler:   handler,
	}
	if serial {
		sub.serial = make(chan *models.Event, 64)
		go b.serialLoop(sub)
	}

	b.mu.Lock()
	b.subs[sub.token] = sub
	b.mu.Unlock()
	return sub.token
}

// Unsubscribe removes a subscription by token. Safe to call twice.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	sub, ok := b.subs[token]
	if ok {
		delete(b.subs, token)
	}
	b.mu.Unlock()

	if ok && sub.serial != nil {
		close(sub.serial)
	}
}

// Replay returns persisted events matching the filter, oldest first.
func (b *Bus) Replay(ctx context.Context, filter database.ReplayFilter) ([]*models.Event, error) {
	return b.events.Replay(ctx, filter)
}

// MarkProcessed records the consumer that handled an event.
func (b *Bus) MarkProcessed(ctx context.Context, eventID, processedBy string) error {
	return b.events.MarkProcessed(ctx, eventID, processedBy)
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		RelayFailures: b.relayFailures.Load(),
		Subscribers:   n,
	}
}

// OriginID identifies this process in relay envelopes.
func (b *Bus) OriginID() string {
	return b.originID
}

// dispatch fans an event out to all matching in-process subscribers.
func (b *Bus) dispatch(ctx context.Context, ev *models.Event) {
	b.mu.RLock()
	var matched []*subscription
	for _, sub := range b.subs {
		if sub.eventType == ev.Type {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.delivered.Add(1)
		if sub.serial != nil {
			select {
			case sub.serial <- ev:
			default:
				b.logger.Warn("Serial subscriber buffer full, dropping event",
					"event_type", ev.Type, "event_id", ev.ID)
			}
			continue
		}
		go b.invoke(ctx, sub, ev)
	}
}

func (b *Bus) serialLoop(sub *subscription) {
	for ev := range sub.serial {
		b.invoke(context.Background(), sub, ev)
	}
}

// invoke runs one handler with panic isolation so a failing subscriber never
// affects the others.
func (b *Bus) invoke(ctx context.Context, sub *subscription, ev *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Error("Event handler panicked",
				"event_type", ev.Type, "event_id", ev.ID, "panic", r)
		}
	}()
	sub.handler(ctx, ev)
}

// relayEnvelope is the NOTIFY wire format. Payloads exceeding PostgreSQL's
// 8000-byte limit are sent truncated; receivers re-fetch from the event log.
type relayEnvelope struct {
	Origin    string          `json:"origin"`
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Priority  models.Priority `json:"priority"`
	Truncated bool            `json:"truncated,omitempty"`
	Event     *models.Event   `json:"event,omitempty"`
}

// relay broadcasts the event over NOTIFY with bounded retries. Failures are
// logged, not returned: the persisted row already guarantees replayability.
func (b *Bus) relay(ctx context.Context, ev *models.Event) {
	env := relayEnvelope{
		Origin:   b.originID,
		EventID:  ev.ID,
		Type:     ev.Type,
		Priority: ev.Priority,
		Event:    ev,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to marshal relay envelope", "event_id", ev.ID, "error", err)
		return
	}
	if len(payload) > 7900 {
		env.Truncated = true
		env.Event = nil
		payload, err = json.Marshal(env)
		if err != nil {
			b.logger.Error("Failed to marshal truncated relay envelope", "event_id", ev.ID, "error", err)
			return
		}
	}

	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= notifyRetries; attempt++ {
		_, err = b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload))
		if err == nil {
			return
		}
		if attempt < notifyRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	b.relayFailures.Add(1)
	b.logger.Warn("Event relay failed, relying on persisted log",
		"event_id", ev.ID, "event_type", ev.Type, "error", err)
}

// dispatchRemote fans out an event received from another process. The row is
// already persisted by the publisher, so no re-persist happens here.
func (b *Bus) dispatchRemote(ctx context.Context, ev *models.Event) {
	b.dispatch(ctx, ev)
}
