package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Listener receives bus relay notifications from sibling processes over a
// dedicated LISTEN connection and fans them out locally. Events originated by
// this process are skipped; the publisher already dispatched them.
type Listener struct {
	connString string
	bus        *Bus
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *pgx.Conn

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a relay listener. connString must reach the same
// database the bus publishes through.
func NewListener(connString string, b *Bus, logger *slog.Logger) *Listener {
	return &Listener{
		connString: connString,
		bus:        b,
		logger:     logger.With("component", "bus.listener"),
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s failed: %w", NotifyChannel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	l.logger.Info("Bus relay listener started")
	return nil
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *Listener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

// receiveLoop is the sole goroutine touching the pgx connection.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handleNotification(ctx, []byte(notification.Payload))
	}
}

// handleNotification decodes a relay envelope and fans the event out. A
// truncated envelope carries only routing fields; the full event is
// re-fetched from the persisted log.
func (l *Listener) handleNotification(ctx context.Context, payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		l.logger.Error("Failed to decode relay envelope", "error", err)
		return
	}
	if env.Origin == l.bus.OriginID() {
		return // already dispatched by the local publisher
	}

	ev := env.Event
	if env.Truncated || ev == nil {
		fetched, err := l.bus.events.Get(ctx, env.EventID)
		if err != nil || fetched == nil {
			l.logger.Error("Failed to fetch truncated relay event",
				"event_id", env.EventID, "error", err)
			return
		}
		ev = fetched
	}

	l.bus.dispatchRemote(ctx, ev)
}

// reconnect re-establishes the LISTEN connection with exponential backoff
// and re-issues LISTEN.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			l.logger.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
			l.logger.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.conn = conn
		l.logger.Info("Bus relay listener reconnected")
		return
	}
}
