package bus_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-qa/atlas/pkg/bus"
	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/test/util"
)

func newTestBus(t *testing.T) (*bus.Bus, *database.Client) {
	t.Helper()
	client, _ := util.SetupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return bus.New(client.DB(), client.Events, logger), client
}

func waitEvent(t *testing.T, ch <-chan *models.Event) *models.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
		return nil
	}
}

func TestPublishPersistsAndDelivers(t *testing.T) {
	b, client := newTestBus(t)
	ctx := context.Background()

	received := make(chan *models.Event, 1)
	b.Subscribe("alert.blackscreen", func(_ context.Context, ev *models.Event) {
		received <- ev
	})

	ev := &models.Event{
		Type:    "alert.blackscreen",
		Payload: map[string]any{"device": "stb-42"},
	}
	require.NoError(t, b.Publish(ctx, ev))

	// Defaults are filled in on publish.
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, models.PriorityNormal, ev.Priority)
	assert.False(t, ev.Timestamp.IsZero())

	got := waitEvent(t, received)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "stb-42", got.Payload["device"])

	// The event is durable independently of delivery.
	stored, err := client.Events.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "alert.blackscreen", stored.Type)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, int64(1), stats.Delivered)
}

func TestPublishValidation(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	err := b.Publish(ctx, &models.Event{})
	assert.ErrorContains(t, err, "event type is required")

	err = b.Publish(ctx, &models.Event{Type: "x", Priority: "urgent"})
	assert.ErrorContains(t, err, "invalid event priority")
}

func TestSubscribeMatchesExactType(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	matched := make(chan *models.Event, 1)
	other := make(chan *models.Event, 1)
	b.Subscribe("build.deployed", func(_ context.Context, ev *models.Event) { matched <- ev })
	b.Subscribe("build.failed", func(_ context.Context, ev *models.Event) { other <- ev })

	require.NoError(t, b.Publish(ctx, &models.Event{Type: "build.deployed"}))

	waitEvent(t, matched)
	select {
	case <-other:
		t.Fatal("handler for a different type should not fire")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	received := make(chan *models.Event, 1)
	b.Subscribe("build.deployed", func(_ context.Context, _ *models.Event) {
		panic("handler bug")
	})
	b.Subscribe("build.deployed", func(_ context.Context, ev *models.Event) {
		received <- ev
	})

	require.NoError(t, b.Publish(ctx, &models.Event{Type: "build.deployed"}))

	waitEvent(t, received)
	require.Eventually(t, func() bool {
		return b.Stats().HandlerPanics == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSerialSubscriberPreservesOrder(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 16)
	b.SubscribeSerial("script.completed", func(_ context.Context, ev *models.Event) {
		mu.Lock()
		order = append(order, ev.Payload["seq"].(string))
		mu.Unlock()
		done <- struct{}{}
	})

	const n = 8
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, &models.Event{
			Type:    "script.completed",
			Payload: map[string]any{"seq": fmt.Sprintf("%d", i)},
		}))
	}
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for serial delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7"}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	received := make(chan *models.Event, 1)
	token := b.Subscribe("build.deployed", func(_ context.Context, ev *models.Event) {
		received <- ev
	})
	b.Unsubscribe(token)
	// Safe to call twice.
	b.Unsubscribe(token)

	require.NoError(t, b.Publish(ctx, &models.Event{Type: "build.deployed"}))

	select {
	case <-received:
		t.Fatal("unsubscribed handler should not fire")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Zero(t, b.Stats().Subscribers)
}

func TestReplayReturnsPersistedEvents(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, &models.Event{
			Type:     "build.deployed",
			Priority: models.PriorityHigh,
			Payload:  map[string]any{"seq": i},
		}))
	}
	require.NoError(t, b.Publish(ctx, &models.Event{Type: "build.failed"}))

	events, err := b.Replay(ctx, database.ReplayFilter{Type: "build.deployed"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = b.Replay(ctx, database.ReplayFilter{Priority: models.PriorityHigh, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMarkProcessed(t *testing.T) {
	b, client := newTestBus(t)
	ctx := context.Background()

	ev := &models.Event{Type: "alert.blackscreen"}
	require.NoError(t, b.Publish(ctx, ev))
	require.NoError(t, b.MarkProcessed(ctx, ev.ID, "monitor-agent"))

	stored, err := client.Events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "monitor-agent", stored.ProcessedBy)
	require.NotNil(t, stored.ProcessedAt)
}
