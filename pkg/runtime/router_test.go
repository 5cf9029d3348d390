package runtime_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-qa/atlas/pkg/bus"
	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/llm"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/registry"
	"github.com/horizon-qa/atlas/pkg/runtime"
	"github.com/horizon-qa/atlas/pkg/skills"
	"github.com/horizon-qa/atlas/pkg/tools"
	"github.com/horizon-qa/atlas/test/util"
)

type routerHarness struct {
	rt     *runtime.Runtime
	router *runtime.Router
	reg    *registry.Registry
	bus    *bus.Bus
	llm    *llm.StubClient
	client *database.Client
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	client, _ := util.SetupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	eventBus := bus.New(client.DB(), client.Events, logger)
	skillReg := skills.NewRegistry(logger)
	reg := registry.New(client.Registry, skillReg, logger)
	stub := llm.NewStubClient()

	rt := runtime.New(runtime.Config{
		DefaultTaskTimeout: 30 * time.Second,
		TurnTimeout:        10 * time.Second,
	}, reg, skillReg, stub, tools.NewStubExecutor(), eventBus, nil, client.Instances, client.Tasks, logger)
	router := runtime.NewRouter(reg, rt, eventBus, logger)

	t.Cleanup(func() {
		router.Stop()
		rt.Shutdown(context.Background())
	})
	return &routerHarness{rt: rt, router: router, reg: reg, bus: eventBus, llm: stub, client: client}
}

func (h *routerHarness) publishAgent(t *testing.T, def *models.AgentDefinition) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.reg.Register(ctx, def))
	require.NoError(t, h.reg.Publish(ctx, def.AgentID, def.Version))
}

func TestRouterDispatchesMatchingEvent(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	def := onDemandAgent("monitor")
	def.Triggers = []models.Trigger{{EventType: "alert.blackscreen"}}
	h.publishAgent(t, def)
	require.NoError(t, h.router.Start(ctx))

	h.llm.Enqueue(&llm.Response{Text: "Investigated: encoder restart fixed it.", StopReason: llm.StopReasonEndTurn})

	ev := &models.Event{
		Type:     "alert.blackscreen",
		Priority: models.PriorityHigh,
		Payload:  map[string]any{"device": "stb-42"},
	}
	require.NoError(t, h.bus.Publish(ctx, ev))

	// The routed task runs to completion on a fresh instance.
	require.Eventually(t, func() bool {
		instances := h.rt.ListInstances("monitor")
		if len(instances) != 1 {
			return false
		}
		tasks, err := h.client.Tasks.ListByInstance(ctx, instances[0].InstanceID, 10)
		return err == nil && len(tasks) == 1 && tasks[0].State == models.TaskStateCompleted
	}, 10*time.Second, 50*time.Millisecond)

	// The event log records which agent consumed it.
	stored, err := h.client.Events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "monitor", stored.ProcessedBy)

	stats := h.router.Stats()
	assert.Equal(t, int64(1), stats.Matched)
	assert.Equal(t, int64(1), stats.PerType["alert.blackscreen"])

	// The task carries the triggering event as its driving message.
	calls := h.llm.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].Messages[0].Content, "alert.blackscreen")
}

func TestRouterPayloadFilterGatesDispatch(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	def := onDemandAgent("stb-specialist")
	def.Triggers = []models.Trigger{{
		EventType: "alert.blackscreen",
		Filters:   map[string]any{"model": "stb-9000"},
	}}
	h.publishAgent(t, def)
	require.NoError(t, h.router.Start(ctx))

	// Filter mismatch: no agent matches, the event surfaces as unhandled.
	miss := &models.Event{Type: "alert.blackscreen", Payload: map[string]any{"model": "stb-1000"}}
	require.NoError(t, h.bus.Publish(ctx, miss))

	require.Eventually(t, func() bool {
		events, err := h.bus.Replay(ctx, database.ReplayFilter{Type: models.EventTypeUnhandled})
		return err == nil && len(events) == 1
	}, 5*time.Second, 50*time.Millisecond)

	events, err := h.bus.Replay(ctx, database.ReplayFilter{Type: models.EventTypeUnhandled})
	require.NoError(t, err)
	assert.Equal(t, "alert.blackscreen", events[0].Payload["original_type"])
	assert.Equal(t, miss.ID, events[0].Payload["original_id"])
	assert.Empty(t, h.rt.ListInstances("stb-specialist"))
	assert.Equal(t, int64(1), h.router.Stats().Unmatched)

	// Filter match dispatches.
	h.llm.Enqueue(&llm.Response{Text: "Handled.", StopReason: llm.StopReasonEndTurn})
	hit := &models.Event{Type: "alert.blackscreen", Payload: map[string]any{"model": "stb-9000"}}
	require.NoError(t, h.bus.Publish(ctx, hit))

	require.Eventually(t, func() bool {
		return len(h.rt.ListInstances("stb-specialist")) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRouterRefreshTracksPublishedTriggers(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	require.NoError(t, h.router.Start(ctx))

	// Nothing published yet: events of any type go unhandled.
	def := onDemandAgent("monitor")
	def.Triggers = []models.Trigger{{EventType: "build.deployed"}}
	require.NoError(t, h.reg.Register(ctx, def))

	require.NoError(t, h.bus.Publish(ctx, &models.Event{Type: "build.deployed"}))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, h.rt.ListInstances("monitor"))

	// Publishing plus a refresh wires the subscription.
	require.NoError(t, h.reg.Publish(ctx, "monitor", "1.0.0"))
	require.NoError(t, h.router.Refresh(ctx))

	h.llm.Enqueue(&llm.Response{Text: "Deployment noted.", StopReason: llm.StopReasonEndTurn})
	require.NoError(t, h.bus.Publish(ctx, &models.Event{Type: "build.deployed"}))

	require.Eventually(t, func() bool {
		return len(h.rt.ListInstances("monitor")) == 1
	}, 5*time.Second, 50*time.Millisecond)

	// Deprecating the only version and refreshing drops the subscription.
	require.NoError(t, h.reg.Deprecate(ctx, "monitor", "1.0.0"))
	require.NoError(t, h.router.Refresh(ctx))
	before := h.router.Stats().PerType["build.deployed"]
	require.NoError(t, h.bus.Publish(ctx, &models.Event{Type: "build.deployed"}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, h.router.Stats().PerType["build.deployed"])
}
