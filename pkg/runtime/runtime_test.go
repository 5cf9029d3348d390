package runtime_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/llm"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/registry"
	"github.com/horizon-qa/atlas/pkg/runtime"
	"github.com/horizon-qa/atlas/pkg/skills"
	"github.com/horizon-qa/atlas/pkg/tools"
	"github.com/horizon-qa/atlas/test/util"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type harness struct {
	rt     *runtime.Runtime
	reg    *registry.Registry
	skills *skills.Registry
	llm    *llm.StubClient
	exec   *tools.StubExecutor
	client *database.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, _ := util.SetupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	skillReg := skills.NewRegistry(logger)
	reg := registry.New(client.Registry, skillReg, logger)
	stub := llm.NewStubClient()
	exec := tools.NewStubExecutor()

	rt := runtime.New(runtime.Config{
		EventQueueDepth:    4,
		DefaultTaskTimeout: 30 * time.Second,
		TurnTimeout:        10 * time.Second,
		MaxTurns:           10,
	}, reg, skillReg, stub, exec, &recordingPublisher{}, nil, client.Instances, client.Tasks, logger)

	t.Cleanup(func() { rt.Shutdown(context.Background()) })
	return &harness{rt: rt, reg: reg, skills: skillReg, llm: stub, exec: exec, client: client}
}

func (h *harness) registerAgent(t *testing.T, def *models.AgentDefinition) {
	t.Helper()
	require.NoError(t, h.reg.Register(context.Background(), def))
}

func onDemandAgent(agentID string) *models.AgentDefinition {
	return &models.AgentDefinition{
		AgentID:      agentID,
		Version:      "1.0.0",
		Name:         agentID,
		Goal:         models.AgentGoal{Kind: models.GoalKindOnDemand},
		DefaultTools: []string{"screenshot"},
	}
}

func newTask(message string) *models.Task {
	return &models.Task{TaskID: uuid.NewString(), UserMessage: message, State: models.TaskStateQueued}
}

func awaitTask(t *testing.T, done <-chan *models.Task) *models.Task {
	t.Helper()
	select {
	case task := <-done:
		return task
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for task completion")
		return nil
	}
}

func TestDispatchWaitCompletesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerAgent(t, onDemandAgent("checker"))
	h.llm.Enqueue(&llm.Response{Text: "All checks passed.", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	task := newTask("verify the EPG grid loads")
	done, err := h.rt.DispatchWait(ctx, instanceID, task, nil)
	require.NoError(t, err)

	finished := awaitTask(t, done)
	assert.Equal(t, models.TaskStateCompleted, finished.State)
	assert.Equal(t, "All checks passed.", finished.FinalText)
	require.NotNil(t, finished.StartedAt)
	require.NotNil(t, finished.EndedAt)

	// The task record is durable.
	stored, err := h.client.Tasks.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.TaskStateCompleted, stored.State)
	assert.Equal(t, instanceID, stored.InstanceID)

	// Instance returns to idle.
	require.Eventually(t, func() bool {
		inst, err := h.rt.Status(instanceID)
		return err == nil && inst.State == models.InstanceStateIdle
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTaskLoopRunsToolCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerAgent(t, onDemandAgent("checker"))
	h.exec.Script("screenshot", &tools.Result{Content: "image saved to /tmp/s.png"})
	h.llm.Enqueue(&llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: "tc-1", Name: "screenshot", Arguments: `{"region":"full"}`}},
		StopReason: llm.StopReasonToolUse,
	})
	h.llm.Enqueue(&llm.Response{Text: "Screenshot captured.", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	done, err := h.rt.DispatchWait(ctx, instanceID, newTask("grab a screenshot"), nil)
	require.NoError(t, err)
	finished := awaitTask(t, done)

	assert.Equal(t, models.TaskStateCompleted, finished.State)
	require.Len(t, finished.ToolCalls, 1)
	assert.Equal(t, "screenshot", finished.ToolCalls[0].Tool)
	assert.Equal(t, "image saved to /tmp/s.png", finished.ToolCalls[0].Result)
	assert.False(t, finished.ToolCalls[0].CacheHit)

	require.Len(t, h.exec.Calls(), 1)
	assert.Equal(t, map[string]any{"region": "full"}, h.exec.Calls()[0].Params)

	// The second LLM turn sees the tool result message.
	calls := h.llm.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "image saved to /tmp/s.png", last.Content)
	assert.Equal(t, "tc-1", last.ToolCallID)

	// The finished turn lands in session history for the next task.
	h.llm.Enqueue(&llm.Response{Text: "Nothing new.", StopReason: llm.StopReasonEndTurn})
	done, err = h.rt.DispatchWait(ctx, instanceID, newTask("anything changed?"), nil)
	require.NoError(t, err)
	awaitTask(t, done)

	calls = h.llm.Calls()
	history := calls[len(calls)-1].Messages
	require.Len(t, history, 3)
	assert.Equal(t, "grab a screenshot", history[0].Content)
	assert.Equal(t, "Screenshot captured.", history[1].Content)
	assert.Equal(t, "anything changed?", history[2].Content)
}

func TestEmptyResponseFailsWithDiagnostic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerAgent(t, onDemandAgent("checker"))
	h.llm.Enqueue(&llm.Response{
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{TotalTokens: 48211},
	})

	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	done, err := h.rt.DispatchWait(ctx, instanceID, newTask("check the guide"), nil)
	require.NoError(t, err)
	finished := awaitTask(t, done)

	// No text and no tool calls on end_turn fails the task with a
	// diagnostic, without another LLM round trip.
	assert.Equal(t, models.TaskStateFailed, finished.State)
	assert.Contains(t, finished.Error, "empty LLM response")
	assert.Contains(t, finished.Error, "tokens=48211")
	assert.Len(t, h.llm.Calls(), 1)
}

func TestRollingSummaryRecordsEachToolTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerAgent(t, onDemandAgent("checker"))
	h.exec.Script("navigate", &tools.Result{Content: "at home screen"})
	h.exec.Script("dump_ui", &tools.Result{Content: "tree captured"})

	// Task one: two tool turns, then a terminal answer.
	h.llm.Enqueue(&llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: "tc-1", Name: "navigate", Arguments: `{}`}},
		StopReason: llm.StopReasonToolUse,
	})
	h.llm.Enqueue(&llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: "tc-2", Name: "dump_ui", Arguments: `{}`}},
		StopReason: llm.StopReasonToolUse,
	})
	h.llm.Enqueue(&llm.Response{Text: "Guide reached.", StopReason: llm.StopReasonEndTurn})
	// Task two pushes the literal history past the kept window.
	h.llm.Enqueue(&llm.Response{Text: "Still fine.", StopReason: llm.StopReasonEndTurn})
	// Task three opens with the composed summary.
	h.llm.Enqueue(&llm.Response{Text: "Done.", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	for _, msg := range []string{"open the guide", "anything broken?", "wrap up"} {
		done, err := h.rt.DispatchWait(ctx, instanceID, newTask(msg), nil)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStateCompleted, awaitTask(t, done).State)
	}

	calls := h.llm.Calls()
	opening := calls[len(calls)-1].Messages[0]
	assert.Equal(t, "user", opening.Role)
	assert.Contains(t, opening.Content, "Summary of the conversation so far:")
	// The second tool turn left its own line; a single end-of-task line
	// would only carry the first tool.
	assert.Contains(t, opening.Content, "dump_ui")
}

func TestLoadSkillSwitchesMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.skills.Add(&models.SkillDefinition{
		Name:         "ui_navigation",
		SystemPrompt: "You navigate set-top box UIs.",
		Tools:        []string{"navigate", "screenshot"},
	}))

	def := onDemandAgent("checker")
	def.AvailableSkills = []string{"ui_navigation"}
	h.registerAgent(t, def)

	h.llm.Enqueue(&llm.Response{Text: "LOAD SKILL ui_navigation", StopReason: llm.StopReasonEndTurn})
	h.llm.Enqueue(&llm.Response{Text: "Navigated to the guide.", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	done, err := h.rt.DispatchWait(ctx, instanceID, newTask("open the guide"), nil)
	require.NoError(t, err)
	finished := awaitTask(t, done)
	assert.Equal(t, models.TaskStateCompleted, finished.State)

	calls := h.llm.Calls()
	require.Len(t, calls, 2)
	// After the switch the skill's prompt and tools are in effect.
	assert.Contains(t, calls[1].SystemPrompt, "You navigate set-top box UIs.")
	toolNames := make([]string, 0, len(calls[1].Tools))
	for _, td := range calls[1].Tools {
		toolNames = append(toolNames, td.Name)
	}
	assert.Contains(t, toolNames, "navigate")
	// The loop acknowledged the switch back to the model.
	ack := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "user", ack.Role)
	assert.Contains(t, ack.Content, "Skill ui_navigation loaded")
}

func TestLoadSkillUnavailableIsTerminalText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerAgent(t, onDemandAgent("checker"))
	h.llm.Enqueue(&llm.Response{Text: "LOAD SKILL quantum_debugging", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	done, err := h.rt.DispatchWait(ctx, instanceID, newTask("debug this"), nil)
	require.NoError(t, err)
	finished := awaitTask(t, done)

	// The undeclared skill directive degrades to a plain text completion.
	assert.Equal(t, models.TaskStateCompleted, finished.State)
	assert.Equal(t, "LOAD SKILL quantum_debugging", finished.FinalText)
	require.Len(t, h.llm.Calls(), 1)
}

func TestToolCacheHitUnderSkillPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.skills.Add(&models.SkillDefinition{
		Name:         "ui_navigation",
		SystemPrompt: "You navigate set-top box UIs.",
		Tools:        []string{"screenshot"},
		ToolCache: map[string]models.ToolCachePolicy{
			"screenshot": {Enabled: true, TTLSeconds: 300},
		},
	}))
	def := onDemandAgent("checker")
	def.AvailableSkills = []string{"ui_navigation"}
	h.registerAgent(t, def)

	h.exec.Script("screenshot", &tools.Result{Content: "image"})
	h.llm.Enqueue(&llm.Response{Text: "LOAD SKILL ui_navigation", StopReason: llm.StopReasonEndTurn})
	h.llm.Enqueue(&llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: "tc-1", Name: "screenshot", Arguments: `{"region":"full"}`}},
		StopReason: llm.StopReasonToolUse,
	})
	h.llm.Enqueue(&llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: "tc-2", Name: "screenshot", Arguments: `{"region":"full"}`}},
		StopReason: llm.StopReasonToolUse,
	})
	h.llm.Enqueue(&llm.Response{Text: "Same screen twice.", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	done, err := h.rt.DispatchWait(ctx, instanceID, newTask("compare screens"), nil)
	require.NoError(t, err)
	finished := awaitTask(t, done)

	assert.Equal(t, models.TaskStateCompleted, finished.State)
	require.Len(t, finished.ToolCalls, 2)
	assert.False(t, finished.ToolCalls[0].CacheHit)
	assert.True(t, finished.ToolCalls[1].CacheHit)

	// Only the first call reached the tool runtime.
	assert.Len(t, h.exec.Calls(), 1)
}

func TestDelegationRunsChildWithCleanHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerAgent(t, onDemandAgent("helper"))
	parent := onDemandAgent("coordinator")
	parent.SubAgents = []models.SubAgentRef{{AgentID: "helper"}}
	h.registerAgent(t, parent)

	// Call order: parent turn, child turn, parent turn.
	h.llm.Enqueue(&llm.Response{Text: "DELEGATE TO helper", StopReason: llm.StopReasonEndTurn})
	h.llm.Enqueue(&llm.Response{Text: "Child verdict: playback is fine.", StopReason: llm.StopReasonEndTurn})
	h.llm.Enqueue(&llm.Response{Text: "Summary: playback verified.", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "coordinator", "1.0.0")
	require.NoError(t, err)

	task := newTask("verify playback end to end")
	done, err := h.rt.DispatchWait(ctx, instanceID, task, nil)
	require.NoError(t, err)
	finished := awaitTask(t, done)

	assert.Equal(t, models.TaskStateCompleted, finished.State)
	assert.Equal(t, "Summary: playback verified.", finished.FinalText)
	assert.Len(t, finished.ChildTaskIDs, 1)

	calls := h.llm.Calls()
	require.Len(t, calls, 3)

	// The child sees only the delegation message, no parent history.
	child := calls[1]
	require.Len(t, child.Messages, 1)
	assert.Equal(t, "user", child.Messages[0].Role)
	assert.Equal(t, "verify playback end to end", child.Messages[0].Content)

	// The parent's next turn carries the child's answer.
	last := calls[2].Messages[len(calls[2].Messages)-1]
	assert.Contains(t, last.Content, "Delegation result from helper")
	assert.Contains(t, last.Content, "playback is fine")

	// The child task is persisted with its parent linkage.
	childTask, err := h.client.Tasks.Get(ctx, finished.ChildTaskIDs[0])
	require.NoError(t, err)
	require.NotNil(t, childTask)
	assert.Equal(t, task.TaskID, childTask.ParentTaskID)
	assert.Equal(t, models.TaskStateCompleted, childTask.State)
}

func TestDelegationCycleFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	helper := onDemandAgent("helper")
	helper.SubAgents = []models.SubAgentRef{{AgentID: "coordinator"}}
	h.registerAgent(t, helper)
	parent := onDemandAgent("coordinator")
	parent.SubAgents = []models.SubAgentRef{{AgentID: "helper"}}
	h.registerAgent(t, parent)

	h.llm.Enqueue(&llm.Response{Text: "DELEGATE TO helper", StopReason: llm.StopReasonEndTurn})
	h.llm.Enqueue(&llm.Response{Text: "DELEGATE TO coordinator", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "coordinator", "1.0.0")
	require.NoError(t, err)

	done, err := h.rt.DispatchWait(ctx, instanceID, newTask("loop forever"), nil)
	require.NoError(t, err)
	finished := awaitTask(t, done)

	assert.Equal(t, models.TaskStateFailed, finished.State)
	assert.Contains(t, finished.Error, "delegation cycle")
}

func TestOnDemandQueueOverflowRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := onDemandAgent("checker")
	def.Config.EventQueueDepth = 1
	h.registerAgent(t, def)

	h.llm.Enqueue(&llm.Response{Text: "First done.", StopReason: llm.StopReasonEndTurn})
	h.llm.Enqueue(&llm.Response{Text: "Second done.", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	// Park the loop so the first task occupies the worker and the second
	// fills the depth-1 queue.
	require.NoError(t, h.rt.PauseAgent(ctx, instanceID))
	done1, err := h.rt.DispatchWait(ctx, instanceID, newTask("task one"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inst, err := h.rt.Status(instanceID)
		return err == nil && inst.CurrentTaskID != ""
	}, 5*time.Second, 10*time.Millisecond)

	done2, err := h.rt.DispatchWait(ctx, instanceID, newTask("task two"), nil)
	require.NoError(t, err)

	err = h.rt.Dispatch(ctx, instanceID, newTask("task three"))
	assert.ErrorIs(t, err, runtime.ErrQueueFull)

	require.NoError(t, h.rt.ResumeAgent(ctx, instanceID))
	assert.Equal(t, models.TaskStateCompleted, awaitTask(t, done1).State)
	assert.Equal(t, models.TaskStateCompleted, awaitTask(t, done2).State)
}

func TestContinuousQueueOverflowDropsOldest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := onDemandAgent("watcher")
	def.Goal.Kind = models.GoalKindContinuous
	def.Config.EventQueueDepth = 1
	h.registerAgent(t, def)

	h.llm.Enqueue(&llm.Response{Text: "First done.", StopReason: llm.StopReasonEndTurn})
	h.llm.Enqueue(&llm.Response{Text: "Third done.", StopReason: llm.StopReasonEndTurn})

	instanceID, err := h.rt.StartAgent(ctx, "watcher", "1.0.0")
	require.NoError(t, err)

	require.NoError(t, h.rt.PauseAgent(ctx, instanceID))
	done1, err := h.rt.DispatchWait(ctx, instanceID, newTask("task one"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inst, err := h.rt.Status(instanceID)
		return err == nil && inst.CurrentTaskID != ""
	}, 5*time.Second, 10*time.Millisecond)

	done2, err := h.rt.DispatchWait(ctx, instanceID, newTask("task two"), nil)
	require.NoError(t, err)
	done3, err := h.rt.DispatchWait(ctx, instanceID, newTask("task three"), nil)
	require.NoError(t, err)

	// The buffered task two was evicted in favor of task three.
	dropped := awaitTask(t, done2)
	assert.Equal(t, models.TaskStateCancelled, dropped.State)
	assert.Contains(t, dropped.Error, "queue overflow")

	require.NoError(t, h.rt.ResumeAgent(ctx, instanceID))
	assert.Equal(t, models.TaskStateCompleted, awaitTask(t, done1).State)
	assert.Equal(t, models.TaskStateCompleted, awaitTask(t, done3).State)
}

func TestStopAgentIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerAgent(t, onDemandAgent("checker"))
	instanceID, err := h.rt.StartAgent(ctx, "checker", "1.0.0")
	require.NoError(t, err)

	require.NoError(t, h.rt.StopAgent(ctx, instanceID))

	_, err = h.rt.Status(instanceID)
	assert.ErrorIs(t, err, runtime.ErrInstanceNotFound)
	err = h.rt.Dispatch(ctx, instanceID, newTask("too late"))
	assert.ErrorIs(t, err, runtime.ErrInstanceNotFound)
	assert.Empty(t, h.rt.ListInstances("checker"))

	stored, err := h.client.Instances.Get(ctx, instanceID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.InstanceStateStopped, stored.State)
}

func TestStartAgentUnknownDefinition(t *testing.T) {
	h := newHarness(t)
	_, err := h.rt.StartAgent(context.Background(), "ghost", "1.0.0")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
