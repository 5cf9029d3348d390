// Package runtime hosts agent instances: lifecycle control, per-instance
// task queues, the LLM task loop with skill switching and delegation, and
// session memory.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/llm"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/registry"
	"github.com/horizon-qa/atlas/pkg/skills"
	"github.com/horizon-qa/atlas/pkg/tools"
)

// Sentinel errors for runtime operations.
var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceStopped  = errors.New("instance is stopped")
	ErrDelegationCycle  = errors.New("delegation cycle detected")
	ErrQueueFull        = errors.New("instance event queue full")
)

// Publisher is the slice of the event bus the runtime needs.
type Publisher interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// PushSink delivers live task progress to external subscribers, keyed by
// session (instance) id.
type PushSink interface {
	Thinking(ctx context.Context, sessionID, text string)
	ToolCall(ctx context.Context, sessionID, tool string, params map[string]any)
	ToolResult(ctx context.Context, sessionID, tool, content string, isError, cacheHit bool)
	Message(ctx context.Context, sessionID, text string)
	SkillLoaded(ctx context.Context, sessionID, skill string)
	SkillUnloaded(ctx context.Context, sessionID string)
	SessionEnded(ctx context.Context, sessionID, outcome string)
	ErrorEvent(ctx context.Context, sessionID, message string)
}

// Config tunes the runtime.
type Config struct {
	// EventQueueDepth bounds each instance's task queue when the agent's own
	// config does not set one.
	EventQueueDepth int
	// DefaultTaskTimeout applies when neither agent nor skill sets one.
	DefaultTaskTimeout time.Duration
	// DefaultMaxParallelTasks bounds instances per agent when the agent's own
	// config does not set one.
	DefaultMaxParallelTasks int
	// TurnTimeout bounds a single LLM call.
	TurnTimeout time.Duration
	// MaxTurns bounds the task loop.
	MaxTurns int
	// CacheSize bounds each instance's tool result cache.
	CacheSize int
}

func (c Config) withDefaults() Config {
	if c.EventQueueDepth <= 0 {
		c.EventQueueDepth = 64
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 15 * time.Minute
	}
	if c.DefaultMaxParallelTasks <= 0 {
		c.DefaultMaxParallelTasks = 3
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 30
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	return c
}

// Runtime manages all agent instances in this process.
type Runtime struct {
	cfg      Config
	registry *registry.Registry
	skills   *skills.Registry
	llm      llm.Client
	tools    tools.Executor
	bus      Publisher
	push     PushSink
	logger   *slog.Logger

	instStore *database.InstanceStore
	taskStore *database.TaskStore

	mu        sync.RWMutex
	instances map[string]*Instance

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates the runtime. push may be nil when no push surface is wired.
func New(
	cfg Config,
	reg *registry.Registry,
	skillReg *skills.Registry,
	llmClient llm.Client,
	executor tools.Executor,
	bus Publisher,
	push PushSink,
	instStore *database.InstanceStore,
	taskStore *database.TaskStore,
	logger *slog.Logger,
) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:        cfg.withDefaults(),
		registry:   reg,
		skills:     skillReg,
		llm:        llmClient,
		tools:      executor,
		bus:        bus,
		push:       push,
		logger:     logger.With("component", "runtime"),
		instStore:  instStore,
		taskStore:  taskStore,
		instances:  make(map[string]*Instance),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// StartAgent creates and starts a fresh instance of the agent. An empty
// version resolves to the latest published version.
func (r *Runtime) StartAgent(ctx context.Context, agentID, version string) (string, error) {
	def, err := r.registry.Get(ctx, agentID, version)
	if err != nil {
		return "", err
	}
	inst, err := r.startInstance(ctx, def)
	if err != nil {
		return "", err
	}
	return inst.ID(), nil
}

func (r *Runtime) startInstance(ctx context.Context, def *models.AgentDefinition) (*Instance, error) {
	depth := def.Config.EventQueueDepth
	if depth <= 0 {
		depth = r.cfg.EventQueueDepth
	}

	cache, err := tools.NewResultCache(r.cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	inst := newInstance(uuid.NewString(), def, depth, cache, r)

	record := inst.record()
	if err := r.instStore.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist instance: %w", err)
	}

	r.mu.Lock()
	r.instances[inst.ID()] = inst
	r.mu.Unlock()

	go inst.run(r.rootCtx)

	r.logger.Info("Agent instance started",
		"instance_id", inst.ID(), "agent_id", def.AgentID, "version", def.Version)
	r.emitLifecycle(ctx, models.EventTypeAgentStarted, inst, "")
	return inst, nil
}

// StopAgent cancels the current task cooperatively, removes the instance,
// and marks it stopped. Stopped is terminal; reuse requires StartAgent.
func (r *Runtime) StopAgent(ctx context.Context, instanceID string) error {
	inst, err := r.instance(instanceID)
	if err != nil {
		return err
	}
	inst.stop()

	r.mu.Lock()
	delete(r.instances, instanceID)
	r.mu.Unlock()

	if err := r.instStore.UpdateState(ctx, instanceID, models.InstanceStateStopped, ""); err != nil {
		r.logger.Error("Failed to persist stopped state", "instance_id", instanceID, "error", err)
	}
	r.logger.Info("Agent instance stopped", "instance_id", instanceID)
	r.emitLifecycle(ctx, models.EventTypeAgentStopped, inst, "")
	return nil
}

// PauseAgent parks the instance at its next safe suspension point. In-flight
// LLM calls complete first.
func (r *Runtime) PauseAgent(ctx context.Context, instanceID string) error {
	inst, err := r.instance(instanceID)
	if err != nil {
		return err
	}
	inst.pause()
	if err := r.instStore.UpdateState(ctx, instanceID, models.InstanceStatePaused, inst.currentTaskID()); err != nil {
		r.logger.Error("Failed to persist paused state", "instance_id", instanceID, "error", err)
	}
	return nil
}

// ResumeAgent continues a paused instance from its next suspension point.
func (r *Runtime) ResumeAgent(ctx context.Context, instanceID string) error {
	inst, err := r.instance(instanceID)
	if err != nil {
		return err
	}
	inst.resume()
	state := models.InstanceStateIdle
	taskID := inst.currentTaskID()
	if taskID != "" {
		state = models.InstanceStateRunning
	}
	if err := r.instStore.UpdateState(ctx, instanceID, state, taskID); err != nil {
		r.logger.Error("Failed to persist resumed state", "instance_id", instanceID, "error", err)
	}
	return nil
}

// ListInstances returns the live instances, optionally filtered to one agent.
func (r *Runtime) ListInstances(agentID string) []*models.AgentInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.AgentInstance
	for _, inst := range r.instances {
		if agentID != "" && inst.def.AgentID != agentID {
			continue
		}
		out = append(out, inst.record())
	}
	return out
}

// Status returns the live record of one instance.
func (r *Runtime) Status(instanceID string) (*models.AgentInstance, error) {
	inst, err := r.instance(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.record(), nil
}

// Dispatch enqueues a task on the instance. A full queue drops the oldest
// buffered task for continuous agents; for on-demand agents the new task is
// rejected with ErrQueueFull.
func (r *Runtime) Dispatch(ctx context.Context, instanceID string, task *models.Task) error {
	inst, err := r.instance(instanceID)
	if err != nil {
		return err
	}
	_, err = inst.enqueue(ctx, task, nil)
	return err
}

// DispatchWait enqueues a task and returns a channel that receives the
// completed task exactly once.
func (r *Runtime) DispatchWait(ctx context.Context, instanceID string, task *models.Task, visited map[string]bool) (<-chan *models.Task, error) {
	inst, err := r.instance(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.enqueue(ctx, task, visited)
}

// FindOrStartInstance returns an idle instance of the agent, or starts a new
// one subject to max_parallel_tasks. When every instance is busy and the
// limit is reached, the least loaded instance is returned for queueing.
func (r *Runtime) FindOrStartInstance(ctx context.Context, def *models.AgentDefinition) (*Instance, error) {
	r.mu.RLock()
	var existing []*Instance
	for _, inst := range r.instances {
		if inst.def.AgentID == def.AgentID {
			existing = append(existing, inst)
		}
	}
	r.mu.RUnlock()

	for _, inst := range existing {
		if inst.state() == models.InstanceStateIdle && inst.queueLen() == 0 {
			return inst, nil
		}
	}

	limit := def.Config.MaxParallelTasks
	if limit <= 0 {
		limit = r.cfg.DefaultMaxParallelTasks
	}
	if len(existing) < limit {
		return r.startInstance(ctx, def)
	}

	var best *Instance
	for _, inst := range existing {
		if inst.state() == models.InstanceStateStopped || inst.state() == models.InstanceStateError {
			continue
		}
		if best == nil || inst.queueLen() < best.queueLen() {
			best = inst
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no usable instance for agent %s", def.AgentID)
	}
	return best, nil
}

// Shutdown stops every instance and cancels the runtime root context.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	for _, inst := range instances {
		inst.stop()
		if err := r.instStore.UpdateState(ctx, inst.ID(), models.InstanceStateStopped, ""); err != nil {
			r.logger.Error("Failed to persist stopped state on shutdown",
				"instance_id", inst.ID(), "error", err)
		}
	}
	r.rootCancel()
	r.logger.Info("Runtime shut down", "instances", len(instances))
}

func (r *Runtime) instance(instanceID string) (*Instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return inst, nil
}

func (r *Runtime) emitLifecycle(ctx context.Context, eventType string, inst *Instance, taskID string) {
	payload := map[string]any{
		"instance_id": inst.ID(),
		"agent_id":    inst.def.AgentID,
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	ev := &models.Event{Type: eventType, Payload: payload, Priority: models.PriorityNormal}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("Failed to publish lifecycle event",
			"event_type", eventType, "instance_id", inst.ID(), "error", err)
	}
}
