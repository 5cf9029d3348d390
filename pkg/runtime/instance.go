package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/tools"
)

// taskEnvelope carries one queued task plus its completion channel and the
// delegation visited-set for cycle detection.
type taskEnvelope struct {
	task    *models.Task
	done    chan *models.Task // buffered 1; receives the finished task
	visited map[string]bool   // agent ids already on the delegation path
}

// Instance is one running incarnation of an agent. Its run loop consumes the
// bounded task queue; state transitions follow the instance state machine.
type Instance struct {
	id      string
	def     *models.AgentDefinition
	session *SessionContext
	cache   *tools.ResultCache
	rt      *Runtime

	queueMu sync.Mutex
	queue   chan *taskEnvelope

	stateMu     sync.Mutex
	curState    models.InstanceState
	curTaskID   string
	startedAt   time.Time
	lastBeat    time.Time
	lastOutcome string

	cancelled atomic.Bool // cooperative cancel flag for the current task
	paused    atomic.Bool
	resumeCh  chan struct{}
	resumeMu  sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newInstance(id string, def *models.AgentDefinition, queueDepth int, cache *tools.ResultCache, rt *Runtime) *Instance {
	now := time.Now()
	return &Instance{
		id:        id,
		def:       def,
		session:   NewSessionContext(),
		cache:     cache,
		rt:        rt,
		queue:     make(chan *taskEnvelope, queueDepth),
		curState:  models.InstanceStateIdle,
		startedAt: now,
		lastBeat:  now,
		resumeCh:  make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// ID returns the instance id, which also serves as the push session id.
func (in *Instance) ID() string { return in.id }

// Definition returns the agent definition this instance runs.
func (in *Instance) Definition() *models.AgentDefinition { return in.def }

// record snapshots the instance as its persisted model.
func (in *Instance) record() *models.AgentInstance {
	in.stateMu.Lock()
	defer in.stateMu.Unlock()
	return &models.AgentInstance{
		InstanceID:      in.id,
		AgentID:         in.def.AgentID,
		AgentVersion:    in.def.Version,
		State:           in.curState,
		CurrentTaskID:   in.curTaskID,
		StartedAt:       in.startedAt,
		LastHeartbeat:   in.lastBeat,
		LastTaskOutcome: in.lastOutcome,
	}
}

func (in *Instance) state() models.InstanceState {
	in.stateMu.Lock()
	defer in.stateMu.Unlock()
	return in.curState
}

func (in *Instance) currentTaskID() string {
	in.stateMu.Lock()
	defer in.stateMu.Unlock()
	return in.curTaskID
}

func (in *Instance) queueLen() int {
	return len(in.queue)
}

// setState updates in-memory state and persists it. A persistence failure is
// fatal to the instance: it transitions to error to prevent divergence
// between in-memory and durable state.
func (in *Instance) setState(ctx context.Context, state models.InstanceState, taskID, outcome string) {
	in.stateMu.Lock()
	in.curState = state
	in.curTaskID = taskID
	in.lastBeat = time.Now()
	if outcome != "" {
		in.lastOutcome = outcome
	}
	in.stateMu.Unlock()

	if err := in.rt.instStore.UpdateState(ctx, in.id, state, taskID); err != nil {
		in.rt.logger.Error("Instance state write failed, marking instance errored",
			"instance_id", in.id, "state", state, "error", err)
		in.stateMu.Lock()
		in.curState = models.InstanceStateError
		in.stateMu.Unlock()
	}
}

// enqueue places a task on the queue. On overflow, continuous agents drop
// the oldest buffered task; on-demand agents reject the new one.
func (in *Instance) enqueue(ctx context.Context, task *models.Task, visited map[string]bool) (chan *models.Task, error) {
	if in.state() == models.InstanceStateStopped {
		return nil, ErrInstanceStopped
	}
	task.InstanceID = in.id
	if task.State == "" {
		task.State = models.TaskStateQueued
	}
	env := &taskEnvelope{
		task:    task,
		done:    make(chan *models.Task, 1),
		visited: visited,
	}

	in.queueMu.Lock()
	defer in.queueMu.Unlock()
	for {
		select {
		case in.queue <- env:
			return env.done, nil
		default:
		}
		if in.def.Goal.Kind != models.GoalKindContinuous {
			return nil, ErrQueueFull
		}
		// Oldest-drop for continuous agents.
		select {
		case dropped := <-in.queue:
			dropped.task.State = models.TaskStateCancelled
			dropped.task.Error = "dropped: instance queue overflow"
			dropped.done <- dropped.task
			in.rt.logger.Warn("Dropped oldest queued task on overflow",
				"instance_id", in.id, "task_id", dropped.task.TaskID)
		default:
		}
	}
}

// run is the instance's main loop: consume queued tasks one at a time.
func (in *Instance) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stopCh:
			return
		case env := <-in.queue:
			in.cancelled.Store(false)
			in.setState(ctx, models.InstanceStateRunning, env.task.TaskID, "")
			done := in.rt.executeTask(ctx, in, env)
			outcome := string(done.State)
			if in.state() != models.InstanceStateError {
				next := models.InstanceStateIdle
				if in.paused.Load() {
					next = models.InstanceStatePaused
				}
				in.setState(ctx, next, "", outcome)
			}
			env.done <- done
		}
	}
}

// stop requests cooperative cancellation and terminates the run loop. Queued
// tasks are drained as cancelled.
func (in *Instance) stop() {
	in.stopOnce.Do(func() {
		in.cancelled.Store(true)
		in.resume() // unpark a paused task so it can observe cancellation
		close(in.stopCh)

		in.stateMu.Lock()
		in.curState = models.InstanceStateStopped
		in.curTaskID = ""
		in.stateMu.Unlock()

		for {
			select {
			case env := <-in.queue:
				env.task.State = models.TaskStateCancelled
				env.task.Error = "instance stopped"
				env.done <- env.task
			default:
				in.cache.Purge()
				return
			}
		}
	})
}

// pause parks the task loop at its next suspension point.
func (in *Instance) pause() {
	in.resumeMu.Lock()
	defer in.resumeMu.Unlock()
	if !in.paused.Swap(true) {
		in.resumeCh = make(chan struct{})
	}
}

// resume unparks a paused instance.
func (in *Instance) resume() {
	in.resumeMu.Lock()
	defer in.resumeMu.Unlock()
	if in.paused.Swap(false) {
		close(in.resumeCh)
	}
}

// waitIfPaused blocks while the instance is paused. Returns false when the
// wait was interrupted by cancellation or context end.
func (in *Instance) waitIfPaused(ctx context.Context) bool {
	for in.paused.Load() {
		in.resumeMu.Lock()
		ch := in.resumeCh
		in.resumeMu.Unlock()
		select {
		case <-ch:
		case <-in.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}
