package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/horizon-qa/atlas/pkg/llm"
	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/tools"
)

// executeTask runs one task to a terminal state: a bounded interpreter-style
// loop around LLM turns with tool dispatch, caching, skill switching, and
// delegation. Suspension points are LLM calls, tool dispatch, final-wait
// yields, delegation, and the cancellation check after each turn.
func (r *Runtime) executeTask(ctx context.Context, in *Instance, env *taskEnvelope) *models.Task {
	task := env.task
	now := time.Now()
	task.State = models.TaskStateRunning
	task.StartedAt = &now

	if err := r.taskStore.Insert(ctx, task); err != nil {
		r.logger.Error("Task insert failed, marking instance errored",
			"task_id", task.TaskID, "error", err)
		in.setState(ctx, models.InstanceStateError, task.TaskID, "")
		return r.finishTask(ctx, in, task, models.TaskStateFailed, "", "persistence unavailable")
	}
	r.emitTaskEvent(ctx, models.EventTypeTaskStarted, in, task)

	timeout := r.taskTimeout(in)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state, finalText, errMsg := r.turnLoop(taskCtx, in, env)
	if taskCtx.Err() == context.DeadlineExceeded && state == models.TaskStateFailed {
		errMsg = "timeout"
	}
	return r.finishTask(ctx, in, task, state, finalText, errMsg)
}

// turnLoop drives LLM turns until a terminal stop, cancellation, timeout, or
// the turn budget runs out.
func (r *Runtime) turnLoop(ctx context.Context, in *Instance, env *taskEnvelope) (models.TaskState, string, string) {
	task := env.task
	delegated := task.ParentTaskID != ""

	// Delegated child tasks discard parent history: the delegation message
	// is the sole user turn.
	var messages []llm.Message
	if delegated {
		messages = []llm.Message{{Role: "user", Content: task.Message()}}
	} else {
		messages = in.session.ComposeHistory(task.Message())
	}

	for turn := 0; turn < r.cfg.MaxTurns; turn++ {
		if !in.waitIfPaused(ctx) || in.cancelled.Load() {
			return models.TaskStateCancelled, "", "cancelled"
		}
		select {
		case <-ctx.Done():
			return models.TaskStateFailed, "", "timeout"
		default:
		}

		systemPrompt, toolNames, activeSkill := r.activeMode(in)
		specs := r.tools.Describe(toolNames)

		turnCtx, cancelTurn := context.WithTimeout(ctx, r.cfg.TurnTimeout)
		resp, err := r.llm.Generate(turnCtx, &llm.GenerateInput{
			SessionID:    in.ID(),
			TaskID:       task.TaskID,
			SystemPrompt: in.session.InjectSlots(systemPrompt),
			Messages:     messages,
			Tools:        toolCatalog(specs, activeSkill),
		})
		cancelTurn()
		if err != nil {
			if ctx.Err() != nil {
				return models.TaskStateFailed, "", "timeout"
			}
			return models.TaskStateFailed, "", fmt.Sprintf("llm call failed: %v", err)
		}
		task.Tokens.Add(models.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		})

		// An empty end_turn response is diagnosed, never blindly retried.
		if resp.Empty() && resp.StopReason == llm.StopReasonEndTurn {
			diag := fmt.Sprintf(
				"empty LLM response (context overload probable): tokens=%d tools=%d history=%d",
				resp.Usage.TotalTokens, len(specs), len(messages))
			r.logger.Error("Empty LLM response", "task_id", task.TaskID,
				"total_tokens", resp.Usage.TotalTokens, "tool_count", len(specs),
				"history_size", len(messages))
			return models.TaskStateFailed, "", diag
		}

		if resp.Text != "" && r.push != nil {
			r.push.Thinking(ctx, in.ID(), resp.Text)
		}

		if len(resp.ToolCalls) > 0 {
			assistant := llm.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls}
			messages = append(messages, assistant)

			results, wait := r.runToolCalls(ctx, in, task, resp.ToolCalls, activeSkill)
			messages = append(messages, results...)

			// Every tool turn leaves its own line in the rolling summary.
			if !delegated {
				in.session.UpdateSummary(task.Message(), resp.ToolCalls[0].Name, resp.Text)
			}

			// final_wait_time: action-chain tools declare a settle delay
			// before the next turn.
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return models.TaskStateFailed, "", "timeout"
				}
			}
			continue
		}

		output := ParseOutput(resp.Text)
		switch output.Kind {
		case OutputLoadSkill:
			if in.def.HasSkill(output.Target) && r.skills.Has(output.Target) {
				in.session.SetActiveSkill(output.Target)
				if r.push != nil {
					r.push.SkillLoaded(ctx, in.ID(), output.Target)
				}
				messages = append(messages,
					llm.Message{Role: "assistant", Content: resp.Text},
					llm.Message{Role: "user", Content: fmt.Sprintf("Skill %s loaded. Continue with the task.", output.Target)},
				)
				continue
			}
			r.logger.Warn("LOAD SKILL for unavailable skill treated as text",
				"task_id", task.TaskID, "skill", output.Target)

		case OutputUnloadSkill:
			in.session.SetActiveSkill("")
			if r.push != nil {
				r.push.SkillUnloaded(ctx, in.ID())
			}
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Text},
				llm.Message{Role: "user", Content: "Skill unloaded. Continue with the task."},
			)
			continue

		case OutputDelegate:
			if in.def.HasSubAgent(output.Target) {
				childText, err := r.delegate(ctx, in, env, output.Target)
				if err != nil {
					return models.TaskStateFailed, "", err.Error()
				}
				messages = append(messages,
					llm.Message{Role: "assistant", Content: resp.Text},
					llm.Message{Role: "user", Content: "Delegation result from " + output.Target + ":\n" + childText},
				)
				continue
			}
			// Undeclared target: treat as plain text.
			r.logger.Warn("DELEGATE TO undeclared sub-agent treated as text",
				"task_id", task.TaskID, "target", output.Target)
		}

		// Terminal: plain text with no tool calls.
		if !delegated {
			in.session.AppendTurn(
				llm.Message{Role: "user", Content: task.Message()},
				llm.Message{Role: "assistant", Content: resp.Text},
			)
			in.session.UpdateSummary(task.Message(), "", resp.Text)
		}
		if r.push != nil {
			r.push.Message(ctx, in.ID(), resp.Text)
		}
		return models.TaskStateCompleted, resp.Text, ""
	}

	return models.TaskStateFailed, "", fmt.Sprintf("turn budget exhausted after %d turns", r.cfg.MaxTurns)
}

// runToolCalls dispatches each requested tool, consulting the active cache
// policy first. Returns the tool result messages and the largest declared
// final_wait_time.
func (r *Runtime) runToolCalls(
	ctx context.Context,
	in *Instance,
	task *models.Task,
	calls []llm.ToolCall,
	activeSkill *models.SkillDefinition,
) ([]llm.Message, time.Duration) {
	var out []llm.Message
	var maxWait time.Duration

	for _, call := range calls {
		var params map[string]any
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &params); err != nil {
				params = map[string]any{"_raw": call.Arguments}
			}
		}
		if r.push != nil {
			r.push.ToolCall(ctx, in.ID(), call.Name, params)
		}

		result, cacheHit := r.dispatchTool(ctx, in, call.Name, params, activeSkill)

		task.ToolCalls = append(task.ToolCalls, models.ToolCallRecord{
			Tool:     call.Name,
			Params:   call.Arguments,
			Result:   result.Content,
			IsError:  result.IsError,
			CacheHit: cacheHit,
			At:       time.Now(),
		})
		if r.push != nil {
			r.push.ToolResult(ctx, in.ID(), call.Name, result.Content, result.IsError, cacheHit)
		}
		if !result.IsError {
			in.session.ExtractSlots(call.Name, params, result.Content)
		}
		if wait := time.Duration(result.FinalWaitTime * float64(time.Second)); wait > maxWait {
			maxWait = wait
		}

		out = append(out, llm.Message{
			Role:       "tool",
			Content:    result.Content,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}
	return out, maxWait
}

// dispatchTool checks the result cache per the skill's policy, then falls
// through to the external tool runtime on a miss.
func (r *Runtime) dispatchTool(
	ctx context.Context,
	in *Instance,
	name string,
	params map[string]any,
	activeSkill *models.SkillDefinition,
) (*tools.Result, bool) {
	policy := activeSkill.CachePolicyFor(name)

	var key string
	if policy.Enabled {
		k, err := tools.CacheKey(name, params)
		if err == nil {
			key = k
			if cached, ok := in.cache.Get(key, policy.TTL()); ok {
				return cached, true
			}
		}
	}

	result, err := r.tools.Execute(ctx, name, params)
	if err != nil {
		return &tools.Result{Content: fmt.Sprintf("tool %s failed: %v", name, err), IsError: true}, false
	}
	if policy.Enabled && key != "" && !result.IsError {
		in.cache.Set(key, result)
	}
	return result, false
}

// delegate runs a child task on a sub-agent instance with a clean history
// and returns its final text. Cycles along the delegation path fail fast.
func (r *Runtime) delegate(ctx context.Context, in *Instance, env *taskEnvelope, targetAgentID string) (string, error) {
	visited := env.visited
	if visited == nil {
		visited = map[string]bool{in.def.AgentID: true}
	}
	if visited[targetAgentID] {
		return "", fmt.Errorf("%w: %s already on delegation path", ErrDelegationCycle, targetAgentID)
	}
	childVisited := make(map[string]bool, len(visited)+1)
	for k := range visited {
		childVisited[k] = true
	}
	childVisited[targetAgentID] = true

	var version string
	for _, ref := range in.def.SubAgents {
		if ref.AgentID == targetAgentID {
			version = ref.Version
			break
		}
	}
	childDef, err := r.registry.Get(ctx, targetAgentID, version)
	if err != nil {
		return "", fmt.Errorf("delegation target unavailable: %w", err)
	}
	childInst, err := r.FindOrStartInstance(ctx, childDef)
	if err != nil {
		return "", fmt.Errorf("failed to start delegation target: %w", err)
	}

	childTask := &models.Task{
		TaskID:       uuid.NewString(),
		ParentTaskID: env.task.TaskID,
		UserMessage:  env.task.Message(),
		State:        models.TaskStateQueued,
	}
	env.task.ChildTaskIDs = append(env.task.ChildTaskIDs, childTask.TaskID)

	done, err := childInst.enqueue(ctx, childTask, childVisited)
	if err != nil {
		return "", fmt.Errorf("failed to dispatch delegation: %w", err)
	}

	select {
	case finished := <-done:
		if finished.State != models.TaskStateCompleted {
			return "", fmt.Errorf("delegated task %s %s: %s", finished.TaskID, finished.State, finished.Error)
		}
		return finished.FinalText, nil
	case <-ctx.Done():
		return "", fmt.Errorf("delegation timed out waiting for %s", targetAgentID)
	}
}

// activeMode returns the system prompt, tool names, and skill for the
// instance's current mode.
func (r *Runtime) activeMode(in *Instance) (string, []string, *models.SkillDefinition) {
	if name := in.session.ActiveSkill(); name != "" {
		if skill := r.skills.Get(name); skill != nil {
			return skill.SystemPrompt, skill.Tools, skill
		}
	}
	available := make([]string, 0, len(in.def.AvailableSkills))
	for _, name := range in.def.AvailableSkills {
		if r.skills.Has(name) {
			available = append(available, name)
		}
	}
	return routerPrompt(in.def, available, in.def.SubAgents), in.def.DefaultTools, nil
}

// taskTimeout resolves the task deadline: skill override, then agent config,
// then the runtime default.
func (r *Runtime) taskTimeout(in *Instance) time.Duration {
	if name := in.session.ActiveSkill(); name != "" {
		if skill := r.skills.Get(name); skill != nil && skill.Timeout() > 0 {
			return skill.Timeout()
		}
	}
	if in.def.Config.Timeout > 0 {
		return in.def.Config.Timeout
	}
	return r.cfg.DefaultTaskTimeout
}

// finishTask records the terminal state, persists it, and emits lifecycle
// events. The returned task is what flows back on the envelope's done
// channel.
func (r *Runtime) finishTask(ctx context.Context, in *Instance, task *models.Task, state models.TaskState, finalText, errMsg string) *models.Task {
	now := time.Now()
	task.State = state
	task.EndedAt = &now
	task.FinalText = finalText
	task.Error = errMsg

	if err := r.taskStore.Update(ctx, task); err != nil {
		r.logger.Error("Task update failed, marking instance errored",
			"task_id", task.TaskID, "error", err)
		in.setState(ctx, models.InstanceStateError, "", "")
	}

	eventType := models.EventTypeTaskCompleted
	if state != models.TaskStateCompleted {
		eventType = models.EventTypeTaskFailed
	}
	r.emitTaskEvent(ctx, eventType, in, task)
	if r.push != nil {
		r.push.SessionEnded(ctx, in.ID(), string(state))
		if errMsg != "" {
			r.push.ErrorEvent(ctx, in.ID(), errMsg)
		}
	}
	return task
}

func (r *Runtime) emitTaskEvent(ctx context.Context, eventType string, in *Instance, task *models.Task) {
	ev := &models.Event{
		Type: eventType,
		Payload: map[string]any{
			"instance_id": in.ID(),
			"agent_id":    in.def.AgentID,
			"task_id":     task.TaskID,
		},
		Priority: models.PriorityNormal,
	}
	if task.Error != "" {
		ev.Payload["error"] = task.Error
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("Failed to publish task event",
			"event_type", eventType, "task_id", task.TaskID, "error", err)
	}
}
