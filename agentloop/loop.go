package agentloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/warden/dispatch"
	"github.com/martinemde/warden/policy"
	"github.com/martinemde/warden/thread"
	"github.com/martinemde/warden/unifiedllm"
)

// stepOutcome tells run whether to keep iterating.
type stepOutcome int

const (
	stepContinue stepOutcome = iota
	stepStop
)

// run drives the current task until it finishes or the session pauses.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("step loop panicked", "panic", r, "stack", string(debug.Stack()))
			c.finishTask(TaskFail, FailInternal)
			if err := c.fireSession(SessionFault, fmt.Sprint(r)); err != nil {
				c.logger.Error("session fault transition rejected", "error", err)
			}
		}
	}()

	for c.step(ctx) == stepContinue {
	}
}

// step runs one loop iteration: at most one model call and the tool calls
// it requests.
func (c *Controller) step(ctx context.Context) stepOutcome {
	c.mu.Lock()
	s, t := c.session, c.task
	if t == nil {
		c.mu.Unlock()
		return stepStop
	}
	enforcer := s.enforcer
	taskID, stepID, mode, allowNetwork := t.ID, t.StepCount+1, t.ApprovalMode, t.AllowNetwork
	maxSteps := t.MaxSteps
	c.mu.Unlock()

	if c.cancelled.Load() {
		c.finishTask(TaskCancel, "")
		return stepStop
	}
	// A task suspended or recovered after its final step has nothing left to run.
	if stepID > maxSteps {
		c.failTask(FailMaxSteps, "task reached its limit of %d steps", maxSteps)
		return stepStop
	}
	if enforcer.Expired() {
		c.suspend(taskID, stepID, "policy_expired")
		return stepStop
	}
	if !enforcer.Granted(policy.CapLLMCall) {
		c.failTask(FailCapabilityDenied, "capability %s is not granted", policy.CapLLMCall)
		return stepStop
	}
	if !enforcer.ModelAllowed(s.profile.Model) {
		c.failTask(FailModelNotAllowed, "model %s is not on the policy allow-list", s.profile.Model)
		return stepStop
	}

	ctx, span := c.tracer.Start(ctx, "agentloop.step", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("task.id", taskID),
		attribute.Int("step.id", stepID),
	))
	defer span.End()

	defs := c.definitions(ctx)
	visible := dispatch.Visible(defs, enforcer, allowNetwork)
	tools := toolDefinitions(visible)
	view := s.thread.Window()
	if view.Dropped > 0 {
		c.logger.Debug("thread truncated for request", "task_id", taskID, "dropped", view.Dropped, "tokens", view.Tokens)
	}
	maxOut := s.profile.OutputTokens(enforcer.Snapshot().Limits, c.settings.MaxOutputTokens)
	if err := s.thread.Reserve(view.Tokens + maxOut); err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.failTask(FailBudgetExceeded, "%v", err)
		return stepStop
	}

	req := unifiedllm.Request{
		Model:     s.profile.Model,
		Provider:  s.profile.Provider,
		Messages:  toLLMMessages(view.Messages),
		Tools:     tools,
		MaxTokens: &maxOut,
		Metadata:  map[string]string{"session_id": s.ID, "task_id": taskID},
	}
	if len(tools) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}

	if c.cancelled.Load() {
		c.finishTask(TaskCancel, "")
		return stepStop
	}
	if err := c.fireTask(TaskCallModel, nil); err != nil {
		c.logger.Error("call_model transition rejected", "task_id", taskID, "error", err)
		c.finishTask(TaskFail, FailInternal)
		return stepStop
	}
	c.emitTask(EventStepStarted, taskID, stepID, map[string]any{
		"messages": len(view.Messages),
		"tokens":   view.Tokens,
		"dropped":  view.Dropped,
		"tools":    len(tools),
	})

	resp, err := c.callModel(ctx, req, taskID, stepID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.handleModelError(taskID, stepID, err)
	}
	if err := c.fireTask(TaskModelResponded, nil); err != nil {
		c.logger.Error("model_responded transition rejected", "task_id", taskID, "error", err)
		c.finishTask(TaskFail, FailInternal)
		return stepStop
	}

	s.thread.Reconcile(thread.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens})
	c.metrics.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	assistant := s.thread.Append(assistantMessage(resp, taskID, stepID))
	span.SetAttributes(
		attribute.String("llm.finish_reason", resp.FinishReason.Reason),
		attribute.Int("step.tool_calls", len(assistant.ToolCalls)),
	)

	if len(assistant.ToolCalls) == 0 {
		return c.finishTurn(taskID, resp.FinishReason.Reason)
	}

	if err := c.fireTask(TaskToolCalls, nil); err != nil {
		c.logger.Error("tool_calls transition rejected", "task_id", taskID, "error", err)
		c.finishTask(TaskFail, FailInternal)
		return stepStop
	}
	results := c.newDispatcher(s, enforcer.Snapshot().Limits, taskID, stepID).Dispatch(ctx, dispatch.Batch{
		SessionID:    s.ID,
		TaskID:       taskID,
		StepID:       stepID,
		Calls:        dispatchCalls(assistant.ToolCalls),
		AllowNetwork: allowNetwork,
		Mode:         mode,
		Enforcer:     enforcer,
	}, defs)

	statuses := make(map[string]int, 3)
	for _, res := range results {
		s.thread.Append(toolMessage(res, taskID, stepID))
		statuses[string(res.Status)]++
	}

	c.mu.Lock()
	t.StepCount = stepID
	t.Continuations = 0
	c.mu.Unlock()
	if err := c.fireTask(TaskStepDone, nil); err != nil {
		c.logger.Error("step_done transition rejected", "task_id", taskID, "error", err)
		c.finishTask(TaskFail, FailInternal)
		return stepStop
	}
	c.metrics.ObserveStep("tool_calls")
	c.emitTask(EventStepCompleted, taskID, stepID, map[string]any{
		"tool_calls": len(results),
		"statuses":   statuses,
	})

	c.afterStep(s, t, taskID, stepID)

	if slices.ContainsFunc(results, func(r dispatch.Result) bool { return r.Expired }) {
		c.suspend(taskID, stepID, "policy_expired")
		return stepStop
	}
	if stepID >= t.MaxSteps {
		c.failTask(FailMaxSteps, "task reached its limit of %d steps", t.MaxSteps)
		return stepStop
	}
	return stepContinue
}

// callModel streams one turn. The stream can be aborted by CancelTask or
// Shutdown; tools are never interrupted this way.
func (c *Controller) callModel(ctx context.Context, req unifiedllm.Request, taskID string, stepID int) (*unifiedllm.Response, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.streamCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.streamCancel = nil
		c.mu.Unlock()
	}()
	// CancelTask may have run before streamCancel was published.
	if c.cancelled.Load() {
		cancel()
	}

	return c.deps.Model.Turn(streamCtx, req, unifiedllm.TurnHooks{
		OnDelta: func(text string) {
			c.emitTask(EventTextDelta, taskID, stepID, map[string]any{"text": text})
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.metrics.IncModelRetry(req.Provider)
			c.emitTask(EventModelRetry, taskID, stepID, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			})
		},
	})
}

// handleModelError maps a failed model turn to the task's next state.
func (c *Controller) handleModelError(taskID string, stepID int, err error) stepOutcome {
	var abort *unifiedllm.AbortError
	switch {
	case c.cancelled.Load() || errors.As(err, &abort):
		c.finishTask(TaskCancel, "")
	case unifiedllm.IsGuardrail(err):
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		s.thread.Append(thread.Message{
			Role:    thread.RoleAssistant,
			Content: "[The provider blocked this response: " + err.Error() + "]",
			TaskID:  taskID,
			StepID:  stepID,
		})
		c.failTask(FailGuardrail, "%v", err)
	case unifiedllm.IsConnectivity(err):
		c.logger.Warn("model unreachable, pausing session", "task_id", taskID, "error", err)
		c.suspend(taskID, stepID, "network")
	default:
		c.failTask(FailModelUnavailable, "%v", err)
	}
	return stepStop
}

// finishTurn handles a response without tool calls.
func (c *Controller) finishTurn(taskID, finish string) stepOutcome {
	switch finish {
	case unifiedllm.FinishLength:
		c.mu.Lock()
		c.task.Continuations++
		n := c.task.Continuations
		c.mu.Unlock()
		if n > c.settings.MaxContinuations {
			c.failTask(FailMaxContinuations, "model hit its output limit %d times in a row", n)
			return stepStop
		}
		c.metrics.ObserveStep("continued")
		if err := c.fireTask(TaskContinue, nil); err != nil {
			c.logger.Error("continue transition rejected", "task_id", taskID, "error", err)
			c.finishTask(TaskFail, FailInternal)
		}
		return stepContinue
	default:
		c.metrics.ObserveStep("completed")
		c.finishTask(TaskComplete, "")
		return stepStop
	}
}

// afterStep runs the non-blocking checks that follow a completed step.
func (c *Controller) afterStep(s *Session, t *Task, taskID string, stepID int) {
	if w := c.settings.LoopDetectionWindow; w > 0 && detectLoop(s.thread.Messages(), taskID, w) {
		s.thread.Append(thread.Message{Role: thread.RoleUser, Content: loopSteering, TaskID: taskID, StepID: stepID})
		c.emitTask(EventWarning, taskID, stepID, map[string]any{
			"kind":    "loop_detected",
			"message": fmt.Sprintf("the last %d tool calls repeat a pattern", w),
		})
	}

	c.mu.Lock()
	threshold := t.MaxSteps * 4 / 5
	warn := !t.Warned && threshold > 0 && stepID >= threshold && stepID < t.MaxSteps
	if warn {
		t.Warned = true
	}
	c.mu.Unlock()
	if warn {
		c.emitTask(EventStepLimitWarning, taskID, stepID, map[string]any{
			"step_count": stepID,
			"max_steps":  t.MaxSteps,
			"remaining":  t.MaxSteps - stepID,
		})
	}
}

// suspend parks the task and pauses the session until Resume.
func (c *Controller) suspend(taskID string, stepID int, reason string) {
	c.mu.Lock()
	if c.task != nil {
		c.task.suspended = true
	}
	c.mu.Unlock()

	if reason == "policy_expired" {
		c.emitTask(EventPolicyExpired, taskID, stepID, nil)
	}
	if err := c.fireTask(TaskSuspend, map[string]any{"reason": reason}); err != nil {
		c.logger.Error("suspend transition rejected", "task_id", taskID, "error", err)
	}
	if err := c.fireSession(SessionPause, reason); err != nil {
		c.logger.Error("pause transition rejected", "task_id", taskID, "error", err)
	}
	c.logger.Warn("session paused", "task_id", taskID, "reason", reason)
}

func (c *Controller) failTask(reason FailureReason, format string, args ...any) {
	c.logger.Warn("task failed", "reason", reason, "detail", fmt.Sprintf(format, args...))
	c.metrics.ObserveStep(string(reason))
	c.finishTask(TaskFail, reason)
}

// definitions fetches the host's tools, falling back to the last good list.
func (c *Controller) definitions(ctx context.Context) []dispatch.Definition {
	defs, err := c.deps.Host.Definitions(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn("tool definitions unavailable, using cached list", "error", err, "cached", len(c.defs))
		return c.defs
	}
	c.defs = defs
	return defs
}

// newDispatcher builds the dispatcher for one step, wired to notifications
// and metrics.
func (c *Controller) newDispatcher(s *Session, limits policy.Limits, taskID string, stepID int) *dispatch.Dispatcher {
	opts := []dispatch.Option{
		dispatch.WithApprover(c.gate),
		dispatch.WithTelemetry(c.deps.Telemetry),
		dispatch.WithResolver(s.resolver),
		dispatch.WithLogger(c.logger),
		dispatch.WithHooks(dispatch.Hooks{
			Started: func(call dispatch.Call, def dispatch.Definition) {
				c.emitTask(EventToolCallStarted, taskID, stepID, map[string]any{
					"call_id":    call.ID,
					"tool":       call.Name,
					"capability": def.Capability,
				})
			},
			Checked: func(awaiting int) {
				c.awaiting.Store(int32(awaiting))
				trig := TaskExecute
				if awaiting > 0 {
					trig = TaskAwaitApproval
				}
				if err := c.fireTask(trig, nil); err != nil {
					c.logger.Error("dispatch transition rejected", "task_id", taskID, "error", err)
				}
			},
			Completed: func(res dispatch.Result) {
				c.metrics.ObserveToolCall(res.Tool, string(res.Status), res.Duration)
				data := map[string]any{
					"call_id":     res.CallID,
					"tool":        res.Tool,
					"status":      string(res.Status),
					"duration_ms": res.Duration.Milliseconds(),
				}
				if res.Error != "" {
					data["error"] = res.Error
				}
				if len(res.ArtifactRefs) > 0 {
					data["artifact_refs"] = res.ArtifactRefs
				}
				c.emitTask(EventToolCallCompleted, taskID, stepID, data)
			},
		}),
	}
	if c.deps.Artifacts != nil {
		opts = append(opts, dispatch.WithArtifacts(c.deps.Artifacts))
	}
	if n := limits.MaxToolOutputBytes; n > 0 {
		opts = append(opts, dispatch.WithOutputLimit(n))
	}
	return dispatch.New(c.deps.Host, append(opts, c.deps.DispatchOptions...)...)
}
