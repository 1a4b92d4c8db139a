package agentloop

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a trigger the current state does
// not accept.
var ErrInvalidTransition = errors.New("invalid state transition")

// SessionState is the lifecycle state of the session.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionRunning   SessionState = "running"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
	SessionCancelled SessionState = "cancelled"
)

// Terminal reports whether the session has ended.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// SessionTrigger drives the session machine.
type SessionTrigger string

const (
	SessionStart  SessionTrigger = "start"
	SessionResume SessionTrigger = "resume"
	SessionPause  SessionTrigger = "pause"
	SessionEnd    SessionTrigger = "end"
	SessionAbort  SessionTrigger = "abort"
	SessionFault  SessionTrigger = "fault"
)

// TaskState is the lifecycle state of the task slot.
type TaskState string

const (
	TaskIdle               TaskState = "idle"
	TaskRunning            TaskState = "running"
	TaskWaitingForModel    TaskState = "waiting_for_model"
	TaskProcessingResponse TaskState = "processing_response"
	TaskCheckingPolicy     TaskState = "checking_policy"
	TaskWaitingForApproval TaskState = "waiting_for_approval"
	TaskExecutingTools     TaskState = "executing_tools"
	TaskCompleted          TaskState = "completed"
	TaskFailed             TaskState = "failed"
	TaskCancelled          TaskState = "cancelled"
)

// Terminal reports whether the task has finished.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskTrigger drives the task machine.
type TaskTrigger string

const (
	TaskStart          TaskTrigger = "start"
	TaskCallModel      TaskTrigger = "call_model"
	TaskModelResponded TaskTrigger = "model_responded"
	TaskContinue       TaskTrigger = "continue"
	TaskToolCalls      TaskTrigger = "tool_calls"
	TaskAwaitApproval  TaskTrigger = "await_approval"
	TaskExecute        TaskTrigger = "execute"
	TaskStepDone       TaskTrigger = "step_done"
	TaskSuspend        TaskTrigger = "suspend"
	TaskComplete       TaskTrigger = "complete"
	TaskFail           TaskTrigger = "fail"
	TaskCancel         TaskTrigger = "cancel"
	TaskReset          TaskTrigger = "reset"
)

// Effect is a side effect the controller performs after a transition.
type Effect int

const (
	EffectNotify Effect = iota + 1
	EffectWriteCheckpoint
	EffectUploadHistory
	EffectDeleteCheckpoint
)

func (e Effect) String() string {
	switch e {
	case EffectNotify:
		return "notify"
	case EffectWriteCheckpoint:
		return "write_checkpoint"
	case EffectUploadHistory:
		return "upload_history"
	case EffectDeleteCheckpoint:
		return "delete_checkpoint"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

type transition[S ~string] struct {
	to      S
	effects []Effect
}

var (
	sessionEnded  = []Effect{EffectUploadHistory, EffectDeleteCheckpoint, EffectNotify}
	sessionFault  = []Effect{EffectUploadHistory, EffectNotify}
	taskFinished  = []Effect{EffectWriteCheckpoint, EffectUploadHistory, EffectNotify}
	stepCommitted = []Effect{EffectWriteCheckpoint}
)

var sessionTransitions = map[SessionState]map[SessionTrigger]transition[SessionState]{
	SessionCreated: {
		SessionStart:  {SessionRunning, []Effect{EffectNotify}},
		SessionResume: {SessionRunning, []Effect{EffectNotify}},
		SessionFault:  {SessionFailed, []Effect{EffectNotify}},
	},
	SessionRunning: {
		SessionPause: {SessionPaused, []Effect{EffectWriteCheckpoint, EffectNotify}},
		SessionEnd:   {SessionCompleted, sessionEnded},
		SessionAbort: {SessionCancelled, sessionEnded},
		SessionFault: {SessionFailed, sessionFault},
	},
	SessionPaused: {
		SessionResume: {SessionRunning, []Effect{EffectNotify}},
		SessionEnd:    {SessionCompleted, sessionEnded},
		SessionAbort:  {SessionCancelled, sessionEnded},
		SessionFault:  {SessionFailed, sessionFault},
	},
	SessionCompleted: {},
	SessionFailed:    {},
	SessionCancelled: {},
}

var taskTransitions = map[TaskState]map[TaskTrigger]transition[TaskState]{
	TaskIdle: {
		TaskStart: {TaskRunning, []Effect{EffectWriteCheckpoint, EffectNotify}},
	},
	TaskRunning: {
		TaskCallModel: {TaskWaitingForModel, nil},
		TaskSuspend:   {TaskRunning, stepCommitted},
		TaskFail:      {TaskFailed, taskFinished},
		TaskCancel:    {TaskCancelled, taskFinished},
	},
	TaskWaitingForModel: {
		TaskModelResponded: {TaskProcessingResponse, nil},
		TaskSuspend:        {TaskRunning, stepCommitted},
		TaskFail:           {TaskFailed, taskFinished},
		TaskCancel:         {TaskCancelled, taskFinished},
	},
	TaskProcessingResponse: {
		TaskComplete:  {TaskCompleted, taskFinished},
		TaskContinue:  {TaskRunning, nil},
		TaskToolCalls: {TaskCheckingPolicy, nil},
		TaskFail:      {TaskFailed, taskFinished},
	},
	TaskCheckingPolicy: {
		TaskAwaitApproval: {TaskWaitingForApproval, nil},
		TaskExecute:       {TaskExecutingTools, nil},
	},
	TaskWaitingForApproval: {
		TaskExecute:  {TaskExecutingTools, nil},
		TaskStepDone: {TaskRunning, stepCommitted},
	},
	TaskExecutingTools: {
		TaskStepDone: {TaskRunning, stepCommitted},
	},
	TaskCompleted: {TaskReset: {TaskIdle, nil}},
	TaskFailed:    {TaskReset: {TaskIdle, nil}},
	TaskCancelled: {TaskReset: {TaskIdle, nil}},
}

// nextSession applies trig to from. It has no side effects; the returned
// effects are for the caller to perform.
func nextSession(from SessionState, trig SessionTrigger) (SessionState, []Effect, error) {
	return next(sessionTransitions, from, trig)
}

// nextTask applies trig to from. It has no side effects; the returned
// effects are for the caller to perform.
func nextTask(from TaskState, trig TaskTrigger) (TaskState, []Effect, error) {
	return next(taskTransitions, from, trig)
}

func next[S, T ~string](table map[S]map[T]transition[S], from S, trig T) (S, []Effect, error) {
	row, ok := table[from]
	if !ok {
		return from, nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	t, ok := row[trig]
	if !ok {
		return from, nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trig, from)
	}
	effects := make([]Effect, len(t.effects))
	copy(effects, t.effects)
	return t.to, effects, nil
}
