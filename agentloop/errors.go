package agentloop

import (
	"errors"
	"fmt"
)

// Code classifies errors returned to the host.
type Code string

const (
	CodeInvalidState       Code = "invalid_state"
	CodeInvalidPolicy      Code = "invalid_policy"
	CodePolicyExpired      Code = "policy_expired"
	CodeSessionExists      Code = "session_exists"
	CodeNoSession          Code = "no_session"
	CodeTaskActive         Code = "task_active"
	CodeNoTask             Code = "no_task"
	CodeRecoveryFailed     Code = "recovery_failed"
	CodeBackendUnavailable Code = "backend_unavailable"
	CodeApprovalNotFound   Code = "approval_not_found"
	CodeInvalidArgument    Code = "invalid_argument"
)

// Error is the typed error every Controller command fails with.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) with(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// FailureReason explains why a task failed.
type FailureReason string

const (
	FailMaxSteps         FailureReason = "max_steps_exceeded"
	FailMaxContinuations FailureReason = "max_continuations_exceeded"
	FailGuardrail        FailureReason = "guardrail_rejected"
	FailModelUnavailable FailureReason = "model_unavailable"
	FailBudgetExceeded   FailureReason = "budget_exceeded"
	FailCapabilityDenied FailureReason = "capability_denied"
	FailModelNotAllowed  FailureReason = "model_not_allowed"
	FailInternal         FailureReason = "internal"
)
