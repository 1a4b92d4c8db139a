// Package dispatch executes the tool calls of one model turn under policy:
// every call is checked, calls that need a human wait on the approval gate,
// authorized calls run concurrently, and results come back in call order.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/martinemde/warden/policy"
)

// Category groups tools that share an execution timeout.
type Category string

const (
	CategoryFile    Category = "file"
	CategoryExec    Category = "exec"
	CategoryNetwork Category = "network"
	CategoryOther   Category = "other"
)

// DefaultTimeouts bound tool execution per category.
var DefaultTimeouts = map[Category]time.Duration{
	CategoryFile:    30 * time.Second,
	CategoryExec:    2 * time.Minute,
	CategoryNetwork: time.Minute,
	CategoryOther:   time.Minute,
}

// Definition describes a tool offered by the host. The argument keys tell
// the dispatcher which arguments carry the facts a capability check needs.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Capability  string         `json:"capability"`
	Category    Category       `json:"category"`

	PathArgs   []string `json:"path_args,omitempty"`
	CommandArg string   `json:"command_arg,omitempty"`
	URLArg     string   `json:"url_arg,omitempty"`
	ContentArg string   `json:"content_arg,omitempty"`
}

// Network reports whether the tool reaches the network.
func (d Definition) Network() bool {
	return d.Category == CategoryNetwork || policy.FamilyOf(d.Capability) == policy.FamilyNetwork
}

// Invocation is what the host receives for one authorized call.
type Invocation struct {
	CallID        string          `json:"call_id"`
	Tool          string          `json:"tool"`
	Arguments     json.RawMessage `json:"arguments"`
	SessionID     string          `json:"session_id"`
	TaskID        string          `json:"task_id"`
	StepID        int             `json:"step_id"`
	WorkspaceRoot string          `json:"workspace_root"`
}

// HostResult is the host's answer for one invocation.
type HostResult struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// ToolHost executes tools. Execute receives a context that is never
// cancelled by the engine; a host that honors deadlines must impose its own.
type ToolHost interface {
	Definitions(ctx context.Context) ([]Definition, error)
	Execute(ctx context.Context, inv Invocation) (HostResult, error)
}

// Call is one tool call requested by the model.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Batch is every call of one model turn.
type Batch struct {
	SessionID    string
	TaskID       string
	StepID       int
	Calls        []Call
	AllowNetwork bool
	Mode         policy.ApprovalMode
	Enforcer     *policy.Enforcer
}

// Status is the final state of a call.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDenied    Status = "denied"
)

// Result is the outcome of one call.
type Result struct {
	CallID       string        `json:"call_id"`
	Tool         string        `json:"tool"`
	Capability   string        `json:"capability,omitempty"`
	Status       Status        `json:"status"`
	Output       string        `json:"output"`
	Error        string        `json:"error,omitempty"`
	ArtifactRefs []string      `json:"artifact_refs,omitempty"`
	Risk         string        `json:"risk,omitempty"`
	Expired      bool          `json:"expired,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Content is the text a tool message carries back to the model.
func (r Result) Content() string {
	switch r.Status {
	case StatusDenied:
		return "Permission denied: " + r.Error
	case StatusFailed:
		if r.Output != "" {
			return "Error: " + r.Error + "\n" + r.Output
		}
		return "Error: " + r.Error
	default:
		return r.Output
	}
}
