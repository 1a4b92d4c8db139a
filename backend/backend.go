// Package backend defines the engine's external collaborators (the session
// registrar, the history and artifact stores and audit telemetry) together
// with reference adapters for them.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/martinemde/warden/policy"
	"github.com/martinemde/warden/thread"
)

var (
	// ErrUnavailable means the backend could not be reached.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrRejected means the backend refused the request.
	ErrRejected = errors.New("backend rejected request")
	// ErrArtifactNotFound is returned by artifact lookups.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// HandshakeRequest opens a session.
type HandshakeRequest struct {
	WorkspaceID   string `json:"workspace_id" yaml:"workspace_id"`
	WorkspaceRoot string `json:"workspace_root" yaml:"workspace_root"`
	ClientVersion string `json:"client_version" yaml:"client_version"`
	Hostname      string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
}

// Handshake is the registrar's answer: the session identity and the
// initial policy snapshot.
type Handshake struct {
	SessionID   string           `json:"session_id" yaml:"session_id"`
	WorkspaceID string           `json:"workspace_id" yaml:"workspace_id"`
	Snapshot    *policy.Snapshot `json:"snapshot" yaml:"snapshot"`
}

// Identity returns the identity the snapshot must match.
func (h *Handshake) Identity() policy.Identity {
	return policy.Identity{SessionID: h.SessionID, WorkspaceID: h.WorkspaceID}
}

// Registrar issues sessions and policy snapshots.
type Registrar interface {
	Handshake(ctx context.Context, req HandshakeRequest) (*Handshake, error)
	// Resume returns a refreshed snapshot for an existing session. cursor
	// is the last completed step of the session's current task.
	Resume(ctx context.Context, sessionID string, cursor int) (*policy.Snapshot, error)
}

// ThreadSnapshot is the full thread of a session at one point in time.
// Uploads overwrite earlier snapshots of the same session.
type ThreadSnapshot struct {
	SessionID     string           `json:"session_id"`
	WorkspaceID   string           `json:"workspace_id"`
	TaskID        string           `json:"task_id,omitempty"`
	State         string           `json:"state"`
	Messages      []thread.Message `json:"messages"`
	SessionTokens int              `json:"session_tokens"`
	UploadedAt    time.Time        `json:"uploaded_at"`
}

// HistoryStore receives thread snapshots.
type HistoryStore interface {
	PutThread(ctx context.Context, snap ThreadSnapshot) error
}

// Artifact is a tool output too large to keep in the thread.
type Artifact struct {
	SessionID   string `json:"session_id"`
	TaskID      string `json:"task_id"`
	CallID      string `json:"call_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}

// ArtifactStore stores artifacts and returns a reference to them.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, a Artifact) (string, error)
}

// Audit event kinds.
const (
	AuditPolicyDecision = "policy_decision"
	AuditApproval       = "approval"
	AuditSession        = "session"
)

// AuditEvent records a governance-relevant decision.
type AuditEvent struct {
	Kind       string         `json:"kind"`
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	RuleID     string         `json:"rule_id,omitempty"`
	Risk       string         `json:"risk,omitempty"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Telemetry records audit events. Record must not block the caller for
// long and never fails the operation being audited.
type Telemetry interface {
	Record(ctx context.Context, ev AuditEvent)
}

// NopTelemetry discards events.
type NopTelemetry struct{}

func (NopTelemetry) Record(context.Context, AuditEvent) {}

// NopHistory discards thread snapshots.
type NopHistory struct{}

func (NopHistory) PutThread(context.Context, ThreadSnapshot) error { return nil }

// MultiTelemetry fans events out to several sinks.
type MultiTelemetry []Telemetry

func (m MultiTelemetry) Record(ctx context.Context, ev AuditEvent) {
	for _, t := range m {
		t.Record(ctx, ev)
	}
}
