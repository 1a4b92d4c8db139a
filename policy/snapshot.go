package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// SchemaVersion is the snapshot schema this engine understands.
const SchemaVersion = 1

var (
	ErrInvalidSnapshot   = errors.New("invalid policy snapshot")
	ErrSnapshotExpired   = errors.New("policy snapshot expired")
	ErrIdentityMismatch  = errors.New("policy snapshot identity mismatch")
	ErrUnsupportedSchema = errors.New("unsupported policy schema version")
)

// Capability names understood by the enforcer. The part before the dot is
// the family and selects which scope dimensions apply.
const (
	CapLLMCall      = "LLM.Call"
	CapFileRead     = "File.Read"
	CapFileWrite    = "File.Write"
	CapFileDelete   = "File.Delete"
	CapShellExec    = "Shell.Exec"
	CapNetworkFetch = "Network.Fetch"
)

// Family groups capabilities that share scope rules.
type Family string

const (
	FamilyLLM     Family = "LLM"
	FamilyFile    Family = "File"
	FamilyShell   Family = "Shell"
	FamilyNetwork Family = "Network"
)

// FamilyOf returns the family prefix of a capability name.
func FamilyOf(capability string) Family {
	prefix, _, _ := strings.Cut(capability, ".")
	return Family(prefix)
}

// Snapshot is an immutable, versioned capability grant issued by the
// session registrar for one session.
type Snapshot struct {
	Version       string          `json:"version" yaml:"version" cbor:"version" validate:"required"`
	SchemaVersion int             `json:"schema_version" yaml:"schema_version" cbor:"schema_version"`
	SessionID     string          `json:"session_id" yaml:"session_id" cbor:"session_id" validate:"required"`
	WorkspaceID   string          `json:"workspace_id" yaml:"workspace_id" cbor:"workspace_id" validate:"required"`
	WorkspaceRoot string          `json:"workspace_root,omitempty" yaml:"workspace_root,omitempty" cbor:"workspace_root,omitempty"`
	IssuedAt      time.Time       `json:"issued_at" yaml:"issued_at" cbor:"issued_at"`
	ExpiresAt     time.Time       `json:"expires_at" yaml:"expires_at" cbor:"expires_at" validate:"required"`
	Grants        []Grant         `json:"grants" yaml:"grants" cbor:"grants" validate:"dive"`
	ApprovalRules []ApprovalRule  `json:"approval_rules,omitempty" yaml:"approval_rules,omitempty" cbor:"approval_rules,omitempty" validate:"dive"`
	Models        []string        `json:"models,omitempty" yaml:"models,omitempty" cbor:"models,omitempty"`
	Limits        Limits          `json:"limits" yaml:"limits" cbor:"limits"`
	Features      map[string]bool `json:"features,omitempty" yaml:"features,omitempty" cbor:"features,omitempty"`
}

// Grant gives the session one capability within a scope.
type Grant struct {
	Capability       string `json:"capability" yaml:"capability" cbor:"capability" validate:"required,capability"`
	Scope            Scope  `json:"scope" yaml:"scope" cbor:"scope"`
	RequiresApproval bool   `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty" cbor:"requires_approval,omitempty"`
	ApprovalRule     string `json:"approval_rule,omitempty" yaml:"approval_rule,omitempty" cbor:"approval_rule,omitempty" validate:"required_if=RequiresApproval true"`
}

// Scope narrows a grant. Empty allow-lists leave that dimension
// unrestricted; block-lists always win.
type Scope struct {
	AllowPaths      []string `json:"allow_paths,omitempty" yaml:"allow_paths,omitempty" cbor:"allow_paths,omitempty"`
	BlockPaths      []string `json:"block_paths,omitempty" yaml:"block_paths,omitempty" cbor:"block_paths,omitempty"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty" cbor:"case_insensitive,omitempty"`
	AllowCommands   []string `json:"allow_commands,omitempty" yaml:"allow_commands,omitempty" cbor:"allow_commands,omitempty"`
	BlockCommands   []string `json:"block_commands,omitempty" yaml:"block_commands,omitempty" cbor:"block_commands,omitempty"`
	AllowDomains    []string `json:"allow_domains,omitempty" yaml:"allow_domains,omitempty" cbor:"allow_domains,omitempty"`
	MaxBytes        int64    `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty" cbor:"max_bytes,omitempty" validate:"gte=0"`
}

// ApprovalRule describes how a human approval is requested.
type ApprovalRule struct {
	ID          string        `json:"id" yaml:"id" cbor:"id" validate:"required"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty" cbor:"description,omitempty"`
	Risk        RiskLevel     `json:"risk,omitempty" yaml:"risk,omitempty" cbor:"risk,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" cbor:"timeout,omitempty" validate:"gte=0"`
}

// Limits bounds token and output usage for the session. Zero means unset.
type Limits struct {
	MaxInputTokens     int `json:"max_input_tokens,omitempty" yaml:"max_input_tokens,omitempty" cbor:"max_input_tokens,omitempty" validate:"gte=0"`
	MaxOutputTokens    int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty" cbor:"max_output_tokens,omitempty" validate:"gte=0"`
	SessionTokenBudget int `json:"session_token_budget,omitempty" yaml:"session_token_budget,omitempty" cbor:"session_token_budget,omitempty" validate:"gte=0"`
	MaxToolOutputBytes int `json:"max_tool_output_bytes,omitempty" yaml:"max_tool_output_bytes,omitempty" cbor:"max_tool_output_bytes,omitempty" validate:"gte=0"`
}

// Expired reports whether the snapshot is no longer valid at now.
func (s *Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Rule returns the approval rule with the given id.
func (s *Snapshot) Rule(id string) (ApprovalRule, bool) {
	for _, r := range s.ApprovalRules {
		if r.ID == id {
			return r, true
		}
	}
	return ApprovalRule{}, false
}

// Identity is what the host expects the snapshot to belong to.
type Identity struct {
	SessionID   string
	WorkspaceID string
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
		switch FamilyOf(fl.Field().String()) {
		case FamilyLLM, FamilyFile, FamilyShell, FamilyNetwork:
			_, name, ok := strings.Cut(fl.Field().String(), ".")
			return ok && name != ""
		default:
			return false
		}
	})
	return v
}

// Validate checks structure, schema version, identity and expiry. A
// snapshot that fails here must never be used to start or resume a session.
func Validate(s *Snapshot, want Identity, now time.Time) error {
	if s == nil {
		return fmt.Errorf("%w: missing snapshot", ErrInvalidSnapshot)
	}
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedSchema, s.SchemaVersion, SchemaVersion)
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSnapshot, describeValidation(err))
	}

	seen := make(map[string]bool, len(s.ApprovalRules))
	for _, r := range s.ApprovalRules {
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate approval rule %q", ErrInvalidSnapshot, r.ID)
		}
		seen[r.ID] = true
	}
	granted := make(map[string]bool, len(s.Grants))
	for _, g := range s.Grants {
		if granted[g.Capability] {
			return fmt.Errorf("%w: capability %q granted twice", ErrInvalidSnapshot, g.Capability)
		}
		granted[g.Capability] = true
		if g.ApprovalRule != "" && !seen[g.ApprovalRule] {
			return fmt.Errorf("%w: capability %q references unknown approval rule %q", ErrInvalidSnapshot, g.Capability, g.ApprovalRule)
		}
	}

	if want.SessionID != "" && s.SessionID != want.SessionID {
		return fmt.Errorf("%w: session %q, expected %q", ErrIdentityMismatch, s.SessionID, want.SessionID)
	}
	if want.WorkspaceID != "" && s.WorkspaceID != want.WorkspaceID {
		return fmt.Errorf("%w: workspace %q, expected %q", ErrIdentityMismatch, s.WorkspaceID, want.WorkspaceID)
	}
	if s.Expired(now) {
		return fmt.Errorf("%w: expired at %s", ErrSnapshotExpired, s.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
