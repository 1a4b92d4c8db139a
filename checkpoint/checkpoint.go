// Package checkpoint persists the crash-recovery snapshot of a session.
//
// A checkpoint is written after every completed step. Writes go to a
// temporary file in the checkpoint directory and are renamed into place, so
// a reader only ever sees a complete checkpoint or the previous one.
package checkpoint

import (
	"errors"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/martinemde/warden/thread"
)

// SchemaVersion is the checkpoint layout written by this build. Files with
// any other version are discarded on load.
const SchemaVersion = 1

var (
	ErrNotFound       = errors.New("checkpoint not found")
	ErrRecoveryFailed = errors.New("checkpoint recovery failed")
	ErrCorrupt        = errors.New("checkpoint corrupt")
	ErrUnknownVersion = errors.New("checkpoint schema version unknown")
)

// Checkpoint is everything needed to resume a session after a crash.
type Checkpoint struct {
	SchemaVersion int              `cbor:"schema_version"`
	SessionID     string           `cbor:"session_id"`
	WorkspaceID   string           `cbor:"workspace_id"`
	SessionState  string           `cbor:"session_state"`
	PolicyVersion string           `cbor:"policy_version"`
	Task          *Task            `cbor:"task,omitempty"`
	StepCursor    int              `cbor:"step_cursor"`
	Messages      []thread.Message `cbor:"messages"`
	SessionTokens int              `cbor:"session_tokens"`
	WrittenAt     time.Time        `cbor:"written_at"`
}

// Task is the persisted state of the active task.
type Task struct {
	ID            string `cbor:"id"`
	Prompt        string `cbor:"prompt"`
	MaxSteps      int    `cbor:"max_steps"`
	AllowNetwork  bool   `cbor:"allow_network"`
	ApprovalMode  string `cbor:"approval_mode"`
	StepCount     int    `cbor:"step_count"`
	State         string `cbor:"state"`
	FailureReason string `cbor:"failure_reason,omitempty"`
	Continuations int    `cbor:"continuations,omitempty"`
	Warned        bool   `cbor:"warned,omitempty"`
}

// Store persists at most one checkpoint per session.
type Store interface {
	Write(cp *Checkpoint) error
	Load() (*Checkpoint, error)
	Delete() error
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Deterministic encoding so the same checkpoint always produces the
	// same bytes and digest. Times keep nanoseconds and zone offset.
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes cp with deterministic CBOR.
func Marshal(cp *Checkpoint) ([]byte, error) {
	return encMode.Marshal(cp)
}

// Unmarshal decodes a checkpoint payload.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := decMode.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
