package backend

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/warden/policy"
)

// FileRegistrar serves a handshake from a YAML file. The file is re-read on
// every call, so editing it and resuming refreshes the policy.
//
//	session_id: s-1
//	workspace_id: w-1
//	snapshot:
//	  version: "3"
//	  session_id: s-1
//	  ...
type FileRegistrar struct {
	Path string
}

// NewFileRegistrar returns a registrar backed by path.
func NewFileRegistrar(path string) *FileRegistrar {
	return &FileRegistrar{Path: path}
}

func (r *FileRegistrar) load() (*Handshake, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read handshake file: %w", ErrUnavailable, err)
	}
	var h Handshake
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: parse handshake file %s: %w", ErrRejected, r.Path, err)
	}
	if h.Snapshot == nil {
		return nil, fmt.Errorf("%w: handshake file %s has no snapshot", ErrRejected, r.Path)
	}
	if h.SessionID == "" {
		h.SessionID = h.Snapshot.SessionID
	}
	if h.WorkspaceID == "" {
		h.WorkspaceID = h.Snapshot.WorkspaceID
	}
	return &h, nil
}

// Handshake returns the file's session. A workspace id in the request must
// match the file.
func (r *FileRegistrar) Handshake(_ context.Context, req HandshakeRequest) (*Handshake, error) {
	h, err := r.load()
	if err != nil {
		return nil, err
	}
	if req.WorkspaceID != "" && req.WorkspaceID != h.WorkspaceID {
		return nil, fmt.Errorf("%w: workspace %q is not registered", ErrRejected, req.WorkspaceID)
	}
	if h.Snapshot.WorkspaceRoot == "" {
		h.Snapshot.WorkspaceRoot = req.WorkspaceRoot
	}
	return h, nil
}

// Resume re-reads the file and returns its snapshot for sessionID.
func (r *FileRegistrar) Resume(_ context.Context, sessionID string, _ int) (*policy.Snapshot, error) {
	h, err := r.load()
	if err != nil {
		return nil, err
	}
	if h.SessionID != sessionID {
		return nil, fmt.Errorf("%w: unknown session %q", ErrRejected, sessionID)
	}
	return h.Snapshot, nil
}
