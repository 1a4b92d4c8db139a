package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileHistory writes each session's thread to <dir>/<session>.json,
// replacing the previous snapshot atomically.
type FileHistory struct {
	Dir string
}

// NewFileHistory returns a FileHistory rooted at dir, creating it if needed.
func NewFileHistory(dir string) (*FileHistory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileHistory{Dir: dir}, nil
}

func (h *FileHistory) path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("%w: invalid session id %q", ErrRejected, sessionID)
	}
	return filepath.Join(h.Dir, sessionID+".json"), nil
}

func (h *FileHistory) PutThread(ctx context.Context, snap ThreadSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := h.path(snap.SessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Load returns the stored thread of a session.
func (h *FileHistory) Load(sessionID string) (*ThreadSnapshot, error) {
	path, err := h.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap ThreadSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", path, err)
	}
	return &snap, nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
