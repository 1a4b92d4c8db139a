package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathRequired = errors.New("path is required")

// PathResolver turns a tool-supplied path into the absolute, symlink-free
// form the enforcer compares against. Resolution is the only part of a
// capability check that touches the filesystem, so it runs before Check.
type PathResolver interface {
	Resolve(raw string) (string, error)
}

// FSResolver resolves paths against a workspace root on the local
// filesystem. Relative paths are joined to Root. Paths that do not exist yet
// are resolved through their longest existing ancestor, so a new file
// created under a symlinked directory is attributed to the link target.
type FSResolver struct {
	Root string
}

// NewFSResolver returns a resolver rooted at the symlink-resolved root.
func NewFSResolver(root string) (*FSResolver, error) {
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved, err := resolveExistingPrefix(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root symlinks: %w", err)
	}
	return &FSResolver{Root: resolved}, nil
}

func (r *FSResolver) Resolve(raw string) (string, error) {
	path := strings.TrimSpace(raw)
	if path == "" {
		return "", ErrPathRequired
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.Root, path)
	}
	resolved, err := resolveExistingPrefix(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", raw, err)
	}
	return resolved, nil
}

func resolveExistingPrefix(path string) (string, error) {
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			rel, relErr := filepath.Rel(current, path)
			if relErr != nil {
				return "", relErr
			}
			return filepath.Clean(filepath.Join(resolved, rel)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return filepath.Clean(path), nil
}

func hasPathPrefix(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
