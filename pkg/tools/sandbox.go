package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines all tool paths to a workspace root. Relative paths are
// joined to the root; absolute paths must already live under it. Symlinks
// are followed before the containment check, so a link inside the
// workspace cannot smuggle access to a target outside it.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at dir. dir is made absolute and
// symlink-resolved so later containment checks compare real paths.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return &Sandbox{root: filepath.Clean(real)}, nil
}

// Root returns the workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a tool-supplied path to an absolute path inside the
// workspace, refusing traversal outside it. The candidate is
// symlink-resolved first (down to its deepest existing ancestor for paths
// that do not exist yet), so the check applies to the real target.
func (s *Sandbox) Resolve(path string) (string, error) {
	if path == "" || path == "." {
		return s.root, nil
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	real, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", path, err)
	}

	if real != s.root && !strings.HasPrefix(real, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return real, nil
}

// resolveExisting follows symlinks on the deepest existing ancestor of
// path and rejoins the not-yet-created remainder.
func resolveExisting(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	realParent, err := resolveExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, filepath.Base(path)), nil
}

// Rel returns the workspace-relative form of an absolute path, falling back
// to the input when it is not under the root.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return rel
}
