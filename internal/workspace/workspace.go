// Package workspace is the Workspace Mutator: it exposes file read, write,
// patch-apply, and search against a workspace root, and captures/restores
// file checkpoints around mutating operations. Every mutating call is
// expected to run under the authority's workspace lock (see
// internal/authority) so invariant 5 — workspace mutations totally ordered
// across sessions and tasks — holds regardless of which component calls in.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Mutator operates on files rooted at Root. It never enforces its own
// locking — serialization is the authority's job — so Mutator itself can
// stay a thin, easily testable filesystem adapter.
type Mutator struct {
	Root string
}

// New creates a Mutator rooted at root.
func New(root string) *Mutator {
	return &Mutator{Root: root}
}

// resolve joins a workspace-relative path to Root and rejects escapes.
func (m *Mutator) resolve(rel string) (string, error) {
	full := filepath.Join(m.Root, rel)
	if !within(m.Root, full) {
		return "", fmt.Errorf("workspace: path escapes root: %s", rel)
	}
	return full, nil
}

func within(root, full string) bool {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// Read returns the full contents of a workspace-relative file.
func (m *Mutator) Read(rel string) ([]byte, error) {
	path, err := m.resolve(rel)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workspace: read %s: %w", rel, err)
	}
	return content, nil
}

// Write creates or overwrites a workspace-relative file, creating parent
// directories as needed.
func (m *Mutator) Write(rel string, content []byte) error {
	path, err := m.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("workspace: write %s: %w", rel, err)
	}
	return nil
}

// Exists reports whether a workspace-relative path currently exists.
func (m *Mutator) Exists(rel string) bool {
	path, err := m.resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Remove deletes a workspace-relative file, if it exists.
func (m *Mutator) Remove(rel string) error {
	path, err := m.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: remove %s: %w", rel, err)
	}
	return nil
}
