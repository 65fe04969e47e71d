package gateway

import (
	"errors"
	"sync"

	"github.com/ripcore/rip/internal/tool"
	"github.com/ripcore/rip/internal/workspace"
)

// ErrCheckpointNotFound is returned by RewindCheckpoint for an id this
// process never captured.
var ErrCheckpointNotFound = errors.New("gateway: checkpoint not found")

// checkpointIndex adapts *workspace.Checkpointer to tool.Checkpointer and
// keeps the full snapshot (including per-file artifact refs) in memory,
// keyed by checkpoint id. The checkpoint_created frame records only the
// touched paths, not the artifact refs needed to rewind — so rewind is only
// available for checkpoints captured during the current authority process's
// lifetime, which is sufficient for the interactive rewind-after-edit flow
// the control plane exposes.
type checkpointIndex struct {
	inner *workspace.Checkpointer

	mu   sync.Mutex
	byID map[string]workspace.Checkpoint
}

func newCheckpointIndex(inner *workspace.Checkpointer) *checkpointIndex {
	return &checkpointIndex{inner: inner, byID: make(map[string]workspace.Checkpoint)}
}

// Capture implements tool.Checkpointer.
func (c *checkpointIndex) Capture(paths []string, label string, auto bool) (tool.Checkpoint, error) {
	cp, err := c.inner.Capture(paths, label, auto)
	if err != nil {
		return tool.Checkpoint{}, err
	}

	c.mu.Lock()
	c.byID[cp.ID] = cp
	c.mu.Unlock()

	files := make([]string, len(cp.Files))
	for i, f := range cp.Files {
		files[i] = f.Path
	}
	return tool.Checkpoint{ID: cp.ID, Files: files}, nil
}

// Rewind restores the workspace to the state captured under id.
func (c *checkpointIndex) Rewind(id string) error {
	c.mu.Lock()
	cp, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return ErrCheckpointNotFound
	}
	return c.inner.Rewind(cp)
}
