package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ripcore/rip/internal/artifact"
)

// FileSnapshot captures one file's state at checkpoint time. Present is
// false when the file did not exist — rewinding such a snapshot removes the
// file rather than writing empty content.
type FileSnapshot struct {
	Path       string `json:"path"`
	Present    bool   `json:"present"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

// Checkpoint is an immutable record of file state captured before a
// mutating tool ran. Auto checkpoints are taken automatically ahead of an
// edit; manual checkpoints are requested explicitly.
type Checkpoint struct {
	ID    string         `json:"checkpoint_id"`
	Label string         `json:"label,omitempty"`
	Auto  bool           `json:"auto"`
	Files []FileSnapshot `json:"files"`
}

// Checkpointer captures and restores file checkpoints against a Mutator,
// persisting snapshot content in the artifact store so checkpoints survive
// process restarts.
type Checkpointer struct {
	mutator   *Mutator
	artifacts *artifact.Store
}

// NewCheckpointer creates a Checkpointer over mutator, storing snapshots in
// artifacts.
func NewCheckpointer(mutator *Mutator, artifacts *artifact.Store) *Checkpointer {
	return &Checkpointer{mutator: mutator, artifacts: artifacts}
}

// Capture snapshots the current content of each path in files (workspace-
// relative) and returns a Checkpoint describing the result. label is empty
// for automatic pre-edit checkpoints.
func (c *Checkpointer) Capture(paths []string, label string, auto bool) (Checkpoint, error) {
	id, err := newCheckpointID()
	if err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{ID: id, Label: label, Auto: auto}
	for _, p := range paths {
		snap := FileSnapshot{Path: p}
		if c.mutator.Exists(p) {
			content, err := c.mutator.Read(p)
			if err != nil {
				return Checkpoint{}, err
			}
			artifactID, err := c.artifacts.Put(artifact.KindToolOutput, content)
			if err != nil {
				return Checkpoint{}, err
			}
			snap.Present = true
			snap.ArtifactID = artifactID
		}
		cp.Files = append(cp.Files, snap)
	}
	return cp, nil
}

// Rewind restores every file snapshot in cp, in order. A snapshot with
// Present=false removes the file; otherwise the artifact content is written
// back verbatim.
func (c *Checkpointer) Rewind(cp Checkpoint) error {
	for _, snap := range cp.Files {
		if !snap.Present {
			if err := c.mutator.Remove(snap.Path); err != nil {
				return fmt.Errorf("workspace: rewind remove %s: %w", snap.Path, err)
			}
			continue
		}
		content, err := c.artifacts.Get(snap.ArtifactID)
		if err != nil {
			return fmt.Errorf("workspace: rewind read artifact for %s: %w", snap.Path, err)
		}
		if err := c.mutator.Write(snap.Path, content); err != nil {
			return fmt.Errorf("workspace: rewind write %s: %w", snap.Path, err)
		}
	}
	return nil
}

func newCheckpointID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("workspace: crypto/rand unavailable: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
