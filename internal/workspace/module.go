package workspace

import (
	"fmt"
	"log/slog"

	"github.com/ripcore/rip/internal/artifact"
	"github.com/ripcore/rip/internal/core"
	"gopkg.in/yaml.v3"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Module       = (*Module)(nil)
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
)

// Config configures the workspace module. Root is resolved against
// ctx.Workspace when empty, which is the common case: the workspace root
// is a launch flag, not module config.
type Config struct {
	Root string `yaml:"root"`
}

// Module wraps a Mutator and Checkpointer as a core.Module, publishing both
// under the service registry so the tool and gateway modules can resolve
// them without importing workspace's concrete types directly.
type Module struct {
	mutator     *Mutator
	checkpoints *Checkpointer

	config Config
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "workspace", New: func() core.Module { return &Module{} }}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if node != nil {
		if err := node.Decode(&m.config); err != nil {
			return err
		}
	}
	return nil
}

// Provision implements core.Provisioner. It resolves the artifact store
// published by the authority module so checkpoint snapshots persist across
// process restarts (invariant: truth, including file state needed for
// rewind, lives in the store).
func (m *Module) Provision(ctx *core.AppContext) error {
	m.logger = ctx.Logger

	root := m.config.Root
	if root == "" {
		root = ctx.Workspace
	}

	artifactSvc, ok := ctx.Service("artifact.store")
	if !ok {
		return fmt.Errorf("workspace: artifact.store service not registered")
	}
	artifacts, ok := artifactSvc.(*artifact.Store)
	if !ok {
		return fmt.Errorf("workspace: artifact.store service has unexpected type")
	}

	m.mutator = New(root)
	m.checkpoints = NewCheckpointer(m.mutator, artifacts)

	ctx.RegisterService("workspace.mutator", m.mutator)
	ctx.RegisterService("workspace.checkpointer", m.checkpoints)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.mutator == nil || m.mutator.Root == "" {
		return fmt.Errorf("workspace: root must not be empty")
	}
	return nil
}
