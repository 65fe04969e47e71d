package taskmanager

import (
	"fmt"
	"log/slog"
	"time"

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

// Config configures the taskmanager module.
type Config struct {
	CancelGraceMs int64 `yaml:"cancel_grace_ms"`
}

func (c *Config) defaults() {
	if c.CancelGraceMs <= 0 {
		c.CancelGraceMs = int64(DefaultCancelGrace / time.Millisecond)
	}
}

// Module wraps Manager as a core.Module: it resolves the authority (for
// framing) and the artifact store from the service registry other modules
// populate during Provision, then publishes the live Manager back under
// "taskmanager" for the gateway and the compaction-check cron job to use.
type Module struct {
	*Manager

	config Config
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "taskmanager", New: func() core.Module { return &Module{} }}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if node != nil {
		if err := node.Decode(&m.config); err != nil {
			return err
		}
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.logger = ctx.Logger

	frameSvc, ok := ctx.Service("authority")
	if !ok {
		return fmt.Errorf("taskmanager: authority service not registered")
	}
	frames, ok := frameSvc.(FrameAppender)
	if !ok {
		return fmt.Errorf("taskmanager: authority service does not implement FrameAppender")
	}

	artifactSvc, ok := ctx.Service("artifact.store")
	if !ok {
		return fmt.Errorf("taskmanager: artifact.store service not registered")
	}
	artifacts, ok := artifactSvc.(ArtifactStore)
	if !ok {
		return fmt.Errorf("taskmanager: artifact.store service does not implement ArtifactStore")
	}

	m.Manager = NewManager(frames, artifacts)
	m.Manager.CancelGrace = time.Duration(m.config.CancelGraceMs) * time.Millisecond

	ctx.RegisterService("taskmanager", m.Manager)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.Manager == nil {
		return fmt.Errorf("taskmanager: not provisioned")
	}
	return nil
}
