package compaction

import (
	"fmt"
	"log/slog"

	"github.com/ripcore/rip/internal/authority"
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

// Config configures the Compaction Engine module: the default message
// stride and per-call checkpoint cap a run applies when it doesn't
// override them via the compaction-auto request body.
type Config struct {
	StrideMessages    int `yaml:"stride_messages"`
	MaxNewCheckpoints int `yaml:"max_new_checkpoints"`
}

func (c *Config) defaults() {
	if c.StrideMessages <= 0 {
		c.StrideMessages = DefaultStride
	}
	if c.MaxNewCheckpoints <= 0 {
		c.MaxNewCheckpoints = DefaultMaxNewCheckpoints
	}
}

// Module wraps *Engine as a core.Module, built over the same authority
// truth the context module's Compiler reads.
type Module struct {
	engine *Engine

	config Config
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "compaction", New: func() core.Module { return &Module{} }}
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

	authoritySvc, ok := ctx.Service("authority")
	if !ok {
		return fmt.Errorf("compaction: authority service not registered")
	}
	a, ok := authoritySvc.(*authority.Authority)
	if !ok {
		return fmt.Errorf("compaction: authority service has unexpected type")
	}

	m.engine = &Engine{
		Events:    a.Events,
		Artifacts: a.Artifacts,
		Frames:    a,
	}

	ctx.RegisterService("compaction.engine", m.engine)
	ctx.RegisterService("compaction.stride", m.config.StrideMessages)
	ctx.RegisterService("compaction.max_new_checkpoints", m.config.MaxNewCheckpoints)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.engine == nil {
		return fmt.Errorf("compaction: not provisioned")
	}
	return nil
}
