package context

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

// Config configures the Context Compiler module: the default bundle
// strategy and recent-message window applied when a run doesn't override
// them.
type Config struct {
	Strategy       string `yaml:"strategy"`
	RecentMessages int    `yaml:"recent_messages"`
}

func (c *Config) defaults() {
	if c.Strategy == "" {
		c.Strategy = string(StrategyRecentMessages)
	}
}

// Module wraps *Compiler as a core.Module, resolving the authority's event
// store, artifact store, and frame appender to build it, then publishing
// the compiler plus the resolved default Strategy/Limits for the gateway
// module to use when it assembles Engine.
type Module struct {
	compiler *Compiler
	strategy Strategy
	limits   Limits

	config Config
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "context", New: func() core.Module { return &Module{} }}
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
		return fmt.Errorf("context: authority service not registered")
	}
	a, ok := authoritySvc.(*authority.Authority)
	if !ok {
		return fmt.Errorf("context: authority service has unexpected type")
	}

	m.compiler = &Compiler{
		Events:    a.Events,
		Artifacts: a.Artifacts,
		Frames:    a,
	}
	m.strategy = Strategy(m.config.Strategy)
	m.limits = Limits{RecentMessages: m.config.RecentMessages}

	ctx.RegisterService("context.compiler", m.compiler)
	ctx.RegisterService("context.strategy", m.strategy)
	ctx.RegisterService("context.limits", m.limits)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	switch m.strategy {
	case StrategyRecentMessages, StrategySummariesRecentMessages, StrategyHierarchicalSummaries:
		return nil
	default:
		return fmt.Errorf("context: unknown strategy %q", m.strategy)
	}
}
