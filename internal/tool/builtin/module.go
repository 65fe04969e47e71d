package builtin

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ripcore/rip/internal/core"
	"github.com/ripcore/rip/internal/tool"
	"github.com/ripcore/rip/internal/workspace"
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

// Config configures the tool module: the baseline approval policy and the
// default bash timeout for calls that omit timeout_ms.
type Config struct {
	DefaultPolicy string            `yaml:"default_policy"`
	Tools         map[string]string `yaml:"tools"`
	Allow         []string          `yaml:"allow"`
	Deny          []string          `yaml:"deny"`
	AllowedTools  []string          `yaml:"allowed_tools"`
	BashTimeoutMs int64             `yaml:"bash_timeout_ms"`
}

// ToPolicy builds the tool.Policy this config describes, shared by the
// module wiring here and the standalone MCP facade in cmd/rip.
func (c *Config) ToPolicy() tool.Policy {
	levels := make(map[string]tool.ApprovalLevel, len(c.Tools))
	for name, level := range c.Tools {
		levels[name] = tool.ApprovalLevel(level)
	}
	return tool.Policy{
		Default: tool.ApprovalLevel(c.DefaultPolicy),
		Tools:   levels,
		Allow:   c.Allow,
		Deny:    c.Deny,
	}
}

// Module wraps the tool Registry this store uses, wiring the baseline
// read/write/patch/search/bash tools from the workspace module's mutator
// and publishing the registry, policy, and allowed-tools list for the
// gateway module to resolve.
type Module struct {
	registry     *tool.Registry
	policy       tool.Policy
	allowedTools []string

	config Config
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "tool", New: func() core.Module { return &Module{} }}
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

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.logger = ctx.Logger

	mutatorSvc, ok := ctx.Service("workspace.mutator")
	if !ok {
		return fmt.Errorf("tool: workspace.mutator service not registered")
	}
	mutator, ok := mutatorSvc.(*workspace.Mutator)
	if !ok {
		return fmt.Errorf("tool: workspace.mutator service has unexpected type")
	}

	bashTimeout := time.Duration(m.config.BashTimeoutMs) * time.Millisecond
	if bashTimeout <= 0 {
		bashTimeout = 60 * time.Second
	}

	m.registry = tool.NewRegistry()
	if err := Register(m.registry, mutator, bashTimeout); err != nil {
		return fmt.Errorf("tool: register builtin tools: %w", err)
	}

	m.policy = m.config.ToPolicy()
	m.allowedTools = m.config.AllowedTools

	ctx.RegisterService("tool.registry", m.registry)
	ctx.RegisterService("tool.policy", m.policy)
	ctx.RegisterService("tool.allowed", m.allowedTools)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if err := tool.ValidatePolicyConfig(m.policy); err != nil {
		return fmt.Errorf("tool: %w", err)
	}
	return nil
}
