package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ripcore/rip/internal/authority"
	rcontext "github.com/ripcore/rip/internal/context"
	"github.com/ripcore/rip/internal/context/compaction"
	"github.com/ripcore/rip/internal/core"
	"github.com/ripcore/rip/internal/provider"
	"github.com/ripcore/rip/internal/taskmanager"
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
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Module wraps *Gateway as a core.Module. It is the last module to load in
// practice (its id sorts after every dependency it resolves), assembling
// the Authority, Context Compiler, Compaction Engine, Task Manager, Tool
// Runner inputs, and an optional provider Transport into one Engine, then
// serving the control plane over HTTP.
type Module struct {
	gateway *Gateway

	config Config
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "gateway", New: func() core.Module { return &Module{} }}
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

	a, err := resolveService[*authority.Authority](ctx, "authority")
	if err != nil {
		return err
	}
	compiler, err := resolveService[*rcontext.Compiler](ctx, "context.compiler")
	if err != nil {
		return err
	}
	compactionEngine, err := resolveService[*compaction.Engine](ctx, "compaction.engine")
	if err != nil {
		return err
	}
	tasks, err := resolveService[*taskmanager.Manager](ctx, "taskmanager")
	if err != nil {
		return err
	}
	registry, err := resolveService[*tool.Registry](ctx, "tool.registry")
	if err != nil {
		return err
	}
	policy, err := resolveService[tool.Policy](ctx, "tool.policy")
	if err != nil {
		return err
	}
	allowedTools, err := resolveService[[]string](ctx, "tool.allowed")
	if err != nil {
		return err
	}
	checkpointer, err := resolveService[*workspace.Checkpointer](ctx, "workspace.checkpointer")
	if err != nil {
		return err
	}

	var strategy rcontext.Strategy
	if s, ok := ctx.Service("context.strategy"); ok {
		if st, ok := s.(rcontext.Strategy); ok {
			strategy = st
		}
	}
	limits := rcontext.Limits{RecentMessages: m.config.RecentMessageLimit}
	if l, ok := ctx.Service("context.limits"); ok {
		if lim, ok := l.(rcontext.Limits); ok {
			limits = lim
		}
	}

	transport, err := m.resolveTransport(ctx)
	if err != nil {
		return err
	}

	metrics := NewMetrics()

	engine := NewEngine(EngineConfig{
		Authority:  a,
		Compiler:   compiler,
		Compaction: compactionEngine,
		Tasks:      tasks,

		Registry:     registry,
		Policy:       policy,
		AllowedTools: allowedTools,
		Env:          tool.ExecutionEnv{Workspace: ctx.Workspace, DataDir: ctx.DataDir},
		Checkpoints:  newCheckpointIndex(checkpointer),

		Transport: transport,

		Model:            m.config.Model,
		Instructions:     m.config.Instructions,
		ToolChoiceMode:   m.config.ToolChoiceMode,
		MaxToolCalls:     m.config.MaxToolCalls,
		StatelessHistory: m.config.StatelessHistory,

		Strategy: strategy,
		Limits:   limits,

		Metrics: metrics,
		Logger:  m.logger,
	})

	m.gateway = NewGateway(m.config.Bind, engine, metrics, m.config.ReadTimeout, m.config.WriteTimeout, m.config.ShutdownTimeout, m.logger)

	ctx.RegisterService("gateway.engine", engine)
	return nil
}

// resolveTransport looks up the configured Model's "provider_id/model_id"
// prefix as a "provider.<id>" service. An empty Model or an unconfigured
// provider both degrade to the stub turn (scenario S1) rather than failing
// Provision, so a store with no model wired still starts.
func (m *Module) resolveTransport(ctx *core.AppContext) (provider.Transport, error) {
	if m.config.Model == "" {
		return nil, nil
	}
	providerID, _, ok := strings.Cut(m.config.Model, "/")
	if !ok || providerID == "" {
		return nil, fmt.Errorf("gateway: model %q must be in provider_id/model_id form", m.config.Model)
	}
	svc, ok := ctx.Service("provider." + providerID)
	if !ok {
		m.logger.Warn("gateway: provider not configured, runs will use the stub turn", "provider", providerID)
		return nil, nil
	}
	transport, ok := svc.(provider.Transport)
	if !ok {
		return nil, fmt.Errorf("gateway: provider.%s does not implement provider.Transport", providerID)
	}
	return transport, nil
}

// resolveService fetches name from the registry and asserts it to T,
// producing a consistent error for every dependency this module requires.
func resolveService[T any](ctx *core.AppContext, name string) (T, error) {
	var zero T
	svc, ok := ctx.Service(name)
	if !ok {
		return zero, fmt.Errorf("gateway: %s service not registered", name)
	}
	v, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("gateway: %s service has unexpected type", name)
	}
	return v, nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.gateway == nil {
		return fmt.Errorf("gateway: not provisioned")
	}
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	return m.gateway.Start()
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	return m.gateway.Stop(ctx)
}
