package authority

import (
	"context"
	"fmt"
	"log/slog"

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
	_ core.Stopper      = (*Module)(nil)
)

// Config configures the authority module.
type Config struct {
	// EndpointURL is recorded in the store's meta descriptor so clients that
	// did not spawn this process can discover it.
	EndpointURL string `yaml:"endpoint_url"`
}

// Module wraps *Authority as a core.Module. It is the root of the dependency
// graph: every other module (taskmanager, gateway) resolves "authority" and
// "artifact.store" from the service registry during its own Provision, so
// this module must load first.
type Module struct {
	*Authority

	config Config
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "authority", New: func() core.Module { return &Module{} }}
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

// Provision implements core.Provisioner. It acquires the store lock under
// ctx.DataDir and publishes the live Authority (and, separately, its
// artifact store) so downstream modules can resolve exactly the dependency
// surface they need without importing this package's concrete type.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.logger = ctx.Logger

	a, err := Open(ctx.DataDir, m.config.EndpointURL)
	if err != nil {
		return fmt.Errorf("authority: open: %w", err)
	}
	m.Authority = a

	ctx.RegisterService("authority", m.Authority)
	ctx.RegisterService("artifact.store", m.Authority.Artifacts)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.Authority == nil {
		return fmt.Errorf("authority: not provisioned")
	}
	return nil
}

// Stop implements core.Stopper: releases the store lock and closes the
// underlying event and sidecar stores.
func (m *Module) Stop(_ context.Context) error {
	if m.Authority == nil {
		return nil
	}
	return m.Authority.Close()
}
