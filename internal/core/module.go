package core

import "sync"

// ModuleID uniquely identifies a registered module, e.g. "gateway.http" or
// "channel.telegram". Namespaced with a dot to group related modules.
type ModuleID string

// Module is the minimal interface every registered module must implement.
// Additional lifecycle behavior is opted into via Configurable, Provisioner,
// Validator, Starter, Stopper, and Reloader — LoadModule and App use type
// assertions to detect which a given module supports.
type Module interface {
	ModuleInfo() ModuleInfo
}

// ModuleInfo describes a module's registration: its stable ID and a
// constructor for fresh instances.
type ModuleInfo struct {
	ID  ModuleID
	New func() Module
}

// RegisterService publishes svc under name so other modules can resolve it
// via Service during or after Provision. Later registrations under the same
// name replace earlier ones.
func (ctx *AppContext) RegisterService(name string, svc any) {
	ctx.services().mu.Lock()
	defer ctx.services().mu.Unlock()
	ctx.services().entries[name] = svc
}

// Service resolves a previously registered service by name. The bool return
// is false if nothing is registered under that name.
func (ctx *AppContext) Service(name string) (any, bool) {
	ctx.services().mu.RLock()
	defer ctx.services().mu.RUnlock()
	svc, ok := ctx.services().entries[name]
	return svc, ok
}

func (ctx *AppContext) services() *serviceRegistry {
	if ctx.registry == nil {
		ctx.registry = &serviceRegistry{entries: make(map[string]any)}
	}
	return ctx.registry
}

// serviceRegistry is shared across every AppContext derived via ForModule
// from the same root, so a service registered by one module is visible to
// all its siblings.
type serviceRegistry struct {
	mu      sync.RWMutex
	entries map[string]any
}
