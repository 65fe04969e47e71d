package cron

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ripcore/rip/internal/authority"
	"github.com/ripcore/rip/internal/context/compaction"
	"github.com/ripcore/rip/internal/core"
	"github.com/ripcore/rip/internal/eventstore"
	"gopkg.in/yaml.v3"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Module       = (*Module)(nil)
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Config configures the cron module. Every job it runs is store-hygiene or
// a message-count threshold nudge (Non-goals forbid wall-clock-driven
// compaction); Enabled only gates whether the scheduler runs at all.
type Config struct {
	Enabled bool `yaml:"enabled"`
}

// storeThreadLister implements cron.ThreadLister directly over the event
// store, so CompactionCheckJob has no dependency on the gateway module.
type storeThreadLister struct {
	events *eventstore.Store
}

func (l storeThreadLister) ThreadIDs(_ context.Context) ([]string, error) {
	streams, err := l.events.ListStreams()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(streams))
	for _, st := range streams {
		if st.Kind == eventstore.StreamContinuity {
			ids = append(ids, st.ID)
		}
	}
	return ids, nil
}

// Module wraps *Scheduler as a core.Module, registering the store-hygiene
// and compaction-threshold jobs against the authority and compaction
// engine services other modules publish.
type Module struct {
	scheduler *Scheduler

	config Config
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "cron", New: func() core.Module { return &Module{} }}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	m.config = Config{Enabled: true}
	if node != nil {
		if err := node.Decode(&m.config); err != nil {
			return err
		}
	}
	return nil
}

// Provision implements core.Provisioner. Job registration happens here
// even when disabled, so Validate and tests can still inspect Scheduler;
// Start is what actually begins firing ticks.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.logger = ctx.Logger

	authoritySvc, ok := ctx.Service("authority")
	if !ok {
		return fmt.Errorf("cron: authority service not registered")
	}
	a, ok := authoritySvc.(*authority.Authority)
	if !ok {
		return fmt.Errorf("cron: authority service has unexpected type")
	}

	compactionSvc, ok := ctx.Service("compaction.engine")
	if !ok {
		return fmt.Errorf("cron: compaction.engine service not registered")
	}
	engine, ok := compactionSvc.(*compaction.Engine)
	if !ok {
		return fmt.Errorf("cron: compaction.engine service has unexpected type")
	}

	m.scheduler = NewScheduler(m.logger)

	if err := m.scheduler.RegisterJob(&ArtifactGCJob{
		Root:   filepath.Join(ctx.DataDir, "artifacts", "blobs"),
		Logger: m.logger,
	}); err != nil {
		return err
	}
	if err := m.scheduler.RegisterJob(&SidecarRebuildJob{
		Store:   a.Events,
		Sidecar: a.Sidecar,
		Logger:  m.logger,
	}); err != nil {
		return err
	}
	if err := m.scheduler.RegisterJob(&CompactionCheckJob{
		Threads:   storeThreadLister{events: a.Events},
		Threshold: engine,
		Logger:    m.logger,
	}); err != nil {
		return err
	}

	ctx.RegisterService("cron.scheduler", m.scheduler)
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	if !m.config.Enabled {
		m.logger.Info("cron: disabled, scheduler not started")
		return nil
	}
	return m.scheduler.Start()
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}
	return m.scheduler.Stop(ctx)
}
