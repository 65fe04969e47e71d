package main

import (
	"context"
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/ripcore/rip/internal/config"
	"github.com/ripcore/rip/internal/core"
	"github.com/ripcore/rip/internal/reload"
)

// ripService adapts the start-command lifecycle to kardianos/service's
// Start/Stop contract so rip can install itself as a systemd/launchd/Windows
// service, running the same module set a foreground `rip start` would.
type ripService struct {
	cfgPath, dataDir, workspace string
	app                         *core.App
	cancelWatch                 func()
}

func (p *ripService) Start(s service.Service) error {
	cfg, err := config.Load(p.cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger := newLogger()
	appCtx := core.NewAppContext(logger, p.dataDir, p.workspace)
	appCtx = appCtx.WithModuleConfigs(cfg.Modules)

	p.app = core.NewApp(appCtx)
	if err := p.app.LoadModules(config.Resolve(cfg)); err != nil {
		return err
	}

	watcher := reload.NewWatcher(reload.WatcherConfig{ConfigPath: p.cfgPath})
	handler := reload.NewHandler(p.app, logger, p.dataDir, p.workspace)
	watchCtx, cancel := context.WithCancel(context.Background())
	p.cancelWatch = cancel
	watcher.Start(watchCtx)
	go watchConfig(watchCtx, watcher, handler, p.cfgPath, logger)

	go func() {
		if err := p.app.Run(); err != nil {
			logger.Error("service: app run failed", "error", err)
		}
	}()
	return nil
}

func (p *ripService) Stop(s service.Service) error {
	if p.cancelWatch != nil {
		p.cancelWatch()
	}
	if p.app != nil {
		p.app.Stop()
	}
	return nil
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service <install|uninstall|start|stop|run>",
		Short: "Manage rip as an OS service (systemd/launchd/Windows)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				resolved, err := resolveConfigPath()
				if err != nil {
					return err
				}
				cfgPath = resolved
			}
			dataDir, _ := cmd.Flags().GetString("data-dir")
			if dataDir == "" {
				dataDir = defaultDataDir()
			}
			ws, _ := cmd.Flags().GetString("workspace")
			if ws == "" {
				ws = defaultWorkspace()
			}

			prg := &ripService{cfgPath: cfgPath, dataDir: dataDir, workspace: ws}
			svcCfg := &service.Config{
				Name:        "rip",
				DisplayName: "rip continuity runtime",
				Description: "Runs the rip authority, context compiler, and control plane as a background service.",
				Arguments:   []string{"service", "run", "--config", cfgPath, "--data-dir", dataDir, "--workspace", ws},
			}
			svc, err := service.New(prg, svcCfg)
			if err != nil {
				return fmt.Errorf("service: %w", err)
			}

			action := args[0]
			if action == "run" {
				return svc.Run()
			}
			if err := service.Control(svc, action); err != nil {
				return fmt.Errorf("service: %s: %w", action, err)
			}
			fmt.Printf("service %s: ok\n", action)
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().String("data-dir", "", "Path to the store's persistent data directory")
	cmd.Flags().String("workspace", "", "Path to the workspace root mutating tools operate on")
	return cmd
}
