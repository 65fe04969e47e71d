// Package main is the entry point for the rip continuity runtime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ripcore/rip/internal/config"
	"github.com/ripcore/rip/internal/core"
	"github.com/ripcore/rip/internal/observability"
	"github.com/ripcore/rip/internal/reload"
	"github.com/ripcore/rip/internal/security"

	// Blank imports register every first-party module with core at startup.
	_ "github.com/ripcore/rip/internal/authority"
	_ "github.com/ripcore/rip/internal/context"
	_ "github.com/ripcore/rip/internal/context/compaction"
	_ "github.com/ripcore/rip/internal/cron"
	_ "github.com/ripcore/rip/internal/gateway"
	_ "github.com/ripcore/rip/internal/taskmanager"
	_ "github.com/ripcore/rip/internal/tool/builtin"
	_ "github.com/ripcore/rip/internal/workspace"
	_ "github.com/ripcore/rip/modules/provider/openai"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rip",
		Short:         "A continuity runtime for long-lived agent conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), startCmd(), configCmd(), mcpCmd(), serviceCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and compiled modules",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("rip %s (commit: %s, built: %s)\n", version, commit, date)
			mods := core.GetModules()
			if len(mods) == 0 {
				fmt.Println("\nNo compiled modules.")
				return
			}
			fmt.Println("\nCompiled modules:")
			for _, mod := range mods {
				fmt.Printf("  %s\n", mod.ID)
			}
		},
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the authority and control plane with all configured modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			workspace, _ := cmd.Flags().GetString("workspace")
			if workspace == "" {
				workspace, _ = os.Getwd()
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			logger := newLogger()

			shutdownTracing, err := observability.Setup(cmd.Context(), observability.Config{
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				Insecure:    cfg.Tracing.Insecure,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(shutdownCtx)
			}()

			appCtx := core.NewAppContext(logger, dataDir, workspace)
			appCtx = appCtx.WithModuleConfigs(cfg.Modules)

			app := core.NewApp(appCtx)
			ids := config.Resolve(cfg)
			if err := app.LoadModules(ids); err != nil {
				return err
			}

			watcher := reload.NewWatcher(reload.WatcherConfig{ConfigPath: cfgPath})
			handler := reload.NewHandler(app, logger, dataDir, workspace)
			watchCtx, cancelWatch := context.WithCancel(context.Background())
			watcher.Start(watchCtx)
			defer func() {
				cancelWatch()
				watcher.Stop()
			}()
			go watchConfig(watchCtx, watcher, handler, cfgPath, logger)

			return app.Run()
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().String("data-dir", "", "Path to the store's persistent data directory")
	cmd.Flags().String("workspace", "", "Path to the workspace root mutating tools operate on")
	return cmd
}

func watchConfig(ctx context.Context, w *reload.Watcher, h *reload.Handler, cfgPath string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			logger.Info("config changed, reloading", "path", ev.ConfigPath)
			if err := h.HandleReload(ctx, cfgPath); err != nil {
				logger.Error("config reload failed", "error", err)
			}
		}
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			logger := newLogger()
			appCtx := core.NewAppContext(logger, defaultDataDir(), defaultWorkspace())
			appCtx = appCtx.WithModuleConfigs(cfg.Modules)

			app := core.NewApp(appCtx)
			ids := config.Resolve(cfg)
			if err := app.LoadModules(ids); err != nil {
				return err
			}
			defer app.Stop()

			fmt.Printf("Configuration OK (%d modules)\n", len(ids))
			for _, id := range ids {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	})
	return cmd
}

// newLogger builds the process-wide structured logger. Every record passes
// through a RedactingHandler so a secret that leaks into a log attribute —
// an API key echoed from a misconfigured tool, say — never reaches stderr
// in the clear, regardless of which component logged it (the control
// plane never puts secrets in frames, but the logger is the last line of
// defense for everything else).
func newLogger() *slog.Logger {
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	handler := security.NewRedactingHandler(inner, security.NewRedactor())
	return slog.New(handler)
}

// resolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/rip/rip.yaml -> ~/.config/rip/rip.yaml -> ./rip.yaml
func resolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "rip", "rip.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "rip", "rip.yaml"))
	}

	candidates = append(candidates, "rip.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}

func defaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok {
		return filepath.Join(dir, "rip")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "rip")
}

func defaultWorkspace() string {
	dir, _ := os.Getwd()
	return dir
}
