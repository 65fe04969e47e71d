package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ripcore/rip/internal/config"
	"github.com/ripcore/rip/internal/tool"
	"github.com/ripcore/rip/internal/tool/builtin"
	"github.com/ripcore/rip/internal/workspace"
)

// mcpCmd exposes the same builtin tool set the provider adapter drives as
// an MCP server over stdio, so any MCP-speaking client can read/write/patch/
// search/bash against the same workspace without going through a model at
// all. It shares the tool module's config section but runs without an
// authority: there is no session to checkpoint or frame against, so tool
// calls here are unrecorded and uncheckpointed by design.
func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workspace tool set over MCP (stdio)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			ws, _ := cmd.Flags().GetString("workspace")
			if ws == "" {
				ws = defaultWorkspace()
			}

			var toolCfg builtin.Config
			if cfgPath != "" {
				cfg, err := config.Load(cfgPath)
				if err == nil {
					if node, ok := cfg.Modules["tool"]; ok {
						_ = node.Decode(&toolCfg)
					}
				}
			}

			mutator := workspace.New(ws)
			registry := tool.NewRegistry()
			bashTimeout := time.Duration(toolCfg.BashTimeoutMs) * time.Millisecond
			if bashTimeout <= 0 {
				bashTimeout = 60 * time.Second
			}
			if err := builtin.Register(registry, mutator, bashTimeout); err != nil {
				return fmt.Errorf("mcp: register builtin tools: %w", err)
			}

			runner := tool.NewRunner(tool.RunnerConfig{
				Registry: registry,
				Policy:   toolCfg.ToPolicy(),
				Env:      tool.ExecutionEnv{Workspace: ws},
			})

			srv := server.NewMCPServer("rip", version)
			for _, schema := range registry.Schemas() {
				t, err := registry.Get(schema.Name)
				if err != nil {
					continue
				}
				srv.AddTool(mcp.NewToolWithRawSchema(schema.Name, t.Description(), schema.Schema), mcpToolHandler(runner, schema.Name))
			}

			return server.ServeStdio(srv)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (tool policy only)")
	cmd.Flags().String("workspace", "", "Path to the workspace root the tools operate on")
	return cmd
}

func mcpToolHandler(runner *tool.Runner, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		results := runner.Run(ctx, []tool.Call{{ToolID: name, Name: name, Args: args}})
		res := results[0]
		if res.Failed {
			return mcp.NewToolResultError(res.FailureMsg), nil
		}
		if res.Stderr != "" {
			return mcp.NewToolResultText(res.Stdout + "\n--- stderr ---\n" + res.Stderr), nil
		}
		return mcp.NewToolResultText(res.Stdout), nil
	}
}
