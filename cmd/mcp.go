package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve session tools over MCP on stdio",
	Long: `Serve the session, read, send and schedule tools to an MCP client over stdio.

Register it with an agent runtime as a stdio server running "shellcrew mcp".
Diagnostics go to stderr; stdout carries only protocol messages.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

var mcpLogLevelFlag string

func init() {
	mcpCmd.Flags().StringVar(&mcpLogLevelFlag, "log-level", "warn", "debug, info, warn or error")
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, mcpLogLevelFlag, cfg.Daemon.LogFormat)
	if err != nil {
		return err
	}

	// Tool calls start the daemon on demand.
	client := newClient(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(mcp.NewToolRegistry(client), version, mcp.WithLogger(logger))
	return server.Run(ctx)
}
