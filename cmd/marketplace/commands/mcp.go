// ABOUTME: MCP command serves the buyer and vendor agents over Model Context Protocol
// ABOUTME: Front-end tools run on stdio; optional Prometheus metrics on HTTP
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harper/marketplace-agent/internal/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewMCPCmd creates the MCP command
func NewMCPCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the marketplace agents to LLM clients over MCP",
		Long: `Serve the marketplace agents over MCP (Model Context Protocol)

Runs the buyer and vendor agents as an MCP server on stdio so LLM
clients and chat front ends can start conversations and send messages.
Each message is answered by the persona's agent, which calls the
marketplace tool service as needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd, metricsAddr)
		},
		Example: `  # Start MCP server (typically launched by the front end)
  marketplace mcp

  # Configure in claude_desktop_config.json:
  # {
  #   "mcpServers": {
  #     "marketplace": {
  #       "command": "marketplace",
  #       "args": ["mcp"]
  #     }
  #   }
  # }`,
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// runMCP starts the MCP server
func runMCP(cmd *cobra.Command, metricsAddr string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	rt, err := newRuntime(cfg, runtimeOptions{requireLLM: true})
	if err != nil {
		return err
	}

	server := mcpserver.NewMCPServer(
		"Dataset Marketplace Agents",
		versionInfo.Version,
		mcpserver.WithToolCapabilities(true),
	)
	handlers := mcp.RegisterTools(server, rt.manager)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.warmRegistries(ctx); err != nil {
		rt.Close()
		return err
	}

	rt.logger.Info("Marketplace MCP server starting on stdio...")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.serveMetrics(gctx, cfg.MetricsAddr)
	})

	// ServeStdio installs its own signal handling and returns on EOF or signal
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- mcpserver.ServeStdio(server)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		rt.logger.Info("Shutdown signal received, gracefully shutting down...")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}
	stop()

	// Wait for in-flight turns so finished answers are stored
	handlers.Shutdown()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	rt.Close()
	rt.logger.Info("Shutdown complete")

	return runErr
}
