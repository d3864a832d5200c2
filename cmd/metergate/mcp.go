package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/metergate/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only usage tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, *configPath, func(a *app) error {
				var cache mcp.CacheStatter
				if a.cache != nil {
					cache = a.cache
				}
				var hist mcp.HistoryReader
				if a.history != nil {
					hist = a.history
				}
				srv := mcp.New(a.ledger, cache, hist, version, a.logger.With().Str("component", "mcp").Logger())
				return srv.Run(ctx, os.Stdin, os.Stdout)
			})
		},
	}
}
