package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pario-ai/metergate/pkg/server"
)

const janitorInterval = 10 * time.Minute

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, *configPath, func(a *app) error {
				if listen != "" {
					a.cfg.Listen = listen
				}
				if a.cache != nil {
					a.cache.StartJanitor(janitorInterval, a.cfg.Cache.TTL, a.cfg.Cache.MaxEntries)
				}
				if _, err := a.ledger.Reconcile(ctx, ""); err != nil {
					a.logger.Warn().Err(err).Msg("startup reconcile failed")
				}

				opts := []server.Option{
					server.WithLogger(a.logger.With().Str("component", "http").Logger()),
					server.WithMetrics(a.metrics, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})),
				}
				if a.history != nil {
					opts = append(opts, server.WithHistory(a.history))
				}
				srv := server.New(a.cfg.Listen, a.assets, a.distiller, a.ledger, opts...)

				a.logger.Info().
					Str("ledger", a.cfg.Ledger.Backend).
					Str("cache", cacheBackendLabel(a)).
					Int64("monthly_limit", a.ledger.MonthlyLimit()).
					Msg("starting metergate")
				return srv.ListenAndServe(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}

func cacheBackendLabel(a *app) string {
	if a.cache == nil {
		return "disabled"
	}
	return a.cfg.Cache.Backend
}

// commandContext returns the command context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
