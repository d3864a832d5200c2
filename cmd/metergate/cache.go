package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var errCacheDisabled = errors.New("result cache is disabled in the config")

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				if a.cache == nil {
					return errCacheDisabled
				}
				stats, err := a.cache.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Backend: %s\nEntries: %d\n", a.cfg.Cache.Backend, stats.Entries)
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				if a.cache == nil {
					return errCacheDisabled
				}
				if err := a.cache.Clear(ctx); err != nil {
					return err
				}
				fmt.Println("All cache entries cleared.")
				return nil
			})
		},
	}

	var (
		olderThan  time.Duration
		maxEntries int
	)
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict entries by age and capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				if a.cache == nil {
					return errCacheDisabled
				}
				age, limit := a.cfg.Cache.TTL, a.cfg.Cache.MaxEntries
				if cmd.Flags().Changed("older-than") {
					age = olderThan
				}
				if cmd.Flags().Changed("max-entries") {
					limit = maxEntries
				}
				n, err := a.cache.Prune(ctx, age, limit)
				if err != nil {
					return err
				}
				fmt.Printf("Pruned %d cache entries.\n", n)
				return nil
			})
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "evict entries created longer ago than this (default: cache.ttl)")
	pruneCmd.Flags().IntVar(&maxEntries, "max-entries", 0, "keep at most this many entries (default: cache.max_entries)")

	cmd.AddCommand(statsCmd, clearCmd, pruneCmd)
	return cmd
}
