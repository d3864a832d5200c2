package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/metergate/pkg/models"
)

var errHistoryDisabled = errors.New("history is disabled in the config")

func newHistoryCmd(configPath *string) *cobra.Command {
	var (
		kind   string
		since  time.Duration
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history <actor>",
		Short: "List an actor's generated items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				if a.history == nil {
					return errHistoryDisabled
				}
				opts := models.HistoryQueryOpts{ActorID: args[0], Kind: kind, Limit: limit}
				if since > 0 {
					opts.Since = time.Now().Add(-since)
				}
				entries, err := a.history.Query(ctx, opts)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(os.Stdout, entries)
				}
				if len(entries) == 0 {
					fmt.Println("No history entries.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CREATED\tKIND\tITEM")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.ItemID)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by operation kind")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this, e.g. 72h")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	statsCmd := &cobra.Command{
		Use:   "stats <actor>",
		Short: "Count an actor's history per kind and day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				if a.history == nil {
					return errHistoryDisabled
				}
				stats, err := a.history.Stats(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DAY\tKIND\tCOUNT")
				for _, s := range stats {
					fmt.Fprintf(w, "%s\t%s\t%d\n", s.Day, s.Kind, s.Count)
				}
				return w.Flush()
			})
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries past history.retention_days",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				if a.history == nil {
					return errHistoryDisabled
				}
				n, err := a.history.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d history entries.\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(statsCmd, cleanupCmd)
	return cmd
}
