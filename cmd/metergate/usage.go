package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/metergate/pkg/models"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show credits used this month against the monthly limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				s, err := a.ledger.UsageSummary(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(os.Stdout, s)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "MONTH\t%s\n", a.ledger.CurrentMonth())
				fmt.Fprintf(w, "USED\t%d\n", s.MonthlyUsed)
				fmt.Fprintf(w, "LIMIT\t%d\n", s.MonthlyLimit)
				fmt.Fprintf(w, "REMAINING\t%d\n", s.Remaining)
				fmt.Fprintf(w, "USAGE\t%.1f%%\n", s.PercentageUsed)
				fmt.Fprintf(w, "EST. DAYS LEFT\t%d\n", s.EstimatedDaysRemaining)
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newReportCmd(configPath *string) *cobra.Command {
	var (
		month  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show credits per operation kind and feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				rows, err := a.ledger.Breakdown(ctx, month)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(os.Stdout, rows)
				}
				fmt.Print(formatBreakdownTable(rows))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default: current month)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func formatBreakdownTable(rows []models.FeatureUsage) string {
	if len(rows) == 0 {
		return "No usage data found.\n"
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tFEATURE\tCOUNT\tCREDITS")

	byKind := make(map[string]int64)
	var total int64
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.OperationKind, r.FeatureID, r.Count, r.Credits)
		byKind[r.OperationKind] += r.Credits
		total += r.Credits
	}

	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	fmt.Fprintln(w, "\t\t\t")
	for _, k := range kinds {
		fmt.Fprintf(w, "%s\t(subtotal)\t\t%d\n", k, byKind[k])
	}
	fmt.Fprintf(w, "TOTAL\t\t\t%d\n", total)
	w.Flush()
	return b.String()
}

func newRecordsCmd(configPath *string) *cobra.Command {
	var (
		month  string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List usage records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				recs, err := a.ledger.Records(ctx, month, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(os.Stdout, recs)
				}
				if len(recs) == 0 {
					fmt.Println("No usage records found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKIND\tFEATURE\tACTOR\tCREDITS\tID")
				for _, r := range recs {
					actor := r.ActorID
					if actor == "" {
						actor = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						r.Timestamp.Format("2006-01-02T15:04:05"), r.OperationKind, r.FeatureID, actor, r.CreditsConsumed, r.ID)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default: current month)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum records (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newReconcileCmd(configPath *string) *cobra.Command {
	var (
		month  string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute the monthly aggregate from the usage log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, *configPath, func(a *app) error {
				reconcile := a.ledger.Reconcile
				if dryRun {
					reconcile = a.ledger.CheckDrift
				}
				res, err := reconcile(ctx, month)
				if err != nil {
					return err
				}
				if res.Drift() == 0 {
					fmt.Printf("%s: aggregate matches the usage log (%d credits).\n", res.MonthKey, res.After)
					return nil
				}
				if dryRun {
					fmt.Printf("%s: aggregate %d, usage log %d (drift %+d).\n", res.MonthKey, res.Before, res.After, res.Drift())
					return nil
				}
				fmt.Printf("%s: aggregate corrected from %d to %d (drift %+d).\n", res.MonthKey, res.Before, res.After, res.Drift())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default: current month)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without correcting it")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
