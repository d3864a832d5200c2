package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "metergate",
		Short:         "metergate: credit-metered, cached access to AI generation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "metergate.yaml", "path to config file (defaults apply when missing)")

	root.AddCommand(
		newServeCmd(&configPath),
		newUsageCmd(&configPath),
		newReportCmd(&configPath),
		newRecordsCmd(&configPath),
		newReconcileCmd(&configPath),
		newCacheCmd(&configPath),
		newAssetCmd(&configPath),
		newDistillCmd(&configPath),
		newHistoryCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
