package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/metergate/pkg/models"
)

func newAssetCmd(configPath *string) *cobra.Command {
	var (
		req       models.AssetRequest
		kind      string
		size      string
		modifiers []string
	)

	cmd := &cobra.Command{
		Use:   "asset <context>",
		Short: "Generate a visual asset, reusing a cached render when possible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			req.AssetKind = models.AssetKind(kind)
			req.Size = models.AssetSize(size)
			req.Context = args[0]
			req.StyleModifiers = modifiers
			return withApp(ctx, *configPath, func(a *app) error {
				resp, err := a.assets.Generate(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, resp)
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(models.AssetBadge), "badge, terrain_tile, avatar, icon, background or orb")
	cmd.Flags().StringVarP(&size, "size", "s", string(models.SizeMedium), "small, medium or large")
	cmd.Flags().StringVar(&req.ActorID, "actor", "", "actor id for the history copy")
	cmd.Flags().StringSliceVar(&modifiers, "style", nil, "extra style modifiers")
	return cmd
}

func newDistillCmd(configPath *string) *cobra.Command {
	var (
		req        models.DistillRequest
		inputKind  string
		complexity string
		occurredAt string
	)

	cmd := &cobra.Command{
		Use:   "distill <text>",
		Short: "Distill raw text into a structured life event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			req.RawText = args[0]
			req.InputKind = models.InputKind(inputKind)
			req.Complexity = models.Complexity(complexity)
			if occurredAt != "" {
				t, err := time.Parse(time.RFC3339, occurredAt)
				if err != nil {
					return err
				}
				req.OccurredAt = &t
			}
			return withApp(ctx, *configPath, func(a *app) error {
				resp, err := a.distiller.Distill(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, resp)
			})
		},
	}

	cmd.Flags().StringVarP(&inputKind, "input-kind", "k", string(models.InputNoteText), "sensor_data, note_text, voice_transcript, location_context, calendar_event or health_metric")
	cmd.Flags().StringVar(&complexity, "complexity", string(models.ComplexityStandard), "simple, standard or complex")
	cmd.Flags().StringVar(&req.ActorID, "actor", "", "actor id for the history copy")
	cmd.Flags().StringVar(&req.SpatialHint, "where", "", "spatial hint, e.g. a room or place name")
	cmd.Flags().StringVar(&occurredAt, "at", "", "when it happened, RFC 3339 (default: now)")
	return cmd
}
