package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storepilot/storepilot/internal/ui"
)

var migrateTo string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move the store between local and cloud storage",
	Long: `Records a new location preference and migrates the store there:
backup first, copy, verify the copy opens, and only then (with
confirmation) remove the original.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var useCloud bool
		switch migrateTo {
		case "cloud":
			useCloud = true
		case "local":
			useCloud = false
		default:
			return fmt.Errorf("--to must be \"cloud\" or \"local\", got %q", migrateTo)
		}

		o, err := buildOrchestrator()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := o.Open(ctx); err != nil {
			return err
		}
		defer func() { _ = o.Close(ctx) }()

		if err := o.SetUseCloud(ctx, useCloud); err != nil {
			return err
		}
		fmt.Printf("%s store now at %s\n",
			ui.Plain(ui.RenderPass, "✓"), o.Descriptor().URL)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTo, "to", "", "Target location: cloud or local (required)")
	_ = migrateCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(migrateCmd)
}
