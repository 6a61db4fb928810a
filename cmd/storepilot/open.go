package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storepilot/storepilot/internal/types"
	"github.com/storepilot/storepilot/internal/ui"
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Resolve the store location, migrating if needed, and open it",
	Long: `Evaluates the location decision (account state, recorded preference,
which stores exist) and opens the store where it should live. Asks before
doing anything destructive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := buildOrchestrator()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := o.Open(ctx); err != nil {
			return err
		}
		defer func() { _ = o.Close(ctx) }()

		desc := o.Descriptor()
		loc := ui.Plain(ui.RenderAccent, "local")
		if desc.Location == types.Cloud {
			loc = ui.Plain(ui.RenderAccent, "cloud")
		}
		fmt.Printf("%s store open: %s\n", loc, desc.URL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
}
