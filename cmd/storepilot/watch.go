package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/storepilot/storepilot/internal/eventbus"
	"github.com/storepilot/storepilot/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the store and print storage events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := buildOrchestrator()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := o.Open(ctx); err != nil {
			return err
		}
		defer func() { _ = o.Close(context.Background()) }()

		allEvents := []eventbus.EventType{
			eventbus.EventStoreOpened, eventbus.EventStoreChanged, eventbus.EventStoreRemoved,
			eventbus.EventFilesUpdated, eventbus.EventModelChecked, eventbus.EventDataUpdated,
			eventbus.EventJobStarted, eventbus.EventJobDone, eventbus.EventAccountStateChanged,
		}
		o.Bus().Subscribe("watch-printer", 100, allEvents, func(_ context.Context, ev *eventbus.Event) error {
			printEvent(ev)
			return nil
		})

		fmt.Printf("watching %s (ctrl-c to stop)\n", o.Descriptor().URL)
		<-ctx.Done()
		return nil
	},
}

func printEvent(ev *eventbus.Event) {
	stamp := ev.Time.Format("15:04:05")
	switch {
	case ev.Store != nil:
		fmt.Printf("%s  %s  %s %s\n", stamp, ui.Plain(ui.RenderAccent, string(ev.Type)),
			ev.Store.Descriptor.URL, ui.Plain(ui.RenderMuted, ev.Store.Reason))
	case ev.Files != nil:
		fmt.Printf("%s  %s  %d cloud file(s), store exists=%v\n", stamp,
			ui.Plain(ui.RenderAccent, string(ev.Type)),
			len(ev.Files.Snapshot.Files), ev.Files.CloudExists)
	case ev.Job != nil:
		if ev.Job.Err != "" {
			fmt.Printf("%s  %s  %s: %s\n", stamp, ui.Plain(ui.RenderFail, string(ev.Type)),
				ev.Job.Name, ev.Job.Err)
		} else {
			fmt.Printf("%s  %s  %s\n", stamp, ui.Plain(ui.RenderAccent, string(ev.Type)), ev.Job.Name)
		}
	default:
		fmt.Printf("%s  %s\n", stamp, ui.Plain(ui.RenderAccent, string(ev.Type)))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
