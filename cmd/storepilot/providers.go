package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/storepilot/storepilot/internal/orchestrator"
	"github.com/storepilot/storepilot/internal/ui"
)

// newDecisionProvider returns the interactive provider, or the
// conservative non-interactive one when prompting is disabled.
func newDecisionProvider(nonInteractive bool) orchestrator.DecisionProvider {
	if nonInteractive {
		return autoDecisions{}
	}
	return huhDecisions{}
}

// huhDecisions asks the user through terminal select forms.
type huhDecisions struct{}

func (huhDecisions) ChooseInitialLocation(ctx context.Context) (bool, error) {
	var useCloud bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[bool]().
				Title("Where should your store live?").
				Description("You can change this later; the store migrates safely either way.").
				Options(
					huh.NewOption("In the cloud (synced across devices)", true),
					huh.NewOption("On this device only", false),
				).
				Value(&useCloud),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("location form: %w", err)
	}
	return useCloud, nil
}

func (huhDecisions) ChooseCloudFileAction(ctx context.Context) (orchestrator.CloudFileAction, error) {
	action := orchestrator.UseCloudStore
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[orchestrator.CloudFileAction]().
				Title("A store from this account already exists in the cloud.").
				Description("This device has no local store yet.").
				Options(
					huh.NewOption("Use the cloud store", orchestrator.UseCloudStore),
					huh.NewOption("Start fresh on this device (keep the cloud store)", orchestrator.StartFreshLocal),
				).
				Value(&action),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return action, fmt.Errorf("cloud file form: %w", err)
	}
	return action, nil
}

func (huhDecisions) ConfirmDeleteSource(ctx context.Context, path string) (bool, error) {
	var remove bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Remove the old store after the move?").
				Description(fmt.Sprintf("The store at %s is copied before anything is deleted.", path)).
				Affirmative("Remove it").
				Negative("Keep it").
				Value(&remove),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("delete confirmation form: %w", err)
	}
	return remove, nil
}

func (huhDecisions) Inform(message string) {
	fmt.Fprintln(os.Stderr, ui.Plain(ui.RenderWarn, message))
}

// autoDecisions takes the conservative default everywhere: local storage,
// never delete, keep existing files.
type autoDecisions struct{}

func (autoDecisions) ChooseInitialLocation(context.Context) (bool, error) { return false, nil }

func (autoDecisions) ChooseCloudFileAction(context.Context) (orchestrator.CloudFileAction, error) {
	return orchestrator.StartFreshLocal, nil
}

func (autoDecisions) ConfirmDeleteSource(context.Context, string) (bool, error) { return false, nil }

func (autoDecisions) Inform(message string) {
	fmt.Fprintln(os.Stderr, message)
}
