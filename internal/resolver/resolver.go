// Package resolver decides where the store should live.
//
// The decision table is pure; the Resolver wraps it with the preference
// side effects (forced reset on sign-out, account-token bookkeeping) so the
// next launch can detect an account switch.
package resolver

import (
	"fmt"

	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/prefs"
)

// Outcome is the resolver's verdict.
type Outcome int

const (
	// OpenLocal opens the device-local store.
	OpenLocal Outcome = iota
	// OpenCloud opens the cloud store (migrating into it first if needed).
	OpenCloud
	// NeedsUserDecision means the resolver must not assume either
	// location; the caller has to ask.
	NeedsUserDecision
)

func (o Outcome) String() string {
	switch o {
	case OpenLocal:
		return "open-local"
	case OpenCloud:
		return "open-cloud"
	case NeedsUserDecision:
		return "needs-user-decision"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DecisionReason says what the user must be asked.
type DecisionReason int

const (
	ReasonNone DecisionReason = iota
	// ReasonChooseInitialLocation: signed in, never picked a location.
	ReasonChooseInitialLocation
	// ReasonChooseCloudFileAction: prefers local, has no local store, but
	// a cloud store exists.
	ReasonChooseCloudFileAction
)

// Inputs is everything the decision table looks at.
type Inputs struct {
	SignedIn           bool
	AccountToken       string
	PreferenceSelected bool
	UseCloud           bool
	LocalExists        bool
	CloudExists        bool
	FirstInstall       bool
}

// Resolution is the verdict plus the follow-up work it implies.
type Resolution struct {
	Outcome Outcome
	Reason  DecisionReason

	// SeedData: first run with no store anywhere; caller seeds initial
	// content after opening.
	SeedData bool

	// MigrateToCloud: a local store exists and no cloud store does, so
	// opening cloud means migrating the local store into the container.
	MigrateToCloud bool

	// ResetPreference: the account signed out; preference is forced back
	// to local.
	ResetPreference bool

	// InformCloudFileKept: local was chosen while a cloud store exists;
	// the cloud file is left untouched and the user is only informed.
	InformCloudFileKept bool
}

// Resolve evaluates the decision table. Pure: no side effects.
func Resolve(in Inputs) Resolution {
	// 1. Not signed in: only local is possible; preference resets.
	if !in.SignedIn {
		return Resolution{Outcome: OpenLocal, ResetPreference: true, SeedData: !in.LocalExists && in.FirstInstall}
	}

	// 2. Signed in but never chose a location.
	if !in.PreferenceSelected {
		return Resolution{Outcome: NeedsUserDecision, Reason: ReasonChooseInitialLocation}
	}

	// 3. Prefers cloud.
	if in.UseCloud {
		return Resolution{
			Outcome:        OpenCloud,
			MigrateToCloud: in.LocalExists && !in.CloudExists,
		}
	}

	// 4. Prefers local, no local store, but a cloud store exists.
	if !in.LocalExists && in.CloudExists {
		return Resolution{Outcome: NeedsUserDecision, Reason: ReasonChooseCloudFileAction}
	}

	// 5. Prefers local and has one; an existing cloud file is left alone.
	if in.LocalExists {
		return Resolution{Outcome: OpenLocal, InformCloudFileKept: in.CloudExists}
	}

	// 6. Prefers local, neither store exists: first run.
	return Resolution{Outcome: OpenLocal, SeedData: true}
}

// Resolver couples the pure table to the persisted preference state.
type Resolver struct {
	prefs *prefs.Preferences
}

// New creates a resolver over the given preference store.
func New(p *prefs.Preferences) *Resolver {
	return &Resolver{prefs: p}
}

// Resolve detects account changes, evaluates the table, and applies its
// side effects: a token switch clears the selected flag (forcing a fresh
// decision), a signed-out resolution resets the preference to local, and
// every resolution records the current token for the next launch.
func (r *Resolver) Resolve(in Inputs) (Resolution, error) {
	if in.SignedIn && r.prefs.AccountTokenChanged(in.AccountToken) {
		debug.Logf("resolver: account token changed, forcing location re-decision\n")
		if err := r.prefs.ResetPreference(); err != nil {
			return Resolution{}, fmt.Errorf("resetting preference after account switch: %w", err)
		}
		in.PreferenceSelected = false
		in.UseCloud = false
	}

	res := Resolve(in)

	if res.ResetPreference {
		if err := r.prefs.ResetPreference(); err != nil {
			return Resolution{}, fmt.Errorf("resetting preference: %w", err)
		}
	}

	token := ""
	if in.SignedIn {
		token = in.AccountToken
	}
	if err := r.prefs.SetLastAccountToken(token); err != nil {
		return Resolution{}, fmt.Errorf("recording account token: %w", err)
	}

	debug.Logf("resolver: %s (reason=%d seed=%v migrate=%v)\n",
		res.Outcome, res.Reason, res.SeedData, res.MigrateToCloud)
	return res, nil
}
