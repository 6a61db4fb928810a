// Package transition sequences store swaps driven by the sync provider.
//
// The provider brackets every container-level change with a will-change /
// did-change pair. Between the two signals the store file may be replaced
// or deleted out from under us, so the machine flushes and releases the
// session on the way in, and either rebinds or tears down on the way out.
package transition

import (
	"context"
	"fmt"
	"sync"

	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/eventbus"
	"github.com/storepilot/storepilot/internal/types"
)

// State is the machine's position in the swap protocol.
type State int

const (
	// Stable means the store is open and the session is bound.
	Stable State = iota
	// Changing means the provider is replacing store content; the session
	// is released and all access must wait.
	Changing
)

func (s State) String() string {
	switch s {
	case Stable:
		return "stable"
	case Changing:
		return "changing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Hooks are the actions the machine drives. All are required.
type Hooks struct {
	// Flush persists unsaved session changes before the store is handed
	// to the provider.
	Flush func() error

	// Release unbinds the current session. The session is never reused
	// across a transition.
	Release func()

	// Rebind opens a fresh session against the (possibly replaced) store.
	Rebind func(ctx context.Context) error

	// Teardown closes the store after its content was removed remotely.
	Teardown func(ctx context.Context) error

	// Descriptor reports the store the machine is guarding, for event
	// payloads.
	Descriptor func() types.StoreDescriptor
}

// Machine serializes transitions. Methods may be called from any
// goroutine; the mutex makes each transition atomic.
type Machine struct {
	hooks Hooks
	bus   *eventbus.Bus

	mu    sync.Mutex
	state State
}

// New creates a machine in the Stable state.
func New(hooks Hooks, bus *eventbus.Bus) *Machine {
	return &Machine{hooks: hooks, bus: bus}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StoresWillChange enters the Changing state: unsaved changes are flushed
// and the session released before the provider touches the store.
// Idempotent while already Changing.
func (m *Machine) StoresWillChange(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enterChanging(ctx)
}

// enterChanging must be called with the mutex held.
func (m *Machine) enterChanging(_ context.Context) error {
	if m.state == Changing {
		return nil
	}

	// Flush first: once the session is released the changes are gone.
	if err := m.hooks.Flush(); err != nil {
		// The provider will replace the file regardless; losing the
		// unsaved delta beats blocking the swap.
		debug.Logf("transition: pre-change flush failed: %v\n", err)
	}
	m.hooks.Release()
	m.state = Changing
	return nil
}

// StoresDidChange leaves the Changing state. With contentRemoved the store
// is torn down and store.removed published; otherwise a fresh session is
// bound against the new content and store.changed published.
//
// A did-change without a preceding will-change runs the will-change phase
// first, so a provider that skips the bracket still gets a flushed
// session.
func (m *Machine) StoresDidChange(ctx context.Context, contentRemoved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Stable {
		if err := m.enterChanging(ctx); err != nil {
			return err
		}
	}

	desc := m.hooks.Descriptor()

	if contentRemoved {
		err := m.hooks.Teardown(ctx)
		m.state = Stable
		m.dispatch(ctx, &eventbus.Event{
			Type:  eventbus.EventStoreRemoved,
			Store: &eventbus.StorePayload{Descriptor: desc, Reason: "content-removed"},
		})
		if err != nil {
			return fmt.Errorf("tearing down removed store: %w", err)
		}
		return nil
	}

	if err := m.hooks.Rebind(ctx); err != nil {
		// Still Changing: the caller may retry the rebind once the
		// provider settles.
		return fmt.Errorf("rebinding after change: %w", err)
	}
	m.state = Stable
	m.dispatch(ctx, &eventbus.Event{
		Type:  eventbus.EventStoreChanged,
		Store: &eventbus.StorePayload{Descriptor: desc, Reason: "content-replaced"},
	})
	return nil
}

func (m *Machine) dispatch(ctx context.Context, ev *eventbus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Dispatch(ctx, ev); err != nil {
		debug.Logf("transition: dispatch %s: %v\n", ev.Type, err)
	}
}
