// Package coalesce debounces externally-originated data changes into the
// bound session.
//
// Cloud sync delivers object imports in rapid bursts. The coordinator
// collects them for a short window and applies one merge-and-save per
// burst, so a hundred imported objects cost one transaction, not a
// hundred. All merge state is owned by a single background goroutine;
// commands arrive on channels, so there is no shared mutable state.
package coalesce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/eventbus"
)

// DefaultWindow is how long the coordinator waits after the last import
// signal before merging.
const DefaultWindow = time.Second

// Sessioner is the slice of the session the coordinator drives.
type Sessioner interface {
	// MergeExternal drops unsaved local changes for the imported IDs so
	// the external state wins on the next read.
	MergeExternal(ctx context.Context, ids []string) error

	// Dirty reports whether unsaved local changes remain.
	Dirty() bool

	// Save persists all staged changes.
	Save(ctx context.Context) error
}

// Coordinator owns the debounce window and the merge ordering. Safe for
// concurrent use; all methods are non-blocking except FlushNow and
// Shutdown.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	bus    *eventbus.Bus

	importCh     chan []string
	timerFiredCh chan struct{}
	flushNowCh   chan chan error
	setSessionCh chan Sessioner
	shutdownCh   chan chan error

	window time.Duration

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a coordinator and starts its background goroutine. A window
// of zero means DefaultWindow.
func New(bus *eventbus.Bus, window time.Duration) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ctx:          ctx,
		cancel:       cancel,
		bus:          bus,
		importCh:     make(chan []string, 16),
		timerFiredCh: make(chan struct{}, 1),
		flushNowCh:   make(chan chan error, 1),
		setSessionCh: make(chan Sessioner, 1),
		shutdownCh:   make(chan chan error, 1),
		window:       window,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// SetSession binds the session the coordinator merges into. Pending
// imports queued for the previous session are discarded; they belong to a
// store that is no longer bound. A nil session detaches.
func (c *Coordinator) SetSession(s Sessioner) {
	select {
	case c.setSessionCh <- s:
	case <-c.ctx.Done():
	}
}

// NoteImport records externally-imported object IDs and (re)arms the
// debounce window. Non-blocking.
func (c *Coordinator) NoteImport(ids []string) {
	if len(ids) == 0 {
		return
	}
	select {
	case c.importCh <- ids:
	case <-c.ctx.Done():
	}
}

// FlushNow merges and saves immediately, bypassing the debounce window.
// Blocks until the merge completes.
func (c *Coordinator) FlushNow() error {
	responseCh := make(chan error, 1)
	select {
	case c.flushNowCh <- responseCh:
		return <-responseCh
	case <-c.ctx.Done():
		return fmt.Errorf("coordinator shut down")
	}
}

// Shutdown performs a final merge-and-save and stops the background
// goroutine. Idempotent.
func (c *Coordinator) Shutdown() error {
	var shutdownErr error
	c.shutdownOnce.Do(func() {
		responseCh := make(chan error, 1)
		select {
		case c.shutdownCh <- responseCh:
			shutdownErr = <-responseCh
			c.wg.Wait()
			c.cancel()
		case <-time.After(30 * time.Second):
			c.cancel()
			shutdownErr = fmt.Errorf("shutdown timeout, final merge may not have completed")
		}
	})
	return shutdownErr
}

// run is the event loop. It alone touches the session, the pending-ID
// set, and the timer.
func (c *Coordinator) run() {
	defer c.wg.Done()

	var (
		session Sessioner
		pending = make(map[string]struct{})
		timer   *time.Timer
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	merge := func() error {
		if session == nil {
			// Imports for an unbound store are dropped, not deferred: a
			// later session belongs to different content.
			pending = make(map[string]struct{})
			return nil
		}
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		pending = make(map[string]struct{})

		if len(ids) > 0 {
			if err := session.MergeExternal(c.ctx, ids); err != nil {
				return fmt.Errorf("merging external changes: %w", err)
			}
		}
		if session.Dirty() {
			if err := session.Save(c.ctx); err != nil {
				return fmt.Errorf("saving merged session: %w", err)
			}
		}
		if len(ids) > 0 && c.bus != nil {
			ev := &eventbus.Event{Type: eventbus.EventDataUpdated, Store: &eventbus.StorePayload{Reason: "external-import"}}
			if err := c.bus.Dispatch(c.ctx, ev); err != nil {
				debug.Logf("coalesce: dispatch %s: %v\n", ev.Type, err)
			}
		}
		return nil
	}

	for {
		select {
		case ids := <-c.importCh:
			for _, id := range ids {
				pending[id] = struct{}{}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(c.window, func() {
				select {
				case c.timerFiredCh <- struct{}{}:
				default:
					// a fire is already pending
				}
			})

		case <-c.timerFiredCh:
			if err := merge(); err != nil {
				debug.Logf("coalesce: debounced merge failed: %v\n", err)
			}

		case responseCh := <-c.flushNowCh:
			if timer != nil {
				timer.Stop()
				timer = nil
			}
			responseCh <- merge()

		case s := <-c.setSessionCh:
			if timer != nil {
				timer.Stop()
				timer = nil
			}
			pending = make(map[string]struct{})
			session = s

		case responseCh := <-c.shutdownCh:
			if timer != nil {
				timer.Stop()
			}
			responseCh <- merge()
			return

		case <-c.ctx.Done():
			return
		}
	}
}
