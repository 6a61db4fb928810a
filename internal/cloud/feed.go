package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/eventbus"
	"github.com/storepilot/storepilot/internal/types"
)

// Feed owns the long-lived discovery subscription and the reconciled view
// of the container. Reconciliation runs on one dedicated goroutine, so two
// change notifications can never interleave their list-diff logic.
type Feed struct {
	container Container
	bus       *eventbus.Bus
	base      string
	ext       string

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	kick     chan struct{}
	checked  bool // a real reconciliation pass completed
	forced   bool // a timed-out wait assumed the checked state
	exists   bool
	notDown  bool
	notUp    bool
	snapshot types.FileListSnapshot

	checkedCh   chan struct{}
	checkedOnce sync.Once
}

// NewFeed creates a feed for the store named <base>.<ext>.
func NewFeed(container Container, bus *eventbus.Bus, base, ext string) *Feed {
	return &Feed{
		container: container,
		bus:       bus,
		base:      base,
		ext:       ext,
		kick:      make(chan struct{}, 1),
		checkedCh: make(chan struct{}),
	}
}

// Start begins discovery. An already-running feed is reused rather than
// duplicated; Start is then a no-op.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	// The caller's ctx gates startup only; the subscription outlives it.
	if err := ctx.Err(); err != nil {
		cancel()
		return
	}
	f.running = true
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(runCtx)
}

// Stop ends discovery and waits for the worker to exit. Idempotent.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	done := f.done
	f.mu.Unlock()

	cancel()
	<-done
}

// Poke requests an extra reconciliation pass (e.g. after this process
// itself wrote into the container). Non-blocking; passes coalesce.
func (f *Feed) Poke() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// run is the discovery worker: one initial gather, then reconciliation on
// every change signal, with the watcher restarted under backoff when it
// fails.
func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	// Initial gather: exactly one pass before live updates are enabled.
	f.reconcile(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry for as long as the feed runs

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := f.container.Watch(ctx)
		if err != nil {
			debug.Logf("cloud: discovery watch failed, retrying: %v\n", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()

	live:
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					break live // watcher died; restart it
				}
				f.reconcile(ctx)
			case <-f.kick:
				f.reconcile(ctx)
			}
		}
	}
}

// reconcile performs one classification pass over the container listing.
// Only the run goroutine calls it.
func (f *Feed) reconcile(ctx context.Context) {
	entries, err := f.container.List(ctx)
	if err != nil {
		debug.Logf("cloud: discovery list failed: %v\n", err)
		return
	}

	exists, notDown, notUp := false, false, false
	var files []types.CloudFile
	for _, e := range entries {
		switch {
		case types.IsCloudStoreFile(e.Name, f.base, f.ext):
			if e.Download == types.DownloadCurrent {
				exists = true
			} else {
				notDown = true
			}
			if !e.Uploaded {
				notUp = true
			}
		case types.IsBackupFile(e.Name, f.base):
			files = append(files, types.CloudFile{
				Filename:          e.Name,
				URL:               e.Path,
				Download:          e.Download,
				PercentDownloaded: e.PercentDownloaded,
				Uploaded:          e.Uploaded,
				SavingDevice:      e.SavingDevice,
				ModTime:           e.ModTime,
			})
		default:
			// unrelated file; ignored
		}
	}
	types.SortFiles(files)
	snap := types.FileListSnapshot{Files: files, GatheredAt: time.Now()}

	f.mu.Lock()
	first := !f.checked
	changed := !snap.Equal(f.snapshot)
	f.checked = true
	f.forced = false
	f.exists = exists
	f.notDown = notDown
	f.notUp = notUp
	f.snapshot = snap
	f.mu.Unlock()

	f.markChecked()

	if first {
		f.dispatch(ctx, &eventbus.Event{
			Type:  eventbus.EventModelChecked,
			Files: &eventbus.FilesPayload{Snapshot: snap, CloudExists: exists},
		})
	}
	if changed {
		f.dispatch(ctx, &eventbus.Event{
			Type:  eventbus.EventFilesUpdated,
			Files: &eventbus.FilesPayload{Snapshot: snap, CloudExists: exists},
		})
	}
}

func (f *Feed) dispatch(ctx context.Context, ev *eventbus.Event) {
	if f.bus == nil {
		return
	}
	if err := f.bus.Dispatch(ctx, ev); err != nil {
		debug.Logf("cloud: dispatch %s: %v\n", ev.Type, err)
	}
}

func (f *Feed) markChecked() {
	f.checkedOnce.Do(func() { close(f.checkedCh) })
}

// WaitForCheck blocks until the first reconciliation pass completes, the
// timeout elapses, or ctx is cancelled. On timeout the feed marks itself
// checked with the store assumed present and reports
// types.ErrDiscoveryTimeout.
func (f *Feed) WaitForCheck(ctx context.Context, timeout time.Duration) (bool, error) {
	select {
	case <-f.checkedCh:
		return f.CloudStoreExists(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(timeout):
	}

	f.mu.Lock()
	if f.checked {
		// The first pass landed while the timeout was firing.
		exists := f.exists
		f.mu.Unlock()
		return exists, nil
	}
	f.forced = true
	f.exists = true
	f.mu.Unlock()
	f.markChecked()

	debug.Logf("cloud: discovery wait timed out after %s, assuming store exists\n", timeout)
	return true, types.ErrDiscoveryTimeout
}

// Checked reports whether at least one reconciliation pass has completed
// (or the bounded wait forced the checked state).
func (f *Feed) Checked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checked || f.forced
}

// CloudStoreExists reports whether the canonical cloud store file was seen
// fully downloaded.
func (f *Feed) CloudStoreExists() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists
}

// StoreNotDownloaded reports whether the cloud store file exists but is
// not fully downloaded on this device.
func (f *Feed) StoreNotDownloaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notDown
}

// StoreNotUploaded reports whether the cloud store file has local changes
// the provider has not pushed yet.
func (f *Feed) StoreNotUploaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notUp
}

// Snapshot returns a copy of the current reconciled backup list.
func (f *Feed) Snapshot() types.FileListSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	files := make([]types.CloudFile, len(f.snapshot.Files))
	copy(files, f.snapshot.Files)
	return types.FileListSnapshot{Files: files, GatheredAt: f.snapshot.GatheredAt}
}
