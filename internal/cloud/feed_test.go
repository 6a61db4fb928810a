package cloud

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storepilot/storepilot/internal/eventbus"
	"github.com/storepilot/storepilot/internal/types"
)

// fakeContainer is a scriptable Container for feed tests.
type fakeContainer struct {
	mu      sync.Mutex
	entries []Entry
	watchCh chan struct{}
	listGate chan struct{} // when non-nil, List blocks until closed
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{watchCh: make(chan struct{}, 1)}
}

func (c *fakeContainer) setEntries(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
}

func (c *fakeContainer) List(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	gate := c.listGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out, nil
}

func (c *fakeContainer) Relocate(ctx context.Context, src, dst string) error { return nil }
func (c *fakeContainer) Remove(ctx context.Context, name string) error       { return nil }
func (c *fakeContainer) Dir() string                                         { return "" }

func (c *fakeContainer) Watch(ctx context.Context) (<-chan struct{}, error) {
	return c.watchCh, nil
}

func (c *fakeContainer) trigger() {
	select {
	case c.watchCh <- struct{}{}:
	default:
	}
}

func backupEntry(name string, mod time.Time) Entry {
	return Entry{
		Name:     name,
		Path:     "/container/" + name,
		ModTime:  mod,
		Download: types.DownloadCurrent,
		Uploaded: true,
	}
}

type eventCounter struct {
	mu     sync.Mutex
	counts map[eventbus.EventType]int
}

func countEvents(bus *eventbus.Bus, eventTypes ...eventbus.EventType) *eventCounter {
	c := &eventCounter{counts: make(map[eventbus.EventType]int)}
	bus.Subscribe("test-counter", 0, eventTypes, func(_ context.Context, ev *eventbus.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.counts[ev.Type]++
		return nil
	})
	return c
}

func (c *eventCounter) count(t eventbus.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

func TestFeedInitialGatherSetsChecked(t *testing.T) {
	container := newFakeContainer()
	container.setEntries([]Entry{
		backupEntry("ledger_Backup_20260101000000000.db", time.Now()),
	})
	bus := eventbus.New()
	counter := countEvents(bus, eventbus.EventModelChecked, eventbus.EventFilesUpdated)

	feed := NewFeed(container, bus, "ledger", "db")
	feed.Start(context.Background())
	defer feed.Stop()

	exists, err := feed.WaitForCheck(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, exists) // no canonical store file in the listing
	assert.True(t, feed.Checked())

	require.Eventually(t, func() bool {
		return counter.count(eventbus.EventModelChecked) == 1 &&
			counter.count(eventbus.EventFilesUpdated) == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap := feed.Snapshot()
	require.Len(t, snap.Files, 1)
	assert.Equal(t, "ledger_Backup_20260101000000000.db", snap.Files[0].Filename)
}

func TestFeedReconcileIdempotent(t *testing.T) {
	container := newFakeContainer()
	container.setEntries([]Entry{
		backupEntry("ledger_Backup_20260101000000000.db", time.Unix(100, 0)),
	})
	bus := eventbus.New()
	counter := countEvents(bus, eventbus.EventFilesUpdated)

	feed := NewFeed(container, bus, "ledger", "db")
	feed.Start(context.Background())
	defer feed.Stop()

	_, err := feed.WaitForCheck(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return counter.count(eventbus.EventFilesUpdated) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Same listing again: zero additional files-updated events.
	container.trigger()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, counter.count(eventbus.EventFilesUpdated))

	// A genuinely new file does publish.
	container.setEntries([]Entry{
		backupEntry("ledger_Backup_20260101000000000.db", time.Unix(100, 0)),
		backupEntry("ledger_Backup_20260202000000000.db", time.Unix(200, 0)),
	})
	container.trigger()
	require.Eventually(t, func() bool {
		return counter.count(eventbus.EventFilesUpdated) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFeedClassifiesCanonicalStoreFile(t *testing.T) {
	container := newFakeContainer()
	container.setEntries([]Entry{
		{Name: "ledger_ICLOUD.db", Download: types.DownloadCurrent, Uploaded: true},
		{Name: "unrelated.txt", Download: types.DownloadCurrent, Uploaded: true},
	})
	feed := NewFeed(container, eventbus.New(), "ledger", "db")
	feed.Start(context.Background())
	defer feed.Stop()

	exists, err := feed.WaitForCheck(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, feed.StoreNotDownloaded())

	// Unrelated files never enter the snapshot.
	assert.Empty(t, feed.Snapshot().Files)
}

func TestFeedFlagsUndownloadedStore(t *testing.T) {
	container := newFakeContainer()
	container.setEntries([]Entry{
		{Name: "ledger_ICLOUD.db", Download: types.DownloadNotStarted, Uploaded: false},
	})
	feed := NewFeed(container, eventbus.New(), "ledger", "db")
	feed.Start(context.Background())
	defer feed.Stop()

	exists, err := feed.WaitForCheck(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.True(t, feed.StoreNotDownloaded())
	assert.True(t, feed.StoreNotUploaded())
}

func TestWaitForCheckTimeoutAssumesExists(t *testing.T) {
	container := newFakeContainer()
	container.listGate = make(chan struct{}) // never released: discovery hangs
	feed := NewFeed(container, eventbus.New(), "ledger", "db")
	feed.Start(context.Background())
	defer func() {
		close(container.listGate)
		feed.Stop()
	}()

	exists, err := feed.WaitForCheck(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, types.ErrDiscoveryTimeout)
	assert.True(t, exists)
	assert.True(t, feed.Checked())
}

func TestWaitForCheckAfterRealCheckReportsNoTimeout(t *testing.T) {
	container := newFakeContainer()
	feed := NewFeed(container, eventbus.New(), "ledger", "db")
	feed.Start(context.Background())
	defer feed.Stop()

	_, err := feed.WaitForCheck(context.Background(), 5*time.Second)
	require.NoError(t, err)

	// Once the first pass landed, a zero timeout can race the completed
	// check but must never report a timeout for it.
	for i := 0; i < 20; i++ {
		_, err := feed.WaitForCheck(context.Background(), 0)
		require.NoError(t, err)
	}
}

func TestModelCheckedStillFiresAfterForcedTimeout(t *testing.T) {
	container := newFakeContainer()
	container.listGate = make(chan struct{})
	container.setEntries([]Entry{
		backupEntry("ledger_Backup_20260101000000000.db", time.Now()),
	})
	bus := eventbus.New()
	counter := countEvents(bus, eventbus.EventModelChecked)

	feed := NewFeed(container, bus, "ledger", "db")
	feed.Start(context.Background())
	defer feed.Stop()

	_, err := feed.WaitForCheck(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, types.ErrDiscoveryTimeout)

	// The assumed state does not swallow the real first pass.
	close(container.listGate)
	require.Eventually(t, func() bool {
		return counter.count(eventbus.EventModelChecked) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFeedStartIsIdempotent(t *testing.T) {
	container := newFakeContainer()
	feed := NewFeed(container, eventbus.New(), "ledger", "db")
	feed.Start(context.Background())
	feed.Start(context.Background()) // reused, not duplicated
	defer feed.Stop()

	_, err := feed.WaitForCheck(context.Background(), 5*time.Second)
	require.NoError(t, err)
}
