package orchestrator

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storepilot/storepilot/internal/cloud"
	"github.com/storepilot/storepilot/internal/eventbus"
	"github.com/storepilot/storepilot/internal/store"
	"github.com/storepilot/storepilot/internal/types"
)

type fakeAccount struct {
	signedIn bool
	token    string
}

func (a *fakeAccount) SignedIn() bool { return a.signedIn }
func (a *fakeAccount) Token() string  { return a.token }

type fakeDecisions struct {
	mu              sync.Mutex
	initialCloud    bool
	cloudFileAction CloudFileAction
	deleteSource    bool
	informs         []string

	initialAsked   int
	cloudFileAsked int
}

func (d *fakeDecisions) ChooseInitialLocation(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialAsked++
	return d.initialCloud, nil
}

func (d *fakeDecisions) ChooseCloudFileAction(context.Context) (CloudFileAction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cloudFileAsked++
	return d.cloudFileAction, nil
}

func (d *fakeDecisions) ConfirmDeleteSource(context.Context, string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteSource, nil
}

func (d *fakeDecisions) Inform(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.informs = append(d.informs, msg)
}

func (d *fakeDecisions) informed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.informs...)
}

type fixture struct {
	cfg       Config
	account   *fakeAccount
	decisions *fakeDecisions
	container *cloud.DirContainer
}

func newFixture(t *testing.T, withContainer bool) *fixture {
	t.Helper()
	f := &fixture{
		account:   &fakeAccount{},
		decisions: &fakeDecisions{},
	}
	f.cfg = Config{
		DataDir:          t.TempDir(),
		DocsDir:          t.TempDir(),
		BaseName:         "ledger",
		Ext:              "db",
		Device:           "test-device",
		Account:          f.account,
		Decisions:        f.decisions,
		Bus:              eventbus.New(),
		CoalesceWindow:   20 * time.Millisecond,
		DiscoveryTimeout: 5 * time.Second,
	}
	if withContainer {
		c, err := cloud.OpenDir(t.TempDir(), "test-device")
		require.NoError(t, err)
		f.container = c
		f.cfg.Container = c
	}
	return f
}

func seedOne(_ context.Context, session *store.Session) error {
	session.Put("welcome", `{"kind":"welcome"}`)
	return nil
}

func TestOpenSignedOutFirstRunSeedsLocal(t *testing.T) {
	f := newFixture(t, false)
	f.cfg.Seed = seedOne
	ctx := context.Background()

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)

	desc := o.Descriptor()
	assert.Equal(t, types.Local, desc.Location)
	_, err = os.Stat(desc.URL)
	require.NoError(t, err)

	// Seeded content is persisted.
	data, found, err := o.Session().Get(ctx, "welcome")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, data, "welcome")

	// Signed out never asks the user anything.
	assert.Equal(t, 0, f.decisions.initialAsked)
}

func TestOpenAsksInitialLocationAndOpensCloud(t *testing.T) {
	f := newFixture(t, true)
	f.account.signedIn = true
	f.account.token = "acct-1"
	f.decisions.initialCloud = true
	ctx := context.Background()

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)

	assert.Equal(t, 1, f.decisions.initialAsked)
	desc := o.Descriptor()
	assert.Equal(t, types.Cloud, desc.Location)
	assert.Equal(t, filepath.Join(f.container.Dir(), "ledger_ICLOUD.db"), desc.URL)
	_, err = os.Stat(desc.URL)
	require.NoError(t, err)
}

func TestOpenMigratesLocalStoreToCloud(t *testing.T) {
	f := newFixture(t, true)
	f.account.signedIn = true
	f.account.token = "acct-1"
	f.decisions.initialCloud = true
	f.decisions.deleteSource = true
	ctx := context.Background()

	// An existing local store with content.
	localPath := filepath.Join(f.cfg.DataDir, "ledger.db")
	s, err := store.Open(ctx, types.StoreDescriptor{Location: types.Local, URL: localPath})
	require.NoError(t, err)
	session, err := s.NewSession("test-device")
	require.NoError(t, err)
	session.Put("carried", "{}")
	require.NoError(t, session.Save(ctx))
	session.Release()
	require.NoError(t, s.Close())

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)

	// The store moved into the container and kept its content.
	assert.Equal(t, types.Cloud, o.Descriptor().Location)
	_, found, err := o.Session().Get(ctx, "carried")
	require.NoError(t, err)
	assert.True(t, found)

	// Confirmed deletion removed the local copy; a safety backup remains.
	_, err = os.Stat(localPath)
	assert.True(t, os.IsNotExist(err))
	records, err := o.Backups().List()
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestOpenUpgradesOldSchemaDuringMigration(t *testing.T) {
	f := newFixture(t, true)
	f.account.signedIn = true
	f.account.token = "acct-1"
	f.decisions.initialCloud = true
	f.decisions.deleteSource = true
	ctx := context.Background()

	// A local store written by the previous schema: no device column, no
	// meta table, user_version = 1.
	localPath := filepath.Join(f.cfg.DataDir, "ledger.db")
	raw, err := sql.Open("sqlite3", localPath)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE objects (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at TIMESTAMP NOT NULL)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO objects (id, data, updated_at) VALUES ('old', '{}', '2025-01-01 00:00:00')`)
	require.NoError(t, err)
	_, err = raw.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// The migration to cloud upgrades the old store instead of failing on
	// the schema mismatch.
	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)

	assert.Equal(t, types.Cloud, o.Descriptor().Location)
	_, found, err := o.Session().Get(ctx, "old")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestOpenKeepsCloudFileWhenPreferringLocal(t *testing.T) {
	f := newFixture(t, true)
	f.account.signedIn = true
	f.account.token = "acct-1"
	ctx := context.Background()

	// A cloud store already exists, and so does a local one.
	cloudPath := filepath.Join(f.container.Dir(), "ledger_ICLOUD.db")
	cs, err := store.Open(ctx, types.StoreDescriptor{Location: types.Cloud, URL: cloudPath})
	require.NoError(t, err)
	require.NoError(t, cs.Close())

	localPath := filepath.Join(f.cfg.DataDir, "ledger.db")
	ls, err := store.Open(ctx, types.StoreDescriptor{Location: types.Local, URL: localPath})
	require.NoError(t, err)
	require.NoError(t, ls.Close())

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Prefs().SetUseCloudStorage(false)) // prefers local

	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)

	assert.Equal(t, types.Local, o.Descriptor().Location)
	// The cloud file is untouched and the user was told.
	_, err = os.Stat(cloudPath)
	require.NoError(t, err)
	require.Len(t, f.decisions.informed(), 1)
}

func TestOpenAsksAboutOrphanedCloudFile(t *testing.T) {
	f := newFixture(t, true)
	f.account.signedIn = true
	f.account.token = "acct-1"
	f.decisions.cloudFileAction = StartFreshLocal
	ctx := context.Background()

	cloudPath := filepath.Join(f.container.Dir(), "ledger_ICLOUD.db")
	cs, err := store.Open(ctx, types.StoreDescriptor{Location: types.Cloud, URL: cloudPath})
	require.NoError(t, err)
	require.NoError(t, cs.Close())

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Prefs().SetUseCloudStorage(false)) // prefers local, none exists

	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)

	assert.Equal(t, 1, f.decisions.cloudFileAsked)
	assert.Equal(t, types.Local, o.Descriptor().Location)
	// Cloud file survives the fresh-local choice.
	_, err = os.Stat(cloudPath)
	require.NoError(t, err)
}

func TestAccountSwitchForcesRedecision(t *testing.T) {
	f := newFixture(t, true)
	f.account.signedIn = true
	f.account.token = "acct-1"
	f.decisions.initialCloud = false
	ctx := context.Background()

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	require.NoError(t, o.Close(ctx))
	assert.Equal(t, 1, f.decisions.initialAsked)

	// Same data dir, different account: the choice must be asked again.
	f.account.token = "acct-2"
	o2, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o2.Open(ctx))
	defer o2.Close(ctx)
	assert.Equal(t, 2, f.decisions.initialAsked)
}

func TestAccountChangeEmitsEvent(t *testing.T) {
	f := newFixture(t, false)
	f.account.signedIn = true
	f.account.token = "acct-1"
	ctx := context.Background()

	var mu sync.Mutex
	var payloads []*eventbus.AccountPayload
	f.cfg.Bus.Subscribe("test", 0, []eventbus.EventType{eventbus.EventAccountStateChanged},
		func(_ context.Context, ev *eventbus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			payloads = append(payloads, ev.Account)
			return nil
		})

	// First launch records the token without calling it a change.
	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	require.NoError(t, o.Close(ctx))
	mu.Lock()
	assert.Empty(t, payloads)
	mu.Unlock()

	// A different account is a state change.
	f.account.token = "acct-2"
	o2, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o2.Open(ctx))
	require.NoError(t, o2.Close(ctx))
	mu.Lock()
	require.Len(t, payloads, 1)
	assert.True(t, payloads[0].SignedIn)
	assert.True(t, payloads[0].TokenChanged)
	mu.Unlock()

	// So is signing out.
	f.account.signedIn = false
	f.account.token = ""
	o3, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o3.Open(ctx))
	defer o3.Close(ctx)
	mu.Lock()
	require.Len(t, payloads, 2)
	assert.False(t, payloads[1].SignedIn)
	mu.Unlock()
}

func TestSetUseCloudMovesStore(t *testing.T) {
	f := newFixture(t, true)
	f.account.signedIn = true
	f.account.token = "acct-1"
	f.decisions.initialCloud = false
	f.decisions.deleteSource = true
	ctx := context.Background()

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)
	require.Equal(t, types.Local, o.Descriptor().Location)

	o.Session().Put("mine", "{}")
	require.NoError(t, o.Session().Save(ctx))

	require.NoError(t, o.SetUseCloud(ctx, true))

	assert.Equal(t, types.Cloud, o.Descriptor().Location)
	_, found, err := o.Session().Get(ctx, "mine")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, o.Prefs().UseCloudStorage())
}

func TestTransitionCycleRebindsSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)

	first := o.Session()
	require.NotNil(t, first)

	require.NoError(t, o.StoresWillChange(ctx))
	assert.Nil(t, o.Session())

	require.NoError(t, o.StoresDidChange(ctx, false))
	second := o.Session()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
}

func TestContentRemovedTearsDown(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	bus := f.cfg.Bus
	var removed int
	var mu sync.Mutex
	bus.Subscribe("test", 0, []eventbus.EventType{eventbus.EventStoreRemoved},
		func(context.Context, *eventbus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			removed++
			return nil
		})

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))

	require.NoError(t, o.StoresWillChange(ctx))
	require.NoError(t, o.StoresDidChange(ctx, true))

	assert.Nil(t, o.Session())
	mu.Lock()
	assert.Equal(t, 1, removed)
	mu.Unlock()
	require.NoError(t, o.Close(ctx))
}

func TestContentImportedMergesThroughDebounce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	o, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, o.Open(ctx))
	defer o.Close(ctx)

	// An unsaved local change conflicting with an imported ID is dropped.
	o.Session().Put("obj-1", `{"local":"draft"}`)
	o.ContentImported([]string{"obj-1"})

	require.Eventually(t, func() bool {
		return !o.Session().Dirty()
	}, 5*time.Second, 10*time.Millisecond)

	_, found, err := o.Session().Get(ctx, "obj-1")
	require.NoError(t, err)
	assert.False(t, found) // external state (absent) trumped the draft
}
