// Package orchestrator wires the storage subsystem together: preference
// resolution, migration, store open, session binding, cloud discovery, and
// the change-merge pipeline.
//
// The orchestrator is an explicitly constructed object; nothing in this
// package is a process-wide singleton. Platform decisions (which location,
// what to do with an orphaned cloud file) go through the injected
// DecisionProvider, so the core never branches on platform.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storepilot/storepilot/internal/backup"
	"github.com/storepilot/storepilot/internal/cloud"
	"github.com/storepilot/storepilot/internal/coalesce"
	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/eventbus"
	"github.com/storepilot/storepilot/internal/migrate"
	"github.com/storepilot/storepilot/internal/prefs"
	"github.com/storepilot/storepilot/internal/resolver"
	"github.com/storepilot/storepilot/internal/store"
	"github.com/storepilot/storepilot/internal/transition"
	"github.com/storepilot/storepilot/internal/types"
)

// DefaultDiscoveryTimeout bounds the wait for the first cloud
// reconciliation pass during Open.
const DefaultDiscoveryTimeout = 10 * time.Second

// AccountProvider reports the cloud account state. Implementations come
// from the platform layer.
type AccountProvider interface {
	SignedIn() bool
	Token() string
}

// CloudFileAction is the user's answer when a cloud store exists but they
// prefer local and have no local store.
type CloudFileAction int

const (
	// UseCloudStore switches the preference to cloud and opens the
	// existing cloud store.
	UseCloudStore CloudFileAction = iota
	// StartFreshLocal creates a new local store; the cloud file is left
	// untouched.
	StartFreshLocal
)

// DecisionProvider is the platform's voice in the open flow. Every method
// blocks until the user answers.
type DecisionProvider interface {
	// ChooseInitialLocation asks where the store should live; first
	// sign-in with no recorded preference.
	ChooseInitialLocation(ctx context.Context) (useCloud bool, err error)

	// ChooseCloudFileAction asks what to do about an existing cloud store
	// when the preference is local and no local store exists.
	ChooseCloudFileAction(ctx context.Context) (CloudFileAction, error)

	// ConfirmDeleteSource asks whether the migration source should be
	// removed after a successful move.
	ConfirmDeleteSource(ctx context.Context, path string) (bool, error)

	// Inform delivers a non-blocking notice (e.g. "your cloud file was
	// kept").
	Inform(message string)
}

// Seeder populates a brand-new store with initial content.
type Seeder func(ctx context.Context, session *store.Session) error

// Config assembles an orchestrator. Container may be nil for a
// local-only installation.
type Config struct {
	DataDir   string // local store and preference file
	DocsDir   string // backups
	BaseName  string // store name without extension, e.g. "ledger"
	Ext       string // store extension, e.g. "db"
	Device    string
	Container cloud.Container
	Account   AccountProvider
	Decisions DecisionProvider
	Bus       *eventbus.Bus
	Seed      Seeder // optional

	CoalesceWindow   time.Duration // zero means coalesce.DefaultWindow
	DiscoveryTimeout time.Duration // zero means DefaultDiscoveryTimeout
}

// Orchestrator owns the open store and every worker attached to it.
type Orchestrator struct {
	cfg   Config
	bus   *eventbus.Bus
	prefs *prefs.Preferences

	resolver    *resolver.Resolver
	backups     *backup.Manager
	engine      *migrate.Engine
	feed        *cloud.Feed // nil without a container
	coordinator *coalesce.Coordinator
	machine     *transition.Machine

	mu      sync.Mutex
	store   *store.Store
	session *store.Session
	desc    types.StoreDescriptor
	opened  bool
}

// New builds an orchestrator from cfg. The store is not opened yet; call
// Open.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.BaseName == "" || cfg.Ext == "" {
		return nil, fmt.Errorf("orchestrator: store name and extension are required")
	}
	if cfg.Account == nil || cfg.Decisions == nil {
		return nil, fmt.Errorf("orchestrator: account and decision providers are required")
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New()
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}

	p, err := prefs.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		bus:     cfg.Bus,
		prefs:   p,
		backups: backup.NewManager(cfg.DocsDir, cfg.BaseName, cfg.Ext),
	}
	o.resolver = resolver.New(p)

	relocate := migrate.RelocateFunc(copyRelocate)
	if cfg.Container != nil {
		relocate = cfg.Container.Relocate
		o.feed = cloud.NewFeed(cfg.Container, cfg.Bus, cfg.BaseName, cfg.Ext)
	}
	o.engine = migrate.NewEngine(o.backups, cfg.Bus, relocate)
	o.coordinator = coalesce.New(cfg.Bus, cfg.CoalesceWindow)
	o.machine = transition.New(transition.Hooks{
		Flush:      o.coordinator.FlushNow,
		Release:    o.releaseSession,
		Rebind:     o.rebindSession,
		Teardown:   o.teardownStore,
		Descriptor: o.Descriptor,
	}, cfg.Bus)
	return o, nil
}

// Prefs exposes the preference store (for the config command surface).
func (o *Orchestrator) Prefs() *prefs.Preferences { return o.prefs }

// Bus exposes the event bus so callers can observe storage events.
func (o *Orchestrator) Bus() *eventbus.Bus { return o.bus }

// Backups exposes the backup manager.
func (o *Orchestrator) Backups() *backup.Manager { return o.backups }

// Feed returns the discovery feed, or nil without a container.
func (o *Orchestrator) Feed() *cloud.Feed { return o.feed }

// Descriptor returns the descriptor of the currently open store.
func (o *Orchestrator) Descriptor() types.StoreDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.desc
}

// Session returns the bound session, or nil before Open.
func (o *Orchestrator) Session() *store.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *Orchestrator) localPath() string {
	return filepath.Join(o.cfg.DataDir, types.LocalStoreFileName(o.cfg.BaseName, o.cfg.Ext))
}

func (o *Orchestrator) cloudPath() string {
	return filepath.Join(o.cfg.Container.Dir(), types.CloudStoreFileName(o.cfg.BaseName, o.cfg.Ext))
}

// Open resolves the store location, migrates if the resolution requires
// it, opens the store, and starts the attached workers. Safe to call once
// per orchestrator.
func (o *Orchestrator) Open(ctx context.Context) error {
	o.mu.Lock()
	if o.opened {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already open")
	}
	o.mu.Unlock()

	res, _, err := o.resolve(ctx)
	if err != nil {
		return err
	}

	res, err = o.settleDecisions(ctx, res)
	if err != nil {
		return err
	}

	desc, err := o.prepareLocation(ctx, res)
	if err != nil {
		return err
	}

	if err := o.bindStore(ctx, desc, res.SeedData); err != nil {
		return err
	}

	o.mu.Lock()
	o.opened = true
	o.mu.Unlock()

	if err := o.prefs.SetLastStorePath(desc.URL); err != nil {
		debug.Logf("orchestrator: recording last store path: %v\n", err)
	}
	if err := o.prefs.MarkInstalled(); err != nil {
		debug.Logf("orchestrator: marking installed: %v\n", err)
	}

	o.dispatch(ctx, &eventbus.Event{
		Type:  eventbus.EventStoreOpened,
		Store: &eventbus.StorePayload{Descriptor: desc, Reason: res.Outcome.String()},
	})
	return nil
}

// resolve gathers resolver inputs, waiting (bounded) on cloud discovery
// when it matters.
func (o *Orchestrator) resolve(ctx context.Context) (resolver.Resolution, bool, error) {
	signedIn := o.cfg.Account.SignedIn()

	cloudExists := false
	if signedIn && o.feed != nil {
		o.feed.Start(ctx)
		exists, err := o.feed.WaitForCheck(ctx, o.cfg.DiscoveryTimeout)
		if err != nil && !errors.Is(err, types.ErrDiscoveryTimeout) {
			return resolver.Resolution{}, false, err
		}
		cloudExists = exists
	}

	_, localErr := os.Stat(o.localPath())

	token := ""
	if signedIn {
		token = o.cfg.Account.Token()
	}
	if o.prefs.AccountTokenChanged(token) {
		o.dispatch(ctx, &eventbus.Event{
			Type:    eventbus.EventAccountStateChanged,
			Account: &eventbus.AccountPayload{SignedIn: signedIn, TokenChanged: true},
		})
	}

	in := resolver.Inputs{
		SignedIn:           signedIn,
		AccountToken:       token,
		PreferenceSelected: o.prefs.PreferenceSelected(),
		UseCloud:           o.prefs.UseCloudStorage(),
		LocalExists:        localErr == nil,
		CloudExists:        cloudExists,
		FirstInstall:       o.prefs.FirstInstall(),
	}
	res, err := o.resolver.Resolve(in)
	if err != nil {
		return resolver.Resolution{}, false, err
	}
	return res, cloudExists, nil
}

// settleDecisions runs the DecisionProvider loop until the resolution no
// longer needs the user.
func (o *Orchestrator) settleDecisions(ctx context.Context, res resolver.Resolution) (resolver.Resolution, error) {
	for res.Outcome == resolver.NeedsUserDecision {
		switch res.Reason {
		case resolver.ReasonChooseInitialLocation:
			useCloud, err := o.cfg.Decisions.ChooseInitialLocation(ctx)
			if err != nil {
				return res, fmt.Errorf("choosing initial location: %w", err)
			}
			if err := o.prefs.SetUseCloudStorage(useCloud); err != nil {
				return res, err
			}
			// Re-resolve: the table now has a selected preference.
			res, _, err = o.resolve(ctx)
			if err != nil {
				return res, err
			}

		case resolver.ReasonChooseCloudFileAction:
			action, err := o.cfg.Decisions.ChooseCloudFileAction(ctx)
			if err != nil {
				return res, fmt.Errorf("choosing cloud file action: %w", err)
			}
			if action == UseCloudStore {
				if err := o.prefs.SetUseCloudStorage(true); err != nil {
					return res, err
				}
				res, _, err = o.resolve(ctx)
				if err != nil {
					return res, err
				}
				continue
			}
			// Start fresh locally; the cloud file stays untouched. The
			// answer resolves the question directly rather than feeding
			// back into the table, which would just ask again.
			if err := o.prefs.SetUseCloudStorage(false); err != nil {
				return res, err
			}
			res = resolver.Resolution{
				Outcome:             resolver.OpenLocal,
				SeedData:            true,
				InformCloudFileKept: true,
			}

		default:
			return res, fmt.Errorf("orchestrator: unanswerable decision reason %d", res.Reason)
		}
	}

	if res.InformCloudFileKept {
		o.cfg.Decisions.Inform("An existing cloud store was found and left untouched; this device keeps using its local store.")
	}
	return res, nil
}

// prepareLocation runs the migration the resolution calls for and returns
// the descriptor to open.
func (o *Orchestrator) prepareLocation(ctx context.Context, res resolver.Resolution) (types.StoreDescriptor, error) {
	switch res.Outcome {
	case resolver.OpenLocal:
		return types.StoreDescriptor{Location: types.Local, URL: o.localPath()}, nil

	case resolver.OpenCloud:
		if o.cfg.Container == nil {
			return types.StoreDescriptor{}, fmt.Errorf("orchestrator: cloud resolution without a container")
		}
		dst := types.StoreDescriptor{
			Location: types.Cloud,
			URL:      o.cloudPath(),
			Options:  types.OpenOptions{LightweightUpgrade: true},
		}
		if res.MigrateToCloud {
			if err := o.migrateToCloud(ctx, dst); err != nil {
				return types.StoreDescriptor{}, err
			}
		}
		return dst, nil

	default:
		return types.StoreDescriptor{}, fmt.Errorf("orchestrator: unresolved outcome %s", res.Outcome)
	}
}

func (o *Orchestrator) migrateToCloud(ctx context.Context, dst types.StoreDescriptor) error {
	// The source may predate the current schema; the engine's validation
	// open upgrades it in place rather than refusing the move.
	src := types.StoreDescriptor{
		Location: types.Local,
		URL:      o.localPath(),
		Options:  types.OpenOptions{LightweightUpgrade: true},
	}

	deleteSource, err := o.cfg.Decisions.ConfirmDeleteSource(ctx, src.URL)
	if err != nil {
		return fmt.Errorf("confirming source deletion: %w", err)
	}

	required := o.prefs.BackupOnMigrate()
	err = o.engine.Migrate(ctx, src, dst, migrate.Options{
		DeleteSource:   deleteSource,
		BackupFirst:    true,
		BackupRequired: required,
	})

	// Another device may have created the cloud store between discovery
	// and migration; the existing file wins and the local store is kept.
	var existsErr *types.DestinationExistsError
	if errors.As(err, &existsErr) {
		o.cfg.Decisions.Inform("A cloud store appeared while migrating; using it and keeping the local store as-is.")
		return nil
	}
	if err != nil {
		return err
	}

	if o.feed != nil {
		o.feed.Poke()
	}
	return nil
}

// bindStore opens the descriptor, binds a fresh session, and attaches it
// to the coalescer.
func (o *Orchestrator) bindStore(ctx context.Context, desc types.StoreDescriptor, seed bool) error {
	rebuild, err := o.prefs.ConsumeRebuildContent()
	if err != nil {
		return err
	}
	desc.Options = types.OpenOptions{
		LightweightUpgrade: true,
		RebuildContent:     rebuild,
	}
	if desc.Location == types.Cloud {
		desc.Options.ContentKey = o.cfg.BaseName
	}

	s, err := store.Open(ctx, desc)
	if err != nil {
		return err
	}
	session, err := s.NewSession(o.cfg.Device)
	if err != nil {
		s.Close()
		return err
	}

	if seed && o.cfg.Seed != nil {
		if err := o.cfg.Seed(ctx, session); err != nil {
			session.Release()
			s.Close()
			return fmt.Errorf("seeding new store: %w", err)
		}
		if err := session.Save(ctx); err != nil {
			session.Release()
			s.Close()
			return fmt.Errorf("saving seeded store: %w", err)
		}
	}

	o.mu.Lock()
	o.store = s
	o.session = session
	o.desc = desc
	o.mu.Unlock()

	o.coordinator.SetSession(session)
	return nil
}

// releaseSession detaches and releases the bound session (transition hook).
func (o *Orchestrator) releaseSession() {
	o.coordinator.SetSession(nil)
	o.mu.Lock()
	session := o.session
	o.session = nil
	o.mu.Unlock()
	if session != nil {
		session.Release()
	}
}

// rebindSession opens a fresh session against the current store after its
// content was replaced (transition hook).
func (o *Orchestrator) rebindSession(ctx context.Context) error {
	o.mu.Lock()
	s := o.store
	desc := o.desc
	o.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no store to rebind")
	}

	// The bytes under the open handle changed; reopen so SQLite sees the
	// replacement cleanly.
	if err := s.Close(); err != nil {
		debug.Logf("orchestrator: closing replaced store: %v\n", err)
	}
	fresh, err := store.Open(ctx, desc)
	if err != nil {
		return err
	}
	session, err := fresh.NewSession(o.cfg.Device)
	if err != nil {
		fresh.Close()
		return err
	}

	o.mu.Lock()
	o.store = fresh
	o.session = session
	o.mu.Unlock()
	o.coordinator.SetSession(session)
	return nil
}

// teardownStore closes the store after its content was removed remotely
// (transition hook).
func (o *Orchestrator) teardownStore(context.Context) error {
	o.mu.Lock()
	s := o.store
	o.store = nil
	o.opened = false
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// StoresWillChange forwards the provider's pre-change signal.
func (o *Orchestrator) StoresWillChange(ctx context.Context) error {
	return o.machine.StoresWillChange(ctx)
}

// StoresDidChange forwards the provider's post-change signal.
func (o *Orchestrator) StoresDidChange(ctx context.Context, contentRemoved bool) error {
	return o.machine.StoresDidChange(ctx, contentRemoved)
}

// ContentImported routes externally-imported object IDs into the debounced
// merge path. Imports are never saved directly.
func (o *Orchestrator) ContentImported(ids []string) {
	o.coordinator.NoteImport(ids)
}

// SetUseCloud records a new location preference and moves the store
// accordingly. The current store is flushed and released, the migration
// (if any) runs, and the new location is bound.
func (o *Orchestrator) SetUseCloud(ctx context.Context, useCloud bool) error {
	o.mu.Lock()
	if !o.opened {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: not open")
	}
	current := o.desc.Location
	o.mu.Unlock()

	if err := o.prefs.SetUseCloudStorage(useCloud); err != nil {
		return err
	}

	target := types.Local
	if useCloud {
		target = types.Cloud
	}
	if current == target {
		return nil
	}
	if target == types.Cloud && o.cfg.Container == nil {
		return fmt.Errorf("orchestrator: no cloud container configured")
	}

	// Quiesce the current store before moving it.
	if err := o.coordinator.FlushNow(); err != nil {
		return fmt.Errorf("flushing before location change: %w", err)
	}
	o.releaseSession()

	o.mu.Lock()
	s := o.store
	o.store = nil
	src := o.desc
	o.mu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			return fmt.Errorf("closing store before location change: %w", err)
		}
	}

	dst := types.StoreDescriptor{
		Location: target,
		URL:      o.localPath(),
		Options:  types.OpenOptions{LightweightUpgrade: true},
	}
	if target == types.Cloud {
		dst.URL = o.cloudPath()
	}

	if _, err := os.Stat(dst.URL); os.IsNotExist(err) {
		deleteSource, derr := o.cfg.Decisions.ConfirmDeleteSource(ctx, src.URL)
		if derr != nil {
			return fmt.Errorf("confirming source deletion: %w", derr)
		}
		merr := o.engine.Migrate(ctx, src, dst, migrate.Options{
			DeleteSource:   deleteSource,
			BackupFirst:    true,
			BackupRequired: o.prefs.BackupOnMigrate(),
		})
		if merr != nil {
			return merr
		}
		if o.feed != nil {
			o.feed.Poke()
		}
	}

	if err := o.bindStore(ctx, dst, false); err != nil {
		return err
	}
	o.dispatch(ctx, &eventbus.Event{
		Type:  eventbus.EventStoreChanged,
		Store: &eventbus.StorePayload{Descriptor: dst, Reason: "preference-change"},
	})
	return nil
}

// Close flushes, stops the workers, and closes the store. The feed and
// coalescer stop concurrently.
func (o *Orchestrator) Close(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.coordinator.Shutdown()
	})
	if o.feed != nil {
		g.Go(func() error {
			o.feed.Stop()
			return nil
		})
	}
	err := g.Wait()

	o.releaseSession()

	o.mu.Lock()
	s := o.store
	o.store = nil
	o.opened = false
	o.mu.Unlock()
	if s != nil {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context, ev *eventbus.Event) {
	if err := o.bus.Dispatch(ctx, ev); err != nil {
		debug.Logf("orchestrator: dispatch %s: %v\n", ev.Type, err)
	}
}

// copyRelocate is the container-less relocation fallback: a durable local
// copy.
func copyRelocate(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(src) // #nosec G304 - migration paths come from descriptors
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	tmp := dst + ".inflight"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
