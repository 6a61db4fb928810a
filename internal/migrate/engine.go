// Package migrate moves the store between its local and cloud locations.
//
// The protocol is backup-first and never deletes the source until the
// destination has been verified openable. Failures surface as typed errors;
// there is no automatic retry, because retrying against an unchanged source
// is expected to fail identically — the caller owns the retry/abandon/merge
// decision.
package migrate

import (
	"context"
	"errors"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/storepilot/storepilot/internal/backup"
	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/eventbus"
	"github.com/storepilot/storepilot/internal/store"
	"github.com/storepilot/storepilot/internal/telemetry"
	"github.com/storepilot/storepilot/internal/types"
)

// RelocateFunc copies the store's bytes from src to dst durably without
// removing src. The default implementation is the container's relocation
// primitive; tests inject failures here.
type RelocateFunc func(ctx context.Context, src, dst string) error

// Options controls one migration.
type Options struct {
	// DeleteSource removes the source file after the destination verifies.
	// Best-effort: a failed delete is logged, not fatal, since the move
	// already succeeded.
	DeleteSource bool

	// BackupFirst creates a backup of the source before anything moves.
	BackupFirst bool

	// BackupRequired marks the backup as user-requested: if it fails the
	// whole migration aborts. A best-effort safety backup failing is
	// logged only.
	BackupRequired bool
}

// Engine performs migrations.
type Engine struct {
	backups  *backup.Manager
	bus      *eventbus.Bus
	relocate RelocateFunc

	group      singleflight.Group
	migrations metric.Int64Counter
}

// NewEngine creates a migration engine. relocate must not be nil.
func NewEngine(backups *backup.Manager, bus *eventbus.Bus, relocate RelocateFunc) *Engine {
	counter, err := telemetry.Meter("migrate").Int64Counter("storepilot.migrations",
		metric.WithDescription("Completed store migrations, by result"))
	if err != nil {
		counter = nil
	}
	return &Engine{
		backups:    backups,
		bus:        bus,
		relocate:   relocate,
		migrations: counter,
	}
}

// Migrate moves the store described by from to the location described by
// to. Concurrent requests for the same route are collapsed: a second
// caller waits for the in-flight migration's result rather than
// interrupting it.
func (e *Engine) Migrate(ctx context.Context, from, to types.StoreDescriptor, opts Options) error {
	key := from.URL + " -> " + to.URL
	_, err, _ := e.group.Do(key, func() (interface{}, error) {
		return nil, e.migrate(ctx, from, to, opts)
	})
	return err
}

func (e *Engine) migrate(ctx context.Context, from, to types.StoreDescriptor, opts Options) error {
	debug.Logf("migrate: %s (%s) -> %s (%s)\n", from.URL, from.Location, to.URL, to.Location)

	if _, err := os.Stat(from.URL); err != nil {
		return &types.SourceUnavailableError{Path: from.URL}
	}
	if _, err := os.Stat(to.URL); err == nil {
		return &types.DestinationExistsError{Path: to.URL}
	}

	// Backup before anything moves.
	if opts.BackupFirst {
		if _, err := e.backups.Create(from.URL); err != nil {
			backupErr := &types.BackupError{Required: opts.BackupRequired, Err: err}
			if opts.BackupRequired {
				return backupErr
			}
			debug.Logf("migrate: %v (continuing, backup was best-effort)\n", backupErr)
		}
	}

	// Transient validation open against the source: surfaces schema
	// problems before any bytes move.
	validation, err := store.Open(ctx, from)
	if err != nil {
		var schemaErr *types.SchemaError
		if errors.As(err, &schemaErr) {
			return err
		}
		return &types.MigrationError{Step: "validate-source", Err: err}
	}
	if err := validation.Close(); err != nil {
		return &types.MigrationError{Step: "validate-source", Err: err}
	}

	e.jobEvent(ctx, eventbus.EventJobStarted, "")

	// The relocation primitive copies; the source stays intact until the
	// destination is confirmed good.
	if err := e.relocate(ctx, from.URL, to.URL); err != nil {
		migErr := &types.MigrationError{Step: "relocate", Err: err}
		e.finish(ctx, "relocate-failed", migErr)
		return migErr
	}

	// Verify the destination actually opens before touching the source.
	verify, err := store.Open(ctx, to)
	if err != nil {
		_ = os.Remove(to.URL)
		migErr := &types.MigrationError{Step: "verify-destination", Err: err}
		e.finish(ctx, "verify-failed", migErr)
		return migErr
	}
	if err := verify.Close(); err != nil {
		migErr := &types.MigrationError{Step: "verify-destination", Err: err}
		e.finish(ctx, "verify-failed", migErr)
		return migErr
	}

	if opts.DeleteSource {
		if err := os.Remove(from.URL); err != nil {
			// The destination move already succeeded; an orphaned source
			// file is an accepted cost, not a failure.
			debug.Logf("migrate: source delete failed (ignored): %v\n", err)
		}
	}

	e.finish(ctx, "ok", nil)
	return nil
}

func (e *Engine) finish(ctx context.Context, result string, err error) {
	if e.migrations != nil {
		e.migrations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.jobEvent(ctx, eventbus.EventJobDone, msg)
}

func (e *Engine) jobEvent(ctx context.Context, t eventbus.EventType, errMsg string) {
	if e.bus == nil {
		return
	}
	ev := &eventbus.Event{Type: t, Job: &eventbus.JobPayload{Name: "migrate", Err: errMsg}}
	if err := e.bus.Dispatch(ctx, ev); err != nil {
		debug.Logf("migrate: dispatch %s: %v\n", t, err)
	}
}
