package types

import (
	"errors"
	"fmt"
)

// ErrDiscoveryTimeout is returned by the discovery feed's bounded wait when
// the initial cloud gather never completes. Callers treat it as "assume the
// cloud store exists" rather than a hard failure.
var ErrDiscoveryTimeout = errors.New("cloud discovery timed out")

// ErrSessionBound is returned when a second session is requested against a
// store that already has one. Rebinding requires releasing the previous
// session first.
var ErrSessionBound = errors.New("store already has an active session")

// SchemaError indicates the store's on-disk schema version does not match
// the current model. It triggers the upgrade path, never a crash.
type SchemaError struct {
	Path string
	Have int
	Want int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("incompatible schema at %s: have version %d, want %d", e.Path, e.Have, e.Want)
}

// SourceUnavailableError indicates the expected local or cloud file was
// missing at migration time.
type SourceUnavailableError struct {
	Path string
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("migration source unavailable: %s", e.Path)
}

// DestinationExistsError indicates a migration targeted a location that
// already holds a store. Always surfaced to the caller for a merge or
// overwrite decision, never auto-resolved.
type DestinationExistsError struct {
	Path string
}

func (e *DestinationExistsError) Error() string {
	return fmt.Sprintf("migration destination already holds a store: %s", e.Path)
}

// MigrationError wraps a failure of the relocation protocol itself. Step
// names which phase failed ("relocate", "verify", ...).
type MigrationError struct {
	Step string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed at %s: %v", e.Step, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// BackupError wraps a backup failure. Required distinguishes a
// user-requested backup (abort the migration) from a best-effort safety
// backup (log and continue).
type BackupError struct {
	Required bool
	Err      error
}

func (e *BackupError) Error() string {
	kind := "safety"
	if e.Required {
		kind = "required"
	}
	return fmt.Sprintf("%s backup failed: %v", kind, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }
