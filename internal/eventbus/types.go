package eventbus

import (
	"time"

	"github.com/storepilot/storepilot/internal/types"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// Store lifecycle events.
	EventStoreOpened  EventType = "store.opened"
	EventStoreChanged EventType = "store.changed"
	EventStoreRemoved EventType = "store.removed"

	// Cloud reconciliation events.
	EventFilesUpdated EventType = "cloud.files_updated"
	EventModelChecked EventType = "cloud.model_checked"

	// Session events.
	EventDataUpdated EventType = "session.data_updated"

	// Long-running job events (migration, backup).
	EventJobStarted EventType = "job.started"
	EventJobDone    EventType = "job.done"

	// Account events.
	EventAccountStateChanged EventType = "account.state_changed"
)

// Event is a single typed event. Exactly one payload pointer is non-nil,
// matching the event category.
type Event struct {
	Type EventType
	Time time.Time

	Store   *StorePayload
	Files   *FilesPayload
	Job     *JobPayload
	Account *AccountPayload
}

// StorePayload accompanies store lifecycle and session events.
type StorePayload struct {
	Descriptor types.StoreDescriptor
	Reason     string
}

// FilesPayload accompanies cloud reconciliation events.
type FilesPayload struct {
	Snapshot    types.FileListSnapshot
	CloudExists bool
}

// JobPayload accompanies job lifecycle events.
type JobPayload struct {
	Name string // "migrate", "backup", "restore"
	Err  string // empty on success; set on job.done for failed jobs
}

// AccountPayload accompanies account state changes.
type AccountPayload struct {
	SignedIn     bool
	TokenChanged bool
}

// IsStoreEvent returns true if the event type belongs to the store
// lifecycle category.
func (t EventType) IsStoreEvent() bool {
	switch t {
	case EventStoreOpened, EventStoreChanged, EventStoreRemoved:
		return true
	}
	return false
}

// IsCloudEvent returns true if the event type belongs to the cloud
// reconciliation category.
func (t EventType) IsCloudEvent() bool {
	switch t {
	case EventFilesUpdated, EventModelChecked:
		return true
	}
	return false
}

// IsJobEvent returns true if the event type belongs to the job lifecycle
// category.
func (t EventType) IsJobEvent() bool {
	switch t {
	case EventJobStarted, EventJobDone:
		return true
	}
	return false
}
