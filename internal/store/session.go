package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/storepilot/storepilot/internal/types"
)

// Session is the mutable working set bound to one open store. At most one
// session may be bound to a store at a time; rebinding requires releasing
// the previous session first. Sessions are discarded, never reused, on any
// store swap, migration, or teardown.
type Session struct {
	store  *Store
	device string

	mu       sync.Mutex
	pending  map[string]pendingChange
	released bool
}

type pendingChange struct {
	data    string
	deleted bool
}

// NewSession binds a fresh session to the store. Returns
// types.ErrSessionBound if the store already has one.
func (s *Store) NewSession(device string) (*Session, error) {
	if s.session.Swap(true) {
		return nil, types.ErrSessionBound
	}
	return &Session{
		store:   s,
		device:  device,
		pending: make(map[string]pendingChange),
	}, nil
}

// Release unbinds the session from its store. The session must not be used
// afterwards. Idempotent.
func (sn *Session) Release() {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.released {
		return
	}
	sn.released = true
	sn.pending = nil
	sn.store.session.Store(false)
}

// Get returns the object data for id, with unsaved session changes layered
// over the persisted state.
func (sn *Session) Get(ctx context.Context, id string) (string, bool, error) {
	sn.mu.Lock()
	if sn.released {
		sn.mu.Unlock()
		return "", false, fmt.Errorf("session released")
	}
	if change, ok := sn.pending[id]; ok {
		sn.mu.Unlock()
		if change.deleted {
			return "", false, nil
		}
		return change.data, true, nil
	}
	sn.mu.Unlock()

	var data string
	err := sn.store.db.QueryRowContext(ctx, "SELECT data FROM objects WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading object %q: %w", id, err)
	}
	return data, true, nil
}

// Put stages an object write. Nothing touches disk until Save.
func (sn *Session) Put(id, data string) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.released {
		return
	}
	sn.pending[id] = pendingChange{data: data}
}

// Delete stages an object deletion.
func (sn *Session) Delete(id string) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.released {
		return
	}
	sn.pending[id] = pendingChange{deleted: true}
}

// Dirty reports whether the session holds unsaved changes.
func (sn *Session) Dirty() bool {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return len(sn.pending) > 0
}

// Save writes all staged changes in one transaction and clears the staging
// area.
func (sn *Session) Save(ctx context.Context) error {
	sn.mu.Lock()
	if sn.released {
		sn.mu.Unlock()
		return fmt.Errorf("session released")
	}
	if len(sn.pending) == 0 {
		sn.mu.Unlock()
		return nil
	}
	staged := sn.pending
	sn.pending = make(map[string]pendingChange)
	sn.mu.Unlock()

	tx, err := sn.store.db.BeginTx(ctx, nil)
	if err != nil {
		sn.restore(staged)
		return fmt.Errorf("beginning save: %w", err)
	}

	now := time.Now().UTC()
	for id, change := range staged {
		if change.deleted {
			_, err = tx.ExecContext(ctx, "DELETE FROM objects WHERE id = ?", id)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO objects (id, data, updated_at, device) VALUES (?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at, device = excluded.device`,
				id, change.data, now, sn.device)
		}
		if err != nil {
			_ = tx.Rollback()
			sn.restore(staged)
			return fmt.Errorf("saving object %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		sn.restore(staged)
		return fmt.Errorf("committing save: %w", err)
	}
	return nil
}

// restore puts staged changes back after a failed save, preserving any
// writes staged in the meantime (newer staging wins).
func (sn *Session) restore(staged map[string]pendingChange) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.released {
		return
	}
	for id, change := range staged {
		if _, exists := sn.pending[id]; !exists {
			sn.pending[id] = change
		}
	}
}

// MergeExternal applies the trump policy for externally-originated changes:
// for each imported object ID, any conflicting unsaved local change is
// dropped so the session observes the external state on its next read.
func (sn *Session) MergeExternal(ctx context.Context, ids []string) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.released {
		return fmt.Errorf("session released")
	}
	for _, id := range ids {
		delete(sn.pending, id)
	}
	return nil
}
