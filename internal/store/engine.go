// Package store opens and manages the persisted object graph.
//
// The on-disk format is a SQLite database holding generic objects keyed by
// ID. The orchestration layer treats this package as the persistence engine
// it opens, migrates, and closes; query surface is deliberately minimal.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/storepilot/storepilot/internal/types"
)

// schemaVersion is the current object-graph schema. Version 1 predates the
// device column and the meta table; the lightweight upgrade path brings it
// forward.
const schemaVersion = 2

const schemaV2 = `
CREATE TABLE IF NOT EXISTS objects (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	device     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// setupWASMCache configures WASM compilation caching to cut SQLite startup
// time. Falls back to an in-memory cache if the filesystem cache cannot be
// created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "storepilot", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Store is one open persistence engine bound to a single descriptor.
type Store struct {
	db      *sql.DB
	desc    types.StoreDescriptor
	closed  atomic.Bool
	session atomic.Bool // at most one bound session
}

// Open opens (creating if necessary) the store described by desc. A schema
// version newer than this build, or an older version without
// LightweightUpgrade enabled, returns *types.SchemaError.
func Open(ctx context.Context, desc types.StoreDescriptor) (*Store, error) {
	path := desc.URL
	if !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		path = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := ensureSchema(ctx, db, desc); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, desc: desc}

	if desc.Options.ContentKey != "" {
		if err := s.setMeta(ctx, "content_key", desc.Options.ContentKey); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// ensureSchema creates or upgrades the object-graph schema.
func ensureSchema(ctx context.Context, db *sql.DB, desc types.StoreDescriptor) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	switch {
	case version == 0:
		// Version 0 is either a fresh database or a file from before
		// schema versioning. A legacy file already has an objects table,
		// which CREATE TABLE IF NOT EXISTS leaves in its old shape, so
		// probe for it and bring its columns forward.
		var legacy int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'objects'`).Scan(&legacy); err != nil {
			return fmt.Errorf("probing schema: %w", err)
		}
		if _, err := db.ExecContext(ctx, schemaV2); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
		if legacy > 0 {
			if err := upgradeSchema(ctx, db, 1); err != nil {
				return err
			}
		}
	case version == schemaVersion:
		return nil
	case version < schemaVersion:
		if !desc.Options.LightweightUpgrade {
			return &types.SchemaError{Path: desc.URL, Have: version, Want: schemaVersion}
		}
		if err := upgradeSchema(ctx, db, version); err != nil {
			return err
		}
	default:
		// Written by a newer build. Never downgrade.
		return &types.SchemaError{Path: desc.URL, Have: version, Want: schemaVersion}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("setting schema version: %w", err)
	}
	return nil
}

// upgradeSchema applies in-place upgrades from each historical version.
func upgradeSchema(ctx context.Context, db *sql.DB, from int) error {
	if from <= 1 {
		// v1 -> v2: objects gained a device column; meta table added.
		if _, err := db.ExecContext(ctx, `ALTER TABLE objects ADD COLUMN device TEXT NOT NULL DEFAULT ''`); err != nil {
			// Column may already exist if a previous upgrade was
			// interrupted after the ALTER but before the version bump.
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("upgrading schema v1->v2: %w", err)
			}
		}
		if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
			return fmt.Errorf("upgrading schema v1->v2: %w", err)
		}
	}
	return nil
}

// Descriptor returns the descriptor this store was opened with.
func (s *Store) Descriptor() types.StoreDescriptor { return s.desc }

// Path returns the store's on-disk location.
func (s *Store) Path() string { return s.desc.URL }

// Close closes the underlying database. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// ObjectCount returns the number of objects in the graph.
func (s *Store) ObjectCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting objects: %w", err)
	}
	return n, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

// Meta returns the named metadata value, or "" if unset.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading meta %q: %w", key, err)
	}
	return value, nil
}
