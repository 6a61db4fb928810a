// Package backup creates and restores timestamped copies of the store file.
//
// Backups land in the local documents area under names like
// ledger_Backup_20260314092653589.db. They are immutable once created and
// removed only by explicit prune.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/types"
)

// Manager creates, lists, restores, and prunes backups for one store.
type Manager struct {
	docsDir string
	base    string
	ext     string
	now     func() time.Time // test seam
}

// NewManager creates a backup manager writing into docsDir for the store
// named <base>.<ext>.
func NewManager(docsDir, base, ext string) *Manager {
	return &Manager{docsDir: docsDir, base: base, ext: ext, now: time.Now}
}

// Create copies the store file at srcPath into a new timestamped backup.
// The copy is fsynced before the record is returned, so a successful
// result means the bytes are durable.
func (m *Manager) Create(srcPath string) (*types.BackupRecord, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("stat source store: %w", err)
	}

	if err := os.MkdirAll(m.docsDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	created := m.now()
	name := types.BackupFileName(m.base, m.ext, created)
	dst := filepath.Join(m.docsDir, name)

	// A backup never overwrites: the millisecond timestamp makes collisions
	// an error worth surfacing rather than papering over.
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("backup already exists: %s", dst)
	}

	if err := copyFile(srcPath, dst, info.Mode()); err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("copying store to backup: %w", err)
	}

	debug.Logf("backup: created %s (%d bytes)\n", dst, info.Size())
	return &types.BackupRecord{
		Path:      dst,
		Filename:  name,
		CreatedAt: created,
		Size:      info.Size(),
	}, nil
}

// List returns all backups of this store, sorted by path descending so the
// newest-looking name comes first. (The cloud backup list is sorted the
// opposite way; the asymmetry is part of the on-disk contract.)
func (m *Manager) List() ([]types.BackupRecord, error) {
	entries, err := os.ReadDir(m.docsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var records []types.BackupRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base, created, ext, ok := types.ParseBackupFileName(entry.Name())
		if !ok || base != m.base || ext != m.ext {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		records = append(records, types.BackupRecord{
			Path:      filepath.Join(m.docsDir, entry.Name()),
			Filename:  entry.Name(),
			CreatedAt: created,
			Size:      info.Size(),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Path > records[j].Path
	})
	return records, nil
}

// Restore replaces the store file at dstPath with the contents of the
// given backup. The write goes through a temp file and rename so a crash
// mid-restore cannot leave a truncated store.
func (m *Manager) Restore(record types.BackupRecord, dstPath string) error {
	info, err := os.Stat(record.Path)
	if err != nil {
		return fmt.Errorf("stat backup: %w", err)
	}

	tmp := dstPath + ".restore.tmp"
	if err := copyFile(record.Path, tmp, info.Mode()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copying backup: %w", err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing store: %w", err)
	}

	debug.Logf("backup: restored %s -> %s\n", record.Path, dstPath)
	return nil
}

// Prune deletes backups created before the cutoff. Returns how many were
// removed. Backups that fail to delete are skipped, not fatal.
func (m *Manager) Prune(before time.Time) (int, error) {
	records, err := m.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range records {
		if !rec.CreatedAt.Before(before) {
			continue
		}
		if err := os.Remove(rec.Path); err != nil {
			debug.Logf("backup: prune failed for %s: %v\n", rec.Path, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// copyFile copies a single file, preserving permissions, and fsyncs the
// destination before returning.
func copyFile(src, dst string, perm os.FileMode) error {
	sourceFile, err := os.Open(src) // #nosec G304 - paths come from the manager's own directory
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) // #nosec G304
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	// Ensure data is written to disk
	return destFile.Sync()
}
