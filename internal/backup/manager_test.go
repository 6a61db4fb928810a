package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStore(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	docsDir := t.TempDir()
	store := writeStore(t, srcDir, "ledger.db", "original content")

	m := NewManager(docsDir, "ledger", "db")
	rec, err := m.Create(store)
	require.NoError(t, err)
	assert.Equal(t, int64(len("original content")), rec.Size)

	// Backup content byte-matches the source at creation time.
	backupBytes, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, "original content", string(backupBytes))

	// Mutate the store, then restore.
	require.NoError(t, os.WriteFile(store, []byte("clobbered"), 0o600))
	require.NoError(t, m.Restore(*rec, store))

	restored, err := os.ReadFile(store)
	require.NoError(t, err)
	assert.Equal(t, "original content", string(restored))
}

func TestCreateMissingSource(t *testing.T) {
	m := NewManager(t.TempDir(), "ledger", "db")
	_, err := m.Create(filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestListSortsPathDescending(t *testing.T) {
	srcDir := t.TempDir()
	docsDir := t.TempDir()
	store := writeStore(t, srcDir, "ledger.db", "x")

	m := NewManager(docsDir, "ledger", "db")
	stamps := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.Local),
	}
	for _, stamp := range stamps {
		m.now = func() time.Time { return stamp }
		_, err := m.Create(store)
		require.NoError(t, err)
	}

	// An unrelated file in the same directory is ignored.
	writeStore(t, docsDir, "notes.txt", "ignore me")

	records, err := m.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].CreatedAt.After(records[1].CreatedAt))
	assert.True(t, records[1].CreatedAt.After(records[2].CreatedAt))
}

func TestListEmptyDirectory(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing"), "ledger", "db")
	records, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPruneRemovesOnlyOldBackups(t *testing.T) {
	srcDir := t.TempDir()
	docsDir := t.TempDir()
	store := writeStore(t, srcDir, "ledger.db", "x")

	m := NewManager(docsDir, "ledger", "db")
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.Local)

	m.now = func() time.Time { return old }
	_, err := m.Create(store)
	require.NoError(t, err)
	m.now = func() time.Time { return recent }
	_, err = m.Create(store)
	require.NoError(t, err)

	removed, err := m.Prune(time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := m.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].CreatedAt.Equal(recent))
}
