// Package types defines core data structures for the storepilot store
// orchestrator.
package types

import (
	"sort"
	"strings"
	"time"
)

// Location identifies where the logical store currently lives.
type Location string

const (
	Local Location = "local"
	Cloud Location = "cloud"
)

// OpenOptions is the small enumerated configuration set consumed when a
// store is opened or relocated.
type OpenOptions struct {
	// LightweightUpgrade enables automatic schema upgrade when the on-disk
	// schema version is older than the current one.
	LightweightUpgrade bool

	// InferMapping allows the upgrade path to infer column mappings instead
	// of requiring an explicit mapping table.
	InferMapping bool

	// ContentKey names the content for cloud-identified stores. Empty for
	// local stores.
	ContentKey string

	// RebuildContent forces a rebuild of remote content on next open.
	// Consumed exactly once and then cleared by the preference layer.
	RebuildContent bool
}

// StoreDescriptor describes one concrete placement of the logical store.
// Exactly one descriptor is active at a time; the active descriptor's
// location matches the persisted user preference unless a migration is in
// flight.
type StoreDescriptor struct {
	Location Location
	URL      string // filesystem path to the store file
	Options  OpenOptions
}

// DownloadStatus reports the sync state of a file in the cloud container.
type DownloadStatus string

const (
	DownloadNotStarted DownloadStatus = "not_downloaded"
	Downloading        DownloadStatus = "downloading"
	DownloadCurrent    DownloadStatus = "current"
)

// CloudFile is one entry in the reconciled cloud file list.
type CloudFile struct {
	Filename          string
	URL               string
	Download          DownloadStatus
	PercentDownloaded int // 0..100
	Uploaded          bool
	SavingDevice      string
	ModTime           time.Time
}

// FileListSnapshot is an immutable view of the reconciled backup-file list.
// The canonical list is sorted by path, case-insensitively, ascending.
type FileListSnapshot struct {
	Files      []CloudFile
	GatheredAt time.Time
}

// Equal reports whether two snapshots contain the same files, compared by
// (filename, modification time) pairs. Download progress changes alone do
// not make snapshots unequal.
func (s FileListSnapshot) Equal(other FileListSnapshot) bool {
	if len(s.Files) != len(other.Files) {
		return false
	}
	for i := range s.Files {
		if s.Files[i].Filename != other.Files[i].Filename {
			return false
		}
		if !s.Files[i].ModTime.Equal(other.Files[i].ModTime) {
			return false
		}
	}
	return true
}

// SortFiles sorts a cloud file list into canonical order: by filename,
// case-insensitively, ascending.
func SortFiles(files []CloudFile) {
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i].Filename) < strings.ToLower(files[j].Filename)
	})
}

// BackupRecord identifies one immutable backup copy of the store.
type BackupRecord struct {
	Path      string
	Filename  string
	CreatedAt time.Time
	Size      int64
}
