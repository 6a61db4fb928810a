// Package cloud talks to the ubiquitous container: the provider-managed
// directory that syncs files across a user's devices. The container is
// exposed to the rest of the system only through a discovery listing and a
// relocation primitive; the provider's wire protocol is out of scope.
package cloud

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/storepilot/storepilot/internal/debug"
	"github.com/storepilot/storepilot/internal/types"
)

// Entry is one discovered file in the container.
type Entry struct {
	Name              string
	Path              string
	Size              int64
	ModTime           time.Time
	Download          types.DownloadStatus
	PercentDownloaded int
	Uploaded          bool
	SavingDevice      string
}

// Container is the provider boundary: list what exists, move bytes in or
// out, and watch for changes. Implementations must be safe for concurrent
// use.
type Container interface {
	// List returns every file currently visible in the container.
	List(ctx context.Context) ([]Entry, error)

	// Relocate copies the file at src to dst, durably. It never removes
	// src; deletion is a separate, explicit step.
	Relocate(ctx context.Context, src, dst string) error

	// Remove deletes the named file from the container.
	Remove(ctx context.Context, name string) error

	// Watch returns a channel that receives a signal whenever the
	// container's contents change. The channel closes when ctx is done or
	// the underlying watcher fails; callers restart it.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Dir returns the container's root path.
	Dir() string
}

const sidecarSuffix = ".sync.yaml"

// sidecar carries provider sync metadata for one file. A file without a
// sidecar is treated as fully downloaded and uploaded.
type sidecar struct {
	DownloadStatus    string `yaml:"download_status"`
	PercentDownloaded int    `yaml:"percent_downloaded"`
	Uploaded          *bool  `yaml:"uploaded"`
	SavingDevice      string `yaml:"saving_device"`
}

// DirContainer is a Container backed by a synced directory (the shape every
// file-sync provider ultimately exposes locally).
type DirContainer struct {
	dir    string
	device string
}

// OpenDir opens the container rooted at dir, creating it if needed.
func OpenDir(dir, device string) (*DirContainer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating container directory: %w", err)
	}
	return &DirContainer{dir: dir, device: device}, nil
}

func (c *DirContainer) Dir() string { return c.dir }

// List reads the container directory, folding sidecar metadata into each
// entry. Sidecars themselves are not entries.
func (c *DirContainer) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("listing container: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasSuffix(de.Name(), sidecarSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}

		entry := Entry{
			Name:     de.Name(),
			Path:     filepath.Join(c.dir, de.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Download: types.DownloadCurrent,
			Uploaded: true,

			PercentDownloaded: 100,
		}
		c.applySidecar(&entry)
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *DirContainer) applySidecar(entry *Entry) {
	data, err := os.ReadFile(entry.Path + sidecarSuffix) // #nosec G304 - path derived from container listing
	if err != nil {
		return
	}
	var sc sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		debug.Logf("cloud: bad sidecar for %s: %v\n", entry.Name, err)
		return
	}
	switch sc.DownloadStatus {
	case "not_downloaded":
		entry.Download = types.DownloadNotStarted
		entry.PercentDownloaded = 0
	case "downloading":
		entry.Download = types.Downloading
		entry.PercentDownloaded = sc.PercentDownloaded
	case "", "current":
		entry.Download = types.DownloadCurrent
		entry.PercentDownloaded = 100
	}
	if sc.Uploaded != nil {
		entry.Uploaded = *sc.Uploaded
	}
	entry.SavingDevice = sc.SavingDevice
}

// Relocate durably copies src to dst via a temp file and rename.
func (c *DirContainer) Relocate(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(src) // #nosec G304 - migration paths come from descriptors
	if err != nil {
		return fmt.Errorf("opening relocation source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	tmp := dst + ".inflight"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("creating relocation temp file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copying store bytes: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing relocated store: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing relocated store: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publishing relocated store: %w", err)
	}
	return nil
}

// Remove deletes a file and its sidecar (if any) from the container.
func (c *DirContainer) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(c.dir, filepath.Base(name))
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	_ = os.Remove(path + sidecarSuffix)
	return nil
}

// Watch emits a signal on every filesystem event under the container
// directory. Bursts coalesce into one pending signal.
func (c *DirContainer) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating container watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching container: %w", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
					// a signal is already pending
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				debug.Logf("cloud: watcher error: %v\n", err)
			}
		}
	}()
	return ch, nil
}

// Config describes the container in a small yaml file.
type Config struct {
	Dir        string `yaml:"dir"`
	Device     string `yaml:"device"`
	ContentKey string `yaml:"content_key"`
}

// LoadConfig reads a container descriptor file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - user-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading container config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing container config: %w", err)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("container config: dir is required")
	}
	return &cfg, nil
}
