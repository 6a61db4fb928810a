// Package prefs persists the user's storage preferences across launches.
//
// The preference file is the source of truth for where the store should
// live; the resolver reads it, and the orchestrator writes it back as the
// user (or the account state) changes their mind.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

const prefsFileName = "prefs.yaml"

// Preference keys.
const (
	KeyUseCloud           = "cloud.enabled"
	KeyPreferenceSelected = "cloud.preference_selected"
	KeyRebuildContent     = "cloud.rebuild_content"
	KeyLastAccountToken   = "cloud.last_account_token"
	KeyBackupOnMigrate    = "backup.on_migrate"
	KeyLastStorePath      = "store.last_path"
	KeyFirstInstallDone   = "store.first_install_done"
)

// Preferences is a viper-backed preference store. All methods are safe for
// concurrent use; writes persist immediately.
type Preferences struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// Open loads (or initializes) the preference file under dir.
func Open(dir string) (*Preferences, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating prefs directory: %w", err)
	}

	path := filepath.Join(dir, prefsFileName)
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	v.SetDefault(KeyUseCloud, false)
	v.SetDefault(KeyPreferenceSelected, false)
	v.SetDefault(KeyRebuildContent, false)
	v.SetDefault(KeyLastAccountToken, "")
	v.SetDefault(KeyBackupOnMigrate, false)
	v.SetDefault(KeyLastStorePath, "")
	v.SetDefault(KeyFirstInstallDone, false)

	// Missing file is fine on first launch; anything else is a real error.
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("reading prefs: %w", err)
		}
	}

	return &Preferences{v: v, path: path}, nil
}

// Path returns the preference file location.
func (p *Preferences) Path() string { return p.path }

func (p *Preferences) getBool(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.v.GetBool(key)
}

func (p *Preferences) getString(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.v.GetString(key)
}

func (p *Preferences) set(key string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.v.Set(key, value)
	if err := p.v.WriteConfigAs(p.path); err != nil {
		return fmt.Errorf("writing prefs: %w", err)
	}
	return nil
}

// UseCloudStorage reports the persisted location preference.
func (p *Preferences) UseCloudStorage() bool { return p.getBool(KeyUseCloud) }

// SetUseCloudStorage records the location preference and marks it selected.
func (p *Preferences) SetUseCloudStorage(useCloud bool) error {
	p.mu.Lock()
	p.v.Set(KeyUseCloud, useCloud)
	p.v.Set(KeyPreferenceSelected, true)
	err := p.v.WriteConfigAs(p.path)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing prefs: %w", err)
	}
	return nil
}

// PreferenceSelected reports whether the user has ever chosen a location.
func (p *Preferences) PreferenceSelected() bool { return p.getBool(KeyPreferenceSelected) }

// ResetPreference clears the selected flag and forces the preference back
// to local. Used when the account signs out or switches.
func (p *Preferences) ResetPreference() error {
	p.mu.Lock()
	p.v.Set(KeyUseCloud, false)
	p.v.Set(KeyPreferenceSelected, false)
	err := p.v.WriteConfigAs(p.path)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing prefs: %w", err)
	}
	return nil
}

// BackupOnMigrate reports whether the user asked for a backup before every
// migration. A required backup that fails aborts the migration.
func (p *Preferences) BackupOnMigrate() bool { return p.getBool(KeyBackupOnMigrate) }

func (p *Preferences) SetBackupOnMigrate(b bool) error { return p.set(KeyBackupOnMigrate, b) }

// LastStorePath returns the path the store was last opened from.
func (p *Preferences) LastStorePath() string { return p.getString(KeyLastStorePath) }

func (p *Preferences) SetLastStorePath(path string) error { return p.set(KeyLastStorePath, path) }

// LastAccountToken returns the account token observed on the previous
// resolution.
func (p *Preferences) LastAccountToken() string { return p.getString(KeyLastAccountToken) }

func (p *Preferences) SetLastAccountToken(token string) error {
	return p.set(KeyLastAccountToken, token)
}

// AccountTokenChanged reports whether the current token differs from the
// one recorded at the previous launch. An empty recorded token (first
// launch) does not count as a change.
func (p *Preferences) AccountTokenChanged(current string) bool {
	last := p.LastAccountToken()
	return last != "" && last != current
}

// FirstInstall reports whether this is the first launch on this device.
func (p *Preferences) FirstInstall() bool { return !p.getBool(KeyFirstInstallDone) }

func (p *Preferences) MarkInstalled() error { return p.set(KeyFirstInstallDone, true) }

// SetRebuildContent arms the rebuild-remote-content flag for the next open.
func (p *Preferences) SetRebuildContent() error { return p.set(KeyRebuildContent, true) }

// ConsumeRebuildContent returns the rebuild-remote-content flag and clears
// it. The flag is consumed exactly once.
func (p *Preferences) ConsumeRebuildContent() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	armed := p.v.GetBool(KeyRebuildContent)
	if !armed {
		return false, nil
	}
	p.v.Set(KeyRebuildContent, false)
	if err := p.v.WriteConfigAs(p.path); err != nil {
		return false, fmt.Errorf("writing prefs: %w", err)
	}
	return true, nil
}
