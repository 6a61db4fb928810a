package types

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// File naming conventions. The cloud store carries an _ICLOUD marker so a
// copy left behind in the container is never mistaken for the local store,
// and backups encode their creation time down to the millisecond so the
// listing order matches the creation order.
const (
	cloudMarker  = "_ICLOUD"
	backupMarker = "_Backup_"

	// backupStampLayout is yyyyMMddHHmmss; milliseconds are appended
	// separately because time.Format has no zero-padded millisecond verb
	// without a decimal point.
	backupStampLayout = "20060102150405"
)

var backupNameRe = regexp.MustCompile(`^(.+)_Backup_(\d{17})\.([^.]+)$`)

// LocalStoreFileName returns the canonical local store file name.
func LocalStoreFileName(base, ext string) string {
	return base + "." + ext
}

// CloudStoreFileName returns the canonical cloud store file name.
func CloudStoreFileName(base, ext string) string {
	return base + cloudMarker + "." + ext
}

// BackupFileName returns the backup file name for a backup created at t.
func BackupFileName(base, ext string, t time.Time) string {
	millis := t.Nanosecond() / int(time.Millisecond)
	return fmt.Sprintf("%s%s%s%03d.%s", base, backupMarker, t.Format(backupStampLayout), millis, ext)
}

// IsCloudStoreFile reports whether name is the canonical cloud store file
// for the given base name and extension.
func IsCloudStoreFile(name, base, ext string) bool {
	return name == CloudStoreFileName(base, ext)
}

// ParseBackupFileName extracts the base name, creation time, and extension
// from a backup file name. Paths are accepted; only the final element is
// examined. Returns ok=false for anything that does not match the backup
// naming pattern.
func ParseBackupFileName(path string) (base string, created time.Time, ext string, ok bool) {
	name := filepath.Base(path)
	m := backupNameRe.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, "", false
	}
	stamp := m[2]
	t, err := time.ParseInLocation(backupStampLayout, stamp[:14], time.Local)
	if err != nil {
		return "", time.Time{}, "", false
	}
	var millis int
	if _, err := fmt.Sscanf(stamp[14:], "%03d", &millis); err != nil {
		return "", time.Time{}, "", false
	}
	t = t.Add(time.Duration(millis) * time.Millisecond)
	return m[1], t, m[3], true
}

// IsBackupFile reports whether path names a backup of the given base store.
func IsBackupFile(path, base string) bool {
	b, _, _, ok := ParseBackupFileName(path)
	return ok && b == base
}

// SplitStoreName splits a store file name into base and extension, e.g.
// "ledger.db" -> ("ledger", "db"). The cloud marker is stripped from the
// base if present.
func SplitStoreName(name string) (base, ext string) {
	ext = strings.TrimPrefix(filepath.Ext(name), ".")
	base = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.TrimSuffix(base, cloudMarker)
	return base, ext
}
