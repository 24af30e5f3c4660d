// Package pathutil confines user-supplied file paths to known directories.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nvandessel/floodgate/internal/store"
)

// BackupsDirName is the backup directory inside a floodgate state directory.
const BackupsDirName = "backups"

// RedactPath shortens a path to .../<parent>/<base> for error messages.
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(cleaned)
	}
	return ".../" + parent + "/" + filepath.Base(cleaned)
}

// ValidatePath returns an error unless path resolves inside one of
// allowedDirs. Symlinks in existing ancestors are resolved first, so a
// link inside an allowed directory cannot point outside it.
func ValidatePath(path string, allowedDirs []string) error {
	switch {
	case path == "":
		return fmt.Errorf("path validation failed: path is empty")
	case len(allowedDirs) == 0:
		return fmt.Errorf("path validation failed: no allowed directories configured")
	case strings.ContainsRune(path, '\x00'):
		return fmt.Errorf("path validation failed: path contains null byte")
	}

	resolved, err := resolve(path)
	if err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	for _, dir := range allowedDirs {
		base, err := resolve(dir)
		if err != nil {
			continue
		}
		if within(resolved, base) {
			return nil
		}
	}
	return fmt.Errorf("path validation failed: %q is outside allowed directories", RedactPath(resolved))
}

// AllowedBackupDirs returns <root>/.floodgate/backups and, when the home
// directory is known, ~/.floodgate/backups.
func AllowedBackupDirs(root string) []string {
	dirs := []string{filepath.Join(store.LocalPath(root), BackupsDirName)}
	if global, err := store.GlobalPath(); err == nil {
		dirs = append(dirs, filepath.Join(global, BackupsDirName))
	}
	return dirs
}

// resolve makes path absolute and evaluates symlinks in its deepest
// existing ancestor. Missing trailing components are kept as given.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("cannot resolve absolute path: %w", err)
	}

	var missing []string
	cur := abs
	for {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				real = filepath.Join(real, missing[i])
			}
			return real, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("cannot resolve path: %s", RedactPath(abs))
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// within reports whether path equals base or lies beneath it.
func within(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
