package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the per-project state directory.
const DirName = ".floodgate"

// DBFileName is the database file inside DirName.
const DBFileName = "floodgate.db"

// GlobalPath returns the path to the global .floodgate directory (~/.floodgate).
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName), nil
}

// LocalPath returns the .floodgate directory for the given root.
func LocalPath(root string) string {
	return filepath.Join(root, DirName)
}

// DBPath returns the database path for the given root.
func DBPath(root string) string {
	return filepath.Join(LocalPath(root), DBFileName)
}
