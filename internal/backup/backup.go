// Package backup exports the record store to a human-inspectable file and
// restores it.
package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nvandessel/floodgate/internal/store"
)

// FilePrefix starts every backup file name.
const FilePrefix = "floodgate-backup-"

// Exporter snapshots a store.
type Exporter interface {
	Export(ctx context.Context) (*store.Snapshot, error)
}

// Importer replaces a store's contents.
type Importer interface {
	Import(ctx context.Context, snap *store.Snapshot) error
}

// Dir returns the backup directory under a floodgate state root
// (root/.floodgate/backups).
func Dir(root string) string {
	return filepath.Join(store.LocalPath(root), "backups")
}

// Backup writes every table of st to outputPath.
func Backup(ctx context.Context, st Exporter, outputPath string, now time.Time) (*Header, error) {
	snap, err := st.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export store: %w", err)
	}

	header, err := Write(outputPath, &Payload{CreatedAt: now.UTC(), Snapshot: snap}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	return header, nil
}

// RestoreResult contains statistics about the restore operation.
type RestoreResult struct {
	CreatedAt time.Time `json:"created_at"`
	Counts    Counts    `json:"restored"`
}

// Restore replaces the contents of st with the backup at inputPath. The
// file is fully verified before st is touched.
func Restore(ctx context.Context, st Importer, inputPath string) (*RestoreResult, error) {
	header, p, err := Read(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	if err := st.Import(ctx, p.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to import backup: %w", err)
	}

	return &RestoreResult{CreatedAt: header.CreatedAt, Counts: header.Counts}, nil
}

// GeneratePath creates a timestamped backup filename in dir.
func GeneratePath(dir string, now time.Time) string {
	ts := now.UTC().Format("20060102-150405.000")
	return filepath.Join(dir, FilePrefix+ts+".gz")
}
