package backup

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nvandessel/floodgate/internal/store"
)

// FormatVersion is the current backup file version.
const FormatVersion = 1

// MaxDecompressedSize is the maximum allowed size of decompressed backup data (200MB).
const MaxDecompressedSize = 200 * 1024 * 1024

// Header is the plain-text first line of a backup file. It can be read
// with head(1) without decompressing the payload.
type Header struct {
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Checksum  string            `json:"checksum"`
	Counts    Counts            `json:"counts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Counts is the number of rows per table in a backup.
type Counts struct {
	BudgetEvents int `json:"budget_events"`
	DedupRecords int `json:"dedup_history"`
	LinkUses     int `json:"link_cooldowns"`
	Metrics      int `json:"metrics_log"`
}

func countSnapshot(snap *store.Snapshot) Counts {
	return Counts{
		BudgetEvents: len(snap.BudgetEvents),
		DedupRecords: len(snap.DedupHistory),
		LinkUses:     len(snap.LinkUses),
		Metrics:      len(snap.Metrics),
	}
}

// Payload is the compressed body of a backup file.
type Payload struct {
	CreatedAt time.Time       `json:"created_at"`
	Snapshot  *store.Snapshot `json:"snapshot"`
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Write writes p as a header line followed by the gzip-compressed payload.
func Write(path string, p *Payload, metadata map[string]string) (*Header, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	var compressed bytes.Buffer
	gzw, err := gzip.NewWriterLevel(&compressed, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gzw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	header := &Header{
		Version:   FormatVersion,
		CreatedAt: p.CreatedAt,
		Checksum:  checksum(compressed.Bytes()),
		Counts:    countSnapshot(p.Snapshot),
		Metadata:  metadata,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(headerBytes)
	w.WriteByte('\n')
	w.Write(compressed.Bytes())
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("writing backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing backup: %w", err)
	}

	return header, nil
}

// openBackup parses the header line and returns a reader positioned at
// the payload.
func openBackup(path string) (*Header, *bufio.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening file: %w", err)
	}

	reader := bufio.NewReader(f)
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("reading header line: %w", err)
	}

	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(headerLine), &header); err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		f.Close()
		return nil, nil, nil, fmt.Errorf("unsupported backup version: %d", header.Version)
	}

	return &header, reader, f, nil
}

// readVerified returns the header and the compressed payload after
// checking it against the header checksum.
func readVerified(path string) (*Header, []byte, error) {
	header, reader, closer, err := openBackup(path)
	if err != nil {
		return nil, nil, err
	}
	defer closer.Close()

	compressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading compressed payload: %w", err)
	}
	if actual := checksum(compressed); actual != header.Checksum {
		return nil, nil, fmt.Errorf("checksum mismatch: expected %s, got %s", header.Checksum, actual)
	}
	return header, compressed, nil
}

// Read reads a backup file, verifies the checksum, and decompresses the payload.
func Read(path string) (*Header, *Payload, error) {
	header, compressed, err := readVerified(path)
	if err != nil {
		return nil, nil, err
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	decompressed, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if int64(len(decompressed)) > MaxDecompressedSize {
		return nil, nil, fmt.Errorf("decompressed payload exceeds maximum size of %d bytes", MaxDecompressedSize)
	}

	var p Payload
	if err := json.Unmarshal(decompressed, &p); err != nil {
		return nil, nil, fmt.Errorf("parsing backup data: %w", err)
	}
	if p.Snapshot == nil {
		return nil, nil, fmt.Errorf("backup has no snapshot")
	}
	if got := countSnapshot(p.Snapshot); got != header.Counts {
		return nil, nil, fmt.Errorf("row counts %+v do not match header %+v", got, header.Counts)
	}

	return header, &p, nil
}

// ReadHeader reads only the header line from a backup file without decompressing.
func ReadHeader(path string) (*Header, error) {
	header, _, closer, err := openBackup(path)
	if err != nil {
		return nil, err
	}
	closer.Close()
	return header, nil
}

// VerifyChecksum checks the integrity of a backup file without decompressing it.
func VerifyChecksum(path string) error {
	_, _, err := readVerified(path)
	return err
}
