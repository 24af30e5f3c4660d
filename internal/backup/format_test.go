package backup

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/floodgate/internal/store"
)

func testPayload() *Payload {
	return &Payload{
		CreatedAt: testNow,
		Snapshot: &store.Snapshot{
			BudgetEvents: []store.BudgetEvent{{ActionType: "reply", At: testNow}},
			LinkUses:     []store.LinkUse{{Link: "https://example.com", LastUsedAt: testNow}},
		},
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.gz")

	written, err := Write(path, testPayload(), map[string]string{"host": "test"})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.HasPrefix(written.Checksum, "sha256:") {
		t.Errorf("Checksum = %q, want sha256: prefix", written.Checksum)
	}

	header, p, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if header.Version != FormatVersion {
		t.Errorf("Version = %d, want %d", header.Version, FormatVersion)
	}
	if header.Metadata["host"] != "test" {
		t.Errorf("Metadata = %v", header.Metadata)
	}
	if header.Counts.BudgetEvents != 1 || header.Counts.LinkUses != 1 {
		t.Errorf("Counts = %+v", header.Counts)
	}
	if len(p.Snapshot.BudgetEvents) != 1 || p.Snapshot.BudgetEvents[0].ActionType != "reply" {
		t.Errorf("payload budget events = %+v", p.Snapshot.BudgetEvents)
	}
	if !p.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", p.CreatedAt, testNow)
	}
}

func TestWrite_HeaderIsPlainJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.gz")
	if _, err := Write(path, testPayload(), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		t.Fatalf("reading first line: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		t.Fatalf("first line should be JSON: %v", err)
	}
	if _, ok := raw["counts"]; !ok {
		t.Error("header should carry table counts")
	}
}

func TestWrite_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "perm.gz")
	if _, err := Write(path, testPayload(), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestReadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "header.gz")
	if _, err := Write(path, testPayload(), nil); err != nil {
		t.Fatal(err)
	}

	header, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if !header.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", header.CreatedAt, testNow)
	}
}

func TestVerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verify.gz")
	if _, err := Write(path, testPayload(), nil); err != nil {
		t.Fatal(err)
	}

	if err := VerifyChecksum(path); err != nil {
		t.Errorf("VerifyChecksum() on intact file: %v", err)
	}

	data, _ := os.ReadFile(path)
	data[len(data)-2] ^= 0x01
	os.WriteFile(path, data, 0600)

	err := VerifyChecksum(path)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("VerifyChecksum() on tampered file = %v, want checksum mismatch", err)
	}
}

func TestRead_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.gz")
	header, _ := json.Marshal(Header{Version: 99, CreatedAt: time.Now()})
	os.WriteFile(path, append(header, '\n'), 0600)

	if _, _, err := Read(path); err == nil || !strings.Contains(err.Error(), "unsupported backup version") {
		t.Errorf("Read() = %v, want unsupported version error", err)
	}
}

func TestRead_RejectsNonBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	os.WriteFile(path, []byte("hello\nworld\n"), 0600)

	if _, err := ReadHeader(path); err == nil {
		t.Error("ReadHeader() should reject a non-backup file")
	}
}
