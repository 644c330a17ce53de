package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteJSONAtomicCreatesParents(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "a", "b", "status.json")
	if err := WriteJSONAtomic(dest, map[string]int{"n": 7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(raw, &got); err != nil || got["n"] != 7 {
		t.Fatalf("unexpected content %q (err=%v)", raw, err)
	}
}

func TestCopyAtomicReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "part-001.bin")
	if _, err := CopyAtomic(dest, strings.NewReader("old")); err != nil {
		t.Fatalf("first copy: %v", err)
	}
	n, err := CopyAtomic(dest, strings.NewReader("fresh data"))
	if err != nil {
		t.Fatalf("second copy: %v", err)
	}
	if n != int64(len("fresh data")) {
		t.Fatalf("expected %d bytes written, got %d", len("fresh data"), n)
	}
	if size, err := Size(dest); err != nil || size != n {
		t.Fatalf("size=%d err=%v", size, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the destination file, got %d entries", len(entries))
	}
}

func TestEnsureDirRejectsEmpty(t *testing.T) {
	if err := EnsureDir(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Size(t.TempDir()); err == nil {
		t.Fatalf("expected error for directory size")
	}
}
