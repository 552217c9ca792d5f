package spool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWrite_AtomicAndReadable(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, "record_1_1.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("unexpected content: %s", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestList_OrdersByFilename(t *testing.T) {
	dir := t.TempDir()
	Write(dir, "buffer_100_1.json", []byte("a"))
	Write(dir, "buffer_050_1.json", []byte("b"))
	Write(dir, "buffer_200_1.json", []byte("c"))

	entries, err := List(dir, "buffer_*.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if filepath.Base(entries[0].Path) != "buffer_050_1.json" {
		t.Fatalf("expected lexically first entry to sort first, got %s", entries[0].Path)
	}
}

func TestCleanOlderThan(t *testing.T) {
	dir := t.TempDir()
	path, _ := Write(dir, "old.json", []byte("x"))
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(path, old, old)

	removed := CleanOlderThan(dir, "*.json", time.Hour)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
}

func TestFirstWritableDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	got, err := FirstWritableDir("", sub)
	if err != nil {
		t.Fatalf("FirstWritableDir: %v", err)
	}
	if got != sub {
		t.Fatalf("expected %s, got %s", sub, got)
	}
}
