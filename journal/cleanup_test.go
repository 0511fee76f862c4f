package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeJournalFile(t *testing.T, dir, day string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, filePrefix+"-"+day+".journal")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCleanup_ByAge(t *testing.T) {
	dir := t.TempDir()
	oldFile := makeJournalFile(t, dir, "20250101", 90*24*time.Hour)
	recent := makeJournalFile(t, dir, "20260820", time.Hour)
	newest := makeJournalFile(t, dir, "20260822", 0)

	stats, err := Cleanup(dir, 30*24*time.Hour, 0)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if stats.FilesRemoved != 1 {
		t.Errorf("FilesRemoved = %d, want 1", stats.FilesRemoved)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("old file survived cleanup")
	}
	for _, f := range []string{recent, newest} {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("recent file removed: %s", f)
		}
	}
}

func TestCleanup_ByCount(t *testing.T) {
	dir := t.TempDir()
	days := []string{"20260810", "20260811", "20260812", "20260813", "20260814"}
	for i, day := range days {
		makeJournalFile(t, dir, day, time.Duration(len(days)-i)*time.Hour)
	}

	stats, err := Cleanup(dir, 0, 2)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if stats.FilesRemoved != 3 {
		t.Errorf("FilesRemoved = %d, want 3", stats.FilesRemoved)
	}

	remaining := listFiles(dir)
	if len(remaining) != 2 {
		t.Fatalf("remaining files = %d, want 2", len(remaining))
	}
	// Oldest days go first.
	if filepath.Base(remaining[0]) != filePrefix+"-20260813.journal" {
		t.Errorf("unexpected survivor: %s", remaining[0])
	}
}

func TestCleanup_NeverRemovesNewest(t *testing.T) {
	dir := t.TempDir()
	only := makeJournalFile(t, dir, "20250101", 365*24*time.Hour)

	stats, err := Cleanup(dir, time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FilesRemoved != 0 {
		t.Errorf("FilesRemoved = %d, want 0", stats.FilesRemoved)
	}
	if _, err := os.Stat(only); err != nil {
		t.Error("sole journal file was removed")
	}
}
