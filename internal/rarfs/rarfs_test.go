package rarfs

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/roarfs/roar/internal/filecache"
	"github.com/roarfs/roar/internal/options"
)

func TestIsRarFile(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     bool
	}{
		{"standard rar", "archive.rar", true},
		{"uppercase rar", "ARCHIVE.RAR", true},
		{"mixed case rar", "Archive.Rar", true},
		{"split r00", "archive.r00", true},
		{"split r01", "archive.r01", true},
		{"split r99", "archive.r99", true},
		{"not rar - zip", "archive.zip", false},
		{"not rar - tar", "archive.tar", false},
		{"not rar - partial match", "rarchive.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRarFile(tt.filename); got != tt.want {
				t.Errorf("isRarFile(%q) = %v, want %v", tt.filename, got, tt.want)
			}
		})
	}
}

func TestIsFirstRarPart(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     bool
	}{
		{"standard rar", "archive.rar", true},
		{"uppercase rar", "ARCHIVE.RAR", true},
		{"split r00", "archive.r00", false},
		{"split r01", "archive.r01", false},
		{"first part lowercase", "archive.part1.rar", true},
		{"first part zero-padded", "archive.part01.rar", true},
		{"second part", "archive.part2.rar", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isFirstRarPart(tt.filename); got != tt.want {
				t.Errorf("isFirstRarPart(%q) = %v, want %v", tt.filename, got, tt.want)
			}
		})
	}
}

func TestFindFirstPartArchives(t *testing.T) {
	tempDir := t.TempDir()

	writeFile(t, tempDir, "test.rar", nil)
	writeFile(t, tempDir, "split.r01", nil)
	writeFile(t, tempDir, "readme.txt", nil)

	archives, err := findFirstPartArchives(tempDir)
	if err != nil {
		t.Fatalf("findFirstPartArchives failed: %v", err)
	}

	found := false
	for _, a := range archives {
		if filepath.Base(a) == "test.rar" {
			found = true
		}
		if filepath.Base(a) == "split.r01" {
			t.Error("a continuation volume should never be reported as a first part")
		}
	}
	if !found {
		t.Error("expected to find test.rar among the first-part archives")
	}
}

func TestFindFirstPartArchivesNonExistent(t *testing.T) {
	_, err := findFirstPartArchives("/nonexistent/path")
	if err == nil {
		t.Error("expected an error for a non-existent directory")
	}
}

func TestNewEmptyDir(t *testing.T) {
	tempDir := t.TempDir()

	fsys, err := New(tempDir, options.New())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer fsys.Close()

	if got := fsys.cache.Len(); got != 0 {
		t.Errorf("expected 0 cached entries, got %d", got)
	}
}

func TestNewWithSubdirectoryAndPassthroughFile(t *testing.T) {
	tempDir := t.TempDir()

	subDir := filepath.Join(tempDir, "movies")
	if err := os.Mkdir(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, tempDir, "notes.txt", []byte("hello"))

	fsys, err := New(tempDir, options.New())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer fsys.Close()

	if !dirHasChildren(fsys, "", "movies") {
		t.Error("expected 'movies' directory to be registered at the root")
	}
	if !dirHasChildren(fsys, "", "notes.txt") {
		t.Error("expected 'notes.txt' to be registered at the root")
	}
	entry, ok := fsys.cache.Get("notes.txt")
	if !ok {
		t.Fatal("expected notes.txt to be cached as a passthrough entry")
	}
	if entry.Stat.Size != 5 {
		t.Errorf("Size = %d, want 5", entry.Stat.Size)
	}
}

func TestLseekWholeFileIsData(t *testing.T) {
	f := &File{entry: &filecache.Entry{Stat: filecache.Stat{Size: 100}}}
	off, errno := f.Lseek(nil, nil, 40, unix.SEEK_DATA)
	if errno != 0 || off != 40 {
		t.Errorf("SEEK_DATA: off=%d errno=%v, want 40, 0", off, errno)
	}
	off, errno = f.Lseek(nil, nil, 40, unix.SEEK_HOLE)
	if errno != 0 || off != 100 {
		t.Errorf("SEEK_HOLE: off=%d errno=%v, want 100, 0", off, errno)
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}
