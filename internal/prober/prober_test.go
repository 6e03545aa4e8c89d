package prober

import (
	"bytes"
	"encoding/binary"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/roarfs/roar/internal/filecache"
)

func TestArchiveVirtualRoot(t *testing.T) {
	if got := archiveVirtualRoot("/media/Movie.rar"); got != "/media/Movie.rar" {
		t.Errorf("archiveVirtualRoot = %q, want /media/Movie.rar", got)
	}
}

func TestTryIndexMissingFileIsMiss(t *testing.T) {
	p := New(nil)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "Movie.rar")
	os.WriteFile(archivePath, []byte("not a real archive"), 0o644)

	_, ok := p.tryIndex(archivePath, []string{"Movie.rar"})
	if ok {
		t.Error("expected a miss when no .r2i sidecar exists")
	}
}

func TestTryIndexRejectsBadMagic(t *testing.T) {
	p := New(nil)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "Movie.rar")
	os.WriteFile(archivePath, []byte("not a real archive"), 0o644)
	os.WriteFile(archivePath+".r2i", bytes.Repeat([]byte{0}, 20), 0o644)

	_, ok := p.tryIndex(archivePath, []string{"Movie.rar"})
	if ok {
		t.Error("expected a miss when the .r2i magic does not match")
	}
}

func TestWriteIndexThenStaleSizeIsRejected(t *testing.T) {
	p := New(nil)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "Movie.rar")
	os.WriteFile(archivePath, []byte("0123456789"), 0o644)

	p.writeIndex(archivePath, &Result{Volumes: []string{archivePath}})

	data, err := os.ReadFile(archivePath + ".r2i")
	if err != nil {
		t.Fatalf("expected .r2i to be written: %v", err)
	}
	if len(data) < 20 {
		t.Fatalf("index too short: %d bytes", len(data))
	}
	gotSize := int64(binary.LittleEndian.Uint64(data[4:12]))
	if gotSize != 10 {
		t.Errorf("recorded size = %d, want 10", gotSize)
	}

	// Growing the source file invalidates the sidecar.
	os.WriteFile(archivePath, []byte("0123456789extra"), 0o644)
	_, ok := p.tryIndex(archivePath, []string{archivePath})
	if ok {
		t.Error("expected the stale index to be rejected after the source changed")
	}
}

func TestTryIndexRoundTrip(t *testing.T) {
	p := New(nil)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "Movie.rar")
	os.WriteFile(archivePath, []byte("0123456789"), 0o644)

	e := &filecache.Entry{
		ArchivePath: archivePath,
		MemberName:  "movie.mkv",
		Method:      0x30,
		Stat:        filecache.Stat{Size: 1234, Mtime: time.Unix(1700000000, 0)},
	}
	e.AddFlags(filecache.FlagRaw | filecache.FlagVSizeResolved)
	e.Offset = 64
	e.VSizeFirst = 1234

	virtualPath := path.Join(archivePath, "movie.mkv")
	p.writeIndex(archivePath, &Result{
		Entries: map[string]*filecache.Entry{virtualPath: e},
		Volumes: []string{archivePath},
	})

	got, ok := p.tryIndex(archivePath, []string{archivePath})
	if !ok {
		t.Fatal("expected a hit after writeIndex")
	}
	gotEntry, ok := got.Entries[virtualPath]
	if !ok {
		t.Fatal("expected movie.mkv to round-trip through the index")
	}
	if gotEntry.Offset != 64 || gotEntry.VSizeFirst != 1234 {
		t.Errorf("geometry did not round-trip: offset=%d vsizeFirst=%d", gotEntry.Offset, gotEntry.VSizeFirst)
	}
	if !gotEntry.Flags().Has(filecache.FlagRaw) {
		t.Error("expected FlagRaw to round-trip")
	}
	if gotEntry.MemberName != "movie.mkv" || gotEntry.Stat.Size != 1234 {
		t.Errorf("member metadata did not round-trip: %+v", gotEntry)
	}
}

func TestTryIndexRejectsTruncatedRow(t *testing.T) {
	p := New(nil)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "Movie.rar")
	os.WriteFile(archivePath, []byte("0123456789"), 0o644)

	st, _ := os.Stat(archivePath)
	var hdr [20]byte
	copy(hdr[0:4], indexMagic[:])
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(st.Size()))
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(st.ModTime().Unix()))
	// A row claiming a name far longer than the bytes that follow.
	truncated := append(hdr[:], 0xFF, 0xFF)
	os.WriteFile(archivePath+".r2i", truncated, 0o644)

	_, ok := p.tryIndex(archivePath, []string{archivePath})
	if ok {
		t.Error("expected a truncated row to be treated as a miss")
	}
}

func TestDiscoverVolumesSingleFile(t *testing.T) {
	p := New(nil)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "Movie.rar")
	os.WriteFile(archivePath, []byte("x"), 0o644)

	vols, err := p.discoverVolumes(archivePath)
	if err != nil {
		t.Fatalf("discoverVolumes: %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("got %d volumes, want 1", len(vols))
	}
}
