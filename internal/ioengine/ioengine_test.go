package ioengine

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeVolume(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestRawReaderSingleVolume(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("the quick brown fox jumps over the lazy dog")
	volPath := writeVolume(t, dir, "vol.rar", append([]byte("HEADERBYTES"), payload...))

	r := NewRawReader([]VolumePart{{Path: volPath, Offset: 11, Length: int64(len(payload))}}, int64(len(payload)), false)
	defer r.Close()

	got := make([]byte, len(payload))
	n, err := r.ReadAt(got, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(payload) || !bytes.Equal(got, payload) {
		t.Errorf("got %q (%d bytes), want %q", got[:n], n, payload)
	}
}

func TestRawReaderPartialRead(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("0123456789")
	volPath := writeVolume(t, dir, "vol.rar", payload)

	r := NewRawReader([]VolumePart{{Path: volPath, Offset: 0, Length: int64(len(payload))}}, int64(len(payload)), false)
	defer r.Close()

	got := make([]byte, 4)
	n, err := r.ReadAt(got, 3)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 4 || string(got) != "3456" {
		t.Errorf("got %q, want 3456", got[:n])
	}
}

func TestRawReaderCrossesVolumeBoundary(t *testing.T) {
	dir := t.TempDir()
	vol1 := writeVolume(t, dir, "vol1.rar", []byte("AAAA"))
	vol2 := writeVolume(t, dir, "vol2.rar", []byte("BBBB"))

	parts := []VolumePart{
		{Path: vol1, Offset: 0, Length: 4},
		{Path: vol2, Offset: 0, Length: 4},
	}
	r := NewRawReader(parts, 8, false)
	defer r.Close()

	got := make([]byte, 8)
	n, err := r.ReadAt(got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 8 || string(got) != "AAAABBBB" {
		t.Errorf("got %q, want AAAABBBB", got[:n])
	}
}

func TestRawReaderReadPastEndReturnsEOF(t *testing.T) {
	dir := t.TempDir()
	volPath := writeVolume(t, dir, "vol.rar", []byte("hi"))
	r := NewRawReader([]VolumePart{{Path: volPath, Offset: 0, Length: 2}}, 2, false)
	defer r.Close()

	_, err := r.ReadAt(make([]byte, 1), 2)
	if err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestPipedReaderStateAfterRelease(t *testing.T) {
	pr := NewPipedReader(nil, "member.txt", 4<<20, false, 0)
	pr.Release()
	if _, err := pr.ReadAt(make([]byte, 1), 0); err == nil {
		t.Error("expected an error reading from a released PipedReader")
	}
}
