package rawscan

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
)

// buildRAR4 assembles a minimal, synthetic RAR4 stream containing one
// file header with the given method byte and no data (PackedSize 0), sufficient to exercise
// the header walker without needing a real archiver.
func buildRAR4(name string, method byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("Rar!\x1A\x07\x00")

	var body bytes.Buffer
	body.Write(make([]byte, 4)) // PACK_SIZE = 0
	body.Write(make([]byte, 4)) // UNP_SIZE = 0
	body.WriteByte(0)           // HOST_OS
	body.Write(make([]byte, 4)) // FILE_CRC
	body.Write(make([]byte, 4)) // FTIME
	body.WriteByte(0)           // UNP_VER
	body.WriteByte(method)      // METHOD
	nameSize := make([]byte, 2)
	binary.LittleEndian.PutUint16(nameSize, uint16(len(name)))
	body.Write(nameSize)
	body.Write(make([]byte, 4)) // ATTR
	body.WriteString(name)

	headerLen := 7 + body.Len()

	buf.Write(make([]byte, 2)) // CRC16
	buf.WriteByte(0x74)        // type: file header
	buf.Write(make([]byte, 2)) // flags: no addsize, no salt
	sizeField := make([]byte, 2)
	binary.LittleEndian.PutUint16(sizeField, uint16(headerLen))
	buf.Write(sizeField)
	buf.Write(body.Bytes())

	return buf.Bytes()
}

func TestDetectFormatRAR4(t *testing.T) {
	data := buildRAR4("hello.txt", 0x30)
	format, offset, err := DetectFormat(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("DetectFormat: %v", err)
	}
	if format != RAR4 || offset != 0 {
		t.Errorf("got format=%v offset=%d, want RAR4 at 0", format, offset)
	}
}

func TestScanRAR4StoredMember(t *testing.T) {
	data := buildRAR4("hello.txt", 0x30)
	members, err := Scan(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}
	m := members[0]
	if m.Name != "hello.txt" {
		t.Errorf("Name = %q, want hello.txt", m.Name)
	}
	if !m.Stored {
		t.Error("expected Stored=true for method 0x30")
	}
	if !m.Last {
		t.Error("expected the only member to be marked Last")
	}
}

func TestScanRAR4CompressedMemberIsNotStored(t *testing.T) {
	data := buildRAR4("hello.txt", 0x33) // method 3: normal compression
	members, err := Scan(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}
	if members[0].Stored {
		t.Error("expected Stored=false for a compressed method")
	}
}

func TestScanRejectsUnknownSignature(t *testing.T) {
	_, err := Scan(bytes.NewReader([]byte("not a rar file at all, just plain bytes")), 0)
	if err != ErrNoSignature {
		t.Errorf("got err=%v, want ErrNoSignature", err)
	}
}
