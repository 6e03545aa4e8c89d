// Package rawscan walks RAR block headers well enough to report, for each
// archive member, whether its payload is stored (uncompressed, unencrypted)
// and if so where its bytes begin and how long they run. It never attempts
// to decompress anything; members that are not plain-stored are reported
// with Stored=false and left to the piped decode path.
//
// Grounded on other_examples/javi11-rarlist__rar_list.go's header-walking
// logic for RAR3/4 and RAR5, adapted so that one call to Scan reports the
// members of a single volume rather than building a full cross-volume index.
package rawscan

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	sigRAR4 = []byte("Rar!\x1A\x07\x00")
	sigRAR5 = []byte("Rar!\x1A\x07\x01\x00")
)

// Format identifies which RAR container version a volume uses.
type Format int

const (
	Unknown Format = iota
	RAR4
	RAR5
)

// Member describes one archive entry's position within a single volume
// file, matching the raw-read geometry fields a filename cache entry
// needs to serve it without invoking the decoder.
type Member struct {
	Name         string
	HeaderOffset int64
	DataOffset   int64
	PackedSize   int64
	UnpackedSize int64
	Stored       bool
	Encrypted    bool
	IsDir        bool
	Method       uint16
	Last         bool // final member: RAR5 at the end-of-archive block, RAR4 at end of stream
}

// ErrNoSignature is returned when the first 1KiB of the stream contains
// neither the RAR4 nor the RAR5 signature.
var ErrNoSignature = errors.New("rawscan: no RAR signature found")

// DetectFormat peeks the first 1KiB of r to classify its container version,
// returning the byte offset of the signature within that window.
func DetectFormat(r *bufio.Reader) (Format, int64, error) {
	buf, _ := r.Peek(1024)
	for i := 0; i+len(sigRAR5) <= len(buf); i++ {
		if string(buf[i:i+len(sigRAR5)]) == string(sigRAR5) {
			return RAR5, int64(i), nil
		}
	}
	for i := 0; i+len(sigRAR4) <= len(buf); i++ {
		if string(buf[i:i+len(sigRAR4)]) == string(sigRAR4) {
			return RAR4, int64(i), nil
		}
	}
	return Unknown, 0, ErrNoSignature
}

// Scan walks every member header in one volume file, in order. The reader
// must be positioned at the start of the volume; fileSize, if known (0 if
// not), lets the RAR5 walker stop cleanly at end of file instead of reading
// past a truncated volume.
func Scan(r io.Reader, fileSize int64) ([]Member, error) {
	br := bufio.NewReader(r)
	format, sigOffset, err := DetectFormat(br)
	if err != nil {
		return nil, err
	}
	if _, err := br.Discard(int(sigOffset)); err != nil {
		return nil, fmt.Errorf("rawscan: seeking to signature: %w", err)
	}

	switch format {
	case RAR4:
		return scanRAR4(br, sigOffset)
	case RAR5:
		return scanRAR5(br, sigOffset, fileSize)
	default:
		return nil, ErrNoSignature
	}
}

const rar4BlockTypeFile = 0x74

type rar4Header struct {
	Type    byte
	Flags   uint16
	Size    uint16
	AddSize uint32
}

func readRAR4Header(br *bufio.Reader) (rar4Header, error) {
	var raw [7]byte
	if _, err := io.ReadFull(br, raw[:]); err != nil {
		return rar4Header{}, err
	}
	h := rar4Header{
		Type:  raw[2],
		Flags: binary.LittleEndian.Uint16(raw[3:5]),
		Size:  binary.LittleEndian.Uint16(raw[5:7]),
	}
	if h.Flags&0x8000 != 0 {
		var add [4]byte
		if _, err := io.ReadFull(br, add[:]); err != nil {
			return rar4Header{}, err
		}
		h.AddSize = binary.LittleEndian.Uint32(add[:])
	}
	return h, nil
}

func scanRAR4(br *bufio.Reader, sigOffset int64) ([]Member, error) {
	if _, err := br.Discard(len(sigRAR4)); err != nil {
		return nil, err
	}
	pos := sigOffset + int64(len(sigRAR4))

	var members []Member
	for {
		hdrStart := pos
		h, err := readRAR4Header(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return members, err
		}
		headerBytes := int64(7)
		if h.Flags&0x8000 != 0 {
			headerBytes += 4
		}
		blockTotal := int64(h.Size)
		if h.Flags&0x8000 != 0 {
			blockTotal += int64(h.AddSize)
		}

		if h.Type != rar4BlockTypeFile {
			toSkip := blockTotal - headerBytes
			if toSkip > 0 {
				if _, err := br.Discard(int(toSkip)); err != nil {
					return members, err
				}
			}
			pos = hdrStart + blockTotal
			continue
		}

		m, consumed, err := readRAR4FileHeader(br, h, hdrStart, headerBytes)
		if err != nil {
			return members, err
		}
		members = append(members, m)

		toSkip := blockTotal - consumed
		if toSkip > 0 {
			if _, err := io.CopyN(io.Discard, br, toSkip); err != nil {
				return members, err
			}
		}
		pos = hdrStart + blockTotal + m.PackedSize
	}
	if len(members) > 0 {
		members[len(members)-1].Last = true
	}
	return members, nil
}

// readRAR4FileHeader reads the fixed 25-byte file-header body, the name
// field, and the optional 8-byte salt, returning the total header length
// from hdrStart, including the block header readRAR4Header already read.
func readRAR4FileHeader(br *bufio.Reader, h rar4Header, hdrStart, headerBytes int64) (Member, int64, error) {
	var fixed [25]byte
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return Member{}, 0, err
	}
	packSize := binary.LittleEndian.Uint32(fixed[0:4])
	unpSize := binary.LittleEndian.Uint32(fixed[4:8])
	method := fixed[18]
	nameSize := binary.LittleEndian.Uint16(fixed[19:21])
	attr := binary.LittleEndian.Uint32(fixed[21:25])

	nameBytes := make([]byte, nameSize)
	if _, err := io.ReadFull(br, nameBytes); err != nil {
		return Member{}, 0, err
	}

	consumed := headerBytes + 25 + int64(nameSize)
	encrypted := h.Flags&0x0400 != 0
	if encrypted {
		if _, err := br.Discard(8); err != nil {
			return Member{}, 0, err
		}
		consumed += 8
	}

	const dirAttrBit = 0x10
	m := Member{
		Name:         string(nameBytes),
		HeaderOffset: hdrStart,
		DataOffset:   hdrStart + consumed,
		PackedSize:   int64(packSize),
		UnpackedSize: int64(unpSize),
		Stored:       method == 0x30 && !encrypted,
		Encrypted:    encrypted,
		IsDir:        attr&dirAttrBit != 0,
		Method:       uint16(method),
	}
	return m, consumed, nil
}

func scanRAR5(br *bufio.Reader, sigOffset, fileSize int64) ([]Member, error) {
	if _, err := br.Discard(8); err != nil {
		return nil, err
	}
	pos := sigOffset + 8

	var members []Member
	for {
		if fileSize > 0 && pos >= fileSize {
			break
		}
		hdrStart := pos
		var crc [4]byte
		if _, err := io.ReadFull(br, crc[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return members, err
		}
		pos += 4

		headSize, headSizeLen, err := readVarint(br)
		if err != nil {
			return members, err
		}
		pos += headSizeLen
		if headSize == 0 || headSize > 2<<20 {
			break
		}
		headData := make([]byte, headSize)
		if _, err := io.ReadFull(br, headData); err != nil {
			return members, err
		}
		pos += int64(headSize)

		cur := 0
		readVar := func() (uint64, error) {
			v, n, err := readVarintFromSlice(headData[cur:])
			if err != nil {
				return 0, err
			}
			cur += int(n)
			return v, nil
		}
		blockType, err := readVar()
		if err != nil {
			return members, err
		}
		flags, err := readVar()
		if err != nil {
			return members, err
		}
		var extraAreaSize, dataSize uint64
		if flags&0x0001 != 0 {
			if extraAreaSize, err = readVar(); err != nil {
				return members, err
			}
		}
		if flags&0x0002 != 0 {
			if dataSize, err = readVar(); err != nil {
				return members, err
			}
		}
		blockSpecificEnd := int(headSize)
		if extraAreaSize > 0 {
			blockSpecificEnd -= int(extraAreaSize)
		}
		headerBytes := 4 + headSizeLen + int64(headSize)
		dataOffset := hdrStart + headerBytes

		if blockType == 2 && blockSpecificEnd >= cur {
			m, err := parseRAR5FileFields(headData[cur:blockSpecificEnd], hdrStart, dataOffset, int64(dataSize))
			if err == nil {
				members = append(members, m)
			}
		}
		if blockType == 5 {
			if len(members) > 0 {
				members[len(members)-1].Last = true
			}
			break
		}
		pos = dataOffset + int64(dataSize)
		if dataSize > 0 {
			if _, err := io.CopyN(io.Discard, br, int64(dataSize)); err != nil {
				return members, err
			}
		}
	}
	return members, nil
}

func parseRAR5FileFields(bs []byte, hdrStart, dataOffset, dataSize int64) (Member, error) {
	cur := 0
	readVar := func() (uint64, error) {
		v, n, err := readVarintFromSlice(bs[cur:])
		if err != nil {
			return 0, err
		}
		cur += int(n)
		return v, nil
	}

	fileFlags, err := readVar()
	if err != nil {
		return Member{}, err
	}
	unpSize, err := readVar()
	if err != nil {
		return Member{}, err
	}
	if _, err := readVar(); err != nil { // attributes
		return Member{}, err
	}
	if fileFlags&0x0002 != 0 { // mtime
		if len(bs)-cur < 4 {
			return Member{}, io.ErrUnexpectedEOF
		}
		cur += 4
	}
	if fileFlags&0x0004 != 0 { // crc32
		if len(bs)-cur < 4 {
			return Member{}, io.ErrUnexpectedEOF
		}
		cur += 4
	}
	compInfo, err := readVar()
	if err != nil {
		return Member{}, err
	}
	if _, err := readVar(); err != nil { // host OS
		return Member{}, err
	}
	nameLen, err := readVar()
	if err != nil {
		return Member{}, err
	}
	if nameLen == 0 || int(nameLen) > len(bs)-cur {
		return Member{}, fmt.Errorf("rawscan: bad name length %d", nameLen)
	}
	name := string(bs[cur : cur+int(nameLen)])

	const dirFlagBit = 0x0001
	return Member{
		Name:         name,
		HeaderOffset: hdrStart,
		DataOffset:   dataOffset,
		PackedSize:   dataSize,
		UnpackedSize: int64(unpSize),
		Stored:       compInfo&0x3F == 0, // low 6 bits carry the compression method; 0 == stored
		IsDir:        fileFlags&dirFlagBit != 0,
		Method:       uint16(compInfo & 0x3F),
	}, nil
}

func readVarint(br *bufio.Reader) (uint64, int64, error) {
	var val uint64
	var n int64
	for i := 0; i < 10; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return 0, n, err
		}
		val |= uint64(b&0x7F) << (7 * i)
		n++
		if b&0x80 == 0 {
			return val, n, nil
		}
	}
	return 0, n, errors.New("rawscan: varint too long")
}

func readVarintFromSlice(b []byte) (uint64, int64, error) {
	var val uint64
	var n int64
	for i := 0; i < len(b) && i < 10; i++ {
		c := b[i]
		val |= uint64(c&0x7F) << (7 * i)
		n++
		if c&0x80 == 0 {
			return val, n, nil
		}
	}
	if n == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	return 0, n, errors.New("rawscan: varint truncated")
}
