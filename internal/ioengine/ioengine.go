// Package ioengine implements two read strategies: a RawReader that serves
// stored, unencrypted members directly from the volume files at
// precomputed offsets, and a PipedReader that streams a member through the
// RAR decoder for anything RawReader cannot serve.
//
// Both readers are built around the same idea internal/rarfs's original
// RarFileHandle.ReadAt/extractFileRange pair used: translate a logical
// byte range within one archive member into operations against the
// underlying volume file(s) or decoder stream. RawReader specializes that
// translation for the no-decompression case; PipedReader generalizes it
// with a producer goroutine so concurrent reads against the same handle
// don't each restart decoding from byte zero.
package ioengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nwaples/rardecode/v2"
	"golang.org/x/sys/unix"
)

// VolumePart describes where one member's bytes live within a single
// volume file, the unit RawReader's geometry table is built from.
type VolumePart struct {
	Path   string // volume file path
	Offset int64  // byte offset within that volume where this part begins
	Length int64  // length of this part
}

// RawReader serves a stored member's bytes directly from one or more
// volume files, never invoking the RAR decoder.
type RawReader struct {
	parts    []VolumePart
	size     int64
	directIO bool

	mu   sync.Mutex
	file *os.File
	part int // index into parts of the currently open file
}

// NewRawReader returns a RawReader over parts, whose Lengths must sum to
// size. directIO requests O_DIRECT on the underlying file opens, bypassing
// the page cache for large sequential reads.
func NewRawReader(parts []VolumePart, size int64, directIO bool) *RawReader {
	return &RawReader{parts: parts, size: size, directIO: directIO, part: -1}
}

// ReadAt implements io.ReaderAt, translating [off, off+len(p)) into one or
// more positional reads against the volume file(s) that hold it, crossing
// volume boundaries transparently and looping on short reads the way a
// direct-io read against a block device sometimes requires.
func (r *RawReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= r.size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > r.size {
		p = p[:r.size-off]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for total < len(p) {
		partIdx, partOff, err := r.locate(off + int64(total))
		if err != nil {
			return total, err
		}
		if err := r.openPart(partIdx); err != nil {
			return total, err
		}
		remaining := r.parts[partIdx].Length - partOff
		want := int64(len(p) - total)
		if want > remaining {
			want = remaining
		}
		for want > 0 {
			n, err := r.file.ReadAt(p[total:int64(total)+want], r.parts[partIdx].Offset+partOff)
			if n > 0 {
				total += n
				partOff += int64(n)
				want -= int64(n)
			}
			if err != nil {
				if err == io.EOF && n > 0 {
					continue // short read mid-volume; keep looping
				}
				return total, err
			}
			if n == 0 {
				return total, io.ErrNoProgress
			}
		}
	}
	return total, nil
}

func (r *RawReader) locate(off int64) (partIdx int, partOff int64, err error) {
	base := int64(0)
	for i, part := range r.parts {
		if off < base+part.Length {
			return i, off - base, nil
		}
		base += part.Length
	}
	return 0, 0, io.EOF
}

func (r *RawReader) openPart(idx int) error {
	if r.part == idx && r.file != nil {
		return nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	flags := os.O_RDONLY
	if r.directIO {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(r.parts[idx].Path, flags, 0)
	if err != nil && r.directIO {
		// O_DIRECT has alignment requirements many filesystems or loop
		// devices don't meet; fall back rather than fail the read outright.
		f, err = os.OpenFile(r.parts[idx].Path, os.O_RDONLY, 0)
	}
	if err != nil {
		return fmt.Errorf("ioengine: opening volume %s: %w", r.parts[idx].Path, err)
	}
	r.file = f
	r.part = idx
	return nil
}

// Close releases the currently open volume file, if any.
func (r *RawReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.part = -1
		return err
	}
	return nil
}

// State is the explicit lifecycle a PipedReader's producer goroutine moves
// through, guarded by the reader's own mutex (never the process-wide
// filecache/dirlist lock: a long-running extraction must not block
// unrelated lookups).
type State int

const (
	StateInit State = iota
	StateStreaming
	StateDraining
	StateRestarting
	StateReleased
	StatePoisoned
)

// PipedReader streams a compressed or encrypted member through the RAR
// decoder via a producer goroutine, serving reads from a bounded ring
// buffer so a reader doing small sequential reads doesn't pay a decoder
// restart per read(2) call.
type PipedReader struct {
	openArchive func() (*rardecode.ReadCloser, error)
	memberName  string
	memberSize  int64
	seekLength  int64
	saveEOF     bool

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	buf      []byte
	bufStart int64 // logical offset of buf[0] within the member
	produced int64 // total bytes decoded past the member's start so far
	cancel   context.CancelFunc
	err      error

	restarts int
}

// NewPipedReader returns a PipedReader for memberName inside the archive
// openArchive opens. memberSize is the member's declared uncompressed size,
// used only by the save-eof check; passing 0 disables the check. seekLength
// bounds how far past the buffered window a read may start and still be
// served by draining the existing stream rather than restarting it.
// saveEOF makes the producer, once it reaches the member's end, compare the
// number of bytes it decoded against memberSize and poison the reader on a
// mismatch, catching a truncated or corrupt stream.
func NewPipedReader(openArchive func() (*rardecode.ReadCloser, error), memberName string, seekLength int64, saveEOF bool, memberSize int64) *PipedReader {
	pr := &PipedReader{
		openArchive: openArchive,
		memberName:  memberName,
		memberSize:  memberSize,
		seekLength:  seekLength,
		saveEOF:     saveEOF,
		state:       StateInit,
	}
	pr.cond = sync.NewCond(&pr.mu)
	return pr
}

const ringBufferCap = 4 << 20 // 4MiB, matching the default seek-length window

// ReadAt serves [off, off+len(p)) by growing the ring buffer forward from
// the producer, or by restarting the producer when off falls before the
// buffered window or further ahead than seekLength allows to drain to.
func (pr *PipedReader) ReadAt(p []byte, off int64) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.state == StateReleased {
		return 0, errors.New("ioengine: read on a released PipedReader")
	}
	if pr.state == StatePoisoned {
		return 0, pr.err
	}

	if pr.state == StateInit {
		if err := pr.startLocked(0); err != nil {
			pr.state = StatePoisoned
			pr.err = err
			return 0, err
		}
	} else if off < pr.bufStart || off-(pr.bufStart+int64(len(pr.buf))) > pr.seekLength {
		// Either a backward seek, or a forward seek too far to drain
		// cheaply: cancel the current producer and restart it positioned
		// at off.
		pr.stopLocked()
		if err := pr.startLocked(off); err != nil {
			pr.state = StatePoisoned
			pr.err = err
			return 0, err
		}
		pr.restarts++
	}

	for off+int64(len(p)) > pr.bufStart+int64(len(pr.buf)) && pr.state == StateStreaming {
		pr.cond.Wait()
	}
	if pr.state == StatePoisoned {
		return 0, pr.err
	}

	relStart := off - pr.bufStart
	if relStart < 0 {
		return 0, errors.New("ioengine: internal error, read start before buffered window")
	}
	available := int64(len(pr.buf)) - relStart
	if available <= 0 {
		return 0, io.EOF
	}
	n := int64(len(p))
	if n > available {
		n = available
	}
	copy(p, pr.buf[relStart:relStart+n])
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// startLocked spawns a producer goroutine positioned to begin emitting
// bytes at or before skipTo, discarding everything up to skipTo itself
// (there is no way to seek a compressed stream; the decoder must still walk
// every byte before skipTo, it just never copies them out).
func (pr *PipedReader) startLocked(skipTo int64) error {
	rc, err := pr.openArchive()
	if err != nil {
		return err
	}
	var member io.Reader
	for {
		hdr, err := rc.Next()
		if err == io.EOF {
			rc.Close()
			return fmt.Errorf("ioengine: member %q not found", pr.memberName)
		}
		if err != nil {
			rc.Close()
			return err
		}
		if hdr.Name == pr.memberName {
			member = rc
			break
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr.cancel = cancel
	pr.buf = nil
	pr.bufStart = skipTo
	pr.produced = skipTo
	pr.state = StateStreaming

	go pr.produce(ctx, rc, member, skipTo)
	return nil
}

func (pr *PipedReader) produce(ctx context.Context, rc *rardecode.ReadCloser, member io.Reader, skipTo int64) {
	defer rc.Close()

	if skipTo > 0 {
		if _, err := io.CopyN(io.Discard, member, skipTo); err != nil {
			pr.mu.Lock()
			pr.state = StatePoisoned
			pr.err = fmt.Errorf("ioengine: skipping to offset %d: %w", skipTo, err)
			pr.cond.Broadcast()
			pr.mu.Unlock()
			return
		}
	}

	chunk := make([]byte, 256*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := member.Read(chunk)
		if n > 0 {
			pr.mu.Lock()
			pr.produced += int64(n)
			pr.buf = append(pr.buf, chunk[:n]...)
			if len(pr.buf) > ringBufferCap {
				drop := len(pr.buf) - ringBufferCap
				pr.buf = pr.buf[drop:]
				pr.bufStart += int64(drop)
			}
			pr.cond.Broadcast()
			pr.mu.Unlock()
		}
		if err != nil {
			pr.mu.Lock()
			switch {
			case err != io.EOF:
				pr.state = StatePoisoned
				pr.err = err
			case pr.saveEOF && pr.memberSize > 0 && pr.produced != pr.memberSize:
				pr.state = StatePoisoned
				pr.err = fmt.Errorf("ioengine: member %q decoded %d bytes, expected %d", pr.memberName, pr.produced, pr.memberSize)
			default:
				pr.state = StateDraining
			}
			pr.cond.Broadcast()
			pr.mu.Unlock()
			return
		}
	}
}

func (pr *PipedReader) stopLocked() {
	if pr.cancel != nil {
		pr.cancel()
		pr.cancel = nil
	}
	pr.state = StateRestarting
}

// Release tears down the producer, if any, and marks the reader unusable.
func (pr *PipedReader) Release() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.cancel != nil {
		pr.cancel()
		pr.cancel = nil
	}
	pr.state = StateReleased
	pr.cond.Broadcast()
}

// Restarts reports how many times the producer has been cancelled and
// respawned for this handle, for diagnostics.
func (pr *PipedReader) Restarts() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.restarts
}
