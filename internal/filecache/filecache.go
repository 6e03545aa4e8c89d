// Package filecache implements the process-wide mapping from virtual path
// to archive-backed metadata, grounded on
// original_source/src/filecache.h's filecache_entry/LOCAL_FS_ENTRY/
// LOOP_FS_ENTRY design.
//
// Table itself performs no locking: callers share a single process-wide
// reader/writer lock that must be held across Get, Alloc and
// Invalidate, and across any dereference of a borrowed *Entry returned by
// Get. A caller that wants to use an entry after releasing the lock must
// call Clone first.
package filecache

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Flag bits, packed into a single word the way
// original_source/src/filecache.h's bitfield union does. Kept as named bool
// bits on a uint32 rather than a direct port of the C bitfield.
type Flag uint32

const (
	FlagRaw               Flag = 1 << iota // member is stored; readable without the decoder
	FlagMultipart                          // member spans more than one volume
	FlagForceDir                          // empty payload whose name ends in a separator
	FlagVSizeFixupNeeded                   // geometry recorded but not yet resolved
	FlagEncrypted
	FlagVSizeResolved
	FlagUnresolved // placeholder record created by a lookup miss, not yet probed
	FlagDryRunDone
	FlagCheckAtime
	FlagDirectIO // bypass the kernel page cache on open
	FlagAVITested
	FlagSaveEOF
	FlagDetectionDeferred // archive-nature not yet determined
	FlagIsNestedRAR
)

// Has reports whether all bits in mask are set.
func (f Flag) Has(mask Flag) bool { return f&mask == mask }

// Stat is the POSIX-style subset of stat(2) fields a virtual entry needs.
type Stat struct {
	Mode  os.FileMode
	Size  int64
	Mtime time.Time
	Uid   uint32
	Gid   uint32
	Nlink uint32
}

// Entry is the canonical metadata record for one virtual path.
type Entry struct {
	ArchivePath string
	MemberName  string
	LinkTarget  string

	Stat   Stat
	Method uint16 // compression method identifier, exposed via getxattr(user.method)

	// Raw-read geometry; valid only once FlagVSizeResolved is set.
	Offset         int64
	VSizeFirst     int64
	VSizeNext      int64
	VSizeRealFirst int64
	VSizeRealNext  int64
	VNoBase        int16
	VNoFirst       int16
	VLen           int16
	VPos           int16
	VType          int16

	// flagBits holds the packed flag word. It is accessed exclusively
	// through Flags/SetFlags/AddFlags/ClearFlags so a reader racing a
	// concurrent flag update (e.g. the prober resolving geometry while a
	// FUSE callback checks FlagRaw) always sees a whole, consistent word
	// rather than a partially applied OR under the process-wide lock.
	flagBits atomic.Uint32

	// Nested-unpacking metadata.
	NestedDepth     int
	HideFromListing bool
	ParentArchive   string
}

// Flags returns a consistent snapshot of the packed flag bits.
func (e *Entry) Flags() Flag { return Flag(e.flagBits.Load()) }

// SetFlags overwrites the packed flag bits.
func (e *Entry) SetFlags(f Flag) { e.flagBits.Store(uint32(f)) }

// AddFlags atomically sets the bits in f, leaving any other bit untouched.
func (e *Entry) AddFlags(f Flag) { e.flagBits.Or(uint32(f)) }

// ClearFlags atomically clears the bits in f, leaving any other bit
// untouched.
func (e *Entry) ClearFlags(f Flag) { e.flagBits.And(^uint32(f)) }

// Clone returns a deep copy owned by the caller, safe to use after the
// caller drops the process-wide lock.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := &Entry{}
	CopyInto(c, e)
	return c
}

// CopyInto deep-copies src's fields into dst, reusing dst's storage. This is
// the Go analogue of filecache_copy: it never reduces to a pointer alias.
// Fields are copied one at a time, rather than with a whole-struct
// assignment, because Entry embeds an atomic.Uint32: flagBits is
// transferred with Load/Store instead.
func CopyInto(dst, src *Entry) {
	dst.ArchivePath = src.ArchivePath
	dst.MemberName = src.MemberName
	dst.LinkTarget = src.LinkTarget
	dst.Stat = src.Stat
	dst.Method = src.Method
	dst.Offset = src.Offset
	dst.VSizeFirst = src.VSizeFirst
	dst.VSizeNext = src.VSizeNext
	dst.VSizeRealFirst = src.VSizeRealFirst
	dst.VSizeRealNext = src.VSizeRealNext
	dst.VNoBase = src.VNoBase
	dst.VNoFirst = src.VNoFirst
	dst.VLen = src.VLen
	dst.VPos = src.VPos
	dst.VType = src.VType
	dst.flagBits.Store(src.flagBits.Load())
	dst.NestedDepth = src.NestedDepth
	dst.HideFromListing = src.HideFromListing
	dst.ParentArchive = src.ParentArchive
}

// LocalFS and LoopFS are distinguished *Entry values compared by identity,
// never dereferenced as real records. They replace the record pointer in a
// lookup result to mean, respectively, "this path is a passthrough to the
// source root" and "this path is known to be a dead loop/invalid"
// (LOCAL_FS_ENTRY and LOOP_FS_ENTRY in filecache.h).
var (
	LocalFS = &Entry{ArchivePath: "<local-fs-sentinel>"}
	LoopFS  = &Entry{ArchivePath: "<loop-fs-sentinel>"}
)

// Table is a fixed-bucket open-chaining hash table keyed by canonical
// virtual path, hashed with xxhash (a non-cryptographic but fast hash
// well suited to a table rebuilt on every mount).
type Table struct {
	buckets []bucket
	mask    uint64
}

type bucket struct {
	entries map[string]*Entry
}

// DefaultBuckets is the fixed bucket count. Chosen as a power of two so the
// hash-to-bucket reduction is a mask, not a modulo.
const DefaultBuckets = 1024

// New returns an empty Table with DefaultBuckets buckets.
func New() *Table {
	return NewSized(DefaultBuckets)
}

// NewSized returns an empty Table; n is rounded up to the next power of two.
func NewSized(n int) *Table {
	size := 1
	for size < n {
		size <<= 1
	}
	t := &Table{
		buckets: make([]bucket, size),
		mask:    uint64(size - 1),
	}
	for i := range t.buckets {
		t.buckets[i].entries = make(map[string]*Entry)
	}
	return t
}

func (t *Table) bucketFor(path string) *bucket {
	h := xxhash.Sum64String(path)
	return &t.buckets[h&t.mask]
}

// Alloc returns a zeroed record for path, overwriting (and discarding) any
// prior entry for the same path.
func (t *Table) Alloc(path string) *Entry {
	b := t.bucketFor(path)
	e := &Entry{}
	b.entries[path] = e
	return e
}

// Put installs e as the record for path, overwriting any prior entry.
func (t *Table) Put(path string, e *Entry) {
	b := t.bucketFor(path)
	b.entries[path] = e
}

// Get returns the borrowed record for path, LocalFS, LoopFS, or (nil, false)
// if nothing is cached for path yet.
func (t *Table) Get(path string) (*Entry, bool) {
	b := t.bucketFor(path)
	e, ok := b.entries[path]
	return e, ok
}

// Invalidate drops the record for path, if any.
func (t *Table) Invalidate(path string) {
	b := t.bucketFor(path)
	delete(b.entries, path)
}

// InvalidateSubtree drops every record whose path is prefix or a descendant
// of prefix (used by the fsnotify-driven invalidation in internal/rarfs).
func (t *Table) InvalidateSubtree(prefix string) {
	for i := range t.buckets {
		b := &t.buckets[i]
		for p := range b.entries {
			if p == prefix || isUnderDir(p, prefix) {
				delete(b.entries, p)
			}
		}
	}
}

func isUnderDir(path, dir string) bool {
	if dir == "" {
		return true
	}
	if len(path) <= len(dir) {
		return false
	}
	return path[:len(dir)] == dir && path[len(dir)] == '/'
}

// Len reports the number of cached entries, for diagnostics and tests.
func (t *Table) Len() int {
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].entries)
	}
	return n
}
