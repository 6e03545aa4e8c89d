// Package options provides the typed key/value registry read by every other
// roarfs component. Values are populated once at startup from CLI flags
// (and, for per-archive overrides, from internal/rarconfig) before the FUSE
// callbacks are registered; after that, the registry is read-only.
package options

import "sync"

// Registry holds the recognized option groups: I/O tuning, threading,
// feature toggles and presentation. Each slot tracks
// whether it was explicitly set so callers can distinguish "default" from
// "set to the default value".
type Registry struct {
	mu sync.RWMutex

	ints    map[string]int64
	strs    map[string]string
	bools   map[string]bool
	setInts map[string]bool
	setStrs map[string]bool
	setBool map[string]bool

	fuseOpts []string
}

// New returns a Registry populated with the documented defaults.
func New() *Registry {
	r := &Registry{
		ints:    make(map[string]int64),
		strs:    make(map[string]string),
		bools:   make(map[string]bool),
		setInts: make(map[string]bool),
		setStrs: make(map[string]bool),
		setBool: make(map[string]bool),
	}
	r.ints[KeySeekLength] = 4 << 20 // 4MiB default seek-length window
	r.ints[KeyRecursionDepth] = DefaultRecursionDepth
	r.ints[KeyMaxUnpackSize] = DefaultMaxUnpackSize
	r.ints[KeyWorkers] = 0 // 0 == let the runtime decide
	r.bools[KeyFakeInode] = true
	return r
}

// Recognized option keys.
const (
	KeySeekLength     = "seek-length"
	KeySaveEOF        = "save-eof"
	KeyDirectIO       = "direct-io"
	KeyFlatOnly       = "flat-only"
	KeyNoIdxMmap      = "no-idx-mmap"
	KeyWorkers        = "workers"
	KeyRecursive      = "recursive"
	KeyRecursionDepth = "recursion-depth"
	KeyMaxUnpackSize  = "max-unpack-size"
	KeySource         = "source"
	KeyFakeInode      = "fake-inode"
	KeyAllowOther     = "allow-other"
)

// DefaultRecursionDepth and DefaultMaxUnpackSize mirror
// original_source/src/recursion.h's DEFAULT_MAX_RECURSION_DEPTH (5) and the
// 10GiB default cumulative unpack cap.
const (
	DefaultRecursionDepth = 5
	MaxRecursionDepth     = 10
	DefaultMaxUnpackSize  = 10 * 1024 * 1024 * 1024
)

// SetInt stores an integer-valued option.
func (r *Registry) SetInt(key string, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ints[key] = v
	r.setInts[key] = true
}

// GetInt returns an integer-valued option and whether it was ever set
// (explicitly or via New's defaults).
func (r *Registry) GetInt(key string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.ints[key]
	return v, ok
}

// IsSet reports whether key was explicitly assigned (as opposed to only
// carrying the zero value because nothing ever touched it).
func (r *Registry) IsSet(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.setInts[key] || r.setStrs[key] || r.setBool[key]
}

// SetString stores a string-valued option.
func (r *Registry) SetString(key, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strs[key] = v
	r.setStrs[key] = true
}

// GetString returns a string-valued option.
func (r *Registry) GetString(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.strs[key]
	return v, ok
}

// SetBool stores a bool-as-int option.
func (r *Registry) SetBool(key string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bools[key] = v
	r.setBool[key] = true
}

// GetBool returns a bool-as-int option.
func (r *Registry) GetBool(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bools[key]
}

// AddFuseOpt records one `--fuse-*` passthrough option verbatim, forwarded
// to the filesystem bridge at mount time.
func (r *Registry) AddFuseOpt(opt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fuseOpts = append(r.fuseOpts, opt)
}

// FuseOpts returns a copy of the recorded `--fuse-*` passthrough options.
func (r *Registry) FuseOpts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.fuseOpts))
	copy(out, r.fuseOpts)
	return out
}
