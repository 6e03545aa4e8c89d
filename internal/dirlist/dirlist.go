// Package dirlist implements a per-directory listing cache, grounded on
// original_source/src/dirlist.c's linked-list of
// dir_entry_list_t nodes. Go has no need for the original's manual
// free-list management, so List is backed by a slice; the externally
// visible shape (ordered entries, Close()'s collision rules, Duplicate,
// Append) is preserved.
package dirlist

import "sort"

// EntryType classifies one directory entry for listing purposes.
type EntryType int

const (
	Regular EntryType = iota
	Directory
	Symlink
	Other
)

// Entry is one materialized row in a directory listing.
type Entry struct {
	Name string
	Type EntryType
	Size int64

	// Passthrough marks an entry that mirrors a real file on the source
	// filesystem rather than an archive member; Close gives these
	// priority over archive-derived duplicates with the same name.
	Passthrough bool

	hash uint64
}

// List is an open, appendable directory listing. A fresh List accepts Add
// calls; Close() sorts and dedups it in place, after which it is read-only.
type List struct {
	entries []Entry
	closed  bool
}

// NewList returns an empty, open List.
func NewList() *List {
	return &List{}
}

// Add appends one entry. Add after Close panics, mirroring the original's
// assumption that listings are never mutated once published.
func (l *List) Add(name string, typ EntryType, size int64, passthrough bool) {
	if l.closed {
		panic("dirlist: Add called on a closed List")
	}
	l.entries = append(l.entries, Entry{
		Name:        name,
		Type:        typ,
		Size:        size,
		Passthrough: passthrough,
		hash:        hashName(name),
	})
}

// hashName is a simple string hash (FNV-1a) used only to speed up duplicate
// detection in Close; it carries no cryptographic or cross-process meaning.
func hashName(s string) uint64 {
	const prime64 = 1099511628211
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// Close sorts the listing by name and collapses duplicate names, keeping
// the passthrough entry when one side of a collision is a passthrough and
// the other is an archive member.
// After Close, the List is immutable.
func (l *List) Close() {
	if l.closed {
		return
	}
	sort.SliceStable(l.entries, func(i, j int) bool {
		if l.entries[i].hash != l.entries[j].hash {
			return l.entries[i].hash < l.entries[j].hash
		}
		return l.entries[i].Name < l.entries[j].Name
	})

	deduped := l.entries[:0]
	for _, e := range l.entries {
		if n := len(deduped); n > 0 && deduped[n-1].Name == e.Name {
			if e.Passthrough && !deduped[n-1].Passthrough {
				deduped[n-1] = e
			}
			continue
		}
		deduped = append(deduped, e)
	}
	l.entries = deduped

	sort.Slice(l.entries, func(i, j int) bool { return l.entries[i].Name < l.entries[j].Name })
	l.closed = true
}

// Entries returns the closed listing's entries in name order. Calling it
// before Close is a programmer error and returns nil.
func (l *List) Entries() []Entry {
	if !l.closed {
		return nil
	}
	return l.entries
}

// Len reports the number of entries, open or closed.
func (l *List) Len() int { return len(l.entries) }

// Duplicate returns an independent open copy of l's current entries,
// usable as the starting point for a listing that overlays extra entries
// on top of another (directory-merge case for nested
// archives that share a virtual directory).
func (l *List) Duplicate() *List {
	out := &List{entries: make([]Entry, len(l.entries))}
	copy(out.entries, l.entries)
	return out
}

// Append merges other's entries into l. l must still be open.
func (l *List) Append(other *List) {
	if l.closed {
		panic("dirlist: Append called on a closed List")
	}
	l.entries = append(l.entries, other.entries...)
}
