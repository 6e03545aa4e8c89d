// Package rarconfig implements the per-source-directory ".rarconfig"
// override file, grounded on original_source/src/rarconfig.c's INI-style
// [path]/key=value parser and its hash-table-of-config_entry storage model.
//
// A Store holds one config_entry-equivalent per [section] header found in
// the file, keyed by the directory path the section names. Cross-directory
// alias moves are rejected: once a file is aliased under one directory,
// re-aliasing it under a different directory is a collision, not a move.
package rarconfig

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// entry mirrors struct config_entry from rarconfig.c, minus the wide-char
// password variant (Go strings are already UTF-8).
type entry struct {
	seekLength    int64
	seekLengthSet bool
	saveEOF       bool
	saveEOFSet    bool
	password      string
	passwordSet   bool
	aliases       map[string]string // file -> alias, first writer wins
}

// Store is the in-memory form of one parsed .rarconfig file, or of several
// merged from nested directories (a deeper file's sections override a
// shallower one's for the same path).
type Store struct {
	mu       sync.Mutex
	sections map[string]*entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{sections: make(map[string]*entry)}
}

// Load parses the .rarconfig file at path and merges its sections into s.
// A missing file is not an error: the absence of a .rarconfig means "no
// overrides", not a fault.
//
// A cross-process file lock (gofrs/flock, on path+".lock") is taken around
// the read when it is free; the attempt does not block, and when another
// process holds the lock the file is read without it. SetAlias only
// updates the in-memory Store and never writes the file.
func (s *Store) Load(path string) error {
	lock := flock.New(path + ".lock")
	if locked, err := lock.TryLock(); err == nil && locked {
		defer lock.Unlock()
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rarconfig: open %s: %w", path, err)
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parseLocked(f)
}

func (s *Store) parseLocked(f *os.File) error {
	scanner := bufio.NewScanner(f)
	var current *entry

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			current = s.sectionLocked(name)
			continue
		}
		if current == nil {
			continue // key=value before any [section] header is ignored
		}
		key, value, ok := splitKV(line)
		if !ok {
			continue
		}
		applyKey(current, key, value)
	}
	return scanner.Err()
}

func splitKV(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func applyKey(e *entry, key, value string) {
	switch strings.ToLower(key) {
	case "password":
		e.password = value
		e.passwordSet = true
	case "seek-length":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			e.seekLength = n
			e.seekLengthSet = true
		}
	case "save-eof":
		e.saveEOF = parseBool(value)
		e.saveEOFSet = true
	case "alias":
		file, alias, ok := strings.Cut(value, "=")
		if !ok {
			return
		}
		file, alias = strings.TrimSpace(file), strings.TrimSpace(alias)
		if e.aliases == nil {
			e.aliases = make(map[string]string)
		}
		if _, exists := e.aliases[file]; !exists {
			e.aliases[file] = alias
		}
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (s *Store) sectionLocked(path string) *entry {
	e, ok := s.sections[path]
	if !ok {
		e = &entry{}
		s.sections[path] = e
	}
	return e
}

// SeekLength returns the seek-length override for path, and whether one was
// ever set (rarconfig_getprop_int's RAR_SEEK_LENGTH_PROP).
func (s *Store) SeekLength(path string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sections[path]
	if !ok || !e.seekLengthSet {
		return 0, false
	}
	return e.seekLength, true
}

// SaveEOF returns the save-eof override for path, and whether one was ever
// set (rarconfig_getprop_int's RAR_SAVE_EOF_PROP).
func (s *Store) SaveEOF(path string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sections[path]
	if !ok || !e.saveEOFSet {
		return false, false
	}
	return e.saveEOF, true
}

// Password returns the password override for path (rarconfig_getprop_char's
// RAR_PASSWORD_PROP).
func (s *Store) Password(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sections[path]
	if !ok || !e.passwordSet {
		return "", false
	}
	return e.password, true
}

// Alias returns the alias recorded for file under path, if any
// (rarconfig_getalias).
func (s *Store) Alias(path, file string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sections[path]
	if !ok {
		return "", false
	}
	alias, ok := e.aliases[file]
	return alias, ok
}

// ErrAliasMoved is returned by SetAlias when file already has an alias
// recorded under a different path than the one requested, or a different
// alias recorded under the same path. The original
// rar2fs silently patched every existing alias string in place
// (__patch_alias) to follow a moved file; resolves this
// ambiguity by rejecting the rename instead, since silently rewriting
// unrelated cached paths under concurrent FUSE callbacks is unsafe without
// the caller also invalidating every cache entry derived from them.
var ErrAliasMoved = fmt.Errorf("rarconfig: alias already registered under a different directory")

// SetAlias records that file (named relative to path) should be presented
// under alias (rarconfig_setalias / __set_alias). The first alias set for a
// given file under a given path wins; later calls for the same (path,
// file) pair with a different alias are rejected.
func (s *Store) SetAlias(path, file, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, e := range s.sections {
		if p == path {
			continue
		}
		if existing, ok := e.aliases[file]; ok && existing != "" {
			return ErrAliasMoved
		}
	}

	e := s.sectionLocked(path)
	if e.aliases == nil {
		e.aliases = make(map[string]string)
	}
	if existing, ok := e.aliases[file]; ok && existing != alias {
		return ErrAliasMoved
	}
	e.aliases[file] = alias
	return nil
}
