// Package volume resolves the on-disk file names that make up a (possibly
// multi-volume) RAR archive, grounded on the volume-naming recognition in
// other_examples/javi11-rarlist__rar_list.go.
package volume

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Scheme identifies how an archive's volume set is named on disk.
type Scheme int

const (
	// Single means the archive is not split: one ".rar" file holds
	// everything.
	Single Scheme = iota
	// OldStyle is the ".rar", ".r00", ".r01", ... / ".s00" naming used by
	// RAR versions before 3.0.
	OldStyle
	// NewStyle is the ".partNNN.rar" naming used by RAR 3.0 and later,
	// with a variable, archive-chosen digit width.
	NewStyle
)

// MaxVolumes bounds how many volumes resolution will walk before giving up,
//.5's hard iteration cap.
const MaxVolumes = 1000

var (
	newStyleRE = regexp.MustCompile(`^(.*)\.part(\d+)\.rar$`)
	oldFirstRE = regexp.MustCompile(`^(.*)\.rar$`)
	oldNextRE  = regexp.MustCompile(`^(.*)\.([rs])(\d{2,})$`)
)

// Info describes a detected volume set: the scheme, the common base name,
// the digit width for NewStyle sets, and the 0- or 1-based index of the
// probed file within its set.
type Info struct {
	Scheme    Scheme
	Base      string
	Width     int
	Index     int
}

// Detect classifies name (a base name, not a full path) and reports whether
// it looks like a volume of a RAR archive at all.
func Detect(name string) (Info, bool) {
	if m := newStyleRE.FindStringSubmatch(name); m != nil {
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			return Info{}, false
		}
		return Info{Scheme: NewStyle, Base: m[1], Width: len(m[2]), Index: idx}, true
	}
	if m := oldNextRE.FindStringSubmatch(name); m != nil {
		idx, err := strconv.Atoi(m[3])
		if err != nil {
			return Info{}, false
		}
		// Old-style numbering starts the second volume at r00, meaning
		// "part 1" of the continuation set; the first volume is the
		// bare .rar file, so shift by one to get a 0-based volume index.
		return Info{Scheme: OldStyle, Base: m[1], Width: len(m[3]), Index: idx + 1}, true
	}
	if m := oldFirstRE.FindStringSubmatch(name); m != nil {
		return Info{Scheme: OldStyle, Base: m[1], Width: 2, Index: 0}, true
	}
	return Info{}, false
}

// VolumePath returns the on-disk base name of the k'th volume (0-based) of
// the set info belongs to.
func (info Info) VolumePath(k int) string {
	switch info.Scheme {
	case Single:
		return info.Base + ".rar"
	case NewStyle:
		return fmt.Sprintf("%s.part%0*d.rar", info.Base, info.Width, k+1)
	case OldStyle:
		if k == 0 {
			return info.Base + ".rar"
		}
		return fmt.Sprintf("%s.r%02d", info.Base, k-1)
	default:
		return info.Base
	}
}

// IsFirstVolume reports whether name is the volume that a probe should
// start scanning from (part 1 for new-style, the bare .rar for old-style
// and single-volume archives).
func IsFirstVolume(name string) bool {
	info, ok := Detect(name)
	if !ok {
		return false
	}
	switch info.Scheme {
	case NewStyle:
		return info.Index == 1
	case OldStyle, Single:
		return info.Index == 0
	}
	return false
}

// Enumerate walks forward from the first volume, calling exists(path) for
// each candidate base name until exists returns false. It returns the base
// names (not full paths) of every volume that exists, in order; a walk that
// reaches MaxVolumes volumes is reported as an error instead.
func Enumerate(first string, exists func(string) bool) ([]string, error) {
	info, ok := Detect(first)
	if !ok {
		return nil, fmt.Errorf("volume: %q does not look like a RAR volume", first)
	}
	if !IsFirstVolume(first) {
		return nil, fmt.Errorf("volume: %q is not the first volume of its set", first)
	}

	var out []string
	for k := 0; k < MaxVolumes; k++ {
		candidate := info.VolumePath(k)
		if !exists(candidate) {
			break
		}
		out = append(out, candidate)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("volume: no volumes found for %q", first)
	}
	if len(out) == MaxVolumes {
		return nil, fmt.Errorf("volume: %q exceeds the %d-volume iteration cap", first, MaxVolumes)
	}
	return out, nil
}

// TrimRarSuffix strips a trailing ".rar" (case-insensitively, as Windows
// archivers produce) from name.
func TrimRarSuffix(name string) string {
	if len(name) >= 4 && strings.EqualFold(name[len(name)-4:], ".rar") {
		return name[:len(name)-4]
	}
	return name
}
