// Package prober implements the archive-probing pipeline: given a
// candidate archive path, determine whether it really is a RAR archive,
// enumerate its volumes, walk its members, and populate the filename
// cache and directory listing for the virtual tree it exposes.
//
// The five steps below are kept as five visibly distinct stages (rather
// than collapsed into one function), since each one has its own failure
// mode worth naming in logs and errors:
//
//  1. Volume discovery (internal/volume)
//  2. Signature/format detection and raw geometry scan (internal/rawscan)
//  3. Full member walk via the decoder, for names/sizes/mtimes rawscan
//     cannot see on its own and for anything rawscan reports as non-stored
//  4. Filename cache population (internal/filecache)
//  5. Directory listing population (internal/dirlist)
//
// Concurrent probes for the same archive are coalesced with
// golang.org/x/sync/singleflight, since parallel FUSE lookup/readdir
// callbacks on the same directory are the common case, not the exception.
package prober

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"regexp"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/roarfs/roar/internal/dirlist"
	"github.com/roarfs/roar/internal/filecache"
	"github.com/roarfs/roar/internal/rawscan"
	"github.com/roarfs/roar/internal/volume"

	"github.com/nwaples/rardecode/v2"
)

// Prober owns the singleflight group that coalesces concurrent probes, plus
// the logger the rest of roarfs shares.
type Prober struct {
	log   *slog.Logger
	group singleflight.Group

	// UseIdxMmap controls whether Probe consults a ".r2i" sidecar via
	// mmap (true) or a plain buffered read (false); set from
	// options.KeyNoIdxMmap at startup.
	UseIdxMmap bool
}

// New returns a Prober that logs through log.
func New(log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{log: log, UseIdxMmap: true}
}

// Result is everything one successful probe produces for the caller to
// merge into the shared filecache/dirlist state.
type Result struct {
	Entries   map[string]*filecache.Entry // virtual path -> entry
	Dir       *dirlist.List
	Volumes   []string
	FromIndex bool // true if an .r2i sidecar satisfied the probe
}

// Probe scans archivePath (the first volume) and returns the virtual
// filesystem it contains. Concurrent Probe calls for the same archivePath
// share one underlying scan. password, when non-empty, is forwarded to the
// decoder for archives whose headers (and therefore member names) are
// themselves encrypted; a probe coalesced via singleflight uses whichever
// caller's password arrived first, since every caller of Probe for the
// same archivePath is expected to have loaded the same .rarconfig.
func (p *Prober) Probe(archivePath, password string) (*Result, error) {
	v, err, _ := p.group.Do(archivePath, func() (interface{}, error) {
		return p.probeOnce(archivePath, password)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (p *Prober) probeOnce(archivePath, password string) (*Result, error) {
	p.log.Debug("probing archive", "path", archivePath)

	// Step 1: volume discovery.
	volumes, err := p.discoverVolumes(archivePath)
	if err != nil {
		return nil, fmt.Errorf("prober: volume discovery for %s: %w", archivePath, err)
	}

	if idx, ok := p.tryIndex(archivePath, volumes); ok {
		idx.FromIndex = true
		return idx, nil
	}

	// Step 3 + 2: a full decoder walk so names/sizes/mtimes are always
	// authoritative even when rawscan has to bail (encrypted headers, an
	// unsupported block flavor, etc), then per-volume raw geometry, which
	// also supplies each member's compression method.
	members, err := p.walkMembers(archivePath, password)
	if err != nil {
		return nil, fmt.Errorf("prober: walking members of %s: %w", archivePath, err)
	}

	geometry, err := p.scanGeometry(volumes)
	if err != nil {
		p.log.Debug("raw geometry scan unavailable, falling back to piped reads only", "path", archivePath, "err", err)
	}
	numbering, hasNumbering := resolveVolumeNumbering(volumes)

	// Step 4 + 5: populate the filename cache and directory listing.
	result := &Result{
		Entries: make(map[string]*filecache.Entry, len(members)),
		Dir:     dirlist.NewList(),
		Volumes: volumes,
	}
	base := archiveVirtualRoot(archivePath)
	for _, m := range members {
		virtualPath := path.Join(base, m.name)
		e := &filecache.Entry{
			ArchivePath: archivePath,
			MemberName:  m.name,
			Method:      m.method,
			Stat: filecache.Stat{
				Size:  m.size,
				Mtime: m.mtime,
			},
		}
		if parts, ok := geometry[m.name]; ok && len(parts) > 0 {
			first := parts[0]
			e.Method = first.Method
			if len(parts) > 1 {
				e.AddFlags(filecache.FlagMultipart)
				e.VNoFirst = int16(first.volIndex)
				if hasNumbering {
					e.VNoBase = numbering.base
					e.VLen = numbering.width
					e.VType = numbering.vtype
					e.VPos = numbering.pos
				}
			}
			switch {
			case first.Stored && !first.Encrypted:
				e.AddFlags(filecache.FlagRaw | filecache.FlagVSizeResolved)
				e.Offset = first.DataOffset
				e.VSizeFirst = first.PackedSize
				e.VSizeRealFirst = first.PackedSize
				if len(parts) > 1 {
					next := parts[1]
					e.VSizeNext = next.PackedSize
					e.VSizeRealNext = next.PackedSize
				}
			case first.Encrypted:
				e.AddFlags(filecache.FlagEncrypted)
			}
		}
		if m.isDir {
			e.AddFlags(filecache.FlagForceDir)
		}
		result.Entries[virtualPath] = e

		typ := dirlist.Regular
		if m.isDir {
			typ = dirlist.Directory
		}
		result.Dir.Add(path.Base(m.name), typ, m.size, false)
	}
	result.Dir.Close()

	p.writeIndex(archivePath, result)
	return result, nil
}

func (p *Prober) discoverVolumes(archivePath string) ([]string, error) {
	dir := path.Dir(archivePath)
	first := path.Base(archivePath)
	vols, err := volume.Enumerate(first, func(name string) bool {
		_, err := os.Stat(path.Join(dir, name))
		return err == nil
	})
	if err != nil {
		// A single, non-split archive still counts as a one-volume set.
		if _, statErr := os.Stat(archivePath); statErr == nil {
			return []string{first}, nil
		}
		return nil, err
	}
	full := make([]string, len(vols))
	for i, v := range vols {
		full[i] = path.Join(dir, v)
	}
	return full, nil
}

type memberInfo struct {
	name   string
	size   int64
	mtime  time.Time
	method uint16
	isDir  bool
}

// walkMembers opens archivePath through the decoder and lists every member
// it reports, independent of whether rawscan can also see it.
func (p *Prober) walkMembers(archivePath, password string) ([]memberInfo, error) {
	var opts []rardecode.Option
	if password != "" {
		opts = append(opts, rardecode.Password(password))
	}
	rc, err := rardecode.OpenReader(archivePath, opts...)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var out []memberInfo
	for {
		hdr, err := rc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, memberInfo{
			name:  hdr.Name,
			size:  hdr.UnPackedSize,
			mtime: hdr.ModificationTime,
			isDir: hdr.IsDir,
		})
	}
	return out, nil
}

// volMember pairs a raw header scan result with the 0-based index, into
// volumes, of the volume file it was found in, so a member split across
// several volumes keeps every volume's measurement instead of only the
// last one scanned.
type volMember struct {
	rawscan.Member
	volIndex int
}

// scanGeometry walks every volume independently and groups the results by
// member name, in volume order. A member that spans N volumes ends up with
// N entries here, one per volume holding a physical slice of it, because
// rawscan.Scan reports a continuation header wherever it finds one rather
// than stitching volumes together itself.
func (p *Prober) scanGeometry(volumes []string) (map[string][]volMember, error) {
	out := make(map[string][]volMember)
	for i, v := range volumes {
		f, err := os.Open(v)
		if err != nil {
			return out, err
		}
		st, statErr := f.Stat()
		var size int64
		if statErr == nil {
			size = st.Size()
		}
		members, err := rawscan.Scan(f, size)
		f.Close()
		if err != nil {
			return out, err
		}
		for _, m := range members {
			out[m.Name] = append(out[m.Name], volMember{Member: m, volIndex: i})
		}
	}
	return out, nil
}

// volumeNumbering is the archive-wide naming metadata shared by every
// member that spans more than one volume: the naming scheme, the digit
// width and position of the numeric field in the filename, and the
// numbering baseline the first volume's own number is drawn from.
type volumeNumbering struct {
	base  int16
	width int16
	pos   int16
	vtype int16
}

func resolveVolumeNumbering(volumes []string) (volumeNumbering, bool) {
	if len(volumes) == 0 {
		return volumeNumbering{}, false
	}
	info, ok := volume.Detect(path.Base(volumes[0]))
	if !ok {
		return volumeNumbering{}, false
	}
	return volumeNumbering{
		base:  int16(info.Index),
		width: int16(info.Width),
		pos:   numberFieldPos(path.Base(volumes[0])),
		vtype: int16(info.Scheme),
	}, true
}

var (
	newStyleVolRE = regexp.MustCompile(`\.part(\d+)\.rar$`)
	oldStyleVolRE = regexp.MustCompile(`\.[rs](\d{2,})$`)
)

// numberFieldPos locates the byte offset, within base, of the numeric
// volume field ".partN.rar" or ".rNN" names carry. Nothing downstream
// currently recomputes a volume path from this offset rather than through
// internal/volume's own Detect/VolumePath pair, so it is descriptive
// metadata only; 0 for a name with no numeric field (the bare first
// volume of an old-style set has none).
func numberFieldPos(base string) int16 {
	if loc := newStyleVolRE.FindStringSubmatchIndex(base); loc != nil {
		return int16(loc[2])
	}
	if loc := oldStyleVolRE.FindStringSubmatchIndex(base); loc != nil {
		return int16(loc[2])
	}
	return 0
}

// archiveVirtualRoot is the virtual directory an archive's members are
// mounted under: the archive's own path, so "/media/Movie.rar/movie.mkv"
// addresses the member "movie.mkv" inside "/media/Movie.rar".
func archiveVirtualRoot(archivePath string) string {
	return archivePath
}

// indexMagic identifies a valid ".r2i" sidecar file.
var indexMagic = [4]byte{'R', '2', 'I', 0x01}

// indexRowFixedSize is the byte length of one row's fields after its
// name: unpacked size, mtime, method, isDir/stored/encrypted flags, the
// raw-read offset and first-volume packed size (valid only when stored and
// not encrypted), and the multi-volume geometry fields (valid only when
// the member spans more than one volume).
const indexRowFixedSize = 8 + 8 + 2 + 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8 + 2 + 2 + 2 + 2 + 2

// indexRow is one archive member's persisted record in a ".r2i" sidecar,
// enough to populate a filecache.Entry without a fresh decoder walk or raw
// header scan.
type indexRow struct {
	name          string
	size          int64
	mtime         int64
	method        uint16
	isDir         bool
	stored        bool
	encrypted     bool
	multipart     bool
	offset        int64
	vsizeFirst    int64
	vsizeNext     int64
	vsizeRealNext int64
	vnoBase       int16
	vnoFirst      int16
	vlen          int16
	vpos          int16
	vtype         int16
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendIndexRow(buf []byte, r indexRow) []byte {
	nameBytes := []byte(r.name)
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(nameBytes)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, nameBytes...)

	var fixed [indexRowFixedSize]byte
	binary.LittleEndian.PutUint64(fixed[0:8], uint64(r.size))
	binary.LittleEndian.PutUint64(fixed[8:16], uint64(r.mtime))
	binary.LittleEndian.PutUint16(fixed[16:18], r.method)
	fixed[18] = boolByte(r.isDir)
	fixed[19] = boolByte(r.stored)
	fixed[20] = boolByte(r.encrypted)
	fixed[21] = boolByte(r.multipart)
	binary.LittleEndian.PutUint64(fixed[22:30], uint64(r.offset))
	binary.LittleEndian.PutUint64(fixed[30:38], uint64(r.vsizeFirst))
	binary.LittleEndian.PutUint64(fixed[38:46], uint64(r.vsizeNext))
	binary.LittleEndian.PutUint64(fixed[46:54], uint64(r.vsizeRealNext))
	binary.LittleEndian.PutUint16(fixed[54:56], uint16(r.vnoBase))
	binary.LittleEndian.PutUint16(fixed[56:58], uint16(r.vnoFirst))
	binary.LittleEndian.PutUint16(fixed[58:60], uint16(r.vlen))
	binary.LittleEndian.PutUint16(fixed[60:62], uint16(r.vpos))
	binary.LittleEndian.PutUint16(fixed[62:64], uint16(r.vtype))
	return append(buf, fixed[:]...)
}

// decodeIndexRow parses one row from the front of data, returning the row,
// how many bytes it consumed, and an error if data is too short to hold a
// complete row (a truncated sidecar, treated by the caller as a miss).
func decodeIndexRow(data []byte) (indexRow, int, error) {
	if len(data) < 2 {
		return indexRow{}, 0, io.ErrUnexpectedEOF
	}
	nameLen := int(binary.LittleEndian.Uint16(data[0:2]))
	need := 2 + nameLen + indexRowFixedSize
	if len(data) < need {
		return indexRow{}, 0, io.ErrUnexpectedEOF
	}
	name := string(data[2 : 2+nameLen])
	fixed := data[2+nameLen : need]
	r := indexRow{
		name:          name,
		size:          int64(binary.LittleEndian.Uint64(fixed[0:8])),
		mtime:         int64(binary.LittleEndian.Uint64(fixed[8:16])),
		method:        binary.LittleEndian.Uint16(fixed[16:18]),
		isDir:         fixed[18] != 0,
		stored:        fixed[19] != 0,
		encrypted:     fixed[20] != 0,
		multipart:     fixed[21] != 0,
		offset:        int64(binary.LittleEndian.Uint64(fixed[22:30])),
		vsizeFirst:    int64(binary.LittleEndian.Uint64(fixed[30:38])),
		vsizeNext:     int64(binary.LittleEndian.Uint64(fixed[38:46])),
		vsizeRealNext: int64(binary.LittleEndian.Uint64(fixed[46:54])),
		vnoBase:       int16(binary.LittleEndian.Uint16(fixed[54:56])),
		vnoFirst:      int16(binary.LittleEndian.Uint16(fixed[56:58])),
		vlen:          int16(binary.LittleEndian.Uint16(fixed[58:60])),
		vpos:          int16(binary.LittleEndian.Uint16(fixed[60:62])),
		vtype:         int16(binary.LittleEndian.Uint16(fixed[62:64])),
	}
	return r, need, nil
}

// readIndexFile loads a ".r2i" sidecar's bytes, via mmap when UseIdxMmap is
// set (the default) or a plain buffered read otherwise; --no-idx-mmap
// exists because mmap-ing a sidecar on a network-backed source directory
// can be slower than a sequential read. A failed mmap falls back to a
// plain read rather than treating it as a hard miss.
func (p *Prober) readIndexFile(idxPath string) ([]byte, error) {
	if !p.UseIdxMmap {
		return os.ReadFile(idxPath)
	}
	f, err := os.Open(idxPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() <= 0 {
		return nil, fmt.Errorf("prober: empty index file %s", idxPath)
	}
	mapped, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return os.ReadFile(idxPath)
	}
	out := make([]byte, len(mapped))
	copy(out, mapped)
	unix.Munmap(mapped)
	return out, nil
}

// tryIndex attempts to satisfy a probe from an archive's ".r2i" sidecar,
// validating it against the first volume's current size and mtime before
// trusting it, then decoding every row into a full Result so the header
// walk and raw geometry scan can both be skipped (acceleration-only cache:
// any mismatch, including a row this decoder can't parse confidently, is
// treated as a cache miss, never an error).
func (p *Prober) tryIndex(archivePath string, volumes []string) (*Result, bool) {
	if len(volumes) == 0 {
		return nil, false
	}
	idxPath := archivePath + ".r2i"
	data, err := p.readIndexFile(idxPath)
	if err != nil || len(data) < 20 {
		return nil, false
	}
	if [4]byte{data[0], data[1], data[2], data[3]} != indexMagic {
		return nil, false
	}
	st, err := os.Stat(archivePath)
	if err != nil {
		return nil, false
	}
	wantSize := int64(binary.LittleEndian.Uint64(data[4:12]))
	wantMTime := int64(binary.LittleEndian.Uint64(data[12:20]))
	if st.Size() != wantSize || st.ModTime().Unix() != wantMTime {
		return nil, false // source changed since the index was written
	}

	base := archiveVirtualRoot(archivePath)
	result := &Result{
		Entries: make(map[string]*filecache.Entry),
		Dir:     dirlist.NewList(),
		Volumes: volumes,
	}
	rest := data[20:]
	for len(rest) > 0 {
		row, n, decodeErr := decodeIndexRow(rest)
		if decodeErr != nil {
			return nil, false
		}
		rest = rest[n:]

		e := &filecache.Entry{
			ArchivePath: archivePath,
			MemberName:  row.name,
			Method:      row.method,
			Stat: filecache.Stat{
				Size:  row.size,
				Mtime: time.Unix(row.mtime, 0),
			},
		}
		switch {
		case row.stored && !row.encrypted:
			e.AddFlags(filecache.FlagRaw | filecache.FlagVSizeResolved)
			e.Offset = row.offset
			e.VSizeFirst = row.vsizeFirst
			e.VSizeRealFirst = row.vsizeFirst
		case row.encrypted:
			e.AddFlags(filecache.FlagEncrypted)
		}
		if row.multipart {
			e.AddFlags(filecache.FlagMultipart)
			e.VSizeNext = row.vsizeNext
			e.VSizeRealNext = row.vsizeRealNext
			e.VNoBase = row.vnoBase
			e.VNoFirst = row.vnoFirst
			e.VLen = row.vlen
			e.VPos = row.vpos
			e.VType = row.vtype
		}
		if row.isDir {
			e.AddFlags(filecache.FlagForceDir)
		}

		result.Entries[path.Join(base, row.name)] = e

		typ := dirlist.Regular
		if row.isDir {
			typ = dirlist.Directory
		}
		result.Dir.Add(path.Base(row.name), typ, row.size, false)
	}
	result.Dir.Close()
	return result, true
}

// writeIndex persists result's members, raw geometry included, to a
// ".r2i" sidecar so a future mount can skip both the decoder walk and the
// raw header scan for this archive, as long as it has not changed on
// disk. Write failures are logged, never propagated: the sidecar is
// disposable.
func (p *Prober) writeIndex(archivePath string, result *Result) {
	if len(result.Volumes) == 0 {
		return
	}
	st, err := os.Stat(archivePath)
	if err != nil {
		return
	}
	buf := make([]byte, 20, 20+len(result.Entries)*64)
	copy(buf[0:4], indexMagic[:])
	binary.LittleEndian.PutUint64(buf[4:12], uint64(st.Size()))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(st.ModTime().Unix()))

	for _, e := range result.Entries {
		buf = appendIndexRow(buf, indexRow{
			name:          e.MemberName,
			size:          e.Stat.Size,
			mtime:         e.Stat.Mtime.Unix(),
			method:        e.Method,
			isDir:         e.Flags().Has(filecache.FlagForceDir),
			stored:        e.Flags().Has(filecache.FlagRaw),
			encrypted:     e.Flags().Has(filecache.FlagEncrypted),
			multipart:     e.Flags().Has(filecache.FlagMultipart),
			offset:        e.Offset,
			vsizeFirst:    e.VSizeFirst,
			vsizeNext:     e.VSizeNext,
			vsizeRealNext: e.VSizeRealNext,
			vnoBase:       e.VNoBase,
			vnoFirst:      e.VNoFirst,
			vlen:          e.VLen,
			vpos:          e.VPos,
			vtype:         e.VType,
		})
	}

	idxPath := archivePath + ".r2i"
	if err := os.WriteFile(idxPath, buf, 0o644); err != nil {
		p.log.Debug("failed to write .r2i index", "path", idxPath, "err", err)
	}
}
