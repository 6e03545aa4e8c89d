// Package rarfs provides a FUSE filesystem that presents the contents of
// RAR archives in a directory tree as if they were ordinary directories and
// files, alongside any non-archive ("passthrough") files in that tree.
package rarfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/nwaples/rardecode/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/roarfs/roar/internal/filecache"
	"github.com/roarfs/roar/internal/ioengine"
	"github.com/roarfs/roar/internal/options"
	"github.com/roarfs/roar/internal/prober"
	"github.com/roarfs/roar/internal/rarconfig"
	"github.com/roarfs/roar/internal/recursion"
	"github.com/roarfs/roar/internal/volume"
)

// logger is the package-level logger for rarfs operations.
var logger = slog.Default()

// SetLogger sets the logger for the rarfs package.
func SetLogger(l *slog.Logger) {
	logger = l
}

// maxReadSize bounds a single FUSE read request, preventing a misbehaving
// client from forcing an oversized allocation.
const maxReadSize = 1 << 20

const (
	attrValidDuration  = 60.0
	entryValidDuration = 60.0
)

var rarSplitRE = regexp.MustCompile(`\.r\d+$`)

func isRarFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".rar") || rarSplitRE.MatchString(lower)
}

func isFirstRarPart(name string) bool {
	lower := strings.ToLower(name)
	if matched, _ := regexp.MatchString(`\.part\d+\.rar$`, lower); matched {
		return strings.HasSuffix(lower, ".part1.rar") || strings.HasSuffix(lower, ".part01.rar")
	}
	return strings.HasSuffix(lower, ".rar")
}

// Filesystem owns every piece of shared, mutable roarfs state: the
// filename cache, the per-directory listings, the archive prober, the
// per-source-directory config overrides, and the single reader/writer lock
// that guards all of it across parallel FUSE callbacks.
type Filesystem struct {
	sourceDir string
	opts      *options.Registry

	globalLock sync.RWMutex

	cache *filecache.Table
	dirs  map[string][]string // relative dir -> direct children names

	discoveredDirs map[string]bool
	scannedDirs    map[string]bool
	pendingDirs    map[string]string // relative dir -> absolute source path

	pathToInode  map[string]uint64
	inodeCounter uint64

	prober *prober.Prober
	cfg    *rarconfig.Store

	watcher   *fsnotify.Watcher
	watchWG   sync.WaitGroup
	closeCh   chan struct{}
	tempFiles []string // nested-archive extraction temp files, removed on Close
}

// New creates a Filesystem rooted at sourceDir, performing the initial
// (shallow) discovery pass. opts may be nil, in which case defaults apply.
func New(sourceDir string, opts *options.Registry) (*Filesystem, error) {
	if opts == nil {
		opts = options.New()
	}
	fsys := &Filesystem{
		sourceDir:      sourceDir,
		opts:           opts,
		cache:          filecache.New(),
		dirs:           make(map[string][]string),
		discoveredDirs: make(map[string]bool),
		scannedDirs:    make(map[string]bool),
		pendingDirs:    make(map[string]string),
		pathToInode:    make(map[string]uint64),
		inodeCounter:   1,
		prober:         prober.New(logger),
		cfg:            rarconfig.New(),
		closeCh:        make(chan struct{}),
	}
	fsys.prober.UseIdxMmap = !opts.GetBool(options.KeyNoIdxMmap)

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		fsys.watcher = watcher
		fsys.watchWG.Add(1)
		go fsys.watchLoop()
	} else {
		logger.Warn("fsnotify unavailable, cache invalidation on source changes is disabled", "err", err)
	}

	fsys.globalLock.Lock()
	err := fsys.discoverDirLocked("", sourceDir)
	fsys.discoveredDirs[""] = true
	fsys.globalLock.Unlock()
	if err != nil {
		return nil, err
	}
	return fsys, nil
}

// Close releases the fsnotify watcher, stops its goroutine, and removes any
// temp files created while extracting nested archives.
func (fsys *Filesystem) Close() error {
	close(fsys.closeCh)
	var err error
	if fsys.watcher != nil {
		err = fsys.watcher.Close()
		fsys.watchWG.Wait()
	}
	fsys.globalLock.Lock()
	for _, p := range fsys.tempFiles {
		os.Remove(p)
	}
	fsys.tempFiles = nil
	fsys.globalLock.Unlock()
	return err
}

func (fsys *Filesystem) watchLoop() {
	defer fsys.watchWG.Done()
	for {
		select {
		case ev, ok := <-fsys.watcher.Events:
			if !ok {
				return
			}
			fsys.handleWatchEvent(ev)
		case _, ok := <-fsys.watcher.Errors:
			if !ok {
				return
			}
		case <-fsys.closeCh:
			return
		}
	}
}

func (fsys *Filesystem) handleWatchEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(fsys.sourceDir, filepath.Dir(ev.Name))
	if err != nil {
		return
	}
	if rel == "." {
		rel = ""
	}
	fsys.globalLock.Lock()
	defer fsys.globalLock.Unlock()
	fsys.cache.InvalidateSubtree(ev.Name)
	delete(fsys.scannedDirs, rel)
	delete(fsys.discoveredDirs, rel)
	logger.Debug("invalidated cache subtree after source change", "path", ev.Name)
}

// discoverDirLocked populates dirs/pendingDirs/cache for the immediate
// children of absPath (mounted virtually at relDir), lazily: subdirectories
// are recorded but not recursed into, and RAR archives are recorded but
// not scanned until ensureDirScanned is called for relDir. Must be called
// with globalLock held for writing.
func (fsys *Filesystem) discoverDirLocked(relDir, absPath string) error {
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return err
	}
	if fsys.watcher != nil {
		_ = fsys.watcher.Add(absPath)
	}
	if err := fsys.cfg.Load(filepath.Join(absPath, ".rarconfig")); err != nil {
		logger.Debug("rarconfig load failed", "dir", absPath, "err", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == ".rarconfig" {
			continue
		}
		childRel := name
		if relDir != "" {
			childRel = filepath.Join(relDir, name)
		}
		if entry.IsDir() {
			fsys.addChildLocked(relDir, name)
			fsys.pendingDirs[childRel] = filepath.Join(absPath, name)
			continue
		}
		if isRarFile(name) {
			continue // archives are materialized lazily by ensureDirScanned
		}
		info, err := entry.Info()
		if err != nil {
			logger.Warn("stat failed during discovery", "file", name, "err", err)
			continue
		}
		fsys.cache.Put(childRel, passthroughEntry(filepath.Join(absPath, name), info))
		fsys.addChildLocked(relDir, name)
	}
	return nil
}

func passthroughEntry(sourcePath string, info os.FileInfo) *filecache.Entry {
	return &filecache.Entry{
		ArchivePath: "",
		Stat: filecache.Stat{
			Mode:  info.Mode(),
			Size:  info.Size(),
			Mtime: info.ModTime(),
		},
		LinkTarget: sourcePath,
	}
}

func (fsys *Filesystem) addChildLocked(dir, name string) string {
	full := name
	if dir != "" {
		full = filepath.Join(dir, name)
	}
	for _, existing := range fsys.dirs[dir] {
		if existing == name {
			return full
		}
	}
	fsys.dirs[dir] = append(fsys.dirs[dir], name)
	fsys.assignInodeLocked(full)
	return full
}

func (fsys *Filesystem) removeChildLocked(dir, name string) {
	children := fsys.dirs[dir]
	for i, n := range children {
		if n == name {
			fsys.dirs[dir] = append(children[:i], children[i+1:]...)
			return
		}
	}
}

func (fsys *Filesystem) assignInodeLocked(path string) uint64 {
	if ino, ok := fsys.pathToInode[path]; ok {
		return ino
	}
	fsys.inodeCounter++
	fsys.pathToInode[path] = fsys.inodeCounter
	return fsys.inodeCounter
}

func (fsys *Filesystem) inodeLocked(path string) uint64 {
	return fsys.pathToInode[path]
}

// reportIno reports the inode number a Getattr/Lookup call should surface
// for path: the synthesized, stable-across-lookups counter from
// pathToInode when --fake-inode is on (the default), or the inode the FUSE
// library itself already assigned inode when it's off, letting the kernel
// own inode allocation instead.
func (fsys *Filesystem) reportIno(inode *fs.Inode, path string) uint64 {
	if !fsys.opts.GetBool(options.KeyFakeInode) {
		return inode.StableAttr().Ino
	}
	fsys.globalLock.RLock()
	defer fsys.globalLock.RUnlock()
	return fsys.inodeLocked(path)
}

// ensureDirDiscovered lazily runs discoverDirLocked for relDir the first
// time it's accessed, mirroring this package's double-checked-locking
// pattern: an RLock-guarded fast path for the common already-discovered
// case, falling back to the write lock only on a miss.
func (fsys *Filesystem) ensureDirDiscovered(relDir string) {
	fsys.globalLock.RLock()
	done := fsys.discoveredDirs[relDir]
	absPath, pending := fsys.pendingDirs[relDir]
	fsys.globalLock.RUnlock()
	if done || !pending {
		return
	}

	fsys.globalLock.Lock()
	defer fsys.globalLock.Unlock()
	if fsys.discoveredDirs[relDir] {
		return
	}
	if err := fsys.discoverDirLocked(relDir, absPath); err != nil {
		logger.Warn("discovery failed", "dir", relDir, "err", err)
	}
	fsys.discoveredDirs[relDir] = true
}

// ensureDirScanned lazily probes every RAR archive directly inside relDir,
// merging their contents into the cache and directory listing.
func (fsys *Filesystem) ensureDirScanned(relDir string) {
	fsys.ensureDirDiscovered(relDir)

	fsys.globalLock.RLock()
	done := fsys.scannedDirs[relDir]
	absPath, pending := fsys.pendingDirs[relDir]
	if relDir == "" {
		absPath, pending = fsys.sourceDir, true
	}
	fsys.globalLock.RUnlock()
	if done || !pending {
		return
	}

	archives, err := findFirstPartArchives(absPath)
	if err != nil {
		logger.Debug("archive scan failed", "dir", relDir, "err", err)
	}

	maxDepth, _ := fsys.opts.GetInt(options.KeyRecursionDepth)
	maxUnpack, _ := fsys.opts.GetInt(options.KeyMaxUnpackSize)

	// Probing (decoder walk + raw header scan) is the expensive part of
	// scanning a directory and is independent per archive, so it runs
	// concurrently, bounded by --workers; merging into the shared cache and
	// directory tree happens afterward, serialized, since it mutates
	// globalLock-protected state anyway.
	type probed struct {
		archiveRel  string
		archivePath string
		result      *prober.Result
	}
	results := make([]*probed, len(archives))
	var g errgroup.Group
	if workers, _ := fsys.opts.GetInt(options.KeyWorkers); workers > 0 {
		g.SetLimit(int(workers))
	}
	for i, archivePath := range archives {
		i, archivePath := i, archivePath
		g.Go(func() error {
			password, _ := fsys.cfg.Password(filepath.Dir(archivePath))
			result, err := fsys.prober.Probe(archivePath, password)
			if err != nil {
				logger.Warn("probe failed", "archive", archivePath, "err", err)
				return nil
			}
			archiveRel := filepath.Base(archivePath)
			if relDir != "" {
				archiveRel = filepath.Join(relDir, archiveRel)
			}
			results[i] = &probed{archiveRel: archiveRel, archivePath: archivePath, result: result}
			return nil
		})
	}
	g.Wait()

	flatten := fsys.opts.GetBool(options.KeyFlatOnly)
	for _, pr := range results {
		if pr == nil {
			continue
		}
		fsys.mergeResultAt(pr.archiveRel, pr.archivePath, pr.result, 0, "", flatten)

		if fsys.opts.GetBool(options.KeyRecursive) {
			rc := recursion.NewContext(int(maxDepth), maxUnpack)
			for _, e := range pr.result.Entries {
				if isRarFile(e.MemberName) {
					fsys.tryRecurseIntoMember(pr.archiveRel, e, rc)
				}
			}
		}
	}

	fsys.globalLock.Lock()
	fsys.scannedDirs[relDir] = true
	fsys.globalLock.Unlock()
}

func findFirstPartArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isRarFile(e.Name()) && isFirstRarPart(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// mergeResultAt mounts a probed archive's members into the virtual tree.
// archiveRel is the archive's own virtual path, used to compute its parent
// directory and as the root every member path is joined against.
// nestedDepth and parentArchive are recorded on every merged entry so a
// nested archive's members can report their place in the unpack chain
// (both are zero/empty for a top-level archive). flatten drops the
// intermediate directory named after the archive itself, merging its
// members straight into archiveRel's parent instead: tryRecurseIntoMember
// always flattens (members flattened is the nested-archive presentation
// rule), and a top-level probe flattens only under --flat-only.
//
// Each member's name is run through recursion.SanitizePath before it is
// trusted as a cache/directory path, and any .rarconfig alias for it is
// substituted in, both before the path is built. A member whose target
// path already holds a passthrough entry is skipped entirely: passthrough
// wins over an archive-derived entry of the same name. Beyond that,
// result.Dir (already sorted, deduped, and passthrough-prioritized by the
// prober) gates which same-directory names actually get registered in the
// listing, so a name result.Dir dropped to a collision doesn't reappear
// here through a second, uncoordinated insertion path.
func (fsys *Filesystem) mergeResultAt(archiveRel, archivePath string, result *prober.Result, nestedDepth int, parentArchive string, flatten bool) {
	parentDir := filepath.Dir(archiveRel)
	if parentDir == "." {
		parentDir = ""
	}
	targetRoot := archiveRel
	if flatten {
		targetRoot = parentDir
	}

	listed := make(map[string]bool, result.Dir.Len())
	for _, de := range result.Dir.Entries() {
		listed[de.Name] = true
	}
	cfgDir := filepath.Dir(archivePath)

	fsys.globalLock.Lock()
	defer fsys.globalLock.Unlock()

	if !flatten {
		fsys.addChildLocked(parentDir, filepath.Base(archiveRel))
	}

	for _, e := range result.Entries {
		name, err := recursion.SanitizePath(e.MemberName)
		if err != nil {
			logger.Debug("dropping member with unsafe path", "archive", archivePath, "member", e.MemberName, "err", err)
			continue
		}
		listedName := filepath.Base(name)
		if alias, ok := fsys.cfg.Alias(cfgDir, name); ok {
			name = alias
		}

		e.NestedDepth = nestedDepth
		e.ParentArchive = parentArchive

		memberRel := filepath.Join(targetRoot, name)
		base := filepath.Base(memberRel)
		parent := filepath.Dir(memberRel)
		if parent == "." {
			parent = targetRoot
		}

		if existing, ok := fsys.cache.Get(memberRel); ok && existing.ArchivePath == "" {
			continue // a passthrough file already occupies this path
		}
		if parent == targetRoot && !listed[listedName] {
			continue // result.Dir resolved a same-directory name collision against this entry
		}

		fsys.cache.Put(memberRel, e)
		fsys.ensureParentChainLocked(targetRoot, parent)
		if !e.HideFromListing {
			fsys.addChildLocked(parent, base)
		}
	}
}

// tryRecurseIntoMember extracts e (a member whose name looks like a nested
// RAR archive), probes the result as an archive in its own right, and
// merges its members into the directory that holds the nested archive,
// hiding the nested archive file itself from the listing. rc tracks the cycle/depth/size budget for the whole
// top-level unpack chain e belongs to.
func (fsys *Filesystem) tryRecurseIntoMember(archiveRel string, e *filecache.Entry, rc *recursion.Context) {
	name, err := recursion.SanitizePath(e.MemberName)
	if err != nil {
		logger.Debug("skipping unsafe nested member path", "archive", archiveRel, "member", e.MemberName, "err", err)
		return
	}
	memberPath := filepath.Join(archiveRel, name)
	password, _ := fsys.cfg.Password(filepath.Dir(e.ArchivePath))

	var ra io.ReaderAt
	var release func()
	if e.Flags().Has(filecache.FlagRaw) {
		raw := ioengine.NewRawReader(fsys.rawVolumeParts(e), e.Stat.Size, false)
		ra, release = raw, func() { raw.Close() }
	} else {
		archivePath, memberName := e.ArchivePath, e.MemberName
		pip := ioengine.NewPipedReader(func() (*rardecode.ReadCloser, error) {
			return openArchiveWithPassword(archivePath, password)
		}, memberName, 4<<20, false, e.Stat.Size)
		ra, release = pip, pip.Release
	}
	defer release()

	tmpPath, fp, err := extractNestedMember(ra, e.Stat.Size, e.Stat.Mtime)
	if err != nil {
		logger.Warn("failed to extract nested archive", "member", memberPath, "err", err)
		return
	}

	if err := rc.Push(fp, memberPath); err != nil {
		logger.Debug("not descending into nested archive", "member", memberPath, "err", err)
		os.Remove(tmpPath)
		return
	}
	defer rc.Pop()
	if err := rc.AddUnpacked(e.Stat.Size); err != nil {
		logger.Debug("nested unpack size budget exhausted", "member", memberPath, "err", err)
		os.Remove(tmpPath)
		return
	}

	nestedResult, err := fsys.prober.Probe(tmpPath, password)
	if err != nil {
		logger.Warn("failed to probe nested archive", "member", memberPath, "err", err)
		os.Remove(tmpPath)
		return
	}

	fsys.globalLock.Lock()
	e.AddFlags(filecache.FlagIsNestedRAR)
	e.HideFromListing = true
	fsys.removeChildLocked(filepath.Dir(memberPath), filepath.Base(e.MemberName))
	fsys.tempFiles = append(fsys.tempFiles, tmpPath)
	fsys.globalLock.Unlock()

	// Nested members flatten into the containing archive's own directory
	// rather than a new subdirectory named after the nested archive: passing
	// memberPath as the "archive path" here makes its parent (archiveRel)
	// the merge target, with flatten=true dropping the directory that would
	// otherwise be named after the nested archive file itself.
	fsys.mergeResultAt(memberPath, tmpPath, nestedResult, rc.Depth(), e.ArchivePath, true)

	if fsys.opts.GetBool(options.KeyRecursive) {
		for _, e2 := range nestedResult.Entries {
			if isRarFile(e2.MemberName) {
				fsys.tryRecurseIntoMember(archiveRel, e2, rc)
			}
		}
	}
}

// rawVolumeParts builds the ordered byte ranges backing e's raw (stored,
// unencrypted) payload across however many volumes it spans. A single-
// volume member is just [Offset, Offset+VSizeRealFirst) in its own file.
//
// filecache's geometry fields pin down how many bytes of the member live in
// each volume (vsize_real_first/vsize_real_next) but not where a
// continuation volume's payload starts: RAR volume headers are otherwise
// fixed-size for a given archive, so a continuation volume's data region
// runs from the end of its header to the end of the file. vsize_next (the
// capacity rawscan measured when it scanned that volume) is exactly that
// region's length, so the start offset is recovered as the continuation
// volume's current file size minus vsize_next.
func (fsys *Filesystem) rawVolumeParts(e *filecache.Entry) []ioengine.VolumePart {
	firstLen := e.VSizeRealFirst
	if firstLen <= 0 {
		firstLen = e.VSizeFirst
	}
	parts := []ioengine.VolumePart{{Path: e.ArchivePath, Offset: e.Offset, Length: firstLen}}
	if !e.Flags().Has(filecache.FlagMultipart) || e.VSizeNext <= 0 {
		return parts
	}

	info, ok := volume.Detect(filepath.Base(e.ArchivePath))
	if !ok {
		return parts
	}
	dir := filepath.Dir(e.ArchivePath)
	remaining := e.Stat.Size - firstLen
	for k := int(e.VNoFirst) + 1; remaining > 0; k++ {
		volPath := filepath.Join(dir, info.VolumePath(k))
		length := e.VSizeRealNext
		if length <= 0 || length > remaining {
			length = remaining
		}
		var offset int64
		if st, err := os.Stat(volPath); err == nil && st.Size() >= e.VSizeNext {
			offset = st.Size() - e.VSizeNext
		}
		parts = append(parts, ioengine.VolumePart{Path: volPath, Offset: offset, Length: length})
		remaining -= length
	}
	return parts
}

// openArchiveWithPassword opens archivePath through the decoder, attaching
// password as a decrypt option only when one was configured; an archive
// whose headers aren't encrypted ignores an unnecessary password option.
func openArchiveWithPassword(archivePath, password string) (*rardecode.ReadCloser, error) {
	if password == "" {
		return rardecode.OpenReader(archivePath)
	}
	return rardecode.OpenReader(archivePath, rardecode.Password(password))
}

// extractNestedMember materializes one nested archive member as a file the
// decoder can open by path, preferring an in-memory buffer over a temp file
// the way the recursion core's extraction model prefers: decode ra into a
// growing in-memory buffer first, and only fall back to streaming straight
// to a temp file when the member is too large for ExtractToMemory to hold
// (or size is unknown). The fingerprint used for cycle detection is always
// taken from whichever representation was actually produced, so the
// in-memory path never pays for a disk round-trip it didn't otherwise need.
//
// rardecode.OpenReader only accepts a path, so even the in-memory path ends
// with one write to a temp file; what this avoids is re-reading the source
// archive a second time and reading the temp file back just to fingerprint
// it.
func extractNestedMember(ra io.ReaderAt, size int64, mtime time.Time) (tmpPath string, fp recursion.Fingerprint, err error) {
	if size > 0 && size <= recursion.MaxExtractToMemory {
		buf, memErr := recursion.ExtractToMemory(io.NewSectionReader(ra, 0, size), int(size))
		if memErr == nil {
			if fp, err = recursion.ComputeFingerprint(bytes.NewReader(buf), int64(len(buf)), mtime); err != nil {
				return "", recursion.Fingerprint{}, err
			}
			if tmpPath, err = recursion.WriteTempFile("", bytes.NewReader(buf)); err != nil {
				return "", recursion.Fingerprint{}, err
			}
			return tmpPath, fp, nil
		}
		logger.Debug("in-memory extraction unavailable, falling back to a temporary file", "size", size, "err", memErr)
	}

	tmpPath, err = recursion.WriteTempFile("", io.NewSectionReader(ra, 0, size))
	if err != nil {
		return "", recursion.Fingerprint{}, err
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", recursion.Fingerprint{}, err
	}
	tf, err := os.Open(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", recursion.Fingerprint{}, err
	}
	fp, err = recursion.ComputeFingerprint(tf, info.Size(), info.ModTime())
	tf.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", recursion.Fingerprint{}, err
	}
	return tmpPath, fp, nil
}

// ensureParentChainLocked makes sure every directory between root and leaf
// (inclusive) is represented in dirs/pathToInode, so a deeply nested member
// path's intermediate directories are listable even though no discrete
// archive member header described them.
func (fsys *Filesystem) ensureParentChainLocked(root, leaf string) {
	if leaf == root || leaf == "." || leaf == "" {
		fsys.assignInodeLocked(root)
		return
	}
	parent := filepath.Dir(leaf)
	fsys.ensureParentChainLocked(root, parent)
	fsys.addChildLocked(parent, filepath.Base(leaf))
}

// ----------------------------------------------------------------------
// FUSE node types
// ----------------------------------------------------------------------

// Root is the node mounted at the FUSE mount point itself.
type Root struct {
	fs.Inode
	fsys *Filesystem
}

// Dir represents a real or archive-materialized directory.
type Dir struct {
	fs.Inode
	fsys *Filesystem
	path string // relative virtual path; "" for the root's direct children
}

// File represents a passthrough file or an archive member.
type File struct {
	fs.Inode
	fsys  *Filesystem
	path  string
	entry *filecache.Entry
}

var (
	_ fs.NodeGetattrer = (*Root)(nil)
	_ fs.NodeReaddirer = (*Root)(nil)
	_ fs.NodeLookuper  = (*Root)(nil)
	_ fs.NodeStatfser  = (*Root)(nil)

	_ fs.NodeGetattrer = (*Dir)(nil)
	_ fs.NodeReaddirer = (*Dir)(nil)
	_ fs.NodeLookuper  = (*Dir)(nil)

	_ fs.NodeGetattrer  = (*File)(nil)
	_ fs.NodeOpener     = (*File)(nil)
	_ fs.NodeReader     = (*File)(nil)
	_ fs.NodeReleaser   = (*File)(nil)
	_ fs.NodeLseeker    = (*File)(nil)
	_ fs.NodeGetxattrer = (*File)(nil)
)

func (r *Root) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755 | syscall.S_IFDIR
	out.Ino = 1
	out.SetTimeout(attrValidDuration)
	return 0
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return readdirChildren(r.fsys, "")
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return lookupChild(&r.Inode, r.fsys, "", name, out)
}

func (r *Root) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st unix.Statfs_t
	if err := unix.Statfs(r.fsys.sourceDir, &st); err != nil {
		return fs.ToErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return 0
}

func (d *Dir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755 | syscall.S_IFDIR
	out.Ino = d.fsys.reportIno(&d.Inode, d.path)
	out.SetTimeout(attrValidDuration)
	return 0
}

func (d *Dir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d.fsys.ensureDirScanned(d.path)
	return readdirChildren(d.fsys, d.path)
}

func (d *Dir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d.fsys.ensureDirScanned(d.path)
	return lookupChild(&d.Inode, d.fsys, d.path, name, out)
}

func readdirChildren(fsys *Filesystem, dir string) (fs.DirStream, syscall.Errno) {
	fsys.globalLock.RLock()
	defer fsys.globalLock.RUnlock()

	var entries []fuse.DirEntry
	for _, name := range fsys.dirs[dir] {
		full := name
		if dir != "" {
			full = filepath.Join(dir, name)
		}
		mode := uint32(syscall.S_IFDIR)
		if _, ok := fsys.cache.Get(full); ok {
			mode = syscall.S_IFREG
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: mode,
			Ino:  fsys.inodeLocked(full),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func lookupChild(parent *fs.Inode, fsys *Filesystem, dir, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	full := name
	if dir != "" {
		full = filepath.Join(dir, name)
	}

	fsys.globalLock.RLock()
	entry, isFile := fsys.cache.Get(full)
	_, isDir := fsys.dirs[full]
	ino := fsys.inodeLocked(full)
	fsys.globalLock.RUnlock()
	if !fsys.opts.GetBool(options.KeyFakeInode) {
		ino = 0
	}

	out.SetEntryTimeout(entryValidDuration)
	out.SetAttrTimeout(attrValidDuration)

	if isFile && entry != filecache.LoopFS {
		out.Size = uint64(entry.Stat.Size)
		child := &File{fsys: fsys, path: full, entry: entry}
		return parent.NewInode(context.Background(), child, fs.StableAttr{Mode: syscall.S_IFREG, Ino: ino}), 0
	}
	if isDir || dirHasChildren(fsys, dir, name) {
		child := &Dir{fsys: fsys, path: full}
		return parent.NewInode(context.Background(), child, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: ino}), 0
	}
	return nil, syscall.ENOENT
}

func dirHasChildren(fsys *Filesystem, dir, name string) bool {
	fsys.globalLock.RLock()
	defer fsys.globalLock.RUnlock()
	for _, n := range fsys.dirs[dir] {
		if n == name {
			return true
		}
	}
	return false
}

func (f *File) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0644 | syscall.S_IFREG
	out.Size = uint64(f.entry.Stat.Size)
	out.Ino = f.fsys.reportIno(&f.Inode, f.path)
	out.SetTimeout(attrValidDuration)
	return 0
}

func (f *File) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if attr != "user.method" {
		return 0, syscall.ENODATA
	}
	val := fmt.Sprintf("%d", f.entry.Method)
	if len(dest) < len(val) {
		return uint32(len(val)), syscall.ERANGE
	}
	copy(dest, val)
	return uint32(len(val)), 0
}

// Handle is the open file state for one File.Open call. It picks between a
// RawReader and a PipedReader once, at Open time, based on whether the
// entry's geometry was resolved as stored-and-unencrypted.
type Handle struct {
	mu  sync.Mutex
	raw *ioengine.RawReader
	pip *ioengine.PipedReader
}

func (f *File) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if f.entry.ArchivePath == "" {
		// Passthrough: served straight from the source file via a raw,
		// single-volume reader.
		raw := ioengine.NewRawReader([]ioengine.VolumePart{{
			Path:   f.entry.LinkTarget,
			Offset: 0,
			Length: f.entry.Stat.Size,
		}}, f.entry.Stat.Size, f.fsys.opts.GetBool(options.KeyDirectIO))
		return &Handle{raw: raw}, fuse.FOPEN_KEEP_CACHE, 0
	}

	if f.entry.Flags().Has(filecache.FlagRaw) {
		raw := ioengine.NewRawReader(f.fsys.rawVolumeParts(f.entry), f.entry.Stat.Size, f.fsys.opts.GetBool(options.KeyDirectIO))
		return &Handle{raw: raw}, fuse.FOPEN_KEEP_CACHE, 0
	}

	seekLength, _ := f.fsys.opts.GetInt(options.KeySeekLength)
	if v, ok := f.fsys.cfg.SeekLength(filepath.Dir(f.entry.ArchivePath)); ok {
		seekLength = v
	}
	saveEOF := f.fsys.opts.GetBool(options.KeySaveEOF)
	if v, ok := f.fsys.cfg.SaveEOF(filepath.Dir(f.entry.ArchivePath)); ok {
		saveEOF = v
	}
	password, _ := f.fsys.cfg.Password(filepath.Dir(f.entry.ArchivePath))

	archivePath := f.entry.ArchivePath
	memberName := f.entry.MemberName
	pip := ioengine.NewPipedReader(func() (*rardecode.ReadCloser, error) {
		return openArchiveWithPassword(archivePath, password)
	}, memberName, seekLength, saveEOF, f.entry.Stat.Size)
	return &Handle{pip: pip}, 0, 0
}

func (f *File) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*Handle)
	if !ok {
		return nil, syscall.EIO
	}
	if len(dest) > maxReadSize {
		dest = dest[:maxReadSize]
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var n int
	var err error
	switch {
	case h.raw != nil:
		n, err = h.raw.ReadAt(dest, off)
	case h.pip != nil:
		n, err = h.pip.ReadAt(dest, off)
	default:
		return nil, syscall.EIO
	}
	if err != nil && err != io.EOF {
		logger.Warn("read failed", "path", f.path, "err", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *File) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h, ok := fh.(*Handle)
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.raw != nil {
		h.raw.Close()
	}
	if h.pip != nil {
		h.pip.Release()
	}
	return 0
}

// Lseek reports every byte of an archive member or passthrough file as
// data: roarfs never represents a member as sparse, so SEEK_HOLE always
// resolves to the end of file and SEEK_DATA is a no-op.
func (f *File) Lseek(ctx context.Context, fh fs.FileHandle, off uint64, whence uint32) (uint64, syscall.Errno) {
	size := uint64(f.entry.Stat.Size)
	switch whence {
	case unix.SEEK_DATA:
		if off > size {
			return 0, syscall.ENXIO
		}
		return off, 0
	case unix.SEEK_HOLE:
		return size, 0
	default:
		return off, 0
	}
}

// Mount creates a Filesystem rooted at sourceDir and mounts it at
// mountPoint, returning the live fuse.Server and the Filesystem for
// later shutdown via Close.
func Mount(sourceDir, mountPoint string, opts *options.Registry) (*fuse.Server, *Filesystem, error) {
	logger.Info("mounting filesystem", "source", sourceDir, "mountPoint", mountPoint)

	fsys, err := New(sourceDir, opts)
	if err != nil {
		logger.Error("failed to initialize filesystem", "err", err)
		return nil, nil, err
	}

	root := &Root{fsys: fsys}
	fuseOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: opts != nil && opts.GetBool(options.KeyAllowOther),
			FsName:     "roarfs",
			Name:       "roarfs",
			Options:    opts.FuseOpts(),
		},
	}

	server, err := fs.Mount(mountPoint, root, fuseOpts)
	if err != nil {
		logger.Error("failed to mount filesystem", "err", err)
		fsys.Close()
		return nil, nil, err
	}

	logger.Info("filesystem mounted successfully")
	return server, fsys, nil
}
