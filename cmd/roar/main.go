// Command roar mounts a directory containing RAR archives as a FUSE filesystem,
// presenting the contents of the archives as if they were regular files.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/roarfs/roar/internal/options"
	"github.com/roarfs/roar/internal/rarfs"
)

var version = "dev"

// checkFuseAvailability checks if FUSE libraries are installed and available.
// It verifies both the fusermount command and /dev/fuse device.
func checkFuseAvailability(logger *slog.Logger) error {
	// Check for fusermount command
	if _, err := exec.LookPath("fusermount"); err != nil {
		return fmt.Errorf("fusermount command not found. Please install FUSE libraries:\n" +
			"  Debian/Ubuntu: sudo apt-get install fuse libfuse2\n" +
			"  Fedora/RHEL:   sudo dnf install fuse fuse-libs\n" +
			"  Arch Linux:    sudo pacman -S fuse2")
	}

	// Check for /dev/fuse device
	if _, err := os.Stat("/dev/fuse"); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("/dev/fuse not found. FUSE kernel module may not be loaded.\n" +
				"Try loading it with: sudo modprobe fuse")
		}
		return fmt.Errorf("error accessing /dev/fuse: %w", err)
	}

	logger.Debug("FUSE libraries available")
	return nil
}

// fuseOptList accumulates repeated -fuse-opt flags into an
// options.Registry-backed slice.
type fuseOptList struct {
	opts *options.Registry
}

func (f *fuseOptList) String() string { return "" }
func (f *fuseOptList) Set(v string) error {
	f.opts.AddFuseOpt(v)
	return nil
}

func main() {
	var showVersion bool
	var allowOther bool
	var seekLength int64
	var saveEOF bool
	var flatOnly bool
	var noIdxMmap bool
	var directIO bool
	var recursive bool
	var recursionDepth int64
	var maxUnpackSize int64
	var workers int64
	var fakeInode bool

	opts := options.New()

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.BoolVar(&allowOther, "allow-other", false, "Allow other users to access the mounted filesystem (requires user_allow_other in /etc/fuse.conf)")
	flag.Int64Var(&seekLength, "seek-length", 4<<20, "Bytes past the decoded window a forward seek may drain from a piped decode before restarting it")
	flag.BoolVar(&saveEOF, "save-eof", false, "Check that a piped decode yields the member's declared size at its end, failing reads when it does not")
	flag.BoolVar(&flatOnly, "flat-only", false, "Merge each archive's members into the directory holding the archive instead of presenting the archive as a directory")
	flag.BoolVar(&noIdxMmap, "no-idx-mmap", false, "Read .r2i sidecar index files with a plain read instead of mmap")
	flag.BoolVar(&directIO, "direct-io", false, "Open volume files with O_DIRECT for raw reads, bypassing the page cache")
	flag.BoolVar(&recursive, "recursive", false, "Unpack archives found nested inside other archives")
	flag.Int64Var(&recursionDepth, "recursion-depth", options.DefaultRecursionDepth, "Maximum nesting depth for recursive archive unpacking")
	flag.Int64Var(&maxUnpackSize, "max-unpack-size", options.DefaultMaxUnpackSize, "Cumulative byte cap on extraction while descending one recursive chain")
	flag.Int64Var(&workers, "workers", 0, "Number of worker goroutines for background archive probing (0 lets the runtime decide)")
	flag.BoolVar(&fakeInode, "fake-inode", true, "Report manufactured, stable inode numbers instead of letting the kernel assign them")
	flag.Var(&fuseOptList{opts: opts}, "fuse-opt", "Pass one option straight through to the FUSE mount (repeatable)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <source_directory> <mount_point>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "roar presents RAR archives in a directory as a virtual filesystem.\n")
		fmt.Fprintf(os.Stderr, "The source directory should contain subdirectories with RAR files.\n")
		fmt.Fprintf(os.Stderr, "Supports split RAR files (.r00, .r01, etc.), .partN.rar sets, and RAR5.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ROAR_LOG_LEVEL\n")
		fmt.Fprintf(os.Stderr, "    \tSet log level (debug, info, warn, error). Default: info\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("roar version %s\n", version)
		os.Exit(0)
	}

	// Set up structured logging
	// Log level can be set via ROAR_LOG_LEVEL environment variable
	// Valid values: debug, info, warn, error
	logLevel := slog.LevelInfo
	if envLevel := os.Getenv("ROAR_LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			logLevel = slog.LevelDebug
		case "info":
			logLevel = slog.LevelInfo
		case "warn":
			logLevel = slog.LevelWarn
		case "error":
			logLevel = slog.LevelError
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	rarfs.SetLogger(logger)

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}

	sourceDir := args[0]
	mountPoint := args[1]

	// Validate source directory
	sourceInfo, err := os.Stat(sourceDir)
	if err != nil {
		logger.Error("error accessing source directory", "error", err)
		os.Exit(1)
	}
	if !sourceInfo.IsDir() {
		logger.Error("source path is not a directory", "path", sourceDir)
		os.Exit(1)
	}

	// Convert to absolute paths
	sourceDir, err = filepath.Abs(sourceDir)
	if err != nil {
		logger.Error("error resolving source directory path", "error", err)
		os.Exit(1)
	}

	mountPoint, err = filepath.Abs(mountPoint)
	if err != nil {
		logger.Error("error resolving mount point path", "error", err)
		os.Exit(1)
	}

	// Ensure mount point exists and is a directory
	mountInfo, err := os.Stat(mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Error("mount point does not exist", "path", mountPoint)
			os.Exit(1)
		}
		logger.Error("error accessing mount point", "error", err)
		os.Exit(1)
	}
	if !mountInfo.IsDir() {
		logger.Error("mount point is not a directory", "path", mountPoint)
		os.Exit(1)
	}

	// Check if FUSE libraries are installed
	if err := checkFuseAvailability(logger); err != nil {
		logger.Error("FUSE not available", "error", err)
		os.Exit(1)
	}

	opts.SetBool(options.KeyAllowOther, allowOther)
	opts.SetInt(options.KeySeekLength, seekLength)
	opts.SetBool(options.KeySaveEOF, saveEOF)
	opts.SetBool(options.KeyFlatOnly, flatOnly)
	opts.SetBool(options.KeyNoIdxMmap, noIdxMmap)
	opts.SetBool(options.KeyDirectIO, directIO)
	opts.SetBool(options.KeyRecursive, recursive)
	opts.SetInt(options.KeyRecursionDepth, recursionDepth)
	opts.SetInt(options.KeyMaxUnpackSize, maxUnpackSize)
	opts.SetInt(options.KeyWorkers, workers)
	opts.SetBool(options.KeyFakeInode, fakeInode)
	opts.SetString(options.KeySource, sourceDir)

	server, rfs, err := rarfs.Mount(sourceDir, mountPoint, opts)
	if err != nil {
		logger.Error("failed to mount filesystem", "error", err)
		os.Exit(2)
	}

	logger.Info("filesystem mounted successfully, press Ctrl+C to unmount")

	// Handle signals for clean shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received signal, unmounting...")
		err := server.Unmount()
		if err != nil {
			logger.Error("error unmounting", "error", err)
		}
	}()
	server.Wait()

	// Clean up the watcher
	if err := rfs.Close(); err != nil {
		logger.Error("error closing filesystem", "error", err)
	}

	logger.Info("filesystem unmounted")
}
