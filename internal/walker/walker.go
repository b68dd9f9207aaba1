// Package walker implements the backup walker (spec.md §4.5): a
// depth-first traversal of a source tree that dispatches each entry to a
// full or incremental encoding and writes the resulting frames to a
// RichQueue, alongside an FSMeta manifest accumulated as it goes.
package walker

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/freezer-project/freezer/internal/fsmeta"
	"github.com/freezer-project/freezer/internal/inode"
	"github.com/freezer-project/freezer/internal/ownercache"
	"github.com/freezer-project/freezer/internal/queue"
	"github.com/freezer-project/freezer/internal/rsyncsum"
)

// WalkError is returned for any per-entry lstat/readlink/open failure
// (spec.md §4.5: "Permission failures are not silently skipped").
type WalkError struct {
	Path string
	Err  error
}

func (e *WalkError) Error() string { return fmt.Sprintf("walk %s: %v", e.Path, e.Err) }
func (e *WalkError) Unwrap() error { return e.Err }

// SymlinkMode selects backup-side symlink handling (spec.md §6: "symlinks
// ∈ {preserve, dereference}").
type SymlinkMode int

const (
	// SymlinkPreserve archives a symlink as a symlink (the zero value).
	SymlinkPreserve SymlinkMode = iota
	// SymlinkDereference archives a symlink's target content/metadata in
	// its place, as a regular file.
	SymlinkDereference
)

func (m SymlinkMode) String() string {
	if m == SymlinkDereference {
		return "dereference"
	}
	return "preserve"
}

// Options configures one walk.
type Options struct {
	Root      string
	Excludes  []string
	PrevMeta  *fsmeta.FSMeta // nil for a level-0 (full) backup
	BlockSize int
	Symlinks  SymlinkMode
}

// Walker is stateless across calls except for its owner-name cache, which
// is scoped to the lifetime of the Walker (spec.md §9: cache resolution
// per backup).
type Walker struct {
	owners *ownercache.Cache
}

// New returns a Walker with a fresh owner cache.
func New() *Walker {
	return &Walker{owners: ownercache.New()}
}

// Walk traverses opts.Root depth-first, writing framed bytes to q and
// returning the manifest for this generation. q is finished on return,
// even on error, so a consumer blocked on q.Get observes EOF or Cancelled
// rather than hanging forever.
func (wlk *Walker) Walk(opts Options, q *queue.Queue) (*fsmeta.FSMeta, error) {
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = inode.RsyncBlockSize
	}

	level := 0
	if opts.PrevMeta != nil {
		level = opts.PrevMeta.Meta.Level + 1
	}

	manifest := fsmeta.New(blockSize)
	manifest.Meta.Level = level
	manifest.Meta.Platform = runtime.GOOS

	seenFiles := make(map[string]bool)
	seenDirs := make(map[string]bool)

	walkErr := filepath.Walk(opts.Root, func(path string, info os.FileInfo, ferr error) error {
		if ferr != nil {
			return &WalkError{Path: path, Err: ferr}
		}
		rel, err := filepath.Rel(opts.Root, path)
		if err != nil {
			return &WalkError{Path: path, Err: err}
		}
		if rel == "." {
			return nil // the root itself is never emitted, only descended into
		}
		rel = filepath.ToSlash(rel)

		if excluded(opts.Excludes, rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rec, err := wlk.statEntry(path, level, opts.Symlinks)
		if err != nil {
			return &WalkError{Path: path, Err: err}
		}
		if rec.Type.Skip() {
			return nil
		}

		if info.IsDir() {
			seenDirs[rel] = true
			manifest.AddDirectory(rel)
			return wlk.emitMetadataOnly(q, manifest, rel, rec, nil)
		}

		seenFiles[rel] = true
		return wlk.processFile(q, manifest, rel, rec, path, opts.PrevMeta, blockSize)
	})
	if walkErr != nil {
		q.Finish()
		var we *WalkError
		if errors.As(walkErr, &we) {
			return nil, we
		}
		return nil, &WalkError{Path: opts.Root, Err: walkErr}
	}

	if opts.PrevMeta != nil {
		if err := wlk.emitTombstones(q, manifest, opts.PrevMeta, seenFiles, seenDirs, level); err != nil {
			q.Finish()
			return nil, err
		}
	}

	q.Finish()
	return manifest, nil
}

// excluded reports whether rel matches any of patterns, tried both against
// the full relative path and against its base name so that a single-segment
// pattern like "*.log" excludes "a/skip.log" (spec.md §8 property 7, test
// S5).
func excluded(patterns []string, rel string) bool {
	base := filepath.Base(rel)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// statEntry stats path, following a symlink through to its target's
// metadata instead of the link itself when symlinks is SymlinkDereference
// (spec.md §6: "symlinks ∈ {preserve, dereference}"); os.ReadFile on a
// symlink path already follows it for content, so dereferencing here only
// needs to change what metadata/type gets recorded.
func (wlk *Walker) statEntry(path string, level int, symlinks SymlinkMode) (inode.Record, error) {
	lst, err := os.Lstat(path)
	if err != nil {
		return inode.Record{}, err
	}

	statSrc := os.FileInfo(lst)
	dereferenced := false
	if lst.Mode()&os.ModeSymlink != 0 && symlinks == SymlinkDereference {
		target, err := os.Stat(path)
		if err != nil {
			return inode.Record{}, err
		}
		statSrc = target
		dereferenced = true
	}

	sys, ok := statSrc.Sys().(*syscall.Stat_t)
	if !ok {
		return inode.Record{}, xerrors.Errorf("%s: unsupported stat_t", path)
	}

	rec := inode.Record{
		Inumber:        sys.Ino,
		Nlink:          uint64(sys.Nlink),
		Mode:           uint32(sys.Mode),
		Uid:            sys.Uid,
		Gid:            sys.Gid,
		Size:           statSrc.Size(),
		DevMajor:       uint32(unix.Major(uint64(sys.Rdev))),
		DevMinor:       uint32(unix.Minor(uint64(sys.Rdev))),
		Mtime:          statSrc.ModTime().Unix(),
		Ctime:          sys.Ctim.Sec,
		RsyncBlockSize: inode.RsyncBlockSize,
		Level:          level,
		Type:           classify(statSrc.Mode()),
	}
	rec.Uname = wlk.owners.Uname(rec.Uid)
	rec.Gname = wlk.owners.Gname(rec.Gid)

	if rec.Type == inode.Symlink && !dereferenced {
		target, err := os.Readlink(path)
		if err != nil {
			return inode.Record{}, err
		}
		rec.Lname = target
	}
	return rec, nil
}

func classify(mode os.FileMode) inode.FileType {
	switch {
	case mode&os.ModeSymlink != 0:
		return inode.Symlink
	case mode.IsDir():
		return inode.Directory
	case mode&os.ModeSocket != 0:
		return inode.Socket
	case mode&os.ModeNamedPipe != 0:
		return inode.Fifo
	case mode&os.ModeCharDevice != 0:
		return inode.CharDevice
	case mode&os.ModeDevice != 0:
		return inode.BlockDevice
	case mode.IsRegular():
		return inode.Regular
	default:
		return inode.Unknown
	}
}

// processFile dispatches a non-directory entry per spec.md §4.5 steps 5-6:
// when there is no prior manifest to diff against (a level-0 walk, or a
// path new to this generation), it emits a full payload; otherwise it
// computes the incremental encoding relative to the prior entry.
func (wlk *Walker) processFile(q *queue.Queue, manifest *fsmeta.FSMeta, rel string, rec inode.Record, path string, prevMeta *fsmeta.FSMeta, blockSize int) error {
	var (
		old     fsmeta.Entry
		haveOld bool
	)
	if prevMeta != nil {
		old, haveOld = prevMeta.GetOldFileMeta(rel)
	}

	switch {
	case !haveOld:
		return wlk.emitFull(q, manifest, rel, rec, path, blockSize)
	case rec.Type.IsRegular() && fsmeta.IsFileModified(old.Record, rec):
		return wlk.emitDelta(q, manifest, rel, rec, path, old.Signatures, blockSize)
	default:
		return wlk.emitMetadataOnly(q, manifest, rel, rec, old.Signatures)
	}
}

// emitFull encodes rel as a brand-new entry: for regular files this means
// a full signature list plus a payload framed as one or more literal runs
// (spec.md §4.6, "Level 0 ... framed as one or more literal runs"); for
// every other archivable type there is no byte payload to carry.
func (wlk *Walker) emitFull(q *queue.Queue, manifest *fsmeta.FSMeta, rel string, rec inode.Record, path string, blockSize int) error {
	if !rec.Type.IsRegular() {
		manifest.AddFile(rel, rec, nil)
		return writeFrame(q, rel, rec, nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &WalkError{Path: path, Err: err}
	}
	sigs, err := rsyncsum.BlockChecksums(bytes.NewReader(data), blockSize)
	if err != nil {
		return &WalkError{Path: path, Err: err}
	}
	var payload bytes.Buffer
	if err := rsyncsum.GenerateDelta(&payload, bytes.NewReader(data), nil, blockSize); err != nil {
		return &WalkError{Path: path, Err: err}
	}
	manifest.AddFile(rel, rec, sigs)
	return writeFrame(q, rel, rec, payload.Bytes())
}

// emitDelta encodes rel as a modified regular file: new signatures are
// computed and recorded, and the payload is the match/literal token
// stream relative to oldSigs (spec.md §4.6, "Level ≥ 1 with old").
func (wlk *Walker) emitDelta(q *queue.Queue, manifest *fsmeta.FSMeta, rel string, rec inode.Record, path string, oldSigs []rsyncsum.Signature, blockSize int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &WalkError{Path: path, Err: err}
	}
	sigs, err := rsyncsum.BlockChecksums(bytes.NewReader(data), blockSize)
	if err != nil {
		return &WalkError{Path: path, Err: err}
	}
	var payload bytes.Buffer
	if err := rsyncsum.GenerateDelta(&payload, bytes.NewReader(data), oldSigs, blockSize); err != nil {
		return &WalkError{Path: path, Err: err}
	}
	manifest.AddFile(rel, rec, sigs)
	return writeFrame(q, rel, rec, payload.Bytes())
}

// emitMetadataOnly writes a header with a zero-length payload: an
// unmodified file refresh, or a directory entry, both of which carry no
// byte content across the wire (spec.md §4.5 step 6 else-branch). Prior
// signatures, if any, are carried forward so a later generation can still
// diff against them.
func (wlk *Walker) emitMetadataOnly(q *queue.Queue, manifest *fsmeta.FSMeta, rel string, rec inode.Record, carrySigs []rsyncsum.Signature) error {
	if rec.Type != inode.Directory {
		manifest.AddFile(rel, rec, carrySigs)
	}
	return writeFrame(q, rel, rec, nil)
}

// emitTombstones implements spec.md §4.5 step 7: paths present in
// prevMeta but absent from this walk are recorded as deleted.
func (wlk *Walker) emitTombstones(q *queue.Queue, manifest, prevMeta *fsmeta.FSMeta, seenFiles, seenDirs map[string]bool, level int) error {
	var missingFiles []string
	for p, e := range prevMeta.Files {
		if e.Record.Deleted || seenFiles[p] {
			continue
		}
		missingFiles = append(missingFiles, p)
	}
	sort.Strings(missingFiles)
	for _, p := range missingFiles {
		rec := inode.Record{Type: prevMeta.Files[p].Record.Type, Level: level, Deleted: true}
		manifest.AddFile(p, rec, nil)
		if err := writeFrame(q, p, rec, nil); err != nil {
			return err
		}
	}

	var missingDirs []string
	for d := range prevMeta.Directories {
		if seenDirs[d] {
			continue
		}
		missingDirs = append(missingDirs, d)
	}
	sort.Strings(missingDirs)
	for _, d := range missingDirs {
		rec := inode.Record{Type: inode.Directory, Level: level, Deleted: true}
		if err := writeFrame(q, d, rec, nil); err != nil {
			return err
		}
	}
	return nil
}

// writeFrame enqueues the header and payload (possibly empty) for one
// entry as two chunks, in order.
func writeFrame(q *queue.Queue, rel string, rec inode.Record, payload []byte) error {
	header, err := inode.EncodeHeader(rel, rec)
	if err != nil {
		return err
	}
	if err := q.Put(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		var buf bytes.Buffer
		if err := rsyncsum.WriteEmptyDelta(&buf); err != nil {
			return err
		}
		payload = buf.Bytes()
	}
	return q.Put(payload)
}
