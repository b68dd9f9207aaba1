// Package restore implements the restore applier (spec.md §4.7): it
// replays a framed stream against a target root, dispatching on each
// frame's file type and tolerating per-node failures the way a restore
// run as a non-root user must (spec.md §4.7 step 5).
package restore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/google/renameio"

	"github.com/freezer-project/freezer/internal/inode"
	"github.com/freezer-project/freezer/internal/rsyncsum"
)

// RestoreNodeError wraps a single frame's failure to apply (spec.md §4.7
// step 5: "logged and tolerated"). The applier continues past it.
type RestoreNodeError struct {
	Path string
	Err  error
}

func (e *RestoreNodeError) Error() string { return fmt.Sprintf("restore %s: %v", e.Path, e.Err) }
func (e *RestoreNodeError) Unwrap() error { return e.Err }

// TruncatedStream is fatal: a frame could not be decoded, or a token
// stream ended mid-payload (spec.md §4.7: "mid-frame EOF is fatal").
type TruncatedStream struct{ Err error }

func (e *TruncatedStream) Error() string { return fmt.Sprintf("restore: truncated stream: %v", e.Err) }
func (e *TruncatedStream) Unwrap() error { return e.Err }

// Applier replays a framed stream against TargetRoot.
type Applier struct {
	TargetRoot string

	// OnNodeError receives every non-fatal per-node failure. New sets this
	// to a log.Printf-based default (spec.md §4.7 step 5: "logged and
	// tolerated"), grounded on internal/repo.Reader's warning-site
	// log.Printf idiom; callers that want a different sink can overwrite
	// the field before calling Apply.
	OnNodeError func(error)

	// DryRun, when set, makes Apply decode and validate every frame's
	// payload without touching TargetRoot at all (spec.md §6: "dry_run --
	// restore side only; decodes and validates frames without
	// materializing filesystem effects").
	DryRun bool
}

// New returns an Applier rooted at targetRoot, an absolute path, logging
// non-fatal node errors via the standard logger.
func New(targetRoot string) *Applier {
	return &Applier{
		TargetRoot:  targetRoot,
		OnNodeError: func(err error) { log.Printf("restore: %v", err) },
	}
}

func (a *Applier) nodeErr(path string, err error) {
	if err == nil {
		return
	}
	if a.OnNodeError != nil {
		a.OnNodeError(&RestoreNodeError{Path: path, Err: err})
	}
}

// Apply consumes r, a framed stream per spec.md §3/§4.6, applying each
// frame until clean EOF between frames.
func (a *Applier) Apply(r *bufio.Reader) error {
	for {
		path, rec, err := inode.DecodeHeader(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return &TruncatedStream{Err: err}
		}
		if a.DryRun {
			// Every frame's payload, whether a tombstone, a metadata-only
			// refresh, or a regular file's full delta, is a well-formed
			// rsyncsum token stream (the empty-terminator literal run in
			// the non-regular cases); validating it is enough to satisfy
			// dry_run without ever touching TargetRoot.
			if err := rsyncsum.ValidateDelta(r); err != nil {
				return &TruncatedStream{Err: err}
			}
			continue
		}

		abs := filepath.Join(a.TargetRoot, path)

		if rec.Deleted {
			if err := skipPayload(r); err != nil {
				return &TruncatedStream{Err: err}
			}
			a.nodeErr(path, a.applyDelete(abs))
			continue
		}

		switch rec.Type {
		case inode.Directory:
			if err := skipPayload(r); err != nil {
				return &TruncatedStream{Err: err}
			}
			a.nodeErr(path, a.applyDir(path, abs, rec))

		case inode.Regular, inode.Unknown:
			if err := a.applyRegular(r, path, abs, rec); err != nil {
				if _, fatal := err.(*TruncatedStream); fatal {
					return err
				}
				a.nodeErr(path, err)
			}

		case inode.Symlink:
			if err := skipPayload(r); err != nil {
				return &TruncatedStream{Err: err}
			}
			a.nodeErr(path, a.applySymlink(path, abs, rec))

		case inode.CharDevice, inode.BlockDevice:
			if err := skipPayload(r); err != nil {
				return &TruncatedStream{Err: err}
			}
			a.nodeErr(path, a.applyDevice(path, abs, rec))

		case inode.Fifo:
			if err := skipPayload(r); err != nil {
				return &TruncatedStream{Err: err}
			}
			a.nodeErr(path, a.applyFifo(path, abs, rec))

		case inode.Socket:
			if err := skipPayload(r); err != nil {
				return &TruncatedStream{Err: err}
			}
			// sockets are never archived or restored (spec.md §4.7 step 4, 's' -> skip).
		}
	}
}

// skipPayload consumes a payload known to carry no bytes: every frame
// except a regular-file token stream is framed as the single zero-length
// literal terminator (spec.md §4.6).
func skipPayload(r *bufio.Reader) error {
	return rsyncsum.ApplyDelta(io.Discard, r, bytes.NewReader(nil), 0, inode.RsyncBlockSize)
}

func (a *Applier) applyDelete(abs string) error {
	fi, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.IsDir() {
		return os.RemoveAll(abs)
	}
	return os.Remove(abs)
}

func (a *Applier) applyDir(path, abs string, rec inode.Record) error {
	if err := os.MkdirAll(abs, os.FileMode(rec.Mode&0777)|os.ModeDir); err != nil {
		return err
	}
	a.setOwner(path, abs, rec)
	return setTimes(abs, rec)
}

// applyRegular implements spec.md §4.7 step 4's r/u branch: the payload
// is always a match/literal token stream (a level-0 or brand-new file is
// just a stream of literal tokens with no matches), applied against the
// existing file contents via rsyncsum.ApplyDelta, written atomically.
func (a *Applier) applyRegular(r *bufio.Reader, path, abs string, rec inode.Record) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}

	var source io.ReaderAt = bytes.NewReader(nil)
	var sourceSize int64
	if existing, err := os.Open(abs); err == nil {
		defer existing.Close()
		if fi, err := existing.Stat(); err == nil {
			sourceSize = fi.Size()
		}
		source = existing
	}

	tmp, err := renameio.TempFile("", abs)
	if err != nil {
		return err
	}
	defer tmp.Cleanup()

	blockSize := rec.RsyncBlockSize
	if blockSize <= 0 {
		blockSize = inode.RsyncBlockSize
	}
	counter := &countingWriter{w: tmp}
	if err := rsyncsum.ApplyDelta(counter, r, source, sourceSize, blockSize); err != nil {
		if errors.Is(err, rsyncsum.ErrTruncatedTokenStream) {
			return &TruncatedStream{Err: err}
		}
		return err
	}
	if counter.n != rec.Size {
		return xerrors.Errorf("reconstructed %d bytes, advertised size was %d", counter.n, rec.Size)
	}
	if err := tmp.Chmod(os.FileMode(rec.Mode & 0777)); err != nil {
		return err
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return err
	}
	a.setOwner(path, abs, rec)
	return setTimes(abs, rec)
}

func (a *Applier) applySymlink(path, abs string, rec inode.Record) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	os.Remove(abs) // symlink() fails if the target already exists
	if err := os.Symlink(rec.Lname, abs); err != nil {
		return err
	}
	if err := os.Lchown(abs, int(rec.Uid), int(rec.Gid)); err != nil {
		a.nodeErr(path, xerrors.Errorf("lchown: %w", err))
	}
	return nil
}

func (a *Applier) applyDevice(path, abs string, rec inode.Record) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	mode := rec.Mode & 0777
	if rec.Type == inode.CharDevice {
		mode |= unix.S_IFCHR
	} else {
		mode |= unix.S_IFBLK
	}
	dev := unix.Mkdev(rec.DevMajor, rec.DevMinor)
	os.Remove(abs)
	if err := unix.Mknod(abs, mode, int(dev)); err != nil {
		return err
	}
	a.setOwner(path, abs, rec)
	return setTimes(abs, rec)
}

func (a *Applier) applyFifo(path, abs string, rec inode.Record) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	os.Remove(abs)
	if err := unix.Mkfifo(abs, rec.Mode&0777); err != nil {
		return err
	}
	a.setOwner(path, abs, rec)
	return setTimes(abs, rec)
}

// setOwner attempts chown, routing any failure through nodeErr rather
// than propagating it: ownership failures are tolerated on a non-root
// restore (spec.md §4.7 step 5).
func (a *Applier) setOwner(path, abs string, rec inode.Record) {
	if err := os.Chown(abs, int(rec.Uid), int(rec.Gid)); err != nil {
		a.nodeErr(path, xerrors.Errorf("chown: %w", err))
	}
}

func setTimes(abs string, rec inode.Record) error {
	mtime := time.Unix(rec.Mtime, 0)
	return os.Chtimes(abs, mtime, mtime)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
