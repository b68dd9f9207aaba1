package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/freezer-project/freezer"
	"github.com/freezer-project/freezer/internal/queue"
	"github.com/freezer-project/freezer/internal/storage"
	"github.com/freezer-project/freezer/internal/walker"
)

// errQueueCapacity bounds the subprocess stderr queue (spec.md §4.8:
// "error queue (cap ≈2000)").
const errQueueCapacity = 2000

// TarConfig configures a TarEngine.
type TarConfig struct {
	Sink           storage.Sink
	ArchiverPath   string // e.g. "tar"; defaults to "tar" if empty
	SnapshotDir    string // where GNU tar listed-incremental snapshot files live
	Compression    Compression
	MaxSegmentSize int
	Excludes       []string

	// EncryptKeyFile is a path to a raw 32-byte symmetric key (spec.md §6:
	// "encrypt_key_file -- path to symmetric key; absence disables
	// encryption"). Empty disables encryption.
	EncryptKeyFile string

	// Symlinks selects backup-side symlink handling (spec.md §6:
	// "symlinks ∈ {preserve, dereference}"); dereference maps to the
	// archiver's own --dereference flag. The zero value is
	// walker.SymlinkPreserve.
	Symlinks walker.SymlinkMode

	// DryRun, restore side only, lists the archive's contents instead of
	// extracting them (spec.md §6: "dry_run"), exercising the archiver's
	// own --list mode rather than --extract.
	DryRun bool
}

// TarEngine implements freezer.BackupEngine as a thin driver over an
// external archiver invoked by direct argv (spec.md §4.8 tar mode),
// grounded on the teacher's exec.CommandContext usage throughout
// cmd/zi and bootstrap.go — never through a shell.
type TarEngine struct {
	cfg TarConfig
}

// NewTarEngine returns a TarEngine with cfg.
func NewTarEngine(cfg TarConfig) *TarEngine {
	if cfg.ArchiverPath == "" {
		cfg.ArchiverPath = "tar"
	}
	return &TarEngine{cfg: cfg}
}

var _ freezer.BackupEngine = (*TarEngine)(nil)

func (e *TarEngine) Metadata() freezer.Metadata {
	return freezer.Metadata{
		EngineName:  "tar",
		Compression: e.cfg.Compression.String(),
		Encryption:  e.cfg.EncryptKeyFile != "",
	}
}

func (e *TarEngine) snapshotPath(backupID string) string {
	return filepath.Join(e.cfg.SnapshotDir, backupID+".snar")
}

// Backup execs the archiver with --create and a listed-incremental
// snapshot file, whose bytes afterward serve as this generation's
// manifest (spec.md §4.8: "Tar mode binds the same pipeline to an
// external archiver process: stdout → RichQueue → consumer").
func (e *TarEngine) Backup(ctx context.Context, backupID, sourceRoot string, prevManifest []byte) ([]byte, error) {
	if err := os.MkdirAll(e.cfg.SnapshotDir, 0755); err != nil {
		return nil, err
	}
	if prevManifest != nil {
		if err := atomic.WriteFile(e.snapshotPath(backupID), bytes.NewReader(prevManifest)); err != nil {
			return nil, err
		}
	}

	args := []string{
		"--create",
		"--listed-incremental=" + e.snapshotPath(backupID),
		"--directory=" + sourceRoot,
		"--file=-",
	}
	if e.cfg.Symlinks == walker.SymlinkDereference {
		args = append(args, "--dereference")
	}
	for _, ex := range e.cfg.Excludes {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, ".")

	key, err := loadEncryptionKey(e.cfg.EncryptKeyFile)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cfg.ArchiverPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	errq := queue.New(errQueueCapacity)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go streamStderr(stderr, errq)

	seg := newSegmenter(ctx, e.cfg.Sink, backupID, e.cfg.MaxSegmentSize)
	ew := newEncryptWriter(seg, key)
	cw, err := compressWriter(ew, e.cfg.Compression)
	if err != nil {
		return nil, err
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(cw, stdout)
		copyDone <- err
	}()

	if err := supervise(ctx, cmd, errq, copyDone); err != nil {
		return nil, err
	}
	if err := cw.Close(); err != nil {
		return nil, &StorageError{Op: "compress flush", Err: err}
	}
	if err := ew.Close(); err != nil {
		return nil, &StorageError{Op: "encrypt flush", Err: err}
	}
	if err := seg.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, &ExternalArchiverFailed{Err: err}
	}

	return os.ReadFile(e.snapshotPath(backupID))
}

// Restore reads backupID's segments, decompresses them, and pipes the
// reconstructed tar stream into the archiver's stdin with --extract
// (spec.md §4.8: "producer → stdin; stderr → error RichQueue").
func (e *TarEngine) Restore(ctx context.Context, backupID string, manifest []byte, targetRoot string) error {
	if err := os.MkdirAll(targetRoot, 0755); err != nil {
		return err
	}

	extractFlag := "--extract"
	if e.cfg.DryRun {
		extractFlag = "--list"
	}
	args := []string{
		extractFlag,
		"--directory=" + targetRoot,
		"--file=-",
	}
	cmd := exec.CommandContext(ctx, e.cfg.ArchiverPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	errq := queue.New(errQueueCapacity)

	if err := cmd.Start(); err != nil {
		return err
	}
	go streamStderr(stderr, errq)

	key, err := loadEncryptionKey(e.cfg.EncryptKeyFile)
	if err != nil {
		return err
	}

	segs, segErrc := e.cfg.Sink.ReadSegments(ctx, backupID)
	pr, pw := io.Pipe()

	go func() {
		var ferr error
		for data := range segs {
			if _, err := pw.Write(data); err != nil {
				ferr = err
				break
			}
		}
		if ferr == nil {
			ferr = <-segErrc
		}
		pw.CloseWithError(ferr)
	}()

	copyDone := make(chan error, 1)
	go func() {
		ndr := newDecryptReader(pr, key)
		dr, err := decompressReader(ndr, e.cfg.Compression)
		if err != nil {
			copyDone <- err
			return
		}
		_, copyErr := io.Copy(stdin, dr)
		dr.Close()
		stdin.Close()
		copyDone <- copyErr
	}()

	if err := supervise(ctx, cmd, errq, copyDone); err != nil {
		return err
	}
	if err := cmd.Wait(); err != nil {
		return &ExternalArchiverFailed{Err: err}
	}
	return nil
}

func (e *TarEngine) PostBackup(ctx context.Context, backupID string, manifest []byte) error {
	if err := e.cfg.Sink.WriteManifest(ctx, backupID, manifest); err != nil {
		return &StorageError{Op: "write manifest", Err: err}
	}
	return nil
}

// streamStderr copies r into q chunk by chunk until r is exhausted,
// abandoning silently once the consumer (supervise) has moved on.
func streamStderr(r io.Reader, q *queue.Queue) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if putErr := q.Put(chunk); putErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// supervise implements spec.md §4.8's restore poll loop — generalized
// here to the backup side's subprocess too, since both need the same
// "don't join, poll for responsive cancellation" behavior (spec.md §5):
// "while writer alive ∧ process running ∧ error queue empty: sleep 1s.
// Any bytes on the error queue cause force_stop and raise
// ExternalArchiverFailed."
func supervise(ctx context.Context, cmd *exec.Cmd, errq *queue.Queue, writerDone <-chan error) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	// Runs after the return value (including archiverFailed's drain) is
	// computed; streamStderr's next Put then fails and it stops.
	defer errq.ForceStop()
	for {
		select {
		case err := <-writerDone:
			if !errq.Empty() {
				return archiverFailed(errq)
			}
			return err
		case <-ctx.Done():
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			return &Cancelled{Err: ctx.Err()}
		case <-ticker.C:
			if !errq.Empty() {
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
				return archiverFailed(errq)
			}
		}
	}
}

func archiverFailed(errq *queue.Queue) error {
	var buf bytes.Buffer
	for {
		chunk, err := errq.TryGet()
		if err != nil {
			break
		}
		buf.Write(chunk)
	}
	return &ExternalArchiverFailed{Stderr: buf.String()}
}
