// Package engine implements the engine facade & pipeline (spec.md §4.8):
// RsyncEngine drives walker/restore/rsyncsum through the compress →
// segment → storage pipeline, and TarEngine drives the equivalent
// external-archiver pipeline in tar mode.
package engine

import (
	"bufio"
	"context"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/freezer-project/freezer"
	"github.com/freezer-project/freezer/internal/fsmeta"
	"github.com/freezer-project/freezer/internal/inode"
	"github.com/freezer-project/freezer/internal/queue"
	"github.com/freezer-project/freezer/internal/restore"
	"github.com/freezer-project/freezer/internal/storage"
	"github.com/freezer-project/freezer/internal/walker"
)

// queueCapacity bounds the walker/consumer rendezvous queue (spec.md §4.1:
// size counted in chunks).
const queueCapacity = 64

// Config configures an RsyncEngine.
type Config struct {
	Sink           storage.Sink
	Compression    Compression
	BlockSize      int
	MaxSegmentSize int
	Excludes       []string

	// EncryptKeyFile is a path to a raw 32-byte symmetric key (spec.md §6:
	// "encrypt_key_file -- path to symmetric key; absence disables
	// encryption"). Empty disables encryption.
	EncryptKeyFile string

	// Symlinks selects how the walker treats symlinks on backup (spec.md
	// §6: "symlinks ∈ {preserve, dereference}"). The zero value is
	// walker.SymlinkPreserve.
	Symlinks walker.SymlinkMode

	// DryRun, restore side only, decodes and validates frames without
	// materializing any filesystem effect (spec.md §6: "dry_run").
	DryRun bool
}

// RsyncEngine implements freezer.BackupEngine by running the walker and
// restore applier directly in-process (spec.md §4.1-4.8), grounded on
// teacher internal/build's errgroup-driven producer/consumer wiring.
type RsyncEngine struct {
	cfg Config
}

// NewRsyncEngine returns an RsyncEngine with cfg. A zero-value Compression
// field means CompressionNone.
func NewRsyncEngine(cfg Config) *RsyncEngine {
	return &RsyncEngine{cfg: cfg}
}

var _ freezer.BackupEngine = (*RsyncEngine)(nil)

func (e *RsyncEngine) Metadata() freezer.Metadata {
	return freezer.Metadata{
		EngineName:  "rsync",
		Compression: e.cfg.Compression.String(),
		Encryption:  e.cfg.EncryptKeyFile != "",
	}
}

// Backup implements spec.md §4.8's backup-side pipeline: walker →
// framing bytes → RichQueue → consumer (compress → segment → storage).
// The two halves run as errgroup goroutines rendezvousing on q, mirroring
// the one-producer/one-consumer scheduling model of spec.md §5.
func (e *RsyncEngine) Backup(ctx context.Context, backupID, sourceRoot string, prevManifest []byte) ([]byte, error) {
	var prevMeta *fsmeta.FSMeta
	if prevManifest != nil {
		pm, err := fsmeta.Deserialize(prevManifest)
		if err != nil {
			return nil, xerrors.Errorf("engine: decoding prev manifest: %w", err)
		}
		prevMeta = pm
	}

	blockSize := e.cfg.BlockSize
	if blockSize <= 0 {
		blockSize = inode.RsyncBlockSize
	}

	q := queue.New(queueCapacity)
	g, gctx := errgroup.WithContext(ctx)

	var manifest *fsmeta.FSMeta
	g.Go(func() error {
		w := walker.New()
		m, err := w.Walk(walker.Options{
			Root:      sourceRoot,
			Excludes:  e.cfg.Excludes,
			PrevMeta:  prevMeta,
			BlockSize: blockSize,
			Symlinks:  e.cfg.Symlinks,
		}, q)
		if err != nil {
			q.ForceStop()
			return err
		}
		manifest = m
		return nil
	})

	g.Go(func() error {
		return e.consume(gctx, q, backupID)
	})

	go func() {
		<-gctx.Done()
		if gctx.Err() != nil {
			q.ForceStop()
		}
	}()

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Cancelled{Err: err}
	}

	return manifest.Serialize()
}

// consume drains q, compressing the concatenated frame stream and
// handing it to the segmenter, which writes fixed-size segments to the
// sink (spec.md §4.8).
func (e *RsyncEngine) consume(ctx context.Context, q *queue.Queue, backupID string) error {
	key, err := loadEncryptionKey(e.cfg.EncryptKeyFile)
	if err != nil {
		return err
	}

	seg := newSegmenter(ctx, e.cfg.Sink, backupID, e.cfg.MaxSegmentSize)
	ew := newEncryptWriter(seg, key)
	cw, err := compressWriter(ew, e.cfg.Compression)
	if err != nil {
		return err
	}

	for {
		chunk, err := q.Get()
		if err != nil {
			break // io.EOF (clean) or Cancelled (force_stop)
		}
		if _, err := cw.Write(chunk); err != nil {
			return &StorageError{Op: "compress", Err: err}
		}
	}

	if err := cw.Close(); err != nil {
		return &StorageError{Op: "compress flush", Err: err}
	}
	if err := ew.Close(); err != nil {
		return &StorageError{Op: "encrypt flush", Err: err}
	}
	return seg.Close()
}

// Restore implements spec.md §4.8's restore-side pipeline: storage.read →
// de-segmenter → decompress → applier.
func (e *RsyncEngine) Restore(ctx context.Context, backupID string, manifest []byte, targetRoot string) error {
	key, err := loadEncryptionKey(e.cfg.EncryptKeyFile)
	if err != nil {
		return err
	}

	segs, errc := e.cfg.Sink.ReadSegments(ctx, backupID)

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := func() error {
			for {
				select {
				case <-gctx.Done():
					return &Cancelled{Err: gctx.Err()}
				case data, ok := <-segs:
					if !ok {
						if err := <-errc; err != nil {
							return &StorageError{Op: "read segment", Err: err}
						}
						return nil
					}
					if _, err := pw.Write(data); err != nil {
						return err
					}
				}
			}
		}()
		pw.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		ndr := newDecryptReader(pr, key)
		dr, err := decompressReader(ndr, e.cfg.Compression)
		if err != nil {
			return err
		}
		defer dr.Close()
		a := restore.New(targetRoot)
		a.DryRun = e.cfg.DryRun
		return a.Apply(bufio.NewReader(dr))
	})

	return g.Wait()
}

func (e *RsyncEngine) PostBackup(ctx context.Context, backupID string, manifest []byte) error {
	if err := e.cfg.Sink.WriteManifest(ctx, backupID, manifest); err != nil {
		return &StorageError{Op: "write manifest", Err: err}
	}
	return nil
}
