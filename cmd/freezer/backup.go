package main

import (
	"context"
	"flag"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/freezer-project/freezer/internal/engine"
	"github.com/freezer-project/freezer/internal/storage"
	"github.com/freezer-project/freezer/internal/walker"
)

const backupHelp = `freezer backup [-flags]

Capture -source into a new backup generation identified by -backup-id,
writing it to -dest. With -prev-backup-id set, the backup is incremental
relative to that generation's manifest.

Example:
  % freezer backup -source /var/lib/myapp -dest /mnt/backups -backup-id app-2026-07-31
`

func cmdbackup(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("backup", flag.ExitOnError)
	fset.Usage = usage(fset, backupHelp)
	var (
		engineName     = fset.String("engine", "rsync", "backup engine: rsync or tar")
		source         = fset.String("source", "", "directory tree to back up")
		dest           = fset.String("dest", "", "storage destination: local directory path or http(s):// endpoint")
		backupID       = fset.String("backup-id", "", "identifier for this backup generation")
		prevBackupID   = fset.String("prev-backup-id", "", "previous generation's backup ID, for an incremental backup")
		compressionOpt = fset.String("compression", "none", "compression: none, gzip, xz, or bzip2")
		encryptKeyFile = fset.String("encrypt-key-file", "", "path to a raw 32-byte symmetric key; empty disables encryption")
		symlinksOpt    = fset.String("symlinks", "preserve", "symlink handling: preserve or dereference")
		excludeOpt     = fset.String("exclude", "", "comma-separated glob patterns to exclude")
		blockSize      = fset.Int("block-size", 0, "rsync engine: block size in bytes (0 = default)")
		maxSegmentSize = fset.Int("max-segment-size", 0, "maximum segment size in bytes (0 = default)")
		archiverPath   = fset.String("archiver", "tar", "tar engine: external archiver executable")
		snapshotDir    = fset.String("snapshot-dir", "", "tar engine: directory for listed-incremental snapshot files")
	)
	fset.Parse(args)

	if *source == "" || *dest == "" || *backupID == "" {
		return xerrors.Errorf("-source, -dest, and -backup-id are required")
	}

	sink, err := sinkFromDest(*dest)
	if err != nil {
		return xerrors.Errorf("resolving -dest: %w", err)
	}
	compression, err := parseCompression(*compressionOpt)
	if err != nil {
		return err
	}
	symlinks, err := parseSymlinks(*symlinksOpt)
	if err != nil {
		return err
	}
	excludes := splitExcludes(*excludeOpt)

	var prevManifest []byte
	if *prevBackupID != "" {
		prevManifest, err = sink.ReadManifest(ctx, *prevBackupID)
		if err != nil {
			return xerrors.Errorf("reading previous manifest %q: %w", *prevBackupID, err)
		}
	}

	eng, err := newEngine(engineOpts{
		name:           *engineName,
		sink:           sink,
		compression:    compression,
		excludes:       excludes,
		blockSize:      *blockSize,
		maxSegmentSize: *maxSegmentSize,
		archiverPath:   *archiverPath,
		snapshotDir:    *snapshotDir,
		encryptKeyFile: *encryptKeyFile,
		symlinks:       symlinks,
	})
	if err != nil {
		return err
	}

	manifest, err := eng.Backup(ctx, *backupID, *source, prevManifest)
	if err != nil {
		return xerrors.Errorf("backup: %w", err)
	}
	if err := eng.PostBackup(ctx, *backupID, manifest); err != nil {
		return xerrors.Errorf("persisting manifest: %w", err)
	}

	fmt.Printf("backup %s complete (%d bytes of manifest)\n", *backupID, len(manifest))
	return nil
}

// engineOpts collects every flag that feeds into building a
// freezer.BackupEngine, shared by backup, restore, and metadata.
type engineOpts struct {
	name           string
	sink           storage.Sink
	compression    engine.Compression
	excludes       []string
	blockSize      int
	maxSegmentSize int
	archiverPath   string
	snapshotDir    string
	encryptKeyFile string
	symlinks       walker.SymlinkMode
	dryRun         bool
}

func newEngine(o engineOpts) (freezerEngine, error) {
	switch o.name {
	case "", "rsync":
		return engine.NewRsyncEngine(engine.Config{
			Sink:           o.sink,
			Compression:    o.compression,
			BlockSize:      o.blockSize,
			MaxSegmentSize: o.maxSegmentSize,
			Excludes:       o.excludes,
			EncryptKeyFile: o.encryptKeyFile,
			Symlinks:       o.symlinks,
			DryRun:         o.dryRun,
		}), nil
	case "tar":
		if o.snapshotDir == "" {
			return nil, xerrors.Errorf("-snapshot-dir is required for the tar engine")
		}
		return engine.NewTarEngine(engine.TarConfig{
			Sink:           o.sink,
			ArchiverPath:   o.archiverPath,
			SnapshotDir:    o.snapshotDir,
			Compression:    o.compression,
			MaxSegmentSize: o.maxSegmentSize,
			Excludes:       o.excludes,
			EncryptKeyFile: o.encryptKeyFile,
			Symlinks:       o.symlinks,
			DryRun:         o.dryRun,
		}), nil
	default:
		return nil, xerrors.Errorf("unknown -engine %q (want rsync or tar)", o.name)
	}
}
