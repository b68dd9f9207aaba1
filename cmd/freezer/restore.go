package main

import (
	"context"
	"flag"
	"fmt"

	"golang.org/x/xerrors"
)

const restoreHelp = `freezer restore [-flags]

Reconstruct -target from the backup generation -backup-id stored at -dest.

Example:
  % freezer restore -dest /mnt/backups -backup-id app-2026-07-31 -target /var/lib/myapp
`

func cmdrestore(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("restore", flag.ExitOnError)
	fset.Usage = usage(fset, restoreHelp)
	var (
		engineName     = fset.String("engine", "rsync", "backup engine: rsync or tar")
		dest           = fset.String("dest", "", "storage destination: local directory path or http(s):// endpoint")
		backupID       = fset.String("backup-id", "", "backup generation to restore")
		target         = fset.String("target", "", "directory to restore into")
		compressionOpt = fset.String("compression", "none", "compression used when the backup was written: none, gzip, xz, or bzip2")
		encryptKeyFile = fset.String("encrypt-key-file", "", "path to the raw 32-byte symmetric key the backup was encrypted with")
		dryRun         = fset.Bool("dry-run", false, "decode and validate the backup stream without writing anything under -target")
		archiverPath   = fset.String("archiver", "tar", "tar engine: external archiver executable")
		snapshotDir    = fset.String("snapshot-dir", "", "tar engine: directory for listed-incremental snapshot files")
	)
	fset.Parse(args)

	if *dest == "" || *backupID == "" || *target == "" {
		return xerrors.Errorf("-dest, -backup-id, and -target are required")
	}

	sink, err := sinkFromDest(*dest)
	if err != nil {
		return xerrors.Errorf("resolving -dest: %w", err)
	}
	compression, err := parseCompression(*compressionOpt)
	if err != nil {
		return err
	}

	manifest, err := sink.ReadManifest(ctx, *backupID)
	if err != nil {
		return xerrors.Errorf("reading manifest %q: %w", *backupID, err)
	}

	eng, err := newEngine(engineOpts{
		name:           *engineName,
		sink:           sink,
		compression:    compression,
		archiverPath:   *archiverPath,
		snapshotDir:    *snapshotDir,
		encryptKeyFile: *encryptKeyFile,
		dryRun:         *dryRun,
	})
	if err != nil {
		return err
	}

	if err := eng.Restore(ctx, *backupID, manifest, *target); err != nil {
		return xerrors.Errorf("restore: %w", err)
	}

	if *dryRun {
		fmt.Printf("restore %s validated (dry run, nothing written)\n", *backupID)
	} else {
		fmt.Printf("restore %s complete\n", *backupID)
	}
	return nil
}
