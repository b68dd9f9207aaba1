package main

import (
	"context"
	"flag"
	"fmt"
)

const metadataHelp = `freezer metadata [-flags]

Print the engine capability descriptor (engine name, compression,
encryption) that would be used for a backup with the given flags.
`

func cmdmetadata(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("metadata", flag.ExitOnError)
	fset.Usage = usage(fset, metadataHelp)
	var (
		engineName     = fset.String("engine", "rsync", "backup engine: rsync or tar")
		compressionOpt = fset.String("compression", "none", "compression: none, gzip, xz, or bzip2")
		encryptKeyFile = fset.String("encrypt-key-file", "", "path to a raw 32-byte symmetric key; empty disables encryption")
	)
	fset.Parse(args)

	compression, err := parseCompression(*compressionOpt)
	if err != nil {
		return err
	}
	// Metadata() never reads the snapshot directory; any non-empty
	// snapshotDir satisfies newEngine's check for the tar engine.
	eng, err := newEngine(engineOpts{
		name:           *engineName,
		compression:    compression,
		archiverPath:   "tar",
		snapshotDir:    ".",
		encryptKeyFile: *encryptKeyFile,
	})
	if err != nil {
		return err
	}

	md := eng.Metadata()
	fmt.Printf("engine:      %s\n", md.EngineName)
	fmt.Printf("compression: %s\n", md.Compression)
	fmt.Printf("encryption:  %v\n", md.Encryption)
	return nil
}
