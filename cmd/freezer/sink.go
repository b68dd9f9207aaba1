package main

import (
	"strings"

	"golang.org/x/xerrors"

	"github.com/freezer-project/freezer/internal/engine"
	"github.com/freezer-project/freezer/internal/storage"
	"github.com/freezer-project/freezer/internal/walker"
)

// sinkFromDest builds a storage.Sink from a -dest flag value: a bare path
// is a local directory, anything starting with http:// or https:// is a
// remote HTTP sink.
func sinkFromDest(dest string) (storage.Sink, error) {
	if strings.HasPrefix(dest, "http://") || strings.HasPrefix(dest, "https://") {
		return storage.NewHTTP(dest), nil
	}
	return storage.NewLocal(dest)
}

func parseCompression(s string) (engine.Compression, error) {
	switch s {
	case "", "none":
		return engine.CompressionNone, nil
	case "gzip":
		return engine.CompressionGzip, nil
	case "xz":
		return engine.CompressionXz, nil
	case "bzip2":
		return engine.CompressionBzip2, nil
	default:
		return 0, xerrors.Errorf("unknown -compression %q (want none, gzip, xz, or bzip2)", s)
	}
}

func parseSymlinks(s string) (walker.SymlinkMode, error) {
	switch s {
	case "", "preserve":
		return walker.SymlinkPreserve, nil
	case "dereference":
		return walker.SymlinkDereference, nil
	default:
		return 0, xerrors.Errorf("unknown -symlinks %q (want preserve or dereference)", s)
	}
}

func splitExcludes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
