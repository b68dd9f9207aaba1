package engine

import (
	"compress/bzip2"
	"io"

	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/xerrors"
)

// Compression selects the codec the pipeline's consumer applies between
// framing and segmentation (spec.md §4.8: "process_backup_data = (maybe
// compress) ∘ (maybe encrypt)").
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionXz
	CompressionBzip2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionXz:
		return "xz"
	case CompressionBzip2:
		return "bzip2"
	default:
		return "unknown"
	}
}

// ConfigError is returned for a Config that cannot be satisfied, such as
// requesting bzip2 compression on backup.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "engine: config error: " + e.Reason }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressWriter wraps w with c's encoder. bzip2 has no encoder in the
// standard library or anywhere in the dependency pack (see DESIGN.md); a
// backup configured with CompressionBzip2 fails fast with ConfigError
// rather than silently writing uncompressed data under a misleading name.
func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return pgzip.NewWriter(w), nil
	case CompressionXz:
		return xz.NewWriter(w)
	case CompressionBzip2:
		return nil, &ConfigError{Reason: "bzip2 compression is decode-only; choose gzip, xz, or none for backup"}
	default:
		return nil, xerrors.Errorf("engine: unknown compression %v", c)
	}
}

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

// decompressReader wraps r with c's decoder.
func decompressReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return nopReadCloser{r}, nil
	case CompressionGzip:
		return pgzip.NewReader(r)
	case CompressionXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return nopReadCloser{xr}, nil
	case CompressionBzip2:
		return nopReadCloser{bzip2.NewReader(r)}, nil
	default:
		return nil, xerrors.Errorf("engine: unknown compression %v", c)
	}
}
