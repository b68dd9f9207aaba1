package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
)

// Local is a filesystem-backed Sink rooted at Dir. Writes are atomic
// (rename-after-write via renameio), grounded on the teacher's use of
// renameio.TempFile + CloseAtomicallyReplace for every on-disk artifact
// write (e.g. internal/install.hookinstall).
type Local struct {
	Dir string
}

// NewLocal returns a Local sink rooted at dir, creating it if necessary.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Local{Dir: dir}, nil
}

func (l *Local) manifestPath(backupID string) string {
	return filepath.Join(l.Dir, backupID, "manifest.bin")
}

func (l *Local) segmentPath(backupID string, seq int) string {
	return filepath.Join(l.Dir, backupID, "segments", fmt.Sprintf("%08d.seg", seq))
}

func (l *Local) WriteManifest(ctx context.Context, backupID string, data []byte) error {
	dest := l.manifestPath(backupID)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(dest, data, 0644)
}

func (l *Local) ReadManifest(ctx context.Context, backupID string) ([]byte, error) {
	data, err := os.ReadFile(l.manifestPath(backupID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{BackupID: backupID}
		}
		return nil, err
	}
	return data, nil
}

func (l *Local) WriteSegment(ctx context.Context, backupID string, seq int, data []byte) error {
	dest := l.segmentPath(backupID, seq)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(dest, data, 0644)
}

func (l *Local) ReadSegments(ctx context.Context, backupID string) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		dir := filepath.Join(l.Dir, backupID, "segments")
		entries, err := os.ReadDir(dir)
		if err != nil {
			errc <- err
			return
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- data:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}
