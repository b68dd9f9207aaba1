// Package freezer implements a filesystem backup engine: it captures a
// directory tree into a single stream suitable for upload to object
// storage, and later restores that tree on another host.
//
// Two interchangeable engines satisfy the BackupEngine contract: the rsync
// engine (internal/engine, backed by internal/walker, internal/restore,
// internal/rsyncsum and internal/inode) and the tar engine (a thin driver
// around an external archiver, sharing the same queue/pipeline plumbing).
// Both own a internal/storage.Sink internally and write/read data segments
// through it directly; the manifest returned by Backup is handed back to
// the caller uncommitted, so PostBackup can persist it (or not) once the
// caller is satisfied the backup completed cleanly.
package freezer

import "context"

// Metadata describes the static capabilities of a BackupEngine instance.
type Metadata struct {
	EngineName  string
	Compression string
	Encryption  bool
}

// BackupEngine is the contract common to the rsync and tar engines.
type BackupEngine interface {
	// Metadata returns the engine's static capability description.
	Metadata() Metadata

	// Backup captures sourceRoot under backupID, relative to prevManifest
	// (nil for a level-0 backup), writing compressed/encrypted/segmented
	// data to the engine's storage sink as it goes. It returns the sealed
	// manifest for this generation; the caller decides whether to call
	// PostBackup to persist it.
	Backup(ctx context.Context, backupID, sourceRoot string, prevManifest []byte) ([]byte, error)

	// Restore reads backupID's segments from the engine's storage sink and
	// reconstructs targetRoot according to manifest.
	Restore(ctx context.Context, backupID string, manifest []byte, targetRoot string) error

	// PostBackup persists manifest via the storage sink under backupID.
	PostBackup(ctx context.Context, backupID string, manifest []byte) error
}
