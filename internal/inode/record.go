package inode

import (
	"fmt"

	"golang.org/x/xerrors"
)

// DataVersion is the wire format version stamped into every frame header.
const DataVersion = "1"

// RsyncBlockSize is the fixed block size (B in spec terms) used by the
// rolling/strong checksum codec for all v1 streams.
const RsyncBlockSize = 4096

// LiveFlag and TombstoneFlag are the two valid values of the on-wire
// Deleted field.
const (
	LiveFlag      = "0000"
	TombstoneFlag = "1111"
)

// Record is the per-filesystem-entry metadata captured at backup time. It
// corresponds exactly to the InodeRecord of spec.md §3.
type Record struct {
	Inumber uint64
	Nlink   uint64
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Size    int64

	DevMajor uint32
	DevMinor uint32

	Mtime int64 // unix seconds
	Ctime int64 // unix seconds

	Uname string
	Gname string

	Type  FileType
	Lname string // symlink target, empty otherwise

	RsyncBlockSize int

	// Level is the 4-ASCII-digit zero-padded generation id this record
	// was captured (or last refreshed) at.
	Level int

	// Deleted marks a tombstone record (spec.md §3 "deleted").
	Deleted bool
}

// LevelID renders Level as the 4-digit zero-padded wire form.
func (r Record) LevelID() string {
	return fmt.Sprintf("%04d", r.Level)
}

// DeletedFlag renders Deleted as the 4-digit wire form.
func (r Record) DeletedFlag() string {
	if r.Deleted {
		return TombstoneFlag
	}
	return LiveFlag
}

// ParseLevelID parses a 4-ASCII-digit level id, rejecting anything else.
func ParseLevelID(s string) (int, error) {
	if len(s) != 4 {
		return 0, xerrors.Errorf("level id %q: want 4 digits", s)
	}
	var n int
	if _, err := fmt.Sscanf(s, "%04d", &n); err != nil {
		return 0, xerrors.Errorf("level id %q: %w", s, err)
	}
	return n, nil
}

// ParseDeletedFlag parses the 4-ASCII-digit deleted flag.
func ParseDeletedFlag(s string) (bool, error) {
	switch s {
	case LiveFlag:
		return false, nil
	case TombstoneFlag:
		return true, nil
	default:
		return false, xerrors.Errorf("deleted flag %q: want %q or %q", s, LiveFlag, TombstoneFlag)
	}
}
