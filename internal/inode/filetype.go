// Package inode implements the per-entry InodeRecord: the inode metadata
// header captured for every filesystem entry at backup time, and its
// bijective wire encoding.
package inode

// FileType identifies the kind of filesystem entry an InodeRecord
// describes. The single-byte wire encoding matches the letters used in the
// on-wire frame (regular 'r', directory 'd', symlink 'l', char-device 'c',
// block-device 'b', fifo 'p', socket 's', unknown 'u').
type FileType byte

const (
	Regular     FileType = 'r'
	Directory   FileType = 'd'
	Symlink     FileType = 'l'
	CharDevice  FileType = 'c'
	BlockDevice FileType = 'b'
	Fifo        FileType = 'p'
	Socket      FileType = 's'
	Unknown     FileType = 'u'
)

// String returns the single-character wire form.
func (t FileType) String() string {
	return string(rune(t))
}

// ParseFileType validates a single-character wire form, returning false for
// anything not in the FileType set.
func ParseFileType(s string) (FileType, bool) {
	if len(s) != 1 {
		return 0, false
	}
	switch FileType(s[0]) {
	case Regular, Directory, Symlink, CharDevice, BlockDevice, Fifo, Socket, Unknown:
		return FileType(s[0]), true
	default:
		return 0, false
	}
}

// IsRegular reports whether t is a plain regular file (the only type that
// carries rsync delta payloads).
func (t FileType) IsRegular() bool {
	return t == Regular
}

// Skip reports whether entries of this type are never archived (sockets,
// and anything the walker could not classify).
func (t FileType) Skip() bool {
	return t == Socket || t == Unknown
}
