// Package fsmeta implements FSMeta (spec.md §3/§4.4): the in-memory
// manifest for one backup generation — per-path inode records plus
// signatures, the directory set, and generation totals — along with its
// deterministic, key-sorted serialization (spec.md §8 property 8, §6
// "Manifest object").
package fsmeta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"golang.org/x/xerrors"

	"github.com/freezer-project/freezer/internal/inode"
	"github.com/freezer-project/freezer/internal/rsyncsum"
)

// Entry is one files[] value: the captured inode record plus, for regular
// files, the block signature list computed at this generation (used as
// "old.signature" when a later generation computes its delta against this
// one).
type Entry struct {
	Record     inode.Record
	Signatures []rsyncsum.Signature
}

// Totals mirrors FSMeta.meta from spec.md §3.
type Totals struct {
	BackupSizeOnDisk     int64
	BackupSizeCompressed int64
	RsyncBlockSize       int
	DataVersion          string
	Platform             string

	// Level is this generation's level_id (spec.md §4.5 step 1): 0 for a
	// full (no prev_meta) backup, else the previous generation's Level+1.
	Level int
}

// FSMeta is the manifest for one backup generation. It is owned
// exclusively by the walker thread during traversal (spec.md §5) and is
// read-only once sealed.
type FSMeta struct {
	Files       map[string]Entry
	Directories map[string]struct{}
	Meta        Totals
}

// New returns an empty FSMeta for the given block size.
func New(blockSize int) *FSMeta {
	return &FSMeta{
		Files:       make(map[string]Entry),
		Directories: make(map[string]struct{}),
		Meta: Totals{
			RsyncBlockSize: blockSize,
			DataVersion:    inode.DataVersion,
		},
	}
}

// AddFile records rec (and, for regular files, its signature list) under
// path, satisfying the invariant that every Files key has a unique
// Inumber within one filesystem (spec.md §3); callers are responsible for
// not violating it (the walker never revisits a path twice per level).
func (m *FSMeta) AddFile(path string, rec inode.Record, sigs []rsyncsum.Signature) {
	m.Files[path] = Entry{Record: rec, Signatures: sigs}
}

// AddDirectory records path as a live directory.
func (m *FSMeta) AddDirectory(path string) {
	m.Directories[path] = struct{}{}
}

// GetOldFileMeta looks up relPath in a prior generation's manifest,
// get_old_file_meta(prev_meta, rel_path) from spec.md §4.4.
func (m *FSMeta) GetOldFileMeta(relPath string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	e, ok := m.Files[relPath]
	if !ok || e.Record.Deleted {
		return Entry{}, false
	}
	return e, true
}

// IsFileModified compares old and current inode records: a change in
// either mtime or ctime marks the file modified (spec.md §4.4), and — per
// SPEC_FULL.md's supplement grounded in original_source/freezer's
// is_file_modified — a change in size is also treated as sufficient
// evidence of modification, as a safety net against clock skew that would
// otherwise hide a content change from mtime/ctime alone.
func IsFileModified(old, current inode.Record) bool {
	return old.Mtime != current.Mtime ||
		old.Ctime != current.Ctime ||
		old.Size != current.Size
}

// Serialize renders m as a single deterministic byte blob: paths (files
// and directories) are visited in sorted order so that serializing the
// same FSMeta twice yields byte-identical output (spec.md §8 property 8).
func (m *FSMeta) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	writeUvarint := func(v uint64) {
		var tmp [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(tmp[:], v)
		buf.Write(tmp[:n])
	}
	writeString := func(s string) {
		writeUvarint(uint64(len(s)))
		buf.WriteString(s)
	}

	buf.WriteString(m.Meta.DataVersion)
	buf.WriteByte(0)
	buf.WriteString(m.Meta.Platform)
	buf.WriteByte(0)
	writeUvarint(uint64(m.Meta.RsyncBlockSize))
	writeUvarint(uint64(m.Meta.BackupSizeOnDisk))
	writeUvarint(uint64(m.Meta.BackupSizeCompressed))
	writeUvarint(uint64(m.Meta.Level))

	dirs := make([]string, 0, len(m.Directories))
	for d := range m.Directories {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	writeUvarint(uint64(len(dirs)))
	for _, d := range dirs {
		writeString(d)
	}

	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	writeUvarint(uint64(len(paths)))
	for _, p := range paths {
		hdr, err := inode.EncodeHeader(p, m.Files[p].Record)
		if err != nil {
			return nil, xerrors.Errorf("fsmeta: encoding %q: %w", p, err)
		}
		writeUvarint(uint64(len(hdr)))
		buf.Write(hdr)

		sigs := m.Files[p].Signatures
		writeUvarint(uint64(len(sigs)))
		for _, s := range sigs {
			var w [4]byte
			binary.LittleEndian.PutUint32(w[:], s.Weak)
			buf.Write(w[:])
			buf.Write(s.Strong[:])
		}
	}

	return buf.Bytes(), nil
}

// Deserialize parses the output of Serialize.
func Deserialize(data []byte) (*FSMeta, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	dataVersion, err := r.ReadString(0)
	if err != nil {
		return nil, xerrors.Errorf("fsmeta: reading data_version: %w", err)
	}
	platform, err := r.ReadString(0)
	if err != nil {
		return nil, xerrors.Errorf("fsmeta: reading platform: %w", err)
	}
	blockSize, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, xerrors.Errorf("fsmeta: reading block size: %w", err)
	}
	onDisk, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, xerrors.Errorf("fsmeta: reading backup_size_on_disk: %w", err)
	}
	compressed, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, xerrors.Errorf("fsmeta: reading backup_size_compressed: %w", err)
	}
	level, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, xerrors.Errorf("fsmeta: reading level: %w", err)
	}

	m := &FSMeta{
		Files:       make(map[string]Entry),
		Directories: make(map[string]struct{}),
		Meta: Totals{
			DataVersion:          trimNUL(dataVersion),
			Platform:             trimNUL(platform),
			RsyncBlockSize:       int(blockSize),
			BackupSizeOnDisk:     int64(onDisk),
			BackupSizeCompressed: int64(compressed),
			Level:                int(level),
		},
	}

	dirCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, xerrors.Errorf("fsmeta: reading directory count: %w", err)
	}
	for i := uint64(0); i < dirCount; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, xerrors.Errorf("fsmeta: reading directory %d: %w", i, err)
		}
		m.Directories[s] = struct{}{}
	}

	fileCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, xerrors.Errorf("fsmeta: reading file count: %w", err)
	}
	for i := uint64(0); i < fileCount; i++ {
		hdrLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, xerrors.Errorf("fsmeta: reading header length for file %d: %w", i, err)
		}
		hdrBuf := make([]byte, hdrLen)
		if _, err := io.ReadFull(r, hdrBuf); err != nil {
			return nil, xerrors.Errorf("fsmeta: reading header for file %d: %w", i, err)
		}
		path, rec, err := inode.DecodeHeader(bufio.NewReader(bytes.NewReader(hdrBuf)))
		if err != nil {
			return nil, xerrors.Errorf("fsmeta: decoding header for file %d: %w", i, err)
		}

		sigCount, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, xerrors.Errorf("fsmeta: reading signature count for %q: %w", path, err)
		}
		// A file serialized with no signatures keeps a nil list, as it had
		// before Serialize.
		var sigs []rsyncsum.Signature
		if sigCount > 0 {
			sigs = make([]rsyncsum.Signature, sigCount)
		}
		for j := range sigs {
			var w [4]byte
			if _, err := io.ReadFull(r, w[:]); err != nil {
				return nil, xerrors.Errorf("fsmeta: reading weak checksum for %q: %w", path, err)
			}
			sigs[j].Weak = binary.LittleEndian.Uint32(w[:])
			if _, err := io.ReadFull(r, sigs[j].Strong[:]); err != nil {
				return nil, xerrors.Errorf("fsmeta: reading strong checksum for %q: %w", path, err)
			}
		}

		m.Files[path] = Entry{Record: rec, Signatures: sigs}
	}

	return m, nil
}

func trimNUL(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s[:len(s)-1]
	}
	return s
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
