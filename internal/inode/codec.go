package inode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// fieldCount is the number of NUL-separated fields in the header, path
// included, matching the frame layout in spec.md §3.
const fieldCount = 19

// InvalidPath is returned when a path cannot be represented in the header
// codec (currently: paths containing a NUL byte, which would corrupt the
// NUL-delimited framing).
type InvalidPath struct {
	Path string
}

func (e *InvalidPath) Error() string {
	return fmt.Sprintf("invalid path %q: contains NUL", e.Path)
}

// HeaderDecodeError is returned for any malformed on-wire header: a
// missing NUL terminator, a header_len that does not match the actual
// header bytes, the wrong field count, or an unparsable field.
type HeaderDecodeError struct {
	Reason string
}

func (e *HeaderDecodeError) Error() string {
	return fmt.Sprintf("header decode error: %s", e.Reason)
}

func decodeErrorf(format string, args ...interface{}) error {
	return &HeaderDecodeError{Reason: fmt.Sprintf(format, args...)}
}

// EncodeHeader renders path and r as the header portion of a stream frame
// (spec.md §3), not including any payload bytes. The encoder never emits a
// NUL inside a field.
func EncodeHeader(path string, r Record) ([]byte, error) {
	if strings.IndexByte(path, 0) >= 0 {
		return nil, &InvalidPath{Path: path}
	}
	fields := []string{
		path,
		DataVersion,
		strconv.FormatUint(uint64(r.Mode), 10),
		strconv.FormatUint(uint64(r.Uid), 10),
		strconv.FormatUint(uint64(r.Gid), 10),
		strconv.FormatInt(r.Size, 10),
		strconv.FormatInt(r.Mtime, 10),
		strconv.FormatInt(r.Ctime, 10),
		r.Uname,
		r.Gname,
		r.Type.String(),
		r.Lname,
		strconv.FormatUint(r.Inumber, 10),
		strconv.FormatUint(r.Nlink, 10),
		strconv.FormatUint(uint64(r.DevMinor), 10),
		strconv.FormatUint(uint64(r.DevMajor), 10),
		strconv.Itoa(r.RsyncBlockSize),
		r.LevelID(),
		r.DeletedFlag(),
	}
	if len(fields) != fieldCount {
		panic("inode: field count mismatch") // programmer error, not a wire error
	}
	header := strings.Join(fields, "\x00")
	out := make([]byte, 0, len(header)+12)
	out = strconv.AppendInt(out, int64(len(header)), 10)
	out = append(out, 0)
	out = append(out, header...)
	return out, nil
}

// DecodeHeader reads one header (header_len prefix + fields) from r and
// returns the path and Record it describes. It does not read any payload;
// callers determine payload presence/length from the returned Record and
// spec.md §4.6.
func DecodeHeader(r *bufio.Reader) (path string, rec Record, err error) {
	lenStr, err := r.ReadString(0)
	if err != nil {
		if err == io.EOF && lenStr == "" {
			// Clean end of stream between frames: not an error.
			return "", Record{}, io.EOF
		}
		return "", Record{}, decodeErrorf("reading header_len: %v", err)
	}
	lenStr = strings.TrimSuffix(lenStr, "\x00")
	headerLen, err := strconv.Atoi(lenStr)
	if err != nil || headerLen < 0 {
		return "", Record{}, decodeErrorf("invalid header_len %q", lenStr)
	}
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", Record{}, decodeErrorf("reading %d header bytes: %v", headerLen, err)
	}
	parts := strings.Split(string(buf), "\x00")
	if len(parts) != fieldCount {
		return "", Record{}, decodeErrorf("got %d fields, want %d", len(parts), fieldCount)
	}

	path = parts[0]
	rec.Uname = parts[8]
	rec.Gname = parts[9]
	rec.Lname = parts[11]

	var ok bool
	rec.Type, ok = ParseFileType(parts[10])
	if !ok {
		return "", Record{}, decodeErrorf("invalid ftype %q", parts[10])
	}

	if v, err := strconv.ParseUint(parts[2], 10, 32); err != nil {
		return "", Record{}, decodeErrorf("invalid mode %q: %v", parts[2], err)
	} else {
		rec.Mode = uint32(v)
	}
	if v, err := strconv.ParseUint(parts[3], 10, 32); err != nil {
		return "", Record{}, decodeErrorf("invalid uid %q: %v", parts[3], err)
	} else {
		rec.Uid = uint32(v)
	}
	if v, err := strconv.ParseUint(parts[4], 10, 32); err != nil {
		return "", Record{}, decodeErrorf("invalid gid %q: %v", parts[4], err)
	} else {
		rec.Gid = uint32(v)
	}
	if v, err := strconv.ParseInt(parts[5], 10, 64); err != nil {
		return "", Record{}, decodeErrorf("invalid size %q: %v", parts[5], err)
	} else {
		rec.Size = v
	}
	if v, err := strconv.ParseInt(parts[6], 10, 64); err != nil {
		return "", Record{}, decodeErrorf("invalid mtime %q: %v", parts[6], err)
	} else {
		rec.Mtime = v
	}
	if v, err := strconv.ParseInt(parts[7], 10, 64); err != nil {
		return "", Record{}, decodeErrorf("invalid ctime %q: %v", parts[7], err)
	} else {
		rec.Ctime = v
	}
	if v, err := strconv.ParseUint(parts[12], 10, 64); err != nil {
		return "", Record{}, decodeErrorf("invalid inumber %q: %v", parts[12], err)
	} else {
		rec.Inumber = v
	}
	if v, err := strconv.ParseUint(parts[13], 10, 64); err != nil {
		return "", Record{}, decodeErrorf("invalid nlink %q: %v", parts[13], err)
	} else {
		rec.Nlink = v
	}
	if v, err := strconv.ParseUint(parts[14], 10, 32); err != nil {
		return "", Record{}, decodeErrorf("invalid devminor %q: %v", parts[14], err)
	} else {
		rec.DevMinor = uint32(v)
	}
	if v, err := strconv.ParseUint(parts[15], 10, 32); err != nil {
		return "", Record{}, decodeErrorf("invalid devmajor %q: %v", parts[15], err)
	} else {
		rec.DevMajor = uint32(v)
	}
	if v, err := strconv.Atoi(parts[16]); err != nil {
		return "", Record{}, decodeErrorf("invalid rsync_block_size %q: %v", parts[16], err)
	} else {
		rec.RsyncBlockSize = v
	}
	level, err := ParseLevelID(parts[17])
	if err != nil {
		return "", Record{}, &HeaderDecodeError{Reason: err.Error()}
	}
	rec.Level = level
	deleted, err := ParseDeletedFlag(parts[18])
	if err != nil {
		return "", Record{}, &HeaderDecodeError{Reason: err.Error()}
	}
	rec.Deleted = deleted

	return path, rec, nil
}
