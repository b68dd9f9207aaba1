package inode

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleRecord() Record {
	return Record{
		Inumber:        42,
		Nlink:          1,
		Mode:           0644,
		Uid:            1000,
		Gid:            1000,
		Size:           3,
		DevMajor:       0,
		DevMinor:       0,
		Mtime:          1700000000,
		Ctime:          1700000000,
		Uname:          "alice",
		Gname:          "alice",
		Type:           Regular,
		Lname:          "",
		RsyncBlockSize: RsyncBlockSize,
		Level:          0,
		Deleted:        false,
	}
}

// Property 4 from spec.md §8: decode(encode(r)) == r for every valid record.
func TestHeaderCodecBijective(t *testing.T) {
	cases := []struct {
		name string
		path string
		rec  Record
	}{
		{"regular", "a/hello.txt", sampleRecord()},
		{"dir", "a", func() Record { r := sampleRecord(); r.Type = Directory; r.Size = 0; return r }()},
		{"symlink", "a/link", func() Record { r := sampleRecord(); r.Type = Symlink; r.Lname = "hello.txt"; return r }()},
		{"tombstone", "a/link", func() Record { r := sampleRecord(); r.Deleted = true; r.Level = 1; return r }()},
		{"device", "dev/tty1", func() Record {
			r := sampleRecord()
			r.Type = CharDevice
			r.DevMajor = 1
			r.DevMinor = 3
			return r
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodeHeader(tc.path, tc.rec)
			if err != nil {
				t.Fatalf("EncodeHeader: %v", err)
			}
			path, rec, err := DecodeHeader(bufio.NewReader(bytes.NewReader(enc)))
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}
			if path != tc.path {
				t.Errorf("path = %q, want %q", path, tc.path)
			}
			if diff := cmp.Diff(tc.rec, rec); diff != "" {
				t.Errorf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeRejectsNulPath(t *testing.T) {
	_, err := EncodeHeader("a\x00b", sampleRecord())
	var ip *InvalidPath
	if err == nil {
		t.Fatal("expected error for NUL in path")
	}
	if !errors.As(err, &ip) {
		t.Fatalf("expected *InvalidPath, got %T: %v", err, err)
	}
}

func TestDecodeRejectsMismatchedHeaderLen(t *testing.T) {
	enc, err := EncodeHeader("a", sampleRecord())
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt header_len to claim more bytes than the header actually has.
	nul := bytes.IndexByte(enc, 0)
	n, convErr := strconv.Atoi(string(enc[:nul]))
	if convErr != nil {
		t.Fatal(convErr)
	}
	corrupt := append([]byte(strconv.Itoa(n+500)), enc[nul:]...)
	_, _, err = DecodeHeader(bufio.NewReader(bytes.NewReader(corrupt)))
	if err == nil {
		t.Fatal("expected HeaderDecodeError for bad header_len")
	}
	var hde *HeaderDecodeError
	if !errors.As(err, &hde) {
		t.Fatalf("expected *HeaderDecodeError, got %T: %v", err, err)
	}
}

func TestDecodeCleanEOFBetweenFrames(t *testing.T) {
	_, _, err := DecodeHeader(bufio.NewReader(bytes.NewReader(nil)))
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
