package fsmeta

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/freezer-project/freezer/internal/inode"
	"github.com/freezer-project/freezer/internal/rsyncsum"
)

func buildSample() *FSMeta {
	m := New(inode.RsyncBlockSize)
	m.Meta.Platform = "linux"
	m.AddDirectory("a")
	m.AddDirectory("a/b")
	m.AddFile("a/hello.txt", inode.Record{
		Inumber: 1, Nlink: 1, Mode: 0644, Uid: 1000, Gid: 1000, Size: 2,
		Mtime: 100, Ctime: 100, Uname: "alice", Gname: "alice",
		Type: inode.Regular, RsyncBlockSize: inode.RsyncBlockSize,
	}, []rsyncsum.Signature{{Weak: 7, Strong: [16]byte{1, 2, 3}}})
	m.AddFile("a/b/link", inode.Record{
		Inumber: 2, Nlink: 1, Mode: 0777, Uid: 1000, Gid: 1000,
		Type: inode.Symlink, Lname: "../hello.txt",
		RsyncBlockSize: inode.RsyncBlockSize,
	}, nil)
	return m
}

// Stability of manifest serialization (spec.md §8 property 8).
func TestSerializeStable(t *testing.T) {
	m := buildSample()
	a, err := m.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatal("serializing the same FSMeta twice produced different output")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	m := buildSample()
	enc, err := m.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Deserialize(enc)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m.Meta, got.Meta); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Directories, got.Directories); diff != "" {
		t.Errorf("directories mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Files, got.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestGetOldFileMeta(t *testing.T) {
	m := buildSample()
	if _, ok := m.GetOldFileMeta("a/hello.txt"); !ok {
		t.Fatal("expected a/hello.txt to be found")
	}
	if _, ok := m.GetOldFileMeta("a/missing.txt"); ok {
		t.Fatal("expected a/missing.txt to be absent")
	}
	m.AddFile("a/gone.txt", inode.Record{Deleted: true}, nil)
	if _, ok := m.GetOldFileMeta("a/gone.txt"); ok {
		t.Fatal("a tombstone record must not be returned as live old meta")
	}
}

func TestIsFileModified(t *testing.T) {
	base := inode.Record{Mtime: 100, Ctime: 100, Size: 10}
	cases := []struct {
		name string
		cur  inode.Record
		want bool
	}{
		{"unchanged", inode.Record{Mtime: 100, Ctime: 100, Size: 10}, false},
		{"mtime changed", inode.Record{Mtime: 200, Ctime: 100, Size: 10}, true},
		{"ctime changed", inode.Record{Mtime: 100, Ctime: 200, Size: 10}, true},
		{"size changed, times stable (clock skew)", inode.Record{Mtime: 100, Ctime: 100, Size: 11}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsFileModified(base, tc.cur); got != tc.want {
				t.Errorf("IsFileModified() = %v, want %v", got, tc.want)
			}
		})
	}
}
