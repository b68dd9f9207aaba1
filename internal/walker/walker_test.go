package walker

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/freezer-project/freezer/internal/inode"
	"github.com/freezer-project/freezer/internal/queue"
)

// drain reads every (header, payload) pair off q until EOF, decoding the
// header of each.
func drain(t *testing.T, q *queue.Queue) map[string]inode.Record {
	t.Helper()
	out := make(map[string]inode.Record)
	for {
		hdr, err := q.Get()
		if err != nil {
			break
		}
		path, rec, err := inode.DecodeHeader(bufio.NewReader(bytes.NewReader(hdr)))
		if err != nil {
			t.Fatalf("decoding header: %v", err)
		}
		out[path] = rec
		if _, err := q.Get(); err != nil { // payload
			t.Fatal("expected a payload chunk after every header")
		}
	}
	return out
}

func TestWalkLevel0Basic(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "hello.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello.txt", filepath.Join(root, "sub", "link")); err != nil {
		t.Fatal(err)
	}

	q := queue.New(0)
	w := New()
	var manifest map[string]inode.Record
	done := make(chan struct{})
	go func() { manifest = drain(t, q); close(done) }()

	result, err := w.Walk(Options{Root: root}, q)
	<-done
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if _, ok := result.Files["sub/hello.txt"]; !ok {
		t.Fatal("expected sub/hello.txt in manifest")
	}
	if _, ok := result.Directories["sub"]; !ok {
		t.Fatal("expected sub in directories")
	}
	if rec, ok := manifest["sub/hello.txt"]; !ok || rec.Size != int64(len("hello world")) {
		t.Fatalf("unexpected frame for sub/hello.txt: %+v ok=%v", rec, ok)
	}
	if rec, ok := manifest["sub/link"]; !ok || rec.Type != inode.Symlink || rec.Lname != "hello.txt" {
		t.Fatalf("unexpected frame for sub/link: %+v ok=%v", rec, ok)
	}
}

// Exclude semantics (spec.md §8 property 7, test S5): a path matching any
// exclude glob never appears in the resulting manifest.
func TestWalkExcludeGlob(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "a"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "skip.log"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "keep.txt"), []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}

	q := queue.New(0)
	w := New()
	go drain(t, q)

	result, err := w.Walk(Options{Root: root, Excludes: []string{"*.log"}}, q)
	if err != nil {
		t.Fatal(err)
	}
	for p := range result.Files {
		if filepath.Ext(p) == ".log" {
			t.Fatalf("excluded file leaked into manifest: %s", p)
		}
	}
	if _, ok := result.Files["a/keep.txt"]; !ok {
		t.Fatal("expected a/keep.txt to survive the exclude filter")
	}
}

// Tombstone correctness (spec.md §8 property 3): a path present in the
// prior generation but absent on disk produces exactly one deleted frame,
// and subsequent generations do not re-emit it.
func TestWalkTombstone(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(target, []byte("bye"), 0644); err != nil {
		t.Fatal(err)
	}

	q0 := queue.New(0)
	w := New()
	go drain(t, q0)
	gen0, err := w.Walk(Options{Root: root}, q0)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}

	q1 := queue.New(0)
	var frames map[string]inode.Record
	done := make(chan struct{})
	go func() { frames = drain(t, q1); close(done) }()
	gen1, err := w.Walk(Options{Root: root, PrevMeta: gen0}, q1)
	<-done
	if err != nil {
		t.Fatal(err)
	}

	rec, ok := frames["gone.txt"]
	if !ok || !rec.Deleted {
		t.Fatalf("expected exactly one deleted frame for gone.txt, got %+v ok=%v", rec, ok)
	}
	if e, ok := gen1.Files["gone.txt"]; !ok || !e.Record.Deleted {
		t.Fatal("expected gen1 manifest to carry the tombstone forward")
	}

	q2 := queue.New(0)
	var frames2 map[string]inode.Record
	done2 := make(chan struct{})
	go func() { frames2 = drain(t, q2); close(done2) }()
	if _, err := w.Walk(Options{Root: root, PrevMeta: gen1}, q2); err != nil {
		t.Fatal(err)
	}
	<-done2
	if _, ok := frames2["gone.txt"]; ok {
		t.Fatal("gone.txt should not be re-tombstoned once already deleted")
	}
}
