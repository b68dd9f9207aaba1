package restore

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/freezer-project/freezer/internal/queue"
	"github.com/freezer-project/freezer/internal/walker"
)

// collect drains q into one contiguous byte stream, the way the real
// pipeline's consumer would after (no-op here) compression/encryption.
func collect(t *testing.T, q *queue.Queue) []byte {
	t.Helper()
	var buf bytes.Buffer
	for {
		chunk, err := q.Get()
		if err != nil {
			return buf.Bytes()
		}
		buf.Write(chunk)
	}
}

// Backup/restore round-trip identity (spec.md §8 property 1): restoring a
// level-0 backup reproduces the source tree's regular file contents.
func TestRoundTripLevel0(t *testing.T) {
	src := t.TempDir()
	if err := os.Mkdir(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "a.txt"), []byte("the quick brown fox"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a.txt", filepath.Join(src, "sub", "a.link")); err != nil {
		t.Fatal(err)
	}

	q2 := queue.New(0)
	var stream []byte
	done := make(chan struct{})
	go func() { stream = collect(t, q2); close(done) }()
	w := walker.New()
	if _, err := w.Walk(walker.Options{Root: src}, q2); err != nil {
		t.Fatalf("walk: %v", err)
	}
	<-done

	dst := t.TempDir()
	var nodeErrs []error
	a := New(dst)
	a.OnNodeError = func(err error) { nodeErrs = append(nodeErrs, err) }
	if err := a.Apply(bufio.NewReader(bytes.NewReader(stream))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, e := range nodeErrs {
		t.Logf("node error (tolerated): %v", e)
	}

	got, err := os.ReadFile(filepath.Join(dst, "sub", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "the quick brown fox" {
		t.Fatalf("got %q", got)
	}
	link, err := os.Readlink(filepath.Join(dst, "sub", "a.link"))
	if err != nil {
		t.Fatal(err)
	}
	if link != "a.txt" {
		t.Fatalf("got symlink target %q", link)
	}
}

// Incremental composition (spec.md §8 property 2): a level-1 backup
// applied on top of the level-0 restore reproduces the modified file.
func TestRoundTripIncremental(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "f.txt")
	if err := os.WriteFile(path, []byte("version one of the file contents"), 0644); err != nil {
		t.Fatal(err)
	}

	w := walker.New()
	q0 := queue.New(0)
	var stream0 []byte
	done0 := make(chan struct{})
	go func() { stream0 = collect(t, q0); close(done0) }()
	gen0, err := w.Walk(walker.Options{Root: src}, q0)
	<-done0
	if err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	a := New(dst)
	if err := a.Apply(bufio.NewReader(bytes.NewReader(stream0))); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("version TWO of the file contents, now longer"), 0644); err != nil {
		t.Fatal(err)
	}

	q1 := queue.New(0)
	var stream1 []byte
	done1 := make(chan struct{})
	go func() { stream1 = collect(t, q1); close(done1) }()
	if _, err := w.Walk(walker.Options{Root: src, PrevMeta: gen0}, q1); err != nil {
		t.Fatal(err)
	}
	<-done1

	if err := a.Apply(bufio.NewReader(bytes.NewReader(stream1))); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "version TWO of the file contents, now longer" {
		t.Fatalf("got %q", got)
	}
}

// Tombstone restore: a deleted frame removes the target.
func TestApplyDeleteRemovesTarget(t *testing.T) {
	dst := t.TempDir()
	if err := os.WriteFile(filepath.Join(dst, "doomed.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "doomed.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	w := walker.New()
	q0 := queue.New(0)
	go collect(t, q0)
	gen0, err := w.Walk(walker.Options{Root: src}, q0)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(src, "doomed.txt")); err != nil {
		t.Fatal(err)
	}

	q1 := queue.New(0)
	var stream []byte
	done := make(chan struct{})
	go func() { stream = collect(t, q1); close(done) }()
	if _, err := w.Walk(walker.Options{Root: src, PrevMeta: gen0}, q1); err != nil {
		t.Fatal(err)
	}
	<-done

	a := New(dst)
	if err := a.Apply(bufio.NewReader(bytes.NewReader(stream))); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dst, "doomed.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected doomed.txt to be removed, stat err = %v", err)
	}
}

// Device and fifo restore (spec.md §8 S4): a fifo, and (if root) a char
// device with (devmajor, devminor) = (1, 3), survive a backup/restore
// round trip re-created with the same major/minor.
func TestRoundTripDeviceAndFifo(t *testing.T) {
	src := t.TempDir()
	if err := unix.Mkfifo(filepath.Join(src, "p"), 0644); err != nil {
		t.Fatalf("Mkfifo: %v", err)
	}

	isRoot := os.Geteuid() == 0
	if isRoot {
		dev := unix.Mkdev(1, 3)
		if err := unix.Mknod(filepath.Join(src, "c"), unix.S_IFCHR|0644, int(dev)); err != nil {
			t.Fatalf("Mknod: %v", err)
		}
	}

	q := queue.New(0)
	var stream []byte
	done := make(chan struct{})
	go func() { stream = collect(t, q); close(done) }()
	w := walker.New()
	if _, err := w.Walk(walker.Options{Root: src}, q); err != nil {
		t.Fatalf("walk: %v", err)
	}
	<-done

	dst := t.TempDir()
	a := New(dst)
	if err := a.Apply(bufio.NewReader(bytes.NewReader(stream))); err != nil {
		t.Fatalf("apply: %v", err)
	}

	fi, err := os.Lstat(filepath.Join(dst, "p"))
	if err != nil {
		t.Fatalf("stat restored fifo: %v", err)
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("restored p is not a fifo: mode=%v", fi.Mode())
	}

	if !isRoot {
		return
	}
	fi, err = os.Lstat(filepath.Join(dst, "c"))
	if err != nil {
		t.Fatalf("stat restored device: %v", err)
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		t.Fatalf("restored c is not a char device: mode=%v", fi.Mode())
	}
	sys := fi.Sys().(*syscall.Stat_t)
	gotMajor, gotMinor := unix.Major(uint64(sys.Rdev)), unix.Minor(uint64(sys.Rdev))
	if gotMajor != 1 || gotMinor != 3 {
		t.Fatalf("got devmajor,devminor = %d,%d, want 1,3", gotMajor, gotMinor)
	}
}

func TestApplyTruncatedStreamIsFatal(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f.txt"), []byte("some content here"), 0644); err != nil {
		t.Fatal(err)
	}
	w := walker.New()
	q := queue.New(0)
	var stream []byte
	done := make(chan struct{})
	go func() { stream = collect(t, q); close(done) }()
	if _, err := w.Walk(walker.Options{Root: src}, q); err != nil {
		t.Fatal(err)
	}
	<-done

	truncated := stream[:len(stream)-4]
	a := New(t.TempDir())
	err := a.Apply(bufio.NewReader(bytes.NewReader(truncated)))
	if err == nil {
		t.Fatal("expected truncated stream to be rejected")
	}
}
