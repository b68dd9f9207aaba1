package storage

import (
	"context"
	"testing"
)

func TestLocalManifestRoundTrip(t *testing.T) {
	sink, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	want := []byte("manifest bytes")
	if err := sink.WriteManifest(ctx, "b1", want); err != nil {
		t.Fatal(err)
	}
	got, err := sink.ReadManifest(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocalManifestNotFound(t *testing.T) {
	sink, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.ReadManifest(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for a missing manifest")
	} else if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("expected *ErrNotFound, got %T: %v", err, err)
	}
}

func TestLocalSegmentsOrdered(t *testing.T) {
	sink, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i, payload := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		if err := sink.WriteSegment(ctx, "b1", i, payload); err != nil {
			t.Fatal(err)
		}
	}

	out, errc := sink.ReadSegments(ctx, "b1")
	var got [][]byte
	for chunk := range out {
		got = append(got, chunk)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %d segments, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Fatalf("segment %d: got %q, want %q", i, got[i], w)
		}
	}
}
