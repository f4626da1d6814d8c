package shmring

import (
	"testing"
)

// fakeIO models partial producer progress (accept up to k bytes).
type fakeIO struct{ k int }

func (f fakeIO) write(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	if len(p) > f.k {
		return f.k
	}
	return len(p)
}

func TestOrderAcrossWrapWithPartialProgress(t *testing.T) {
	r := New(64)
	prod := fakeIO{k: 7}

	// Produce a known sequence [0..N)
	const N = 2000
	src := make([]byte, N)
	for i := range src {
		src[i] = byte(i)
	}

	p := src
	dst := make([]byte, N)
	off := 0

	for off < N {
		// producer step
		if len(p) > 0 {
			step := prod.write(p)
			if step > 0 {
				step = r.WriteFrom(p[:step])
				p = p[step:]
			}
		}

		// consumer step
		var tmp [17]byte
		n := r.ReadInto(tmp[:])
		if n > 0 {
			copy(dst[off:], tmp[:n])
			off += n
		}
	}

	for i := 0; i < N; i++ {
		if dst[i] != src[i] {
			t.Fatalf("mismatch at %d: got=%d want=%d", i, dst[i], src[i])
		}
	}
	if r.Dropped() != 0 {
		t.Fatalf("dropped %d bytes with a consumer keeping up", r.Dropped())
	}
}

func TestReadableWritableEdges(t *testing.T) {
	r := New(8)
	select {
	case <-r.Readable():
		t.Fatal("unexpected Readable on empty ring")
	default:
	}
	n := r.WriteFrom([]byte{1, 2, 3})
	if n != 3 {
		t.Fatalf("write 3 -> %d", n)
	}
	select {
	case <-r.Readable(): // should fire once
	default:
		t.Fatal("expected Readable")
	}
	select {
	case <-r.Readable(): // coalesced; no second token yet
		t.Fatal("unexpected extra Readable")
	default:
	}

	// Fill to capacity, then drain one byte: Writable must fire.
	r.WriteFrom([]byte{4, 5, 6, 7, 8})
	if r.Space() != 0 {
		t.Fatalf("space=%d want 0", r.Space())
	}
	r.ReadInto(make([]byte, 1))
	select {
	case <-r.Writable():
	default:
		t.Fatal("expected Writable after leaving full")
	}
}

func TestOverflowCountsDropped(t *testing.T) {
	r := New(4)
	if n := r.WriteFrom([]byte("abcdef")); n != 4 {
		t.Fatalf("accepted %d want 4", n)
	}
	if n := r.WriteFrom([]byte("g")); n != 0 {
		t.Fatalf("accepted %d into a full ring", n)
	}
	if r.Dropped() != 3 {
		t.Fatalf("dropped=%d want 3", r.Dropped())
	}
	if n := r.Discard(); n != 4 || r.Available() != 0 {
		t.Fatalf("discard=%d avail=%d", n, r.Available())
	}
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(12)
}
