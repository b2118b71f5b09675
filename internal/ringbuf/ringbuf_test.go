package ringbuf

import "testing"

func TestInvariantHoldsAcrossOperations(t *testing.T) {
	b := New(8)
	check := func() {
		if b.Readable()+b.Writable() != b.Capacity() {
			t.Fatalf("invariant broken: readable=%d writable=%d capacity=%d", b.Readable(), b.Writable(), b.Capacity())
		}
	}
	check()

	n := b.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("wrote %d, want 5", n)
	}
	check()

	var out [3]byte
	got := b.Read(out[:])
	if got != 3 || string(out[:]) != "hel" {
		t.Fatalf("read %q (%d), want \"hel\"", out[:got], got)
	}
	check()

	// Wrap the cursor around the end of the backing array.
	b.Write([]byte("world!!"))
	check()
}

func TestCommitThenConsumeLeavesReadableUnchanged(t *testing.T) {
	b := New(4)
	before := b.Readable()
	dst := b.WritableSlice()
	copy(dst, []byte{1, 2})
	b.Commit(2)
	src := b.ReadableSlice()
	b.Consume(len(src))
	if b.Readable() != before {
		t.Fatalf("readable changed after commit+consume round trip: got %d want %d", b.Readable(), before)
	}
}

func TestFullAndEmpty(t *testing.T) {
	b := New(2)
	if !b.IsEmpty() {
		t.Fatal("expected empty buffer")
	}
	b.Write([]byte("ab"))
	if !b.IsFull() {
		t.Fatal("expected full buffer")
	}
	if b.Writable() != 0 {
		t.Fatalf("writable = %d, want 0", b.Writable())
	}
	if n := b.Write([]byte("c")); n != 0 {
		t.Fatalf("write into full buffer returned %d, want 0", n)
	}
}

func TestCommitBeyondWritablePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on over-commit")
		}
	}()
	b := New(2)
	b.Commit(3)
}
