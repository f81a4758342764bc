package wire

import (
	"bytes"
	"testing"
)

func TestReaderRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	w := NewWriter(buf)
	if err := w.Uint32(0xdeadbeef); err != nil {
		t.Fatalf("Uint32: %v", err)
	}
	if err := w.Float32(1.5); err != nil {
		t.Fatalf("Float32: %v", err)
	}
	if err := w.Bytes([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if w.Pos() != 12 {
		t.Errorf("Pos = %d, want 12", w.Pos())
	}

	r := NewReader(buf)
	if v, err := r.Uint32(); err != nil || v != 0xdeadbeef {
		t.Errorf("Uint32 = %#x, %v", v, err)
	}
	if v, err := r.Float32(); err != nil || v != 1.5 {
		t.Errorf("Float32 = %v, %v", v, err)
	}
	b, err := r.Bytes(4)
	if err != nil || !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Errorf("Bytes = %v, %v", b, err)
	}
	if r.Len() != 4 {
		t.Errorf("Len = %d, want 4", r.Len())
	}
}

func TestReaderUnderrun(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.Uint32(); err != ErrShortBuffer {
		t.Errorf("Uint32 on short buffer = %v, want ErrShortBuffer", err)
	}
	if err := r.Skip(3); err != ErrShortBuffer {
		t.Errorf("Skip(3) = %v, want ErrShortBuffer", err)
	}
	if err := r.Skip(-1); err != ErrShortBuffer {
		t.Errorf("Skip(-1) = %v, want ErrShortBuffer", err)
	}
	// The position must not move on a failed read.
	if r.Pos() != 0 {
		t.Errorf("Pos after failed reads = %d, want 0", r.Pos())
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	r := NewReader([]byte{42, 0, 0, 0})
	v, err := r.PeekUint32()
	if err != nil || v != 42 {
		t.Fatalf("PeekUint32 = %d, %v", v, err)
	}
	if r.Pos() != 0 {
		t.Errorf("Pos after peek = %d, want 0", r.Pos())
	}
}

func TestWriterOverrun(t *testing.T) {
	w := NewWriter(make([]byte, 3))
	if err := w.Uint32(1); err != ErrOverrun {
		t.Errorf("Uint32 past capacity = %v, want ErrOverrun", err)
	}
	if err := w.Bytes([]byte{1, 2, 3, 4}); err != ErrOverrun {
		t.Errorf("Bytes past capacity = %v, want ErrOverrun", err)
	}
	if w.Pos() != 0 {
		t.Errorf("Pos after failed writes = %d, want 0", w.Pos())
	}
}

func TestPatchUint32(t *testing.T) {
	buf := make([]byte, 12)
	w := NewWriter(buf)
	if err := w.Skip(4); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if err := w.Uint32(7); err != nil {
		t.Fatalf("Uint32: %v", err)
	}
	if err := w.PatchUint32(0, 99); err != nil {
		t.Fatalf("PatchUint32: %v", err)
	}
	if w.Pos() != 8 {
		t.Errorf("Pos after patch = %d, want 8", w.Pos())
	}

	r := NewReader(buf)
	if v, _ := r.Uint32(); v != 99 {
		t.Errorf("patched value = %d, want 99", v)
	}
	if v, _ := r.Uint32(); v != 7 {
		t.Errorf("written value = %d, want 7", v)
	}

	if err := w.PatchUint32(10, 1); err != ErrOverrun {
		t.Errorf("PatchUint32 past capacity = %v, want ErrOverrun", err)
	}
	if err := w.PatchUint32(-1, 1); err != ErrOverrun {
		t.Errorf("PatchUint32 negative = %v, want ErrOverrun", err)
	}
}

func TestSetPosBounds(t *testing.T) {
	r := NewReader(make([]byte, 4))
	if err := r.SetPos(4); err != nil {
		t.Errorf("SetPos(len) = %v, want nil", err)
	}
	if err := r.SetPos(5); err != ErrShortBuffer {
		t.Errorf("SetPos(len+1) = %v, want ErrShortBuffer", err)
	}

	w := NewWriter(make([]byte, 4))
	if err := w.SetPos(4); err != nil {
		t.Errorf("Writer SetPos(len) = %v, want nil", err)
	}
	if err := w.SetPos(-1); err != ErrOverrun {
		t.Errorf("Writer SetPos(-1) = %v, want ErrOverrun", err)
	}
}
