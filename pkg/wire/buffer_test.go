package wire

import "testing"

func TestBufferClearFlip(t *testing.T) {
	buf := NewBuffer(16)
	if err := buf.PutUint32(42); err != nil {
		t.Fatal(err)
	}
	if buf.Position() != 4 {
		t.Fatalf("position = %d, want 4", buf.Position())
	}
	buf.Flip()
	if buf.Position() != 0 || buf.Limit() != 4 {
		t.Fatalf("after Flip: position=%d limit=%d", buf.Position(), buf.Limit())
	}
	v, err := buf.GetUint32()
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("got %d, want 42", v)
	}

	buf.Clear()
	if buf.Position() != 0 || buf.Limit() != 16 {
		t.Fatalf("after Clear: position=%d limit=%d", buf.Position(), buf.Limit())
	}
}

func TestBufferShortBuffer(t *testing.T) {
	buf := NewBuffer(2)
	if err := buf.PutUint32(1); err != ErrShortBuffer {
		t.Fatalf("PutUint32 = %v, want ErrShortBuffer", err)
	}
}

func TestBufferSkipClampsToLimit(t *testing.T) {
	buf := NewBuffer(8)
	buf.SetLimit(4)
	buf.Skip(100)
	if buf.Position() != 4 {
		t.Fatalf("position = %d, want 4", buf.Position())
	}
}
