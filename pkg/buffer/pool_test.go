package buffer

import "testing"

func TestPoolSizes(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{0, DefaultSize},
		{-1, DefaultSize},
		{4096, 4096},
		{4 * 1024 * 1024, 4 * 1024 * 1024},
	}

	for _, tt := range tests {
		p := NewPool(tt.requested)
		if p.Size() != tt.want {
			t.Errorf("NewPool(%d).Size() = %d, want %d", tt.requested, p.Size(), tt.want)
		}
		b := p.Get()
		if len(*b) != tt.want {
			t.Errorf("NewPool(%d).Get() len = %d, want %d", tt.requested, len(*b), tt.want)
		}
		p.Put(b)
	}
}

func TestPoolIgnoresForeignBuffers(t *testing.T) {
	p := NewPool(16)
	short := make([]byte, 8)
	p.Put(&short)
	p.Put(nil)

	b := p.Get()
	if len(*b) != 16 {
		t.Fatalf("expected 16-byte buffer, got %d", len(*b))
	}
}
