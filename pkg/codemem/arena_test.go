package codemem

import (
	"bytes"
	"testing"
)

func TestAllocCopiesAndRounds(t *testing.T) {
	a, err := NewArena(4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	code := []byte{0x90, 0x90, 0xC3}
	s, err := a.Alloc(code)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if s.Len != Granule {
		t.Errorf("span length = %d, want %d", s.Len, Granule)
	}
	if got := a.Bytes(s)[:3]; !bytes.Equal(got, code) {
		t.Errorf("arena bytes = %x, want %x", got, code)
	}
	if a.Used() != Granule {
		t.Errorf("Used() = %d, want %d", a.Used(), Granule)
	}
}

func TestFreeCoalesces(t *testing.T) {
	a, err := NewArena(4 * Granule)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	var spans []Span
	for i := 0; i < 4; i++ {
		s, err := a.Alloc(make([]byte, Granule))
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		spans = append(spans, s)
	}
	if _, err := a.Alloc([]byte{1}); err == nil {
		t.Fatalf("Alloc on a full arena succeeded")
	}

	a.Free(spans[1])
	a.Free(spans[3])
	a.Free(spans[2])
	s, err := a.Alloc(make([]byte, 3*Granule))
	if err != nil {
		t.Fatalf("Alloc after coalescing: %v", err)
	}
	if s.Off != spans[1].Off {
		t.Errorf("coalesced span at %d, want %d", s.Off, spans[1].Off)
	}
}

func TestReset(t *testing.T) {
	a, err := NewArena(2 * Granule)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()
	if _, err := a.Alloc(make([]byte, 2*Granule)); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.Reset()
	if a.Used() != 0 {
		t.Errorf("Used() after Reset = %d", a.Used())
	}
	if _, err := a.Alloc(make([]byte, 2*Granule)); err != nil {
		t.Fatalf("Alloc after Reset: %v", err)
	}
}
