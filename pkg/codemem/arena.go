// Package codemem manages the arena that holds native host code for
// translated blocks.
package codemem

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

const (
	DefaultArenaSize = 16 * 1024 * 1024 // 16MB

	// Allocations are rounded up to this many bytes.
	Granule = 64
)

// Span is one allocation inside the arena.
type Span struct {
	Off  int
	Len  int
	Addr uintptr
}

// Arena is a fixed-size code region with a first-fit free list. Freed spans
// coalesce with their neighbours.
type Arena struct {
	mu     sync.Mutex
	buffer []byte
	free   []Span // sorted by Off
	used   int
	mapped bool
}

// NewArena reserves size bytes of code memory. On linux the region is
// mapped read/write/execute; elsewhere it is ordinary heap memory.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		size = DefaultArenaSize
	}
	size = roundUp(size)
	buf, mapped, err := mapRegion(size)
	if err != nil {
		return nil, err
	}
	a := &Arena{buffer: buf, mapped: mapped}
	a.free = []Span{{Off: 0, Len: size, Addr: a.base()}}
	return a, nil
}

func roundUp(n int) int {
	return (n + Granule - 1) &^ (Granule - 1)
}

func (a *Arena) base() uintptr {
	if len(a.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.buffer[0]))
}

// Alloc copies code into a fresh span and returns it.
func (a *Arena) Alloc(code []byte) (Span, error) {
	need := roundUp(len(code))
	if need == 0 {
		need = Granule
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buffer == nil {
		return Span{}, fmt.Errorf("code arena is closed")
	}
	for i, f := range a.free {
		if f.Len < need {
			continue
		}
		s := Span{Off: f.Off, Len: need, Addr: a.base() + uintptr(f.Off)}
		if f.Len == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = Span{Off: f.Off + need, Len: f.Len - need, Addr: f.Addr + uintptr(need)}
		}
		copy(a.buffer[s.Off:s.Off+s.Len], code)
		a.used += need
		return s, nil
	}
	return Span{}, fmt.Errorf("out of code memory: need %d, have %d free", need, len(a.buffer)-a.used)
}

// Free returns s to the arena. The caller guarantees no context can still
// be executing inside it.
func (a *Arena) Free(s Span) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buffer == nil || s.Len == 0 {
		return
	}
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Off >= s.Off })
	a.free = append(a.free, Span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s
	a.used -= s.Len

	// merge with the following and preceding spans
	if i+1 < len(a.free) && a.free[i].Off+a.free[i].Len == a.free[i+1].Off {
		a.free[i].Len += a.free[i+1].Len
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].Off+a.free[i-1].Len == a.free[i].Off {
		a.free[i-1].Len += a.free[i].Len
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Bytes returns the live slice backing s. Writes through it patch code in
// place and must be serialized by the caller.
func (a *Arena) Bytes(s Span) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buffer == nil || s.Off < 0 || s.Off+s.Len > len(a.buffer) {
		return nil
	}
	return a.buffer[s.Off : s.Off+s.Len : s.Off+s.Len]
}

// Used returns the bytes currently allocated.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Capacity returns the total arena size.
func (a *Arena) Capacity() int {
	return len(a.buffer)
}

// Executable reports whether the arena is mapped with execute permission.
func (a *Arena) Executable() bool {
	return a.mapped
}

// Reset frees every span at once.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = 0
	a.free = []Span{{Off: 0, Len: len(a.buffer), Addr: a.base()}}
}

// Close releases the arena's memory.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buffer == nil {
		return nil
	}
	err := unmapRegion(a.buffer, a.mapped)
	a.buffer = nil
	a.free = nil
	a.used = 0
	return err
}
