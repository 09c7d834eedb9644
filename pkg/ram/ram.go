package ram

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/types"
)

// PageSize is the guest page and host frame size.
const PageSize = constants.PageSize

// PTE maps one guest virtual page to a host frame.
type PTE struct {
	Frame uint64
	Perm  types.Perm
}

// Listener observes changes that may stale translated code or cached
// translations. Callbacks run without the RAM lock held.
type Listener interface {
	// PageRemapped fires after the mapping or permissions of a virtual
	// page change. frame is the frame the page mapped before the change;
	// if the change released it, it is not reused until every listener
	// has returned.
	PageRemapped(vpn, frame uint64)
	// FrameWritten fires after a host-side write into a frame, i.e. one
	// that did not go through a soft TLB.
	FrameWritten(frame uint64)
}

// RAM is guest memory: a flat array of host frames plus a single-level
// page table from guest virtual pages to frames. Frame contents are
// accessed without locking; the page table is guarded by mu.
type RAM struct {
	mem []byte

	mu         sync.RWMutex
	pages      map[uint64]PTE // vpn -> mapping
	mappings   []int32        // per frame, number of virtual pages mapping it
	freeFrames []uint64
	listed     []bool // per frame, on freeFrames
	nextFrame  uint64

	lmu       sync.Mutex
	listeners []Listener
}

//
// RAM Creation & Initialization
//

// New creates guest memory with room for size bytes of frames.
func New(size int) *RAM {
	frames := (size + PageSize - 1) / PageSize
	if frames == 0 {
		frames = 1
	}
	return &RAM{
		mem:      make([]byte, frames*PageSize),
		pages:    make(map[uint64]PTE),
		mappings: make([]int32, frames),
		listed:   make([]bool, frames),
	}
}

// AddListener registers l for remap and write notifications.
func (r *RAM) AddListener(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *RAM) snapshotListeners() []Listener {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	return append([]Listener(nil), r.listeners...)
}

// remap is one page whose mapping changed from frame.
type remap struct {
	vpn, frame uint64
}

// notifyRemap tells the listeners about changes, then puts the frames the
// changes released back on the free list.
func (r *RAM) notifyRemap(changes []remap, released []uint64) {
	if len(changes) > 0 {
		for _, l := range r.snapshotListeners() {
			for _, ch := range changes {
				l.PageRemapped(ch.vpn, ch.frame)
			}
		}
	}
	if len(released) == 0 {
		return
	}
	r.mu.Lock()
	for _, f := range released {
		if r.mappings[f] == 0 && !r.listed[f] {
			r.listed[f] = true
			r.freeFrames = append(r.freeFrames, f)
		}
	}
	r.mu.Unlock()
}

func (r *RAM) notifyWrite(frames []uint64) {
	if len(frames) == 0 {
		return
	}
	for _, l := range r.snapshotListeners() {
		for _, f := range frames {
			l.FrameWritten(f)
		}
	}
}

// NumFrames returns the number of host frames.
func (r *RAM) NumFrames() uint64 {
	return uint64(len(r.mappings))
}

//
// Frame management
//

// AllocFrame returns a zeroed frame that no page maps yet.
func (r *RAM) AllocFrame() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocFrameLocked()
}

func (r *RAM) allocFrameLocked() (uint64, error) {
	if n := len(r.freeFrames); n > 0 {
		f := r.freeFrames[n-1]
		r.freeFrames = r.freeFrames[:n-1]
		r.listed[f] = false
		r.zeroFrame(f)
		return f, nil
	}
	if r.nextFrame >= r.NumFrames() {
		return 0, fmt.Errorf("out of guest memory: all %d frames in use", r.NumFrames())
	}
	f := r.nextFrame
	r.nextFrame++
	return f, nil
}

func (r *RAM) zeroFrame(f uint64) {
	clear(r.mem[f*PageSize : (f+1)*PageSize])
}

// releaseFrameLocked drops one mapping of f and reports whether that was
// the last. The caller recycles released frames through notifyRemap.
func (r *RAM) releaseFrameLocked(f uint64) bool {
	r.mappings[f]--
	return r.mappings[f] == 0
}

//
// Page table mutation
//

// unlistLocked takes f off the free list when a caller maps it directly.
func (r *RAM) unlistLocked(f uint64) {
	r.listed[f] = false
	for i, g := range r.freeFrames {
		if g == f {
			r.freeFrames = append(r.freeFrames[:i], r.freeFrames[i+1:]...)
			return
		}
	}
}

// Map maps the page containing va to frame with the given permissions,
// replacing any existing mapping. Several pages may alias one frame.
func (r *RAM) Map(va types.GuestAddr, frame uint64, perm types.Perm) error {
	vpn := va.PageNumber()
	r.mu.Lock()
	if frame >= r.NumFrames() {
		r.mu.Unlock()
		return fmt.Errorf("frame %d outside guest memory", frame)
	}
	old, had := r.pages[vpn]
	r.mappings[frame]++
	if r.listed[frame] {
		r.unlistLocked(frame)
	}
	r.pages[vpn] = PTE{Frame: frame, Perm: perm}
	var released []uint64
	if had && r.releaseFrameLocked(old.Frame) {
		released = append(released, old.Frame)
	}
	r.mu.Unlock()

	if had {
		r.notifyRemap([]remap{{vpn, old.Frame}}, released)
	}
	return nil
}

// MapRange maps every page overlapping [va, va+length) to a fresh frame.
// Pages that are already mapped only have their permissions changed.
func (r *RAM) MapRange(va types.GuestAddr, length uint64, perm types.Perm) error {
	var remapped []remap
	r.mu.Lock()
	err := r.pageRange(va, length, func(vpn uint64) error {
		if pte, ok := r.pages[vpn]; ok {
			if pte.Perm != perm {
				r.pages[vpn] = PTE{Frame: pte.Frame, Perm: perm}
				remapped = append(remapped, remap{vpn, pte.Frame})
			}
			return nil
		}
		f, err := r.allocFrameLocked()
		if err != nil {
			return err
		}
		r.mappings[f]++
		r.pages[vpn] = PTE{Frame: f, Perm: perm}
		return nil
	})
	r.mu.Unlock()

	r.notifyRemap(remapped, nil)
	return err
}

// Unmap removes the mappings of every page overlapping [va, va+length).
func (r *RAM) Unmap(va types.GuestAddr, length uint64) {
	var (
		removed  []remap
		released []uint64
	)
	r.mu.Lock()
	r.pageRange(va, length, func(vpn uint64) error {
		if pte, ok := r.pages[vpn]; ok {
			delete(r.pages, vpn)
			if r.releaseFrameLocked(pte.Frame) {
				released = append(released, pte.Frame)
			}
			removed = append(removed, remap{vpn, pte.Frame})
		}
		return nil
	})
	r.mu.Unlock()

	r.notifyRemap(removed, released)
}

// Protect changes the permissions of every mapped page overlapping
// [va, va+length).
func (r *RAM) Protect(va types.GuestAddr, length uint64, perm types.Perm) {
	var changed []remap
	r.mu.Lock()
	r.pageRange(va, length, func(vpn uint64) error {
		if pte, ok := r.pages[vpn]; ok && pte.Perm != perm {
			r.pages[vpn] = PTE{Frame: pte.Frame, Perm: perm}
			changed = append(changed, remap{vpn, pte.Frame})
		}
		return nil
	})
	r.mu.Unlock()

	r.notifyRemap(changed, nil)
}

func (r *RAM) pageRange(va types.GuestAddr, length uint64, fn func(vpn uint64) error) error {
	if length == 0 {
		return nil
	}
	first := va.PageNumber()
	last := (va + types.GuestAddr(length-1)).PageNumber()
	for vpn := first; ; vpn++ {
		if err := fn(vpn); err != nil {
			return err
		}
		if vpn == last {
			return nil
		}
	}
}

// Lookup returns the mapping of the page containing va.
func (r *RAM) Lookup(va types.GuestAddr) (PTE, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pte, ok := r.pages[va.PageNumber()]
	return pte, ok
}

// MappedPages returns every mapped virtual page number in ascending order.
func (r *RAM) MappedPages() []uint64 {
	r.mu.RLock()
	vpns := make([]uint64, 0, len(r.pages))
	for vpn := range r.pages {
		vpns = append(vpns, vpn)
	}
	r.mu.RUnlock()
	sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })
	return vpns
}

//
// Address translation
//

// Walk resolves va for access. It returns the host address of the start of
// the backing frame and the page permissions, or a fault.
func (r *RAM) Walk(va types.GuestAddr, access types.Access) (types.HostAddr, types.Perm, *xerrors.GuestFault) {
	r.mu.RLock()
	pte, ok := r.pages[va.PageNumber()]
	r.mu.RUnlock()
	if !ok {
		return 0, 0, &xerrors.GuestFault{Addr: va, Access: access, Reason: "page not mapped"}
	}
	if !pte.Perm.Allows(access) {
		return 0, 0, &xerrors.GuestFault{Addr: va, Access: access, Reason: fmt.Sprintf("page is %s", pte.Perm)}
	}
	return types.HostAddr(pte.Frame * PageSize), pte.Perm, nil
}

//
// Host-physical access
//

// Load reads size bytes little-endian at h. The range must lie inside one
// frame.
func (r *RAM) Load(h types.HostAddr, size int) uint64 {
	b := r.mem[h : uint64(h)+uint64(size)]
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

// Store writes the low size bytes of v little-endian at h.
func (r *RAM) Store(h types.HostAddr, size int, v uint64) {
	b := r.mem[h : uint64(h)+uint64(size)]
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// Frame returns the live bytes of frame f.
func (r *RAM) Frame(f uint64) []byte {
	return r.mem[f*PageSize : (f+1)*PageSize : (f+1)*PageSize]
}

//
// Host-side virtual access (loaders, debuggers, devices)
//

// ReadVirt copies len(buf) bytes starting at va, ignoring permissions.
func (r *RAM) ReadVirt(va types.GuestAddr, buf []byte) error {
	return r.virtRange(va, len(buf), func(host types.HostAddr, off, n int, _ uint64) {
		copy(buf[off:off+n], r.mem[host:uint64(host)+uint64(n)])
	})
}

// WriteVirt copies data to va, ignoring permissions, and reports every
// touched frame to the listeners.
func (r *RAM) WriteVirt(va types.GuestAddr, data []byte) error {
	var frames []uint64
	err := r.virtRange(va, len(data), func(host types.HostAddr, off, n int, frame uint64) {
		copy(r.mem[host:uint64(host)+uint64(n)], data[off:off+n])
		frames = append(frames, frame)
	})
	r.notifyWrite(frames)
	return err
}

func (r *RAM) virtRange(va types.GuestAddr, length int, fn func(host types.HostAddr, off, n int, frame uint64)) error {
	for off := 0; off < length; {
		addr := va + types.GuestAddr(off)
		pte, ok := r.Lookup(addr)
		if !ok {
			return &xerrors.GuestFault{Addr: addr, Access: types.AccessRead, Reason: "page not mapped"}
		}
		n := int(PageSize - addr.PageOffset())
		if n > length-off {
			n = length - off
		}
		fn(types.HostAddr(pte.Frame*PageSize+addr.PageOffset()), off, n, pte.Frame)
		off += n
	}
	return nil
}

// LoadImage maps [va, va+len(data)) with perm and copies data there.
func (r *RAM) LoadImage(va types.GuestAddr, data []byte, perm types.Perm) error {
	if err := r.MapRange(va, uint64(len(data)), perm); err != nil {
		return err
	}
	return r.WriteVirt(va, data)
}
