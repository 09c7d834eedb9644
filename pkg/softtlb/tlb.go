// Package softtlb implements the per-context software TLB that caches
// guest-virtual to host translations with their permission bits.
package softtlb

import (
	"sync"
	"sync/atomic"

	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/types"
)

// Walker performs a full guest translation and permission check.
type Walker interface {
	Walk(va types.GuestAddr, access types.Access) (types.HostAddr, types.Perm, *xerrors.GuestFault)
}

// CodeFrames reports whether a host frame currently backs translated code.
// Writable entries are never installed for such frames, so every guest
// store into them takes the slow path.
type CodeFrames interface {
	IsCodeFrame(frame uint64) bool
}

const (
	tagPermBits = 3
	tagPermMask = 1<<tagPermBits - 1
	invalidVPN  = ^uint64(0)

	// fills retried when a concurrent revocation races the walk
	maxFillRetries = 4
)

// Entry is one TLB slot. Its layout matches the offsets used by generated
// code: VPN at 0, Addend at 8, Tag at 16, Gen at 24.
type Entry struct {
	VPN    uint64
	Addend uint64        // host = va + Addend
	Tag    atomic.Uint64 // frame<<3 | permission bits
	Gen    uint32
	_      uint32
}

func (e *Entry) frame() uint64 { return e.Tag.Load() >> tagPermBits }

func (e *Entry) perm() types.Perm { return types.Perm(e.Tag.Load() & tagPermMask) }

func (e *Entry) reset() {
	e.VPN = invalidVPN
	e.Addend = 0
	e.Tag.Store(0)
	e.Gen = 0
}

// Stats counts TLB activity. Fields are updated by the owning context and
// may be read from any goroutine.
type Stats struct {
	Hits       atomic.Uint64
	Misses     atomic.Uint64
	VictimHits atomic.Uint64
	Walks      atomic.Uint64
	Faults     atomic.Uint64
	Flushes    atomic.Uint64
}

// TLB is a direct-mapped soft TLB with a small victim buffer. All methods
// except RevokeWrite, RevokeFrame, RequestFlush and RequestFlushPage must
// be called by the owning context.
type TLB struct {
	entries []Entry
	mask    uint64
	gen     uint32

	victim     [constants.VictimTLBSize]Entry
	victimNext int

	walker Walker
	code   CodeFrames

	// bumped before every RevokeFrame scan
	revokes atomic.Uint64

	// flush requests from other goroutines, drained by the owner
	reqMu      sync.Mutex
	reqAll     bool
	reqPages   []uint64
	reqPending atomic.Bool

	Stats Stats
}

// New creates a TLB with sets entries (rounded up to a power of two).
// code may be nil when nothing tracks translated frames.
func New(sets int, walker Walker, code CodeFrames) *TLB {
	n := 1
	for n < sets {
		n <<= 1
	}
	t := &TLB{
		entries: make([]Entry, n),
		mask:    uint64(n - 1),
		gen:     1,
		walker:  walker,
		code:    code,
	}
	t.clear()
	return t
}

func (t *TLB) clear() {
	for i := range t.entries {
		t.entries[i].reset()
	}
	for i := range t.victim {
		t.victim[i].reset()
	}
}

// Sets returns the number of direct-mapped sets.
func (t *TLB) Sets() int { return len(t.entries) }

// Generation returns the current generation tag.
func (t *TLB) Generation() uint32 { return t.gen }

// Entries exposes the entry array for the native frame.
func (t *TLB) Entries() []Entry { return t.entries }

// Mask returns the set index mask.
func (t *TLB) Mask() uint64 { return t.mask }

func (t *TLB) set(vpn uint64) *Entry {
	return &t.entries[vpn&t.mask]
}

func (e *Entry) matches(vpn uint64, gen uint32, access types.Access) bool {
	return e.Gen == gen && e.VPN == vpn && e.Tag.Load()&uint64(access.Perm()) != 0
}

// Translate is the fast path. It succeeds only if the set holds the page
// for the current generation with the access's permission bit.
func (t *TLB) Translate(va types.GuestAddr, access types.Access) (types.HostAddr, bool) {
	vpn := va.PageNumber()
	e := t.set(vpn)
	if !e.matches(vpn, t.gen, access) {
		return 0, false
	}
	t.Stats.Hits.Add(1)
	return types.HostAddr(uint64(va) + e.Addend), true
}

// Fill is the slow path. It probes the victim buffer, then walks the guest
// page table and installs the result. codeWrite is set when the access is
// a write into a frame holding translated code; the caller performs the
// store and then invalidates that frame.
func (t *TLB) Fill(va types.GuestAddr, access types.Access) (host types.HostAddr, frame uint64, codeWrite bool, fault *xerrors.GuestFault) {
	t.Stats.Misses.Add(1)
	vpn := va.PageNumber()

	for i := range t.victim {
		v := &t.victim[i]
		if v.matches(vpn, t.gen, access) {
			t.Stats.VictimHits.Add(1)
			t.swapVictim(vpn, i)
			return types.HostAddr(uint64(va) + t.set(vpn).Addend), t.set(vpn).frame(), false, nil
		}
	}

	for attempt := 0; ; attempt++ {
		seq := t.revokes.Load()
		t.Stats.Walks.Add(1)
		base, perm, fault := t.walker.Walk(va, access)
		if fault != nil {
			t.Stats.Faults.Add(1)
			return 0, 0, false, fault
		}
		frame = uint64(base) >> constants.PageBits
		t.install(vpn, base, frame, perm)

		if t.revokes.Load() != seq {
			// A mapping changed while we walked; the entry may describe a
			// frame that is already released.
			t.set(vpn).reset()
			if attempt < maxFillRetries {
				continue
			}
			codeWrite = access == types.AccessWrite && t.code != nil && t.code.IsCodeFrame(frame)
			return base + types.HostAddr(va.PageOffset()), frame, codeWrite, nil
		}

		if h, ok := t.Translate(va, access); ok {
			return h, frame, false, nil
		}
		// The walker granted the access but the installed entry does not: a
		// write into a code frame.
		return base + types.HostAddr(va.PageOffset()), frame, true, nil
	}
}

// Lookup is Translate followed by Fill on a miss.
func (t *TLB) Lookup(va types.GuestAddr, access types.Access) (types.HostAddr, uint64, bool, *xerrors.GuestFault) {
	if h, ok := t.Translate(va, access); ok {
		return h, uint64(h) >> constants.PageBits, false, nil
	}
	return t.Fill(va, access)
}

func (t *TLB) install(vpn uint64, base types.HostAddr, frame uint64, perm types.Perm) {
	e := t.set(vpn)
	if e.Gen == t.gen && e.VPN != invalidVPN && e.VPN != vpn {
		t.evictToVictim(e)
	}
	if t.code != nil && t.code.IsCodeFrame(frame) {
		perm &^= types.PermWrite
	}
	e.VPN = vpn
	e.Addend = uint64(base) - vpn<<constants.PageBits
	e.Gen = t.gen
	e.Tag.Store(frame<<tagPermBits | uint64(perm))

	// A frame that became code between the check above and the store is
	// revoked either by RevokeWrite or here.
	if perm&types.PermWrite != 0 && t.code != nil && t.code.IsCodeFrame(frame) {
		revoke(e, frame)
	}
}

func (t *TLB) evictToVictim(e *Entry) {
	v := &t.victim[t.victimNext]
	t.victimNext = (t.victimNext + 1) % len(t.victim)
	v.VPN = e.VPN
	v.Addend = e.Addend
	v.Gen = e.Gen
	v.Tag.Store(e.Tag.Load())
}

func (t *TLB) swapVictim(vpn uint64, i int) {
	e, v := t.set(vpn), &t.victim[i]
	var tmp Entry
	tmp.VPN, tmp.Addend, tmp.Gen = e.VPN, e.Addend, e.Gen
	tmp.Tag.Store(e.Tag.Load())

	e.VPN, e.Addend, e.Gen = v.VPN, v.Addend, v.Gen
	e.Tag.Store(v.Tag.Load())

	v.VPN, v.Addend, v.Gen = tmp.VPN, tmp.Addend, tmp.Gen
	v.Tag.Store(tmp.Tag.Load())
}

// Flush invalidates every entry by bumping the generation.
func (t *TLB) Flush() {
	t.Stats.Flushes.Add(1)
	t.gen++
	if t.gen == 0 {
		// Wrapped: old tags could collide with the new generation.
		t.clear()
		t.gen = 1
	}
}

// FlushPage clears only the entries for the page containing va.
func (t *TLB) FlushPage(va types.GuestAddr) {
	vpn := va.PageNumber()
	if e := t.set(vpn); e.VPN == vpn {
		e.reset()
	}
	for i := range t.victim {
		if t.victim[i].VPN == vpn {
			t.victim[i].reset()
		}
	}
}

func revoke(e *Entry, frame uint64) bool {
	for {
		tag := e.Tag.Load()
		if tag>>tagPermBits != frame || tag&uint64(types.PermWrite) == 0 {
			return false
		}
		if e.Tag.CompareAndSwap(tag, tag&^uint64(types.PermWrite)) {
			return true
		}
	}
}

// RevokeWrite drops write permission from every entry mapping frame. It is
// safe to call from any goroutine.
func (t *TLB) RevokeWrite(frame uint64) int {
	n := 0
	for i := range t.entries {
		if revoke(&t.entries[i], frame) {
			n++
		}
	}
	for i := range t.victim {
		if revoke(&t.victim[i], frame) {
			n++
		}
	}
	return n
}

func revokeAll(e *Entry, frame uint64) bool {
	for {
		tag := e.Tag.Load()
		if tag>>tagPermBits != frame || tag&tagPermMask == 0 {
			return false
		}
		if e.Tag.CompareAndSwap(tag, tag&^tagPermMask) {
			return true
		}
	}
}

// RevokeFrame drops every permission from the entries mapping frame, so
// the next access through any of them misses and walks the page table
// again. It is safe to call from any goroutine and takes effect before it
// returns; callers must not reuse frame until then.
func (t *TLB) RevokeFrame(frame uint64) int {
	t.revokes.Add(1)
	n := 0
	for i := range t.entries {
		if revokeAll(&t.entries[i], frame) {
			n++
		}
	}
	for i := range t.victim {
		if revokeAll(&t.victim[i], frame) {
			n++
		}
	}
	return n
}

// RequestFlush asks the owner to flush at its next loop boundary.
func (t *TLB) RequestFlush() {
	t.reqMu.Lock()
	t.reqAll = true
	t.reqPages = t.reqPages[:0]
	t.reqMu.Unlock()
	t.reqPending.Store(true)
}

// RequestFlushPage asks the owner to flush one page at its next loop
// boundary.
func (t *TLB) RequestFlushPage(va types.GuestAddr) {
	t.reqMu.Lock()
	if !t.reqAll {
		t.reqPages = append(t.reqPages, va.PageNumber())
	}
	t.reqMu.Unlock()
	t.reqPending.Store(true)
}

// Drain applies queued flush requests. It returns true if any were pending.
func (t *TLB) Drain() bool {
	if !t.reqPending.Load() {
		return false
	}
	t.reqMu.Lock()
	t.reqPending.Store(false)
	all, pages := t.reqAll, t.reqPages
	t.reqAll, t.reqPages = false, nil
	t.reqMu.Unlock()

	if all {
		t.Flush()
		return true
	}
	for _, vpn := range pages {
		t.FlushPage(types.GuestAddr(vpn << constants.PageBits))
	}
	return true
}

// Pending reports whether flush requests are queued.
func (t *TLB) Pending() bool {
	return t.reqPending.Load()
}
