package types

import (
	"fmt"

	"xlate/pkg/constants"
)

// GuestAddr is a guest virtual address.
type GuestAddr uint64

// PageNumber returns the virtual page number containing a.
func (a GuestAddr) PageNumber() uint64 {
	return uint64(a) >> constants.PageBits
}

// PageBase returns the first address of the page containing a.
func (a GuestAddr) PageBase() GuestAddr {
	return a &^ constants.PageMask
}

// PageOffset returns the offset of a within its page.
func (a GuestAddr) PageOffset() uint64 {
	return uint64(a) & constants.PageMask
}

func (a GuestAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// HostAddr is an offset into host RAM backing guest frames. The soft TLB
// translates by adding a cached addend to a GuestAddr.
type HostAddr uint64

// FrameNumber returns the host frame containing h.
func (h HostAddr) FrameNumber() uint64 {
	return uint64(h) >> constants.PageBits
}

// FrameBase returns the first address of the frame containing h.
func (h HostAddr) FrameBase() HostAddr {
	return h &^ constants.PageMask
}

// Mode is the guest execution-mode tag (privilege level, ISA variant).
// Together with the PC it keys the translation cache.
type Mode uint32

// Access is the kind of a guest memory access.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// Perm returns the permission bit required for an access.
func (a Access) Perm() Perm {
	return Perm(1) << a
}

// Perm is a page permission bitmask.
type Perm uint32

const (
	PermRead  Perm = 1 << AccessRead
	PermWrite Perm = 1 << AccessWrite
	PermExec  Perm = 1 << AccessExec

	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExec
	PermRWX = PermRead | PermWrite | PermExec
)

// Allows reports whether p grants access a.
func (p Perm) Allows(a Access) bool {
	return p&a.Perm() != 0
}

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}
