package cpu

import "xlate/pkg/types"

// DefaultHelpers returns the engine helper table.
func DefaultHelpers() []Helper {
	h := make([]Helper, HelperGuestBase)
	h[HelperICacheFlush] = func(c *Context, _, _, _ uint64) (uint64, error) {
		if c.Cache != nil {
			c.Cache.FlushAll()
		}
		c.ClearJumps()
		return 0, nil
	}
	h[HelperTLBFlush] = func(c *Context, _, _, _ uint64) (uint64, error) {
		c.TLB.Flush()
		return 0, nil
	}
	h[HelperTLBFlushPage] = func(c *Context, va, _, _ uint64) (uint64, error) {
		c.TLB.FlushPage(types.GuestAddr(va))
		return 0, nil
	}
	return h
}
