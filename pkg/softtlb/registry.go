package softtlb

import (
	"sync"

	"xlate/pkg/types"
)

// Registry tracks the TLBs of all live contexts so that changes visible to
// every context can be broadcast.
type Registry struct {
	mu   sync.RWMutex
	tlbs map[*TLB]struct{}
}

func NewRegistry() *Registry {
	return &Registry{tlbs: make(map[*TLB]struct{})}
}

func (r *Registry) Register(t *TLB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tlbs[t] = struct{}{}
}

func (r *Registry) Unregister(t *TLB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tlbs, t)
}

func (r *Registry) each(fn func(*TLB)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t := range r.tlbs {
		fn(t)
	}
}

// RevokeWrite removes write permission for frame from every TLB
// immediately.
func (r *Registry) RevokeWrite(frame uint64) {
	r.each(func(t *TLB) { t.RevokeWrite(frame) })
}

// RevokeFrame removes every permission for frame from every TLB
// immediately.
func (r *Registry) RevokeFrame(frame uint64) {
	r.each(func(t *TLB) { t.RevokeFrame(frame) })
}

// FlushPage queues a per-page flush on every TLB.
func (r *Registry) FlushPage(va types.GuestAddr) {
	r.each(func(t *TLB) { t.RequestFlushPage(va) })
}

// FlushAll queues a full flush on every TLB.
func (r *Registry) FlushAll() {
	r.each(func(t *TLB) { t.RequestFlush() })
}

// Len returns the number of registered TLBs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tlbs)
}
