package tcache

import "sync/atomic"

// Participant is one execution context's registration for quiescence
// based reclamation. A parked participant holds no block references.
type Participant struct {
	c *Cache

	// epoch observed at the last quiescence point
	observed atomic.Uint64
	active   atomic.Bool
}

// Join registers a new participant. It starts parked.
func (c *Cache) Join() *Participant {
	p := &Participant{c: c}
	c.pmu.Lock()
	c.participants[p] = struct{}{}
	c.pmu.Unlock()
	return p
}

// Leave unregisters p.
func (p *Participant) Leave() {
	p.active.Store(false)
	p.c.pmu.Lock()
	delete(p.c.participants, p)
	p.c.pmu.Unlock()
	p.c.tryReclaim()
}

// Quiesce marks a point at which p holds no reference to any block it
// obtained earlier, i.e. the top of the dispatch loop. Afterwards p counts
// as active until Park.
func (p *Participant) Quiesce() {
	p.observed.Store(p.c.epoch.Load())
	p.active.Store(true)
	p.c.tryReclaim()
}

// Park marks p as outside the dispatch loop.
func (p *Participant) Park() {
	p.active.Store(false)
	p.c.tryReclaim()
}

// safeEpoch returns the newest epoch every active participant has seen.
func (c *Cache) safeEpoch() uint64 {
	safe := c.epoch.Load()
	c.pmu.Lock()
	defer c.pmu.Unlock()
	for p := range c.participants {
		if !p.active.Load() {
			continue
		}
		if o := p.observed.Load(); o < safe {
			safe = o
		}
	}
	return safe
}

func (c *Cache) tryReclaim() {
	if c.nretired.Load() == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reclaimLocked()
}

// Reclaim frees what can be freed now and returns the number of blocks
// reclaimed.
func (c *Cache) Reclaim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reclaimLocked()
}

// reclaimLocked returns retired blocks that no participant can still be
// executing to the arena and the slot free list.
func (c *Cache) reclaimLocked() int {
	if len(c.retired) == 0 {
		return 0
	}
	safe := c.safeEpoch()
	kept := c.retired[:0]
	n := 0
	for _, b := range c.retired {
		if b.retired > safe {
			kept = append(kept, b)
			continue
		}
		c.freeLocked(b)
		n++
	}
	for i := len(kept); i < len(c.retired); i++ {
		c.retired[i] = nil
	}
	c.retired = kept
	c.nretired.Add(int64(-n))
	c.Stats.Reclaimed.Add(uint64(n))
	return n
}

func (c *Cache) freeLocked(b *Block) {
	if b.State() != StateInvalid {
		return
	}
	b.state.Store(int32(StateReclaimed))
	if b.native != nil && c.cfg.Arena != nil {
		c.cfg.Arena.Free(b.span)
		b.native = nil
	}
	i := b.ID.slot()
	if int(i) < len(c.slots) && c.slots[i].block == b {
		c.slots[i].block = nil
		c.slots[i].gen++
		c.freeSlots = append(c.freeSlots, i)
	}
	c.transition(b.Key, StateInvalid, StateReclaimed)
}
