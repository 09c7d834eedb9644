// Package metrics exports engine, cache and per-context counters to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xlate/pkg/cpu"
	"xlate/pkg/engine"
	"xlate/pkg/types"
)

const namespace = "xlate"

type counterField struct {
	desc *prometheus.Desc
	load func(*engine.Engine) uint64
}

// Metrics reads the engine's own counters at scrape time and keeps the
// few distributions the engine does not record itself.
type Metrics struct {
	mu sync.Mutex
	e  *engine.Engine

	blockInsns prometheus.Histogram
	blockBytes prometheus.Histogram
	exceptions *prometheus.CounterVec

	counters []counterField

	resident  *prometheus.Desc
	codeBytes *prometheus.Desc
	retired   *prometheus.Desc
	arenaUsed *prometheus.Desc
	arenaCap  *prometheus.Desc

	ctxBlocks     *prometheus.Desc
	ctxChained    *prometheus.Desc
	ctxJumpHits   *prometheus.Desc
	ctxJumpMisses *prometheus.Desc
	ctxAbandoned  *prometheus.Desc
	tlbHits       *prometheus.Desc
	tlbMisses     *prometheus.Desc
	tlbVictimHits *prometheus.Desc
	tlbWalks      *prometheus.Desc
	tlbFaults     *prometheus.Desc
	tlbFlushes    *prometheus.Desc
}

func counter(sub, name, help string, load func(*engine.Engine) uint64) counterField {
	return counterField{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil),
		load: load,
	}
}

func perContext(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, []string{"context"}, nil)
}

// New creates the metric set. Attach an engine before the first scrape to
// get more than the block histograms.
func New() *Metrics {
	m := &Metrics{
		blockInsns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "block_guest_insns",
			Help:      "Guest instructions per translated block.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		blockBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "block_guest_bytes",
			Help:      "Guest bytes per translated block.",
			Buckets:   prometheus.ExponentialBuckets(4, 2, 10),
		}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "exceptions_by_code_total",
			Help:      "Exceptions delivered, by exception code.",
		}, []string{"code"}),

		resident:  prometheus.NewDesc("xlate_cache_resident_blocks", "Blocks currently resident.", nil, nil),
		codeBytes: prometheus.NewDesc("xlate_cache_code_bytes", "Host code held by resident blocks.", nil, nil),
		retired:   prometheus.NewDesc("xlate_cache_retired_blocks", "Invalidated blocks waiting for reclamation.", nil, nil),
		arenaUsed: prometheus.NewDesc("xlate_arena_used_bytes", "Bytes allocated in the native code arena.", nil, nil),
		arenaCap:  prometheus.NewDesc("xlate_arena_capacity_bytes", "Size of the native code arena.", nil, nil),

		ctxBlocks:     perContext("context", "blocks_total", "Blocks entered."),
		ctxChained:    perContext("context", "chained_total", "Blocks entered through a chain link."),
		ctxJumpHits:   perContext("context", "jump_cache_hits_total", "Jump cache hits."),
		ctxJumpMisses: perContext("context", "jump_cache_misses_total", "Jump cache misses."),
		ctxAbandoned:  perContext("context", "abandoned_total", "Blocks left early because they were invalidated."),
		tlbHits:       perContext("tlb", "hits_total", "Soft TLB hits."),
		tlbMisses:     perContext("tlb", "misses_total", "Soft TLB misses."),
		tlbVictimHits: perContext("tlb", "victim_hits_total", "Misses served by the victim buffer."),
		tlbWalks:      perContext("tlb", "walks_total", "Page table walks."),
		tlbFaults:     perContext("tlb", "faults_total", "Walks that ended in a fault."),
		tlbFlushes:    perContext("tlb", "flushes_total", "Full flushes."),
	}

	m.counters = []counterField{
		counter("engine", "dispatches_total", "Dispatcher iterations.", func(e *engine.Engine) uint64 { return e.Stats.Dispatches.Load() }),
		counter("engine", "links_total", "Chain links made by the dispatcher.", func(e *engine.Engine) uint64 { return e.Stats.Links.Load() }),
		counter("engine", "interpreted_total", "Instructions run by the fallback interpreter.", func(e *engine.Engine) uint64 { return e.Stats.Interpreted.Load() }),
		counter("engine", "exceptions_total", "Exceptions delivered.", func(e *engine.Engine) uint64 { return e.Stats.Exceptions.Load() }),
		counter("engine", "interrupts_total", "Interrupts delivered.", func(e *engine.Engine) uint64 { return e.Stats.Interrupts.Load() }),

		counter("cache", "lookups_total", "Cache lookups.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Lookups.Load() }),
		counter("cache", "hits_total", "Lookups that found a resident block.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Hits.Load() }),
		counter("cache", "compiles_total", "Translations started.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Compiles.Load() }),
		counter("cache", "shared_waits_total", "Lookups that waited on another context's translation.", func(e *engine.Engine) uint64 { return e.Cache.Stats.SharedWaits.Load() }),
		counter("cache", "failures_total", "Translations that failed.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Failures.Load() }),
		counter("cache", "invalidations_total", "Blocks invalidated.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Invalidations.Load() }),
		counter("cache", "evictions_total", "Blocks evicted for capacity.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Evictions.Load() }),
		counter("cache", "reclaimed_total", "Blocks whose memory was released.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Reclaimed.Load() }),
		counter("cache", "links_total", "Chain slots linked.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Links.Load() }),
		counter("cache", "unlinks_total", "Chain slots unlinked.", func(e *engine.Engine) uint64 { return e.Cache.Stats.Unlinks.Load() }),
		counter("cache", "stale_compiles_total", "Translations discarded because their code changed meanwhile.", func(e *engine.Engine) uint64 { return e.Cache.Stats.StaleCompiles.Load() }),
		counter("cache", "verify_misses_total", "Hits rejected by code verification.", func(e *engine.Engine) uint64 { return e.Cache.Stats.VerifyMisses.Load() }),
	}
	return m
}

// Attach makes the collector report e.
func (m *Metrics) Attach(e *engine.Engine) {
	m.mu.Lock()
	m.e = e
	m.mu.Unlock()
}

// Hooks returns h with the block and exception observers chained in front.
func (m *Metrics) Hooks(h engine.Hooks) engine.Hooks {
	resident := h.OnBlockResident
	h.OnBlockResident = func(pc types.GuestAddr, size uint64, insns int) {
		m.blockInsns.Observe(float64(insns))
		m.blockBytes.Observe(float64(size))
		if resident != nil {
			resident(pc, size, insns)
		}
	}
	exception := h.OnException
	h.OnException = func(c *cpu.Context, e *cpu.Exception) {
		m.exceptions.WithLabelValues(strconv.FormatInt(int64(e.Code), 16)).Inc()
		if exception != nil {
			exception(c, e)
		}
	}
	return h
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.blockInsns.Describe(ch)
	m.blockBytes.Describe(ch)
	m.exceptions.Describe(ch)
	for _, f := range m.counters {
		ch <- f.desc
	}
	for _, d := range []*prometheus.Desc{
		m.resident, m.codeBytes, m.retired, m.arenaUsed, m.arenaCap,
		m.ctxBlocks, m.ctxChained, m.ctxJumpHits, m.ctxJumpMisses, m.ctxAbandoned,
		m.tlbHits, m.tlbMisses, m.tlbVictimHits, m.tlbWalks, m.tlbFaults, m.tlbFlushes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.blockInsns.Collect(ch)
	m.blockBytes.Collect(ch)
	m.exceptions.Collect(ch)

	m.mu.Lock()
	e := m.e
	m.mu.Unlock()
	if e == nil {
		return
	}

	for _, f := range m.counters {
		ch <- prometheus.MustNewConstMetric(f.desc, prometheus.CounterValue, float64(f.load(e)))
	}
	ch <- prometheus.MustNewConstMetric(m.resident, prometheus.GaugeValue, float64(e.Cache.Len()))
	ch <- prometheus.MustNewConstMetric(m.codeBytes, prometheus.GaugeValue, float64(e.Cache.CodeBytes()))
	ch <- prometheus.MustNewConstMetric(m.retired, prometheus.GaugeValue, float64(e.Cache.Retired()))
	if e.Arena != nil {
		ch <- prometheus.MustNewConstMetric(m.arenaUsed, prometheus.GaugeValue, float64(e.Arena.Used()))
		ch <- prometheus.MustNewConstMetric(m.arenaCap, prometheus.GaugeValue, float64(e.Arena.Capacity()))
	}

	for _, c := range e.Contexts() {
		id := strconv.Itoa(c.ID)
		put := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), id)
		}
		put(m.ctxBlocks, c.Stats.Blocks.Load())
		put(m.ctxChained, c.Stats.Chained.Load())
		put(m.ctxJumpHits, c.Stats.JumpHits.Load())
		put(m.ctxJumpMisses, c.Stats.JumpMisses.Load())
		put(m.ctxAbandoned, c.Stats.Abandoned.Load())

		s := &c.TLB.Stats
		put(m.tlbHits, s.Hits.Load())
		put(m.tlbMisses, s.Misses.Load())
		put(m.tlbVictimHits, s.VictimHits.Load())
		put(m.tlbWalks, s.Walks.Load())
		put(m.tlbFaults, s.Faults.Load())
		put(m.tlbFlushes, s.Flushes.Load())
	}
}

// Register adds m to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// Handler serves the metrics gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
