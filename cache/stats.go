package cache

import (
	"io"
	"sync/atomic"

	"github.com/mit-pdos/go-bcache/util/stats"
)

type counters struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	relocations atomic.Uint64
	exhausted   atomic.Uint64
	waits       atomic.Uint64
	releases    atomic.Uint64
}

// Stats is a snapshot of the cache's event counters. Misses counts
// slots claimed for a new block, Relocations the subset stolen from
// another shard.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Relocations uint64
	Exhausted   uint64
	Waits       uint64
	Releases    uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Relocations: c.stats.relocations.Load(),
		Exhausted:   c.stats.exhausted.Load(),
		Waits:       c.stats.waits.Load(),
		Releases:    c.stats.releases.Load(),
	}
}

func (c *Cache) ResetStats() {
	c.stats.hits.Store(0)
	c.stats.misses.Store(0)
	c.stats.relocations.Store(0)
	c.stats.exhausted.Store(0)
	c.stats.waits.Store(0)
	c.stats.releases.Store(0)
}

func (st Stats) names() []string {
	return []string{"hit", "miss", "relocate", "exhausted", "wait", "release"}
}

func (st Stats) values() []uint64 {
	return []uint64{st.Hits, st.Misses, st.Relocations, st.Exhausted, st.Waits, st.Releases}
}

func (c *Cache) WriteStats(w io.Writer) {
	st := c.Stats()
	stats.WriteCounts("bcache", st.names(), st.values(), w)
}
