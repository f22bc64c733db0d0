package cache

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/mit-pdos/go-journal/util"
)

// A shared, fixed-size cache of device blocks. The cache has a fixed
// number of slots, partitioned over a fixed number of shards by block
// number. Acquire returns a slot for a block with its pin count
// incremented and its exclusive-use lock held; callers fill the slot
// if it is not valid. Release drops the lock and the pin. A slot whose
// pin count is 0 can be recycled for another block, oldest free time
// first, preferably from the block's own shard and otherwise stolen
// from another shard under the cache-wide lock.
//
// Lock order: cache-wide lock, then shard locks in ascending index
// order. No shard lock or cache-wide lock is held while waiting for a
// slot's exclusive-use lock.

const NBUF int = 30
const NSHARD int = 13

type Config struct {
	NBuf      int
	NShard    int
	Policy    Policy
	OnExhaust OnExhaust
	Clock     Clock // nil means a fresh Ticks
}

func DefaultConfig() Config {
	return Config{
		NBuf:      NBUF,
		NShard:    NSHARD,
		Policy:    LocalFirst,
		OnExhaust: ExhaustPanic,
	}
}

func (cfg Config) Validate() error {
	if cfg.NBuf < 1 {
		return errors.Wrapf(ErrInvalidConfig, "nbuf %d", cfg.NBuf)
	}
	if cfg.NShard < 2 {
		return errors.Wrapf(ErrInvalidConfig, "nshard %d", cfg.NShard)
	}
	if cfg.Policy != LocalFirst && cfg.Policy != GlobalOnly {
		return errors.Wrapf(ErrInvalidConfig, "policy %d", cfg.Policy)
	}
	if cfg.OnExhaust < ExhaustPanic || cfg.OnExhaust > ExhaustWait {
		return errors.Wrapf(ErrInvalidConfig, "exhaustion policy %d", cfg.OnExhaust)
	}
	return nil
}

type Cache struct {
	arena []*Slot
	table *shardTable

	mu      *sync.Mutex // serializes cross-shard steals
	freed   *sync.Cond  // signalled when a slot becomes unpinned
	waiters atomic.Int32

	policy    Policy
	onExhaust OnExhaust
	clock     Clock
	toks      atomic.Uint64

	stats counters
}

func MkCache(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = new(Ticks)
	}
	mu := new(sync.Mutex)
	c := &Cache{
		arena:     make([]*Slot, cfg.NBuf),
		table:     mkShardTable(cfg.NShard),
		mu:        mu,
		freed:     sync.NewCond(mu),
		policy:    cfg.Policy,
		onExhaust: cfg.OnExhaust,
		clock:     clock,
	}
	for i := range c.arena {
		s := mkSlot(i)
		c.arena[i] = s
		c.table.shards[i%cfg.NShard].link(s)
	}
	util.DPrintf(1, "MkCache: %d slots, %d shards, %v, on exhaustion %v\n",
		cfg.NBuf, cfg.NShard, cfg.Policy, cfg.OnExhaust)
	return c, nil
}

func (c *Cache) NBuf() int {
	return len(c.arena)
}

func (c *Cache) NShard() int {
	return len(c.table.shards)
}

// ShardOf returns the shard responsible for id.
func (c *Cache) ShardOf(id BlockId) int {
	return c.table.shardOf(id)
}

// Members returns a snapshot of the arena indices owned by shard i.
func (c *Cache) Members(i int) []int {
	sh := c.table.shards[i]
	sh.mu.Lock()
	m := make([]int, len(sh.members))
	copy(m, sh.members)
	sh.mu.Unlock()
	return m
}

// Acquire returns the slot for id, locked for exclusive use and
// pinned once more. The slot's data is valid only if Valid says so.
func (c *Cache) Acquire(id BlockId) (*Buf, error) {
	if id.Dev == NoDev {
		panic(errors.AssertionFailedf("Acquire: reserved device in %v", id))
	}
	sh := c.table.get(id)
	sh.mu.Lock()
	if s := sh.lookup(c.arena, id); s != nil {
		s.pin++
		sh.mu.Unlock()
		c.stats.hits.Add(1)
		util.DPrintf(5, "Acquire %v: hit slot %d\n", id, s.idx)
		return c.lock(s), nil
	}
	if c.policy == LocalFirst {
		if s := sh.oldestFree(c.arena); s != nil {
			util.DPrintf(5, "Acquire %v: reuse slot %d (was %v)\n", id, s.idx, s.id)
			s.claim(id)
			sh.mu.Unlock()
			c.stats.misses.Add(1)
			return c.lock(s), nil
		}
	}
	sh.mu.Unlock()

	s, err := c.steal(id)
	if err != nil {
		return nil, err
	}
	return c.lock(s), nil
}

func (c *Cache) lock(s *Slot) *Buf {
	tok := c.toks.Add(1)
	s.lk.acquire(tok)
	return &Buf{slot: s, tok: tok}
}

// steal claims the pool-wide oldest free slot for id, moving it into
// id's shard. The target shard is re-checked under its lock, since
// another thread may have cached id after Acquire dropped the lock.
func (c *Cache) steal(id BlockId) (*Slot, error) {
	dst := c.table.shardOf(id)
	c.mu.Lock()
	if c.onExhaust == ExhaustWait {
		c.waiters.Add(1)
		defer c.waiters.Add(-1)
	}
	for {
		victim, src := c.oldestFree()
		if victim == nil {
			if err := c.exhausted(id); err != nil {
				c.mu.Unlock()
				return nil, err
			}
			continue
		}

		c.table.lockPair(src, dst)
		if s := c.table.shards[dst].lookup(c.arena, id); s != nil {
			s.pin++
			c.table.unlockPair(src, dst)
			c.mu.Unlock()
			c.stats.hits.Add(1)
			return s, nil
		}
		if victim.owner() != src || victim.pin != 0 {
			// claimed locally since the scan
			c.table.unlockPair(src, dst)
			continue
		}
		if src != dst {
			c.table.shards[src].unlink(c.arena, victim)
			c.table.shards[dst].link(victim)
			c.stats.relocations.Add(1)
			util.DPrintf(1, "steal %v: slot %d from shard %d to %d\n", id, victim.idx, src, dst)
		}
		victim.claim(id)
		c.stats.misses.Add(1)
		c.table.unlockPair(src, dst)
		c.mu.Unlock()
		return victim, nil
	}
}

// oldestFree scans every shard, one lock at a time, for the unpinned
// slot with the smallest free time. Caller holds c.mu.
func (c *Cache) oldestFree() (*Slot, int) {
	var victim *Slot
	var src int
	var at uint64
	for _, sh := range c.table.shards {
		sh.mu.Lock()
		s := sh.oldestFree(c.arena)
		if s != nil && (victim == nil || s.freeAt < at) {
			victim = s
			src = sh.idx
			at = s.freeAt
		}
		sh.mu.Unlock()
	}
	return victim, src
}

// exhausted applies the exhaustion policy. Caller holds c.mu; a nil
// return means a slot may have been freed and the scan should be
// retried.
func (c *Cache) exhausted(id BlockId) error {
	c.stats.exhausted.Add(1)
	switch c.onExhaust {
	case ExhaustError:
		util.DPrintf(1, "Acquire %v: no free buffers\n", id)
		return errors.Wrapf(ErrExhausted, "acquire %v", id)
	case ExhaustWait:
		util.DPrintf(1, "Acquire %v: waiting for a free buffer\n", id)
		c.stats.waits.Add(1)
		c.freed.Wait()
		return nil
	}
	c.mu.Unlock()
	panic(errors.Wrapf(ErrExhausted, "acquire %v", id))
}

// lockOwner locks and returns the shard that owns s. A pinned slot
// never changes shards; only a caller that drops a pin it does not own
// can catch s between shards, and it retries until the move is done.
func (c *Cache) lockOwner(s *Slot) *shard {
	for {
		i := s.owner()
		if i < 0 {
			runtime.Gosched()
			continue
		}
		sh := c.table.shards[i]
		sh.mu.Lock()
		if s.owner() == sh.idx {
			return sh
		}
		sh.mu.Unlock()
	}
}

// Invalidate forgets every cached block of dev, so that the next
// Acquire of one of them starts from an invalid slot. It fails with
// ErrPinned, and changes nothing, if any block of dev is pinned.
func (c *Cache) Invalidate(dev uint64) error {
	c.table.lockAll()
	defer c.table.unlockAll()
	for _, s := range c.arena {
		if s.id.Dev == dev && s.pin != 0 {
			return errors.Wrapf(ErrPinned, "invalidate device %d: %v in slot %d", dev, s.id, s.idx)
		}
	}
	n := 0
	for _, s := range c.arena {
		if s.id.Dev == dev {
			s.id = BlockId{Dev: NoDev}
			s.valid = false
			n++
		}
	}
	util.DPrintf(1, "Invalidate: device %d, %d slots\n", dev, n)
	return nil
}

// Release gives up the exclusive-use lock and one pin.
func (c *Cache) Release(b *Buf) {
	if !b.slot.lk.release(b.tok) {
		panic(contractViolation("Release", b))
	}
	c.stats.releases.Add(1)
	c.unref(b.slot, "Release")
}

// Pin keeps b's block cached until a matching Unpin, without holding
// the exclusive-use lock. b must still be pinned by its acquisition
// or an earlier Pin.
func (c *Cache) Pin(b *Buf) {
	s := b.slot
	sh := c.lockOwner(s)
	if s.pin == 0 {
		sh.mu.Unlock()
		panic(errors.AssertionFailedf("Pin: slot %d for %v not pinned", s.idx, s.id))
	}
	s.pin++
	sh.mu.Unlock()
}

func (c *Cache) Unpin(b *Buf) {
	c.unref(b.slot, "Unpin")
}

// unref drops one pin. The transition to 0 stamps the slot's free
// time, whichever operation causes it.
func (c *Cache) unref(s *Slot, op string) {
	sh := c.lockOwner(s)
	if s.pin == 0 {
		sh.mu.Unlock()
		panic(errors.AssertionFailedf("%s: slot %d for %v not pinned", op, s.idx, s.id))
	}
	s.pin--
	free := s.pin == 0
	if free {
		s.freeAt = c.clock.Now()
	}
	sh.mu.Unlock()
	if free && c.waiters.Load() > 0 {
		c.mu.Lock()
		c.freed.Broadcast()
		c.mu.Unlock()
	}
}
