package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func mkCache(t *testing.T, nbuf, nshard int) *Cache {
	cfg := DefaultConfig()
	cfg.NBuf = nbuf
	cfg.NShard = nshard
	return mkCacheCfg(t, cfg)
}

func mkCacheCfg(t *testing.T, cfg Config) *Cache {
	c, err := MkCache(cfg)
	require.NoError(t, err)
	return c
}

func bid(bn uint64) BlockId {
	return MkBlockId(1, bn)
}

func pinCount(c *Cache, b *Buf) uint32 {
	sh := c.lockOwner(b.slot)
	n := b.slot.pin
	sh.mu.Unlock()
	return n
}

func freeAt(c *Cache, b *Buf) uint64 {
	sh := c.lockOwner(b.slot)
	t := b.slot.freeAt
	sh.mu.Unlock()
	return t
}

func TestConfig(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.NShard = 1
	_, err := MkCache(cfg)
	assert.True(errors.Is(err, ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.NBuf = 0
	assert.True(errors.Is(cfg.Validate(), ErrInvalidConfig))

	p, err := ParsePolicy("global")
	assert.NoError(err)
	assert.Equal(GlobalOnly, p)
	_, err = ParseOnExhaust("retry")
	assert.Error(err)
}

func TestInitialLayout(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, NBUF, NSHARD)

	n := 0
	for i := 0; i < c.NShard(); i++ {
		n += len(c.Members(i))
	}
	assert.Equal(NBUF, n)
	assert.NoError(c.Check())
	assert.Equal(3, c.ShardOf(bid(16)))
}

func TestRoundTrip(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, 10, 3)

	b, err := c.Acquire(bid(10))
	require.NoError(t, err)
	assert.Equal(bid(10), b.Id())
	assert.False(b.Valid())
	assert.True(b.Held())
	b.SetValid()
	b.Data()[0] = 0x42
	c.Release(b)
	assert.False(b.Held())

	b2, err := c.Acquire(bid(10))
	require.NoError(t, err)
	assert.Equal(b.Slot(), b2.Slot())
	assert.True(b2.Valid())
	assert.Equal(byte(0x42), b2.Data()[0])
	c.Release(b2)

	assert.Equal(Stats{Hits: 1, Misses: 1, Releases: 2}, c.Stats())
	assert.NoError(c.Check())
}

func TestEvictionPreference(t *testing.T) {
	assert := assert.New(t)
	// shard 0 owns slots 0 and 2
	c := mkCache(t, 4, 2)

	a, err := c.Acquire(bid(0))
	require.NoError(t, err)
	b, err := c.Acquire(bid(2))
	require.NoError(t, err)
	assert.NotEqual(a.Slot(), b.Slot())
	c.Release(a)
	c.Release(b)
	assert.Less(freeAt(c, a), freeAt(c, b))

	v, err := c.Acquire(bid(4))
	require.NoError(t, err)
	assert.Equal(a.Slot(), v.Slot(), "least recently released slot should be reused")
	c.Release(v)

	h, err := c.Acquire(bid(2))
	require.NoError(t, err)
	assert.Equal(b.Slot(), h.Slot())
	c.Release(h)
	assert.Equal(uint64(0), c.Stats().Relocations)
}

func TestRelocation(t *testing.T) {
	assert := assert.New(t)
	// one slot per shard
	c := mkCache(t, 2, 2)

	held, err := c.Acquire(bid(0))
	require.NoError(t, err)
	assert.Equal([]int{held.Slot()}, c.Members(0))

	b, err := c.Acquire(bid(2))
	require.NoError(t, err)
	assert.Equal(0, c.ShardOf(b.Id()))
	assert.ElementsMatch([]int{held.Slot(), b.Slot()}, c.Members(0))
	assert.Empty(c.Members(1))
	assert.Equal(uint64(1), c.Stats().Relocations)
	assert.NoError(c.Check())

	c.Release(b)
	c.Release(held)

	// shard 1 has no slots left and must steal one back
	b, err = c.Acquire(bid(1))
	require.NoError(t, err)
	assert.Equal([]int{b.Slot()}, c.Members(1))
	c.Release(b)
	assert.NoError(c.Check())
}

func TestGlobalOnlySteals(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	cfg.NBuf = 4
	cfg.NShard = 2
	cfg.Policy = GlobalOnly
	c := mkCacheCfg(t, cfg)

	slots := make(map[uint64]int)
	for _, bn := range []uint64{1, 3, 0, 2} {
		b, err := c.Acquire(bid(bn))
		require.NoError(t, err)
		slots[bn] = b.Slot()
		c.Release(b)
	}
	assert.NoError(c.Check())
	c.ResetStats()

	// block 1 is the oldest pool-wide, although shard 0 has free
	// slots of its own
	assert.Len(c.Members(0), 2)
	b, err := c.Acquire(bid(6))
	require.NoError(t, err)
	assert.Equal(slots[1], b.Slot())
	c.Release(b)
	assert.Equal(uint64(1), c.Stats().Relocations)
	assert.Len(c.Members(0), 3)
	assert.NoError(c.Check())
}

func TestExhaustPanic(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, 3, 2)

	var held []*Buf
	for bn := uint64(0); bn < 3; bn++ {
		b, err := c.Acquire(bid(bn))
		require.NoError(t, err)
		held = append(held, b)
	}

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "acquire on a full pool should stop")
			err, ok := r.(error)
			require.True(t, ok)
			assert.True(errors.Is(err, ErrExhausted))
		}()
		c.Acquire(bid(100))
	}()

	// no slot was taken from a pinned block
	for i, b := range held {
		assert.Equal(bid(uint64(i)), b.Id())
		assert.Equal(uint32(1), pinCount(c, b))
		c.Release(b)
	}
	assert.NoError(c.Check())

	b, err := c.Acquire(bid(100))
	require.NoError(t, err)
	c.Release(b)
}

func TestExhaustError(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	cfg.NBuf = 2
	cfg.NShard = 2
	cfg.OnExhaust = ExhaustError
	c := mkCacheCfg(t, cfg)

	a, err := c.Acquire(bid(0))
	require.NoError(t, err)
	b, err := c.Acquire(bid(1))
	require.NoError(t, err)

	_, err = c.Acquire(bid(2))
	assert.True(errors.Is(err, ErrExhausted))
	assert.Equal(uint64(1), c.Stats().Exhausted)

	c.Release(a)
	x, err := c.Acquire(bid(2))
	require.NoError(t, err)
	c.Release(x)
	c.Release(b)
}

func TestExhaustWait(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	cfg.NBuf = 2
	cfg.NShard = 2
	cfg.OnExhaust = ExhaustWait
	c := mkCacheCfg(t, cfg)

	a, err := c.Acquire(bid(0))
	require.NoError(t, err)
	b, err := c.Acquire(bid(1))
	require.NoError(t, err)

	done := make(chan *Buf)
	go func() {
		x, err := c.Acquire(bid(2))
		assert.NoError(err)
		done <- x
	}()

	select {
	case <-done:
		t.Fatal("acquire should wait while every slot is pinned")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(b)
	x := <-done
	assert.Equal(b.Slot(), x.Slot())
	c.Release(x)
	c.Release(a)
	assert.Equal(uint64(1), c.Stats().Waits)
	assert.NoError(c.Check())
}

func TestMutualExclusion(t *testing.T) {
	c := mkCache(t, 4, 2)

	b, err := c.Acquire(bid(7))
	require.NoError(t, err)

	var second atomic.Bool
	done := make(chan struct{})
	go func() {
		b2, err := c.Acquire(bid(7))
		assert.NoError(t, err)
		second.Store(true)
		assert.Equal(t, b.Slot(), b2.Slot())
		c.Release(b2)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, second.Load(), "second acquire must block until release")
	assert.Equal(t, uint32(2), pinCount(c, b))
	c.Release(b)
	<-done
	assert.True(t, second.Load())
}

func TestPinUnpin(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, 4, 2)

	b, err := c.Acquire(bid(3))
	require.NoError(t, err)
	before := pinCount(c, b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Pin(b)
				c.Unpin(b)
			}
		}()
	}
	wg.Wait()
	assert.Equal(before, pinCount(c, b))

	// a pinned block survives release and pressure on its shard
	c.Pin(b)
	c.Release(b)
	for bn := uint64(5); bn < 11; bn += 2 {
		x, err := c.Acquire(bid(bn))
		require.NoError(t, err)
		c.Release(x)
	}
	assert.Equal(bid(3), b.Id(), "a pinned handle keeps its identity after release")
	again, err := c.Acquire(bid(3))
	require.NoError(t, err)
	assert.Equal(b.Slot(), again.Slot())
	c.Release(again)
	c.Unpin(b)
	assert.Equal(uint32(0), pinCount(c, b))
}

func TestUnpinStampsRecency(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, 4, 2)

	b, err := c.Acquire(bid(0))
	require.NoError(t, err)
	c.Pin(b)
	c.Release(b)
	released := freeAt(c, b)

	o, err := c.Acquire(bid(2))
	require.NoError(t, err)
	c.Release(o)

	c.Unpin(b)
	assert.Greater(freeAt(c, b), released)
	assert.Greater(freeAt(c, b), freeAt(c, o))
}

func TestRecencyMonotonic(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, 2, 2)

	var last uint64
	for i := uint64(0); i < 20; i++ {
		// all even blocks share slot 0
		b, err := c.Acquire(bid(2 * i))
		require.NoError(t, err)
		c.Release(b)
		now := freeAt(c, b)
		assert.GreaterOrEqual(now, last)
		last = now
	}
}

func TestContractViolations(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, 4, 2)

	b, err := c.Acquire(bid(1))
	require.NoError(t, err)
	c.Release(b)
	assert.Panics(func() { c.Release(b) }, "double release")
	assert.Panics(func() { c.Unpin(b) }, "unpin below zero")
	assert.Panics(func() { c.Pin(b) }, "pin of a released block")
	assert.Panics(func() { b.SetValid() }, "SetValid without the lock")

	// a stale handle cannot release a newer acquisition
	b2, err := c.Acquire(bid(1))
	require.NoError(t, err)
	assert.Equal(b.Slot(), b2.Slot())
	assert.Panics(func() { c.Release(b) })
	assert.True(b2.Held())
	c.Release(b2)

	assert.Panics(func() { c.Acquire(MkBlockId(NoDev, 1)) })
	assert.NoError(c.Check())
}

type fixedClock struct {
	t uint64
}

func (c *fixedClock) Now() uint64 {
	return c.t
}

func TestClockTieBreak(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	cfg.NBuf = 4
	cfg.NShard = 2
	cfg.Clock = &fixedClock{t: 5}
	c := mkCacheCfg(t, cfg)

	a, err := c.Acquire(bid(0))
	require.NoError(t, err)
	b, err := c.Acquire(bid(2))
	require.NoError(t, err)
	c.Release(b)
	c.Release(a)

	// equal stamps: the first member in shard order wins
	first := c.Members(0)[0]
	v, err := c.Acquire(bid(4))
	require.NoError(t, err)
	assert.Equal(first, v.Slot())
	c.Release(v)
}

func TestConcurrentUniqueness(t *testing.T) {
	const nthread = 8
	const nblock = 64
	cfg := DefaultConfig()
	cfg.NBuf = 16
	cfg.NShard = 5
	c := mkCacheCfg(t, cfg)

	var inUse [nblock]atomic.Int32
	var g errgroup.Group
	for w := 0; w < nthread; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 2000; i++ {
				bn := uint64((i*7 + w*13) % nblock)
				b, err := c.Acquire(bid(bn))
				if err != nil {
					return err
				}
				if b.Id() != bid(bn) {
					return errors.Newf("got %v for %v", b.Id(), bid(bn))
				}
				if !inUse[bn].CompareAndSwap(0, 1) {
					return errors.Newf("block %d held twice", bn)
				}
				b.Data()[0]++
				inUse[bn].Store(0)
				c.Release(b)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, c.Check())

	st := c.Stats()
	if diff := cmp.Diff(uint64(nthread*2000), st.Hits+st.Misses); diff != "" {
		t.Errorf("acquire count mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, st.Hits+st.Misses, st.Releases)
}

func TestInvalidate(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, 6, 2)

	for _, id := range []BlockId{MkBlockId(1, 0), MkBlockId(1, 1), MkBlockId(2, 0)} {
		b, err := c.Acquire(id)
		require.NoError(t, err)
		b.SetValid()
		c.Release(b)
	}

	held, err := c.Acquire(MkBlockId(1, 1))
	require.NoError(t, err)
	assert.True(errors.Is(c.Invalidate(1), ErrPinned))
	assert.True(held.Valid(), "a failed invalidate changes nothing")
	c.Release(held)

	require.NoError(t, c.Invalidate(1))
	assert.NoError(c.Check())
	b, err := c.Acquire(MkBlockId(1, 1))
	require.NoError(t, err)
	assert.False(b.Valid())
	c.Release(b)

	b, err = c.Acquire(MkBlockId(2, 0))
	require.NoError(t, err)
	assert.True(b.Valid(), "other devices keep their blocks")
	c.Release(b)
}

func TestLockOwnerWaitsOutMove(t *testing.T) {
	assert := assert.New(t)
	c := mkCache(t, 4, 2)

	b, err := c.Acquire(bid(1))
	require.NoError(t, err)
	sh := c.table.shards[1]

	// hold the slot between shards, the way steal does
	sh.mu.Lock()
	b.slot.shard.Store(-1)
	done := make(chan struct{})
	go func() {
		c.Pin(b)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Pin should wait while the slot has no owner")
	case <-time.After(20 * time.Millisecond):
	}
	b.slot.shard.Store(1)
	sh.mu.Unlock()
	<-done

	assert.Equal(uint32(2), pinCount(c, b))
	c.Unpin(b)
	c.Release(b)
	assert.NoError(c.Check())
}

// Workers hold three blocks of one shard at a time while each shard
// starts with two slots, so misses keep moving slots between shards.
// Blocks are taken in ascending order and the pool covers every pin,
// so waiting for a free slot cannot deadlock.
func TestConcurrentRelocation(t *testing.T) {
	const nthread = 4
	const niter = 2000
	const nhold = 3
	for _, policy := range []Policy{LocalFirst, GlobalOnly} {
		t.Run(policy.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.NBuf = nthread * nhold
			cfg.NShard = 6
			cfg.Policy = policy
			cfg.OnExhaust = ExhaustWait
			c := mkCacheCfg(t, cfg)

			stop := make(chan struct{})
			checked := make(chan error, 1)
			go func() {
				for {
					select {
					case <-stop:
						checked <- nil
						return
					default:
					}
					if err := c.Check(); err != nil {
						checked <- err
						return
					}
					time.Sleep(100 * time.Microsecond)
				}
			}()

			var inUse [48]atomic.Int32
			var g errgroup.Group
			for w := 0; w < nthread; w++ {
				w := w // per-iteration copy (Go 1.21 loop semantics)
				g.Go(func() error {
					held := make([]*Buf, 0, nhold)
					for i := 0; i < niter; i++ {
						// blocks 6k and 6k+1 live in shards 0 and 1
						sh := uint64((w + i) % 2)
						k0 := (i*3 + w) % 6
						for k := k0; k < k0+nhold; k++ {
							bn := 6*uint64(k) + sh
							b, err := c.Acquire(bid(bn))
							if err != nil {
								return err
							}
							if b.Id() != bid(bn) {
								return errors.Newf("got %v for %v", b.Id(), bid(bn))
							}
							if !inUse[bn].CompareAndSwap(0, 1) {
								return errors.Newf("block %d held twice", bn)
							}
							held = append(held, b)
						}
						for j := len(held) - 1; j >= 0; j-- {
							inUse[held[j].Id().Blkno].Store(0)
							c.Release(held[j])
						}
						held = held[:0]
					}
					return nil
				})
			}
			err := g.Wait()
			close(stop)
			require.NoError(t, err)
			require.NoError(t, <-checked)
			require.NoError(t, c.Check())

			st := c.Stats()
			assert.Greater(t, st.Relocations, uint64(0))
			assert.Equal(t, uint64(nthread*niter*nhold), st.Hits+st.Misses)
			assert.Equal(t, st.Hits+st.Misses, st.Releases)
		})
	}
}
