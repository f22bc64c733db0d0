package cache

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/go-journal/common"
	"github.com/tchajed/goose/machine/disk"
)

// NoDev is the device of a slot that has never held a block. No
// lookup can match it.
const NoDev uint64 = math.MaxUint64

// BlockId names one block on one device.
type BlockId struct {
	Dev   uint64
	Blkno common.Bnum
}

func MkBlockId(dev uint64, bn common.Bnum) BlockId {
	return BlockId{Dev: dev, Blkno: bn}
}

func (id BlockId) String() string {
	return fmt.Sprintf("%d/%d", id.Dev, id.Blkno)
}

// A Slot mirrors at most one block. id, valid, pin, freeAt, shard and
// pos are protected by the lock of the shard that owns the slot; data
// is protected by lk. shard is also read without a lock to find that
// shard, and is -1 while the slot moves between shards.
type Slot struct {
	idx    int
	id     BlockId
	valid  bool
	pin    uint32
	freeAt uint64
	shard  atomic.Int32 // index of the owning shard
	pos    int          // position in the owning shard's member list
	lk     *sleepLock
	data   disk.Block
}

func mkSlot(idx int) *Slot {
	return &Slot{
		idx:  idx,
		id:   BlockId{Dev: NoDev},
		lk:   mkSleepLock(),
		data: make(disk.Block, disk.BlockSize),
	}
}

// owner is the index of the owning shard, or -1 during a move.
func (s *Slot) owner() int {
	return int(s.shard.Load())
}

// claim gives an unpinned slot a new identity. Caller holds the
// owning shard's lock.
func (s *Slot) claim(id BlockId) {
	if s.pin != 0 {
		panic("claim: pinned slot")
	}
	s.id = id
	s.valid = false
	s.pin = 1
}

// sleepLock is the exclusive-use lock of a slot. Waiters sleep on a
// condition variable; the holder is named by the token it acquired
// with, so a release by a non-holder can be caught.
type sleepLock struct {
	mu     *sync.Mutex
	cond   *sync.Cond
	locked bool
	holder uint64
}

func mkSleepLock() *sleepLock {
	mu := new(sync.Mutex)
	return &sleepLock{
		mu:   mu,
		cond: sync.NewCond(mu),
	}
}

func (l *sleepLock) acquire(tok uint64) {
	l.mu.Lock()
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.holder = tok
	l.mu.Unlock()
}

func (l *sleepLock) release(tok uint64) bool {
	l.mu.Lock()
	if !l.locked || l.holder != tok {
		l.mu.Unlock()
		return false
	}
	l.locked = false
	l.holder = 0
	l.mu.Unlock()
	l.cond.Signal()
	return true
}

func (l *sleepLock) holding(tok uint64) bool {
	l.mu.Lock()
	held := l.locked && l.holder == tok
	l.mu.Unlock()
	return held
}

// A Buf is one acquisition of a slot. It is handed out locked by
// Acquire and must be passed to Release exactly once. After Release
// the Buf may still be used with Pin and Unpin, but not to touch
// data.
type Buf struct {
	slot *Slot
	tok  uint64
}

// Id is the block b was acquired for. It is only meaningful while b
// is held or pinned; afterwards the slot may cache another block.
func (b *Buf) Id() BlockId {
	return b.slot.id
}

// Data is the in-memory copy of the block. Only the holder may use it.
func (b *Buf) Data() disk.Block {
	return b.slot.data
}

// Valid reports whether Data reflects the device contents.
func (b *Buf) Valid() bool {
	return b.slot.valid
}

// SetValid marks Data as populated. Caller must hold the buffer.
func (b *Buf) SetValid() {
	if !b.Held() {
		panic(contractViolation("SetValid", b))
	}
	b.slot.valid = true
}

// Held reports whether this acquisition still holds the slot's
// exclusive-use lock.
func (b *Buf) Held() bool {
	return b.slot.lk.holding(b.tok)
}

// Slot returns the arena index of the underlying slot.
func (b *Buf) Slot() int {
	return b.slot.idx
}
