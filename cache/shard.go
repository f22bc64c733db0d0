package cache

import (
	"sync"
)

// A shard owns a changing subset of the slot arena. members holds
// arena indices; each member slot records its position so that it
// can be unlinked in O(1).
type shard struct {
	mu      *sync.Mutex
	idx     int
	members []int
}

func mkShard(idx int) *shard {
	return &shard{
		mu:      new(sync.Mutex),
		idx:     idx,
		members: make([]int, 0),
	}
}

// link and unlink require sh.mu.
func (sh *shard) link(s *Slot) {
	s.shard.Store(int32(sh.idx))
	s.pos = len(sh.members)
	sh.members = append(sh.members, s.idx)
}

func (sh *shard) unlink(arena []*Slot, s *Slot) {
	if s.owner() != sh.idx || sh.members[s.pos] != s.idx {
		panic("unlink: slot not a member")
	}
	last := len(sh.members) - 1
	moved := sh.members[last]
	sh.members[s.pos] = moved
	arena[moved].pos = s.pos
	sh.members = sh.members[:last]
	s.shard.Store(-1)
	s.pos = -1
}

// lookup finds the member caching id.
func (sh *shard) lookup(arena []*Slot, id BlockId) *Slot {
	for _, i := range sh.members {
		s := arena[i]
		if s.id == id {
			return s
		}
	}
	return nil
}

// oldestFree returns the unpinned member with the smallest free
// time; the first one in member order wins ties.
func (sh *shard) oldestFree(arena []*Slot) *Slot {
	var victim *Slot
	for _, i := range sh.members {
		s := arena[i]
		if s.pin != 0 {
			continue
		}
		if victim == nil || s.freeAt < victim.freeAt {
			victim = s
		}
	}
	return victim
}

// shardTable maps a block to the shard responsible for it. It never
// changes after MkCache.
type shardTable struct {
	shards []*shard
}

func mkShardTable(n int) *shardTable {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = mkShard(i)
	}
	return &shardTable{shards: shards}
}

func (t *shardTable) shardOf(id BlockId) int {
	return int(id.Blkno % uint64(len(t.shards)))
}

func (t *shardTable) get(id BlockId) *shard {
	return t.shards[t.shardOf(id)]
}

// lockPair locks two shards in ascending index order.
func (t *shardTable) lockPair(a, b int) {
	if a == b {
		t.shards[a].mu.Lock()
		return
	}
	if a > b {
		a, b = b, a
	}
	t.shards[a].mu.Lock()
	t.shards[b].mu.Lock()
}

func (t *shardTable) unlockPair(a, b int) {
	t.shards[a].mu.Unlock()
	if a != b {
		t.shards[b].mu.Unlock()
	}
}

func (t *shardTable) lockAll() {
	for _, sh := range t.shards {
		sh.mu.Lock()
	}
}

func (t *shardTable) unlockAll() {
	for i := len(t.shards) - 1; i >= 0; i-- {
		t.shards[i].mu.Unlock()
	}
}
