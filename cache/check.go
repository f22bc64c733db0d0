package cache

import (
	"github.com/cockroachdb/errors"
)

// Check verifies the cache's structural invariants with every shard
// locked: each slot is a member of exactly one shard at the position
// it records, each cached block lives in the shard it hashes to, and
// no block is cached twice.
func (c *Cache) Check() error {
	c.table.lockAll()
	defer c.table.unlockAll()

	seen := make([]bool, len(c.arena))
	for _, sh := range c.table.shards {
		for pos, i := range sh.members {
			if seen[i] {
				return errors.Newf("slot %d in more than one shard", i)
			}
			seen[i] = true
			s := c.arena[i]
			if s.owner() != sh.idx || s.pos != pos {
				return errors.Newf("slot %d records shard %d pos %d, found in shard %d pos %d",
					i, s.owner(), s.pos, sh.idx, pos)
			}
		}
	}
	for i, ok := range seen {
		if !ok {
			return errors.Newf("slot %d in no shard", i)
		}
	}

	ids := make(map[BlockId]int)
	for _, s := range c.arena {
		if s.id.Dev == NoDev {
			if s.pin != 0 {
				return errors.Newf("unused slot %d pinned", s.idx)
			}
			continue
		}
		if want := c.table.shardOf(s.id); s.owner() != want {
			return errors.Newf("slot %d caches %v in shard %d, want %d", s.idx, s.id, s.owner(), want)
		}
		if j, ok := ids[s.id]; ok {
			return errors.Newf("%v cached in slots %d and %d", s.id, j, s.idx)
		}
		ids[s.id] = s.idx
	}
	return nil
}
