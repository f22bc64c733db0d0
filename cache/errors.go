package cache

import (
	"github.com/cockroachdb/errors"
)

// ErrExhausted means every slot in the pool is pinned.
var ErrExhausted = errors.New("bcache: no free buffers")

// ErrPinned means a device still has pinned blocks in the cache.
var ErrPinned = errors.New("bcache: blocks still in use")

// ErrInvalidConfig is returned by MkCache for an unusable Config.
var ErrInvalidConfig = errors.New("bcache: invalid config")

// contractViolation is the panic value for caller bugs.
func contractViolation(op string, b *Buf) error {
	return errors.AssertionFailedf("%s: buffer %v (slot %d) not held by caller", op, b.slot.id, b.slot.idx)
}
