package cache

import (
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Policy decides where a missing block finds its slot.
type Policy int

const (
	// LocalFirst reuses the oldest free slot of the block's own shard
	// and only steals from other shards when it has none.
	LocalFirst Policy = iota
	// GlobalOnly always takes the pool-wide oldest free slot.
	GlobalOnly
)

func (p Policy) String() string {
	switch p {
	case LocalFirst:
		return "local-first"
	case GlobalOnly:
		return "global-only"
	}
	return "unknown"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "local-first", "local":
		return LocalFirst, nil
	case "global-only", "global":
		return GlobalOnly, nil
	}
	return 0, errors.Newf("unknown policy %q", s)
}

// OnExhaust is what Acquire does when every slot is pinned.
type OnExhaust int

const (
	// ExhaustPanic stops with a fatal error.
	ExhaustPanic OnExhaust = iota
	// ExhaustError returns ErrExhausted.
	ExhaustError
	// ExhaustWait sleeps until some slot becomes unpinned.
	ExhaustWait
)

func (e OnExhaust) String() string {
	switch e {
	case ExhaustPanic:
		return "panic"
	case ExhaustError:
		return "error"
	case ExhaustWait:
		return "wait"
	}
	return "unknown"
}

func ParseOnExhaust(s string) (OnExhaust, error) {
	switch strings.ToLower(s) {
	case "panic":
		return ExhaustPanic, nil
	case "error":
		return ExhaustError, nil
	case "wait":
		return ExhaustWait, nil
	}
	return 0, errors.Newf("unknown exhaustion policy %q", s)
}

// A Clock supplies the recency stamps used to rank free slots.
type Clock interface {
	Now() uint64
}

// Ticks is a logical clock that advances by one on every reading.
type Ticks struct {
	n atomic.Uint64
}

func (t *Ticks) Now() uint64 {
	return t.n.Add(1)
}
