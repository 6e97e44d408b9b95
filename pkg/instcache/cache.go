// Package instcache is a TTL-aware key/value cache shared by many worker
// processes through one shared memory segment.
//
// The segment holds N slots (see package dbuf). Each slot owns an arena
// (package arena) with the stored values, elements and a fixed number of
// shard maps. The master process creates the segment with [Init] and runs
// the periodic maintenance: [Master.PurgeExpiredElements],
// [Master.TrySwapMemory] and [Master.ClearDirtySlots]. Workers attach with
// [Attach] and serve requests; each request is bracketed by
// [Worker.Refresh] and [Worker.Free].
//
// Lock order is always: slot allocator mutex, then one shard mutex. Worker
// stores only ever try the allocator mutex; when it is busy the store is
// buffered in process memory and replayed on a later call.
package instcache

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// StoreResult is the outcome of [Worker.Store].
type StoreResult int

const (
	// StoreSuccess means the value is in the cache.
	StoreSuccess StoreResult = iota
	// StoreSkipped means another worker refreshed the key moments ago.
	StoreSkipped
	// StoreMemoryLimitExceeded means the value did not fit, or writes are
	// refused until the master swaps slots.
	StoreMemoryLimitExceeded
	// StoreDelayed means the allocator was busy; the value is buffered and
	// written on a later call.
	StoreDelayed
	// StoreFailed means the value cannot be stored at all (too deep, bad
	// key type).
	StoreFailed
)

func (r StoreResult) String() string {
	switch r {
	case StoreSuccess:
		return "success"
	case StoreSkipped:
		return "skipped"
	case StoreMemoryLimitExceeded:
		return "memory_limit_exceeded"
	case StoreDelayed:
		return "delayed"
	case StoreFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SwapResult is the outcome of [Master.TrySwapMemory].
type SwapResult int

const (
	SwapNoNeed SwapResult = iota
	SwapIsFinished
	SwapIsForbidden
)

func (r SwapResult) String() string {
	switch r {
	case SwapNoNeed:
		return "no_need"
	case SwapIsFinished:
		return "swap_is_finished"
	case SwapIsForbidden:
		return "swap_is_forbidden"
	default:
		return "unknown"
	}
}

const (
	immortal = math.MaxInt64

	// A store is skipped when another worker's entry is younger than this
	// fraction of its lifetime.
	freshThreshold = 0.2

	// Past this fraction of its lifetime an entry misses once so that one
	// caller refreshes it early.
	earlyWarnThreshold = 0.8

	// Nominal freshness of entries without expiry.
	immortalFreshness = 0.5

	// Real usage at or above this share of the arena asks for a swap.
	swapHighWater = 0.9
)

// expiry returns the expiring-at time for a store at now with ttl seconds.
func expiry(now, ttl int64) int64 {
	if ttl <= 0 || ttl > (immortal-now)/int64(time.Second) {
		return immortal
	}

	return now + ttl*int64(time.Second)
}

// freshness is elapsed lifetime divided by expected lifetime.
func freshness(stored, expiring, now int64) float64 {
	if expiring == immortal {
		return immortalFreshness
	}

	life := expiring - stored
	if life <= 0 {
		return 1
	}

	return float64(now-stored) / float64(life)
}

// cache is one process's view of a segment, shared by Master and Worker.
type cache struct {
	mem   []byte
	hdr   header
	lay   layout
	slots []*slot
	log   *zap.Logger
	now   func() time.Time
}

func newCache(mem []byte, l layout, log *zap.Logger, now func() time.Time) *cache {
	c := &cache{
		mem: mem,
		hdr: header{mem: mem},
		lay: l,
		log: log,
		now: now,
	}

	for i := range l.slots {
		c.slots = append(c.slots, newSlot(mem, l, i, log))
	}

	return c
}

func (c *cache) nowNanos() int64 {
	return c.now().UnixNano()
}

func (c *cache) control() []byte {
	return c.mem[c.lay.ctlOff : c.lay.ctlOff+c.lay.ctlSize]
}
