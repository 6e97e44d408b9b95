package instcache

import (
	"sync/atomic"

	"github.com/calvinalkan/instcache/pkg/arena"
	"github.com/calvinalkan/instcache/pkg/dbuf"
)

// Stats are the cache-wide counters kept in the segment header. They
// survive slot swaps.
type Stats struct {
	StoreSuccess             uint64 `json:"store_success"`
	StoreSkipped             uint64 `json:"store_skipped"`
	StoreMemoryLimitExceeded uint64 `json:"store_memory_limit_exceeded"`
	StoreDelayed             uint64 `json:"store_delayed"`
	StoreFailed              uint64 `json:"store_failed"`

	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	EarlyMisses uint64 `json:"early_misses"`

	Deletes    uint64 `json:"deletes"`
	TTLUpdates uint64 `json:"ttl_updates"`

	Purged         uint64 `json:"purged"`
	Destroyed      uint64 `json:"destroyed"`
	PendingFlushed uint64 `json:"pending_flushed"`

	Swaps          uint64 `json:"swaps"`
	SwapsForbidden uint64 `json:"swaps_forbidden"`
	SwapRequired   bool   `json:"swap_required"`

	ActiveSlot int `json:"active_slot"`
	// Elements counts elements of the active slot not yet destroyed.
	Elements int64 `json:"elements"`
}

// SlotMemory is the memory usage of one slot.
type SlotMemory struct {
	Slot       int               `json:"slot"`
	Active     bool              `json:"active"`
	Generation uint64            `json:"generation"`
	Elements   int64             `json:"elements"`
	Holders    int               `json:"holders"`
	Memory     arena.MemoryStats `json:"memory"`
}

func (c *cache) stats(active int) Stats {
	h := c.hdr

	return Stats{
		StoreSuccess:             h.counter(cStoreSuccess),
		StoreSkipped:             h.counter(cStoreSkipped),
		StoreMemoryLimitExceeded: h.counter(cStoreMemoryLimitExceeded),
		StoreDelayed:             h.counter(cStoreDelayed),
		StoreFailed:              h.counter(cStoreFailed),
		Hits:                     h.counter(cHits),
		Misses:                   h.counter(cMisses),
		EarlyMisses:              h.counter(cEarlyMisses),
		Deletes:                  h.counter(cDeletes),
		TTLUpdates:               h.counter(cTTLUpdates),
		Purged:                   h.counter(cPurged),
		Destroyed:                h.counter(cDestroyed),
		PendingFlushed:           h.counter(cPendingFlushed),
		Swaps:                    h.counter(cSwaps),
		SwapsForbidden:           h.counter(cSwapsForbidden),
		SwapRequired:             h.swapRequired(),
		ActiveSlot:               active,
		Elements:                 atomic.LoadInt64(c.slots[active].elements()),
	}
}

func (c *cache) memoryStats(mgr *dbuf.Manager[*slot, slotArgs]) []SlotMemory {
	active := mgr.Active()

	out := make([]SlotMemory, len(c.slots))

	for i, s := range c.slots {
		out[i] = SlotMemory{
			Slot:       i,
			Active:     i == active,
			Generation: s.generation(),
			Elements:   atomic.LoadInt64(s.elements()),
			Holders:    len(mgr.Holders(i)),
			Memory:     s.arena.Stats(),
		}
	}

	return out
}
