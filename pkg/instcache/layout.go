package instcache

import (
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/instcache/pkg/dbuf"
	"github.com/calvinalkan/instcache/pkg/shm"
)

// Segment layout:
//
//	[cache header 4 KiB][slot manager control block][slot 0]...[slot N-1]
//
// Each slot:
//
//	[slot header][shard table: shards × 16 bytes][arena]
//
// Slots start page aligned; everything inside is at least 8-byte aligned.

const (
	cacheMagic   = uint64(0x3130484341434349) // "ICCACH01" little endian
	cacheVersion = uint32(1)

	headerSize = 0x1000
	pageAlign  = 0x1000
)

// Cache header field offsets.
const (
	offMagic        = 0x000 // uint64
	offVersion      = 0x008 // uint32
	offSlots        = 0x00C // uint32
	offWorkers      = 0x010 // uint32
	offShards       = 0x014 // uint32
	offMemoryLimit  = 0x018 // uint64
	offMaxPostDel   = 0x020 // int64, nanoseconds
	offMasterPID    = 0x028 // uint32
	offSwapRequired = 0x02C // uint32
	offPurgeCursor  = 0x030 // uint32
	offCounters     = 0x040 // [counterCount]uint64
)

// Slot header field offsets, relative to the slot start.
const (
	offAllocMutex  = 0x00 // uint32
	offGarbage     = 0x08 // uint64, element offset of the garbage list head
	offElements    = 0x10 // int64, live plus not yet destroyed elements
	offConstants   = 0x18 // value.Constants, 5 × uint64
	offGeneration  = 0x40 // uint64, bumped on every reset
	slotHeaderSize = 0x48

	shardEntrySize = 16
	offShardMutex  = 0x0 // uint32
	offShardUsed   = 0x4 // uint32, "possibly non-empty"
	offShardRoot   = 0x8 // uint64, map node offset in the arena
)

// counter indexes the global counters in the cache header. The first five
// line up with StoreResult.
type counter int

const (
	cStoreSuccess counter = iota
	cStoreSkipped
	cStoreMemoryLimitExceeded
	cStoreDelayed
	cStoreFailed
	cHits
	cMisses
	cEarlyMisses
	cDeletes
	cTTLUpdates
	cPurged
	cDestroyed
	cSwaps
	cSwapsForbidden
	cPendingFlushed
	counterCount
)

func init() {
	if offCounters+8*int(counterCount) > headerSize {
		panic("instcache: counters overflow the cache header")
	}
}

type layout struct {
	slots, workers, shards int
	memoryLimit            uint64

	ctlOff, ctlSize uint64

	slotsOff, slotSize uint64
	shardsOff          uint64 // relative to slot start
	arenaOff           uint64 // relative to slot start
	arenaSize          uint64

	total uint64
}

func computeLayout(slots, workers, shards int, memoryLimit uint64) layout {
	l := layout{slots: slots, workers: workers, shards: shards, memoryLimit: memoryLimit}

	l.ctlOff = headerSize
	l.ctlSize = align(uint64(dbuf.ControlSize(slots, workers)), 64)

	l.slotsOff = align(l.ctlOff+l.ctlSize, pageAlign)
	l.shardsOff = align(slotHeaderSize, 64)
	l.arenaOff = align(l.shardsOff+uint64(shards)*shardEntrySize, 64)
	l.arenaSize = align(memoryLimit, 64)
	l.slotSize = align(l.arenaOff+l.arenaSize, pageAlign)

	l.total = l.slotsOff + uint64(slots)*l.slotSize

	return l
}

func (l layout) slotStart(i int) uint64 {
	return l.slotsOff + uint64(i)*l.slotSize
}

func align(n, to uint64) uint64 {
	return (n + to - 1) &^ (to - 1)
}

// readLayout validates the header at the start of mem and returns the layout
// it describes.
func readLayout(mem []byte) (layout, error) {
	if len(mem) < headerSize {
		return layout{}, fmt.Errorf("segment of %d bytes: %w", len(mem), ErrIncompatible)
	}

	if got := atomic.LoadUint64(shm.Uint64(mem, offMagic)); got != cacheMagic {
		return layout{}, fmt.Errorf("magic %#x: %w", got, ErrIncompatible)
	}

	if got := *shm.Uint32(mem, offVersion); got != cacheVersion {
		return layout{}, fmt.Errorf("version %d, expected %d: %w", got, cacheVersion, ErrIncompatible)
	}

	l := computeLayout(
		int(*shm.Uint32(mem, offSlots)),
		int(*shm.Uint32(mem, offWorkers)),
		int(*shm.Uint32(mem, offShards)),
		*shm.Uint64(mem, offMemoryLimit),
	)

	if l.total > uint64(len(mem)) {
		return layout{}, fmt.Errorf("header describes %d bytes, segment has %d: %w", l.total, len(mem), ErrIncompatible)
	}

	return l, nil
}

// writeHeader records the shape of l. The magic stays zero until
// publishHeader, so attaching workers fail with ErrIncompatible while the
// slots are formatted.
func writeHeader(mem []byte, l layout, opts Options, masterPID uint32) {
	atomic.StoreUint64(shm.Uint64(mem, offMagic), 0)
	clear(mem[offVersion:headerSize])

	*shm.Uint32(mem, offVersion) = cacheVersion
	*shm.Uint32(mem, offSlots) = uint32(l.slots)
	*shm.Uint32(mem, offWorkers) = uint32(l.workers)
	*shm.Uint32(mem, offShards) = uint32(l.shards)
	*shm.Uint64(mem, offMemoryLimit) = l.memoryLimit
	*shm.Int64(mem, offMaxPostDel) = int64(opts.MaxPostDeletionLifetime)
	*shm.Uint32(mem, offMasterPID) = masterPID
}

func publishHeader(mem []byte) {
	atomic.StoreUint64(shm.Uint64(mem, offMagic), cacheMagic)
}

// header is a process-local view of the cache header.
type header struct {
	mem []byte
}

func (h header) count(c counter) {
	atomic.AddUint64(shm.Uint64(h.mem, offCounters+8*uint64(c)), 1)
}

func (h header) add(c counter, n uint64) {
	if n != 0 {
		atomic.AddUint64(shm.Uint64(h.mem, offCounters+8*uint64(c)), n)
	}
}

func (h header) counter(c counter) uint64 {
	return atomic.LoadUint64(shm.Uint64(h.mem, offCounters+8*uint64(c)))
}

func (h header) swapRequired() bool {
	return atomic.LoadUint32(shm.Uint32(h.mem, offSwapRequired)) != 0
}

func (h header) setSwapRequired(on bool) {
	v := uint32(0)
	if on {
		v = 1
	}

	atomic.StoreUint32(shm.Uint32(h.mem, offSwapRequired), v)
}

func (h header) maxPostDeletion() int64 {
	return *shm.Int64(h.mem, offMaxPostDel)
}

func (h header) masterPID() uint32 {
	return atomic.LoadUint32(shm.Uint32(h.mem, offMasterPID))
}

func (h header) purgeCursor() *uint32 {
	return shm.Uint32(h.mem, offPurgeCursor)
}
