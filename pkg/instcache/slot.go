package instcache

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/calvinalkan/instcache/pkg/arena"
	"github.com/calvinalkan/instcache/pkg/ipcmutex"
	"github.com/calvinalkan/instcache/pkg/shm"
	"github.com/calvinalkan/instcache/pkg/value"
)

// slotArgs is passed to slot.Reset by the slot manager.
type slotArgs struct{}

// slot is one process's view of a resource slot: its header, shard table
// and arena.
type slot struct {
	idx   int
	mem   []byte // the slot's bytes
	lay   layout
	arena *arena.Arena
	log   *zap.Logger
	onOOM func(arena.OOMEvent)

	allocMu ipcmutex.Mutex
}

func newSlot(seg []byte, l layout, idx int, log *zap.Logger) *slot {
	start := l.slotStart(idx)
	mem := seg[start : start+l.slotSize : start+l.slotSize]

	return &slot{
		idx:     idx,
		mem:     mem,
		lay:     l,
		log:     log,
		allocMu: ipcmutex.New(shm.Uint32(mem, offAllocMutex)),
	}
}

func (s *slot) arenaMem() []byte {
	return s.mem[s.lay.arenaOff : s.lay.arenaOff+s.lay.arenaSize]
}

// attach binds the arena view of a slot formatted by another process.
func (s *slot) attach() error {
	a, err := arena.Attach(s.arenaMem())
	if err != nil {
		return fmt.Errorf("slot %d: %w", s.idx, err)
	}

	a.SetOOMHandler(s.onOOM)
	s.arena = a

	return nil
}

// Reset formats the slot as empty. Runs in the master only, while no worker
// holds the slot.
func (s *slot) Reset(slotArgs) error {
	gen := s.generation()
	clear(s.mem[:s.lay.arenaOff])
	atomic.StoreUint64(shm.Uint64(s.mem, offGeneration), gen)

	a, err := arena.Init(s.arenaMem())
	if err != nil {
		return fmt.Errorf("slot %d: %w", s.idx, err)
	}

	consts, err := value.NewConstants(a)
	if err != nil {
		return fmt.Errorf("slot %d: %w", s.idx, err)
	}

	a.SetOOMHandler(s.onOOM)
	s.arena = a
	*s.constants() = consts
	atomic.AddUint64(shm.Uint64(s.mem, offGeneration), 1)

	return nil
}

// Clear drops the content of a retired slot. The generation keeps counting
// across resets.
func (s *slot) Clear() {
	if err := s.Reset(slotArgs{}); err != nil {
		fatal(s.log, "clear slot", zap.Int("slot", s.idx), zap.Error(err))
	}
}

func (s *slot) generation() uint64 {
	return atomic.LoadUint64(shm.Uint64(s.mem, offGeneration))
}

func (s *slot) constants() *value.Constants {
	return (*value.Constants)(unsafe.Pointer(&s.mem[offConstants]))
}

func (s *slot) elements() *int64 {
	return shm.Int64(s.mem, offElements)
}

func (s *slot) shardMutex(i int) ipcmutex.Mutex {
	return ipcmutex.New(shm.Uint32(s.mem, s.lay.shardsOff+uint64(i)*shardEntrySize+offShardMutex))
}

func (s *slot) shardUsed(i int) *uint32 {
	return shm.Uint32(s.mem, s.lay.shardsOff+uint64(i)*shardEntrySize+offShardUsed)
}

func (s *slot) shardRoot(i int) *uint64 {
	return shm.Uint64(s.mem, s.lay.shardsOff+uint64(i)*shardEntrySize+offShardRoot)
}

func (s *slot) shardOf(key []byte) int {
	return int(fnv1a64(key) % uint64(s.lay.shards))
}

// Element layout in the arena:
//
//	0x00 refs       uint32  one for the shard map, one per open handle
//	0x04 flags      uint32
//	0x08 insertedBy uint32  pid of the storing worker
//	0x10 storedAt   int64   unix nanoseconds
//	0x18 expiringAt int64   unix nanoseconds, math.MaxInt64 when immortal
//	0x20 value      uint64  root node offset
//	0x28 next       uint64  garbage list link
const (
	elemRefs       = 0x00
	elemFlags      = 0x04
	elemInsertedBy = 0x08
	elemStoredAt   = 0x10
	elemExpiringAt = 0x18
	elemValue      = 0x20
	elemNext       = 0x28
	elemSize       = 0x30

	flagEarlyWarned uint32 = 1 << 0
	flagDeleted     uint32 = 1 << 1
	flagRetired     uint32 = 1 << 2

	// Refcounts beyond this are treated as corruption.
	maxRefs = 1 << 24
)

type element = uint64

func (s *slot) ew32(e element, field uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.arena.Mem()[e+field]))
}

func (s *slot) ew64(e element, field uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.arena.Mem()[e+field]))
}

func (s *slot) storedAt(e element) int64 {
	return int64(atomic.LoadUint64(s.ew64(e, elemStoredAt)))
}

func (s *slot) expiringAt(e element) int64 {
	return int64(atomic.LoadUint64(s.ew64(e, elemExpiringAt)))
}

func (s *slot) setTimes(e element, stored, expiring int64) {
	atomic.StoreUint64(s.ew64(e, elemStoredAt), uint64(stored))
	atomic.StoreUint64(s.ew64(e, elemExpiringAt), uint64(expiring))
}

func (s *slot) setExpiringAt(e element, expiring int64) {
	atomic.StoreUint64(s.ew64(e, elemExpiringAt), uint64(expiring))
}

func (s *slot) flags(e element) uint32 {
	return atomic.LoadUint32(s.ew32(e, elemFlags))
}

// setFlag sets f and reports whether this call set it.
func (s *slot) setFlag(e element, f uint32) bool {
	p := s.ew32(e, elemFlags)

	for {
		old := atomic.LoadUint32(p)
		if old&f != 0 {
			return false
		}

		if atomic.CompareAndSwapUint32(p, old, old|f) {
			return true
		}
	}
}

func (s *slot) clearFlag(e element, f uint32) {
	p := s.ew32(e, elemFlags)

	for {
		old := atomic.LoadUint32(p)
		if old&f == 0 || atomic.CompareAndSwapUint32(p, old, old&^f) {
			return
		}
	}
}

func (s *slot) insertedBy(e element) uint32 {
	return atomic.LoadUint32(s.ew32(e, elemInsertedBy))
}

func (s *slot) valueOf(e element) uint64 {
	return *s.ew64(e, elemValue)
}

// newElement allocates an element owning the value at valOff, with one
// reference for the shard map. Caller holds the allocator mutex.
func (s *slot) newElement(valOff uint64, pid uint32, stored, expiring int64) element {
	e := s.arena.Allocate0(elemSize)
	if e == 0 {
		return 0
	}

	*s.ew32(e, elemRefs) = 1
	*s.ew32(e, elemInsertedBy) = pid
	*s.ew64(e, elemValue) = valOff
	s.setTimes(e, stored, expiring)
	atomic.AddInt64(s.elements(), 1)

	return e
}

// retain takes a reference to an element reachable from a shard map.
// Caller holds the shard mutex.
func (s *slot) retain(e element) {
	n := atomic.AddUint32(s.ew32(e, elemRefs), 1)
	if n <= 1 || n > maxRefs {
		fatal(s.log, "retain of element with impossible reference count",
			zap.Int("slot", s.idx), zap.Uint64("element", e), zap.Uint32("refs", n-1))
	}
}

// release drops a reference. The last one retires the element onto the
// garbage list; it never blocks.
func (s *slot) release(e element) {
	n := atomic.AddUint32(s.ew32(e, elemRefs), ^uint32(0))

	switch {
	case n == ^uint32(0) || n > maxRefs:
		fatal(s.log, "release of element with impossible reference count",
			zap.Int("slot", s.idx), zap.Uint64("element", e), zap.Uint32("refs", n+1))
	case n == 0:
		s.retire(e)
	}
}

func (s *slot) retire(e element) {
	if !s.setFlag(e, flagRetired) {
		fatal(s.log, "element retired twice", zap.Int("slot", s.idx), zap.Uint64("element", e))
	}

	head := shm.Uint64(s.mem, offGarbage)
	next := s.ew64(e, elemNext)

	for {
		old := atomic.LoadUint64(head)
		atomic.StoreUint64(next, old)

		if atomic.CompareAndSwapUint64(head, old, e) {
			return
		}
	}
}

// drainGarbage destroys every retired element and returns how many it
// destroyed. Caller holds the allocator mutex.
func (s *slot) drainGarbage() uint64 {
	e := atomic.SwapUint64(shm.Uint64(s.mem, offGarbage), 0)

	var n uint64

	for e != 0 {
		next := atomic.LoadUint64(s.ew64(e, elemNext))

		if refs := atomic.LoadUint32(s.ew32(e, elemRefs)); refs != 0 || s.flags(e)&flagRetired == 0 {
			fatal(s.log, "garbage element still referenced",
				zap.Int("slot", s.idx), zap.Uint64("element", e), zap.Uint32("refs", refs))
		}

		if err := value.Destroy(s.arena, s.valueOf(e)); err != nil {
			fatal(s.log, "destroy element value", zap.Int("slot", s.idx), zap.Uint64("element", e), zap.Error(err))
		}

		s.arena.Deallocate(e, elemSize)
		atomic.AddInt64(s.elements(), -1)

		n++
		e = next
	}

	return n
}

// fnv1a64 computes the FNV-1a 64-bit hash over key bytes.
func fnv1a64(key []byte) uint64 {
	const (
		offsetBasis uint64 = 14695981039346656037
		prime       uint64 = 1099511628211
	)

	hash := offsetBasis
	for _, b := range key {
		hash ^= uint64(b)
		hash *= prime
	}

	return hash
}
