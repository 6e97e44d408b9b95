// Package arena is a pooled memory allocator over a fixed byte region.
//
// The region layout is:
//
//	[header | small free list heads][data ...... bump → | unused]
//
// Pieces below [SmallLimit] bytes are recycled through one intrusive free
// list per 8-byte size class. Larger ("huge") freed pieces are kept in a
// size-ordered treap and served best fit, splitting off the excess. Anything
// not found in the free structures is carved from the bump pointer; a freed
// piece adjacent to the bump pointer is handed back to it.
//
// All links are offsets from the start of the region, so the region may be
// mapped at different addresses in different processes. Offset 0 is the
// header and doubles as the null offset.
//
// An Arena does no locking. Every mutating call must be serialized by the
// caller (the instance cache uses one inter-process mutex per arena). Stats
// may be read concurrently.
package arena

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrInvalidRegion indicates a region too small or misaligned for an arena.
	ErrInvalidRegion = errors.New("arena: invalid region")

	// ErrCorrupt indicates a region whose header or free structures are damaged.
	ErrCorrupt = errors.New("arena: corrupt")
)

const (
	// Align is the allocation granularity; every size is rounded up to it.
	Align = 8

	// SmallLimit is the first size served by the huge free map.
	SmallLimit = 4096

	smallClasses = SmallLimit / Align

	magic = uint64(0x314e455241434931)
)

// dataStart is the first allocatable offset.
var dataStart = roundUp(uint64(unsafe.Sizeof(header{})), 64)

// MinRegionSize is the smallest region [Init] accepts.
var MinRegionSize = int(dataStart) + SmallLimit

// header lives at offset 0 of the region. It holds no pointers.
type header struct {
	magic    uint64
	size     uint64
	bump     uint64
	hugeRoot uint64

	used        uint64
	maxUsed     uint64
	maxRealUsed uint64
	freeBytes   uint64

	allocations   uint64
	deallocations uint64
	failures      uint64
	failureStreak uint64

	small [smallClasses]uint64
}

// MemoryStats is a snapshot of arena usage.
//
// Used counts bytes handed out and not yet returned. RealUsed counts bytes
// carved from the region, including pieces sitting in free lists; it is the
// figure capacity decisions should use, since fragmentation only shows up
// here.
type MemoryStats struct {
	Limit             uint64 `json:"limit"`
	Used              uint64 `json:"used"`
	MaxUsed           uint64 `json:"max_used"`
	RealUsed          uint64 `json:"real_used"`
	MaxRealUsed       uint64 `json:"max_real_used"`
	FreeListBytes     uint64 `json:"free_list_bytes"`
	Allocations       uint64 `json:"allocations"`
	Deallocations     uint64 `json:"deallocations"`
	FailedAllocations uint64 `json:"failed_allocations"`
}

// OOMEvent describes a failed allocation.
type OOMEvent struct {
	Requested uint64
	// Streak is the number of failures since the last successful allocation,
	// this one included.
	Streak uint64
	Stats  MemoryStats
}

// Arena is one process's view of an arena region.
type Arena struct {
	mem   []byte
	hdr   *header
	onOOM func(OOMEvent)
}

// Init formats mem as an empty arena and returns a view of it.
func Init(mem []byte) (*Arena, error) {
	if err := checkRegion(mem); err != nil {
		return nil, err
	}

	a := view(mem)
	a.reset()

	return a, nil
}

// Attach returns a view of an arena previously formatted with [Init].
func Attach(mem []byte) (*Arena, error) {
	if err := checkRegion(mem); err != nil {
		return nil, err
	}

	a := view(mem)

	if atomic.LoadUint64(&a.hdr.magic) != magic {
		return nil, fmt.Errorf("bad magic %#x: %w", a.hdr.magic, ErrCorrupt)
	}

	if size := atomic.LoadUint64(&a.hdr.size); size != uint64(len(mem)) {
		return nil, fmt.Errorf("header size %d, region size %d: %w", size, len(mem), ErrCorrupt)
	}

	return a, nil
}

func checkRegion(mem []byte) error {
	if len(mem) < MinRegionSize {
		return fmt.Errorf("region of %d bytes, need at least %d: %w", len(mem), MinRegionSize, ErrInvalidRegion)
	}

	if uintptr(unsafe.Pointer(&mem[0]))%Align != 0 {
		return fmt.Errorf("region not %d-byte aligned: %w", Align, ErrInvalidRegion)
	}

	return nil
}

func view(mem []byte) *Arena {
	return &Arena{mem: mem, hdr: (*header)(unsafe.Pointer(&mem[0]))}
}

// Reset drops every allocation and returns the arena to its freshly
// initialized state. Counters restart from zero.
func (a *Arena) Reset() {
	a.reset()
}

func (a *Arena) reset() {
	clear(a.mem[:dataStart])

	a.hdr.size = uint64(len(a.mem))
	atomic.StoreUint64(&a.hdr.bump, dataStart)
	atomic.StoreUint64(&a.hdr.magic, magic)
}

// SetOOMHandler installs fn to be called on every failed allocation. The
// handler is process local; nil removes it.
func (a *Arena) SetOOMHandler(fn func(OOMEvent)) {
	a.onOOM = fn
}

// Mem returns the whole region. Offsets returned by Allocate index into it.
func (a *Arena) Mem() []byte {
	return a.mem
}

// Bytes returns the n bytes at off.
func (a *Arena) Bytes(off, n uint64) []byte {
	return a.mem[off : off+n : off+n]
}

// Allocate returns the offset of a piece of at least size bytes, or 0 if the
// arena cannot serve it. Failure leaves the arena unchanged apart from the
// failure counters.
func (a *Arena) Allocate(size uint64) uint64 {
	n := RoundSize(size)

	off := a.allocate(n)
	if off == 0 {
		a.fail(size)

		return 0
	}

	atomic.StoreUint64(&a.hdr.failureStreak, 0)
	atomic.AddUint64(&a.hdr.allocations, 1)

	used := atomic.AddUint64(&a.hdr.used, n)
	if used > atomic.LoadUint64(&a.hdr.maxUsed) {
		atomic.StoreUint64(&a.hdr.maxUsed, used)
	}

	return off
}

func (a *Arena) allocate(n uint64) uint64 {
	if n < SmallLimit {
		if off := a.popSmall(n); off != 0 {
			return off
		}
	} else if off := a.takeHuge(n); off != 0 {
		return off
	}

	if off := a.carve(n); off != 0 {
		return off
	}

	// A small request may still fit into a split huge piece.
	if n < SmallLimit {
		return a.takeHuge(n)
	}

	return 0
}

// Allocate0 is Allocate with the returned piece zeroed.
func (a *Arena) Allocate0(size uint64) uint64 {
	off := a.Allocate(size)
	if off != 0 {
		clear(a.mem[off : off+RoundSize(size)])
	}

	return off
}

// Reallocate resizes the piece at off from oldSize to newSize bytes and
// returns its (possibly new) offset. Contents up to the smaller size are
// kept. On failure it returns 0 and the original piece stays valid.
func (a *Arena) Reallocate(off, newSize, oldSize uint64) uint64 {
	if off == 0 {
		return a.Allocate(newSize)
	}

	oldN, newN := RoundSize(oldSize), RoundSize(newSize)

	switch {
	case newN == oldN:
		return off
	case newN < oldN:
		a.give(off+newN, oldN-newN)
		atomic.AddUint64(&a.hdr.used, -(oldN - newN))

		return off
	}

	// Grow in place at the tail of the bump region.
	if bump := atomic.LoadUint64(&a.hdr.bump); off+oldN == bump && off+newN <= a.hdr.size {
		atomic.StoreUint64(&a.hdr.bump, off+newN)
		a.noteRealUsed(off + newN)
		atomic.AddUint64(&a.hdr.used, newN-oldN)

		return off
	}

	moved := a.Allocate(newSize)
	if moved == 0 {
		return 0
	}

	copy(a.mem[moved:moved+oldN], a.mem[off:off+oldN])
	a.Deallocate(off, oldSize)

	return moved
}

// Deallocate returns the piece at off, allocated with size bytes.
func (a *Arena) Deallocate(off, size uint64) {
	if off == 0 {
		return
	}

	n := RoundSize(size)

	if off < dataStart || off+n > a.hdr.size || off%Align != 0 {
		panic(fmt.Errorf("%w: deallocate of [%d, %d) outside data region", ErrCorrupt, off, off+n))
	}

	atomic.AddUint64(&a.hdr.deallocations, 1)
	atomic.AddUint64(&a.hdr.used, -n)
	a.give(off, n)
}

// give puts a free piece back: onto the bump tail if adjacent, otherwise
// into the matching free structure.
func (a *Arena) give(off, n uint64) {
	if off+n == atomic.LoadUint64(&a.hdr.bump) {
		atomic.StoreUint64(&a.hdr.bump, off)

		return
	}

	atomic.AddUint64(&a.hdr.freeBytes, n)

	if n < SmallLimit {
		a.pushSmall(off, n)

		return
	}

	a.hugeInsert(off, n)
}

func (a *Arena) carve(n uint64) uint64 {
	off := atomic.LoadUint64(&a.hdr.bump)
	if off+n > a.hdr.size {
		return 0
	}

	atomic.StoreUint64(&a.hdr.bump, off+n)
	a.noteRealUsed(off + n)

	return off
}

func (a *Arena) noteRealUsed(bump uint64) {
	if real := bump - dataStart; real > atomic.LoadUint64(&a.hdr.maxRealUsed) {
		atomic.StoreUint64(&a.hdr.maxRealUsed, real)
	}
}

func (a *Arena) fail(requested uint64) {
	atomic.AddUint64(&a.hdr.failures, 1)
	streak := atomic.AddUint64(&a.hdr.failureStreak, 1)

	if a.onOOM != nil {
		a.onOOM(OOMEvent{Requested: requested, Streak: streak, Stats: a.Stats()})
	}
}

func (a *Arena) word(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&a.mem[off]))
}

func (a *Arena) popSmall(n uint64) uint64 {
	head := &a.hdr.small[n/Align]

	off := *head
	if off == 0 {
		return 0
	}

	*head = *a.word(off)
	atomic.AddUint64(&a.hdr.freeBytes, -n)

	return off
}

func (a *Arena) pushSmall(off, n uint64) {
	head := &a.hdr.small[n/Align]
	*a.word(off) = *head
	*head = off
}

// Stats returns a snapshot of the usage counters.
func (a *Arena) Stats() MemoryStats {
	return MemoryStats{
		Limit:             a.hdr.size - dataStart,
		Used:              atomic.LoadUint64(&a.hdr.used),
		MaxUsed:           atomic.LoadUint64(&a.hdr.maxUsed),
		RealUsed:          atomic.LoadUint64(&a.hdr.bump) - dataStart,
		MaxRealUsed:       atomic.LoadUint64(&a.hdr.maxRealUsed),
		FreeListBytes:     atomic.LoadUint64(&a.hdr.freeBytes),
		Allocations:       atomic.LoadUint64(&a.hdr.allocations),
		Deallocations:     atomic.LoadUint64(&a.hdr.deallocations),
		FailedAllocations: atomic.LoadUint64(&a.hdr.failures),
	}
}

// Available returns the number of bytes still obtainable, ignoring
// fragmentation.
func (a *Arena) Available() uint64 {
	return a.hdr.size - atomic.LoadUint64(&a.hdr.bump) + atomic.LoadUint64(&a.hdr.freeBytes)
}

// RoundSize returns the size actually reserved for a request of size bytes.
func RoundSize(size uint64) uint64 {
	if size == 0 {
		return Align
	}

	return roundUp(size, Align)
}

func roundUp(n, to uint64) uint64 {
	return (n + to - 1) &^ (to - 1)
}
