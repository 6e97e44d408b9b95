package instcache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/instcache/pkg/shm"
)

// HoldAllocator locks the allocator mutex of the slot w currently holds,
// bypassing w's lock tracking, and returns the unlock function. Must be
// released on the calling goroutine.
func HoldAllocator(w *Worker) func() {
	s := w.ensure()
	s.allocMu.Lock()

	return s.allocMu.Unlock
}

// ElementTimes returns the stored-at and expiring-at times of key in the
// slot w currently holds.
func ElementTimes(w *Worker, key []byte) (stored, expiring int64, ok bool) {
	s := w.ensure()
	shard := s.shardOf(key)

	w.lk.lockShard(s, shard)
	defer w.lk.unlockShard(s, shard)

	n := s.lookup(shard, key)
	if n == 0 {
		return 0, 0, false
	}

	e := s.nodeElem(n)

	return s.storedAt(e), s.expiringAt(e), true
}

// RequireSwap sets the swap-required flag as an out-of-memory worker would.
func RequireSwap(m *Master) {
	m.c.hdr.setSwapRequired(true)
}

// SetMasterPID overwrites the master pid recorded in the segment header.
func SetMasterPID(mem []byte, pid uint32) {
	atomic.StoreUint32(shm.Uint32(mem, offMasterPID), pid)
}

// VerifySlots checks the arena and element accounting of every slot.
func VerifySlots(m *Master) error {
	var errs []error

	for _, s := range m.c.slots {
		if err := s.arena.Verify(); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", s.idx, err))
		}

		if n := atomic.LoadInt64(s.elements()); n < 0 {
			errs = append(errs, fmt.Errorf("slot %d: %d elements", s.idx, n))
		}
	}

	return errors.Join(errs...)
}

// ShardLockThenAllocator takes a shard mutex and then the allocator mutex
// of the slot w holds, the order the lock tracker forbids.
func ShardLockThenAllocator(w *Worker) {
	s := w.ensure()

	w.lk.lockShard(s, 0)
	defer w.lk.unlockShard(s, 0)

	w.lk.tryAlloc(s)
}

// PendingLen returns the number of delayed stores buffered in w.
func PendingLen(w *Worker) int {
	return w.pending.len()
}
