package instcache

import (
	"go.uber.org/zap"
)

// LockKind names one of the two mutex classes of a slot.
type LockKind uint8

const (
	LockAllocator LockKind = iota + 1
	LockShard
)

func (k LockKind) String() string {
	switch k {
	case LockAllocator:
		return "allocator"
	case LockShard:
		return "shard"
	default:
		return "unknown"
	}
}

// LockEvent is one acquire or release seen by a [LockObserver]. Shard is -1
// for allocator events.
type LockEvent struct {
	Kind     LockKind
	Slot     int
	Shard    int
	Acquired bool
}

// LockObserver is called synchronously, with the lock in question held (on
// acquire) or just released.
type LockObserver func(LockEvent)

// locks tracks which slot mutexes this view holds and enforces the order
// allocator before shard. A view is used by one goroutine at a time.
type locks struct {
	log      *zap.Logger
	observer LockObserver

	allocSlot int // -1 when not held
	shardSlot int
	shard     int // -1 when not held
}

func newLocks(log *zap.Logger, observer LockObserver) locks {
	return locks{log: log, observer: observer, allocSlot: -1, shardSlot: -1, shard: -1}
}

func (l *locks) notify(ev LockEvent) {
	if l.observer != nil {
		l.observer(ev)
	}
}

func (l *locks) checkAllocOrder(s *slot) {
	if l.shard >= 0 {
		fatal(l.log, "allocator mutex requested while holding a shard mutex",
			zap.Int("slot", s.idx), zap.Int("held_shard", l.shard), zap.Int("held_shard_slot", l.shardSlot))
	}

	if l.allocSlot >= 0 {
		fatal(l.log, "allocator mutex requested twice", zap.Int("slot", s.idx), zap.Int("held_slot", l.allocSlot))
	}
}

// tryAlloc takes the allocator mutex of s without waiting.
func (l *locks) tryAlloc(s *slot) bool {
	l.checkAllocOrder(s)

	if !s.allocMu.TryLock() {
		return false
	}

	l.allocSlot = s.idx
	l.notify(LockEvent{Kind: LockAllocator, Slot: s.idx, Shard: -1, Acquired: true})

	return true
}

// lockAlloc takes the allocator mutex of s, waiting if needed. Master only.
func (l *locks) lockAlloc(s *slot) {
	l.checkAllocOrder(s)

	s.allocMu.Lock()
	l.allocSlot = s.idx
	l.notify(LockEvent{Kind: LockAllocator, Slot: s.idx, Shard: -1, Acquired: true})
}

func (l *locks) unlockAlloc(s *slot) {
	if l.allocSlot != s.idx {
		fatal(l.log, "allocator mutex released but not held", zap.Int("slot", s.idx))
	}

	l.allocSlot = -1
	s.allocMu.Unlock()
	l.notify(LockEvent{Kind: LockAllocator, Slot: s.idx, Shard: -1})
}

func (l *locks) lockShard(s *slot, shard int) {
	if l.shard >= 0 {
		fatal(l.log, "second shard mutex requested",
			zap.Int("slot", s.idx), zap.Int("shard", shard), zap.Int("held_shard", l.shard))
	}

	s.shardMutex(shard).Lock()
	l.shardSlot, l.shard = s.idx, shard
	l.notify(LockEvent{Kind: LockShard, Slot: s.idx, Shard: shard, Acquired: true})
}

func (l *locks) unlockShard(s *slot, shard int) {
	if l.shard != shard || l.shardSlot != s.idx {
		fatal(l.log, "shard mutex released but not held", zap.Int("slot", s.idx), zap.Int("shard", shard))
	}

	l.shardSlot, l.shard = -1, -1
	s.shardMutex(shard).Unlock()
	l.notify(LockEvent{Kind: LockShard, Slot: s.idx, Shard: shard})
}

// holdsAlloc reports whether the allocator mutex of s is held by this view.
func (l *locks) holdsAlloc(s *slot) bool {
	return l.allocSlot == s.idx
}
