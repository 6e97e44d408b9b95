package instcache

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/instcache/pkg/dbuf"
	"github.com/calvinalkan/instcache/pkg/shm"
)

// Master is the view of the process that created the segment. It is the
// only process that resets, swaps and purges slots. A Master is not safe
// for concurrent use.
type Master struct {
	c    *cache
	opts Options
	mgr  *dbuf.Manager[*slot, slotArgs]
	lk   locks
	log  *zap.Logger
}

// Init formats mem as an empty cache and returns the master view. mem must
// be at least [SegmentSize] bytes; it is usually the mapping of a shm
// segment created just before. Init must run before any worker attaches.
//
// Re-initializing a segment whose recorded master is another live process
// fails with ErrNotMaster.
func Init(mem []byte, opts Options) (*Master, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	l := computeLayout(opts.Slots, opts.Workers, opts.Shards, opts.MemoryLimit)
	if uint64(len(mem)) < l.total {
		return nil, fmt.Errorf("segment of %d bytes, need %d: %w", len(mem), l.total, ErrInvalidOptions)
	}

	pid := uint32(os.Getpid())

	if atomic.LoadUint64(shm.Uint64(mem, offMagic)) == cacheMagic {
		if other := (header{mem: mem}).masterPID(); other != 0 && other != pid && pidAlive(other) {
			return nil, fmt.Errorf("master pid %d: %w", other, ErrNotMaster)
		}
	}

	writeHeader(mem, l, opts, pid)

	c := newCache(mem, l, opts.Logger, opts.Now)

	mgr, err := dbuf.Init[*slot, slotArgs](c.control(), c.slots, l.workers, slotArgs{})
	if err != nil {
		return nil, fmt.Errorf("init slots: %w", err)
	}

	publishHeader(mem)

	opts.Logger.Info("cache initialized",
		zap.Int("slots", l.slots),
		zap.Int("workers", l.workers),
		zap.Int("shards", l.shards),
		zap.Uint64("memory_limit", l.memoryLimit),
		zap.Uint64("segment_bytes", l.total),
	)

	return &Master{
		c:    c,
		opts: opts,
		mgr:  mgr,
		lk:   newLocks(opts.Logger, opts.LockObserver),
		log:  opts.Logger,
	}, nil
}

func (m *Master) current() *slot {
	s, err := m.mgr.GetCurrentResource()
	if err != nil {
		fatal(m.log, "master view lost its initial role", zap.Error(err))
	}

	return s
}

// PurgeExpiredElements removes elements that expired more than
// [Options.PurgeDelay] ago from the next fifth of the shards of the active
// slot, destroys garbage and returns the number of elements removed. Call
// it periodically; five calls cover every shard.
func (m *Master) PurgeExpiredElements() int {
	s := m.current()

	shards := m.c.lay.shards
	per := (shards + 4) / 5
	cursor := m.c.hdr.purgeCursor()
	start := int(atomic.LoadUint32(cursor)) % shards
	cutoff := m.c.nowNanos() - int64(m.opts.PurgeDelay)

	expired := func(n uint64) bool {
		exp := s.expiringAt(s.nodeElem(n))

		return exp != immortal && exp < cutoff
	}

	var victims []element

	m.lk.lockAlloc(s)

	for i := range per {
		shard := (start + i) % shards
		if atomic.LoadUint32(s.shardUsed(shard)) == 0 {
			continue
		}

		m.lk.lockShard(s, shard)

		for _, n := range s.collect(shard, expired) {
			victims = append(victims, s.removeNode(shard, n))
		}

		if *s.shardRoot(shard) == 0 {
			atomic.StoreUint32(s.shardUsed(shard), 0)
		}

		m.lk.unlockShard(s, shard)
	}

	for _, e := range victims {
		s.release(e)
	}

	destroyed := s.drainGarbage()
	m.lk.unlockAlloc(s)

	atomic.StoreUint32(cursor, uint32((start+per)%shards))
	m.c.hdr.add(cPurged, uint64(len(victims)))
	m.c.hdr.add(cDestroyed, destroyed)

	if len(victims) > 0 {
		m.log.Debug("purged expired elements",
			zap.Int("slot", s.idx), zap.Int("purged", len(victims)), zap.Uint64("destroyed", destroyed))
	}

	return len(victims)
}

// TrySwapMemory switches to a fresh slot when the active one is nearly full
// or a worker ran out of memory. While a swap is pending every store fails
// with StoreMemoryLimitExceeded. Retired slots are cleared first.
func (m *Master) TrySwapMemory() (SwapResult, error) {
	if _, err := m.ClearDirtySlots(); err != nil {
		return SwapNoNeed, err
	}

	s := m.current()
	st := s.arena.Stats()

	pressure := float64(st.RealUsed) >= swapHighWater*float64(st.Limit)
	if !pressure && !m.c.hdr.swapRequired() {
		return SwapNoNeed, nil
	}

	m.c.hdr.setSwapRequired(true)

	ok, err := m.mgr.TrySwitchToNextUnusedResource(slotArgs{})
	if err != nil {
		return SwapIsForbidden, fmt.Errorf("swap: %w", err)
	}

	if !ok {
		m.c.hdr.count(cSwapsForbidden)
		m.log.Warn("slot swap forbidden, next slot still held",
			zap.Int("slot", s.idx),
			zap.Uint64("real_used", st.RealUsed),
			zap.Uint64("limit", st.Limit),
			zap.Int("holders", len(m.mgr.Holders((s.idx+1)%m.c.lay.slots))),
		)

		return SwapIsForbidden, nil
	}

	m.c.hdr.setSwapRequired(false)
	m.c.hdr.count(cSwaps)
	m.log.Info("swapped slots",
		zap.Int("from", s.idx),
		zap.Int("to", m.mgr.Active()),
		zap.Uint64("real_used", st.RealUsed),
		zap.Bool("pressure", pressure),
	)

	return SwapIsFinished, nil
}

// ClearDirtySlots clears retired slots no worker holds any more, oldest
// first, and returns how many it cleared.
func (m *Master) ClearDirtySlots() (int, error) {
	n, err := m.mgr.ClearDirtyUnusedResourcesInSequence()
	if err != nil {
		return n, fmt.Errorf("clear dirty slots: %w", err)
	}

	if n > 0 {
		m.log.Debug("cleared retired slots", zap.Int("count", n))
	}

	return n, nil
}

// ForceReleaseWorker drops every slot reference of worker id, typically
// after it died. Elements it still referenced stay allocated until their
// slot is cleared.
func (m *Master) ForceReleaseWorker(id int) error {
	if err := m.mgr.ForceReleaseWorker(id); err != nil {
		return fmt.Errorf("force release: %w", err)
	}

	m.log.Info("released worker slot references", zap.Int("worker", id))

	return nil
}

// ReapDeadWorkers releases the slot references of holders whose process is
// gone and returns how many it released.
func (m *Master) ReapDeadWorkers() (int, error) {
	n, err := m.mgr.ReapDeadHolders(pidAlive)
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	if n > 0 {
		m.log.Warn("released slot references of dead workers", zap.Int("count", n))
	}

	return n, nil
}

// Stats returns the cache-wide counters.
func (m *Master) Stats() Stats {
	return m.c.stats(m.mgr.Active())
}

// MemoryStats returns the memory usage of every slot.
func (m *Master) MemoryStats() []SlotMemory {
	return m.c.memoryStats(m.mgr)
}

func pidAlive(pid uint32) bool {
	err := unix.Kill(int(pid), 0)

	return err == nil || errors.Is(err, unix.EPERM)
}
