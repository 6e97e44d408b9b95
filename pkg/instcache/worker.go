package instcache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/calvinalkan/instcache/pkg/arena"
	"github.com/calvinalkan/instcache/pkg/dbuf"
	"github.com/calvinalkan/instcache/pkg/value"
)

// Worker is one worker's view of a cache segment. A Worker is not safe for
// concurrent use: each worker process (or goroutine, with its own
// [WorkerConfig.ID] and PID) attaches its own.
//
// Cache calls between [Worker.Refresh] and [Worker.Free] form one request.
// Values fetched during a request stay valid until Free, even if another
// process deletes, replaces or purges the key meanwhile.
type Worker struct {
	c   *cache
	cfg WorkerConfig
	mgr *dbuf.Manager[*slot, slotArgs]
	lk  locks
	log *zap.Logger

	cur      *slot
	handle   dbuf.Handle
	acquired bool

	// Request-local state. fast maps keys to elements whose handle is in
	// used; used owns one reference per entry.
	fast map[string]element
	used []element

	pending *pendingBuffer
}

// Attach returns a worker view of a segment initialized by [Init].
func Attach(mem []byte, cfg WorkerConfig) (*Worker, error) {
	cfg = cfg.withDefaults()

	l, err := readLayout(mem)
	if err != nil {
		return nil, err
	}

	c := newCache(mem, l, cfg.Logger, cfg.Now)

	w := &Worker{
		c:       c,
		cfg:     cfg,
		lk:      newLocks(cfg.Logger, cfg.LockObserver),
		log:     cfg.Logger.With(zap.Int("worker", cfg.ID), zap.Uint32("pid", cfg.PID)),
		fast:    make(map[string]element),
		pending: newPendingBuffer(cfg.PendingBudget),
	}

	for _, s := range c.slots {
		s.onOOM = w.oomHandler(s)

		if err := s.attach(); err != nil {
			return nil, fmt.Errorf("attach: %w", errors.Join(ErrIncompatible, err))
		}
	}

	mgr, err := dbuf.Attach[*slot, slotArgs](c.control(), c.slots, cfg.ID, cfg.PID)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}

	w.mgr = mgr

	return w, nil
}

// oomHandler asks the master for a swap when the active slot runs out of
// memory. A retired slot can fill up too while a request drains it; that
// needs no swap.
func (w *Worker) oomHandler(s *slot) func(arena.OOMEvent) {
	return func(ev arena.OOMEvent) {
		if w.mgr != nil && w.mgr.Active() == s.idx {
			w.c.hdr.setSwapRequired(true)
		}

		fields := []zap.Field{
			zap.Int("slot", s.idx),
			zap.Uint64("requested", ev.Requested),
			zap.Uint64("streak", ev.Streak),
			zap.Uint64("real_used", ev.Stats.RealUsed),
			zap.Uint64("limit", ev.Stats.Limit),
		}

		switch {
		case ev.Streak%64 == 0:
			w.log.Error("arena keeps failing allocations", fields...)
		case ev.Streak == 1:
			w.log.Warn("arena out of memory, swap requested", fields...)
		}
	}
}

// Refresh starts a request: it ends a request still open, acquires the
// active slot and replays delayed stores.
func (w *Worker) Refresh() {
	if w.acquired {
		w.Free()
	}

	w.acquire()
	w.flushPending()
}

// Free ends a request. It replays delayed stores if it can, releases every
// handle the request took, destroys garbage if the allocator mutex is free
// and releases the slot.
func (w *Worker) Free() {
	if !w.acquired {
		return
	}

	s := w.cur

	w.flushPending()
	w.releaseUsed()

	if w.lk.tryAlloc(s) {
		w.c.hdr.add(cDestroyed, s.drainGarbage())
		w.lk.unlockAlloc(s)
	}

	w.mgr.ReleaseResource(w.handle)
	w.cur, w.acquired = nil, false
}

// ForceReleaseAllResourcesAcquiredByThisProc drops every slot reference
// this worker holds, in shared memory and locally, and forgets delayed
// stores. Used when recovering a restarted worker.
func (w *Worker) ForceReleaseAllResourcesAcquiredByThisProc() {
	if w.acquired {
		w.releaseUsed()
	}

	w.cur, w.acquired = nil, false
	w.pending = newPendingBuffer(w.cfg.PendingBudget)
	w.mgr.ForceReleaseAllResources()

	w.log.Info("released all slot references")
}

func (w *Worker) acquire() {
	w.handle, w.cur = w.mgr.AcquireCurrentResource()
	w.acquired = true
}

// ensure acquires a slot for calls made outside Refresh/Free.
func (w *Worker) ensure() *slot {
	if !w.acquired {
		w.acquire()
	}

	return w.cur
}

func (w *Worker) releaseUsed() {
	for _, e := range w.used {
		w.cur.release(e)
	}

	clear(w.used)
	w.used = w.used[:0]
	clear(w.fast)
}

// Store writes v under key for ttl seconds; ttl <= 0 never expires. The
// call never waits for another process.
func (w *Worker) Store(key []byte, v value.Value, ttl int64) StoreResult {
	res := w.store(key, v, ttl)
	w.c.hdr.count(counter(res))

	return res
}

func (w *Worker) store(key []byte, v value.Value, ttl int64) StoreResult {
	s := w.ensure()

	if w.c.hdr.swapRequired() {
		return StoreMemoryLimitExceeded
	}

	w.flushPending()

	k := string(key)
	delete(w.fast, k)

	now := w.c.nowNanos()

	if w.freshElsewhere(s, key, now) {
		return StoreSkipped
	}

	if !w.lk.tryAlloc(s) {
		return w.delay(k, v, ttl)
	}

	w.pending.remove(k)
	res := w.insertLocked(s, key, v, ttl, now)
	w.c.hdr.add(cDestroyed, s.drainGarbage())
	w.lk.unlockAlloc(s)

	return res
}

func (w *Worker) delay(key string, v value.Value, ttl int64) StoreResult {
	ok, err := w.pending.add(key, v, ttl)

	switch {
	case err != nil:
		w.log.Warn("store rejected", zap.Int("key_len", len(key)), zap.Error(err))

		return StoreFailed
	case !ok:
		return StoreMemoryLimitExceeded
	default:
		return StoreDelayed
	}
}

// freshElsewhere reports whether another process stored key so recently
// that storing it again is wasted work.
func (w *Worker) freshElsewhere(s *slot, key []byte, now int64) bool {
	shard := s.shardOf(key)

	w.lk.lockShard(s, shard)
	defer w.lk.unlockShard(s, shard)

	n := s.lookup(shard, key)
	if n == 0 {
		return false
	}

	e := s.nodeElem(n)
	if s.insertedBy(e) == w.cfg.PID || s.flags(e)&flagDeleted != 0 {
		return false
	}

	return freshness(s.storedAt(e), s.expiringAt(e), now) < freshThreshold
}

// insertLocked copies v into the slot and publishes it under key. Caller
// holds the allocator mutex of s.
func (w *Worker) insertLocked(s *slot, key []byte, v value.Value, ttl, now int64) StoreResult {
	valOff, err := value.CopyInto(s.arena, v, s.constants())
	if err != nil {
		if errors.Is(err, value.ErrMemoryLimitExceeded) {
			return StoreMemoryLimitExceeded
		}

		w.log.Warn("store rejected", zap.Int("key_len", len(key)), zap.Error(err))

		return StoreFailed
	}

	e := s.newElement(valOff, w.cfg.PID, now, expiry(now, ttl))
	if e == 0 {
		if err := value.Destroy(s.arena, valOff); err != nil {
			fatal(w.log, "destroy unpublished value", zap.Int("slot", s.idx), zap.Error(err))
		}

		return StoreMemoryLimitExceeded
	}

	shard := s.shardOf(key)

	w.lk.lockShard(s, shard)

	var replaced element

	if n := s.lookup(shard, key); n != 0 {
		replaced = s.nodeElem(n)
		s.setNodeElem(n, e)
	} else if !s.insertNode(shard, key, e) {
		w.lk.unlockShard(s, shard)
		s.release(e)

		return StoreMemoryLimitExceeded
	}

	w.lk.unlockShard(s, shard)

	if replaced != 0 {
		s.release(replaced)
	}

	return StoreSuccess
}

// flushPending replays delayed stores into the current slot if the
// allocator mutex is free.
func (w *Worker) flushPending() {
	if w.pending.len() == 0 || w.c.hdr.swapRequired() {
		return
	}

	s := w.cur
	if !w.lk.tryAlloc(s) {
		return
	}

	now := w.c.nowNanos()

	var flushed uint64

	w.pending.each(func(ps *pendingStore) bool {
		res := w.insertLocked(s, []byte(ps.key), ps.val, ps.ttl, now)
		w.c.hdr.count(counter(res))
		flushed++

		return true
	})

	w.c.hdr.add(cPendingFlushed, flushed)
	w.c.hdr.add(cDestroyed, s.drainGarbage())
	w.lk.unlockAlloc(s)

	w.log.Debug("replayed delayed stores", zap.Uint64("count", flushed))
}

// Fetch returns the value stored under key. Expired entries are returned
// only with evenIfExpired; deleted ones only until their post-deletion
// lifetime ends.
//
// Once per entry, late in its lifetime, Fetch misses although the entry is
// still valid so that a single caller refreshes it in time.
func (w *Worker) Fetch(key []byte, evenIfExpired bool) (value.Value, bool) {
	v, ok := w.fetch(key, evenIfExpired)
	if ok {
		w.c.hdr.count(cHits)
	} else {
		w.c.hdr.count(cMisses)
	}

	return v, ok
}

func (w *Worker) fetch(key []byte, evenIfExpired bool) (value.Value, bool) {
	s := w.ensure()
	w.flushPending()

	k := string(key)

	if ps, ok := w.pending.get(k); ok {
		v, err := value.Clone(ps.val)

		return v, err == nil
	}

	if e, ok := w.fast[k]; ok {
		return w.load(s, e), true
	}

	now := w.c.nowNanos()
	shard := s.shardOf(key)

	w.lk.lockShard(s, shard)

	n := s.lookup(shard, key)
	if n == 0 {
		w.lk.unlockShard(s, shard)

		return nil, false
	}

	e := s.nodeElem(n)
	expiring := s.expiringAt(e)
	deleted := s.flags(e)&flagDeleted != 0
	expired := deleted || now >= expiring

	if !expired && expiring != immortal &&
		freshness(s.storedAt(e), expiring, now) > earlyWarnThreshold &&
		s.setFlag(e, flagEarlyWarned) {
		w.lk.unlockShard(s, shard)
		w.c.hdr.count(cEarlyMisses)

		return nil, false
	}

	if expired && (!evenIfExpired || (deleted && now >= expiring)) {
		w.lk.unlockShard(s, shard)

		return nil, false
	}

	s.retain(e)
	w.lk.unlockShard(s, shard)

	w.used = append(w.used, e)
	if !expired {
		w.fast[k] = e
	}

	return w.load(s, e), true
}

func (w *Worker) load(s *slot, e element) value.Value {
	v, err := value.Load(s.arena, s.valueOf(e))
	if err != nil {
		fatal(w.log, "load element value", zap.Int("slot", s.idx), zap.Uint64("element", e), zap.Error(err))
	}

	return v
}

// UpdateTTL restarts the lifetime of key with ttl seconds from now. It
// reports false when the key is absent or deleted.
func (w *Worker) UpdateTTL(key []byte, ttl int64) bool {
	s := w.ensure()
	w.flushPending()

	k := string(key)
	delete(w.fast, k)

	found := false

	if ps, ok := w.pending.get(k); ok {
		ps.ttl = ttl
		found = true
	}

	now := w.c.nowNanos()
	shard := s.shardOf(key)

	w.lk.lockShard(s, shard)

	if n := s.lookup(shard, key); n != 0 {
		e := s.nodeElem(n)
		if s.flags(e)&flagDeleted == 0 {
			s.setTimes(e, now, expiry(now, ttl))
			s.clearFlag(e, flagEarlyWarned)

			found = true
		}
	}

	w.lk.unlockShard(s, shard)

	if found {
		w.c.hdr.count(cTTLUpdates)
	}

	return found
}

// Delete hides key from ordinary fetches at once. The entry stays readable
// by even-if-expired fetches for the rest of its lifetime, capped by
// [Options.MaxPostDeletionLifetime], and is purged after that.
func (w *Worker) Delete(key []byte) bool {
	s := w.ensure()
	w.flushPending()

	k := string(key)
	delete(w.fast, k)

	_, found := w.pending.get(k)
	w.pending.remove(k)

	now := w.c.nowNanos()
	shard := s.shardOf(key)

	w.lk.lockShard(s, shard)

	if n := s.lookup(shard, key); n != 0 {
		e := s.nodeElem(n)

		if s.setFlag(e, flagDeleted) {
			remaining := max(s.expiringAt(e)-now, 0)
			s.setExpiringAt(e, now+min(remaining, w.c.hdr.maxPostDeletion()))

			found = true
		}
	}

	w.lk.unlockShard(s, shard)

	if found {
		w.c.hdr.count(cDeletes)
	}

	return found
}

// Stats returns the cache-wide counters.
func (w *Worker) Stats() Stats {
	return w.c.stats(w.mgr.Active())
}

// MemoryStats returns the memory usage of every slot.
func (w *Worker) MemoryStats() []SlotMemory {
	return w.c.memoryStats(w.mgr)
}
