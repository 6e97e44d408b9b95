// Package dbuf manages N interchangeable instances ("slots") of a resource
// shared by many worker processes. Workers always acquire the active slot;
// the initial process prepares the next slot and switches to it once no
// worker holds it, then clears retired slots in the order they retired.
//
// The bookkeeping lives in a control block in shared memory:
//
//	[mutex u32][active u32][slots u32][workers u32]
//	[dirty head u32][dirty len u32][reserved u64]
//	[dirty ring: slots × u32]
//	[acquired table: slots × workers × u32 holder pid]
//
// Every read and write of the control block happens under its mutex.
package dbuf

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/instcache/pkg/ipcmutex"
	"github.com/calvinalkan/instcache/pkg/shm"
)

var (
	// ErrNotInitial is returned for initial-process operations on a worker
	// view.
	ErrNotInitial = errors.New("dbuf: not the initial process")

	// ErrInvalidLayout is returned when a control block does not match the
	// requested slot and worker counts.
	ErrInvalidLayout = errors.New("dbuf: invalid control block layout")

	// ErrWorkerRange is returned for a worker id outside the table.
	ErrWorkerRange = errors.New("dbuf: worker id out of range")
)

// Resource is one slot's content.
type Resource[A any] interface {
	// Reset makes the resource fresh and empty before it becomes active.
	Reset(args A) error
	// Clear destroys the content of a retired resource.
	Clear()
}

const (
	offMutex     = 0
	offActive    = 4
	offSlots     = 8
	offWorkers   = 12
	offDirtyHead = 16
	offDirtyLen  = 20
	fixedSize    = 32
)

// ControlSize returns the control block size for the given counts.
func ControlSize(slots, workers int) int {
	n := fixedSize + 4*slots + 4*slots*workers

	return (n + 7) &^ 7
}

// Handle is an acquired reference to one slot.
type Handle struct {
	slot int
}

// Slot returns the acquired slot index.
func (h Handle) Slot() int {
	return h.slot
}

// Holder is one entry of the acquired table.
type Holder struct {
	Worker int
	PID    uint32
}

// Manager is one process's view of a control block and the slots it
// governs. A Manager is not safe for concurrent use; each worker goroutine
// or process has its own.
type Manager[R Resource[A], A any] struct {
	ctl       []byte
	mu        ipcmutex.Mutex
	resources []R
	slots     int
	workers   int

	initial bool
	worker  int
	pid     uint32
	// Local acquire counts per slot; the table entry is set while > 0.
	held []int
}

// Init formats ctl, resets every resource with args and makes slot 0
// active. Only the initial process calls Init; the returned view may call
// every operation.
func Init[R Resource[A], A any](ctl []byte, resources []R, workers int, args A) (*Manager[R, A], error) {
	slots := len(resources)

	if slots < 2 || workers < 1 {
		return nil, fmt.Errorf("%d slots, %d workers: %w", slots, workers, ErrInvalidLayout)
	}

	if len(ctl) < ControlSize(slots, workers) {
		return nil, fmt.Errorf("control block of %d bytes, need %d: %w", len(ctl), ControlSize(slots, workers), ErrInvalidLayout)
	}

	clear(ctl[:ControlSize(slots, workers)])
	*shm.Uint32(ctl, offSlots) = uint32(slots)
	*shm.Uint32(ctl, offWorkers) = uint32(workers)

	for i, r := range resources {
		if err := r.Reset(args); err != nil {
			return nil, fmt.Errorf("reset slot %d: %w", i, err)
		}
	}

	m := newManager(ctl, resources, workers)
	m.initial = true
	m.worker = -1

	return m, nil
}

// Attach returns a worker view of a control block formatted by [Init].
// pid is recorded in the acquired table and must be non-zero.
func Attach[R Resource[A], A any](ctl []byte, resources []R, worker int, pid uint32) (*Manager[R, A], error) {
	if len(ctl) < fixedSize {
		return nil, fmt.Errorf("control block of %d bytes: %w", len(ctl), ErrInvalidLayout)
	}

	slots := int(*shm.Uint32(ctl, offSlots))
	workers := int(*shm.Uint32(ctl, offWorkers))

	if slots != len(resources) || len(ctl) < ControlSize(slots, workers) {
		return nil, fmt.Errorf("block has %d slots for %d workers, view has %d resources: %w",
			slots, workers, len(resources), ErrInvalidLayout)
	}

	if worker < 0 || worker >= workers {
		return nil, fmt.Errorf("worker %d of %d: %w", worker, workers, ErrWorkerRange)
	}

	if pid == 0 {
		return nil, fmt.Errorf("worker %d: pid must be non-zero: %w", worker, ErrInvalidLayout)
	}

	m := newManager(ctl, resources, workers)
	m.worker = worker
	m.pid = pid

	return m, nil
}

func newManager[R Resource[A], A any](ctl []byte, resources []R, workers int) *Manager[R, A] {
	return &Manager[R, A]{
		ctl:       ctl,
		mu:        ipcmutex.New(shm.Uint32(ctl, offMutex)),
		resources: resources,
		slots:     len(resources),
		workers:   workers,
		held:      make([]int, len(resources)),
	}
}

func (m *Manager[R, A]) word(off int) *uint32 {
	return shm.Uint32(m.ctl, uint64(off))
}

func (m *Manager[R, A]) holder(slot, worker int) *uint32 {
	return m.word(fixedSize + 4*m.slots + 4*(slot*m.workers+worker))
}

func (m *Manager[R, A]) ring(i int) *uint32 {
	return m.word(fixedSize + 4*(i%m.slots))
}

func (m *Manager[R, A]) active() int {
	return int(*m.word(offActive))
}

func (m *Manager[R, A]) next() int {
	return (m.active() + 1) % m.slots
}

// unusedLocked reports whether no worker holds slot. Caller holds mu.
func (m *Manager[R, A]) unusedLocked(slot int) bool {
	for w := range m.workers {
		if *m.holder(slot, w) != 0 {
			return false
		}
	}

	return true
}

// Slots returns the number of slots.
func (m *Manager[R, A]) Slots() int {
	return m.slots
}

// Resource returns the process-local view of slot i.
func (m *Manager[R, A]) Resource(i int) R {
	return m.resources[i]
}

// Active returns the active slot index.
func (m *Manager[R, A]) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active()
}

// AcquireCurrentResource records this worker as a holder of the active slot
// and returns it.
func (m *Manager[R, A]) AcquireCurrentResource() (Handle, R) {
	m.mu.Lock()

	slot := m.active()
	if m.worker >= 0 {
		*m.holder(slot, m.worker) = m.pid
	}

	m.mu.Unlock()

	m.held[slot]++

	return Handle{slot: slot}, m.resources[slot]
}

// ReleaseResource drops a reference taken with AcquireCurrentResource. The
// table entry is cleared with the last local reference to the slot.
func (m *Manager[R, A]) ReleaseResource(h Handle) {
	if m.held[h.slot] == 0 {
		panic(fmt.Sprintf("dbuf: release of slot %d without acquire", h.slot))
	}

	m.held[h.slot]--
	if m.held[h.slot] > 0 || m.worker < 0 {
		return
	}

	m.mu.Lock()
	*m.holder(h.slot, m.worker) = 0
	m.mu.Unlock()
}

// GetCurrentResource returns the active slot without bookkeeping.
func (m *Manager[R, A]) GetCurrentResource() (R, error) {
	if !m.initial {
		var zero R

		return zero, ErrNotInitial
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.resources[m.active()], nil
}

// IsNextResourceUnused reports whether no worker holds the slot after the
// active one.
func (m *Manager[R, A]) IsNextResourceUnused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.unusedLocked(m.next())
}

// TrySwitchToNextUnusedResource resets the next slot with args and makes it
// active if no worker holds it. The previously active slot is queued for
// [Manager.ClearDirtyUnusedResourcesInSequence]. It reports whether the
// switch happened.
func (m *Manager[R, A]) TrySwitchToNextUnusedResource(args A) (bool, error) {
	if !m.initial {
		return false, ErrNotInitial
	}

	m.mu.Lock()

	next := m.next()
	if !m.unusedLocked(next) {
		m.mu.Unlock()

		return false, nil
	}

	m.dropDirtyLocked(next)
	m.mu.Unlock()

	// Only the initial process moves the active index, and workers only
	// acquire the active slot, so next stays unheld while it resets.
	if err := m.resources[next].Reset(args); err != nil {
		return false, fmt.Errorf("reset slot %d: %w", next, err)
	}

	m.mu.Lock()
	prev := m.active()
	*m.word(offActive) = uint32(next)
	m.pushDirtyLocked(prev)
	m.mu.Unlock()

	return true, nil
}

func (m *Manager[R, A]) pushDirtyLocked(slot int) {
	head, n := int(*m.word(offDirtyHead)), int(*m.word(offDirtyLen))
	*m.ring(head + n) = uint32(slot)
	*m.word(offDirtyLen) = uint32(n + 1)
}

// dropDirtyLocked removes slot from the dirty ring, keeping the order of
// the rest.
func (m *Manager[R, A]) dropDirtyLocked(slot int) {
	head, n := int(*m.word(offDirtyHead)), int(*m.word(offDirtyLen))

	kept := 0

	for i := range n {
		s := *m.ring(head + i)
		if int(s) == slot {
			continue
		}

		*m.ring(head + kept) = s
		kept++
	}

	*m.word(offDirtyLen) = uint32(kept)
}

// Dirty returns the retired slots awaiting clearing, oldest first.
func (m *Manager[R, A]) Dirty() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, n := int(*m.word(offDirtyHead)), int(*m.word(offDirtyLen))

	out := make([]int, n)
	for i := range n {
		out[i] = int(*m.ring(head + i))
	}

	return out
}

// ClearDirtyUnusedResourcesInSequence clears retired slots oldest first and
// stops at the first one a worker still holds. It returns the number of
// slots cleared.
func (m *Manager[R, A]) ClearDirtyUnusedResourcesInSequence() (int, error) {
	if !m.initial {
		return 0, ErrNotInitial
	}

	cleared := 0

	for {
		m.mu.Lock()

		head, n := int(*m.word(offDirtyHead)), int(*m.word(offDirtyLen))
		if n == 0 {
			m.mu.Unlock()

			return cleared, nil
		}

		slot := int(*m.ring(head))
		if !m.unusedLocked(slot) {
			m.mu.Unlock()

			return cleared, nil
		}

		*m.word(offDirtyHead) = uint32((head + 1) % m.slots)
		*m.word(offDirtyLen) = uint32(n - 1)
		m.mu.Unlock()

		m.resources[slot].Clear()
		cleared++
	}
}

// ForceReleaseAllResources clears every table entry of this worker,
// whatever its local acquire counts.
func (m *Manager[R, A]) ForceReleaseAllResources() {
	clear(m.held)

	if m.worker < 0 {
		return
	}

	m.releaseWorker(m.worker)
}

// ForceReleaseWorker clears every table entry of another worker, typically
// one that died. Initial process only.
func (m *Manager[R, A]) ForceReleaseWorker(worker int) error {
	if !m.initial {
		return ErrNotInitial
	}

	if worker < 0 || worker >= m.workers {
		return fmt.Errorf("worker %d of %d: %w", worker, m.workers, ErrWorkerRange)
	}

	m.releaseWorker(worker)

	return nil
}

func (m *Manager[R, A]) releaseWorker(worker int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot := range m.slots {
		*m.holder(slot, worker) = 0
	}
}

// ReapDeadHolders clears table entries whose pid fails alive and returns
// how many it cleared. Initial process only.
func (m *Manager[R, A]) ReapDeadHolders(alive func(pid uint32) bool) (int, error) {
	if !m.initial {
		return 0, ErrNotInitial
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0

	for slot := range m.slots {
		for w := range m.workers {
			if pid := *m.holder(slot, w); pid != 0 && !alive(pid) {
				*m.holder(slot, w) = 0
				reaped++
			}
		}
	}

	return reaped, nil
}

// Holders returns the current holders of slot.
func (m *Manager[R, A]) Holders(slot int) []Holder {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Holder

	for w := range m.workers {
		if pid := *m.holder(slot, w); pid != 0 {
			out = append(out, Holder{Worker: w, PID: pid})
		}
	}

	return out
}
