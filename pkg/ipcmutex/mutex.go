// Package ipcmutex implements a mutex over a single shared 32-bit word that
// works across OS processes mapping the same memory.
//
// The word is 0 when unlocked and holds the owner's thread id otherwise. The
// fast path is a compare-and-swap; contended waiters park in the kernel with
// a priority-inheriting futex. A dead owner never deadlocks the others: the
// kernel reports ESRCH for an owner thread that no longer exists and the
// waiter clears the word and retries.
//
// Holding a Mutex pins the calling goroutine to its OS thread, so a lock must
// be released by the goroutine that took it. Holding any Mutex also counts
// as a critical section, see [EnterCritical].
package ipcmutex

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
)

var (
	// ErrNotOwner is the panic value when a thread unlocks a Mutex it does
	// not hold.
	ErrNotOwner = errors.New("ipcmutex: unlock by non-owner")

	// ErrRecursive is the panic value when the owner locks the same Mutex
	// again.
	ErrRecursive = errors.New("ipcmutex: recursive lock")
)

// Futex word bits set by the kernel for PI futexes. Bit 31 (waiters) is
// left to the kernel; it makes the unlock CAS fail and routes to unlockPI.
const (
	futexOwnerDied = 0x40000000
	tidMask        = 0x3fffffff
)

// spinsBeforePark is the number of failed CAS rounds between two kernel waits.
const spinsBeforePark = 64

var (
	errOwnerDead = errors.New("owner dead")
	errDeadlock  = errors.New("deadlock")
	errRetry     = errors.New("retry")
)

// Mutex is a view of a lock word in shared memory. The zero value is not
// usable; see [New]. Copies of a Mutex refer to the same lock.
type Mutex struct {
	word *uint32
}

// New returns a Mutex over word. word must be 4-byte aligned and shared by
// every participant; a zeroed word is an unlocked mutex.
func New(word *uint32) Mutex {
	return Mutex{word: word}
}

// Lock acquires the mutex, waiting in the kernel if needed.
func (m Mutex) Lock() {
	EnterCritical()
	runtime.LockOSThread()

	self := threadID()

	for attempt := 1; ; attempt++ {
		if atomic.CompareAndSwapUint32(m.word, 0, self) {
			return
		}

		if attempt%spinsBeforePark != 0 {
			runtime.Gosched()

			continue
		}

		err := lockPI(m.word)

		switch {
		case err == nil:
			return
		case errors.Is(err, errOwnerDead):
			m.clearDeadOwner()
		case errors.Is(err, errDeadlock):
			m.abandon()
			panic(fmt.Errorf("%w: thread %d", ErrRecursive, self))
		case errors.Is(err, errRetry):
		default:
			// Unexpected kernel error; keep spinning rather than fail the
			// caller, the CAS path still works.
			runtime.Gosched()
		}
	}
}

// TryLock acquires the mutex only if that needs no waiting. It tries twice:
// the second attempt follows clearing the word when its owner is dead.
func (m Mutex) TryLock() bool {
	EnterCritical()
	runtime.LockOSThread()

	self := threadID()

	for range 2 {
		if atomic.CompareAndSwapUint32(m.word, 0, self) {
			return true
		}

		if !m.clearDeadOwner() {
			break
		}
	}

	m.abandon()

	return false
}

// Unlock releases the mutex. Panics with [ErrNotOwner] if the calling thread
// is not the owner.
func (m Mutex) Unlock() {
	self := threadID()

	if !atomic.CompareAndSwapUint32(m.word, self, 0) {
		cur := atomic.LoadUint32(m.word)
		if cur&tidMask != self {
			panic(fmt.Errorf("%w: word %#x, thread %d", ErrNotOwner, cur, self))
		}

		// Waiter bit set: the kernel hands the lock to the top waiter.
		if err := unlockPI(m.word); err != nil {
			panic(fmt.Errorf("ipcmutex: futex unlock: %w", err))
		}
	}

	m.abandon()
}

// Owner returns the owner thread id, or 0 when unlocked.
func (m Mutex) Owner() uint32 {
	return atomic.LoadUint32(m.word) & tidMask
}

// abandon undoes the per-thread bookkeeping of Lock/TryLock.
func (m Mutex) abandon() {
	runtime.UnlockOSThread()
	LeaveCritical()
}

// clearDeadOwner resets the word if it is held by a thread that no longer
// exists. Returns true if the word was observed free or cleared.
func (m Mutex) clearDeadOwner() bool {
	cur := atomic.LoadUint32(m.word)
	if cur == 0 {
		return true
	}

	if cur&futexOwnerDied == 0 && threadAlive(cur&tidMask) {
		return false
	}

	return atomic.CompareAndSwapUint32(m.word, cur, 0)
}
