//go:build linux

package ipcmutex

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PI futex operations. The private flag is deliberately absent: waiters
// live in other processes.
const (
	futexOpLockPI   = 6
	futexOpUnlockPI = 7
)

func threadID() uint32 {
	return uint32(unix.Gettid())
}

// lockPI parks in the kernel until the lock word can be taken. On success
// the kernel has stored the caller's tid (plus waiter bits) in the word.
func lockPI(addr *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpLockPI,
		0,
		0, // no timeout
		0,
		0,
	)

	switch errno {
	case 0:
		return nil
	case unix.ESRCH:
		return errOwnerDead
	case unix.EDEADLK:
		return errDeadlock
	case unix.EINTR, unix.EAGAIN:
		return errRetry
	default:
		return fmt.Errorf("futex lock_pi: %w", errno)
	}
}

func unlockPI(addr *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpUnlockPI,
		0, 0, 0, 0,
	)
	if errno != 0 {
		return fmt.Errorf("futex unlock_pi: %w", errno)
	}

	return nil
}

// threadAlive reports whether tid names a live thread. kill(2) on Linux
// resolves thread ids as well as process ids.
func threadAlive(tid uint32) bool {
	err := unix.Kill(int(tid), 0)

	return !errors.Is(err, unix.ESRCH)
}
