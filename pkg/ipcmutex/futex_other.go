//go:build !linux

package ipcmutex

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Without PI futexes the owner is identified by pid, so only one lock holder
// per process is supported here. Waiters poll.

func threadID() uint32 {
	return uint32(os.Getpid())
}

func lockPI(*uint32) error {
	time.Sleep(50 * time.Microsecond)

	return errRetry
}

func unlockPI(addr *uint32) error {
	atomic.StoreUint32(addr, 0)

	return nil
}

func threadAlive(pid uint32) bool {
	err := unix.Kill(int(pid), 0)

	return !errors.Is(err, unix.ESRCH)
}
