package ipcmutex

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// Process-wide critical section bookkeeping. Every held Mutex counts once.
var critical struct {
	depth atomic.Int64

	mu       sync.Mutex
	deferred []func()
}

// EnterCritical marks the start of a section during which asynchronous work
// registered with [Defer] must not run. Sections nest.
func EnterCritical() {
	critical.depth.Add(1)
}

// LeaveCritical ends a section started with [EnterCritical]. Leaving the
// outermost section runs everything deferred meanwhile.
func LeaveCritical() {
	depth := critical.depth.Add(-1)
	if depth < 0 {
		panic("ipcmutex: LeaveCritical without EnterCritical")
	}

	if depth == 0 {
		runDeferred()
	}
}

// InCritical reports whether any critical section is open in this process.
func InCritical() bool {
	return critical.depth.Load() > 0
}

// Defer runs fn now if no critical section is open, otherwise when the last
// one closes.
func Defer(fn func()) {
	critical.mu.Lock()

	if critical.depth.Load() > 0 {
		critical.deferred = append(critical.deferred, fn)
		critical.mu.Unlock()

		return
	}

	critical.mu.Unlock()
	fn()
}

func runDeferred() {
	critical.mu.Lock()
	pending := critical.deferred
	critical.deferred = nil
	critical.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// NotifyDeferred relays the given signals like [signal.Notify], except that
// a signal arriving while a critical section is open is delivered only once
// the section closes. Call stop to unsubscribe.
func NotifyDeferred(sigs ...os.Signal) (<-chan os.Signal, func()) {
	raw := make(chan os.Signal, 4)
	out := make(chan os.Signal, 4)
	done := make(chan struct{})

	signal.Notify(raw, sigs...)

	go func() {
		for {
			select {
			case sig := <-raw:
				Defer(func() {
					select {
					case out <- sig:
					default:
					}
				})
			case <-done:
				return
			}
		}
	}()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			signal.Stop(raw)
			close(done)
		})
	}

	return out, stop
}
