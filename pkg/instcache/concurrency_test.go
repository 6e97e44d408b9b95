package instcache_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/instcache/pkg/instcache"
	"github.com/calvinalkan/instcache/pkg/shm"
	"github.com/calvinalkan/instcache/pkg/value"
)

const (
	envHelper  = "ICACHE_INSTCACHE_HELPER"
	envSegment = "ICACHE_INSTCACHE_SEGMENT"
)

func Test_Cache_Stays_Consistent_When_Workers_Race_Purge_And_Swap(t *testing.T) {
	t.Parallel()

	const (
		workers  = 4
		requests = 300
		keys     = 40
	)

	h := newHarness(t, func(o *instcache.Options) {
		o.PurgeDelay = time.Second
		o.MaxPostDeletionLifetime = time.Second
	})

	var (
		wg         sync.WaitGroup
		done       atomic.Bool
		violations atomic.Int64
	)

	for id := range workers {
		heldShard := false

		w := h.workerWith(instcache.WorkerConfig{
			ID: id,
			LockObserver: func(ev instcache.LockEvent) {
				if ev.Kind == instcache.LockShard {
					heldShard = ev.Acquired

					return
				}

				if ev.Acquired && heldShard {
					violations.Add(1)
				}
			},
		})

		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(uint64(id), 42))

			for range requests {
				w.Refresh()

				for range 6 {
					key := fmt.Appendf(nil, "key-%d", rng.IntN(keys))

					switch op := rng.IntN(10); {
					case op < 4:
						v := value.List(value.Int(id), value.String(strings.Repeat("v", rng.IntN(300))))
						w.Store(key, v, int64(rng.IntN(5)))
					case op < 8:
						got, ok := w.Fetch(key, rng.IntN(2) == 0)
						if !ok {
							continue
						}

						arr, isArr := got.(*value.Array)
						if !isArr || len(arr.Pairs) != 2 {
							t.Errorf("fetched corrupt value %s", value.Format(got))
						}
					case op < 9:
						w.Delete(key)
					default:
						w.UpdateTTL(key, int64(rng.IntN(5)))
					}
				}

				w.Free()
			}
		}()
	}

	masterDone := make(chan struct{})

	go func() {
		defer close(masterDone)

		for i := 0; !done.Load(); i++ {
			h.clk.Advance(300 * time.Millisecond)
			h.master.PurgeExpiredElements()

			if i%25 == 0 {
				instcache.RequireSwap(h.master)
			}

			if _, err := h.master.TrySwapMemory(); err != nil {
				t.Errorf("swap: %v", err)

				return
			}
		}
	}()

	wg.Wait()
	done.Store(true)
	<-masterDone

	_, err := h.master.ClearDirtySlots()
	require.NoError(t, err)

	require.Zero(t, violations.Load(), "allocator mutex acquired while holding a shard mutex")
	require.NoError(t, instcache.VerifySlots(h.master))

	for _, sm := range h.master.MemoryStats() {
		require.Zero(t, sm.Holders, "slot %d", sm.Slot)
	}

	st := h.master.Stats()
	require.NotZero(t, st.StoreSuccess)
	require.NotZero(t, st.Hits)
}

func Test_Worker_Sees_Stores_Of_Other_Process_When_Segment_Is_File_Backed(t *testing.T) {
	t.Parallel()

	if os.Getenv(envHelper) == "exchange" {
		runExchangeHelper(t)

		return
	}

	path := filepath.Join(t.TempDir(), "seg")
	seg, m := newFileSegment(t, path)

	w, err := instcache.Attach(seg.Bytes(), instcache.WorkerConfig{ID: 0})
	require.NoError(t, err)

	w.Refresh()
	require.Equal(t, instcache.StoreSuccess, w.Store([]byte("from-parent"), value.String("hello"), 60))
	w.Free()

	runHelper(t, "^Test_Worker_Sees_Stores_Of_Other_Process_When_Segment_Is_File_Backed$", "exchange", path)

	w.Refresh()
	defer w.Free()

	got, ok := w.Fetch([]byte("from-child"), false)
	require.True(t, ok)
	require.Equal(t, value.List(value.String("hi"), value.Int(2)), got)

	require.Equal(t, uint64(2), m.Stats().StoreSuccess)
}

func runExchangeHelper(t *testing.T) {
	t.Helper()

	seg, err := shm.Open(os.Getenv(envSegment))
	require.NoError(t, err)

	defer seg.Close()

	w, err := instcache.Attach(seg.Bytes(), instcache.WorkerConfig{ID: 1})
	require.NoError(t, err)

	w.Refresh()
	defer w.Free()

	got, ok := w.Fetch([]byte("from-parent"), false)
	require.True(t, ok, "child must see the parent's store")
	require.Equal(t, value.String("hello"), got)

	require.Equal(t, instcache.StoreSuccess, w.Store([]byte("from-child"), value.List(value.String("hi"), value.Int(2)), 60))
}

func Test_Master_ReapDeadWorkers_Releases_Slot_When_Holder_Process_Exited(t *testing.T) {
	t.Parallel()

	if os.Getenv(envHelper) == "hold" {
		seg, err := shm.Open(os.Getenv(envSegment))
		require.NoError(t, err)

		w, err := instcache.Attach(seg.Bytes(), instcache.WorkerConfig{ID: 1})
		require.NoError(t, err)

		// Exit while holding the slot, as a crashed worker would.
		w.Refresh()

		return
	}

	path := filepath.Join(t.TempDir(), "seg")
	_, m := newFileSegment(t, path)

	runHelper(t, "^Test_Master_ReapDeadWorkers_Releases_Slot_When_Holder_Process_Exited$", "hold", path)

	require.Equal(t, 1, m.MemoryStats()[0].Holders)

	instcache.RequireSwap(m)
	res, err := m.TrySwapMemory()
	require.NoError(t, err)
	require.Equal(t, instcache.SwapIsFinished, res)

	instcache.RequireSwap(m)
	res, err = m.TrySwapMemory()
	require.NoError(t, err)
	require.Equal(t, instcache.SwapIsForbidden, res, "dead holder still pins slot 0")

	reaped, err := m.ReapDeadWorkers()
	require.NoError(t, err)
	require.Equal(t, 1, reaped)
	require.Zero(t, m.MemoryStats()[0].Holders)

	res, err = m.TrySwapMemory()
	require.NoError(t, err)
	require.Equal(t, instcache.SwapIsFinished, res)
}

func newFileSegment(t *testing.T, path string) (*shm.Segment, *instcache.Master) {
	t.Helper()

	opts := instcache.Options{MemoryLimit: 256 << 10, Workers: 2, Shards: 17}

	size, err := instcache.SegmentSize(opts)
	require.NoError(t, err)

	seg, err := shm.Create(path, size)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = seg.Close()
		_ = seg.Remove()
	})

	m, err := instcache.Init(seg.Bytes(), opts)
	require.NoError(t, err)

	return seg, m
}

func runHelper(t *testing.T, run, role, path string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run="+run, "-test.v")
	cmd.Env = append(os.Environ(), envHelper+"="+role, envSegment+"="+path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatal("helper process timed out")
	}

	require.NoError(t, err, "helper process failed")
}
