package arena_test

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/instcache/pkg/arena"
)

func newArena(t *testing.T, size int) *arena.Arena {
	t.Helper()

	a, err := arena.Init(make([]byte, size))
	require.NoError(t, err)

	return a
}

func Test_Init_Returns_ErrInvalidRegion_When_Region_Too_Small(t *testing.T) {
	t.Parallel()

	_, err := arena.Init(make([]byte, arena.MinRegionSize-1))
	require.ErrorIs(t, err, arena.ErrInvalidRegion)
}

func Test_Attach_Returns_ErrCorrupt_When_Region_Not_Initialized(t *testing.T) {
	t.Parallel()

	_, err := arena.Attach(make([]byte, arena.MinRegionSize))
	require.ErrorIs(t, err, arena.ErrCorrupt)
}

func Test_Attach_Sees_Allocations_Made_Through_Other_View(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 1<<16)

	a, err := arena.Init(mem)
	require.NoError(t, err)

	off := a.Allocate(100)
	require.NotZero(t, off)

	b, err := arena.Attach(mem)
	require.NoError(t, err)
	require.Equal(t, a.Stats(), b.Stats())

	b.Deallocate(off, 100)
	require.Zero(t, a.Stats().Used)
}

func Test_Allocate_Returns_Aligned_Disjoint_Pieces(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	type piece struct{ off, n uint64 }

	var pieces []piece

	for _, n := range []uint64{0, 1, 7, 8, 9, 100, 4095, 4096, 5000} {
		off := a.Allocate(n)
		require.NotZero(t, off, "size %d", n)
		require.Zero(t, off%arena.Align, "size %d", n)

		pieces = append(pieces, piece{off, arena.RoundSize(n)})
	}

	for i, p := range pieces {
		for j, q := range pieces {
			if i == j {
				continue
			}

			require.False(t, p.off < q.off+q.n && q.off < p.off+p.n, "pieces %d and %d overlap", i, j)
		}
	}

	require.NoError(t, a.Verify())
}

func Test_Deallocate_Returns_Tail_Piece_To_Bump_Region(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	first := a.Allocate(64)
	second := a.Allocate(64)

	a.Deallocate(second, 64)

	stats := a.Stats()
	require.Equal(t, uint64(64), stats.RealUsed)
	require.Zero(t, stats.FreeListBytes)

	require.Equal(t, second, a.Allocate(64), "tail piece must be carved again")

	a.Deallocate(first, 64)
	require.Equal(t, uint64(64), a.Stats().FreeListBytes)
	require.Equal(t, first, a.Allocate(64), "small piece must be reused from its class")
	require.NoError(t, a.Verify())
}

func Test_Allocate_Serves_Best_Fit_Huge_Piece_When_Freed(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<20)

	big := a.Allocate(3 * 8192)
	guard1 := a.Allocate(8)
	mid := a.Allocate(2 * 8192)
	guard2 := a.Allocate(8)

	require.NotZero(t, guard1)
	require.NotZero(t, guard2)

	a.Deallocate(big, 3*8192)
	a.Deallocate(mid, 2*8192)
	require.NoError(t, a.Verify())

	got := a.Allocate(2*8192 - 100)
	require.Equal(t, mid, got, "smallest piece that fits must win")

	split := a.Allocate(8192)
	require.Equal(t, big, split, "larger piece is split")
	// The 96 byte remainder of mid sits in a small class.
	require.Equal(t, uint64(2*8192+96), a.Stats().FreeListBytes)
	require.NoError(t, a.Verify())
}

func Test_Allocate_Splits_Huge_Piece_For_Small_Request_When_Bump_Exhausted(t *testing.T) {
	t.Parallel()

	a := newArena(t, arena.MinRegionSize+8192)

	huge := a.Allocate(8192)
	require.NotZero(t, huge)

	rest := a.Allocate(a.Available())
	require.NotZero(t, rest)
	require.Zero(t, a.Available())

	a.Deallocate(huge, 8192)

	off := a.Allocate(16)
	require.Equal(t, huge, off)
	require.NoError(t, a.Verify())
}

func Test_Allocate_Returns_Zero_And_Calls_OOM_Handler_When_Exhausted(t *testing.T) {
	t.Parallel()

	a := newArena(t, arena.MinRegionSize)

	var events []arena.OOMEvent

	a.SetOOMHandler(func(ev arena.OOMEvent) { events = append(events, ev) })

	require.NotZero(t, a.Allocate(a.Available()))

	require.Zero(t, a.Allocate(8))
	require.Zero(t, a.Allocate(16))

	require.Len(t, events, 2)
	require.Equal(t, uint64(16), events[1].Requested)
	require.Equal(t, uint64(2), events[1].Streak)
	require.Equal(t, uint64(2), a.Stats().FailedAllocations)
}

func Test_Allocate0_Zeroes_Reused_Piece(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	off := a.Allocate(32)
	guard := a.Allocate(8)
	require.NotZero(t, guard)

	copy(a.Bytes(off, 32), "dirtydirtydirtydirtydirtydirty!!")
	a.Deallocate(off, 32)

	got := a.Allocate0(32)
	require.Equal(t, off, got)
	require.Equal(t, make([]byte, 32), a.Bytes(got, 32))
}

func Test_Reallocate_Keeps_Contents_When_Growing(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	off := a.Allocate(16)
	copy(a.Bytes(off, 16), "0123456789abcdef")

	grown := a.Reallocate(off, 64, 16)
	require.Equal(t, off, grown, "tail piece grows in place")

	blocker := a.Allocate(8)
	require.NotZero(t, blocker)

	moved := a.Reallocate(grown, 8192, 64)
	require.NotEqual(t, grown, moved)
	require.Equal(t, []byte("0123456789abcdef"), a.Bytes(moved, 16))

	shrunk := a.Reallocate(moved, 16, 8192)
	require.Equal(t, moved, shrunk)
	require.NoError(t, a.Verify())
}

func Test_Stats_Tracks_Peaks_When_Freed(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	x := a.Allocate(1000)
	y := a.Allocate(1000)

	a.Deallocate(y, 1000)
	a.Deallocate(x, 1000)

	stats := a.Stats()
	require.Zero(t, stats.Used)
	require.Zero(t, stats.RealUsed, "everything coalesces back onto the bump region")
	require.Equal(t, uint64(2000), stats.MaxUsed)
	require.Equal(t, uint64(2000), stats.MaxRealUsed)
	require.Equal(t, uint64(2), stats.Allocations)
	require.Equal(t, uint64(2), stats.Deallocations)
}

func Test_Reset_Drops_All_Allocations(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	for range 10 {
		require.NotZero(t, a.Allocate(100))
	}

	a.Reset()

	require.Equal(t, arena.MemoryStats{Limit: a.Stats().Limit}, a.Stats())
	require.NoError(t, a.Verify())
}

func Test_Deallocate_Panics_When_Offset_Outside_Data(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	require.Panics(t, func() { a.Deallocate(8, 8) })
}

func Test_Arena_Stays_Consistent_Under_Random_Workload(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<20)
	rng := rand.New(rand.NewPCG(1, 2))

	type piece struct {
		off, n uint64
		fill   byte
	}

	var live []piece

	for i := range 20000 {
		if len(live) > 0 && rng.IntN(3) == 0 {
			idx := rng.IntN(len(live))
			p := live[idx]

			require.True(t, bytes.Equal(bytes.Repeat([]byte{p.fill}, int(p.n)), a.Bytes(p.off, p.n)),
				"piece at %d clobbered", p.off)

			a.Deallocate(p.off, p.n)
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]

			continue
		}

		n := uint64(1 + rng.IntN(300))
		if rng.IntN(10) == 0 {
			n = uint64(4096 + rng.IntN(20000))
		}

		off := a.Allocate(n)
		if off == 0 {
			continue
		}

		fill := byte(i)
		copy(a.Bytes(off, n), bytes.Repeat([]byte{fill}, int(n)))

		live = append(live, piece{off, n, fill})

		if i%1000 == 0 {
			require.NoError(t, a.Verify())
		}
	}

	for _, p := range live {
		a.Deallocate(p.off, p.n)
	}

	require.NoError(t, a.Verify())
	require.Zero(t, a.Stats().Used)
}
