package arena

import (
	"fmt"
	"sync/atomic"
)

// Verify walks the free structures and checks them against the counters.
// It must not run concurrently with mutating calls.
func (a *Arena) Verify() error {
	bump := atomic.LoadUint64(&a.hdr.bump)
	if bump < dataStart || bump > a.hdr.size || bump%Align != 0 {
		return fmt.Errorf("bump %d outside [%d, %d]: %w", bump, dataStart, a.hdr.size, ErrCorrupt)
	}

	// Upper bound on the number of free pieces; exceeding it means a cycle.
	maxPieces := (bump - dataStart) / Align

	var free uint64

	for class := range smallClasses {
		n := uint64(class) * Align

		var seen uint64

		for off := a.hdr.small[class]; off != 0; off = *a.word(off) {
			if err := a.checkPiece(off, n, bump); err != nil {
				return fmt.Errorf("small class %d: %w", n, err)
			}

			seen++
			if seen > maxPieces {
				return fmt.Errorf("small class %d: cycle: %w", n, ErrCorrupt)
			}

			free += n
		}
	}

	hugeFree, err := a.verifyHuge(a.hdr.hugeRoot, 0, 0, bump, maxPieces)
	if err != nil {
		return err
	}

	free += hugeFree

	if got := atomic.LoadUint64(&a.hdr.freeBytes); got != free {
		return fmt.Errorf("free counter %d, free lists hold %d: %w", got, free, ErrCorrupt)
	}

	if used := atomic.LoadUint64(&a.hdr.used); used+free != bump-dataStart {
		return fmt.Errorf("used %d + free %d != carved %d: %w", used, free, bump-dataStart, ErrCorrupt)
	}

	return nil
}

func (a *Arena) checkPiece(off, n, bump uint64) error {
	if off < dataStart || off%Align != 0 || off+n > bump {
		return fmt.Errorf("piece [%d, %d) outside carved region: %w", off, off+n, ErrCorrupt)
	}

	return nil
}

// verifyHuge checks the subtree at off for ordering, heap priority and
// bounds, and returns the bytes it holds. lo and hi bound the keys; 0 means
// unbounded.
func (a *Arena) verifyHuge(off, lo, hi, bump, budget uint64) (uint64, error) {
	if off == 0 {
		return 0, nil
	}

	if budget == 0 {
		return 0, fmt.Errorf("huge map: cycle: %w", ErrCorrupt)
	}

	size := *a.hugeField(off, hugeSize)
	if size < SmallLimit {
		return 0, fmt.Errorf("huge piece %d of %d bytes: %w", off, size, ErrCorrupt)
	}

	if err := a.checkPiece(off, size, bump); err != nil {
		return 0, fmt.Errorf("huge map: %w", err)
	}

	if (lo != 0 && !a.hugeLess(lo, off)) || (hi != 0 && !a.hugeLess(off, hi)) {
		return 0, fmt.Errorf("huge piece %d out of order: %w", off, ErrCorrupt)
	}

	total := size

	for _, child := range []uint64{*a.hugeField(off, hugeLeft), *a.hugeField(off, hugeRight)} {
		if child != 0 && hugePriority(child) > hugePriority(off) {
			return 0, fmt.Errorf("huge piece %d breaks heap order: %w", child, ErrCorrupt)
		}
	}

	left, err := a.verifyHuge(*a.hugeField(off, hugeLeft), lo, off, bump, budget-1)
	if err != nil {
		return 0, err
	}

	right, err := a.verifyHuge(*a.hugeField(off, hugeRight), off, hi, bump, budget-1)
	if err != nil {
		return 0, err
	}

	return total + left + right, nil
}
