package arena

import "sync/atomic"

// Free huge pieces form a treap keyed by (size, offset). Each free piece
// stores its own node in its first bytes:
//
//	[size u64][left u64][right u64]
//
// The priority is a hash of the offset, so it needs no storage and is the
// same in every process.

const (
	hugeSize  = 0
	hugeLeft  = 8
	hugeRight = 16
)

func (a *Arena) hugeField(off, field uint64) *uint64 {
	return a.word(off + field)
}

func hugePriority(off uint64) uint64 {
	// splitmix64 finalizer.
	off ^= off >> 30
	off *= 0xbf58476d1ce4e5b9
	off ^= off >> 27
	off *= 0x94d049bb133111eb
	off ^= off >> 31

	return off
}

func (a *Arena) hugeLess(x, y uint64) bool {
	sx, sy := *a.hugeField(x, hugeSize), *a.hugeField(y, hugeSize)
	if sx != sy {
		return sx < sy
	}

	return x < y
}

func (a *Arena) hugeInsert(off, size uint64) {
	*a.hugeField(off, hugeSize) = size
	*a.hugeField(off, hugeLeft) = 0
	*a.hugeField(off, hugeRight) = 0

	a.hdr.hugeRoot = a.hugeInsertAt(a.hdr.hugeRoot, off)
}

func (a *Arena) hugeInsertAt(root, off uint64) uint64 {
	if root == 0 {
		return off
	}

	if a.hugeLess(off, root) {
		left := a.hugeInsertAt(*a.hugeField(root, hugeLeft), off)
		*a.hugeField(root, hugeLeft) = left

		if hugePriority(left) > hugePriority(root) {
			return a.rotateRight(root)
		}

		return root
	}

	right := a.hugeInsertAt(*a.hugeField(root, hugeRight), off)
	*a.hugeField(root, hugeRight) = right

	if hugePriority(right) > hugePriority(root) {
		return a.rotateLeft(root)
	}

	return root
}

func (a *Arena) rotateRight(n uint64) uint64 {
	l := *a.hugeField(n, hugeLeft)
	*a.hugeField(n, hugeLeft) = *a.hugeField(l, hugeRight)
	*a.hugeField(l, hugeRight) = n

	return l
}

func (a *Arena) rotateLeft(n uint64) uint64 {
	r := *a.hugeField(n, hugeRight)
	*a.hugeField(n, hugeRight) = *a.hugeField(r, hugeLeft)
	*a.hugeField(r, hugeLeft) = n

	return r
}

func (a *Arena) hugeMerge(l, r uint64) uint64 {
	switch {
	case l == 0:
		return r
	case r == 0:
		return l
	}

	if hugePriority(l) > hugePriority(r) {
		*a.hugeField(l, hugeRight) = a.hugeMerge(*a.hugeField(l, hugeRight), r)

		return l
	}

	*a.hugeField(r, hugeLeft) = a.hugeMerge(l, *a.hugeField(r, hugeLeft))

	return r
}

func (a *Arena) hugeRemove(root, off uint64) uint64 {
	if root == 0 {
		return 0
	}

	if root == off {
		return a.hugeMerge(*a.hugeField(root, hugeLeft), *a.hugeField(root, hugeRight))
	}

	if a.hugeLess(off, root) {
		*a.hugeField(root, hugeLeft) = a.hugeRemove(*a.hugeField(root, hugeLeft), off)
	} else {
		*a.hugeField(root, hugeRight) = a.hugeRemove(*a.hugeField(root, hugeRight), off)
	}

	return root
}

// hugeLowerBound returns the smallest free piece of at least n bytes.
func (a *Arena) hugeLowerBound(n uint64) uint64 {
	best := uint64(0)

	for cur := a.hdr.hugeRoot; cur != 0; {
		if *a.hugeField(cur, hugeSize) >= n {
			best = cur
			cur = *a.hugeField(cur, hugeLeft)
		} else {
			cur = *a.hugeField(cur, hugeRight)
		}
	}

	return best
}

// takeHuge removes the best fitting huge piece for n bytes and returns its
// offset. The excess beyond n goes back to the free structures.
func (a *Arena) takeHuge(n uint64) uint64 {
	off := a.hugeLowerBound(n)
	if off == 0 {
		return 0
	}

	size := *a.hugeField(off, hugeSize)
	a.hdr.hugeRoot = a.hugeRemove(a.hdr.hugeRoot, off)
	atomic.AddUint64(&a.hdr.freeBytes, -size)

	if rest := size - n; rest > 0 {
		a.give(off+n, rest)
	}

	return off
}
