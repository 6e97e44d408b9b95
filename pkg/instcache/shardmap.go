package instcache

import (
	"bytes"
	"sync/atomic"
	"unsafe"
)

// Each shard is a treap of map nodes in the slot arena, ordered by key.
//
//	0x00 left   uint64
//	0x08 right  uint64
//	0x10 prio   uint64
//	0x18 elem   uint64
//	0x20 keyLen uint32
//	0x28 key    [keyLen]byte
//
// All map access happens under the shard mutex; changing the shape also
// needs the allocator mutex because nodes are allocated and freed.
const (
	nodeLeft   = 0x00
	nodeRight  = 0x08
	nodePrio   = 0x10
	nodeElem   = 0x18
	nodeKeyLen = 0x20
	nodeKey    = 0x28
)

func (s *slot) nw(n, field uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.arena.Mem()[n+field]))
}

func (s *slot) nodeKeyBytes(n uint64) []byte {
	mem := s.arena.Mem()
	size := uint64(*(*uint32)(unsafe.Pointer(&mem[n+nodeKeyLen])))

	return mem[n+nodeKey : n+nodeKey+size]
}

func nodeSize(key []byte) uint64 {
	return nodeKey + uint64(len(key))
}

func nodePriority(key []byte) uint64 {
	h := fnv1a64(key)

	// splitmix64 finalizer, decorrelates priority from the shard index.
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31

	return h
}

// lookup returns the map node for key, or 0.
func (s *slot) lookup(shard int, key []byte) uint64 {
	n := *s.shardRoot(shard)

	for n != 0 {
		switch c := bytes.Compare(key, s.nodeKeyBytes(n)); {
		case c == 0:
			return n
		case c < 0:
			n = *s.nw(n, nodeLeft)
		default:
			n = *s.nw(n, nodeRight)
		}
	}

	return 0
}

// insertNode adds a node mapping key to e. key must not be present. It
// returns false when the arena is full.
func (s *slot) insertNode(shard int, key []byte, e element) bool {
	n := s.arena.Allocate0(nodeSize(key))
	if n == 0 {
		return false
	}

	mem := s.arena.Mem()
	*s.nw(n, nodePrio) = nodePriority(key)
	*s.nw(n, nodeElem) = e
	*(*uint32)(unsafe.Pointer(&mem[n+nodeKeyLen])) = uint32(len(key))
	copy(mem[n+nodeKey:], key)

	root := s.shardRoot(shard)
	*root = s.insertAt(*root, n)
	atomic.StoreUint32(s.shardUsed(shard), 1)

	return true
}

func (s *slot) insertAt(root, n uint64) uint64 {
	if root == 0 {
		return n
	}

	if bytes.Compare(s.nodeKeyBytes(n), s.nodeKeyBytes(root)) < 0 {
		left := s.insertAt(*s.nw(root, nodeLeft), n)
		*s.nw(root, nodeLeft) = left

		if *s.nw(left, nodePrio) > *s.nw(root, nodePrio) {
			*s.nw(root, nodeLeft) = *s.nw(left, nodeRight)
			*s.nw(left, nodeRight) = root

			return left
		}

		return root
	}

	right := s.insertAt(*s.nw(root, nodeRight), n)
	*s.nw(root, nodeRight) = right

	if *s.nw(right, nodePrio) > *s.nw(root, nodePrio) {
		*s.nw(root, nodeRight) = *s.nw(right, nodeLeft)
		*s.nw(right, nodeLeft) = root

		return right
	}

	return root
}

// removeNode unlinks and frees node n of shard. The element it pointed to
// is returned; its map reference now belongs to the caller.
func (s *slot) removeNode(shard int, n uint64) element {
	key := s.nodeKeyBytes(n)
	e := *s.nw(n, nodeElem)

	root := s.shardRoot(shard)
	*root = s.removeAt(*root, key)

	s.arena.Deallocate(n, nodeSize(key))

	return e
}

func (s *slot) removeAt(root uint64, key []byte) uint64 {
	if root == 0 {
		return 0
	}

	switch c := bytes.Compare(key, s.nodeKeyBytes(root)); {
	case c < 0:
		*s.nw(root, nodeLeft) = s.removeAt(*s.nw(root, nodeLeft), key)
	case c > 0:
		*s.nw(root, nodeRight) = s.removeAt(*s.nw(root, nodeRight), key)
	default:
		return s.merge(*s.nw(root, nodeLeft), *s.nw(root, nodeRight))
	}

	return root
}

func (s *slot) merge(l, r uint64) uint64 {
	switch {
	case l == 0:
		return r
	case r == 0:
		return l
	}

	if *s.nw(l, nodePrio) > *s.nw(r, nodePrio) {
		*s.nw(l, nodeRight) = s.merge(*s.nw(l, nodeRight), r)

		return l
	}

	*s.nw(r, nodeLeft) = s.merge(l, *s.nw(r, nodeLeft))

	return r
}

// collect returns the nodes of shard, in key order, for which keep is true.
func (s *slot) collect(shard int, keep func(n uint64) bool) []uint64 {
	var out []uint64

	var walk func(n uint64)

	walk = func(n uint64) {
		if n == 0 {
			return
		}

		walk(*s.nw(n, nodeLeft))

		if keep(n) {
			out = append(out, n)
		}

		walk(*s.nw(n, nodeRight))
	}

	walk(*s.shardRoot(shard))

	return out
}

func (s *slot) nodeElem(n uint64) element {
	return *s.nw(n, nodeElem)
}

func (s *slot) setNodeElem(n uint64, e element) {
	*s.nw(n, nodeElem) = e
}
