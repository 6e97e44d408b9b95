package value

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/calvinalkan/instcache/pkg/arena"
)

// Arena node layout. Every node starts with an 8-byte header:
//
//	[kind u8][owner u8][reserved u16][count u32]
//
// followed by the payload:
//
//	null, bool, int, float  [bits u64]
//	string                  [count bytes]
//	array                   count × [keyOff u64][valOff u64]
const (
	nodeHeader = 8
	scalarNode = nodeHeader + 8
	pairSize   = 16

	maxCount = math.MaxUint32
)

// Owner is the ownership class of an arena node.
type Owner uint8

const (
	// OwnerCache marks a node exclusively owned by one cache element.
	OwnerCache Owner = 1

	// OwnerConstant marks a shared immutable node. Destroy leaves it alone.
	OwnerConstant Owner = 2
)

// Constants holds the offsets of the shared constant nodes of one arena.
// CopyInto links these instead of allocating fresh nodes.
type Constants struct {
	Null        uint64
	True        uint64
	False       uint64
	EmptyString uint64
	EmptyArray  uint64
}

// NewConstants allocates the constant nodes in a.
func NewConstants(a *arena.Arena) (Constants, error) {
	var (
		c   Constants
		err error
	)

	for _, slot := range []struct {
		dst  *uint64
		kind Kind
		bits uint64
		size uint64
	}{
		{&c.Null, KindNull, 0, scalarNode},
		{&c.True, KindBool, 1, scalarNode},
		{&c.False, KindBool, 0, scalarNode},
		{&c.EmptyString, KindString, 0, nodeHeader},
		{&c.EmptyArray, KindArray, 0, nodeHeader},
	} {
		off := a.Allocate(slot.size)
		if off == 0 {
			err = fmt.Errorf("constants: %w", ErrMemoryLimitExceeded)

			break
		}

		writeHeader(a.Mem(), off, slot.kind, OwnerConstant, 0)

		if slot.size == scalarNode {
			binary.NativeEndian.PutUint64(a.Mem()[off+nodeHeader:], slot.bits)
		}

		*slot.dst = off
	}

	return c, err
}

func writeHeader(mem []byte, off uint64, kind Kind, owner Owner, count uint32) {
	mem[off] = byte(kind)
	mem[off+1] = byte(owner)
	mem[off+2] = 0
	mem[off+3] = 0
	binary.NativeEndian.PutUint32(mem[off+4:], count)
}

type nodeInfo struct {
	kind  Kind
	owner Owner
	count uint64
}

func readHeader(mem []byte, off uint64) (nodeInfo, error) {
	if off == 0 || off%arena.Align != 0 || off+nodeHeader > uint64(len(mem)) {
		return nodeInfo{}, fmt.Errorf("%w: offset %d", ErrCorrupt, off)
	}

	info := nodeInfo{
		kind:  Kind(mem[off]),
		owner: Owner(mem[off+1]),
		count: uint64(binary.NativeEndian.Uint32(mem[off+4:])),
	}

	if info.kind < KindNull || info.kind > KindArray {
		return nodeInfo{}, fmt.Errorf("%w: kind %d at %d", ErrCorrupt, info.kind, off)
	}

	if info.owner != OwnerCache && info.owner != OwnerConstant {
		return nodeInfo{}, fmt.Errorf("%w: owner tag %d at %d", ErrCorrupt, info.owner, off)
	}

	if end := off + info.size(); end > uint64(len(mem)) {
		return nodeInfo{}, fmt.Errorf("%w: %s node at %d ends past region", ErrCorrupt, info.kind, off)
	}

	return info, nil
}

func (n nodeInfo) size() uint64 {
	switch n.kind {
	case KindString:
		return nodeHeader + n.count
	case KindArray:
		return nodeHeader + n.count*pairSize
	default:
		return scalarNode
	}
}

type span struct{ off, size uint64 }

type copier struct {
	a      *arena.Arena
	consts *Constants
	spans  []span
}

// CopyInto deep-copies v into a, tagging every node cache-owned, and returns
// the root offset. Scalars and empty containers equal to a constant link to
// consts when it is non-nil.
//
// On failure, every node allocated so far is released again and v is left
// untouched.
func CopyInto(a *arena.Arena, v Value, consts *Constants) (uint64, error) {
	cp := copier{a: a, consts: consts}

	off, err := cp.copy(v, 1)
	if err != nil {
		for i := len(cp.spans) - 1; i >= 0; i-- {
			a.Deallocate(cp.spans[i].off, cp.spans[i].size)
		}

		return 0, err
	}

	return off, nil
}

func (cp *copier) alloc(kind Kind, count, size uint64) (uint64, error) {
	off := cp.a.Allocate(size)
	if off == 0 {
		return 0, ErrMemoryLimitExceeded
	}

	cp.spans = append(cp.spans, span{off, size})
	writeHeader(cp.a.Mem(), off, kind, OwnerCache, uint32(count))

	return off, nil
}

func (cp *copier) scalar(kind Kind, bits uint64) (uint64, error) {
	off, err := cp.alloc(kind, 0, scalarNode)
	if err != nil {
		return 0, err
	}

	binary.NativeEndian.PutUint64(cp.a.Mem()[off+nodeHeader:], bits)

	return off, nil
}

func (cp *copier) copy(v Value, depth int) (uint64, error) {
	if depth > MaxDepth {
		return 0, ErrDepthLimitExceeded
	}

	c := cp.consts

	switch v := v.(type) {
	case nil, Null:
		if c != nil {
			return c.Null, nil
		}

		return cp.scalar(KindNull, 0)
	case Bool:
		if c != nil {
			if v {
				return c.True, nil
			}

			return c.False, nil
		}

		bits := uint64(0)
		if v {
			bits = 1
		}

		return cp.scalar(KindBool, bits)
	case Int:
		return cp.scalar(KindInt, uint64(v))
	case Float:
		return cp.scalar(KindFloat, math.Float64bits(float64(v)))
	case String:
		if len(v) == 0 && c != nil {
			return c.EmptyString, nil
		}

		if uint64(len(v)) > maxCount {
			return 0, ErrMemoryLimitExceeded
		}

		off, err := cp.alloc(KindString, uint64(len(v)), nodeHeader+uint64(len(v)))
		if err != nil {
			return 0, err
		}

		copy(cp.a.Mem()[off+nodeHeader:], v)

		return off, nil
	case *Array:
		return cp.array(v, depth)
	default:
		return 0, fmt.Errorf("value: unsupported type %T", v)
	}
}

func (cp *copier) array(arr *Array, depth int) (uint64, error) {
	n := uint64(len(arr.Pairs))
	if n == 0 && cp.consts != nil {
		return cp.consts.EmptyArray, nil
	}

	if n > maxCount {
		return 0, ErrMemoryLimitExceeded
	}

	for _, p := range arr.Pairs {
		if !validKey(p.Key) {
			return 0, fmt.Errorf("%w: %T", ErrInvalidKey, p.Key)
		}
	}

	off, err := cp.alloc(KindArray, n, nodeHeader+n*pairSize)
	if err != nil {
		return 0, err
	}

	for i, p := range arr.Pairs {
		keyOff, err := cp.copy(p.Key, depth+1)
		if err != nil {
			return 0, err
		}

		valOff, err := cp.copy(p.Val, depth+1)
		if err != nil {
			return 0, err
		}

		at := off + nodeHeader + uint64(i)*pairSize
		binary.NativeEndian.PutUint64(cp.a.Mem()[at:], keyOff)
		binary.NativeEndian.PutUint64(cp.a.Mem()[at+8:], valOff)
	}

	return off, nil
}

// Destroy releases the tree rooted at off. Constant nodes are skipped. An
// impossible node aborts with ErrCorrupt; the caller must treat that as
// fatal since the region can no longer be trusted.
func Destroy(a *arena.Arena, off uint64) error {
	return destroy(a, off, 1)
}

func destroy(a *arena.Arena, off uint64, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("%w: tree deeper than %d", ErrCorrupt, MaxDepth)
	}

	mem := a.Mem()

	info, err := readHeader(mem, off)
	if err != nil {
		return err
	}

	if info.owner == OwnerConstant {
		return nil
	}

	if info.kind == KindArray {
		for i := range info.count {
			at := off + nodeHeader + i*pairSize

			if err := destroy(a, binary.NativeEndian.Uint64(mem[at:]), depth+1); err != nil {
				return err
			}

			if err := destroy(a, binary.NativeEndian.Uint64(mem[at+8:]), depth+1); err != nil {
				return err
			}
		}
	}

	// Poison the header so a second destroy is caught as corruption.
	mem[off+1] = 0
	a.Deallocate(off, info.size())

	return nil
}

// Load decodes the tree rooted at off into a heap value.
func Load(a *arena.Arena, off uint64) (Value, error) {
	return load(a.Mem(), off, 1)
}

func load(mem []byte, off uint64, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: tree deeper than %d", ErrCorrupt, MaxDepth)
	}

	info, err := readHeader(mem, off)
	if err != nil {
		return nil, err
	}

	payload := mem[off+nodeHeader : off+info.size()]

	switch info.kind {
	case KindNull:
		return Null{}, nil
	case KindBool:
		return Bool(binary.NativeEndian.Uint64(payload) != 0), nil
	case KindInt:
		return Int(int64(binary.NativeEndian.Uint64(payload))), nil
	case KindFloat:
		return Float(math.Float64frombits(binary.NativeEndian.Uint64(payload))), nil
	case KindString:
		return String(payload), nil
	}

	arr := &Array{Pairs: make([]Pair, info.count)}

	for i := range info.count {
		at := i * pairSize

		key, err := load(mem, binary.NativeEndian.Uint64(payload[at:]), depth+1)
		if err != nil {
			return nil, err
		}

		if !validKey(key) {
			return nil, fmt.Errorf("%w: %s key at %d", ErrCorrupt, key.Kind(), off)
		}

		val, err := load(mem, binary.NativeEndian.Uint64(payload[at+8:]), depth+1)
		if err != nil {
			return nil, err
		}

		arr.Pairs[i] = Pair{Key: key, Val: val}
	}

	return arr, nil
}

// EstimateMemoryUsage returns the arena bytes a copy of v would take without
// constant sharing. Invalid input is estimated as far as it goes.
func EstimateMemoryUsage(v Value) uint64 {
	return estimate(v, 1)
}

func estimate(v Value, depth int) uint64 {
	if depth > MaxDepth {
		return 0
	}

	switch v := v.(type) {
	case String:
		return arena.RoundSize(nodeHeader + uint64(len(v)))
	case *Array:
		total := arena.RoundSize(nodeHeader + uint64(len(v.Pairs))*pairSize)
		for _, p := range v.Pairs {
			total += estimate(p.Key, depth+1) + estimate(p.Val, depth+1)
		}

		return total
	default:
		return scalarNode
	}
}
