package instcache

import (
	"github.com/calvinalkan/instcache/pkg/value"
)

// pendingStore is a delayed store held in process memory.
type pendingStore struct {
	key  string
	val  value.Value
	ttl  int64
	size uint64
}

// pendingBuffer keeps delayed stores in arrival order, one per key; a later
// store of the same key replaces the earlier one.
type pendingBuffer struct {
	budget uint64
	used   uint64
	order  []string
	byKey  map[string]*pendingStore
}

func newPendingBuffer(budget uint64) *pendingBuffer {
	return &pendingBuffer{budget: budget, byKey: make(map[string]*pendingStore)}
}

func (p *pendingBuffer) len() int {
	return len(p.byKey)
}

func (p *pendingBuffer) get(key string) (*pendingStore, bool) {
	ps, ok := p.byKey[key]

	return ps, ok
}

// add queues a detached copy of v. It returns false when the buffer would
// exceed its budget; the buffer is then unchanged.
func (p *pendingBuffer) add(key string, v value.Value, ttl int64) (bool, error) {
	size := value.EstimateMemoryUsage(v) + uint64(len(key))

	prev, replacing := p.byKey[key]

	used := p.used
	if replacing {
		used -= prev.size
	}

	if used+size > p.budget {
		return false, nil
	}

	detached, err := value.Clone(v)
	if err != nil {
		return false, err
	}

	p.used = used + size

	if replacing {
		prev.val, prev.ttl, prev.size = detached, ttl, size

		return true, nil
	}

	p.byKey[key] = &pendingStore{key: key, val: detached, ttl: ttl, size: size}
	p.order = append(p.order, key)

	return true, nil
}

func (p *pendingBuffer) remove(key string) {
	ps, ok := p.byKey[key]
	if !ok {
		return
	}

	p.used -= ps.size
	delete(p.byKey, key)

	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)

			break
		}
	}
}

// each calls fn for every queued store, oldest first, and drops the ones fn
// reports done.
func (p *pendingBuffer) each(fn func(ps *pendingStore) (done bool)) {
	kept := p.order[:0]

	for _, key := range p.order {
		ps := p.byKey[key]

		if fn(ps) {
			p.used -= ps.size
			delete(p.byKey, key)

			continue
		}

		kept = append(kept, key)
	}

	clear(p.order[len(kept):])
	p.order = kept
}
