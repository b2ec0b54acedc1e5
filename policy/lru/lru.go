// Package lru implements a weighted least-recently-used eviction policy.
package lru

import "github.com/IvanBrykalov/boundcache/policy"

const queueLRU uint8 = 1

// lru keeps a single recency deque and evicts from its cold end until the
// aggregate weight fits the maximum. Zero-weight nodes are skipped.
type lru[K comparable] struct {
	q            *policy.Deque[K]
	maximum      int64
	weightedSize int64
}

type lruPolicy[K comparable] struct{}

// New returns a Policy factory that constructs LRU evictors.
func New[K comparable]() policy.Policy[K] { return lruPolicy[K]{} }

// New implements policy.Policy.
func (lruPolicy[K]) New(maximum int64) policy.Evictor[K] {
	return &lru[K]{q: policy.NewDeque[K](queueLRU), maximum: maximum}
}

// OnAdd links the node as most recently used. A node heavier than the whole
// cache is evicted straight away.
func (p *lru[K]) OnAdd(n policy.Node[K], evict func(policy.Node[K])) {
	p.q.PushBack(n)
	p.weightedSize += n.PolicyWeight()
	if n.PolicyWeight() > p.maximum {
		p.unlink(n)
		evict(n)
	}
}

// OnAccess promotes the node.
func (p *lru[K]) OnAccess(n policy.Node[K]) { p.q.MoveToBack(n) }

// OnUpdate adjusts the weight by the delta and promotes the node.
func (p *lru[K]) OnUpdate(n policy.Node[K], oldWeight int64, evict func(policy.Node[K])) {
	if !p.q.Contains(n) {
		return
	}
	p.weightedSize += n.PolicyWeight() - oldWeight
	p.q.MoveToBack(n)
	if n.PolicyWeight() > p.maximum {
		p.unlink(n)
		evict(n)
	}
}

// OnRemove unlinks the node.
func (p *lru[K]) OnRemove(n policy.Node[K]) {
	if p.q.Contains(n) {
		p.unlink(n)
	}
}

// Evict removes cold nodes until the weight fits.
func (p *lru[K]) Evict(evict func(policy.Node[K])) {
	n := p.q.Front()
	for p.weightedSize > p.maximum && n != nil {
		next := policy.Next(n)
		if n.PolicyWeight() > 0 {
			p.unlink(n)
			evict(n)
		}
		n = next
	}
}

func (p *lru[K]) unlink(n policy.Node[K]) {
	p.q.Remove(n)
	p.weightedSize -= n.PolicyWeight()
}

func (p *lru[K]) SetMaximum(maximum int64) { p.maximum = maximum }
func (p *lru[K]) Maximum() int64           { return p.maximum }
func (p *lru[K]) WeightedSize() int64      { return p.weightedSize }

// Coldest walks from the least recently used node.
func (p *lru[K]) Coldest(yield func(policy.Node[K]) bool) { p.q.Walk(yield) }
