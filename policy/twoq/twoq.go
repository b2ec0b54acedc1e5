// Package twoq implements a weighted 2Q eviction policy.
package twoq

import (
	"container/list"

	"github.com/IvanBrykalov/boundcache/policy"
)

const (
	queueIn uint8 = iota + 1
	queueMain
)

// twoQ implements the 2Q eviction policy over intrusive deques.
//
// Resident queues:
//   - A1in (young): first-time admissions, FIFO by weight budget capIn.
//   - Am (main): nodes re-referenced while in A1in, or re-admitted from ghosts.
//
// Ghost A1out: keys only, recently evicted from A1in. A ghost hit on admission
// skips A1in and lands directly in Am.
type twoQ[K comparable] struct {
	in, main *policy.Deque[K]

	maximum      int64
	weightedSize int64
	inWeight     int64

	capIn    int64 // A1in weight budget
	capGhost int   // ghost key count
	cfg      twoQPolicy[K]

	// A1out (ghosts): MRU at Front() -> LRU at Back()
	ghostList *list.List
	ghostIdx  map[K]*list.Element
}

type twoQPolicy[K comparable] struct {
	capIn    int64
	capGhost int
}

// New constructs a 2Q policy factory.
// capIn is the A1in weight budget and capGhost the ghost key count; values
// <= 0 pick 25% and 50% of the evictor's maximum.
func New[K comparable](capIn int64, capGhost int) policy.Policy[K] {
	return twoQPolicy[K]{capIn: capIn, capGhost: capGhost}
}

func (p twoQPolicy[K]) New(maximum int64) policy.Evictor[K] {
	q := &twoQ[K]{
		in:        policy.NewDeque[K](queueIn),
		main:      policy.NewDeque[K](queueMain),
		cfg:       p,
		ghostList: list.New(),
		ghostIdx:  make(map[K]*list.Element),
	}
	q.SetMaximum(maximum)
	return q
}

// OnAdd admission rules:
//   - a ghost hit bypasses A1in and goes straight to Am, dropping the ghost;
//   - otherwise the node enters A1in.
func (q *twoQ[K]) OnAdd(n policy.Node[K], evict func(policy.Node[K])) {
	k := n.Key()
	w := n.PolicyWeight()
	q.weightedSize += w
	if ge, ok := q.ghostIdx[k]; ok {
		q.ghostList.Remove(ge)
		delete(q.ghostIdx, k)
		q.main.PushBack(n)
	} else {
		q.in.PushBack(n)
		q.inWeight += w
	}
	if w > q.maximum {
		q.unlink(n)
		evict(n)
	}
}

// OnAccess promotes an A1in node to Am; an Am node moves to its hot end.
func (q *twoQ[K]) OnAccess(n policy.Node[K]) {
	switch {
	case q.in.Contains(n):
		q.in.Remove(n)
		q.inWeight -= n.PolicyWeight()
		q.main.PushBack(n)
	case q.main.Contains(n):
		q.main.MoveToBack(n)
	}
}

// OnUpdate adjusts weights and treats the write as a reference.
func (q *twoQ[K]) OnUpdate(n policy.Node[K], oldWeight int64, evict func(policy.Node[K])) {
	delta := n.PolicyWeight() - oldWeight
	switch {
	case q.in.Contains(n):
		q.inWeight += delta
	case q.main.Contains(n):
	default:
		return
	}
	q.weightedSize += delta
	q.OnAccess(n)
	if n.PolicyWeight() > q.maximum {
		q.unlink(n)
		evict(n)
	}
}

// OnRemove unlinks the node. Removals from A1in leave a ghost behind;
// removals from Am do not.
func (q *twoQ[K]) OnRemove(n policy.Node[K]) {
	fromIn := q.in.Contains(n)
	if !fromIn && !q.main.Contains(n) {
		return
	}
	q.unlink(n)
	if fromIn {
		q.remember(n.Key())
	}
}

// Evict trims A1in while it is over its budget, otherwise Am, until the
// total weight fits.
func (q *twoQ[K]) Evict(evict func(policy.Node[K])) {
	for q.weightedSize > q.maximum {
		victim := q.victim()
		if victim == nil {
			return
		}
		fromIn := q.in.Contains(victim)
		q.unlink(victim)
		if fromIn {
			q.remember(victim.Key())
		}
		evict(victim)
	}
}

// victim picks the coldest weighted node, preferring A1in when it is over
// budget or Am is empty.
func (q *twoQ[K]) victim() policy.Node[K] {
	first := q.main
	second := q.in
	if q.inWeight > q.capIn || q.main.Len() == 0 {
		first, second = q.in, q.main
	}
	if n := firstWeighted(first); n != nil {
		return n
	}
	return firstWeighted(second)
}

func firstWeighted[K comparable](d *policy.Deque[K]) policy.Node[K] {
	var found policy.Node[K]
	d.Walk(func(n policy.Node[K]) bool {
		if n.PolicyWeight() > 0 {
			found = n
			return false
		}
		return true
	})
	return found
}

func (q *twoQ[K]) unlink(n policy.Node[K]) {
	w := n.PolicyWeight()
	if q.in.Contains(n) {
		q.in.Remove(n)
		q.inWeight -= w
	} else {
		q.main.Remove(n)
	}
	q.weightedSize -= w
}

// remember inserts k as the most recent ghost, dropping the oldest ghosts
// past capGhost.
func (q *twoQ[K]) remember(k K) {
	if old := q.ghostIdx[k]; old != nil {
		q.ghostList.Remove(old)
	}
	q.ghostIdx[k] = q.ghostList.PushFront(k)
	for q.ghostList.Len() > q.capGhost {
		tail := q.ghostList.Back()
		delete(q.ghostIdx, tail.Value.(K))
		q.ghostList.Remove(tail)
	}
}

// SetMaximum resizes the bound and re-derives default budgets.
func (q *twoQ[K]) SetMaximum(maximum int64) {
	q.maximum = maximum
	q.capIn, q.capGhost = q.cfg.capIn, q.cfg.capGhost
	if q.capIn <= 0 {
		q.capIn = max(1, maximum/4)
	}
	if q.capGhost <= 0 {
		q.capGhost = int(min(max(1, maximum/2), 1<<20))
	}
}

func (q *twoQ[K]) Maximum() int64      { return q.maximum }
func (q *twoQ[K]) WeightedSize() int64 { return q.weightedSize }

// Coldest walks A1in first, then Am.
func (q *twoQ[K]) Coldest(yield func(policy.Node[K]) bool) {
	if q.in.Walk(yield) {
		q.main.Walk(yield)
	}
}
