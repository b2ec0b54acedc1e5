package lru

import (
	"testing"

	"github.com/IvanBrykalov/boundcache/policy"
)

// --- test doubles ---

type testNode struct {
	k     string
	w     int64
	links policy.Links[string]
}

func (n *testNode) Key() string                  { return n.k }
func (n *testNode) Hash() uint64                 { return uint64(len(n.k)) }
func (n *testNode) PolicyWeight() int64          { return n.w }
func (n *testNode) Links() *policy.Links[string] { return &n.links }

type evictions struct{ keys []string }

func (e *evictions) evict(n policy.Node[string]) { e.keys = append(e.keys, n.Key()) }

func node(k string, w int64) *testNode { return &testNode{k: k, w: w} }

// --- tests ---

// Under the maximum nothing is evicted.
func TestLRU_OnAdd_NoEvictUnderMaximum(t *testing.T) {
	t.Parallel()

	var ev evictions
	p := New[string]().New(3)
	p.OnAdd(node("a", 1), ev.evict)
	p.OnAdd(node("b", 1), ev.evict)
	p.Evict(ev.evict)

	if len(ev.keys) != 0 {
		t.Fatalf("unexpected evictions: %v", ev.keys)
	}
	if p.WeightedSize() != 2 {
		t.Fatalf("weighted size want 2, got %d", p.WeightedSize())
	}
}

// Access promotes a node so the other one becomes the victim.
func TestLRU_OnAccess_PromotesAndEvictsColdest(t *testing.T) {
	t.Parallel()

	var ev evictions
	p := New[string]().New(2)
	a, b, c := node("a", 1), node("b", 1), node("c", 1)
	p.OnAdd(a, ev.evict)
	p.OnAdd(b, ev.evict)
	p.OnAccess(a)
	p.OnAdd(c, ev.evict)
	p.Evict(ev.evict)

	if len(ev.keys) != 1 || ev.keys[0] != "b" {
		t.Fatalf("want [b] evicted, got %v", ev.keys)
	}
	if a.links.Queue() == 0 || b.links.Queue() != 0 {
		t.Fatal("victim must be unlinked, survivor linked")
	}
}

// A node heavier than the maximum is rejected at admission.
func TestLRU_OnAdd_OverweightEvictedImmediately(t *testing.T) {
	t.Parallel()

	var ev evictions
	p := New[string]().New(5)
	p.OnAdd(node("big", 6), ev.evict)

	if len(ev.keys) != 1 || ev.keys[0] != "big" {
		t.Fatalf("want [big], got %v", ev.keys)
	}
	if p.WeightedSize() != 0 {
		t.Fatalf("weighted size want 0, got %d", p.WeightedSize())
	}
}

// Weight growth through OnUpdate is accounted and enforced by Evict.
func TestLRU_OnUpdate_WeightDelta(t *testing.T) {
	t.Parallel()

	var ev evictions
	p := New[string]().New(4)
	a, b := node("a", 2), node("b", 2)
	p.OnAdd(a, ev.evict)
	p.OnAdd(b, ev.evict)

	b.w = 3
	p.OnUpdate(b, 2, ev.evict)
	if p.WeightedSize() != 5 {
		t.Fatalf("weighted size want 5, got %d", p.WeightedSize())
	}
	p.Evict(ev.evict)
	if len(ev.keys) != 1 || ev.keys[0] != "a" {
		t.Fatalf("want [a], got %v", ev.keys)
	}
}

// Zero-weight nodes never count against the maximum and are never victims.
func TestLRU_ZeroWeightSkipped(t *testing.T) {
	t.Parallel()

	var ev evictions
	p := New[string]().New(1)
	p.OnAdd(node("z", 0), ev.evict)
	p.OnAdd(node("a", 1), ev.evict)
	p.OnAdd(node("b", 1), ev.evict)
	p.Evict(ev.evict)

	if len(ev.keys) != 1 || ev.keys[0] != "a" {
		t.Fatalf("want [a], got %v", ev.keys)
	}
}

// SetMaximum shrinks the bound; the next Evict honours it.
func TestLRU_SetMaximum(t *testing.T) {
	t.Parallel()

	var ev evictions
	p := New[string]().New(10)
	for _, k := range []string{"a", "b", "c"} {
		p.OnAdd(node(k, 1), ev.evict)
	}
	p.SetMaximum(1)
	p.Evict(ev.evict)

	if p.Maximum() != 1 || p.WeightedSize() != 1 {
		t.Fatalf("maximum=%d size=%d", p.Maximum(), p.WeightedSize())
	}
	if len(ev.keys) != 2 || ev.keys[0] != "a" || ev.keys[1] != "b" {
		t.Fatalf("want [a b], got %v", ev.keys)
	}
}

// OnRemove unlinks without reporting an eviction.
func TestLRU_OnRemove(t *testing.T) {
	t.Parallel()

	var ev evictions
	p := New[string]().New(10)
	a := node("a", 3)
	p.OnAdd(a, ev.evict)
	p.OnRemove(a)
	p.OnRemove(a) // idempotent

	if p.WeightedSize() != 0 || len(ev.keys) != 0 {
		t.Fatalf("size=%d evictions=%v", p.WeightedSize(), ev.keys)
	}
}
