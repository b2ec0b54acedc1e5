package policy

import "testing"

type testNode struct {
	k     int
	w     int64
	links Links[int]
}

func (n *testNode) Key() int            { return n.k }
func (n *testNode) Hash() uint64        { return uint64(n.k) }
func (n *testNode) PolicyWeight() int64 { return n.w }
func (n *testNode) Links() *Links[int]  { return &n.links }

func keys(d *Deque[int]) []int {
	var out []int
	d.Walk(func(n Node[int]) bool {
		out = append(out, n.Key())
		return true
	})
	return out
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeque_PushRemoveMove(t *testing.T) {
	t.Parallel()

	d := NewDeque[int](1)
	a, b, c := &testNode{k: 1}, &testNode{k: 2}, &testNode{k: 3}
	d.PushBack(a)
	d.PushBack(b)
	d.PushBack(c)
	if got := keys(d); !equal(got, []int{1, 2, 3}) {
		t.Fatalf("order = %v", got)
	}

	d.MoveToBack(a)
	if got := keys(d); !equal(got, []int{2, 3, 1}) {
		t.Fatalf("after MoveToBack(a) = %v", got)
	}

	d.Remove(c)
	if got := keys(d); !equal(got, []int{2, 1}) {
		t.Fatalf("after Remove(c) = %v", got)
	}
	if d.Contains(c) || c.links.Queue() != 0 {
		t.Fatal("removed node must be untagged")
	}
	if d.Len() != 2 || d.Front().Key() != 2 || d.Back().Key() != 1 {
		t.Fatalf("len=%d front=%v back=%v", d.Len(), d.Front(), d.Back())
	}
}

func TestDeque_ForeignNodeIsIgnored(t *testing.T) {
	t.Parallel()

	d1, d2 := NewDeque[int](1), NewDeque[int](2)
	a := &testNode{k: 1}
	d1.PushBack(a)

	d2.Remove(a)
	d2.MoveToBack(a)
	if !d1.Contains(a) || d1.Len() != 1 || d2.Len() != 0 {
		t.Fatal("operations on a foreign deque must not unlink the node")
	}
}

func TestDeque_WalkStops(t *testing.T) {
	t.Parallel()

	d := NewDeque[int](1)
	for i := 0; i < 5; i++ {
		d.PushBack(&testNode{k: i})
	}
	seen := 0
	complete := d.Walk(func(Node[int]) bool {
		seen++
		return seen < 2
	})
	if complete || seen != 2 {
		t.Fatalf("walk must stop early: complete=%v seen=%d", complete, seen)
	}
}

func TestDeque_PushFrontAndPrev(t *testing.T) {
	t.Parallel()

	d := NewDeque[int](1)
	a, b := &testNode{k: 1}, &testNode{k: 2}
	d.PushBack(a)
	d.PushFront(b)
	if got := keys(d); !equal(got, []int{2, 1}) {
		t.Fatalf("order = %v", got)
	}
	if Prev[int](a) != Node[int](b) || Prev[int](b) != nil || Next[int](b) != Node[int](a) {
		t.Fatal("links out of order")
	}
}
