package policy

// Links are the intrusive pointers a Deque threads through its nodes.
// queue records which deque currently holds the node (0 = none).
type Links[K comparable] struct {
	prev, next Node[K]
	queue      uint8
}

// Queue returns the id of the deque holding the node, or 0.
func (l *Links[K]) Queue() uint8 { return l.queue }

// Deque is an intrusive doubly linked list: front is the coldest node,
// back the most recently used. All operations are O(1).
type Deque[K comparable] struct {
	head, tail Node[K]
	len        int
	id         uint8
}

// NewDeque returns an empty deque tagging its nodes with id (must be > 0).
func NewDeque[K comparable](id uint8) *Deque[K] {
	if id == 0 {
		panic("policy: deque id must be > 0")
	}
	return &Deque[K]{id: id}
}

// Len returns the number of linked nodes.
func (d *Deque[K]) Len() int { return d.len }

// Front returns the coldest node or nil.
func (d *Deque[K]) Front() Node[K] { return d.head }

// Back returns the hottest node or nil.
func (d *Deque[K]) Back() Node[K] { return d.tail }

// Contains reports whether n is linked into d.
func (d *Deque[K]) Contains(n Node[K]) bool { return n.Links().queue == d.id }

// Next returns the node after n (towards the back), or nil.
func Next[K comparable](n Node[K]) Node[K] { return n.Links().next }

// Prev returns the node before n (towards the front), or nil.
func Prev[K comparable](n Node[K]) Node[K] { return n.Links().prev }

// PushBack links n as the hottest node.
func (d *Deque[K]) PushBack(n Node[K]) {
	l := n.Links()
	l.prev, l.next, l.queue = d.tail, nil, d.id
	if d.tail != nil {
		d.tail.Links().next = n
	} else {
		d.head = n
	}
	d.tail = n
	d.len++
}

// PushFront links n as the coldest node.
func (d *Deque[K]) PushFront(n Node[K]) {
	l := n.Links()
	l.prev, l.next, l.queue = nil, d.head, d.id
	if d.head != nil {
		d.head.Links().prev = n
	} else {
		d.tail = n
	}
	d.head = n
	d.len++
}

// Remove unlinks n. It is a no-op if n is not in d.
func (d *Deque[K]) Remove(n Node[K]) {
	l := n.Links()
	if l.queue != d.id {
		return
	}
	if l.prev != nil {
		l.prev.Links().next = l.next
	} else {
		d.head = l.next
	}
	if l.next != nil {
		l.next.Links().prev = l.prev
	} else {
		d.tail = l.prev
	}
	l.prev, l.next, l.queue = nil, nil, 0
	d.len--
}

// MoveToBack marks n as the most recently used node.
func (d *Deque[K]) MoveToBack(n Node[K]) {
	if d.tail == n || !d.Contains(n) {
		return
	}
	d.Remove(n)
	d.PushBack(n)
}

// Walk visits nodes from front to back until yield returns false.
// It reports whether the walk ran to completion.
func (d *Deque[K]) Walk(yield func(Node[K]) bool) bool {
	for n := d.head; n != nil; {
		next := n.Links().next
		if !yield(n) {
			return false
		}
		n = next
	}
	return true
}
