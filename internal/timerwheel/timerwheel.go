// Package timerwheel orders cache entries by expiration deadline.
//
// The wheel has five levels of buckets. Level i groups deadlines by
// now>>shift[i], so near deadlines land in fine 1.07s buckets and far ones
// in coarse buckets that cascade down as time advances. Scheduling,
// descheduling and rescheduling are O(1); Advance only visits the buckets
// whose ticks elapsed.
package timerwheel

import "math"

var (
	buckets = [...]int{64, 64, 32, 4, 1}
	// spans[i] is the time covered by one bucket of level i; the final
	// entry caps the wheel's horizon at ~6.5 days.
	spans = [...]int64{1 << 30, 1 << 36, 1 << 42, 1 << 47, 1 << 49, 1 << 49}
	shift = [...]uint{30, 36, 42, 47, 49}
)

// Never is the deadline of an entry that does not expire.
const Never = math.MaxInt64

// Node is an entry that can be placed on the wheel.
type Node interface {
	// ExpiresAt is the entry's current deadline in clock nanoseconds. It
	// may move later than the deadline the node was scheduled with.
	ExpiresAt() int64
	TimerLinks() *Links
}

// Links are the intrusive bucket pointers of a Node.
type Links struct {
	prev, next Node
	owner      *bucket
}

// Scheduled reports whether the node is on a wheel.
func (l *Links) Scheduled() bool { return l.owner != nil }

type bucket struct {
	head, tail Node
}

func (b *bucket) empty() bool { return b.head == nil }

func (b *bucket) push(n Node) {
	l := n.TimerLinks()
	l.prev, l.next, l.owner = b.tail, nil, b
	if b.tail != nil {
		b.tail.TimerLinks().next = n
	} else {
		b.head = n
	}
	b.tail = n
}

func (b *bucket) remove(n Node) {
	l := n.TimerLinks()
	if l.prev != nil {
		l.prev.TimerLinks().next = l.next
	} else {
		b.head = l.next
	}
	if l.next != nil {
		l.next.TimerLinks().prev = l.prev
	} else {
		b.tail = l.prev
	}
	l.prev, l.next, l.owner = nil, nil, nil
}

// detach empties the bucket and returns its former head.
func (b *bucket) detach() Node {
	head := b.head
	b.head, b.tail = nil, nil
	return head
}

// Wheel is a hierarchical timer wheel. It is not safe for concurrent use;
// the cache drives it under its eviction mutex.
type Wheel struct {
	wheel [len(buckets)][]bucket
	nanos int64
	size  int
}

// New returns an empty wheel whose clock starts at now.
func New(now int64) *Wheel {
	w := &Wheel{nanos: now}
	for i, n := range buckets {
		w.wheel[i] = make([]bucket, n)
	}
	return w
}

// Len returns the number of scheduled nodes.
func (w *Wheel) Len() int { return w.size }

// Now returns the time of the last Advance.
func (w *Wheel) Now() int64 { return w.nanos }

// Schedule places n by its current deadline, moving it if it is already
// scheduled. A node that never expires is left off the wheel.
func (w *Wheel) Schedule(n Node) {
	w.Deschedule(n)
	t := n.ExpiresAt()
	if t == Never {
		return
	}
	w.findBucket(t).push(n)
	w.size++
}

// Deschedule removes n from the wheel. It is a no-op for unscheduled nodes.
func (w *Wheel) Deschedule(n Node) {
	l := n.TimerLinks()
	if l.owner == nil {
		return
	}
	l.owner.remove(n)
	w.size--
}

// findBucket picks the level whose span fits the remaining duration. An
// overdue deadline is filed under the current tick so the next sweep sees it.
func (w *Wheel) findBucket(t int64) *bucket {
	t = max(t, w.nanos)
	duration := max(t-w.nanos, 1)
	last := len(w.wheel) - 1
	for i := 0; i < last; i++ {
		if duration < spans[i+1] {
			ticks := t >> shift[i]
			return &w.wheel[i][ticks&int64(buckets[i]-1)]
		}
	}
	return &w.wheel[last][0]
}

// Advance moves the clock to now and sweeps every bucket whose tick
// elapsed. A swept node whose deadline has passed is handed to expire; if
// expire returns false, or the deadline moved into the future, the node is
// rescheduled. expire may not schedule or deschedule other nodes.
func (w *Wheel) Advance(now int64, expire func(Node) bool) {
	previous := w.nanos
	if now <= previous {
		return
	}
	w.nanos = now
	for i := range shift {
		previousTicks := previous >> shift[i]
		currentTicks := now >> shift[i]
		delta := currentTicks - previousTicks
		if delta <= 0 {
			break
		}
		w.expire(i, previousTicks, delta, expire)
	}
}

func (w *Wheel) expire(level int, previousTicks, delta int64, expire func(Node) bool) {
	wheel := w.wheel[level]
	mask := int64(len(wheel) - 1)
	steps := min(delta+1, int64(len(wheel)))
	start := previousTicks & mask
	// Detach the whole range first so rescheduled nodes are not swept twice.
	heads := make([]Node, 0, steps)
	for i := start; i < start+steps; i++ {
		if n := wheel[i&mask].detach(); n != nil {
			heads = append(heads, n)
		}
	}
	for _, n := range heads {
		for n != nil {
			l := n.TimerLinks()
			next := l.next
			l.prev, l.next, l.owner = nil, nil, nil
			w.size--

			t := n.ExpiresAt()
			switch {
			case t == Never:
			case t > w.nanos || !expire(n):
				w.findBucket(n.ExpiresAt()).push(n)
				w.size++
			}
			n = next
		}
	}
}

// NextDelay returns the nanoseconds until the nearest non-empty bucket is
// swept, or Never when the wheel is empty. Coarse buckets cascade into finer
// ones when swept, so following NextDelay converges on a deadline within
// one fine tick.
func (w *Wheel) NextDelay() int64 {
	for i := range shift {
		wheel := w.wheel[i]
		mask := int64(len(wheel) - 1)
		spanMask := spans[i] - 1
		start := (w.nanos >> shift[i]) & mask
		for j := start; j < start+int64(len(wheel)); j++ {
			if wheel[j&mask].empty() {
				continue
			}
			offset := w.nanos & spanMask
			delay := ((j - start) << shift[i]) - offset
			if j == start {
				delay = spans[i] - offset
			}
			for k := i + 1; k < len(shift); k++ {
				delay = min(delay, w.peekAhead(k))
			}
			return delay
		}
	}
	return Never
}

// peekAhead returns the delay until the next bucket of level i if it holds
// nodes that will cascade.
func (w *Wheel) peekAhead(i int) int64 {
	wheel := w.wheel[i]
	mask := int64(len(wheel) - 1)
	spanMask := spans[i] - 1
	probe := ((w.nanos >> shift[i]) + 1) & mask
	if wheel[probe].empty() {
		return Never
	}
	return spans[i] - (w.nanos & spanMask)
}

// Walk visits scheduled nodes level by level, from the nearest bucket on,
// until yield returns false.
func (w *Wheel) Walk(yield func(Node) bool) {
	for i := range shift {
		wheel := w.wheel[i]
		mask := int64(len(wheel) - 1)
		start := (w.nanos >> shift[i]) & mask
		for j := start; j < start+int64(len(wheel)); j++ {
			for n := wheel[j&mask].head; n != nil; n = n.TimerLinks().next {
				if !yield(n) {
					return
				}
			}
		}
	}
}
