package queue

// reorder is an index-keyed ring of completed-but-not-yet-releasable
// results. Capacity is fixed at the concurrency limit, which keeps memory
// bounded under backpressure; an unbounded map would defeat the admission
// control upstream.
type reorder[U any] struct {
	next     int // next sequence index to release
	slots    []indexed[U]
	occupied []bool
}

func newReorder[U any](size int) *reorder[U] {
	if size < 1 {
		size = 1
	}
	return &reorder[U]{
		slots:    make([]indexed[U], size),
		occupied: make([]bool, size),
	}
}

// insert stores r and returns the (possibly empty) run of results that are
// now releasable in sequence order.
func (b *reorder[U]) insert(r indexed[U]) []indexed[U] {
	size := len(b.slots)
	if r.seq < b.next || r.seq >= b.next+size {
		// The admission protocol guarantees in-window indices; anything else
		// is a scheduler bug, not recoverable data.
		panic("queue: reorder index out of window")
	}
	pos := r.seq % size
	b.slots[pos] = r
	b.occupied[pos] = true

	var ready []indexed[U]
	for b.occupied[b.next%size] {
		pos := b.next % size
		ready = append(ready, b.slots[pos])
		b.occupied[pos] = false
		b.slots[pos] = indexed[U]{}
		b.next++
	}
	return ready
}

// pending reports how many results are buffered awaiting release.
func (b *reorder[U]) pending() int {
	n := 0
	for _, occ := range b.occupied {
		if occ {
			n++
		}
	}
	return n
}
