// Package queue provides the candidate priority queues used by graph search.
package queue

// Item is a single search candidate: a node handle and its distance to the
// query. Items are stored by value to avoid pointer chasing in the hot loop.
type Item struct {
	Node     uint64
	Distance float32
}

// Queue is a binary heap over Items. It can operate as a min-heap (closest
// candidate on top, used for the exploration frontier) or a max-heap (worst
// result on top, used for the bounded result set).
//
// Ties in distance are broken by ascending node handle so that search results
// are deterministic for a fixed dataset.
type Queue struct {
	max   bool
	items []Item
}

// NewMin creates a min-heap with the given initial capacity.
func NewMin(capacity int) *Queue {
	return &Queue{max: false, items: make([]Item, 0, capacity)}
}

// NewMax creates a max-heap with the given initial capacity.
func NewMax(capacity int) *Queue {
	return &Queue{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Reset clears the queue for reuse.
func (q *Queue) Reset() { q.items = q.items[:0] }

// Top returns the root item without removing it.
func (q *Queue) Top() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (q *Queue) Push(it Item) {
	q.items = append(q.items, it)
	q.up(len(q.items) - 1)
}

// Pop removes and returns the root item.
func (q *Queue) Pop() (Item, bool) {
	n := len(q.items)
	if n == 0 {
		return Item{}, false
	}
	root := q.items[0]
	last := q.items[n-1]
	q.items[n-1] = Item{}
	q.items = q.items[:n-1]
	if n-1 > 0 {
		q.items[0] = last
		q.down(0)
	}
	return root, true
}

// Min returns the item with the smallest distance currently queued. For a
// min-heap this is the root; for a max-heap the backing slice is scanned.
func (q *Queue) Min() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	if !q.max {
		return q.items[0], true
	}
	best := q.items[0]
	for _, it := range q.items[1:] {
		if it.Distance < best.Distance || (it.Distance == best.Distance && it.Node < best.Node) {
			best = it
		}
	}
	return best, true
}

// Items exposes the backing slice (heap order, not sorted). The slice is
// valid until the next mutation.
func (q *Queue) Items() []Item { return q.items }

func (q *Queue) less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Distance != b.Distance {
		if q.max {
			return a.Distance > b.Distance
		}
		return a.Distance < b.Distance
	}
	// Equal distances: smaller handle wins for min-heaps, loses for max-heaps,
	// so the retained top-k and its pop order are stable.
	if q.max {
		return a.Node > b.Node
	}
	return a.Node < b.Node
}

func (q *Queue) up(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *Queue) down(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
