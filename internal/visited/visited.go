// Package visited tracks nodes touched during a single graph traversal.
package visited

// Set is a bitset with a dirty list so that Reset is O(visited) instead of
// O(capacity). Not safe for concurrent use; pool one per search.
type Set struct {
	bits  []uint64
	dirty []uint64
}

// New creates a set sized for roughly capacity nodes. The set grows on demand.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint64, 0, 128),
	}
}

// Visit marks a handle as visited.
func (s *Set) Visit(id uint64) {
	word := int(id >> 6)
	mask := uint64(1) << (id & 63)
	if word >= len(s.bits) {
		s.grow(word + 1)
	}
	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.dirty = append(s.dirty, id)
	}
}

// Visited reports whether a handle has been visited in this session.
func (s *Set) Visited(id uint64) bool {
	word := int(id >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(id&63)) != 0
}

// Reset clears every bit set since the last reset.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(n int) {
	c := len(s.bits) * 2
	if c < n {
		c = n
	}
	next := make([]uint64, c)
	copy(next, s.bits)
	s.bits = next
}
