// Package tombstone tracks logically deleted node handles.
//
// Deletion in the graph indexes is logical: a tombstoned node keeps its edges
// and stays traversable as a routing waypoint, but is excluded from result
// sets until the next purge cycle removes it for real.
package tombstone

import (
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Set is a concurrency-safe set of tombstoned handles backed by a roaring
// bitmap. Reads vastly outnumber writes (every search probes it), so it uses
// a RWMutex rather than copy-on-write.
type Set struct {
	mu   sync.RWMutex
	bits *roaring64.Bitmap
}

// NewSet creates an empty tombstone set.
func NewSet() *Set {
	return &Set{bits: roaring64.New()}
}

// Add tombstones a handle. Returns false if it was already tombstoned.
func (s *Set) Add(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits.CheckedAdd(id)
}

// Remove clears a tombstone (used when a purged handle slot is reused).
func (s *Set) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bits.Remove(id)
}

// Contains reports whether a handle is tombstoned.
func (s *Set) Contains(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bits.Contains(id)
}

// Cardinality returns the number of tombstoned handles.
func (s *Set) Cardinality() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bits.GetCardinality()
}

// ToArray returns the tombstoned handles in ascending order.
func (s *Set) ToArray() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bits.ToArray()
}

// Clear removes all tombstones.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bits.Clear()
}

// WriteTo serializes the set.
func (s *Set) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bits.WriteTo(w)
}

// ReadFrom replaces the set contents with serialized data.
func (s *Set) ReadFrom(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bits := roaring64.New()
	n, err := bits.ReadFrom(r)
	if err != nil {
		return n, err
	}
	s.bits = bits
	return n, nil
}
