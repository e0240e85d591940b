// Package vectorstore defines the canonical vector storage interface.
//
// The indexes use a Store as their vector memory owner: they keep graph or
// cluster structure, the store keeps the raw float data and per-handle tags.
package vectorstore

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is returned when a handle does not address a stored vector.
	ErrOutOfBounds = errors.New("handle out of bounds")
)

// DimensionMismatchError is returned when a vector does not match the store
// dimension. The store is left unmodified.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// MemoryReserver accounts for large allocations before they happen. A denied
// reservation aborts the triggering operation without modifying the store.
type MemoryReserver interface {
	ReserveMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

// Store is the canonical storage for vectors and their tags.
//
// Implementations must treat the pinned dimension as authoritative. Returned
// vector slices may alias internal memory; callers must not modify them.
type Store interface {
	Dimension() int
	Put(handle uint64, vec []float32, tags map[string]string) error
	Get(handle uint64) ([]float32, bool)

	// GetAny returns the vector even when the handle is logically deleted.
	// Graph traversal keeps deleted vectors as routing waypoints until they
	// are purged.
	GetAny(handle uint64) ([]float32, bool)
	Tags(handle uint64) (map[string]string, bool)
	Delete(handle uint64) error
	Count() uint64
	LiveCount() uint64
}
