// Package index provides the common interface and types for vector search
// indexes.
package index

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrInvalidK is returned when a search requests a non-positive k.
	ErrInvalidK = errors.New("k must be positive")

	// ErrUnknownHandle is returned when an operation addresses a handle the
	// index has never seen.
	ErrUnknownHandle = errors.New("unknown handle")
)

// SearchResult is a single nearest-neighbor hit.
type SearchResult struct {
	// ID is the vector handle of the hit.
	ID uint64

	// Distance is the metric distance between the query and the hit.
	Distance float32
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// EF is the beam width for graph indexes. Values below k are raised to k.
	EF int

	// Filter, when set, restricts results to handles it accepts. Filtered
	// nodes are still traversed as routing waypoints.
	Filter func(id uint64) bool
}

// Stats describes the current shape of an index.
type Stats struct {
	Name           string
	Dimension      int
	TotalCount     uint64
	LiveCount      uint64
	Tombstones     uint64
	MaxLayer       int      // graph indexes
	LayerHistogram []uint64 // graph indexes: node count per layer
	ClusterSizes   []uint64 // clustered indexes: live members per cluster
}

// Index is a vector search index over handles allocated by the caller's
// vector store.
//
// Searches honor context deadlines by returning the best results found so
// far rather than an error.
type Index interface {
	io.WriterTo
	io.ReaderFrom

	// Name returns the index kind, e.g. "hnsw".
	Name() string

	// Dimension returns the pinned vector dimension, or 0 before the first
	// insert.
	Dimension() int

	// VectorCount returns the number of live (non-tombstoned) vectors.
	VectorCount() uint64

	// Insert adds a vector under a caller-chosen handle. Handles must be
	// unique across the life of the index until Compact remaps them.
	Insert(ctx context.Context, handle uint64, vec []float32) error

	// Update replaces the vector stored under an existing handle.
	Update(ctx context.Context, handle uint64, vec []float32) error

	// Delete tombstones a handle. The node stays traversable as a routing
	// waypoint until the next Compact.
	Delete(ctx context.Context, handle uint64) error

	// KNNSearch returns the k nearest live vectors, sorted by ascending
	// distance with ties broken by ascending handle.
	KNNSearch(ctx context.Context, query []float32, k int, opts SearchOptions) ([]SearchResult, error)

	// BruteSearch performs an exact scan, used for verification and tiny
	// collections.
	BruteSearch(ctx context.Context, query []float32, k int, filter func(id uint64) bool) ([]SearchResult, error)

	// Compact purges tombstoned nodes and repairs the structure around them.
	Compact(ctx context.Context) error

	// Stats reports the current index shape.
	Stats() Stats
}

// Less orders search results by ascending distance, ties broken by ascending
// handle so result ordering is deterministic.
func Less(a, b SearchResult) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}
