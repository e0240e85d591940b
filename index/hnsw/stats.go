package hnsw

import (
	"fmt"

	"github.com/spannix/spannix/index"
)

// Stats reports the current graph shape.
func (g *Graph) Stats() index.Stats {
	upper := g.upper.Load()
	maxLevel := int(g.maxLevel.Load())

	histogram := make([]uint64, maxLevel+1)
	var total uint64

	for handle := uint64(0); handle < upper; handle++ {
		n := g.getNode(handle)
		if n == nil {
			continue
		}
		total++
		if int(n.level) < len(histogram) {
			histogram[n.level]++
		}
	}

	return index.Stats{
		Name:           g.Name(),
		Dimension:      g.Dimension(),
		TotalCount:     total,
		LiveCount:      g.VectorCount(),
		Tombstones:     g.tombstones.Cardinality(),
		MaxLayer:       maxLevel,
		LayerHistogram: histogram,
	}
}

// String summarizes the graph for logs.
func (g *Graph) String() string {
	s := g.Stats()
	return fmt.Sprintf("HNSW(M=%d, EFSearch=%d, Count=%d, Tombstones=%d, MaxLayer=%d)",
		g.maxConns, g.opts.EFSearch, s.LiveCount, s.Tombstones, s.MaxLayer)
}
