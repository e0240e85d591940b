package hnsw

import (
	"context"
	"runtime"
	"sync"
)

// Compact purges tombstoned nodes from the graph.
//
// Phase 1 repairs live nodes that lean too heavily on tombstoned neighbors
// by wiring in fresh live ones, keeping the tombstones as bridges. Phase 2
// prunes the tombstoned neighbors from live adjacency lists. Phase 3 moves
// the entry point off a tombstoned node if needed and removes the tombstoned
// nodes from the table.
func (g *Graph) Compact(ctx context.Context) error {
	upper := g.upper.Load()
	if g.tombstones.Cardinality() == 0 {
		return nil
	}

	numWorkers := runtime.GOMAXPROCS(0)

	runPhase := func(fn func(handle uint64)) {
		var wg sync.WaitGroup
		jobs := make(chan uint64, 1024)

		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for handle := range jobs {
					if ctx.Err() != nil {
						continue
					}
					fn(handle)
				}
			}()
		}

		for handle := uint64(0); handle < upper; handle++ {
			if ctx.Err() != nil {
				break
			}
			if g.getNode(handle) != nil {
				jobs <- handle
			}
		}
		close(jobs)
		wg.Wait()
	}

	// Phase 1: repair live nodes, preserving tombstones as bridges.
	runPhase(func(handle uint64) {
		if !g.tombstones.Contains(handle) {
			g.repairNode(ctx, handle)
		}
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	// Phase 2: prune tombstoned neighbors from live nodes.
	runPhase(func(handle uint64) {
		if !g.tombstones.Contains(handle) {
			g.pruneNodeConnections(handle)
		}
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	// Phase 3: relocate the entry point, then drop the tombstoned nodes.
	if g.tombstones.Contains(g.entryPoint.Load()) {
		g.electEntryPoint(upper)
	}

	removed := g.tombstones.ToArray()
	for _, handle := range removed {
		lock := g.shard(handle)
		lock.Lock()
		segments := g.segments.Load()
		if segments != nil {
			segmentIdx := int(handle >> nodeSegmentBits)
			if segmentIdx < len(*segments) && (*segments)[segmentIdx] != nil {
				(*segments)[segmentIdx][handle&nodeSegmentMask].Store(nil)
			}
		}
		lock.Unlock()

		g.tombstones.Remove(handle)
	}

	return ctx.Err()
}

// electEntryPoint promotes the live node with the highest layer.
func (g *Graph) electEntryPoint(upper uint64) {
	g.epMu.Lock()
	defer g.epMu.Unlock()

	bestHandle := uint64(0)
	bestLevel := int32(-1)

	for handle := uint64(0); handle < upper; handle++ {
		if g.tombstones.Contains(handle) {
			continue
		}
		n := g.getNode(handle)
		if n != nil && n.level > bestLevel {
			bestHandle = handle
			bestLevel = n.level
		}
	}

	if bestLevel < 0 {
		// Every node is tombstoned; the graph resets to empty.
		g.entryPoint.Store(0)
		g.maxLevel.Store(0)
		g.upper.Store(0)
		return
	}

	g.entryPoint.Store(bestHandle)
	g.maxLevel.Store(bestLevel)
}

// repairNode re-wires layers whose live degree fell below half the cap.
func (g *Graph) repairNode(ctx context.Context, handle uint64) {
	needsRepair, layersToRepair := g.checkRepairNeeded(handle)
	if !needsRepair {
		return
	}

	vec, ok := g.vectors.GetAny(handle)
	if !ok {
		return
	}

	n := g.getNode(handle)
	if n == nil {
		return
	}

	epID := g.entryPoint.Load()
	maxLevel := int(g.maxLevel.Load())
	currID := epID
	currDist := g.dist(vec, currID)

	for level := maxLevel; level > int(n.level); level-- {
		currID, currDist = g.greedyStep(vec, currID, currDist, level)
	}

	notSelf := func(x uint64) bool { return x != handle }

	for level := int(n.level); level >= 0; level-- {
		results := g.searchLayer(ctx, vec, currID, currDist, level, g.opts.EFConstruction, notSelf, false)

		if best, ok := results.Min(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		if !layersToRepair[level] {
			results.Reset()
			g.maxQueuePool.Put(results)
			continue
		}

		maxConns := g.maxConns
		if level == 0 {
			maxConns = g.maxConns0
		}

		fresh := g.selectNeighbors(results, maxConns)
		results.Reset()
		g.maxQueuePool.Put(results)

		lock := g.shard(handle)
		lock.Lock()

		// Keep existing tombstoned neighbors as bridges; phase 2 removes
		// them once everyone is repaired.
		var bridges []uint64
		for _, neighborID := range n.conns[level] {
			if g.tombstones.Contains(neighborID) {
				bridges = append(bridges, neighborID)
			}
		}

		merged := make([]uint64, 0, len(fresh)+len(bridges))
		merged = append(merged, fresh...)
		for _, b := range bridges {
			dup := false
			for _, f := range fresh {
				if f == b {
					dup = true
					break
				}
			}
			if !dup {
				merged = append(merged, b)
			}
		}

		g.setConnectionsLocked(n, level, merged)
		lock.Unlock()
	}
}

// checkRepairNeeded reports the layers where the live degree fell below half
// the connection cap.
func (g *Graph) checkRepairNeeded(handle uint64) (bool, map[int]bool) {
	lock := g.shard(handle)
	lock.RLock()
	defer lock.RUnlock()

	n := g.getNode(handle)
	if n == nil {
		return false, nil
	}

	needsRepair := false
	layersToRepair := make(map[int]bool)

	for l := 0; l <= int(n.level); l++ {
		conns := n.conns[l]
		if len(conns) == 0 {
			continue
		}

		liveCount := 0
		for _, neighborID := range conns {
			if !g.tombstones.Contains(neighborID) {
				liveCount++
			}
		}

		threshold := g.maxConns / 2
		if l == 0 {
			threshold = g.maxConns
		}

		if liveCount < threshold {
			needsRepair = true
			layersToRepair[l] = true
		}
	}

	return needsRepair, layersToRepair
}

// pruneNodeConnections drops tombstoned neighbors from a live node.
func (g *Graph) pruneNodeConnections(handle uint64) {
	lock := g.shard(handle)
	lock.Lock()
	defer lock.Unlock()

	n := g.getNode(handle)
	if n == nil {
		return
	}

	for l := 0; l <= int(n.level); l++ {
		conns := n.conns[l]

		hasTombstones := false
		for _, neighborID := range conns {
			if g.tombstones.Contains(neighborID) {
				hasTombstones = true
				break
			}
		}
		if !hasTombstones {
			continue
		}

		liveConns := make([]uint64, 0, len(conns))
		for _, neighborID := range conns {
			if !g.tombstones.Contains(neighborID) {
				liveConns = append(liveConns, neighborID)
			}
		}

		g.setConnectionsLocked(n, l, liveConns)
	}
}
