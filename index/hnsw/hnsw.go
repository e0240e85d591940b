// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest neighbor search.
package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spannix/spannix/distance"
	"github.com/spannix/spannix/index"
	"github.com/spannix/spannix/internal/queue"
	"github.com/spannix/spannix/internal/tombstone"
	"github.com/spannix/spannix/internal/visited"
	"github.com/spannix/spannix/vectorstore"
)

const (
	// mmax0Multiplier scales the connection cap at layer 0.
	mmax0Multiplier = 2

	// minimumM is the smallest valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default beam width during insertion.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default beam width during search.
	DefaultEFSearch = 100

	// Node segments avoid copying the whole table on growth; only the
	// segment directory is copied.
	nodeSegmentBits = 13
	nodeSegmentSize = 1 << nodeSegmentBits
	nodeSegmentMask = nodeSegmentSize - 1

	// ctxCheckInterval is how many beam expansions happen between context
	// deadline checks.
	ctxCheckInterval = 64
)

var _ index.Index = (*Graph)(nil)

// node is a single graph node. The conns slices are replaced (never mutated
// in place) under the owning shard lock, so a reader holding a stale slice
// sees a consistent older view.
type node struct {
	level int32
	conns [][]uint64 // conns[layer] = neighbor handles
}

// nodeSegment is a fixed-size block of the node table.
type nodeSegment [nodeSegmentSize]atomic.Pointer[node]

// Options configures a Graph.
type Options struct {
	// Dimension pins the vector dimension up front. Zero means the first
	// insert pins it.
	Dimension int

	// M is the number of bidirectional links per node above layer 0.
	// Layer 0 allows 2*M.
	M int

	// EFConstruction is the beam width used while wiring inserts.
	EFConstruction int

	// EFSearch is the default beam width for searches. Per-call overrides
	// go through index.SearchOptions.
	EFSearch int

	// Heuristic enables diversity-aware neighbor selection instead of
	// keeping the plain top-M.
	Heuristic bool

	// Metric is the distance metric.
	Metric distance.Metric

	// NormalizeVectors L2-normalizes vectors on insert and queries on
	// search. Forced on for cosine.
	NormalizeVectors bool

	// Vectors is the backing vector store. A private Dense store is created
	// when nil.
	Vectors vectorstore.Store

	// RandomSeed pins the layer draw RNG for reproducible graphs. Nil seeds
	// from the clock.
	RandomSeed *int64
}

// DefaultOptions are the defaults for a Graph.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Heuristic:      true,
	Metric:         distance.MetricL2,
}

// Graph is the HNSW index.
//
// All public methods are safe for concurrent use. Adjacency edits take
// sharded per-node locks; the entry point and max level are atomics guarded
// by epMu for updates.
type Graph struct {
	entryPoint atomic.Uint64
	maxLevel   atomic.Int32
	dimension  atomic.Int32
	upper      atomic.Uint64 // exclusive upper bound on assigned handles
	live       atomic.Int64

	segments atomic.Pointer[[]*nodeSegment]

	distFunc        distance.Func
	vectors         vectorstore.Store
	tombstones      *tombstone.Set
	layerMultiplier float64
	maxConns        int
	maxConns0       int
	opts            Options

	rng   *rand.Rand
	rngMu sync.Mutex

	epMu         sync.Mutex
	shardedLocks []sync.RWMutex

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// New creates a Graph.
func New(optFns ...func(o *Options)) (*Graph, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Metric == distance.MetricCosine {
		opts.NormalizeVectors = true
	}

	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EFSearch < 1 {
		opts.EFSearch = DefaultEFSearch
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	g := &Graph{
		distFunc:        distFunc,
		vectors:         opts.Vectors,
		tombstones:      tombstone.NewSet(),
		layerMultiplier: 1 / math.Log(float64(opts.M)),
		maxConns:        opts.M,
		maxConns0:       mmax0Multiplier * opts.M,
		opts:            opts,
		rng:             rng,
		shardedLocks:    make([]sync.RWMutex, 1024),
		minQueuePool: &sync.Pool{
			New: func() any { return queue.NewMin(opts.EFConstruction) },
		},
		maxQueuePool: &sync.Pool{
			New: func() any { return queue.NewMax(opts.EFConstruction) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(4096) },
		},
	}

	g.dimension.Store(int32(opts.Dimension))
	if g.vectors == nil {
		g.vectors = vectorstore.NewDense(func(o *vectorstore.Options) {
			o.Dimension = opts.Dimension
		})
	}

	return g, nil
}

// Name returns the index kind.
func (*Graph) Name() string { return "hnsw" }

// Dimension returns the pinned vector dimension, or 0 before the first insert.
func (g *Graph) Dimension() int { return int(g.dimension.Load()) }

// VectorCount returns the number of live (non-tombstoned) vectors.
func (g *Graph) VectorCount() uint64 {
	n := g.live.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Contains reports whether a handle is present and not tombstoned.
func (g *Graph) Contains(handle uint64) bool {
	return g.getNode(handle) != nil && !g.tombstones.Contains(handle)
}

func (g *Graph) getNode(handle uint64) *node {
	segments := g.segments.Load()
	if segments == nil {
		return nil
	}

	segmentIdx := int(handle >> nodeSegmentBits)
	if segmentIdx >= len(*segments) {
		return nil
	}

	segment := (*segments)[segmentIdx]
	if segment == nil {
		return nil
	}

	return segment[handle&nodeSegmentMask].Load()
}

func (g *Graph) setNode(handle uint64, n *node) {
	g.growSegments(handle)

	segments := g.segments.Load()
	(*segments)[handle>>nodeSegmentBits][handle&nodeSegmentMask].Store(n)

	for {
		cur := g.upper.Load()
		if cur > handle {
			return
		}
		if g.upper.CompareAndSwap(cur, handle+1) {
			return
		}
	}
}

// growSegments ensures the table covers the given handle. Growth is
// copy-on-write over the segment directory with a CAS loop.
func (g *Graph) growSegments(handle uint64) {
	segmentIdx := int(handle >> nodeSegmentBits)

	segments := g.segments.Load()
	if segments != nil && segmentIdx < len(*segments) && (*segments)[segmentIdx] != nil {
		return
	}

	for {
		oldSegments := g.segments.Load()

		currentLen := 0
		if oldSegments != nil {
			currentLen = len(*oldSegments)
		}
		if segmentIdx < currentLen && (*oldSegments)[segmentIdx] != nil {
			return
		}

		newLen := max(segmentIdx+1, currentLen)
		newSegments := make([]*nodeSegment, newLen)
		if oldSegments != nil {
			copy(newSegments, *oldSegments)
		}
		if newSegments[segmentIdx] == nil {
			newSegments[segmentIdx] = new(nodeSegment)
		}

		if g.segments.CompareAndSwap(oldSegments, &newSegments) {
			return
		}
	}
}

func (g *Graph) shard(handle uint64) *sync.RWMutex {
	return &g.shardedLocks[handle%uint64(len(g.shardedLocks))]
}

func (g *Graph) getConnections(handle uint64, layer int) []uint64 {
	lock := g.shard(handle)
	lock.RLock()
	defer lock.RUnlock()

	n := g.getNode(handle)
	if n == nil || layer > int(n.level) {
		return nil
	}
	return n.conns[layer]
}

// setConnectionsLocked replaces the adjacency of a layer. Caller holds the
// shard lock for the handle.
func (g *Graph) setConnectionsLocked(n *node, layer int, conns []uint64) {
	n.conns[layer] = conns
}

// checkVector validates a vector against the pinned dimension (pinning it on
// first use) and normalizes it when the metric requires unit vectors.
func (g *Graph) checkVector(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, &vectorstore.DimensionMismatchError{Expected: g.Dimension(), Actual: 0}
	}

	dim := int(g.dimension.Load())
	if dim == 0 {
		g.dimension.CompareAndSwap(0, int32(len(vec)))
		dim = int(g.dimension.Load())
	}
	if len(vec) != dim {
		return nil, &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}

	if g.opts.NormalizeVectors {
		normalized, ok := distance.NormalizeL2Copy(vec)
		if !ok {
			return nil, fmt.Errorf("hnsw: cannot normalize zero vector")
		}
		vec = normalized
	}

	return vec, nil
}

// Insert adds a vector under a caller-chosen handle.
func (g *Graph) Insert(ctx context.Context, handle uint64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := g.checkVector(vec)
	if err != nil {
		return err
	}

	return g.insert(handle, vec, -1)
}

// Update replaces the vector stored under an existing handle. The node keeps
// its layer: the old node is tombstoned and a fresh one is rewired in place.
// The vector is validated before the tombstone, so a rejected update leaves
// the node untouched.
func (g *Graph) Update(ctx context.Context, handle uint64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := g.checkVector(vec)
	if err != nil {
		return err
	}

	n := g.getNode(handle)
	if n == nil {
		return index.ErrUnknownHandle
	}
	layer := int(n.level)

	if err := g.Delete(ctx, handle); err != nil {
		return err
	}

	return g.insert(handle, vec, layer)
}

// insert performs the shared insertion path for a checked vector. A negative
// forcedLayer draws a fresh layer from the RNG.
func (g *Graph) insert(handle uint64, vec []float32, forcedLayer int) error {
	if existing := g.getNode(handle); existing != nil && !g.tombstones.Contains(handle) {
		return fmt.Errorf("hnsw: handle %d already present", handle)
	}

	tags, _ := g.vectors.Tags(handle)
	if err := g.vectors.Put(handle, vec, tags); err != nil {
		return err
	}

	layer := forcedLayer
	if layer < 0 {
		layer = g.drawLayer()
	}

	n := &node{level: int32(layer), conns: make([][]uint64, layer+1)}

	wasTombstoned := g.tombstones.Contains(handle)

	// First node: publish node and entry point together.
	if g.upper.Load() == 0 {
		g.epMu.Lock()
		if g.upper.Load() == 0 {
			g.setNode(handle, n)
			g.entryPoint.Store(handle)
			g.maxLevel.Store(int32(layer))
			g.live.Add(1)
			g.epMu.Unlock()
			return nil
		}
		g.epMu.Unlock()
	}

	// Publish the node so backlinks can target it; the entry point moves
	// only after its edges are wired.
	g.setNode(handle, n)
	if wasTombstoned {
		g.tombstones.Remove(handle)
	}

	// Republishing the current entry point resets its edges, so descent must
	// start elsewhere.
	if g.entryPoint.Load() == handle {
		g.epMu.Lock()
		if g.entryPoint.Load() == handle {
			if next, level, ok := g.findAltEntry(handle); ok {
				g.entryPoint.Store(next)
				g.maxLevel.Store(level)
			} else {
				// Sole node in the graph; nothing to wire against.
				g.maxLevel.Store(int32(layer))
				g.live.Add(1)
				g.epMu.Unlock()
				return nil
			}
		}
		g.epMu.Unlock()
	}

	g.wireNode(handle, n, vec, layer)

	g.live.Add(1)

	if layer > int(g.maxLevel.Load()) {
		g.epMu.Lock()
		if layer > int(g.maxLevel.Load()) {
			g.maxLevel.Store(int32(layer))
			g.entryPoint.Store(handle)
		}
		g.epMu.Unlock()
	}

	return nil
}

// findAltEntry returns the highest-level node other than skip. Tombstoned
// nodes qualify; they still route.
func (g *Graph) findAltEntry(skip uint64) (uint64, int32, bool) {
	upper := g.upper.Load()
	best := uint64(0)
	bestLevel := int32(-1)

	for handle := uint64(0); handle < upper; handle++ {
		if handle == skip {
			continue
		}
		if n := g.getNode(handle); n != nil && n.level > bestLevel {
			best = handle
			bestLevel = n.level
		}
	}

	return best, bestLevel, bestLevel >= 0
}

func (g *Graph) drawLayer() int {
	g.rngMu.Lock()
	r := g.rng.Float64()
	g.rngMu.Unlock()

	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(r) * g.layerMultiplier))
}

// wireNode links a freshly published node into the graph.
func (g *Graph) wireNode(handle uint64, n *node, vec []float32, layer int) {
	epID := g.entryPoint.Load()
	maxLevel := int(g.maxLevel.Load())

	currID := epID
	currDist := g.dist(vec, currID)

	// Greedy descent above the node's top layer.
	for level := maxLevel; level > layer; level-- {
		currID, currDist = g.greedyStep(vec, currID, currDist, level)
	}

	// Beam search and link from the node's top layer down to 0. Updates
	// republish an already reachable handle, so exclude it from its own
	// neighbor candidates.
	notSelf := func(x uint64) bool { return x != handle }

	for level := min(layer, maxLevel); level >= 0; level-- {
		results := g.searchLayer(context.Background(), vec, currID, currDist, level, g.opts.EFConstruction, notSelf, true)

		if best, ok := results.Min(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		maxConns := g.maxConns
		if level == 0 {
			maxConns = g.maxConns0
		}

		neighbors := g.selectNeighbors(results, maxConns)

		results.Reset()
		g.maxQueuePool.Put(results)

		lock := g.shard(handle)
		lock.Lock()
		g.setConnectionsLocked(n, level, neighbors)
		lock.Unlock()

		for _, neighborID := range neighbors {
			g.addConnection(neighborID, handle, level)
		}
	}
}

func (g *Graph) greedyStep(vec []float32, currID uint64, currDist float32, level int) (uint64, float32) {
	changed := true
	for changed {
		changed = false
		for _, nextID := range g.getConnections(currID, level) {
			nextDist := g.dist(vec, nextID)
			if nextDist < currDist {
				currID = nextID
				currDist = nextDist
				changed = true
			}
		}
	}
	return currID, currDist
}

// addConnection adds a backlink, pruning with the neighbor selection policy
// when the target is full.
func (g *Graph) addConnection(sourceID, targetID uint64, level int) {
	lock := g.shard(sourceID)
	lock.Lock()
	defer lock.Unlock()

	n := g.getNode(sourceID)
	if n == nil || level > int(n.level) {
		return
	}

	conns := n.conns[level]
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	maxConns := g.maxConns
	if level == 0 {
		maxConns = g.maxConns0
	}

	if len(conns) < maxConns {
		grown := make([]uint64, len(conns), len(conns)+1)
		copy(grown, conns)
		g.setConnectionsLocked(n, level, append(grown, targetID))
		return
	}

	vSource, ok := g.vectors.GetAny(sourceID)
	if !ok {
		return
	}

	candidates := g.maxQueuePool.Get().(*queue.Queue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		g.maxQueuePool.Put(candidates)
	}()

	for _, c := range conns {
		candidates.Push(queue.Item{Node: c, Distance: g.dist(vSource, c)})
	}
	candidates.Push(queue.Item{Node: targetID, Distance: g.dist(vSource, targetID)})

	g.setConnectionsLocked(n, level, g.selectNeighbors(candidates, maxConns))
}

// selectNeighbors picks up to m neighbors from the candidate max-heap. The
// heap is consumed but not returned to the pool.
func (g *Graph) selectNeighbors(candidates *queue.Queue, m int) []uint64 {
	if g.opts.Heuristic {
		return g.selectNeighborsHeuristic(candidates, m)
	}
	return g.selectNeighborsSimple(candidates, m)
}

func (g *Graph) selectNeighborsSimple(candidates *queue.Queue, m int) []uint64 {
	for candidates.Len() > m {
		candidates.Pop()
	}

	res := make([]uint64, candidates.Len())
	for i := candidates.Len() - 1; i >= 0; i-- {
		item, _ := candidates.Pop()
		res[i] = item.Node
	}
	return res
}

// selectNeighborsHeuristic keeps a candidate only if it is closer to the
// source than to every neighbor already selected, favoring edges that span
// distinct directions over a tight clique around the source.
func (g *Graph) selectNeighborsHeuristic(candidates *queue.Queue, m int) []uint64 {
	if candidates.Len() <= m {
		return g.selectNeighborsSimple(candidates, m)
	}

	// Max-heap pops worst first; reverse into best-first order.
	temp := make([]queue.Item, candidates.Len())
	for i := len(temp) - 1; i >= 0; i-- {
		temp[i], _ = candidates.Pop()
	}

	result := make([]uint64, 0, m)
	resultVecs := make([][]float32, 0, m)

	for _, cand := range temp {
		if len(result) >= m {
			break
		}

		candVec, ok := g.vectors.GetAny(cand.Node)
		if !ok {
			continue
		}

		good := true
		for _, resVec := range resultVecs {
			if g.distFunc(candVec, resVec) < cand.Distance {
				good = false
				break
			}
		}

		if good {
			result = append(result, cand.Node)
			resultVecs = append(resultVecs, candVec)
		}
	}

	// Fill remaining slots with the closest rejected candidates.
	if len(result) < m {
		for _, cand := range temp {
			if len(result) >= m {
				break
			}
			seen := false
			for _, r := range result {
				if r == cand.Node {
					seen = true
					break
				}
			}
			if !seen {
				result = append(result, cand.Node)
			}
		}
	}

	return result
}

// searchLayer runs a beam search of width ef on one layer. Tombstoned and
// filtered nodes are traversed as waypoints but excluded from results. On
// context expiry the beam stops and the partial result set is returned.
//
// The returned max-heap comes from the pool; the caller must Reset and
// return it.
func (g *Graph) searchLayer(ctx context.Context, query []float32, epID uint64, epDist float32, level, ef int, filter func(uint64) bool, forWiring bool) *queue.Queue {
	vis := g.visitedPool.Get().(*visited.Set)
	vis.Reset()
	defer g.visitedPool.Put(vis)

	candidates := g.minQueuePool.Get().(*queue.Queue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		g.minQueuePool.Put(candidates)
	}()

	results := g.maxQueuePool.Get().(*queue.Queue)
	results.Reset()

	admit := func(id uint64) bool {
		if !forWiring && g.tombstones.Contains(id) {
			return false
		}
		return filter == nil || filter(id)
	}

	vis.Visit(epID)
	candidates.Push(queue.Item{Node: epID, Distance: epDist})
	if admit(epID) {
		results.Push(queue.Item{Node: epID, Distance: epDist})
	}

	steps := 0
	for candidates.Len() > 0 {
		steps++
		if steps%ctxCheckInterval == 0 && ctx.Err() != nil {
			break
		}

		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, nextID := range g.getConnections(curr.Node, level) {
			if vis.Visited(nextID) {
				continue
			}
			vis.Visit(nextID)

			nextDist := g.dist(query, nextID)

			if results.Len() >= ef {
				if worst, ok := results.Top(); ok && nextDist > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Node: nextID, Distance: nextDist})

			if admit(nextID) {
				results.Push(queue.Item{Node: nextID, Distance: nextDist})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results
}

func (g *Graph) dist(v []float32, handle uint64) float32 {
	vec, ok := g.vectors.GetAny(handle)
	if !ok {
		return math.MaxFloat32
	}
	return g.distFunc(v, vec)
}

// Delete tombstones a handle. The node keeps its edges and remains a routing
// waypoint until the next Compact. Deleting twice is a no-op.
func (g *Graph) Delete(ctx context.Context, handle uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if g.getNode(handle) == nil {
		return index.ErrUnknownHandle
	}

	if g.tombstones.Add(handle) {
		g.live.Add(-1)
	}

	return nil
}

// KNNSearch returns the k nearest live vectors, sorted by ascending distance
// with ties broken by ascending handle. A context deadline turns the result
// into the best found so far, not an error.
func (g *Graph) KNNSearch(ctx context.Context, q []float32, k int, opts index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	dim := int(g.dimension.Load())
	if dim != 0 && len(q) != dim {
		return nil, &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(q)}
	}

	// An expired deadline yields the best results found so far, which is
	// none at all when it expires before the descent starts.
	if ctx.Err() != nil {
		return nil, nil
	}

	if g.upper.Load() == 0 {
		return nil, nil
	}

	if g.opts.NormalizeVectors {
		normalized, ok := distance.NormalizeL2Copy(q)
		if !ok {
			return nil, fmt.Errorf("hnsw: zero query vector")
		}
		q = normalized
	}

	epID := g.entryPoint.Load()
	if g.getNode(epID) == nil {
		return nil, nil
	}

	ef := g.opts.EFSearch
	if opts.EF > 0 {
		ef = opts.EF
	}
	if ef < k {
		ef = k
	}

	currID := epID
	currDist := g.dist(q, currID)
	maxLevel := int(g.maxLevel.Load())

	for level := maxLevel; level > 0; level-- {
		currID, currDist = g.greedyStep(q, currID, currDist, level)
	}

	results := g.searchLayer(ctx, q, currID, currDist, 0, ef, opts.Filter, false)
	defer func() {
		results.Reset()
		g.maxQueuePool.Put(results)
	}()

	for results.Len() > k {
		results.Pop()
	}

	res := make([]index.SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.Pop()
		res[i] = index.SearchResult{ID: item.Node, Distance: item.Distance}
	}

	return res, nil
}

// BruteSearch scans every live node. It is exact and O(n); used for
// verification and tiny collections.
func (g *Graph) BruteSearch(ctx context.Context, query []float32, k int, filter func(id uint64) bool) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := query
	if g.opts.NormalizeVectors {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, fmt.Errorf("hnsw: zero query vector")
		}
		q = normalized
	}

	pq := queue.NewMax(k)
	upper := g.upper.Load()

	for handle := uint64(0); handle < upper; handle++ {
		if g.getNode(handle) == nil || g.tombstones.Contains(handle) {
			continue
		}
		if filter != nil && !filter(handle) {
			continue
		}

		d := g.dist(q, handle)
		if pq.Len() < k {
			pq.Push(queue.Item{Node: handle, Distance: d})
		} else if top, ok := pq.Top(); ok && (d < top.Distance || (d == top.Distance && handle < top.Node)) {
			pq.Pop()
			pq.Push(queue.Item{Node: handle, Distance: d})
		}
	}

	res := make([]index.SearchResult, pq.Len())
	for i := pq.Len() - 1; i >= 0; i-- {
		item, _ := pq.Pop()
		res[i] = index.SearchResult{ID: item.Node, Distance: item.Distance}
	}

	return res, nil
}
