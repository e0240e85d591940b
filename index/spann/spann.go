// Package spann implements a two-level clustered index: a coarse centroid
// table routes writes and queries to a small number of clusters, each of
// which carries its own compact local index. Only the probed clusters are
// touched per operation, which keeps working sets small at scale.
package spann

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/spannix/spannix/distance"
	"github.com/spannix/spannix/index"
	"github.com/spannix/spannix/internal/kmeans"
	"github.com/spannix/spannix/resource"
	"github.com/spannix/spannix/vectorstore"
)

// Compile time check to ensure SPANN satisfies the Index interface.
var _ index.Index = (*SPANN)(nil)

// LocalIndexType selects the per-cluster index structure.
type LocalIndexType uint8

const (
	// LocalFlat scans clusters exactly. The right default while clusters
	// stay below a few thousand members.
	LocalFlat LocalIndexType = iota
	// LocalHNSW builds a graph per cluster for very large clusters.
	LocalHNSW
)

const (
	// kmeansMaxIterations bounds the split training loop.
	kmeansMaxIterations = 16

	// maintenanceEvery is the mutation count between cooperative
	// maintenance passes (split and merge checks).
	maintenanceEvery = 128
)

// Options contains configuration for a SPANN index. The nprobe, reassign and
// threshold fields are fixed at creation; later override attempts are
// ignored by callers, never applied.
type Options struct {
	// Dimension pins the vector dimension up front. Zero means the first
	// insert pins it.
	Dimension int

	// Metric is the distance metric, shared by centroid routing and the
	// cluster-local indexes.
	Metric distance.Metric

	// NormalizeVectors L2-normalizes stored vectors and queries. Forced on
	// for cosine.
	NormalizeVectors bool

	// LocalIndexType selects the per-cluster index structure.
	LocalIndexType LocalIndexType

	// SearchNProbe is the number of nearest clusters consulted per query.
	SearchNProbe int

	// WriteNProbe is the number of nearest clusters considered per insert.
	WriteNProbe int

	// ReassignNeighborCount bounds replication: an insert lands in its
	// nearest cluster plus at most this many neighboring clusters.
	ReassignNeighborCount int

	// SplitThreshold is the member count above which a cluster is split in
	// two by local k-means.
	SplitThreshold int

	// MergeThreshold is the member count below which a cluster is merged
	// into its nearest neighbor.
	MergeThreshold int

	// M, EFConstruction and EFSearch configure cluster-local HNSW indexes.
	// Ignored for flat local indexes.
	M              int
	EFConstruction int
	EFSearch       int

	// RandomSeed makes cluster splits and local graph construction
	// reproducible. Nil seeds from the clock.
	RandomSeed *int64

	// Controller gates background maintenance. Nil means ungated.
	Controller *resource.Controller
}

// DefaultOptions are the defaults for a SPANN index.
var DefaultOptions = Options{
	Metric:                distance.MetricL2,
	LocalIndexType:        LocalFlat,
	SearchNProbe:          4,
	WriteNProbe:           2,
	ReassignNeighborCount: 1,
	SplitThreshold:        512,
	MergeThreshold:        8,
}

// cluster pairs a routing centroid with its member set and local index. The
// centroid is nudged toward each arriving member (running mean), so it
// tracks the cluster's mass without full recomputation.
type cluster struct {
	centroid []float32
	members  *roaring64.Bitmap
	local    *localIndex
}

// SPANN is the two-level clustered index.
//
// The cluster directory (clusters slice, flattened centroid table, global
// member set) is guarded by mu. Cluster-local indexes synchronize
// internally, so probed searches proceed concurrently once routed.
type SPANN struct {
	mu        sync.RWMutex
	clusters  []*cluster
	centroids []float32
	liveSet   *roaring64.Bitmap

	dimension atomic.Int32
	live      atomic.Int64

	distFunc distance.Func
	opts     Options

	rng   *rand.Rand
	rngMu sync.Mutex

	mutations atomic.Int64
	maintMu   sync.Mutex
}

// New creates a SPANN index.
func New(optFns ...func(o *Options)) (*SPANN, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Metric == distance.MetricCosine {
		opts.NormalizeVectors = true
	}

	if opts.SearchNProbe <= 0 {
		opts.SearchNProbe = DefaultOptions.SearchNProbe
	}
	if opts.WriteNProbe <= 0 {
		opts.WriteNProbe = DefaultOptions.WriteNProbe
	}
	if opts.ReassignNeighborCount < 0 {
		opts.ReassignNeighborCount = 0
	}
	if opts.SplitThreshold <= 0 {
		opts.SplitThreshold = DefaultOptions.SplitThreshold
	}
	if opts.MergeThreshold < 0 {
		opts.MergeThreshold = 0
	}
	if opts.MergeThreshold*2 >= opts.SplitThreshold {
		return nil, fmt.Errorf("spann: merge threshold %d too close to split threshold %d", opts.MergeThreshold, opts.SplitThreshold)
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	seed := time.Now().UnixNano()
	if opts.RandomSeed != nil {
		seed = *opts.RandomSeed
	}

	s := &SPANN{
		liveSet:  roaring64.New(),
		distFunc: distFunc,
		opts:     opts,
		rng:      rand.New(rand.NewSource(seed)),
	}
	s.dimension.Store(int32(opts.Dimension))

	return s, nil
}

// Name returns the index kind.
func (*SPANN) Name() string { return "spann" }

// Dimension returns the pinned vector dimension, or 0 before the first insert.
func (s *SPANN) Dimension() int { return int(s.dimension.Load()) }

// VectorCount returns the number of live vectors. Replicas count once.
func (s *SPANN) VectorCount() uint64 {
	return uint64(s.live.Load())
}

// Contains reports whether a handle is live.
func (s *SPANN) Contains(handle uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveSet.Contains(handle)
}

// FixedConfig reports the creation-time routing and maintenance parameters.
// These never change for the lifetime of the index.
func (s *SPANN) FixedConfig() (searchNProbe, writeNProbe, reassign, split, merge int) {
	return s.opts.SearchNProbe, s.opts.WriteNProbe, s.opts.ReassignNeighborCount, s.opts.SplitThreshold, s.opts.MergeThreshold
}

func (s *SPANN) checkVector(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, &vectorstore.DimensionMismatchError{Expected: s.Dimension(), Actual: 0}
	}

	dim := int(s.dimension.Load())
	if dim == 0 {
		s.dimension.CompareAndSwap(0, int32(len(vec)))
		dim = int(s.dimension.Load())
	}
	if len(vec) != dim {
		return nil, &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}

	if s.opts.NormalizeVectors {
		normalized, ok := distance.NormalizeL2Copy(vec)
		if !ok {
			return nil, fmt.Errorf("spann: cannot normalize zero vector")
		}
		return normalized, nil
	}

	return vec, nil
}

// writeTargets returns how many clusters an insert lands in: the nearest
// cluster plus replicas, bounded by both nprobe and the reassign budget.
func (s *SPANN) writeTargets() int {
	targets := s.opts.ReassignNeighborCount + 1
	if s.opts.WriteNProbe < targets {
		targets = s.opts.WriteNProbe
	}
	if targets < 1 {
		targets = 1
	}
	return targets
}

// Insert adds a vector under a caller-chosen handle, routing it to the
// nearest clusters.
func (s *SPANN) Insert(ctx context.Context, handle uint64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := s.checkVector(vec)
	if err != nil {
		return err
	}

	s.mu.Lock()

	if s.liveSet.Contains(handle) {
		s.mu.Unlock()
		return fmt.Errorf("spann: handle %d already present", handle)
	}

	if len(s.clusters) == 0 {
		c, err := s.newClusterLocked(vec)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.clusters = append(s.clusters, c)
		s.rebuildCentroidsLocked()
	}

	dim := int(s.dimension.Load())
	targets := kmeans.FindClosestCentroids(vec, s.centroids, dim, s.writeTargets(), s.distFunc)

	var placed []int
	for _, ci := range targets {
		c := s.clusters[ci]
		if err := c.local.insert(ctx, handle, vec); err != nil {
			// All or nothing per item: undo earlier replica placements.
			for _, prev := range placed {
				p := s.clusters[prev]
				_ = p.local.delete(ctx, handle)
				p.members.Remove(handle)
			}
			s.mu.Unlock()
			return err
		}

		c.members.Add(handle)
		s.nudgeCentroidLocked(ci, vec)
		placed = append(placed, ci)
	}

	s.liveSet.Add(handle)
	s.live.Add(1)
	s.mu.Unlock()

	s.maybeMaintain(ctx)

	return nil
}

// Update replaces the vector stored under an existing handle in every
// cluster that holds a replica.
func (s *SPANN) Update(ctx context.Context, handle uint64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := s.checkVector(vec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.liveSet.Contains(handle) {
		return index.ErrUnknownHandle
	}

	for _, c := range s.clusters {
		if !c.members.Contains(handle) {
			continue
		}
		if err := c.local.update(ctx, handle, vec); err != nil {
			return err
		}
	}

	return nil
}

// Delete removes a handle from every cluster that holds a replica.
func (s *SPANN) Delete(ctx context.Context, handle uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()

	if !s.liveSet.Contains(handle) {
		s.mu.Unlock()
		return index.ErrUnknownHandle
	}

	for _, c := range s.clusters {
		if !c.members.Contains(handle) {
			continue
		}
		if err := c.local.delete(ctx, handle); err != nil {
			s.mu.Unlock()
			return err
		}
		c.members.Remove(handle)
	}

	s.liveSet.Remove(handle)
	s.live.Add(-1)
	s.mu.Unlock()

	s.maybeMaintain(ctx)

	return nil
}

// KNNSearch probes the nearest clusters in parallel and merges their local
// results into a global top-k. Replicated handles are deduplicated by the
// merge. A context deadline yields the best results found so far.
func (s *SPANN) KNNSearch(ctx context.Context, query []float32, k int, opts index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	dim := int(s.dimension.Load())
	if dim != 0 && len(query) != dim {
		return nil, &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(query)}
	}

	q := query
	if s.opts.NormalizeVectors {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, fmt.Errorf("spann: zero query vector")
		}
		q = normalized
	}

	s.mu.RLock()
	if len(s.clusters) == 0 {
		s.mu.RUnlock()
		return nil, nil
	}

	probed := kmeans.FindClosestCentroids(q, s.centroids, dim, s.opts.SearchNProbe, s.distFunc)
	locals := make([]*localIndex, len(probed))
	for i, ci := range probed {
		locals[i] = s.clusters[ci].local
	}
	s.mu.RUnlock()

	results := make([][]index.SearchResult, len(locals))

	g := new(errgroup.Group)
	for i, l := range locals {
		i, l := i, l
		g.Go(func() error {
			res, err := l.search(ctx, q, k, opts)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return index.MergeNSearchResults(k, results...), nil
}

// BruteSearch scans every cluster exactly. Replicas are deduplicated by the
// merge.
func (s *SPANN) BruteSearch(ctx context.Context, query []float32, k int, filter func(id uint64) bool) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	dim := int(s.dimension.Load())
	if dim != 0 && len(query) != dim {
		return nil, &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(query)}
	}

	q := query
	if s.opts.NormalizeVectors {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, fmt.Errorf("spann: zero query vector")
		}
		q = normalized
	}

	s.mu.RLock()
	locals := make([]*localIndex, len(s.clusters))
	for i, c := range s.clusters {
		locals[i] = c.local
	}
	s.mu.RUnlock()

	results := make([][]index.SearchResult, len(locals))

	g := new(errgroup.Group)
	for i, l := range locals {
		i, l := i, l
		g.Go(func() error {
			res, err := l.bruteSearch(ctx, q, k, filter)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return index.MergeNSearchResults(k, results...), nil
}

// Compact runs a full maintenance pass: split oversized clusters, merge
// undersized ones, and compact every cluster-local index. Blocks for a
// background slot when a resource controller is configured.
func (s *SPANN) Compact(ctx context.Context) error {
	if err := s.opts.Controller.AcquireBackground(ctx); err != nil {
		return err
	}
	defer s.opts.Controller.ReleaseBackground()

	s.maintMu.Lock()
	defer s.maintMu.Unlock()

	s.mu.Lock()
	err := s.maintainLocked(ctx)
	locals := make([]*localIndex, len(s.clusters))
	for i, c := range s.clusters {
		locals[i] = c.local
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}

	for _, l := range locals {
		if err := l.compact(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Stats reports the current index shape, including per-cluster sizes.
func (s *SPANN) Stats() index.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sizes := make([]uint64, len(s.clusters))
	for i, c := range s.clusters {
		sizes[i] = c.members.GetCardinality()
	}

	return index.Stats{
		Name:         s.Name(),
		Dimension:    s.Dimension(),
		TotalCount:   uint64(s.live.Load()),
		LiveCount:    uint64(s.live.Load()),
		ClusterSizes: sizes,
	}
}

func (s *SPANN) newClusterLocked(centroid []float32) (*cluster, error) {
	dim := int(s.dimension.Load())

	local, err := newLocalIndex(s.opts, dim)
	if err != nil {
		return nil, err
	}

	c := &cluster{
		centroid: make([]float32, dim),
		members:  roaring64.New(),
		local:    local,
	}
	copy(c.centroid, centroid)

	return c, nil
}

// nudgeCentroidLocked moves a cluster centroid toward a newly arrived vector
// by the running-mean rule. Caller holds mu and has already added the member.
func (s *SPANN) nudgeCentroidLocked(ci int, vec []float32) {
	c := s.clusters[ci]
	n := float32(c.members.GetCardinality())
	if n == 0 {
		return
	}

	dim := int(s.dimension.Load())
	for d := 0; d < dim; d++ {
		c.centroid[d] += (vec[d] - c.centroid[d]) / n
	}
	copy(s.centroids[ci*dim:(ci+1)*dim], c.centroid)
}

func (s *SPANN) rebuildCentroidsLocked() {
	dim := int(s.dimension.Load())
	s.centroids = make([]float32, len(s.clusters)*dim)
	for i, c := range s.clusters {
		copy(s.centroids[i*dim:(i+1)*dim], c.centroid)
	}
}

// maybeMaintain runs a cooperative maintenance pass every maintenanceEvery
// mutations. It backs off instead of blocking: if another pass is running or
// no background slot is free, the check simply waits for a later mutation.
func (s *SPANN) maybeMaintain(ctx context.Context) {
	if s.mutations.Add(1)%maintenanceEvery != 0 {
		return
	}

	if !s.maintMu.TryLock() {
		return
	}
	defer s.maintMu.Unlock()

	if s.opts.Controller != nil {
		if !s.opts.Controller.TryAcquireBackground() {
			return
		}
		defer s.opts.Controller.ReleaseBackground()
	}

	// Restructuring must not be torn by the caller's deadline.
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.maintainLocked(ctx)
}

// maintainLocked splits oversized clusters, then merges undersized ones.
// Caller holds mu and maintMu.
func (s *SPANN) maintainLocked(ctx context.Context) error {
	for i := 0; i < len(s.clusters); i++ {
		if int(s.clusters[i].members.GetCardinality()) > s.opts.SplitThreshold {
			if err := s.splitLocked(ctx, i); err != nil {
				return err
			}
		}
	}

	for i := len(s.clusters) - 1; i >= 0; i-- {
		if len(s.clusters) <= 1 {
			break
		}
		card := int(s.clusters[i].members.GetCardinality())
		if card < s.opts.MergeThreshold {
			if err := s.mergeLocked(ctx, i); err != nil {
				return err
			}
		}
	}

	s.rebuildCentroidsLocked()

	return nil
}

// splitLocked replaces cluster i with two clusters trained by local k-means.
func (s *SPANN) splitLocked(ctx context.Context, i int) error {
	c := s.clusters[i]
	dim := int(s.dimension.Load())

	handles := c.members.ToArray()
	matrix := make([]float32, 0, len(handles)*dim)
	kept := handles[:0]
	for _, h := range handles {
		vec, ok := c.local.vector(h)
		if !ok {
			continue
		}
		matrix = append(matrix, vec...)
		kept = append(kept, h)
	}
	handles = kept

	s.rngMu.Lock()
	res := kmeans.Train(s.rng, matrix, dim, 2, s.distFunc, kmeansMaxIterations)
	s.rngMu.Unlock()
	if res == nil {
		return nil
	}

	halves := make([]*cluster, 2)
	for j := range halves {
		nc, err := s.newClusterLocked(res.Centroids[j*dim : (j+1)*dim])
		if err != nil {
			return err
		}
		halves[j] = nc
	}

	for vi, h := range handles {
		target := halves[res.Assignments[vi]]
		if err := target.local.insert(ctx, h, matrix[vi*dim:(vi+1)*dim]); err != nil {
			return err
		}
		target.members.Add(h)
	}

	// A degenerate split (all members on one side) would loop forever; keep
	// the original cluster in that case.
	if halves[0].members.IsEmpty() || halves[1].members.IsEmpty() {
		return nil
	}

	s.clusters[i] = halves[0]
	s.clusters = append(s.clusters, halves[1])

	return nil
}

// mergeLocked folds cluster i into the cluster with the nearest centroid.
// Replicas already present in the target are skipped.
func (s *SPANN) mergeLocked(ctx context.Context, i int) error {
	src := s.clusters[i]
	dim := int(s.dimension.Load())

	nearest := -1
	best := float32(0)
	for j, c := range s.clusters {
		if j == i {
			continue
		}
		d := s.distFunc(src.centroid, c.centroid)
		if nearest == -1 || d < best {
			nearest = j
			best = d
		}
	}
	if nearest == -1 {
		return nil
	}

	dst := s.clusters[nearest]

	// ToArray yields ascending handles, so merges are deterministic.
	for _, h := range src.members.ToArray() {
		if dst.members.Contains(h) {
			continue
		}
		vec, ok := src.local.vector(h)
		if !ok {
			continue
		}
		if err := dst.local.insert(ctx, h, vec); err != nil {
			return err
		}
		dst.members.Add(h)

		n := float32(dst.members.GetCardinality())
		for d := 0; d < dim; d++ {
			dst.centroid[d] += (vec[d] - dst.centroid[d]) / n
		}
	}

	s.clusters = append(s.clusters[:i], s.clusters[i+1:]...)

	return nil
}
