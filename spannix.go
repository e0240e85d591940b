// Package spannix is an embeddable approximate nearest neighbor database.
// It maps external string IDs onto dense vector handles and serves upserts,
// deletes and k-NN searches through either an HNSW graph or a SPANN
// clustered index, with optional snapshots to a blob store.
package spannix

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spannix/spannix/distance"
	"github.com/spannix/spannix/index"
	"github.com/spannix/spannix/index/hnsw"
	"github.com/spannix/spannix/index/spann"
	"github.com/spannix/spannix/vectorstore"
)

// IndexKind selects the index structure backing a DB.
type IndexKind string

const (
	// IndexHNSW backs the DB with a single HNSW graph.
	IndexHNSW IndexKind = "hnsw"

	// IndexSPANN backs the DB with a clustered SPANN index.
	IndexSPANN IndexKind = "spann"
)

// Config describes a DB. Kind, Metric, Dimension and the index-shaping
// fields are fixed at creation; EFSearch, NumThreads, BatchSize,
// SyncThreshold and ResizeFactor may be changed later via UpdateConfig.
type Config struct {
	Kind      IndexKind       `json:"kind"`
	Metric    distance.Metric `json:"metric"`
	Dimension int             `json:"dimension"`

	// HNSW shape (also used by SPANN cluster-local graphs).
	MaxNeighbors   int `json:"max_neighbors"`
	EFConstruction int `json:"ef_construction"`

	// SPANN shape.
	LocalIndexType        spann.LocalIndexType `json:"local_index_type"`
	SearchNProbe          int                  `json:"search_nprobe"`
	WriteNProbe           int                  `json:"write_nprobe"`
	ReassignNeighborCount int                  `json:"reassign_neighbor_count"`
	SplitThreshold        int                  `json:"split_threshold"`
	MergeThreshold        int                  `json:"merge_threshold"`

	// Mutable after creation.
	EFSearch      int     `json:"ef_search"`
	NumThreads    int     `json:"num_threads"`
	BatchSize     int     `json:"batch_size"`
	SyncThreshold int     `json:"sync_threshold"`
	ResizeFactor  float64 `json:"resize_factor"`
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = IndexHNSW
	}
	if c.MaxNeighbors <= 0 {
		c.MaxNeighbors = hnsw.DefaultM
	}
	if c.EFConstruction <= 0 {
		c.EFConstruction = hnsw.DefaultEFConstruction
	}
	if c.EFSearch <= 0 {
		c.EFSearch = hnsw.DefaultEFSearch
	}
	if c.SearchNProbe <= 0 {
		c.SearchNProbe = spann.DefaultOptions.SearchNProbe
	}
	if c.WriteNProbe <= 0 {
		c.WriteNProbe = spann.DefaultOptions.WriteNProbe
	}
	if c.ReassignNeighborCount < 0 {
		c.ReassignNeighborCount = spann.DefaultOptions.ReassignNeighborCount
	}
	if c.SplitThreshold <= 0 {
		c.SplitThreshold = spann.DefaultOptions.SplitThreshold
	}
	if c.MergeThreshold <= 0 {
		c.MergeThreshold = spann.DefaultOptions.MergeThreshold
	}
	if c.NumThreads <= 0 {
		c.NumThreads = runtime.GOMAXPROCS(0)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.SyncThreshold <= 0 {
		c.SyncThreshold = 1000
	}
	if c.ResizeFactor < 1.1 {
		c.ResizeFactor = vectorstore.DefaultOptions.ResizeFactor
	}
	return c
}

// Embedder declares the embedding source that produces vectors for a DB.
// The DB never calls Embed; the declaration exists so the configured metric
// can be checked against what the embedding model was trained for.
type Embedder interface {
	// Embed converts text into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// SupportedMetrics lists the metrics the embedding model is meant to be
	// searched with.
	SupportedMetrics() []distance.Metric
}

// Item is a single vector with its external ID and optional tags.
type Item struct {
	ID     string
	Vector []float32
	Tags   map[string]string
}

// BatchResult reports the outcome of one item in a batch operation.
type BatchResult struct {
	ID  string
	Err error
}

// SearchResult is a single nearest-neighbor hit.
type SearchResult struct {
	ID       string
	Distance float32
	Tags     map[string]string
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// EF overrides the configured beam width for this call. Zero uses the
	// config value.
	EF int

	// Filter, when set, restricts results to IDs it accepts.
	Filter func(id string, tags map[string]string) bool
}

// Stats describes the current shape of a DB.
type Stats struct {
	// IDs is the number of live external IDs.
	IDs uint64

	// Index is the shape of the backing index.
	Index index.Stats
}

// DB is the database facade. All methods are safe for concurrent use.
type DB struct {
	opts options

	cfgMu sync.RWMutex
	cfg   Config

	store *vectorstore.Dense
	idx   index.Index

	idMu    sync.RWMutex
	handles map[string]uint64
	ids     map[uint64]string
	next    uint64

	poolMu sync.Mutex
	pool   *WorkerPool

	mutations atomic.Int64
	syncMu    sync.Mutex

	closed atomic.Bool
}

// New creates a DB from cfg.
func New(cfg Config, optFns ...Option) (*DB, error) {
	opts := applyOptions(optFns)
	cfg = cfg.withDefaults()

	if _, err := distance.Provider(cfg.Metric); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetric, err)
	}

	if opts.embedder != nil && !slices.Contains(opts.embedder.SupportedMetrics(), cfg.Metric) {
		return nil, fmt.Errorf("%w: embedder does not support metric %q", ErrInvalidMetric, cfg.Metric.String())
	}

	store := vectorstore.NewDense(func(o *vectorstore.Options) {
		o.Dimension = cfg.Dimension
		o.ResizeFactor = cfg.ResizeFactor
		if opts.controller != nil {
			o.Reserver = opts.controller
		}
	})

	var (
		idx index.Index
		err error
	)
	switch cfg.Kind {
	case IndexHNSW:
		idx, err = hnsw.New(func(o *hnsw.Options) {
			o.Dimension = cfg.Dimension
			o.M = cfg.MaxNeighbors
			o.EFConstruction = cfg.EFConstruction
			o.EFSearch = cfg.EFSearch
			o.Metric = cfg.Metric
			o.Vectors = store
			o.RandomSeed = opts.randomSeed
		})
	case IndexSPANN:
		idx, err = spann.New(func(o *spann.Options) {
			o.Dimension = cfg.Dimension
			o.Metric = cfg.Metric
			o.LocalIndexType = cfg.LocalIndexType
			o.SearchNProbe = cfg.SearchNProbe
			o.WriteNProbe = cfg.WriteNProbe
			o.ReassignNeighborCount = cfg.ReassignNeighborCount
			o.SplitThreshold = cfg.SplitThreshold
			o.MergeThreshold = cfg.MergeThreshold
			o.M = cfg.MaxNeighbors
			o.EFConstruction = cfg.EFConstruction
			o.EFSearch = cfg.EFSearch
			o.RandomSeed = opts.randomSeed
			o.Controller = opts.controller
		})
	default:
		return nil, fmt.Errorf("spannix: unknown index kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	return &DB{
		opts:    opts,
		cfg:     cfg,
		store:   store,
		idx:     idx,
		handles: make(map[string]uint64),
		ids:     make(map[uint64]string),
		pool:    NewWorkerPool(cfg.NumThreads),
	}, nil
}

// NewHNSW creates a DB backed by an HNSW graph.
func NewHNSW(cfg Config, optFns ...Option) (*DB, error) {
	cfg.Kind = IndexHNSW
	return New(cfg, optFns...)
}

// NewSPANN creates a DB backed by a SPANN clustered index.
func NewSPANN(cfg Config, optFns ...Option) (*DB, error) {
	cfg.Kind = IndexSPANN
	return New(cfg, optFns...)
}

// Config returns a copy of the current configuration.
func (db *DB) Config() Config {
	db.cfgMu.RLock()
	defer db.cfgMu.RUnlock()
	return db.cfg
}

// UpdateConfig applies the mutable fields of updated (EFSearch, NumThreads,
// BatchSize, SyncThreshold, ResizeFactor) and returns the resulting
// configuration. Changes to fields that are fixed at creation are ignored
// and reported at debug level.
func (db *DB) UpdateConfig(ctx context.Context, updated Config) Config {
	db.cfgMu.Lock()

	cur := db.cfg

	var ignored []string
	fixed := func(name string, changed bool) {
		if changed {
			ignored = append(ignored, name)
		}
	}
	fixed("kind", updated.Kind != cur.Kind)
	fixed("metric", updated.Metric != cur.Metric)
	fixed("dimension", updated.Dimension != cur.Dimension)
	fixed("max_neighbors", updated.MaxNeighbors != cur.MaxNeighbors)
	fixed("ef_construction", updated.EFConstruction != cur.EFConstruction)
	fixed("local_index_type", updated.LocalIndexType != cur.LocalIndexType)
	fixed("search_nprobe", updated.SearchNProbe != cur.SearchNProbe)
	fixed("write_nprobe", updated.WriteNProbe != cur.WriteNProbe)
	fixed("reassign_neighbor_count", updated.ReassignNeighborCount != cur.ReassignNeighborCount)
	fixed("split_threshold", updated.SplitThreshold != cur.SplitThreshold)
	fixed("merge_threshold", updated.MergeThreshold != cur.MergeThreshold)

	next := cur
	if updated.EFSearch > 0 {
		next.EFSearch = updated.EFSearch
	}
	if updated.NumThreads > 0 {
		next.NumThreads = updated.NumThreads
	}
	if updated.BatchSize > 0 {
		next.BatchSize = updated.BatchSize
	}
	if updated.SyncThreshold > 0 {
		next.SyncThreshold = updated.SyncThreshold
	}
	if updated.ResizeFactor >= 1.1 {
		next.ResizeFactor = updated.ResizeFactor
	}

	db.cfg = next
	db.cfgMu.Unlock()

	if len(ignored) > 0 {
		db.opts.logger.DebugContext(ctx, "ignored updates to fixed config fields", "fields", ignored)
	}

	if next.ResizeFactor != cur.ResizeFactor {
		db.store.SetResizeFactor(next.ResizeFactor)
	}
	if next.NumThreads != cur.NumThreads {
		db.resizePool(next.NumThreads)
	}

	return next
}

func (db *DB) resizePool(numThreads int) {
	db.poolMu.Lock()
	old := db.pool
	db.pool = NewWorkerPool(numThreads)
	db.poolMu.Unlock()

	old.Close()
}

func (db *DB) workerPool() *WorkerPool {
	db.poolMu.Lock()
	defer db.poolMu.Unlock()
	return db.pool
}

// Upsert inserts or replaces the vector stored under id. Re-upserting an
// identical payload is a no-op; a changed payload updates the stored vector
// in place. On any error no partial state is left behind.
func (db *DB) Upsert(ctx context.Context, id string, vec []float32, tags map[string]string) error {
	start := time.Now()
	err := db.upsert(ctx, id, vec, tags)

	db.opts.logger.LogUpsert(ctx, id, len(vec), err)
	db.opts.metricsCollector.RecordUpsert(time.Since(start), err)

	if err != nil {
		return err
	}

	db.maybeSync(ctx)
	return nil
}

func (db *DB) upsert(ctx context.Context, id string, vec []float32, tags map[string]string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if id == "" {
		return ErrEmptyID
	}

	db.idMu.Lock()
	handle, exists := db.handles[id]
	if !exists {
		handle = db.next
		db.next++
		db.handles[id] = handle
		db.ids[handle] = id
	}
	db.idMu.Unlock()

	if exists {
		// Identical payloads are absorbed without touching the index.
		cur, ok := db.store.Get(handle)
		curTags, _ := db.store.Tags(handle)
		if ok && slices.Equal(cur, vec) && maps.Equal(curTags, tags) {
			return nil
		}

		// cur aliases slab memory that Put overwrites; keep a copy so a
		// rejected update can be rolled back.
		oldVec := slices.Clone(cur)
		oldTags := maps.Clone(curTags)

		if err := db.store.Put(handle, vec, tags); err != nil {
			return translateError(err)
		}
		if err := db.idx.Update(ctx, handle, vec); err != nil {
			if len(oldVec) > 0 {
				_ = db.store.Put(handle, oldVec, oldTags)
			}
			return translateError(err)
		}

		db.mutations.Add(1)
		return nil
	}

	if err := db.store.Put(handle, vec, tags); err != nil {
		db.unmap(id, handle)
		return translateError(err)
	}
	if err := db.idx.Insert(ctx, handle, vec); err != nil {
		_ = db.store.Delete(handle)
		db.unmap(id, handle)
		return translateError(err)
	}

	db.mutations.Add(1)
	return nil
}

func (db *DB) unmap(id string, handle uint64) {
	db.idMu.Lock()
	delete(db.handles, id)
	delete(db.ids, handle)
	db.idMu.Unlock()
}

// BatchUpsert upserts items through the worker pool in configured batch
// sizes. One result is reported per item; a failed item never aborts the
// rest of the batch.
func (db *DB) BatchUpsert(ctx context.Context, items []Item) []BatchResult {
	start := time.Now()

	results := make([]BatchResult, len(items))
	batchSize := db.Config().BatchSize
	pool := db.workerPool()

	for lo := 0; lo < len(items); lo += batchSize {
		hi := min(lo+batchSize, len(items))

		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			i := i
			results[i].ID = items[i].ID

			wg.Add(1)
			task := func() {
				defer wg.Done()
				results[i].Err = db.Upsert(ctx, items[i].ID, items[i].Vector, items[i].Tags)
			}

			if err := pool.Submit(ctx, task); err != nil {
				// Pool swapped out or context expired; run inline so the
				// item still gets an outcome.
				task()
			}
		}
		wg.Wait()
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	db.opts.logger.LogBatchUpsert(ctx, len(items), failed)
	db.opts.metricsCollector.RecordBatchUpsert(len(items), failed, time.Since(start))

	return results
}

// Delete removes the vector stored under id. Deleting an unknown ID returns
// ErrNotFound.
func (db *DB) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := db.delete(ctx, id)

	db.opts.logger.LogDelete(ctx, id, err)
	db.opts.metricsCollector.RecordDelete(time.Since(start), err)

	if err != nil {
		return err
	}

	db.maybeSync(ctx)
	return nil
}

func (db *DB) delete(ctx context.Context, id string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if id == "" {
		return ErrEmptyID
	}

	db.idMu.RLock()
	handle, ok := db.handles[id]
	db.idMu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if err := db.idx.Delete(ctx, handle); err != nil {
		return translateError(err)
	}
	_ = db.store.Delete(handle)
	db.unmap(id, handle)

	db.mutations.Add(1)
	return nil
}

// BatchDelete deletes ids, reporting one result per ID. Unknown IDs are
// logged and reported as success; anything else surfaces in the result.
func (db *DB) BatchDelete(ctx context.Context, ids []string) []BatchResult {
	results := make([]BatchResult, len(ids))

	for i, id := range ids {
		results[i].ID = id

		err := db.Delete(ctx, id)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			db.opts.logger.DebugContext(ctx, "batch delete skipped unknown id", "id", id)
			continue
		}
		results[i].Err = err
	}

	return results
}

// Get returns the vector and tags stored under id.
func (db *DB) Get(id string) ([]float32, map[string]string, error) {
	if db.closed.Load() {
		return nil, nil, ErrClosed
	}

	db.idMu.RLock()
	handle, ok := db.handles[id]
	db.idMu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}

	vec, ok := db.store.Get(handle)
	if !ok {
		return nil, nil, ErrNotFound
	}

	tags, _ := db.store.Tags(handle)
	return slices.Clone(vec), maps.Clone(tags), nil
}

// Contains reports whether id is present.
func (db *DB) Contains(id string) bool {
	db.idMu.RLock()
	defer db.idMu.RUnlock()
	_, ok := db.handles[id]
	return ok
}

// Search returns the k nearest neighbors of query, sorted by ascending
// distance. An expired context yields the best results found so far rather
// than an error. Fewer than k results come back when fewer live vectors
// match.
func (db *DB) Search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	start := time.Now()
	results, err := db.search(ctx, query, k, optFns)

	db.opts.logger.LogSearch(ctx, k, len(results), err)
	db.opts.metricsCollector.RecordSearch(k, time.Since(start), err)

	return results, err
}

func (db *DB) search(ctx context.Context, query []float32, k int, optFns []func(o *SearchOptions)) ([]SearchResult, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	opts := SearchOptions{EF: db.Config().EFSearch}
	for _, fn := range optFns {
		fn(&opts)
	}

	var filter func(handle uint64) bool
	if opts.Filter != nil {
		filter = func(handle uint64) bool {
			db.idMu.RLock()
			id, ok := db.ids[handle]
			db.idMu.RUnlock()
			if !ok {
				return false
			}
			tags, _ := db.store.Tags(handle)
			return opts.Filter(id, tags)
		}
	}

	hits, err := db.idx.KNNSearch(ctx, query, k, index.SearchOptions{
		EF:     opts.EF,
		Filter: filter,
	})
	if err != nil {
		return nil, translateError(err)
	}

	results := make([]SearchResult, 0, len(hits))
	db.idMu.RLock()
	for _, hit := range hits {
		id, ok := db.ids[hit.ID]
		if !ok {
			// Deleted concurrently with the search.
			continue
		}
		tags, _ := db.store.Tags(hit.ID)
		results = append(results, SearchResult{ID: id, Distance: hit.Distance, Tags: maps.Clone(tags)})
	}
	db.idMu.RUnlock()

	return results, nil
}

// Stats reports the current shape of the database.
func (db *DB) Stats() Stats {
	db.idMu.RLock()
	ids := uint64(len(db.handles))
	db.idMu.RUnlock()

	return Stats{
		IDs:   ids,
		Index: db.idx.Stats(),
	}
}

// Sync compacts the index and, when a blob store is configured, writes a
// snapshot. It also runs automatically every SyncThreshold mutations.
func (db *DB) Sync(ctx context.Context) error {
	db.syncMu.Lock()
	defer db.syncMu.Unlock()
	return db.syncLocked(ctx)
}

func (db *DB) maybeSync(ctx context.Context) {
	threshold := int64(db.Config().SyncThreshold)
	if db.mutations.Load() < threshold {
		return
	}
	if !db.syncMu.TryLock() {
		return
	}
	defer db.syncMu.Unlock()

	if db.mutations.Load() < threshold {
		return
	}
	db.mutations.Store(0)

	err := db.syncLocked(ctx)
	db.opts.logger.LogMaintenance(ctx, err)
}

func (db *DB) syncLocked(ctx context.Context) error {
	if err := db.idx.Compact(ctx); err != nil {
		return err
	}
	if db.opts.blobs == nil {
		return nil
	}
	return db.saveSnapshot(ctx)
}

// Close shuts the database down. In-flight batch work is drained; the data
// itself lives in memory and in snapshots, so Close persists nothing.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	db.workerPool().Close()
	return nil
}
