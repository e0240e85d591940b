package spann

import (
	"context"
	"sync"

	"github.com/spannix/spannix/index"
	"github.com/spannix/spannix/index/flat"
	"github.com/spannix/spannix/index/hnsw"
	"github.com/spannix/spannix/vectorstore"
)

// localIndex wraps a per-cluster index behind a global-to-local handle
// mapping. Cluster indexes use dense local handles so their backing stores
// stay compact no matter how sparse the global handle space is.
type localIndex struct {
	mu       sync.RWMutex
	inner    index.Index
	store    *vectorstore.Dense
	toLocal  map[uint64]uint64
	toGlobal map[uint64]uint64
	next     uint64
}

func newLocalIndex(opts Options, dim int) (*localIndex, error) {
	store := vectorstore.NewDense(func(o *vectorstore.Options) {
		o.Dimension = dim
	})

	var (
		inner index.Index
		err   error
	)

	switch opts.LocalIndexType {
	case LocalHNSW:
		inner, err = hnsw.New(func(o *hnsw.Options) {
			o.Dimension = dim
			o.Metric = opts.Metric
			o.NormalizeVectors = opts.NormalizeVectors
			o.M = opts.M
			o.EFConstruction = opts.EFConstruction
			o.EFSearch = opts.EFSearch
			o.Vectors = store
			o.RandomSeed = opts.RandomSeed
		})
	default:
		inner, err = flat.New(func(o *flat.Options) {
			o.Dimension = dim
			o.Metric = opts.Metric
			o.NormalizeVectors = opts.NormalizeVectors
			o.Vectors = store
		})
	}
	if err != nil {
		return nil, err
	}

	return &localIndex{
		inner:    inner,
		store:    store,
		toLocal:  make(map[uint64]uint64),
		toGlobal: make(map[uint64]uint64),
	}, nil
}

func (l *localIndex) insert(ctx context.Context, global uint64, vec []float32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.toLocal[global]; ok {
		return nil
	}

	local := l.next
	if err := l.inner.Insert(ctx, local, vec); err != nil {
		return err
	}

	l.next++
	l.toLocal[global] = local
	l.toGlobal[local] = global

	return nil
}

func (l *localIndex) update(ctx context.Context, global uint64, vec []float32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	local, ok := l.toLocal[global]
	if !ok {
		return index.ErrUnknownHandle
	}

	return l.inner.Update(ctx, local, vec)
}

func (l *localIndex) delete(ctx context.Context, global uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	local, ok := l.toLocal[global]
	if !ok {
		return index.ErrUnknownHandle
	}

	if err := l.inner.Delete(ctx, local); err != nil {
		return err
	}

	delete(l.toLocal, global)
	delete(l.toGlobal, local)

	return nil
}

// search runs the cluster-local search and remaps results to global handles.
// The incoming filter speaks global handles and is translated on the fly.
func (l *localIndex) search(ctx context.Context, query []float32, k int, opts index.SearchOptions) ([]index.SearchResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	innerOpts := index.SearchOptions{EF: opts.EF}
	if opts.Filter != nil {
		filter := opts.Filter
		innerOpts.Filter = func(local uint64) bool {
			global, ok := l.toGlobal[local]
			return ok && filter(global)
		}
	}

	res, err := l.inner.KNNSearch(ctx, query, k, innerOpts)
	if err != nil {
		return nil, err
	}

	return l.remap(res), nil
}

func (l *localIndex) bruteSearch(ctx context.Context, query []float32, k int, filter func(id uint64) bool) ([]index.SearchResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var innerFilter func(uint64) bool
	if filter != nil {
		innerFilter = func(local uint64) bool {
			global, ok := l.toGlobal[local]
			return ok && filter(global)
		}
	}

	res, err := l.inner.BruteSearch(ctx, query, k, innerFilter)
	if err != nil {
		return nil, err
	}

	return l.remap(res), nil
}

// remap rewrites local result handles to global ones. Caller holds mu.
func (l *localIndex) remap(res []index.SearchResult) []index.SearchResult {
	out := res[:0]
	for _, r := range res {
		global, ok := l.toGlobal[r.ID]
		if !ok {
			continue
		}
		out = append(out, index.SearchResult{ID: global, Distance: r.Distance})
	}
	return out
}

func (l *localIndex) compact(ctx context.Context) error {
	return l.inner.Compact(ctx)
}

func (l *localIndex) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.toLocal)
}

// vector returns the stored vector for a global handle, including tombstoned
// ones awaiting purge.
func (l *localIndex) vector(global uint64) ([]float32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	local, ok := l.toLocal[global]
	if !ok {
		return nil, false
	}
	return l.store.GetAny(local)
}

// iterate visits every member with its vector. Vectors alias store memory;
// callbacks must not retain them past the call.
func (l *localIndex) iterate(fn func(global uint64, vec []float32) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for global, local := range l.toLocal {
		vec, ok := l.store.GetAny(local)
		if !ok {
			continue
		}
		if !fn(global, vec) {
			return
		}
	}
}
