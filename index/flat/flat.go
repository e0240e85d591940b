// Package flat provides an exact-scan index. It is the reference against
// which the approximate indexes are validated and the local index for small
// clusters.
package flat

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/spannix/spannix/distance"
	"github.com/spannix/spannix/index"
	"github.com/spannix/spannix/internal/queue"
	"github.com/spannix/spannix/vectorstore"
)

var _ index.Index = (*Flat)(nil)

// Options contains configuration for the flat index.
type Options struct {
	// Dimension pins the vector dimension up front. Zero means the first
	// insert pins it.
	Dimension int

	// Metric is the distance metric.
	Metric distance.Metric

	// NormalizeVectors L2-normalizes stored vectors and queries. Forced on
	// for cosine.
	NormalizeVectors bool

	// Vectors is the backing vector store. A private Dense store is created
	// when nil.
	Vectors vectorstore.Store
}

// DefaultOptions are the defaults for a flat index.
var DefaultOptions = Options{
	Metric: distance.MetricL2,
}

// state is the immutable membership snapshot for lock-free reads.
type state struct {
	members *roaring64.Bitmap
}

// Flat is an exact-scan index. Reads are lock-free against an immutable
// membership snapshot; writes serialize on writeMu and publish a new
// snapshot (copy-on-write).
type Flat struct {
	st        atomic.Pointer[state]
	writeMu   sync.Mutex
	dimension atomic.Int32

	distFunc distance.Func
	vectors  vectorstore.Store
	opts     Options
}

// New creates a flat index.
func New(optFns ...func(o *Options)) (*Flat, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Metric == distance.MetricCosine {
		opts.NormalizeVectors = true
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	f := &Flat{
		distFunc: distFunc,
		vectors:  opts.Vectors,
		opts:     opts,
	}
	f.dimension.Store(int32(opts.Dimension))

	if f.vectors == nil {
		f.vectors = vectorstore.NewDense(func(o *vectorstore.Options) {
			o.Dimension = opts.Dimension
		})
	}

	f.st.Store(&state{members: roaring64.New()})

	return f, nil
}

// Name returns the index kind.
func (*Flat) Name() string { return "flat" }

// Dimension returns the pinned vector dimension, or 0 before the first insert.
func (f *Flat) Dimension() int { return int(f.dimension.Load()) }

// VectorCount returns the number of live vectors.
func (f *Flat) VectorCount() uint64 {
	return f.st.Load().members.GetCardinality()
}

// Contains reports whether a handle is present.
func (f *Flat) Contains(handle uint64) bool {
	return f.st.Load().members.Contains(handle)
}

// Handles returns the live handles in ascending order.
func (f *Flat) Handles() []uint64 {
	return f.st.Load().members.ToArray()
}

// Insert adds a vector under a caller-chosen handle.
func (f *Flat) Insert(ctx context.Context, handle uint64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.put(handle, vec, false)
}

// Update replaces the vector stored under an existing handle.
func (f *Flat) Update(ctx context.Context, handle uint64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.put(handle, vec, true)
}

func (f *Flat) put(handle uint64, vec []float32, mustExist bool) error {
	if len(vec) == 0 {
		return &vectorstore.DimensionMismatchError{Expected: f.Dimension(), Actual: 0}
	}

	dim := int(f.dimension.Load())
	if dim == 0 {
		f.dimension.CompareAndSwap(0, int32(len(vec)))
		dim = int(f.dimension.Load())
	}
	if len(vec) != dim {
		return &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}

	if f.opts.NormalizeVectors {
		normalized, ok := distance.NormalizeL2Copy(vec)
		if !ok {
			return fmt.Errorf("flat: cannot normalize zero vector")
		}
		vec = normalized
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	old := f.st.Load()
	exists := old.members.Contains(handle)
	if mustExist && !exists {
		return index.ErrUnknownHandle
	}
	if !mustExist && exists {
		return fmt.Errorf("flat: handle %d already present", handle)
	}

	tags, _ := f.vectors.Tags(handle)
	if err := f.vectors.Put(handle, vec, tags); err != nil {
		return err
	}

	if !exists {
		members := old.members.Clone()
		members.Add(handle)
		f.st.Store(&state{members: members})
	}

	return nil
}

// Delete removes a handle. Exact scans have no waypoints to preserve, so the
// removal is immediate.
func (f *Flat) Delete(ctx context.Context, handle uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	old := f.st.Load()
	if !old.members.Contains(handle) {
		return index.ErrUnknownHandle
	}

	members := old.members.Clone()
	members.Remove(handle)
	f.st.Store(&state{members: members})

	return nil
}

// KNNSearch scans every member; it is exact, so the EF option is ignored.
func (f *Flat) KNNSearch(ctx context.Context, query []float32, k int, opts index.SearchOptions) ([]index.SearchResult, error) {
	return f.BruteSearch(ctx, query, k, opts.Filter)
}

// BruteSearch scans every member. A context deadline yields the best results
// found so far.
func (f *Flat) BruteSearch(ctx context.Context, query []float32, k int, filter func(id uint64) bool) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	dim := int(f.dimension.Load())
	if dim != 0 && len(query) != dim {
		return nil, &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(query)}
	}

	q := query
	if f.opts.NormalizeVectors {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, fmt.Errorf("flat: zero query vector")
		}
		q = normalized
	}

	pq := queue.NewMax(k)
	st := f.st.Load()

	steps := 0
	it := st.members.Iterator()
	for it.HasNext() {
		steps++
		if steps%64 == 0 && ctx.Err() != nil {
			break
		}

		handle := it.Next()
		if filter != nil && !filter(handle) {
			continue
		}

		vec, ok := f.vectors.GetAny(handle)
		if !ok {
			continue
		}

		d := f.distFunc(q, vec)
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

// Compact is a no-op; deletes are immediate in an exact-scan index.
func (f *Flat) Compact(ctx context.Context) error {
	return ctx.Err()
}

// Stats reports the current index shape.
func (f *Flat) Stats() index.Stats {
	return index.Stats{
		Name:       f.Name(),
		Dimension:  f.Dimension(),
		TotalCount: f.VectorCount(),
		LiveCount:  f.VectorCount(),
	}
}

// WriteTo serializes the membership set. Vectors are owned by the vector
// store and serialized separately.
func (f *Flat) WriteTo(w io.Writer) (int64, error) {
	st := f.st.Load()

	var buf bytes.Buffer
	if _, err := st.members.WriteTo(&buf); err != nil {
		return 0, err
	}

	var written int64

	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(f.dimension.Load()))
	binary.LittleEndian.PutUint32(header[4:], uint32(f.opts.Metric))
	binary.LittleEndian.PutUint32(header[8:], uint32(buf.Len()))

	n, err := w.Write(header[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	n, err = w.Write(buf.Bytes())
	written += int64(n)

	return written, err
}

// ReadFrom replaces the membership set with serialized data.
func (f *Flat) ReadFrom(r io.Reader) (int64, error) {
	var read int64

	var header [12]byte
	n, err := io.ReadFull(r, header[:])
	read += int64(n)
	if err != nil {
		return read, err
	}

	metric := distance.Metric(binary.LittleEndian.Uint32(header[4:]))
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return read, err
	}

	payload := make([]byte, binary.LittleEndian.Uint32(header[8:]))
	n, err = io.ReadFull(r, payload)
	read += int64(n)
	if err != nil {
		return read, err
	}

	members := roaring64.New()
	if _, err := members.ReadFrom(bytes.NewReader(payload)); err != nil {
		return read, err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.dimension.Store(int32(binary.LittleEndian.Uint32(header[0:])))
	f.opts.Metric = metric
	if metric == distance.MetricCosine {
		f.opts.NormalizeVectors = true
	}
	f.distFunc = distFunc
	f.st.Store(&state{members: members})

	return read, nil
}
