package vectorstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Options configures a Dense store.
type Options struct {
	// Dimension pins the vector dimension up front. Zero means the dimension
	// is pinned by the first inserted vector.
	Dimension int

	// InitialCapacity is the number of vector slots allocated at creation.
	InitialCapacity int

	// ResizeFactor is the capacity multiplier applied when the backing slab
	// fills up. Values below 1.1 are clamped.
	ResizeFactor float64

	// Reserver, when set, accounts slab growth before it happens. A denied
	// reservation fails the insert and leaves the store untouched.
	Reserver MemoryReserver
}

// DefaultOptions are the defaults for a Dense store.
var DefaultOptions = Options{
	InitialCapacity: 1024,
	ResizeFactor:    1.5,
}

// Dense is a columnar vector store.
//
// Vectors live contiguously in a single []float32 slab: vector h occupies
// data[h*dim : (h+1)*dim]. The slab pointer is swapped atomically on growth
// so readers never block on writers.
//
// Concurrent reads are lock-free; writes serialize on an internal mutex.
type Dense struct {
	opts Options

	dim  atomic.Int32
	data atomic.Pointer[[]float32]

	mu       sync.RWMutex
	deleted  []uint64 // bit h set means handle h is deleted
	tags     []map[string]string
	count    uint64 // total slots in use (including deleted)
	live     uint64
	reserved int64 // bytes currently accounted with the reserver
}

// NewDense creates a Dense store.
func NewDense(optFns ...func(o *Options)) *Dense {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.ResizeFactor < 1.1 {
		opts.ResizeFactor = 1.1
	}
	if opts.InitialCapacity < 0 {
		opts.InitialCapacity = 0
	}

	s := &Dense{opts: opts}
	if opts.Dimension > 0 {
		s.dim.Store(int32(opts.Dimension))
	}

	data := make([]float32, 0)
	s.data.Store(&data)

	return s
}

// Dimension returns the pinned vector dimension, or 0 before the first insert.
func (s *Dense) Dimension() int {
	return int(s.dim.Load())
}

// Count returns the total number of handle slots in use, including deleted.
func (s *Dense) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// LiveCount returns the number of non-deleted vectors.
func (s *Dense) LiveCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Get returns the vector at the given handle.
// Returns nil, false if the handle is unassigned or deleted.
// The returned slice aliases internal memory; do not modify.
func (s *Dense) Get(handle uint64) ([]float32, bool) {
	data := s.data.Load()
	dim := int(s.dim.Load())
	if data == nil || dim == 0 {
		return nil, false
	}

	start := int(handle) * dim
	end := start + dim
	if end > len(*data) {
		return nil, false
	}

	s.mu.RLock()
	deleted := s.isDeletedLocked(handle)
	s.mu.RUnlock()

	if deleted {
		return nil, false
	}

	return (*data)[start:end:end], true
}

// GetAny returns the vector at the given handle even when it is deleted.
// Graph repair needs deleted vectors as routing waypoints until purge.
func (s *Dense) GetAny(handle uint64) ([]float32, bool) {
	data := s.data.Load()
	dim := int(s.dim.Load())
	if data == nil || dim == 0 {
		return nil, false
	}

	start := int(handle) * dim
	end := start + dim
	if end > len(*data) {
		return nil, false
	}

	return (*data)[start:end:end], true
}

// Tags returns the tags stored for the handle.
func (s *Dense) Tags(handle uint64) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if handle >= s.count || s.isDeletedLocked(handle) {
		return nil, false
	}
	if handle >= uint64(len(s.tags)) {
		return nil, true
	}

	return s.tags[handle], true
}

// SetResizeFactor adjusts the growth multiplier for future slab growth.
// Values below 1.1 are ignored.
func (s *Dense) SetResizeFactor(f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f >= 1.1 {
		s.opts.ResizeFactor = f
	}
}

// Put stores (or replaces) the vector at the given handle. The first Put pins
// the store dimension; later vectors of a different length fail with a
// DimensionMismatchError and leave the store unmodified.
func (s *Dense) Put(handle uint64, vec []float32, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(handle, vec, tags)
}

// Append stores a new vector at the next free handle and returns it.
func (s *Dense) Append(vec []float32, tags map[string]string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.count
	if err := s.putLocked(handle, vec, tags); err != nil {
		return 0, err
	}

	return handle, nil
}

func (s *Dense) putLocked(handle uint64, vec []float32, tags map[string]string) error {
	dim := int(s.dim.Load())
	if dim == 0 {
		if len(vec) == 0 {
			return &DimensionMismatchError{Expected: 1, Actual: 0}
		}
		dim = len(vec)
		s.dim.Store(int32(dim))
	}

	if len(vec) != dim {
		return &DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}

	requiredLen := (int(handle) + 1) * dim
	data := *s.data.Load()

	if requiredLen > cap(data) {
		newCap := int(float64(cap(data)) * s.opts.ResizeFactor)
		if minCap := s.opts.InitialCapacity * dim; newCap < minCap {
			newCap = minCap
		}
		if newCap < requiredLen {
			newCap = requiredLen
		}

		if err := s.reserveLocked(int64(newCap-cap(data)) * 4); err != nil {
			return err
		}

		grown := make([]float32, requiredLen, newCap)
		copy(grown, data)
		s.data.Store(&grown)
		data = grown
	} else if requiredLen > len(data) {
		data = data[:requiredLen]
		s.data.Store(&data)
	}

	copy(data[int(handle)*dim:], vec)

	for uint64(len(s.tags)) <= handle {
		s.tags = append(s.tags, nil)
	}
	s.tags[handle] = tags

	if handle >= s.count {
		// Slots skipped by a sparse put were never assigned; mark them
		// deleted so they cannot surface as zero vectors.
		for gap := s.count; gap < handle; gap++ {
			s.setDeletedLocked(gap, true)
		}
		s.count = handle + 1
		s.live++
	} else if s.isDeletedLocked(handle) {
		s.setDeletedLocked(handle, false)
		s.live++
	}

	return nil
}

func (s *Dense) reserveLocked(bytes int64) error {
	if s.opts.Reserver == nil || bytes <= 0 {
		return nil
	}
	if err := s.opts.Reserver.ReserveMemory(bytes); err != nil {
		return fmt.Errorf("reserve vector memory: %w", err)
	}
	s.reserved += bytes
	return nil
}

// Delete marks the vector at the handle as deleted. Deleting an unassigned
// handle returns ErrOutOfBounds; deleting twice is a no-op.
func (s *Dense) Delete(handle uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle >= s.count {
		return ErrOutOfBounds
	}

	if !s.isDeletedLocked(handle) {
		s.setDeletedLocked(handle, true)
		if handle < uint64(len(s.tags)) {
			s.tags[handle] = nil
		}
		s.live--
	}

	return nil
}

// IsDeleted reports whether the handle is marked deleted.
func (s *Dense) IsDeleted(handle uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isDeletedLocked(handle)
}

func (s *Dense) isDeletedLocked(handle uint64) bool {
	word := handle / 64
	if word >= uint64(len(s.deleted)) {
		return false
	}
	return s.deleted[word]&(1<<(handle%64)) != 0
}

func (s *Dense) setDeletedLocked(handle uint64, deleted bool) {
	word := handle / 64
	for uint64(len(s.deleted)) <= word {
		s.deleted = append(s.deleted, 0)
	}
	if deleted {
		s.deleted[word] |= 1 << (handle % 64)
	} else {
		s.deleted[word] &^= 1 << (handle % 64)
	}
}

// Compact removes deleted vectors and defragments the slab. It returns a map
// from old handles to new handles for live vectors; nil when nothing was
// deleted.
func (s *Dense) Compact() map[uint64]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live == s.count {
		return nil
	}

	dim := int(s.dim.Load())
	oldData := *s.data.Load()
	newData := make([]float32, 0, int(s.live)*dim)
	newTags := make([]map[string]string, 0, s.live)
	remap := make(map[uint64]uint64, s.live)

	var next uint64
	for old := uint64(0); old < s.count; old++ {
		if s.isDeletedLocked(old) {
			continue
		}

		start := int(old) * dim
		newData = append(newData, oldData[start:start+dim]...)
		if old < uint64(len(s.tags)) {
			newTags = append(newTags, s.tags[old])
		} else {
			newTags = append(newTags, nil)
		}
		remap[old] = next
		next++
	}

	if s.opts.Reserver != nil {
		freed := s.reserved - int64(cap(newData))*4
		if freed > 0 {
			s.opts.Reserver.ReleaseMemory(freed)
			s.reserved -= freed
		}
	}

	s.data.Store(&newData)
	s.tags = newTags
	s.count = next
	s.live = next
	s.deleted = make([]uint64, (next+63)/64)

	return remap
}

// Iterate calls fn for each live vector in ascending handle order.
// Return false from fn to stop.
func (s *Dense) Iterate(fn func(handle uint64, vec []float32, tags map[string]string) bool) {
	s.mu.RLock()
	count := s.count
	s.mu.RUnlock()

	data := s.data.Load()
	dim := int(s.dim.Load())
	if data == nil || dim == 0 {
		return
	}

	for h := uint64(0); h < count; h++ {
		s.mu.RLock()
		deleted := s.isDeletedLocked(h)
		var tags map[string]string
		if !deleted && h < uint64(len(s.tags)) {
			tags = s.tags[h]
		}
		s.mu.RUnlock()

		if deleted {
			continue
		}

		start := int(h) * dim
		end := start + dim
		if end > len(*data) {
			break
		}

		if !fn(h, (*data)[start:end:end], tags) {
			break
		}
	}
}

// WriteTo serializes the store. Framing, compression and checksums are the
// caller's concern (see the persistence package).
func (s *Dense) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var written int64

	var header [28]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(s.dim.Load()))
	binary.LittleEndian.PutUint64(header[4:], s.count)
	binary.LittleEndian.PutUint64(header[12:], s.live)
	binary.LittleEndian.PutUint64(header[20:], math.Float64bits(s.opts.ResizeFactor))

	n, err := w.Write(header[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	data := *s.data.Load()
	if len(data) > 0 {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
		n, err := w.Write(raw)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	words := (s.count + 63) / 64
	var buf [8]byte
	for i := uint64(0); i < words; i++ {
		var block uint64
		if i < uint64(len(s.deleted)) {
			block = s.deleted[i]
		}
		binary.LittleEndian.PutUint64(buf[:], block)
		n, err := w.Write(buf[:])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	n2, err := s.writeTagsLocked(w)
	written += n2

	return written, err
}

func (s *Dense) writeTagsLocked(w io.Writer) (int64, error) {
	var written int64

	var tagged uint64
	for h := uint64(0); h < s.count && h < uint64(len(s.tags)); h++ {
		if len(s.tags[h]) > 0 && !s.isDeletedLocked(h) {
			tagged++
		}
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], tagged)
	n, err := w.Write(buf[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	writeString := func(v string) error {
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(v)))
		n, err := w.Write(buf[:4])
		written += int64(n)
		if err != nil {
			return err
		}
		n, err = io.WriteString(w, v)
		written += int64(n)
		return err
	}

	for h := uint64(0); h < s.count && h < uint64(len(s.tags)); h++ {
		tags := s.tags[h]
		if len(tags) == 0 || s.isDeletedLocked(h) {
			continue
		}

		binary.LittleEndian.PutUint64(buf[:], h)
		n, err := w.Write(buf[:])
		written += int64(n)
		if err != nil {
			return written, err
		}

		binary.LittleEndian.PutUint32(buf[:4], uint32(len(tags)))
		n, err = w.Write(buf[:4])
		written += int64(n)
		if err != nil {
			return written, err
		}

		for k, v := range tags {
			if err := writeString(k); err != nil {
				return written, err
			}
			if err := writeString(v); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// ReadFrom replaces the store contents with serialized data.
func (s *Dense) ReadFrom(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var read int64

	var header [28]byte
	n, err := io.ReadFull(r, header[:])
	read += int64(n)
	if err != nil {
		return read, err
	}

	dim := binary.LittleEndian.Uint32(header[0:])
	count := binary.LittleEndian.Uint64(header[4:])
	live := binary.LittleEndian.Uint64(header[12:])
	resizeFactor := math.Float64frombits(binary.LittleEndian.Uint64(header[20:]))

	dataLen := int(count) * int(dim)
	if err := s.reserveLocked(int64(dataLen)*4 - s.reserved); err != nil {
		return read, err
	}

	data := make([]float32, dataLen)
	if dataLen > 0 {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), dataLen*4)
		n, err := io.ReadFull(r, raw)
		read += int64(n)
		if err != nil {
			return read, err
		}
	}

	words := (count + 63) / 64
	deleted := make([]uint64, words)
	var buf [8]byte
	for i := range deleted {
		n, err := io.ReadFull(r, buf[:])
		read += int64(n)
		if err != nil {
			return read, err
		}
		deleted[i] = binary.LittleEndian.Uint64(buf[:])
	}

	tags, n2, err := s.readTags(r, count)
	read += n2
	if err != nil {
		return read, err
	}

	s.dim.Store(int32(dim))
	s.data.Store(&data)
	s.deleted = deleted
	s.tags = tags
	s.count = count
	s.live = live
	if resizeFactor >= 1.1 {
		s.opts.ResizeFactor = resizeFactor
	}

	return read, nil
}

func (s *Dense) readTags(r io.Reader, count uint64) ([]map[string]string, int64, error) {
	var read int64
	var buf [8]byte

	n, err := io.ReadFull(r, buf[:])
	read += int64(n)
	if err != nil {
		return nil, read, err
	}
	tagged := binary.LittleEndian.Uint64(buf[:])

	readString := func() (string, error) {
		n, err := io.ReadFull(r, buf[:4])
		read += int64(n)
		if err != nil {
			return "", err
		}
		b := make([]byte, binary.LittleEndian.Uint32(buf[:4]))
		n, err = io.ReadFull(r, b)
		read += int64(n)
		return string(b), err
	}

	tags := make([]map[string]string, count)
	for i := uint64(0); i < tagged; i++ {
		n, err := io.ReadFull(r, buf[:])
		read += int64(n)
		if err != nil {
			return nil, read, err
		}
		handle := binary.LittleEndian.Uint64(buf[:])

		n, err = io.ReadFull(r, buf[:4])
		read += int64(n)
		if err != nil {
			return nil, read, err
		}
		pairs := binary.LittleEndian.Uint32(buf[:4])

		m := make(map[string]string, pairs)
		for j := uint32(0); j < pairs; j++ {
			k, err := readString()
			if err != nil {
				return nil, read, err
			}
			v, err := readString()
			if err != nil {
				return nil, read, err
			}
			m[k] = v
		}

		if handle < count {
			tags[handle] = m
		}
	}

	return tags, read, nil
}

var _ Store = (*Dense)(nil)
