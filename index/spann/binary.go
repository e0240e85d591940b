package spann

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spannix/spannix/distance"
)

const spannFormatVersion = 1

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// WriteTo serializes the full index: fixed configuration, centroids, and
// every cluster's members with their vectors. Replicated vectors are written
// once per hosting cluster so clusters reload independently.
func (s *SPANN) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cw := &countingWriter{w: w}
	dim := int(s.dimension.Load())

	header := []any{
		uint16(spannFormatVersion),
		uint8(s.opts.Metric),
		boolByte(s.opts.NormalizeVectors),
		uint8(s.opts.LocalIndexType),
		uint32(s.opts.SearchNProbe),
		uint32(s.opts.WriteNProbe),
		uint32(s.opts.ReassignNeighborCount),
		uint32(s.opts.SplitThreshold),
		uint32(s.opts.MergeThreshold),
		uint32(s.opts.M),
		uint32(s.opts.EFConstruction),
		uint32(s.opts.EFSearch),
		int32(dim),
		uint64(s.live.Load()),
		uint32(len(s.clusters)),
	}
	for _, v := range header {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, err
		}
	}

	for _, c := range s.clusters {
		if err := binary.Write(cw, binary.LittleEndian, c.centroid); err != nil {
			return cw.n, err
		}

		handles := c.members.ToArray()
		if err := binary.Write(cw, binary.LittleEndian, uint64(len(handles))); err != nil {
			return cw.n, err
		}

		for _, h := range handles {
			vec, ok := c.local.vector(h)
			if !ok {
				return cw.n, fmt.Errorf("spann: member %d has no vector", h)
			}
			if err := binary.Write(cw, binary.LittleEndian, h); err != nil {
				return cw.n, err
			}
			if err := binary.Write(cw, binary.LittleEndian, vec); err != nil {
				return cw.n, err
			}
		}
	}

	return cw.n, nil
}

// ReadFrom rebuilds the index from serialized data, replacing the current
// contents. Cluster-local indexes are reconstructed by reinserting members
// in ascending handle order.
func (s *SPANN) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}

	var (
		version        uint16
		metricByte     uint8
		normalizeByte  uint8
		localTypeByte  uint8
		searchNProbe   uint32
		writeNProbe    uint32
		reassign       uint32
		splitThreshold uint32
		mergeThreshold uint32
		m              uint32
		efConstruction uint32
		efSearch       uint32
		dim            int32
		live           uint64
		clusterCount   uint32
	)

	fields := []any{
		&version, &metricByte, &normalizeByte, &localTypeByte,
		&searchNProbe, &writeNProbe, &reassign, &splitThreshold,
		&mergeThreshold, &m, &efConstruction, &efSearch,
		&dim, &live, &clusterCount,
	}
	for _, f := range fields {
		if err := binary.Read(cr, binary.LittleEndian, f); err != nil {
			return cr.n, err
		}
	}

	if version != spannFormatVersion {
		return cr.n, fmt.Errorf("spann: unsupported format version %d", version)
	}

	rebuilt, err := New(func(o *Options) {
		*o = s.opts
		o.Metric = distance.Metric(metricByte)
		o.NormalizeVectors = normalizeByte != 0
		o.LocalIndexType = LocalIndexType(localTypeByte)
		o.SearchNProbe = int(searchNProbe)
		o.WriteNProbe = int(writeNProbe)
		o.ReassignNeighborCount = int(reassign)
		o.SplitThreshold = int(splitThreshold)
		o.MergeThreshold = int(mergeThreshold)
		o.M = int(m)
		o.EFConstruction = int(efConstruction)
		o.EFSearch = int(efSearch)
		o.Dimension = int(dim)
	})
	if err != nil {
		return cr.n, err
	}

	ctx := context.Background()

	for ci := uint32(0); ci < clusterCount; ci++ {
		centroid := make([]float32, dim)
		if err := binary.Read(cr, binary.LittleEndian, centroid); err != nil {
			return cr.n, err
		}

		c, err := rebuilt.newClusterLocked(centroid)
		if err != nil {
			return cr.n, err
		}

		var memberCount uint64
		if err := binary.Read(cr, binary.LittleEndian, &memberCount); err != nil {
			return cr.n, err
		}

		vec := make([]float32, dim)
		for mi := uint64(0); mi < memberCount; mi++ {
			var handle uint64
			if err := binary.Read(cr, binary.LittleEndian, &handle); err != nil {
				return cr.n, err
			}
			if err := binary.Read(cr, binary.LittleEndian, vec); err != nil {
				return cr.n, err
			}

			if err := c.local.insert(ctx, handle, vec); err != nil {
				return cr.n, err
			}
			c.members.Add(handle)
			rebuilt.liveSet.Add(handle)
		}

		rebuilt.clusters = append(rebuilt.clusters, c)
	}

	rebuilt.dimension.Store(dim)
	rebuilt.live.Store(int64(live))
	rebuilt.rebuildCentroidsLocked()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.opts = rebuilt.opts
	s.distFunc = rebuilt.distFunc
	s.clusters = rebuilt.clusters
	s.centroids = rebuilt.centroids
	s.liveSet = rebuilt.liveSet
	s.dimension.Store(dim)
	s.live.Store(int64(live))

	return cr.n, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
