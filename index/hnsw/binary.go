package hnsw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/spannix/spannix/distance"
)

const graphFormatVersion = 1

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

// WriteTo serializes the graph structure. Vectors are owned by the vector
// store and serialized separately.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	upper := g.upper.Load()

	header := []any{
		uint16(graphFormatVersion),
		uint8(g.opts.Metric),
		boolByte(g.opts.NormalizeVectors),
		boolByte(g.opts.Heuristic),
		uint32(g.maxConns),
		uint32(g.opts.EFConstruction),
		uint32(g.opts.EFSearch),
		int32(g.dimension.Load()),
		int32(g.maxLevel.Load()),
		g.entryPoint.Load(),
		upper,
		g.live.Load(),
	}
	for _, v := range header {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, err
		}
	}

	for handle := uint64(0); handle < upper; handle++ {
		lock := g.shard(handle)
		lock.RLock()
		n := g.getNode(handle)
		if n == nil {
			lock.RUnlock()
			if err := binary.Write(cw, binary.LittleEndian, uint8(0)); err != nil {
				return cw.n, err
			}
			continue
		}

		if err := binary.Write(cw, binary.LittleEndian, uint8(1)); err != nil {
			lock.RUnlock()
			return cw.n, err
		}
		if err := binary.Write(cw, binary.LittleEndian, n.level); err != nil {
			lock.RUnlock()
			return cw.n, err
		}

		for layer := 0; layer <= int(n.level); layer++ {
			conns := n.conns[layer]
			if err := binary.Write(cw, binary.LittleEndian, uint32(len(conns))); err != nil {
				lock.RUnlock()
				return cw.n, err
			}
			for _, c := range conns {
				if err := binary.Write(cw, binary.LittleEndian, c); err != nil {
					lock.RUnlock()
					return cw.n, err
				}
			}
		}
		lock.RUnlock()
	}

	var tsBuf bytes.Buffer
	if _, err := g.tombstones.WriteTo(&tsBuf); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(tsBuf.Len())); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(tsBuf.Bytes()); err != nil {
		return cw.n, err
	}

	return cw.n, nil
}

// ReadFrom replaces the graph structure with serialized data. The vector
// store must already hold the matching vectors.
func (g *Graph) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}

	var (
		version       uint16
		metric        uint8
		normalize     uint8
		heuristic     uint8
		m             uint32
		efConstr      uint32
		efSearch      uint32
		dim           int32
		maxLevel      int32
		entryPoint    uint64
		upper         uint64
		live          int64
	)
	for _, v := range []any{
		&version, &metric, &normalize, &heuristic, &m, &efConstr, &efSearch,
		&dim, &maxLevel, &entryPoint, &upper, &live,
	} {
		if err := binary.Read(cr, binary.LittleEndian, v); err != nil {
			return cr.n, err
		}
	}

	if version != graphFormatVersion {
		return cr.n, fmt.Errorf("hnsw: unsupported graph format version %d", version)
	}

	distFunc, err := distance.Provider(distance.Metric(metric))
	if err != nil {
		return cr.n, err
	}

	g.opts.Metric = distance.Metric(metric)
	g.opts.NormalizeVectors = normalize != 0
	g.opts.Heuristic = heuristic != 0
	g.opts.EFConstruction = int(efConstr)
	g.opts.EFSearch = int(efSearch)
	g.distFunc = distFunc
	g.maxConns = int(m)
	g.maxConns0 = mmax0Multiplier * int(m)
	g.layerMultiplier = 1 / math.Log(float64(m))

	g.segments.Store(nil)
	g.upper.Store(0)

	for handle := uint64(0); handle < upper; handle++ {
		var present uint8
		if err := binary.Read(cr, binary.LittleEndian, &present); err != nil {
			return cr.n, err
		}
		if present == 0 {
			continue
		}

		var level int32
		if err := binary.Read(cr, binary.LittleEndian, &level); err != nil {
			return cr.n, err
		}

		n := &node{level: level, conns: make([][]uint64, level+1)}
		for layer := 0; layer <= int(level); layer++ {
			var count uint32
			if err := binary.Read(cr, binary.LittleEndian, &count); err != nil {
				return cr.n, err
			}
			conns := make([]uint64, count)
			for i := range conns {
				if err := binary.Read(cr, binary.LittleEndian, &conns[i]); err != nil {
					return cr.n, err
				}
			}
			n.conns[layer] = conns
		}

		g.setNode(handle, n)
	}

	var tsLen uint32
	if err := binary.Read(cr, binary.LittleEndian, &tsLen); err != nil {
		return cr.n, err
	}
	tsBytes := make([]byte, tsLen)
	if _, err := io.ReadFull(cr, tsBytes); err != nil {
		return cr.n, err
	}
	if _, err := g.tombstones.ReadFrom(bytes.NewReader(tsBytes)); err != nil {
		return cr.n, err
	}

	g.dimension.Store(dim)
	g.maxLevel.Store(maxLevel)
	g.entryPoint.Store(entryPoint)
	g.upper.Store(upper)
	g.live.Store(live)

	return cr.n, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
