package hnsw

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spannix/spannix/distance"
	"github.com/spannix/spannix/index"
	"github.com/spannix/spannix/testutil"
	"github.com/spannix/spannix/vectorstore"
)

func seededGraph(t *testing.T, seed int64, optFns ...func(o *Options)) *Graph {
	t.Helper()

	fns := append([]func(o *Options){func(o *Options) {
		o.RandomSeed = &seed
	}}, optFns...)

	g, err := New(fns...)
	require.NoError(t, err)
	return g
}

func insertAll(t *testing.T, g *Graph, vectors [][]float32) {
	t.Helper()
	ctx := context.Background()
	for i, v := range vectors {
		require.NoError(t, g.Insert(ctx, uint64(i), v))
	}
}

func TestGraphSelfRetrieval(t *testing.T) {
	rng := testutil.NewRNG(42)
	vectors := rng.UniformVectors(200, 16)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	ctx := context.Background()
	for i := 0; i < 200; i += 10 {
		res, err := g.KNNSearch(ctx, vectors[i], 1, index.SearchOptions{EF: 100})
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, uint64(i), res[0].ID)
		assert.InDelta(t, 0, res[0].Distance, 1e-6)
	}
}

func TestGraphEmptySearch(t *testing.T) {
	g := seededGraph(t, 1)

	res, err := g.KNNSearch(context.Background(), []float32{1, 2, 3}, 5, index.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestGraphInvalidK(t *testing.T) {
	g := seededGraph(t, 1)

	_, err := g.KNNSearch(context.Background(), []float32{1}, 0, index.SearchOptions{})
	assert.ErrorIs(t, err, index.ErrInvalidK)

	_, err = g.BruteSearch(context.Background(), []float32{1}, -1, nil)
	assert.ErrorIs(t, err, index.ErrInvalidK)
}

func TestGraphKGreaterThanLiveCount(t *testing.T) {
	rng := testutil.NewRNG(7)
	vectors := rng.UniformVectors(5, 8)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	res, err := g.KNNSearch(context.Background(), vectors[0], 50, index.SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, res, 5)
}

func TestGraphDimensionMismatch(t *testing.T) {
	g := seededGraph(t, 1)
	ctx := context.Background()

	require.NoError(t, g.Insert(ctx, 0, []float32{1, 2, 3}))

	err := g.Insert(ctx, 1, []float32{1, 2})
	var dm *vectorstore.DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	// The failed insert must leave the graph unmodified.
	assert.Equal(t, uint64(1), g.VectorCount())
	assert.False(t, g.Contains(1))

	_, err = g.KNNSearch(ctx, []float32{1, 2}, 1, index.SearchOptions{})
	assert.ErrorAs(t, err, &dm)
}

func TestGraphDuplicateHandle(t *testing.T) {
	g := seededGraph(t, 1)
	ctx := context.Background()

	require.NoError(t, g.Insert(ctx, 3, []float32{1, 2}))
	assert.Error(t, g.Insert(ctx, 3, []float32{3, 4}))
	assert.Equal(t, uint64(1), g.VectorCount())
}

func TestGraphDeleteVisibility(t *testing.T) {
	rng := testutil.NewRNG(11)
	vectors := rng.UniformVectors(50, 8)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	ctx := context.Background()
	query := vectors[17]

	res, err := g.KNNSearch(ctx, query, 1, index.SearchOptions{EF: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(17), res[0].ID)

	require.NoError(t, g.Delete(ctx, 17))
	assert.Equal(t, uint64(49), g.VectorCount())
	assert.False(t, g.Contains(17))

	// The tombstoned node must vanish from results immediately.
	res, err = g.KNNSearch(ctx, query, 10, index.SearchOptions{EF: 100})
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, uint64(17), r.ID)
	}

	// Deleting twice is a no-op.
	require.NoError(t, g.Delete(ctx, 17))
	assert.Equal(t, uint64(49), g.VectorCount())

	assert.ErrorIs(t, g.Delete(ctx, 999), index.ErrUnknownHandle)
}

func TestGraphUpdate(t *testing.T) {
	g := seededGraph(t, 1)
	ctx := context.Background()

	require.NoError(t, g.Insert(ctx, 0, []float32{0, 0}))
	require.NoError(t, g.Insert(ctx, 1, []float32{1, 1}))
	require.NoError(t, g.Insert(ctx, 2, []float32{5, 5}))

	require.NoError(t, g.Update(ctx, 0, []float32{4.9, 4.9}))
	assert.Equal(t, uint64(3), g.VectorCount())

	res, err := g.KNNSearch(ctx, []float32{5, 5}, 2, index.SearchOptions{EF: 10})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(2), res[0].ID)
	assert.Equal(t, uint64(0), res[1].ID)

	assert.ErrorIs(t, g.Update(ctx, 42, []float32{1, 1}), index.ErrUnknownHandle)
}

func TestGraphUpdateRejectedVectorLeavesNodeIntact(t *testing.T) {
	g := seededGraph(t, 1, func(o *Options) { o.Metric = distance.MetricCosine })
	ctx := context.Background()

	require.NoError(t, g.Insert(ctx, 0, []float32{1, 0}))
	require.NoError(t, g.Insert(ctx, 1, []float32{0, 1}))

	// Right length, but not normalizable: rejected before the old node is
	// tombstoned.
	assert.Error(t, g.Update(ctx, 0, []float32{0, 0}))

	var dm *vectorstore.DimensionMismatchError
	assert.ErrorAs(t, g.Update(ctx, 0, []float32{1}), &dm)

	assert.True(t, g.Contains(0))
	assert.Equal(t, uint64(2), g.VectorCount())

	res, err := g.KNNSearch(ctx, []float32{1, 0}, 1, index.SearchOptions{EF: 10})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(0), res[0].ID)
	assert.InDelta(t, 0, res[0].Distance, 1e-6)
}

func TestGraphRecallMonotonicInEF(t *testing.T) {
	rng := testutil.NewRNG(5)
	vectors := rng.UniformVectors(500, 16)
	queries := rng.UniformVectors(20, 16)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	ctx := context.Background()
	distFunc, err := distance.Provider(distance.MetricL2)
	require.NoError(t, err)

	recallAt := func(ef int) float64 {
		var total float64
		for _, q := range queries {
			truth := testutil.BruteForceSearch(vectors, q, 10, distFunc)
			approx, err := g.KNNSearch(ctx, q, 10, index.SearchOptions{EF: ef})
			require.NoError(t, err)
			total += testutil.ComputeRecall(truth, approx)
		}
		return total / float64(len(queries))
	}

	low := recallAt(10)
	high := recallAt(300)

	assert.GreaterOrEqual(t, high, 0.95)
	assert.GreaterOrEqual(t, high+1e-9, low)
}

func TestGraphDeterministicWithSeed(t *testing.T) {
	rng := testutil.NewRNG(23)
	vectors := rng.UniformVectors(100, 8)
	query := rng.UniformVectors(1, 8)[0]

	run := func() []index.SearchResult {
		g := seededGraph(t, 99)
		insertAll(t, g, vectors)
		res, err := g.KNNSearch(context.Background(), query, 10, index.SearchOptions{EF: 50})
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, run(), run())
}

func TestGraphExpiredContextReturnsPartialResults(t *testing.T) {
	rng := testutil.NewRNG(3)
	vectors := rng.UniformVectors(50, 8)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := g.KNNSearch(ctx, vectors[0], 5, index.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestGraphBruteSearchMatchesGroundTruth(t *testing.T) {
	rng := testutil.NewRNG(13)
	vectors := rng.UniformVectors(100, 8)
	query := rng.UniformVectors(1, 8)[0]

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	distFunc, err := distance.Provider(distance.MetricL2)
	require.NoError(t, err)

	truth := testutil.BruteForceSearch(vectors, query, 10, distFunc)
	got, err := g.BruteSearch(context.Background(), query, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, truth, got)
}

func TestGraphFilter(t *testing.T) {
	rng := testutil.NewRNG(17)
	vectors := rng.UniformVectors(60, 8)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	even := func(id uint64) bool { return id%2 == 0 }

	res, err := g.KNNSearch(context.Background(), vectors[4], 10, index.SearchOptions{EF: 120, Filter: even})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.Zero(t, r.ID%2)
	}
}

func TestGraphCompactPurgesTombstones(t *testing.T) {
	rng := testutil.NewRNG(29)
	vectors := rng.UniformVectors(120, 8)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	ctx := context.Background()
	for i := 0; i < 120; i += 4 {
		require.NoError(t, g.Delete(ctx, uint64(i)))
	}
	assert.Equal(t, uint64(30), g.Stats().Tombstones)

	require.NoError(t, g.Compact(ctx))

	stats := g.Stats()
	assert.Zero(t, stats.Tombstones)
	assert.Equal(t, uint64(90), stats.LiveCount)
	assert.Equal(t, uint64(90), stats.TotalCount)
	assert.False(t, g.Contains(0))

	// The purged graph must still answer searches over the survivors.
	for i := 1; i < 120; i += 13 {
		if i%4 == 0 {
			continue
		}
		res, err := g.KNNSearch(ctx, vectors[i], 1, index.SearchOptions{EF: 120})
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, uint64(i), res[0].ID)
	}
}

func TestGraphCompactRelocatesEntryPoint(t *testing.T) {
	rng := testutil.NewRNG(31)
	vectors := rng.UniformVectors(40, 8)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	ctx := context.Background()
	ep := g.entryPoint.Load()
	require.NoError(t, g.Delete(ctx, ep))
	require.NoError(t, g.Compact(ctx))

	assert.NotEqual(t, ep, g.entryPoint.Load())
	assert.False(t, g.Contains(ep))

	res, err := g.KNNSearch(ctx, vectors[1], 5, index.SearchOptions{EF: 80})
	require.NoError(t, err)
	assert.NotEmpty(t, res)
}

func TestGraphCosineZeroQueryVector(t *testing.T) {
	g := seededGraph(t, 1, func(o *Options) { o.Metric = distance.MetricCosine })
	ctx := context.Background()

	require.NoError(t, g.Insert(ctx, 0, []float32{1, 0}))

	_, err := g.KNNSearch(ctx, []float32{0, 0}, 1, index.SearchOptions{})
	assert.Error(t, err)

	assert.Error(t, g.Insert(ctx, 1, []float32{0, 0}))
}

func TestGraphSerializationRoundTrip(t *testing.T) {
	rng := testutil.NewRNG(37)
	vectors := rng.UniformVectors(80, 8)

	store := vectorstore.NewDense()
	g := seededGraph(t, 1, func(o *Options) { o.Vectors = store })
	insertAll(t, g, vectors)

	ctx := context.Background()
	require.NoError(t, g.Delete(ctx, 5))

	var graphBuf, storeBuf bytes.Buffer
	_, err := g.WriteTo(&graphBuf)
	require.NoError(t, err)
	_, err = store.WriteTo(&storeBuf)
	require.NoError(t, err)

	loadedStore := vectorstore.NewDense()
	_, err = loadedStore.ReadFrom(&storeBuf)
	require.NoError(t, err)

	loaded := seededGraph(t, 1, func(o *Options) { o.Vectors = loadedStore })
	_, err = loaded.ReadFrom(&graphBuf)
	require.NoError(t, err)

	assert.Equal(t, g.VectorCount(), loaded.VectorCount())
	assert.Equal(t, g.Dimension(), loaded.Dimension())

	query := vectors[33]
	want, err := g.KNNSearch(ctx, query, 10, index.SearchOptions{EF: 80})
	require.NoError(t, err)
	got, err := loaded.KNNSearch(ctx, query, 10, index.SearchOptions{EF: 80})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGraphStats(t *testing.T) {
	rng := testutil.NewRNG(41)
	vectors := rng.UniformVectors(64, 8)

	g := seededGraph(t, 1)
	insertAll(t, g, vectors)

	stats := g.Stats()
	assert.Equal(t, "hnsw", stats.Name)
	assert.Equal(t, 8, stats.Dimension)
	assert.Equal(t, uint64(64), stats.TotalCount)
	assert.Equal(t, uint64(64), stats.LiveCount)

	var sum uint64
	for _, n := range stats.LayerHistogram {
		sum += n
	}
	assert.Equal(t, uint64(64), sum)
}
