package flat

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

func TestFlatExactSearch(t *testing.T) {
	rng := testutil.NewRNG(42)
	vectors := rng.UniformVectors(100, 8)

	f, err := New()
	require.NoError(t, err)

	ctx := context.Background()
	for i, v := range vectors {
		require.NoError(t, f.Insert(ctx, uint64(i), v))
	}

	distFunc, err := distance.Provider(distance.MetricL2)
	require.NoError(t, err)

	query := rng.UniformVectors(1, 8)[0]
	truth := testutil.BruteForceSearch(vectors, query, 10, distFunc)

	got, err := f.KNNSearch(ctx, query, 10, index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, truth, got)
}

func TestFlatInsertDeleteUpdate(t *testing.T) {
	f, err := New()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Insert(ctx, 1, []float32{1, 0}))
	require.NoError(t, f.Insert(ctx, 2, []float32{0, 1}))

	assert.Error(t, f.Insert(ctx, 1, []float32{5, 5}), "duplicate handle")
	assert.Equal(t, uint64(2), f.VectorCount())

	require.NoError(t, f.Update(ctx, 1, []float32{0.9, 0.9}))
	assert.ErrorIs(t, f.Update(ctx, 9, []float32{1, 1}), index.ErrUnknownHandle)

	require.NoError(t, f.Delete(ctx, 1))
	assert.False(t, f.Contains(1))
	assert.Equal(t, uint64(1), f.VectorCount())
	assert.ErrorIs(t, f.Delete(ctx, 1), index.ErrUnknownHandle)

	res, err := f.KNNSearch(ctx, []float32{1, 1}, 5, index.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(2), res[0].ID)
}

func TestFlatDimensionPinned(t *testing.T) {
	f, err := New()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Insert(ctx, 0, []float32{1, 2, 3}))

	var dm *vectorstore.DimensionMismatchError
	assert.ErrorAs(t, f.Insert(ctx, 1, []float32{1}), &dm)

	_, err = f.KNNSearch(ctx, []float32{1}, 1, index.SearchOptions{})
	assert.ErrorAs(t, err, &dm)
}

func TestFlatEmptyAndInvalidK(t *testing.T) {
	f, err := New()
	require.NoError(t, err)

	res, err := f.KNNSearch(context.Background(), []float32{1}, 3, index.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = f.KNNSearch(context.Background(), []float32{1}, 0, index.SearchOptions{})
	assert.ErrorIs(t, err, index.ErrInvalidK)
}

func TestFlatFilter(t *testing.T) {
	f, err := New()
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, f.Insert(ctx, uint64(i), []float32{float32(i)}))
	}

	odd := func(id uint64) bool { return id%2 == 1 }
	res, err := f.KNNSearch(ctx, []float32{0}, 3, index.SearchOptions{Filter: odd})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, uint64(1), res[0].ID)
	assert.Equal(t, uint64(3), res[1].ID)
	assert.Equal(t, uint64(5), res[2].ID)
}

func TestFlatCosine(t *testing.T) {
	f, err := New(func(o *Options) { o.Metric = distance.MetricCosine })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Insert(ctx, 0, []float32{10, 0}))
	require.NoError(t, f.Insert(ctx, 1, []float32{0, 10}))

	res, err := f.KNNSearch(ctx, []float32{1, 0.1}, 1, index.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(0), res[0].ID)

	assert.Error(t, f.Insert(ctx, 2, []float32{0, 0}), "zero vector cannot be normalized")
}

func TestFlatSerializationRoundTrip(t *testing.T) {
	store := vectorstore.NewDense()
	f, err := New(func(o *Options) { o.Vectors = store })
	require.NoError(t, err)

	ctx := context.Background()
	rng := testutil.NewRNG(9)
	vectors := rng.UniformVectors(20, 4)
	for i, v := range vectors {
		require.NoError(t, f.Insert(ctx, uint64(i), v))
	}
	require.NoError(t, f.Delete(ctx, 7))

	var idxBuf, storeBuf bytes.Buffer
	_, err = f.WriteTo(&idxBuf)
	require.NoError(t, err)
	_, err = store.WriteTo(&storeBuf)
	require.NoError(t, err)

	loadedStore := vectorstore.NewDense()
	_, err = loadedStore.ReadFrom(&storeBuf)
	require.NoError(t, err)

	loaded, err := New(func(o *Options) { o.Vectors = loadedStore })
	require.NoError(t, err)
	_, err = loaded.ReadFrom(&idxBuf)
	require.NoError(t, err)

	assert.Equal(t, f.VectorCount(), loaded.VectorCount())
	assert.False(t, loaded.Contains(7))

	query := vectors[3]
	want, err := f.KNNSearch(ctx, query, 5, index.SearchOptions{})
	require.NoError(t, err)
	got, err := loaded.KNNSearch(ctx, query, 5, index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
