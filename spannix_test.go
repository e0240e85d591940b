package spannix

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spannix/spannix/blobstore"
	"github.com/spannix/spannix/distance"
	"github.com/spannix/spannix/index/spann"
	"github.com/spannix/spannix/resource"
	"github.com/spannix/spannix/testutil"
)

func testConfig(kind IndexKind) Config {
	return Config{
		Kind:           kind,
		Metric:         distance.MetricL2,
		MaxNeighbors:   8,
		EFConstruction: 100,
		EFSearch:       64,
		NumThreads:     2,
		BatchSize:      8,
		SyncThreshold:  100000,
		SearchNProbe:   8,
		SplitThreshold: 40,
		MergeThreshold: 4,
	}
}

func newTestDB(t *testing.T, kind IndexKind, optFns ...Option) *DB {
	t.Helper()

	db, err := New(testConfig(kind), append([]Option{WithRandomSeed(42)}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func upsertVectors(t *testing.T, db *DB, vectors [][]float32) {
	t.Helper()
	ctx := context.Background()

	for i, vec := range vectors {
		require.NoError(t, db.Upsert(ctx, fmt.Sprintf("vec-%d", i), vec, nil))
	}
}

func TestUpsertSearchDelete(t *testing.T) {
	for _, kind := range []IndexKind{IndexHNSW, IndexSPANN} {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			db := newTestDB(t, kind)

			rng := testutil.NewRNG(7)
			vectors := rng.UniformVectors(100, 8)
			upsertVectors(t, db, vectors)

			assert.Equal(t, uint64(100), db.Stats().IDs)

			for _, i := range []int{0, 33, 99} {
				results, err := db.Search(ctx, vectors[i], 1)
				require.NoError(t, err)
				require.Len(t, results, 1)
				assert.Equal(t, fmt.Sprintf("vec-%d", i), results[0].ID)
				assert.InDelta(t, 0.0, results[0].Distance, 1e-6)
			}

			require.NoError(t, db.Delete(ctx, "vec-33"))
			assert.False(t, db.Contains("vec-33"))

			_, _, err := db.Get("vec-33")
			assert.ErrorIs(t, err, ErrNotFound)

			results, err := db.Search(ctx, vectors[33], 5)
			require.NoError(t, err)
			for _, r := range results {
				assert.NotEqual(t, "vec-33", r.ID)
			}

			assert.ErrorIs(t, db.Delete(ctx, "vec-33"), ErrNotFound)
		})
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, IndexHNSW)

	vec := []float32{1, 2, 3, 4}
	tags := map[string]string{"lang": "en"}

	require.NoError(t, db.Upsert(ctx, "doc", vec, tags))
	require.NoError(t, db.Upsert(ctx, "doc", vec, tags), "identical payload is absorbed")
	assert.Equal(t, uint64(1), db.Stats().IDs)
	assert.Equal(t, uint64(1), db.Stats().Index.LiveCount)

	// A changed payload updates in place under the same ID.
	require.NoError(t, db.Upsert(ctx, "doc", []float32{4, 3, 2, 1}, tags))
	assert.Equal(t, uint64(1), db.Stats().IDs)

	got, gotTags, err := db.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 3, 2, 1}, got)
	assert.Equal(t, tags, gotTags)
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, IndexHNSW)

	assert.ErrorIs(t, db.Upsert(ctx, "", []float32{1, 2}, nil), ErrEmptyID)

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 2, 3}, nil))

	err := db.Upsert(ctx, "b", []float32{1, 2}, nil)
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	// The failed upsert left nothing behind.
	assert.False(t, db.Contains("b"))
	assert.Equal(t, uint64(1), db.Stats().IDs)
}

func TestUpsertRejectedUpdateKeepsOldPayload(t *testing.T) {
	for _, kind := range []IndexKind{IndexHNSW, IndexSPANN} {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()

			cfg := testConfig(kind)
			cfg.Metric = distance.MetricCosine
			db, err := New(cfg, WithRandomSeed(42))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })

			vec := []float32{1, 0, 0, 0}
			tags := map[string]string{"lang": "en"}
			require.NoError(t, db.Upsert(ctx, "doc", vec, tags))
			require.NoError(t, db.Upsert(ctx, "other", []float32{0, 1, 0, 0}, nil))

			// A zero vector of the right length passes the dimension check
			// but cannot be normalized under cosine. The rejected update must
			// not disturb the stored payload or the index.
			require.Error(t, db.Upsert(ctx, "doc", []float32{0, 0, 0, 0}, nil))

			got, gotTags, err := db.Get("doc")
			require.NoError(t, err)
			assert.Equal(t, vec, got)
			assert.Equal(t, tags, gotTags)

			results, err := db.Search(ctx, vec, 1)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "doc", results[0].ID)
		})
	}
}

func TestBatchUpsertPerItemOutcomes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, IndexHNSW)

	items := []Item{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "b", Vector: []float32{0, 1}}, // wrong dimension
		{ID: "c", Vector: []float32{0, 0, 1}},
		{ID: "", Vector: []float32{1, 1, 1}}, // empty id
	}

	results := db.BatchUpsert(ctx, items)
	require.Len(t, results, 4)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[2].Err)

	var dm *ErrDimensionMismatch
	assert.ErrorAs(t, results[1].Err, &dm)
	assert.ErrorIs(t, results[3].Err, ErrEmptyID)

	// Failures never abort the rest of the batch.
	assert.Equal(t, uint64(2), db.Stats().IDs)
}

func TestBatchDeleteIgnoresUnknownIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, IndexHNSW)

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 2, 3}, nil))
	require.NoError(t, db.Upsert(ctx, "b", []float32{3, 2, 1}, nil))

	results := db.BatchDelete(ctx, []string{"a", "ghost", "b"})
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NoError(t, r.Err, "unknown ids are logged, not surfaced")
	}

	assert.Equal(t, uint64(0), db.Stats().IDs)

	// Direct deletes still report the miss.
	assert.ErrorIs(t, db.Delete(ctx, "ghost"), ErrNotFound)
}

func TestSearchValidation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, IndexHNSW)

	_, err := db.Search(ctx, []float32{1, 2, 3}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	// Empty database returns empty results, not an error.
	results, err := db.Search(ctx, []float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	// k larger than the live count returns everything.
	require.NoError(t, db.Upsert(ctx, "only", []float32{1, 2, 3}, nil))
	results, err = db.Search(ctx, []float32{1, 2, 3}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchFilterByTags(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, IndexHNSW)

	rng := testutil.NewRNG(11)
	vectors := rng.UniformVectors(60, 6)
	for i, vec := range vectors {
		tags := map[string]string{"parity": "odd"}
		if i%2 == 0 {
			tags["parity"] = "even"
		}
		require.NoError(t, db.Upsert(ctx, fmt.Sprintf("vec-%d", i), vec, tags))
	}

	results, err := db.Search(ctx, vectors[10], 10, func(o *SearchOptions) {
		o.Filter = func(_ string, tags map[string]string) bool {
			return tags["parity"] == "even"
		}
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "even", r.Tags["parity"])
	}
	assert.Equal(t, "vec-10", results[0].ID)
}

func TestUpdateConfigFixedFieldsIgnored(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, IndexSPANN)

	before := db.Config()

	updated := before
	updated.SearchNProbe = 99
	updated.WriteNProbe = 99
	updated.SplitThreshold = 9999
	updated.MergeThreshold = 1
	updated.MaxNeighbors = 64
	updated.EFSearch = 32
	updated.BatchSize = 3
	updated.SyncThreshold = 50

	after := db.UpdateConfig(ctx, updated)

	// Structural fields stay as created.
	assert.Equal(t, before.SearchNProbe, after.SearchNProbe)
	assert.Equal(t, before.WriteNProbe, after.WriteNProbe)
	assert.Equal(t, before.SplitThreshold, after.SplitThreshold)
	assert.Equal(t, before.MergeThreshold, after.MergeThreshold)
	assert.Equal(t, before.MaxNeighbors, after.MaxNeighbors)

	// Tunable fields take effect.
	assert.Equal(t, 32, after.EFSearch)
	assert.Equal(t, 3, after.BatchSize)
	assert.Equal(t, 50, after.SyncThreshold)
	assert.Equal(t, after, db.Config())

	// The index itself was never touched.
	sp, ok := db.idx.(*spann.SPANN)
	require.True(t, ok)
	searchNProbe, writeNProbe, _, split, merge := sp.FixedConfig()
	assert.Equal(t, before.SearchNProbe, searchNProbe)
	assert.Equal(t, before.WriteNProbe, writeNProbe)
	assert.Equal(t, before.SplitThreshold, split)
	assert.Equal(t, before.MergeThreshold, merge)
}

func TestSnapshotRoundTrip(t *testing.T) {
	for _, kind := range []IndexKind{IndexHNSW, IndexSPANN} {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			blobs := blobstore.NewMemoryStore()

			db := newTestDB(t, kind, WithBlobStore(blobs))

			rng := testutil.NewRNG(3)
			vectors := rng.UniformVectors(80, 8)
			for i, vec := range vectors {
				require.NoError(t, db.Upsert(ctx, fmt.Sprintf("vec-%d", i), vec, map[string]string{"i": fmt.Sprint(i)}))
			}
			require.NoError(t, db.Delete(ctx, "vec-7"))

			require.NoError(t, db.SaveSnapshot(ctx))

			restored, err := New(testConfig(kind), WithBlobStore(blobs))
			require.NoError(t, err)
			t.Cleanup(func() { _ = restored.Close() })

			require.NoError(t, restored.LoadSnapshot(ctx))

			assert.Equal(t, db.Config(), restored.Config(), "config round-trips through the snapshot")
			assert.Equal(t, uint64(79), restored.Stats().IDs)
			assert.False(t, restored.Contains("vec-7"))

			vec, tags, err := restored.Get("vec-42")
			require.NoError(t, err)
			assert.Equal(t, vectors[42], vec)
			assert.Equal(t, map[string]string{"i": "42"}, tags)

			want, err := db.Search(ctx, vectors[13], 10)
			require.NoError(t, err)
			got, err := restored.Search(ctx, vectors[13], 10)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	filename := t.TempDir() + "/db.spx"

	db := newTestDB(t, IndexHNSW)
	rng := testutil.NewRNG(5)
	upsertVectors(t, db, rng.UniformVectors(30, 4))

	require.NoError(t, db.SaveSnapshotFile(ctx, filename))

	restored, err := New(testConfig(IndexHNSW))
	require.NoError(t, err)
	t.Cleanup(func() { _ = restored.Close() })

	require.NoError(t, restored.LoadSnapshotFile(ctx, filename))
	assert.Equal(t, uint64(30), restored.Stats().IDs)
}

func TestLoadSnapshotMissing(t *testing.T) {
	db := newTestDB(t, IndexHNSW, WithBlobStore(blobstore.NewMemoryStore()))
	assert.ErrorIs(t, db.LoadSnapshot(context.Background()), ErrSnapshotNotFound)
}

func TestSnapshotWithoutBlobStore(t *testing.T) {
	db := newTestDB(t, IndexHNSW)
	assert.ErrorIs(t, db.SaveSnapshot(context.Background()), ErrNoBlobStore)
	assert.ErrorIs(t, db.LoadSnapshot(context.Background()), ErrNoBlobStore)
}

func TestSyncThresholdCompacts(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(IndexHNSW)
	cfg.SyncThreshold = 60
	db, err := New(cfg, WithRandomSeed(42))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rng := testutil.NewRNG(9)
	vectors := rng.UniformVectors(40, 6)
	upsertVectors(t, db, vectors)

	for i := 0; i < 20; i++ {
		require.NoError(t, db.Delete(ctx, fmt.Sprintf("vec-%d", i)))
	}

	// The 60th mutation hit the threshold, so the tombstones from the
	// deletes have been purged.
	assert.Equal(t, uint64(0), db.Stats().Index.Tombstones)
	assert.Equal(t, uint64(20), db.Stats().Index.LiveCount)
}

type cosineOnlyEmbedder struct{}

func (cosineOnlyEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, nil
}

func (cosineOnlyEmbedder) SupportedMetrics() []distance.Metric {
	return []distance.Metric{distance.MetricCosine}
}

func TestEmbedderMetricValidation(t *testing.T) {
	cfg := testConfig(IndexHNSW)

	_, err := New(cfg, WithEmbedder(cosineOnlyEmbedder{}))
	assert.ErrorIs(t, err, ErrInvalidMetric)

	cfg.Metric = distance.MetricCosine
	db, err := New(cfg, WithEmbedder(cosineOnlyEmbedder{}))
	require.NoError(t, err)
	_ = db.Close()
}

func TestResourceExhaustedLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()

	controller := resource.NewController(resource.Config{MemoryLimitBytes: 64})
	db := newTestDB(t, IndexHNSW, WithResourceController(controller))

	big := make([]float32, 1024)
	err := db.Upsert(ctx, "huge", big, nil)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	assert.False(t, db.Contains("huge"))
	assert.Equal(t, uint64(0), db.Stats().IDs)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, IndexHNSW)

	require.NoError(t, db.Upsert(ctx, "a", []float32{1, 2}, nil))
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Upsert(ctx, "b", []float32{2, 1}, nil), ErrClosed)
	_, err := db.Search(ctx, []float32{1, 2}, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Close(), ErrClosed)
}
