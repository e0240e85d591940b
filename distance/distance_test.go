package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"unit apart", []float32{0, 0}, []float32{1, 0}, 1},
		{"general", []float32{1, 2, 3, 4, 5}, []float32{2, 4, 6, 8, 10}, 55},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SquaredL2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestDot(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"general", []float32{1, 2, 3, 4, 5}, []float32{5, 4, 3, 2, 1}, 35},
		{"negative", []float32{1, -1}, []float32{1, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestNegatedDot(t *testing.T) {
	// Higher similarity must produce smaller distance.
	q := []float32{1, 0, 0}
	near := []float32{0.9, 0.1, 0}
	far := []float32{0.1, 0.9, 0}

	assert.Less(t, NegatedDot(q, near), NegatedDot(q, far))
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"parallel scaled", []float32{1, 0}, []float32{5, 0}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"zero norm left", []float32{0, 0}, []float32{1, 0}, 1},
		{"zero norm right", []float32{1, 0}, []float32{0, 0}, 1},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineDistance(tt.a, tt.b), 1e-5)
		})
	}
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	ok := NormalizeL2InPlace(v)
	require.True(t, ok)
	assert.InDelta(t, 0.6, v[0], 1e-5)
	assert.InDelta(t, 0.8, v[1], 1e-5)
	assert.InDelta(t, 1.0, Dot(v, v), 1e-5)

	zero := []float32{0, 0, 0}
	assert.False(t, NormalizeL2InPlace(zero))

	src := []float32{0, 5}
	cp, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 5}, src, "source must be untouched")
	assert.InDelta(t, 1.0, cp[1], 1e-5)

	_, ok = NormalizeL2Copy([]float32{0})
	assert.False(t, ok)
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricInnerProduct, MetricCosine} {
		fn, err := Provider(m)
		require.NoError(t, err, m.String())
		require.NotNil(t, fn)
	}

	_, err := Provider(Metric(42))
	assert.Error(t, err)
}

func TestMetricString(t *testing.T) {
	assert.Equal(t, "L2", MetricL2.String())
	assert.Equal(t, "InnerProduct", MetricInnerProduct.String())
	assert.Equal(t, "Cosine", MetricCosine.String())
	assert.Equal(t, "Unknown(42)", Metric(42).String())
}

func TestParseMetricRoundTrip(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricInnerProduct, MetricCosine} {
		got, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMetric("Hamming")
	assert.Error(t, err)
}

func TestUnrolledTailHandling(t *testing.T) {
	// Lengths around the 4-way unroll boundary must agree with a scalar
	// reference.
	ref := func(a, b []float32) float32 {
		var s float32
		for i := range a {
			d := a[i] - b[i]
			s += d * d
		}
		return s
	}

	for n := 1; n <= 9; n++ {
		a := make([]float32, n)
		b := make([]float32, n)
		for i := 0; i < n; i++ {
			a[i] = float32(i + 1)
			b[i] = float32(n - i)
		}
		assert.InDelta(t, ref(a, b), SquaredL2(a, b), 1e-4, "n=%d", n)
	}
}
