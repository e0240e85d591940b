// Package distance provides the distance metrics used by the indexes.
//
// Distance kernels assume both vectors have the same length; dimension
// checks happen at the store and index boundaries before any kernel runs.
// All metrics are oriented so that smaller means closer.
package distance

import (
	"fmt"
	"math"
	"slices"
)

// Metric selects the distance metric used for vector comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricInnerProduct
	MetricCosine
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricInnerProduct:
		return "InnerProduct"
	case MetricCosine:
		return "Cosine"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// ParseMetric converts a metric name (as produced by String) back to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "L2":
		return MetricL2, nil
	case "InnerProduct":
		return MetricInnerProduct, nil
	case "Cosine":
		return MetricCosine, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

// Func computes the distance between two equal-length vectors.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric. It is
// resolved once at index construction, never in the search hot path.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricInnerProduct:
		return NegatedDot, nil
	case MetricCosine:
		return CosineDistance, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// Dot computes the dot product of two vectors using 4-way unrolled
// accumulators so independent multiplies pipeline.
func Dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32

	i := 0
	for ; i+3 < len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}

	return s0 + s1 + s2 + s3
}

// SquaredL2 computes the squared Euclidean distance. The square root is
// omitted: it is monotone and nearest-neighbor ordering does not need it.
func SquaredL2(a, b []float32) float32 {
	var s0, s1, s2, s3 float32

	i := 0
	for ; i+3 < len(a); i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < len(a); i++ {
		d := a[i] - b[i]
		s0 += d * d
	}

	return s0 + s1 + s2 + s3
}

// NegatedDot converts the dot product similarity into a distance,
// 1 - <a,b>, so that higher similarity sorts first.
func NegatedDot(a, b []float32) float32 {
	return 1 - Dot(a, b)
}

// CosineDistance computes 1 - cos(a,b). If either vector has zero norm the
// angle is undefined and the distance is defined as 1 (neutral similarity).
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float32

	i := 0
	for ; i+3 < len(a); i += 4 {
		dot += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
		na += a[i]*a[i] + a[i+1]*a[i+1] + a[i+2]*a[i+2] + a[i+3]*a[i+3]
		nb += b[i]*b[i] + b[i+1]*b[i+1] + b[i+2]*b[i+2] + b[i+3]*b[i+3]
	}
	for ; i < len(a); i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}

	if na == 0 || nb == 0 {
		return 1
	}

	return 1 - dot/float32(math.Sqrt(float64(na)*float64(nb)))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}

	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}

	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}

	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}

	return dst, true
}
