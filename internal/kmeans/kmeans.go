// Package kmeans implements Lloyd's algorithm over flattened vector slabs.
// It backs centroid routing and the cluster split path of the two-level
// index.
package kmeans

import (
	"math"
	"math/rand"
	"sort"

	"github.com/spannix/spannix/distance"
)

// Result holds the trained centroids (flattened k*dim) and the cluster
// assignment of each input vector.
type Result struct {
	Centroids   []float32
	Assignments []int
}

// Train runs Lloyd's algorithm on the given flattened vectors. The rng seeds
// the initial centroid draw and empty-cluster re-initialization so that
// training is reproducible. Returns nil if there are fewer than k vectors.
func Train(rng *rand.Rand, vectors []float32, dim, k int, distFunc distance.Func, maxIter int) *Result {
	n := len(vectors) / dim
	if n < k {
		return nil
	}

	centroids := make([]float32, k*dim)

	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		// Assignment step
		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			bestCluster := -1
			minDist := float32(math.MaxFloat32)

			for j := 0; j < k; j++ {
				center := centroids[j*dim : (j+1)*dim]
				d := distFunc(vec, center)
				if d < minDist {
					minDist = d
					bestCluster = j
				}
			}

			if assignments[i] != bestCluster {
				assignments[i] = bestCluster
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		// Update step
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}

		for i := 0; i < n; i++ {
			cluster := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[cluster*dim+d] += vec[d]
			}
			counts[cluster]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-seed an empty cluster from a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return &Result{Centroids: centroids, Assignments: assignments}
}

// AssignPartition finds the closest centroid for a vector.
func AssignPartition(vec, centroids []float32, dim int, distFunc distance.Func) int {
	k := len(centroids) / dim

	bestCluster := -1
	minDist := float32(math.MaxFloat32)

	for j := 0; j < k; j++ {
		center := centroids[j*dim : (j+1)*dim]
		d := distFunc(vec, center)
		if d < minDist {
			minDist = d
			bestCluster = j
		}
	}

	return bestCluster
}

type centroidDist struct {
	id   int
	dist float32
}

// FindClosestCentroids returns the indices of the n closest centroids to the
// query vector, closest first. Ties break by ascending centroid index.
func FindClosestCentroids(query, centroids []float32, dim, n int, distFunc distance.Func) []int {
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		center := centroids[i*dim : (i+1)*dim]
		dists[i] = centroidDist{id: i, dist: distFunc(query, center)}
	}

	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}

	return result
}
