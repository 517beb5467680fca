// Package detect classifies scored images as good or defective by how far
// their anomaly score sits outside a line's reference distribution.
package detect

import (
	"math"
	"sort"
)

// Default LoOP parameters.
const (
	DefaultNeighbors = 10
	DefaultExtent    = 3.0
)

// LocalOutlierProbabilities returns the Local Outlier Probability of every
// value in values, using its k nearest neighbours and the given extent
// (the lambda multiplier of the probabilistic distance). Results lie in [0, 1].
// k is capped at len(values)-1.
func LocalOutlierProbabilities(values []float64, k int, extent float64) []float64 {
	n := len(values)
	probs := make([]float64, n)
	if n < 2 {
		return probs
	}
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		k = 1
	}

	neighbors := make([][]int, n)
	pdist := make([]float64, n)
	for i := range values {
		neighbors[i] = nearest(values, i, k)
		var sum float64
		for _, j := range neighbors[i] {
			d := values[i] - values[j]
			sum += d * d
		}
		pdist[i] = extent * math.Sqrt(sum/float64(k))
	}

	plof := make([]float64, n)
	var sq float64
	for i := range values {
		var mean float64
		for _, j := range neighbors[i] {
			mean += pdist[j]
		}
		mean /= float64(k)
		switch {
		case mean > 0:
			plof[i] = pdist[i]/mean - 1
		case pdist[i] > 0:
			plof[i] = math.Inf(1)
		}
		if !math.IsInf(plof[i], 0) {
			sq += plof[i] * plof[i]
		}
	}
	nplof := extent * math.Sqrt(sq/float64(n))

	for i := range values {
		switch {
		case math.IsInf(plof[i], 1):
			probs[i] = 1
		case nplof == 0:
			probs[i] = 0
		default:
			probs[i] = math.Max(0, math.Erf(plof[i]/(nplof*math.Sqrt2)))
		}
	}
	return probs
}

// nearest returns the indexes of the k values closest to values[i],
// excluding i itself. Ties keep input order.
func nearest(values []float64, i, k int) []int {
	idx := make([]int, 0, len(values)-1)
	for j := range values {
		if j != i {
			idx = append(idx, j)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return math.Abs(values[idx[a]]-values[i]) < math.Abs(values[idx[b]]-values[i])
	})
	return idx[:k]
}
