package aperture

// sqDistance computes the squared Euclidean distance between two descriptors
// of equal length. The loop is unrolled in blocks of four dimensions, which
// matters for the 64- and 128-dimensional descriptors this library is built
// for; the result is identical to the naive loop.
//
// Accumulation happens in float64 so that tree descent and k-means
// comparisons are not at the mercy of float32 rounding.
//
// Time complexity: O(n) where n is the descriptor length.
func sqDistance(a, b []float32) float64 {
	var sum float64

	rest := len(a) % 4
	n := len(a) - rest

	for i := 0; i < n; i += 4 {
		d0 := float64(a[i] - b[i])
		d1 := float64(a[i+1] - b[i+1])
		d2 := float64(a[i+2] - b[i+2])
		d3 := float64(a[i+3] - b[i+3])
		sum += d0*d0 + d1*d1 + d2*d2 + d3*d3
	}

	for i := n; i < len(a); i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}

	return sum
}
