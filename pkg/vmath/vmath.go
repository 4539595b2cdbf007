// Package vmath provides small vector helpers shared by the embedding,
// storage, and retrieval packages.
package vmath

import "math"

// Cosine returns the cosine similarity of two vectors. Mismatched lengths or
// zero-magnitude inputs yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Fit returns v adjusted to dim: longer vectors are truncated, shorter ones
// zero-padded. The second return reports whether an adjustment happened.
func Fit(v []float32, dim int) ([]float32, bool) {
	if len(v) == dim {
		return v, false
	}
	out := make([]float32, dim)
	copy(out, v)
	return out, true
}

// Zero returns a zero vector of the given dimensionality.
func Zero(dim int) []float32 {
	return make([]float32, dim)
}

// MinMax normalizes scores to [0,1] within the given set using min-max
// scaling. A constant set maps every score to 1 so a lone candidate is not
// zeroed out.
func MinMax(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return scores
	}

	lo := math.Inf(1)
	hi := math.Inf(-1)
	for _, s := range scores {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}

	out := make(map[string]float64, len(scores))
	span := hi - lo
	for k, s := range scores {
		if span == 0 {
			out[k] = 1
			continue
		}
		out[k] = (s - lo) / span
	}
	return out
}
