package embeddings

import (
	"math"

	"github.com/novadesk-io/answerline/internal/fault"
)

// UnitNormTolerance is the allowed deviation from length 1.
const UnitNormTolerance = 1e-6

// Dot returns the dot product. For unit-norm vectors this equals cosine
// similarity, which is why the cache and dedup paths call it directly.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine returns cosine similarity for vectors of any length.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	dot := Dot(a, b)
	na := math.Sqrt(Dot(a, a))
	nb := math.Sqrt(Dot(b, b))
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

// IsUnitNorm reports whether v has length 1 within tolerance.
func IsUnitNorm(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	return math.Abs(math.Sqrt(Dot(v, v))-1) <= UnitNormTolerance
}

// Normalize scales v to unit length in place and returns it. A zero vector
// cannot be normalized and is reported as an internal fault.
func Normalize(v []float32) ([]float32, error) {
	norm := math.Sqrt(Dot(v, v))
	if norm == 0 {
		return nil, fault.New(fault.Internal, "zero-length embedding cannot be normalized")
	}
	if math.Abs(norm-1) <= UnitNormTolerance {
		return v, nil
	}
	inv := float32(1 / norm)
	for i := range v {
		v[i] *= inv
	}
	return v, nil
}
