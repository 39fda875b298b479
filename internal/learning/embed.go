package learning

import (
	"hash/fnv"
	"math"
)

// embeddingDim is the hashed bag-of-tokens vector width. Small on purpose:
// the vectors only rank a few thousand stored prompts, they are not a
// language model.
const embeddingDim = 128

// Embed maps normalized words to a fixed-width vector by feature hashing.
// Deterministic across processes, no vocabulary to persist.
func Embed(words []string) []float32 {
	vec := make([]float32, embeddingDim)
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		sum := h.Sum32()
		idx := sum % embeddingDim
		// Second hash bit decides sign, which keeps unrelated collisions
		// from always reinforcing each other.
		sign := float32(1)
		if (sum>>16)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= n
	}
}

// Cosine returns the similarity of two normalized vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
