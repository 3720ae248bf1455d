package memory

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
)

// =============================================================================
// EMBEDDINGS
// =============================================================================

// Dimensions is the fixed embedding vector length.
const Dimensions = 32

// Embedder turns a value into a fixed-length vector. Implementations must
// be deterministic; the vector tier depends on it for stable search.
type Embedder interface {
	Embed(value any) []float64
}

// HashEmbedder is the reference embedder: the MD5 digest of the value's
// string form, read as big-endian 4-byte chunks scaled into [0,1] and
// zero-padded to the fixed dimension. Deterministic, no model required.
type HashEmbedder struct{}

// Embed returns the 32-float embedding of a value.
func (HashEmbedder) Embed(value any) []float64 {
	sum := md5.Sum([]byte(fmt.Sprintf("%v", value)))

	vec := make([]float64, Dimensions)
	for i := 0; i+4 <= len(sum); i += 4 {
		chunk := binary.BigEndian.Uint32(sum[i : i+4])
		vec[i/4] = float64(chunk) / float64(1<<32)
	}
	return vec
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// zero when either norm is zero or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
