package models

import "math"

// EmbeddingSize is the fixed length of fingerprint embedding vectors.
const EmbeddingSize = 128

// Fingerprint addresses a StructuralMetadata record in the procedure cache.
//
// ExactHash covers only structural shape (column count plus the ordered
// inferred-type sequence) and buckets candidates for approximate lookup.
// FullHash covers the entire privacy-safe statistical profile; two captures
// of the same dataset under statistical noise will intentionally diverge
// here. Embedding is a deterministic vector over the canonical metadata
// text, compared by cosine similarity. No raw cell value enters any input.
type Fingerprint struct {
	ExactHash string    `json:"exact_hash"`
	FullHash  string    `json:"full_hash"`
	Embedding []float32 `json:"embedding"`
}

// Similarity returns the cosine similarity of two embeddings mapped onto
// [0,1]. Mismatched or empty embeddings score zero.
func (f *Fingerprint) Similarity(other *Fingerprint) float64 {
	if len(f.Embedding) == 0 || len(f.Embedding) != len(other.Embedding) {
		return 0
	}
	var dot, normA, normB float64
	for i := range f.Embedding {
		a := float64(f.Embedding[i])
		b := float64(other.Embedding[i])
		dot += a * b
		normA += a * a
		normB += b * b
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}
