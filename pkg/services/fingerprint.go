package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/models"
)

// FingerprintIndex derives cache-addressing fingerprints from structural
// metadata. All inputs are aggregate statistics; no raw cell value ever
// enters a hash.
type FingerprintIndex interface {
	Fingerprint(md *models.StructuralMetadata) (models.Fingerprint, error)
}

type fingerprintIndex struct {
	logger *zap.Logger
}

// NewFingerprintIndex creates the fingerprint service.
func NewFingerprintIndex(logger *zap.Logger) FingerprintIndex {
	return &fingerprintIndex{logger: logger.Named("fingerprint-index")}
}

func (f *fingerprintIndex) Fingerprint(md *models.StructuralMetadata) (models.Fingerprint, error) {
	var fp models.Fingerprint

	// Exact hash covers only structural shape for coarse bucketing.
	var shape strings.Builder
	fmt.Fprintf(&shape, "v%s cols=%d types=", md.Version, md.ColumnCount)
	for i, d := range md.Columns {
		if i > 0 {
			shape.WriteByte(',')
		}
		shape.WriteString(string(d.InferredType))
	}
	fp.ExactHash = sha256Hex(shape.String())

	// Full hash covers the entire privacy-safe profile.
	secure, err := md.SecureJSON()
	if err != nil {
		return fp, fmt.Errorf("serialize metadata: %w", err)
	}
	fp.FullHash = sha256Hex(string(secure))

	fp.Embedding = embed(md.CanonicalText())

	f.logger.Debug("fingerprint computed",
		zap.String("exact_hash", fp.ExactHash[:12]),
		zap.String("full_hash", fp.FullHash[:12]))

	return fp, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// embed maps the canonical metadata text onto a fixed-length vector by
// feature hashing its tokens, then L2-normalizes. Deterministic, so equal
// canonical text always produces an identical embedding.
func embed(text string) []float32 {
	vec := make([]float64, models.EmbeddingSize)
	for _, token := range strings.Fields(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		dim := int(sum % models.EmbeddingSize)
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1.0
		}
		vec[dim] += sign
	}

	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, models.EmbeddingSize)
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
