package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
	"github.com/synthline-io/synthline-engine/pkg/models"
)

func testProcedure(exactHash, fullHash string, embedding []float32, createdAt time.Time) *models.GenerationProcedure {
	return &models.GenerationProcedure{
		ID: uuid.New(),
		Fingerprint: models.Fingerprint{
			ExactHash: exactHash,
			FullHash:  fullHash,
			Embedding: embedding,
		},
		Plan: models.GenerationPlan{Columns: []models.ColumnPlan{
			{Name: "age", Kind: models.SamplerNormal, Mean: 30, Std: 5, Min: 20, Max: 40},
		}},
		Source:    models.ProcedureSourceTemplate,
		CreatedAt: createdAt,
	}
}

func unitEmbedding(dim int) []float32 {
	e := make([]float32, models.EmbeddingSize)
	e[dim] = 1
	return e
}

func TestMemoryCache_ExactLookup(t *testing.T) {
	store := NewMemoryCacheStore(0, zap.NewNop())
	ctx := context.Background()

	proc := testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now())
	require.NoError(t, store.Insert(ctx, proc))

	got, err := store.LookupExact(ctx, proc.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, proc.ID, got.ID)
	assert.Equal(t, int64(1), got.HitCount)

	_, err = store.LookupExact(ctx, models.Fingerprint{FullHash: "missing"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryCache_SimilarLookupHonorsThreshold(t *testing.T) {
	store := NewMemoryCacheStore(0, zap.NewNop())
	ctx := context.Background()

	stored := testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now())
	require.NoError(t, store.Insert(ctx, stored))

	// Orthogonal embedding: cosine 0 maps to similarity 0.5.
	probe := models.Fingerprint{ExactHash: "shape-a", FullHash: "full-2", Embedding: unitEmbedding(1)}

	_, _, err := store.LookupSimilar(ctx, probe, 0.9)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	got, score, err := store.LookupSimilar(ctx, probe, 0.4)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.InDelta(t, 0.5, score, 1e-6)
}

func TestMemoryCache_SimilarLookupScopedToBucket(t *testing.T) {
	store := NewMemoryCacheStore(0, zap.NewNop())
	ctx := context.Background()

	stored := testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now())
	require.NoError(t, store.Insert(ctx, stored))

	// Identical embedding but different structural shape never matches.
	probe := models.Fingerprint{ExactHash: "shape-b", FullHash: "full-2", Embedding: unitEmbedding(0)}
	_, _, err := store.LookupSimilar(ctx, probe, 0.1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryCache_SimilarTieBreak(t *testing.T) {
	store := NewMemoryCacheStore(0, zap.NewNop())
	ctx := context.Background()

	older := testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now().Add(-time.Hour))
	newer := testProcedure("shape-a", "full-2", unitEmbedding(0), time.Now())
	require.NoError(t, store.Insert(ctx, older))
	require.NoError(t, store.Insert(ctx, newer))

	probe := models.Fingerprint{ExactHash: "shape-a", FullHash: "full-3", Embedding: unitEmbedding(0)}

	// Equal similarity and hit count: newer entry wins.
	got, _, err := store.LookupSimilar(ctx, probe, 0.9)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	// Give the older entry more hits: it now wins the tie.
	_, err = store.LookupExact(ctx, older.Fingerprint)
	require.NoError(t, err)
	_, err = store.LookupExact(ctx, older.Fingerprint)
	require.NoError(t, err)

	got, _, err = store.LookupSimilar(ctx, probe, 0.9)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)
}

func TestMemoryCache_InsertIsIdempotent(t *testing.T) {
	store := NewMemoryCacheStore(0, zap.NewNop())
	ctx := context.Background()

	proc := testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now())
	require.NoError(t, store.Insert(ctx, proc))
	require.NoError(t, store.Insert(ctx, proc))

	assert.Equal(t, 1, store.Len())
}

func TestMemoryCache_EvictOlderThan(t *testing.T) {
	store := NewMemoryCacheStore(0, zap.NewNop())
	ctx := context.Background()

	old := testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now().Add(-48*time.Hour))
	recent := testProcedure("shape-a", "full-2", unitEmbedding(1), time.Now())
	require.NoError(t, store.Insert(ctx, old))
	require.NoError(t, store.Insert(ctx, recent))

	age := 24 * time.Hour
	removed, err := store.Evict(ctx, &age)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())

	_, err = store.LookupExact(ctx, old.Fingerprint)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = store.LookupExact(ctx, recent.Fingerprint)
	assert.NoError(t, err)
}

func TestMemoryCache_EvictAll(t *testing.T) {
	store := NewMemoryCacheStore(0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now())))
	require.NoError(t, store.Insert(ctx, testProcedure("shape-b", "full-2", unitEmbedding(1), time.Now())))

	removed, err := store.Evict(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryCache_MaxEntriesEvictsOldest(t *testing.T) {
	store := NewMemoryCacheStore(2, zap.NewNop())
	ctx := context.Background()

	oldest := testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now().Add(-2*time.Hour))
	middle := testProcedure("shape-a", "full-2", unitEmbedding(1), time.Now().Add(-time.Hour))
	newest := testProcedure("shape-a", "full-3", unitEmbedding(2), time.Now())

	require.NoError(t, store.Insert(ctx, oldest))
	require.NoError(t, store.Insert(ctx, middle))
	require.NoError(t, store.Insert(ctx, newest))

	assert.Equal(t, 2, store.Len())
	_, err := store.LookupExact(ctx, oldest.Fingerprint)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryCache_LookupReturnsCopy(t *testing.T) {
	store := NewMemoryCacheStore(0, zap.NewNop())
	ctx := context.Background()

	proc := testProcedure("shape-a", "full-1", unitEmbedding(0), time.Now())
	require.NoError(t, store.Insert(ctx, proc))

	got, err := store.LookupExact(ctx, proc.Fingerprint)
	require.NoError(t, err)
	got.Plan.Columns[0].Mean = 999

	again, err := store.LookupExact(ctx, proc.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 30.0, again.Plan.Columns[0].Mean)
}
