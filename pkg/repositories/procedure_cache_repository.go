package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
	"github.com/synthline-io/synthline-engine/pkg/database"
	"github.com/synthline-io/synthline-engine/pkg/models"
	"github.com/synthline-io/synthline-engine/pkg/services"
)

// ProcedureCacheRepository is the PostgreSQL-backed procedure cache for
// deployments that share cached procedures across processes. Similarity
// scoring happens in-process over the structural bucket fetched by
// exact hash.
type ProcedureCacheRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewProcedureCacheRepository creates a Postgres procedure cache.
func NewProcedureCacheRepository(db *database.DB, logger *zap.Logger) *ProcedureCacheRepository {
	return &ProcedureCacheRepository{
		db:     db,
		logger: logger.Named("procedure-cache-repository"),
	}
}

func (r *ProcedureCacheRepository) LookupExact(ctx context.Context, fp models.Fingerprint) (*models.GenerationProcedure, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE procedure_cache
		SET hit_count = hit_count + 1
		WHERE full_hash = $1
		RETURNING id, exact_hash, full_hash, embedding, plan, source, hit_count, created_at`,
		fp.FullHash)

	proc, err := scanProcedure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup exact: %v", apperrors.ErrCacheUnavailable, err)
	}
	return proc, nil
}

func (r *ProcedureCacheRepository) LookupSimilar(ctx context.Context, fp models.Fingerprint, threshold float64) (*models.GenerationProcedure, float64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, exact_hash, full_hash, embedding, plan, source, hit_count, created_at
		FROM procedure_cache
		WHERE exact_hash = $1`,
		fp.ExactHash)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: lookup similar: %v", apperrors.ErrCacheUnavailable, err)
	}
	defer rows.Close()

	var best *models.GenerationProcedure
	bestScore := 0.0
	for rows.Next() {
		cand, err := scanProcedure(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scan candidate: %v", apperrors.ErrCacheUnavailable, err)
		}
		score := fp.Similarity(&cand.Fingerprint)
		if score < threshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && betterCandidate(cand, best)) {
			best = cand
			bestScore = score
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: lookup similar: %v", apperrors.ErrCacheUnavailable, err)
	}
	if best == nil {
		return nil, 0, apperrors.ErrNotFound
	}

	if _, err := r.db.Exec(ctx,
		`UPDATE procedure_cache SET hit_count = hit_count + 1 WHERE full_hash = $1`,
		best.Fingerprint.FullHash); err != nil {
		r.logger.Warn("hit count update failed", zap.Error(err))
	} else {
		best.HitCount++
	}
	return best, bestScore, nil
}

func (r *ProcedureCacheRepository) Insert(ctx context.Context, proc *models.GenerationProcedure) error {
	planDoc, err := json.Marshal(proc.Plan)
	if err != nil {
		return fmt.Errorf("serialize plan: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO procedure_cache (id, exact_hash, full_hash, embedding, plan, source, hit_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (full_hash) DO UPDATE
		SET plan = EXCLUDED.plan, source = EXCLUDED.source`,
		proc.ID, proc.Fingerprint.ExactHash, proc.Fingerprint.FullHash,
		proc.Fingerprint.Embedding, planDoc, string(proc.Source),
		proc.HitCount, proc.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", apperrors.ErrCacheUnavailable, err)
	}
	return nil
}

func (r *ProcedureCacheRepository) Evict(ctx context.Context, olderThan *time.Duration) (int, error) {
	var tag string
	var removed int64

	if olderThan == nil {
		result, err := r.db.Exec(ctx, `DELETE FROM procedure_cache`)
		if err != nil {
			return 0, fmt.Errorf("%w: evict: %v", apperrors.ErrCacheUnavailable, err)
		}
		removed = result.RowsAffected()
		tag = "all"
	} else {
		cutoff := time.Now().Add(-*olderThan)
		result, err := r.db.Exec(ctx, `DELETE FROM procedure_cache WHERE created_at < $1`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("%w: evict: %v", apperrors.ErrCacheUnavailable, err)
		}
		removed = result.RowsAffected()
		tag = "aged"
	}

	r.logger.Info("cache evicted", zap.String("mode", tag), zap.Int64("removed", removed))
	return int(removed), nil
}

func betterCandidate(a, b *models.GenerationProcedure) bool {
	if a.HitCount != b.HitCount {
		return a.HitCount > b.HitCount
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func scanProcedure(row pgx.Row) (*models.GenerationProcedure, error) {
	var (
		proc    models.GenerationProcedure
		id      uuid.UUID
		planDoc []byte
		source  string
	)
	if err := row.Scan(&id, &proc.Fingerprint.ExactHash, &proc.Fingerprint.FullHash,
		&proc.Fingerprint.Embedding, &planDoc, &source, &proc.HitCount, &proc.CreatedAt); err != nil {
		return nil, err
	}
	proc.ID = id
	proc.Source = models.ProcedureSource(source)
	if err := json.Unmarshal(planDoc, &proc.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &proc, nil
}

var _ services.CacheStore = (*ProcedureCacheRepository)(nil)
