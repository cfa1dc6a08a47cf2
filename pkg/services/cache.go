package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
	"github.com/synthline-io/synthline-engine/pkg/models"
)

// CacheStore maps fingerprints to previously accepted generation
// procedures. Implementations must be safe for concurrent use; lookups
// increment the hit counter of the returned record.
type CacheStore interface {
	// LookupExact returns the procedure whose full hash matches, or
	// apperrors.ErrNotFound.
	LookupExact(ctx context.Context, fp models.Fingerprint) (*models.GenerationProcedure, error)

	// LookupSimilar returns the best embedding match with similarity at or
	// above threshold together with its score, or apperrors.ErrNotFound.
	// Ties break on higher hit count, then newer creation time.
	LookupSimilar(ctx context.Context, fp models.Fingerprint, threshold float64) (*models.GenerationProcedure, float64, error)

	// Insert upserts a procedure keyed by its full hash. Idempotent.
	Insert(ctx context.Context, proc *models.GenerationProcedure) error

	// Evict removes entries older than the given age, or all entries when
	// olderThan is nil. Returns the number of entries removed.
	Evict(ctx context.Context, olderThan *time.Duration) (int, error)
}

// MemoryCacheStore is the in-process CacheStore for single-node
// deployments. Entries are bucketed by exact hash so similarity scans only
// touch structurally compatible candidates.
type MemoryCacheStore struct {
	mu         sync.RWMutex
	buckets    map[string][]*models.GenerationProcedure
	byFullHash map[string]*models.GenerationProcedure
	maxEntries int
	logger     *zap.Logger
}

// NewMemoryCacheStore creates an in-memory procedure cache. maxEntries of
// zero means unbounded.
func NewMemoryCacheStore(maxEntries int, logger *zap.Logger) *MemoryCacheStore {
	return &MemoryCacheStore{
		buckets:    make(map[string][]*models.GenerationProcedure),
		byFullHash: make(map[string]*models.GenerationProcedure),
		maxEntries: maxEntries,
		logger:     logger.Named("memory-cache"),
	}
}

func (s *MemoryCacheStore) LookupExact(_ context.Context, fp models.Fingerprint) (*models.GenerationProcedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.byFullHash[fp.FullHash]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	proc.HitCount++
	return cloneProcedure(proc), nil
}

func (s *MemoryCacheStore) LookupSimilar(_ context.Context, fp models.Fingerprint, threshold float64) (*models.GenerationProcedure, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.GenerationProcedure
	bestScore := 0.0

	for _, cand := range s.buckets[fp.ExactHash] {
		score := fp.Similarity(&cand.Fingerprint)
		if score < threshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && betterTieBreak(cand, best)) {
			best = cand
			bestScore = score
		}
	}

	if best == nil {
		return nil, 0, apperrors.ErrNotFound
	}
	best.HitCount++
	return cloneProcedure(best), bestScore, nil
}

func (s *MemoryCacheStore) Insert(_ context.Context, proc *models.GenerationProcedure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byFullHash[proc.Fingerprint.FullHash]; ok {
		existing.Plan = proc.Plan
		existing.Source = proc.Source
		return nil
	}

	stored := cloneProcedure(proc)
	s.byFullHash[stored.Fingerprint.FullHash] = stored
	s.buckets[stored.Fingerprint.ExactHash] = append(s.buckets[stored.Fingerprint.ExactHash], stored)

	if s.maxEntries > 0 && len(s.byFullHash) > s.maxEntries {
		s.evictOldestLocked()
	}
	return nil
}

func (s *MemoryCacheStore) Evict(_ context.Context, olderThan *time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if olderThan == nil {
		removed := len(s.byFullHash)
		s.buckets = make(map[string][]*models.GenerationProcedure)
		s.byFullHash = make(map[string]*models.GenerationProcedure)
		return removed, nil
	}

	cutoff := time.Now().Add(-*olderThan)
	removed := 0
	for hash, proc := range s.byFullHash {
		if proc.CreatedAt.Before(cutoff) {
			s.removeLocked(hash, proc)
			removed++
		}
	}
	s.logger.Info("cache evicted", zap.Int("removed", removed))
	return removed, nil
}

// Len returns the current entry count.
func (s *MemoryCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byFullHash)
}

func (s *MemoryCacheStore) evictOldestLocked() {
	var oldest *models.GenerationProcedure
	oldestHash := ""
	for hash, proc := range s.byFullHash {
		if oldest == nil || proc.CreatedAt.Before(oldest.CreatedAt) {
			oldest = proc
			oldestHash = hash
		}
	}
	if oldest != nil {
		s.removeLocked(oldestHash, oldest)
	}
}

func (s *MemoryCacheStore) removeLocked(fullHash string, proc *models.GenerationProcedure) {
	delete(s.byFullHash, fullHash)
	bucket := s.buckets[proc.Fingerprint.ExactHash]
	for i, p := range bucket {
		if p == proc {
			s.buckets[proc.Fingerprint.ExactHash] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(s.buckets[proc.Fingerprint.ExactHash]) == 0 {
		delete(s.buckets, proc.Fingerprint.ExactHash)
	}
}

func betterTieBreak(a, b *models.GenerationProcedure) bool {
	if a.HitCount != b.HitCount {
		return a.HitCount > b.HitCount
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func cloneProcedure(p *models.GenerationProcedure) *models.GenerationProcedure {
	out := *p
	out.Plan.Columns = append([]models.ColumnPlan(nil), p.Plan.Columns...)
	return &out
}

var _ CacheStore = (*MemoryCacheStore)(nil)
