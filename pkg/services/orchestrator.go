package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
	"github.com/synthline-io/synthline-engine/pkg/models"
)

// Pipeline states, used for structured logging of request progress.
const (
	StateReceived          = "RECEIVED"
	StateMetadataExtracted = "METADATA_EXTRACTED"
	StateCacheLookup       = "CACHE_LOOKUP"
	StateSynthesizing      = "SYNTHESIZING"
	StateExecuting         = "EXECUTING"
	StateValidating        = "VALIDATING"
	StateAccepted          = "ACCEPTED"
	StateRetry             = "RETRY"
	StateFailed            = "FAILED"
)

// Orchestrator drives the end-to-end generation pipeline per request.
type Orchestrator interface {
	// Generate runs the full pipeline: extraction, cache lookup, synthesis
	// on miss, sandboxed execution and validation with retries.
	Generate(ctx context.Context, table *models.Table, req *models.GenerationRequest) (*models.GenerationResult, error)

	// Metadata runs only the extraction stage, for the metadata-only path.
	Metadata(ctx context.Context, table *models.Table) (*models.StructuralMetadata, error)

	// CheckDictionary reports disagreements between a caller dictionary and
	// the metadata extracted from the table.
	CheckDictionary(ctx context.Context, table *models.Table, dict *models.DataDictionary) ([]models.ConstraintViolation, error)

	// EvictCache removes cached procedures older than the given age, or all
	// of them when olderThan is nil.
	EvictCache(ctx context.Context, olderThan *time.Duration) (int, error)
}

type orchestrator struct {
	extractor    MetadataExtractor
	fingerprints FingerprintIndex
	cache        CacheStore
	synthesizer  CodeSynthesizer
	sandbox      SandboxExecutor
	validator    Validator
	maxAttempts  int

	// inflight serializes synthesis per full hash so concurrent identical
	// requests share one procedure instead of stampeding the backend.
	inflight singleflight.Group

	logger *zap.Logger
}

// NewOrchestrator wires the pipeline services together.
func NewOrchestrator(
	extractor MetadataExtractor,
	fingerprints FingerprintIndex,
	cache CacheStore,
	synthesizer CodeSynthesizer,
	sandbox SandboxExecutor,
	validator Validator,
	maxAttempts int,
	logger *zap.Logger,
) Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &orchestrator{
		extractor:    extractor,
		fingerprints: fingerprints,
		cache:        cache,
		synthesizer:  synthesizer,
		sandbox:      sandbox,
		validator:    validator,
		maxAttempts:  maxAttempts,
		logger:       logger.Named("orchestrator"),
	}
}

func (o *orchestrator) Metadata(_ context.Context, table *models.Table) (*models.StructuralMetadata, error) {
	return o.extractor.Extract(table)
}

func (o *orchestrator) CheckDictionary(_ context.Context, table *models.Table, dict *models.DataDictionary) ([]models.ConstraintViolation, error) {
	if err := dict.Validate(); err != nil {
		return nil, err
	}
	md, err := o.extractor.Extract(table)
	if err != nil {
		return nil, err
	}
	return ValidateDictionary(dict, md), nil
}

func (o *orchestrator) EvictCache(ctx context.Context, olderThan *time.Duration) (int, error) {
	return o.cache.Evict(ctx, olderThan)
}

func (o *orchestrator) Generate(ctx context.Context, table *models.Table, req *models.GenerationRequest) (*models.GenerationResult, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o.logger.Debug("pipeline state", zap.String("state", StateReceived))

	md, err := o.extractor.Extract(table)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("pipeline state", zap.String("state", StateMetadataExtracted))

	fp, err := o.fingerprints.Fingerprint(md)
	if err != nil {
		return nil, err
	}

	numRows := req.NumRows
	if numRows == 0 {
		numRows = md.RowCount
	}

	proc, source, err := o.acquireProcedure(ctx, md, fp, req)
	if err != nil {
		return nil, err
	}

	baseSeed := seedFromHash(fp.FullHash)

	files := make([]*fileOutcome, req.FileCount)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < req.FileCount; i++ {
		g.Go(func() error {
			outcome, err := o.runAttempts(gctx, proc, md, numRows, req.MatchThreshold, baseSeed+int64(i)*1009)
			if err != nil {
				return err
			}
			files[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Warn("pipeline state", zap.String("state", StateFailed), zap.Error(err))
		return nil, err
	}

	result := &models.GenerationResult{Source: source, MatchScore: 1}
	for _, f := range files {
		result.Tables = append(result.Tables, f.table)
		if f.score < result.MatchScore {
			result.MatchScore = f.score
		}
		if f.attempts > result.Attempts {
			result.Attempts = f.attempts
		}
		result.LowConfidence = result.LowConfidence || f.lowConfidence
	}

	// Fresh procedures enter the cache only once accepted, only for
	// cache-enabled requests, and never when caller constraints shaped the
	// plan beyond what the fingerprint encodes.
	if source == models.SourceFreshlySynthesized && req.UseCache && req.Dictionary == nil && !result.LowConfidence {
		accepted := *proc
		accepted.Plan = *files[0].acceptedPlan
		if err := o.cache.Insert(ctx, &accepted); err != nil {
			o.logger.Warn("cache insert failed", zap.Error(err))
		}
	}

	state := StateAccepted
	if result.LowConfidence {
		state = StateFailed
	}
	o.logger.Info("pipeline state",
		zap.String("state", state),
		zap.Float64("match_score", result.MatchScore),
		zap.Int("attempts", result.Attempts),
		zap.String("source", string(source)))

	return result, nil
}

// acquireProcedure resolves the generation procedure for a fingerprint,
// consulting the cache first and synthesizing on miss. A singleflight group
// keyed by full hash guarantees at most one in-flight synthesis per
// fingerprint.
func (o *orchestrator) acquireProcedure(ctx context.Context, md *models.StructuralMetadata, fp models.Fingerprint, req *models.GenerationRequest) (*models.GenerationProcedure, models.ResultSource, error) {
	// Cache-bypassing requests (use_cache=false, or dictionary-constrained
	// ones the fingerprint cannot represent) must not share a flight with
	// cache-enabled requests: a shared flight could hand them a cached
	// procedure.
	if !req.UseCache || req.Dictionary != nil {
		o.logger.Debug("pipeline state", zap.String("state", StateSynthesizing))
		proc, err := o.synthesizer.Synthesize(ctx, md, fp, req.Dictionary)
		if err != nil {
			return nil, "", err
		}
		return proc, models.SourceFreshlySynthesized, nil
	}

	type acquisition struct {
		proc   *models.GenerationProcedure
		source models.ResultSource
	}

	v, err, _ := o.inflight.Do(fp.FullHash, func() (any, error) {
		o.logger.Debug("pipeline state", zap.String("state", StateCacheLookup))
		if proc := o.cacheLookup(ctx, fp, req.MatchThreshold); proc != nil {
			return &acquisition{proc: proc, source: models.SourceCacheHit}, nil
		}

		o.logger.Debug("pipeline state", zap.String("state", StateSynthesizing))
		proc, err := o.synthesizer.Synthesize(ctx, md, fp, nil)
		if err != nil {
			return nil, err
		}
		return &acquisition{proc: proc, source: models.SourceFreshlySynthesized}, nil
	})
	if err != nil {
		return nil, "", err
	}

	acq := v.(*acquisition)
	return acq.proc, acq.source, nil
}

// cacheLookup tries exact then approximate matching. Store failures are
// logged and treated as misses so the cache never becomes a correctness
// dependency.
func (o *orchestrator) cacheLookup(ctx context.Context, fp models.Fingerprint, threshold float64) *models.GenerationProcedure {
	proc, err := o.cache.LookupExact(ctx, fp)
	if err == nil {
		o.logger.Debug("cache hit", zap.String("kind", "exact"))
		return proc
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		o.logger.Warn("cache lookup failed", zap.Error(err))
		return nil
	}

	proc, score, err := o.cache.LookupSimilar(ctx, fp, threshold)
	if err == nil {
		o.logger.Debug("cache hit", zap.String("kind", "similar"), zap.Float64("similarity", score))
		return proc
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		o.logger.Warn("cache lookup failed", zap.Error(err))
	}
	return nil
}

type fileOutcome struct {
	table         *models.Table
	score         float64
	attempts      int
	lowConfidence bool
	acceptedPlan  *models.GenerationPlan
}

// runAttempts runs the execute/validate cycle for one output file,
// tightening the plan on rejection up to the attempt budget. When the
// budget is exhausted the best-scoring attempt is returned flagged rather
// than failing the request.
func (o *orchestrator) runAttempts(ctx context.Context, proc *models.GenerationProcedure, md *models.StructuralMetadata, numRows int, threshold float64, seed int64) (*fileOutcome, error) {
	plan := &proc.Plan
	variant := *proc

	var best *fileOutcome
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		variant.Plan = *plan

		o.logger.Debug("pipeline state", zap.String("state", StateExecuting), zap.Int("attempt", attempt))
		table, err := o.sandbox.Execute(ctx, &variant, numRows, seed+int64(attempt))
		if err != nil {
			lastErr = err
			o.logger.Warn("sandbox execution failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		o.logger.Debug("pipeline state", zap.String("state", StateValidating), zap.Int("attempt", attempt))
		score, err := o.validator.Validate(md, table)
		if err != nil {
			lastErr = err
			o.logger.Warn("validation failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if best == nil || score > best.score {
			planCopy := variant.Plan
			best = &fileOutcome{table: table, score: score, acceptedPlan: &planCopy}
		}
		best.attempts = attempt

		if score >= threshold {
			return best, nil
		}

		o.logger.Debug("pipeline state",
			zap.String("state", StateRetry),
			zap.Int("attempt", attempt),
			zap.Float64("score", score),
			zap.Float64("threshold", threshold))
		plan = plan.Tighten()
	}

	if best == nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("%w: no attempt produced output", apperrors.ErrSynthesisFailed)
	}

	o.logger.Warn("returning best effort below threshold",
		zap.Float64("score", best.score),
		zap.Float64("threshold", threshold),
		zap.Error(apperrors.ErrValidationExhausted))
	best.attempts = o.maxAttempts
	best.lowConfidence = true
	return best, nil
}

func seedFromHash(fullHash string) int64 {
	h := fnv.New64a()
	h.Write([]byte(fullHash))
	return int64(h.Sum64())
}
