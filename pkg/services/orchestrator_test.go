package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
	"github.com/synthline-io/synthline-engine/pkg/models"
	"github.com/synthline-io/synthline-engine/pkg/reference"
)

// countingSynthesizer wraps a CodeSynthesizer and counts invocations.
type countingSynthesizer struct {
	inner CodeSynthesizer
	calls atomic.Int64
}

func (c *countingSynthesizer) Synthesize(ctx context.Context, md *models.StructuralMetadata, fp models.Fingerprint, dict *models.DataDictionary) (*models.GenerationProcedure, error) {
	c.calls.Add(1)
	return c.inner.Synthesize(ctx, md, fp, dict)
}

// countingSandbox wraps a SandboxExecutor and counts invocations.
type countingSandbox struct {
	inner SandboxExecutor
	calls atomic.Int64
	fail  atomic.Bool
}

func (c *countingSandbox) Execute(ctx context.Context, proc *models.GenerationProcedure, numRows int, seed int64) (*models.Table, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, apperrors.ErrSynthesisFailed
	}
	return c.inner.Execute(ctx, proc, numRows, seed)
}

type testPipeline struct {
	orchestrator Orchestrator
	synthesizer  *countingSynthesizer
	sandbox      *countingSandbox
	cache        *MemoryCacheStore
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	logger := zap.NewNop()

	extractor := NewMetadataExtractor(1000, logger)
	fingerprints := NewFingerprintIndex(logger)
	cache := NewMemoryCacheStore(0, logger)
	synth := &countingSynthesizer{inner: NewCodeSynthesizer(nil, reference.MustLoad(), 0, logger)}
	sandbox := &countingSandbox{inner: NewSandboxExecutor(10*time.Second, 50_000_000, logger)}
	validator := NewValidator(extractor, logger)

	return &testPipeline{
		orchestrator: NewOrchestrator(extractor, fingerprints, cache, synth, sandbox, validator, 3, logger),
		synthesizer:  synth,
		sandbox:      sandbox,
		cache:        cache,
	}
}

func TestGenerate_ScenarioAgeCity(t *testing.T) {
	p := newTestPipeline(t)

	req := &models.GenerationRequest{NumRows: 1000, MatchThreshold: 0.8, UseCache: true}
	result, err := p.orchestrator.Generate(context.Background(), sampleTable(), req)
	require.NoError(t, err)

	require.Len(t, result.Tables, 1)
	out := result.Tables[0]
	assert.Equal(t, 1000, out.RowCount())

	ages := make([]float64, 0, 1000)
	for _, v := range out.Column("age").Values {
		ages = append(ages, float64(v.(int64)))
	}
	mean, _ := meanStd(ages)
	assert.InDelta(t, 32.5, mean, 3.25) // within 10%

	nyCount := 0
	for _, v := range out.Column("city").Values {
		if v.(string) == "NY" {
			nyCount++
		}
	}
	assert.InDelta(t, 0.5, float64(nyCount)/1000, 0.08)
}

func TestGenerate_CacheShortCircuit(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	req := &models.GenerationRequest{NumRows: 100, UseCache: true}

	_, err := p.orchestrator.Generate(ctx, sampleTable(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.synthesizer.calls.Load())

	// Statistically identical table: full hash matches, synthesis skipped.
	result, err := p.orchestrator.Generate(ctx, sampleTable(), &models.GenerationRequest{NumRows: 100, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.synthesizer.calls.Load())
	assert.Equal(t, models.SourceCacheHit, result.Source)
}

func TestGenerate_CacheDisabledBypassesLookupAndInsert(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.orchestrator.Generate(ctx, sampleTable(), &models.GenerationRequest{NumRows: 100, UseCache: false})
	require.NoError(t, err)
	assert.Equal(t, 0, p.cache.Len())

	result, err := p.orchestrator.Generate(ctx, sampleTable(), &models.GenerationRequest{NumRows: 100, UseCache: false})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.synthesizer.calls.Load())
	assert.Equal(t, models.SourceFreshlySynthesized, result.Source)
}

func TestGenerate_MultiFileFanOut(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	// Prime the cache with one accepted procedure.
	_, err := p.orchestrator.Generate(ctx, sampleTable(), &models.GenerationRequest{NumRows: 100, UseCache: true})
	require.NoError(t, err)
	sandboxBefore := p.sandbox.calls.Load()

	req := &models.GenerationRequest{NumRows: 100, UseCache: true, FileCount: 5}
	result, err := p.orchestrator.Generate(ctx, sampleTable(), req)
	require.NoError(t, err)

	require.Len(t, result.Tables, 5)
	assert.Equal(t, models.SourceCacheHit, result.Source)
	assert.Equal(t, int64(1), p.synthesizer.calls.Load())
	assert.Equal(t, sandboxBefore+5, p.sandbox.calls.Load())

	// Distinct seeds: files differ from each other.
	assert.NotEqual(t, result.Tables[0], result.Tables[1])
	for _, table := range result.Tables {
		assert.Equal(t, 100, table.RowCount())
	}
}

func TestGenerate_RetryTerminatesWithBestEffort(t *testing.T) {
	p := newTestPipeline(t)

	// An impossible threshold forces the loop through every attempt and
	// out the degraded path.
	req := &models.GenerationRequest{NumRows: 100, MatchThreshold: 1.0, UseCache: true}
	result, err := p.orchestrator.Generate(context.Background(), sampleTable(), req)
	require.NoError(t, err)

	assert.True(t, result.LowConfidence)
	assert.Equal(t, 3, result.Attempts)
	assert.Less(t, result.MatchScore, 1.0)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, 100, result.Tables[0].RowCount())

	// Rejected procedures stay out of the cache.
	assert.Equal(t, 0, p.cache.Len())
}

func TestGenerate_RepeatedSandboxFailureIsFatal(t *testing.T) {
	p := newTestPipeline(t)
	p.sandbox.fail.Store(true)

	req := &models.GenerationRequest{NumRows: 100, UseCache: true}
	_, err := p.orchestrator.Generate(context.Background(), sampleTable(), req)
	assert.ErrorIs(t, err, apperrors.ErrSynthesisFailed)
	assert.Equal(t, int64(3), p.sandbox.calls.Load())
}

func TestGenerate_ExtractionFailureIsFatal(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.orchestrator.Generate(context.Background(), &models.Table{}, &models.GenerationRequest{})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedInput)
	assert.Equal(t, int64(0), p.synthesizer.calls.Load())
}

func TestGenerate_RejectsInvalidRequest(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.orchestrator.Generate(context.Background(), sampleTable(), &models.GenerationRequest{FileCount: 99})
	assert.Error(t, err)

	_, err = p.orchestrator.Generate(context.Background(), sampleTable(), &models.GenerationRequest{MatchThreshold: 2})
	assert.Error(t, err)
}

func TestGenerate_DefaultRowCountMatchesSource(t *testing.T) {
	p := newTestPipeline(t)

	result, err := p.orchestrator.Generate(context.Background(), sampleTable(), &models.GenerationRequest{UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Tables[0].RowCount())
}

func TestGenerate_CacheFailureFallsBackToSynthesis(t *testing.T) {
	logger := zap.NewNop()
	extractor := NewMetadataExtractor(1000, logger)
	fingerprints := NewFingerprintIndex(logger)
	synth := &countingSynthesizer{inner: NewCodeSynthesizer(nil, reference.MustLoad(), 0, logger)}
	sandbox := &countingSandbox{inner: NewSandboxExecutor(10*time.Second, 50_000_000, logger)}
	validator := NewValidator(extractor, logger)

	o := NewOrchestrator(extractor, fingerprints, &brokenCache{}, synth, sandbox, validator, 3, logger)

	result, err := o.Generate(context.Background(), sampleTable(), &models.GenerationRequest{NumRows: 50, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, models.SourceFreshlySynthesized, result.Source)
	assert.Equal(t, int64(1), synth.calls.Load())
}

func TestMetadata_OnlyPath(t *testing.T) {
	p := newTestPipeline(t)

	md, err := p.orchestrator.Metadata(context.Background(), sampleTable())
	require.NoError(t, err)
	assert.Equal(t, 4, md.RowCount)
	assert.Equal(t, int64(0), p.synthesizer.calls.Load())
}

func TestEvictCache_Passthrough(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.orchestrator.Generate(ctx, sampleTable(), &models.GenerationRequest{NumRows: 100, UseCache: true})
	require.NoError(t, err)
	require.Equal(t, 1, p.cache.Len())

	removed, err := p.orchestrator.EvictCache(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, p.cache.Len())
}

func TestGenerate_VocabularyHintedColumnMeetsThreshold(t *testing.T) {
	p := newTestPipeline(t)

	// Unique free text under a clinical column name: the template backend
	// substitutes the reference vocabulary, which must still validate.
	values := make([]any, 30)
	for i := range values {
		values[i] = fmt.Sprintf("free-form note on dispensed medication %d", (i*37)%100)
	}
	table := &models.Table{Columns: []models.Column{{Name: "medication", Values: values}}}

	req := &models.GenerationRequest{NumRows: 200, MatchThreshold: 0.8, UseCache: true}
	result, err := p.orchestrator.Generate(context.Background(), table, req)
	require.NoError(t, err)

	assert.False(t, result.LowConfidence)
	assert.Equal(t, 1, result.Attempts)
	assert.GreaterOrEqual(t, result.MatchScore, 0.8)
}

func TestGenerate_DictionaryConstrainedRequest(t *testing.T) {
	p := newTestPipeline(t)

	minAge, maxAge := 30.0, 35.0
	req := &models.GenerationRequest{
		NumRows:        200,
		MatchThreshold: 0.5,
		UseCache:       true,
		Dictionary: &models.DataDictionary{Columns: []models.ColumnConstraint{
			{Name: "age", Min: &minAge, Max: &maxAge},
			{Name: "city", AllowedValues: []string{"NY", "LA"}},
		}},
	}
	result, err := p.orchestrator.Generate(context.Background(), sampleTable(), req)
	require.NoError(t, err)
	require.Len(t, result.Tables, 1)

	for _, v := range result.Tables[0].Column("age").Values {
		age := v.(int64)
		assert.GreaterOrEqual(t, age, int64(30))
		assert.LessOrEqual(t, age, int64(35))
	}
	for _, v := range result.Tables[0].Column("city").Values {
		assert.Contains(t, []string{"NY", "LA"}, v.(string))
	}

	// Constrained plans stay out of the shared cache.
	assert.Equal(t, models.SourceFreshlySynthesized, result.Source)
	assert.Equal(t, 0, p.cache.Len())
}

func TestCheckDictionary(t *testing.T) {
	p := newTestPipeline(t)

	violations, err := p.orchestrator.CheckDictionary(context.Background(), sampleTable(),
		&models.DataDictionary{Columns: []models.ColumnConstraint{
			{Name: "age", Type: models.TypeDate},
		}})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "age", violations[0].Column)

	_, err = p.orchestrator.CheckDictionary(context.Background(), sampleTable(),
		&models.DataDictionary{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

// blockingSynthesizer parks every Synthesize call until released, exposing
// the window where concurrent requests overlap.
type blockingSynthesizer struct {
	inner   CodeSynthesizer
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func newBlockingSynthesizer() *blockingSynthesizer {
	return &blockingSynthesizer{
		inner:   NewCodeSynthesizer(nil, reference.MustLoad(), 0, zap.NewNop()),
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingSynthesizer) Synthesize(ctx context.Context, md *models.StructuralMetadata, fp models.Fingerprint, dict *models.DataDictionary) (*models.GenerationProcedure, error) {
	b.calls.Add(1)
	b.entered <- struct{}{}
	<-b.release
	return b.inner.Synthesize(ctx, md, fp, dict)
}

func newBlockingPipeline() (Orchestrator, *blockingSynthesizer) {
	logger := zap.NewNop()
	extractor := NewMetadataExtractor(1000, logger)
	fingerprints := NewFingerprintIndex(logger)
	cache := NewMemoryCacheStore(0, logger)
	synth := newBlockingSynthesizer()
	sandbox := NewSandboxExecutor(10*time.Second, 50_000_000, logger)
	validator := NewValidator(extractor, logger)
	return NewOrchestrator(extractor, fingerprints, cache, synth, sandbox, validator, 3, logger), synth
}

func TestGenerate_ConcurrentIdenticalRequestsSynthesizeOnce(t *testing.T) {
	o, synth := newBlockingPipeline()

	const workers = 4
	var wg sync.WaitGroup
	results := make([]*models.GenerationResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Generate(context.Background(), sampleTable(),
				&models.GenerationRequest{NumRows: 50, UseCache: true})
		}(i)
	}

	<-synth.entered
	// Let the remaining requests reach the in-flight acquisition.
	time.Sleep(50 * time.Millisecond)
	close(synth.release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Tables, 1)
	}
	assert.Equal(t, int64(1), synth.calls.Load())
}

func TestGenerate_CacheBypassDoesNotJoinInFlightAcquisition(t *testing.T) {
	o, synth := newBlockingPipeline()
	ctx := context.Background()

	// Hold a cache-enabled acquisition open.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := o.Generate(ctx, sampleTable(), &models.GenerationRequest{NumRows: 50, UseCache: true})
		assert.NoError(t, err)
	}()
	<-synth.entered

	// A cache-bypassing request for the same table must run its own
	// synthesis instead of receiving the shared flight's procedure.
	var bypass *models.GenerationResult
	var bypassErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		bypass, bypassErr = o.Generate(ctx, sampleTable(), &models.GenerationRequest{NumRows: 50, UseCache: false})
	}()

	select {
	case <-synth.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cache-bypassing request did not start its own synthesis")
	}

	close(synth.release)
	wg.Wait()
	require.NoError(t, bypassErr)
	assert.Equal(t, models.SourceFreshlySynthesized, bypass.Source)
	assert.Equal(t, int64(2), synth.calls.Load())
}

// brokenCache fails every operation, standing in for an unreachable store.
type brokenCache struct{}

func (b *brokenCache) LookupExact(context.Context, models.Fingerprint) (*models.GenerationProcedure, error) {
	return nil, errors.Join(apperrors.ErrCacheUnavailable, errors.New("connection refused"))
}

func (b *brokenCache) LookupSimilar(context.Context, models.Fingerprint, float64) (*models.GenerationProcedure, float64, error) {
	return nil, 0, errors.Join(apperrors.ErrCacheUnavailable, errors.New("connection refused"))
}

func (b *brokenCache) Insert(context.Context, *models.GenerationProcedure) error {
	return apperrors.ErrCacheUnavailable
}

func (b *brokenCache) Evict(context.Context, *time.Duration) (int, error) {
	return 0, apperrors.ErrCacheUnavailable
}
