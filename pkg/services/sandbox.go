package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
	"github.com/synthline-io/synthline-engine/pkg/models"
)

// ctxCheckInterval is how many rows are generated between context checks.
const ctxCheckInterval = 1024

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SandboxExecutor interprets generation plans into synthetic tables. Plans
// are pure data, so execution carries no filesystem, network or host-code
// capability; the only resources consumed are CPU time and the output
// buffer, both bounded here.
type SandboxExecutor interface {
	Execute(ctx context.Context, proc *models.GenerationProcedure, numRows int, seed int64) (*models.Table, error)
}

type sandboxExecutor struct {
	timeout  time.Duration
	maxCells int64
	logger   *zap.Logger
}

// NewSandboxExecutor creates the plan interpreter. maxCells bounds output
// size (rows times columns); timeout bounds wall-clock time per execution.
func NewSandboxExecutor(timeout time.Duration, maxCells int64, logger *zap.Logger) SandboxExecutor {
	return &sandboxExecutor{
		timeout:  timeout,
		maxCells: maxCells,
		logger:   logger.Named("sandbox-executor"),
	}
}

func (e *sandboxExecutor) Execute(ctx context.Context, proc *models.GenerationProcedure, numRows int, seed int64) (*models.Table, error) {
	plan := &proc.Plan
	if len(plan.Columns) == 0 {
		return nil, fmt.Errorf("%w: empty plan", apperrors.ErrSynthesisFailed)
	}
	if numRows < 0 {
		return nil, fmt.Errorf("%w: negative row count", apperrors.ErrSynthesisFailed)
	}
	if cells := int64(numRows) * int64(len(plan.Columns)); e.maxCells > 0 && cells > e.maxCells {
		return nil, fmt.Errorf("%w: output of %d cells exceeds limit %d",
			apperrors.ErrSynthesisFailed, cells, e.maxCells)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	rng := rand.New(rand.NewSource(seed))
	table := &models.Table{Columns: make([]models.Column, len(plan.Columns))}

	for i := range plan.Columns {
		values, err := e.generateColumn(ctx, &plan.Columns[i], numRows, rng)
		if err != nil {
			return nil, err
		}
		table.Columns[i] = models.Column{Name: plan.Columns[i].Name, Values: values}
	}

	if err := checkShape(table, plan, numRows); err != nil {
		return nil, err
	}
	return table, nil
}

func (e *sandboxExecutor) generateColumn(ctx context.Context, cp *models.ColumnPlan, numRows int, rng *rand.Rand) ([]any, error) {
	values := make([]any, numRows)
	for row := 0; row < numRows; row++ {
		if row%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", apperrors.ErrSynthesisFailed, err)
			}
		}

		if cp.NullRate > 0 && rng.Float64() < cp.NullRate {
			values[row] = nil
			continue
		}

		v, err := sampleCell(cp, row, rng)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", apperrors.ErrSynthesisFailed, cp.Name, err)
		}
		values[row] = v
	}
	return values, nil
}

func sampleCell(cp *models.ColumnPlan, row int, rng *rand.Rand) (any, error) {
	switch cp.Kind {
	case models.SamplerNormal:
		v := cp.Mean + cp.Std*rng.NormFloat64()
		// Clamping rather than resampling keeps the spread close to the
		// recorded moments even for tight bounds.
		v = clampFloat(v, cp.Min, cp.Max)
		if cp.Integer {
			return int64(math.Round(v)), nil
		}
		return v, nil

	case models.SamplerUniformInt:
		lo, hi := int64(cp.Min), int64(cp.Max)
		if hi < lo {
			return nil, fmt.Errorf("empty integer range")
		}
		return lo + rng.Int63n(hi-lo+1), nil

	case models.SamplerChoice:
		return sampleChoice(cp.Choices, rng)

	case models.SamplerDateRange:
		span := cp.DateMax.Unix() - cp.DateMin.Unix()
		var t time.Time
		if span <= 0 {
			t = cp.DateMin
		} else {
			t = time.Unix(cp.DateMin.Unix()+rng.Int63n(span+1), 0).UTC()
		}
		if cp.Granularity == models.GranularityDay {
			t = t.Truncate(24 * time.Hour)
		}
		return t, nil

	case models.SamplerPattern:
		switch cp.Pattern {
		case models.PatternClassEmail:
			return fmt.Sprintf("%s@example.com", randomToken(rng, 8)), nil
		case models.PatternClassPhone:
			return fmt.Sprintf("(%03d) %03d-%04d",
				200+rng.Intn(800), rng.Intn(1000), rng.Intn(10000)), nil
		default:
			return nil, fmt.Errorf("unknown pattern %q", cp.Pattern)
		}

	case models.SamplerToken:
		length := int(math.Round(cp.AvgLength))
		if length < 1 {
			length = 1
		}
		return randomToken(rng, length), nil

	case models.SamplerBoolean:
		return rng.Float64() < cp.TrueRate, nil

	case models.SamplerSequence:
		return fmt.Sprintf("id-%08d", row+1), nil

	default:
		return nil, fmt.Errorf("unknown sampler kind %q", cp.Kind)
	}
}

func sampleChoice(choices []models.WeightedChoice, rng *rand.Rand) (any, error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("choice sampler without choices")
	}
	total := 0.0
	for _, c := range choices {
		total += c.Weight
	}
	if total <= 0 {
		return choices[rng.Intn(len(choices))].Value, nil
	}
	r := rng.Float64() * total
	for _, c := range choices {
		r -= c.Weight
		if r <= 0 {
			return c.Value, nil
		}
	}
	return choices[len(choices)-1].Value, nil
}

func randomToken(rng *rand.Rand, length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = tokenAlphabet[rng.Intn(len(tokenAlphabet))]
	}
	return string(b)
}

func checkShape(table *models.Table, plan *models.GenerationPlan, numRows int) error {
	if table.ColumnCount() != len(plan.Columns) {
		return fmt.Errorf("%w: output has %d columns, plan has %d",
			apperrors.ErrSynthesisFailed, table.ColumnCount(), len(plan.Columns))
	}
	for i := range table.Columns {
		if table.Columns[i].Name != plan.Columns[i].Name {
			return fmt.Errorf("%w: output column %d is %q, plan says %q",
				apperrors.ErrSynthesisFailed, i, table.Columns[i].Name, plan.Columns[i].Name)
		}
		if len(table.Columns[i].Values) != numRows {
			return fmt.Errorf("%w: column %q has %d rows, expected %d",
				apperrors.ErrSynthesisFailed, table.Columns[i].Name, len(table.Columns[i].Values), numRows)
		}
	}
	return nil
}
