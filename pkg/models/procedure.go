package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SamplerKind identifies the sampling instruction for one column of a
// generation plan. Plans are pure data: the sandbox interprets them, it
// never evaluates generated code.
type SamplerKind string

const (
	SamplerNormal     SamplerKind = "normal"      // clipped normal from recorded moments
	SamplerUniformInt SamplerKind = "uniform_int" // integer uniform over [min, max]
	SamplerChoice     SamplerKind = "choice"      // weighted categorical draw
	SamplerDateRange  SamplerKind = "date_range"  // uniform within a date range
	SamplerPattern    SamplerKind = "pattern"     // synthetic email/phone strings
	SamplerToken      SamplerKind = "token"       // random alphanumeric tokens
	SamplerBoolean    SamplerKind = "boolean"     // bernoulli draw
	SamplerSequence   SamplerKind = "sequence"    // monotonically increasing identifiers
)

// WeightedChoice is one option of a choice sampler.
type WeightedChoice struct {
	Value  string  `json:"value"`
	Weight float64 `json:"weight"`
}

// ColumnPlan is the typed instruction for generating one column.
// Only the fields relevant to Kind are set.
type ColumnPlan struct {
	Name string      `json:"name"`
	Kind SamplerKind `json:"kind"`

	// normal / uniform_int
	Mean float64 `json:"mean,omitempty"`
	Std  float64 `json:"std,omitempty"`
	Min  float64 `json:"min,omitempty"`
	Max  float64 `json:"max,omitempty"`

	// Integer rounds normal draws to whole numbers.
	Integer bool `json:"integer,omitempty"`

	// choice
	Choices []WeightedChoice `json:"choices,omitempty"`

	// date_range
	DateMin     time.Time `json:"date_min,omitzero"`
	DateMax     time.Time `json:"date_max,omitzero"`
	Granularity string    `json:"granularity,omitempty"`

	// pattern / token
	Pattern   string  `json:"pattern,omitempty"`
	AvgLength float64 `json:"avg_length,omitempty"`

	// boolean
	TrueRate float64 `json:"true_rate,omitempty"`

	// NullRate injects nil cells at the recorded proportion.
	NullRate float64 `json:"null_rate,omitempty"`
}

// GenerationPlan is the re-executable description of how to produce
// synthetic rows matching a profile.
type GenerationPlan struct {
	Columns []ColumnPlan `json:"columns"`
}

// Validate checks that the plan covers exactly the given column names in
// order and that every instruction is executable.
func (p *GenerationPlan) Validate(columnNames []string) error {
	if len(p.Columns) != len(columnNames) {
		return fmt.Errorf("plan covers %d columns, table has %d", len(p.Columns), len(columnNames))
	}
	for i, cp := range p.Columns {
		if cp.Name != columnNames[i] {
			return fmt.Errorf("plan column %d is %q, expected %q", i, cp.Name, columnNames[i])
		}
		switch cp.Kind {
		case SamplerNormal, SamplerUniformInt:
			if cp.Max < cp.Min {
				return fmt.Errorf("column %q: max %v below min %v", cp.Name, cp.Max, cp.Min)
			}
		case SamplerChoice:
			if len(cp.Choices) == 0 {
				return fmt.Errorf("column %q: choice sampler without choices", cp.Name)
			}
		case SamplerDateRange:
			if cp.DateMax.Before(cp.DateMin) {
				return fmt.Errorf("column %q: date range ends before it starts", cp.Name)
			}
		case SamplerPattern, SamplerToken, SamplerBoolean, SamplerSequence:
		default:
			return fmt.Errorf("column %q: unknown sampler kind %q", cp.Name, cp.Kind)
		}
	}
	return nil
}

// Tighten returns a stricter copy of the plan for validation retries:
// normal samplers contract their spread toward the recorded mean so that
// resampled output lands closer to the source moments.
func (p *GenerationPlan) Tighten() *GenerationPlan {
	out := &GenerationPlan{Columns: make([]ColumnPlan, len(p.Columns))}
	copy(out.Columns, p.Columns)
	for i := range out.Columns {
		cp := &out.Columns[i]
		if cp.Kind != SamplerNormal {
			continue
		}
		cp.Std *= 0.8
		span := cp.Max - cp.Min
		cp.Min += span * 0.05
		cp.Max -= span * 0.05
		if cp.Max < cp.Min {
			cp.Min, cp.Max = cp.Mean, cp.Mean
		}
	}
	return out
}

// ProcedureSource records which backend produced a procedure.
type ProcedureSource string

const (
	ProcedureSourceModel    ProcedureSource = "model"
	ProcedureSourceTemplate ProcedureSource = "template"
)

// GenerationProcedure pairs a generation plan with the fingerprint it was
// derived from. Once inserted, the record is owned by the CacheStore;
// HitCount is maintained by the store under its own locking.
type GenerationProcedure struct {
	ID          uuid.UUID       `json:"id"`
	Fingerprint Fingerprint     `json:"fingerprint"`
	Plan        GenerationPlan  `json:"plan"`
	Source      ProcedureSource `json:"source"`
	CreatedAt   time.Time       `json:"created_at"`
	HitCount    int64           `json:"hit_count"`
}
