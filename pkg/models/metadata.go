package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InferredType classifies a column after type inference.
type InferredType string

const (
	TypeInteger     InferredType = "integer"
	TypeFloat       InferredType = "float"
	TypeBoolean     InferredType = "boolean"
	TypeCategorical InferredType = "categorical"
	TypeDate        InferredType = "date"
	TypeText        InferredType = "text"
	TypeIdentifier  InferredType = "identifier"
)

// ColumnDescriptor describes a column's schema-level shape.
// Immutable once extracted.
type ColumnDescriptor struct {
	Name         string       `json:"name"`
	InferredType InferredType `json:"inferred_type"`
	Nullable     bool         `json:"nullable"`
	UniqueCount  int          `json:"unique_count"`
	NullCount    int          `json:"null_count"`
}

// NumericProfile holds aggregate statistics for integer/float columns.
type NumericProfile struct {
	Mean      float64    `json:"mean"`
	Std       float64    `json:"std"`
	Min       float64    `json:"min"`
	Max       float64    `json:"max"`
	Quantiles [5]float64 `json:"quantiles"` // p10, p25, p50, p75, p90
	Integer   bool       `json:"integer"`
}

// CategoryFrequency is one entry of a categorical frequency table.
type CategoryFrequency struct {
	Value      string  `json:"value"`
	Proportion float64 `json:"proportion"`
}

// CategoricalProfile holds the top-K frequency table for a categorical
// column. Proportions of values beyond the cap are folded into
// OtherProportion.
type CategoricalProfile struct {
	Frequencies     []CategoryFrequency `json:"frequencies"`
	OtherProportion float64             `json:"other_proportion"`
}

// Date granularity values.
const (
	GranularityDay    = "day"
	GranularitySecond = "second"
)

// DateProfile holds the observed range of a date column.
type DateProfile struct {
	Min         time.Time `json:"min"`
	Max         time.Time `json:"max"`
	Granularity string    `json:"granularity"`
}

// Text pattern classes recognized during extraction.
const (
	PatternClassEmail    = "email"
	PatternClassPhone    = "phone"
	PatternClassFreeText = "free_text"
)

// TextProfile holds pattern and length statistics for text columns.
type TextProfile struct {
	PatternClass string  `json:"pattern_class"`
	Confidence   float64 `json:"confidence"`
	AvgLength    float64 `json:"avg_length"`
	MinLength    int     `json:"min_length"`
	MaxLength    int     `json:"max_length"`
}

// ColumnProfile is the per-column statistical profile. At most one of the
// typed sub-profiles is populated, matching the descriptor's inferred type
// (boolean and identifier columns carry only the descriptor).
type ColumnProfile struct {
	Name        string              `json:"name"`
	Type        InferredType        `json:"type"`
	Numeric     *NumericProfile     `json:"numeric,omitempty"`
	Categorical *CategoricalProfile `json:"categorical,omitempty"`
	Date        *DateProfile        `json:"date,omitempty"`
	Text        *TextProfile        `json:"text,omitempty"`
}

// CorrelationPair records the Pearson coefficient for a pair of numeric
// columns.
type CorrelationPair struct {
	ColumnA     string  `json:"column_a"`
	ColumnB     string  `json:"column_b"`
	Coefficient float64 `json:"coefficient"`
}

// MinCorrelationRows is the minimum non-null overlap required before a
// correlation coefficient is recorded.
const MinCorrelationRows = 10

// CorrelationMatrix holds the recorded numeric-pair correlations.
// Each unordered pair appears once, with ColumnA preceding ColumnB in
// column order.
type CorrelationMatrix struct {
	Pairs []CorrelationPair `json:"pairs"`
}

// Coefficient returns the recorded coefficient for a pair in either order.
func (m *CorrelationMatrix) Coefficient(a, b string) (float64, bool) {
	for _, p := range m.Pairs {
		if (p.ColumnA == a && p.ColumnB == b) || (p.ColumnA == b && p.ColumnB == a) {
			return p.Coefficient, true
		}
	}
	return 0, false
}

// DataQualityProfile summarizes table-level data quality.
type DataQualityProfile struct {
	Completeness      float64 `json:"completeness"`
	DuplicateRowRatio float64 `json:"duplicate_row_ratio"`
}

// StructuralMetadata is the privacy-safe statistical and structural summary
// of a table. It is a pure function of the input table and carries no
// original cell values in its exported serialization (categorical labels
// are anonymized by SecureJSON; column names are schema-level and kept).
type StructuralMetadata struct {
	Version      string             `json:"version"`
	RowCount     int                `json:"row_count"`
	ColumnCount  int                `json:"column_count"`
	Columns      []ColumnDescriptor `json:"columns"`
	Profiles     []ColumnProfile    `json:"profiles"`
	Correlations CorrelationMatrix  `json:"correlations"`
	Quality      DataQualityProfile `json:"quality"`
}

// Profile returns the statistical profile for a column, or nil.
func (m *StructuralMetadata) Profile(name string) *ColumnProfile {
	for i := range m.Profiles {
		if m.Profiles[i].Name == name {
			return &m.Profiles[i]
		}
	}
	return nil
}

// Descriptor returns the descriptor for a column, or nil.
func (m *StructuralMetadata) Descriptor(name string) *ColumnDescriptor {
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return &m.Columns[i]
		}
	}
	return nil
}

// SecureJSON renders the metadata as the privacy-safe JSON document used
// for the metadata API path, prompt payloads and hashing. Categorical
// labels are replaced with positional placeholders so that no cell value
// crosses the boundary; proportions are preserved.
func (m *StructuralMetadata) SecureJSON() ([]byte, error) {
	clone := *m
	clone.Profiles = make([]ColumnProfile, len(m.Profiles))
	copy(clone.Profiles, m.Profiles)

	for i := range clone.Profiles {
		cat := clone.Profiles[i].Categorical
		if cat == nil {
			continue
		}
		anon := &CategoricalProfile{
			Frequencies:     make([]CategoryFrequency, len(cat.Frequencies)),
			OtherProportion: cat.OtherProportion,
		}
		for j, f := range cat.Frequencies {
			anon.Frequencies[j] = CategoryFrequency{
				Value:      fmt.Sprintf("value_%d", j),
				Proportion: f.Proportion,
			}
		}
		clone.Profiles[i].Categorical = anon
	}

	return json.Marshal(&clone)
}

// CanonicalText renders a deterministic single-line text form of the
// metadata (column names, types, summary statistics). It feeds the
// fingerprint embedding and must stay stable across releases for cache
// hits to survive upgrades.
func (m *StructuralMetadata) CanonicalText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rows=%d cols=%d", m.RowCount, m.ColumnCount)
	for i := range m.Profiles {
		p := &m.Profiles[i]
		fmt.Fprintf(&b, " | %s:%s", p.Name, p.Type)
		switch {
		case p.Numeric != nil:
			fmt.Fprintf(&b, " mean=%.4f std=%.4f min=%.4f max=%.4f",
				p.Numeric.Mean, p.Numeric.Std, p.Numeric.Min, p.Numeric.Max)
		case p.Categorical != nil:
			fmt.Fprintf(&b, " k=%d other=%.4f", len(p.Categorical.Frequencies), p.Categorical.OtherProportion)
			for _, f := range p.Categorical.Frequencies {
				fmt.Fprintf(&b, " p=%.4f", f.Proportion)
			}
		case p.Date != nil:
			fmt.Fprintf(&b, " from=%s to=%s gran=%s",
				p.Date.Min.UTC().Format(time.RFC3339), p.Date.Max.UTC().Format(time.RFC3339), p.Date.Granularity)
		case p.Text != nil:
			fmt.Fprintf(&b, " pattern=%s conf=%.2f len=%.1f", p.Text.PatternClass, p.Text.Confidence, p.Text.AvgLength)
		}
	}
	return b.String()
}
