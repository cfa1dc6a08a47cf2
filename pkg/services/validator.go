package services

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/models"
)

// Validator scores synthetic output against the source statistical profile.
// It re-extracts metadata from the synthetic table and compares profiles
// column by column; the aggregate score is the equally-weighted mean.
type Validator interface {
	Validate(source *models.StructuralMetadata, synthetic *models.Table) (float64, error)
}

type validator struct {
	extractor MetadataExtractor
	logger    *zap.Logger
}

// NewValidator creates the validation service.
func NewValidator(extractor MetadataExtractor, logger *zap.Logger) Validator {
	return &validator{
		extractor: extractor,
		logger:    logger.Named("validator"),
	}
}

func (v *validator) Validate(source *models.StructuralMetadata, synthetic *models.Table) (float64, error) {
	synMD, err := v.extractor.Extract(synthetic)
	if err != nil {
		return 0, fmt.Errorf("profile synthetic table: %w", err)
	}

	if len(source.Profiles) == 0 {
		return 0, fmt.Errorf("source metadata has no profiles")
	}

	total := 0.0
	for i := range source.Profiles {
		src := &source.Profiles[i]
		syn := synMD.Profile(src.Name)
		score := columnScore(src, syn)
		total += score
		v.logger.Debug("column scored",
			zap.String("column", src.Name),
			zap.Float64("score", score))
	}

	return total / float64(len(source.Profiles)), nil
}

// columnScore returns a [0,1] fidelity score for one column. Missing or
// type-flipped synthetic columns score zero.
func columnScore(src, syn *models.ColumnProfile) float64 {
	if syn == nil {
		return 0
	}

	switch {
	case src.Numeric != nil:
		if syn.Numeric == nil {
			return 0
		}
		return numericScore(src.Numeric, syn.Numeric)
	case src.Categorical != nil:
		if syn.Categorical == nil {
			return 0
		}
		return categoricalScore(src.Categorical, syn.Categorical)
	case src.Date != nil:
		if syn.Date == nil {
			return 0
		}
		return dateScore(src.Date, syn.Date)
	case src.Text != nil:
		if syn.Categorical != nil && src.Text.PatternClass == models.PatternClassFreeText {
			// Free text regenerated from a curated vocabulary re-extracts as
			// categorical; there is no source distribution to compare against.
			return 1
		}
		if syn.Text == nil {
			return 0
		}
		return textScore(src.Text, syn.Text)
	default:
		// Boolean and identifier columns carry no comparable profile; the
		// descriptor-level shape was already enforced by the sandbox.
		return 1
	}
}

// numericScore penalizes the normalized distance of mean and spread.
func numericScore(src, syn *models.NumericProfile) float64 {
	meanErr := math.Min(1, relativeError(syn.Mean, src.Mean))
	stdErr := math.Min(1, relativeError(syn.Std, src.Std))
	return clampFloat(1-(meanErr+stdErr)/2, 0, 1)
}

// categoricalScore is one minus the total variation distance between the
// two frequency tables.
func categoricalScore(src, syn *models.CategoricalProfile) float64 {
	synByValue := make(map[string]float64, len(syn.Frequencies))
	for _, f := range syn.Frequencies {
		synByValue[f.Value] = f.Proportion
	}

	tvd := 0.0
	seen := make(map[string]struct{}, len(src.Frequencies))
	for _, f := range src.Frequencies {
		tvd += math.Abs(f.Proportion - synByValue[f.Value])
		seen[f.Value] = struct{}{}
	}
	for _, f := range syn.Frequencies {
		if _, ok := seen[f.Value]; !ok {
			tvd += f.Proportion
		}
	}
	tvd += math.Abs(src.OtherProportion - syn.OtherProportion)
	tvd /= 2

	return clampFloat(1-tvd, 0, 1)
}

// dateScore measures how much of the synthetic range falls inside the
// source range.
func dateScore(src, syn *models.DateProfile) float64 {
	synSpan := syn.Max.Sub(syn.Min).Seconds()
	if synSpan <= 0 {
		if !syn.Min.Before(src.Min) && !syn.Max.After(src.Max) {
			return 1
		}
		return 0
	}

	overlapStart := src.Min.Unix()
	if syn.Min.Unix() > overlapStart {
		overlapStart = syn.Min.Unix()
	}
	overlapEnd := src.Max.Unix()
	if syn.Max.Unix() < overlapEnd {
		overlapEnd = syn.Max.Unix()
	}
	overlap := float64(overlapEnd - overlapStart)
	if overlap <= 0 {
		return 0
	}
	return clampFloat(overlap/synSpan, 0, 1)
}

func textScore(src, syn *models.TextProfile) float64 {
	if src.PatternClass != syn.PatternClass {
		return 0.5
	}
	if src.AvgLength == 0 {
		return 1
	}
	return clampFloat(1-math.Min(1, relativeError(syn.AvgLength, src.AvgLength)), 0, 1)
}
