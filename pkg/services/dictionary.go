package services

import (
	"fmt"

	"github.com/synthline-io/synthline-engine/pkg/models"
)

// ValidateDictionary checks a dictionary against extracted metadata and
// returns one violation per disagreement. Observed categorical labels are
// never echoed into violation messages; only counts are reported.
func ValidateDictionary(dict *models.DataDictionary, md *models.StructuralMetadata) []models.ConstraintViolation {
	var violations []models.ConstraintViolation
	add := func(column, format string, args ...any) {
		violations = append(violations, models.ConstraintViolation{
			Column:  column,
			Message: fmt.Sprintf(format, args...),
		})
	}

	for i := range dict.Columns {
		c := &dict.Columns[i]

		descriptor := md.Descriptor(c.Name)
		if descriptor == nil {
			add(c.Name, "column not present in data")
			continue
		}
		if c.Type != "" && c.Type != descriptor.InferredType {
			add(c.Name, "expected type %q, data profiles as %q", c.Type, descriptor.InferredType)
		}
		if c.Nullable != nil && !*c.Nullable && descriptor.NullCount > 0 {
			add(c.Name, "declared non-nullable, data has %d missing values", descriptor.NullCount)
		}

		profile := md.Profile(c.Name)
		if profile == nil {
			continue
		}
		if profile.Numeric != nil {
			if c.Min != nil && profile.Numeric.Min < *c.Min {
				add(c.Name, "observed minimum %v below constraint minimum %v", profile.Numeric.Min, *c.Min)
			}
			if c.Max != nil && profile.Numeric.Max > *c.Max {
				add(c.Name, "observed maximum %v above constraint maximum %v", profile.Numeric.Max, *c.Max)
			}
		}
		if profile.Categorical != nil && len(c.AllowedValues) > 0 {
			allowed := make(map[string]struct{}, len(c.AllowedValues))
			for _, v := range c.AllowedValues {
				allowed[v] = struct{}{}
			}
			disallowed := 0
			for _, f := range profile.Categorical.Frequencies {
				if _, ok := allowed[f.Value]; !ok {
					disallowed++
				}
			}
			if disallowed > 0 {
				add(c.Name, "%d observed values outside the allowed set", disallowed)
			}
		}
	}

	return violations
}

// ApplyDictionary narrows a generation plan to the dictionary's constraints.
// Constraints win over profiled statistics: bounds clamp sampler ranges,
// allowed-value sets replace or filter vocabularies, and non-nullable
// columns stop emitting nils.
func ApplyDictionary(dict *models.DataDictionary, plan *models.GenerationPlan) {
	for i := range plan.Columns {
		cp := &plan.Columns[i]
		c := dict.Constraint(cp.Name)
		if c == nil {
			continue
		}

		if c.Nullable != nil && !*c.Nullable {
			cp.NullRate = 0
		}

		switch cp.Kind {
		case models.SamplerNormal, models.SamplerUniformInt:
			if c.Min != nil && cp.Min < *c.Min {
				cp.Min = *c.Min
			}
			if c.Max != nil && cp.Max > *c.Max {
				cp.Max = *c.Max
			}
			if cp.Max < cp.Min {
				cp.Max = cp.Min
			}
			cp.Mean = clampFloat(cp.Mean, cp.Min, cp.Max)

		case models.SamplerChoice:
			if len(c.AllowedValues) > 0 {
				cp.Choices = filterChoices(cp.Choices, c.AllowedValues)
			}

		case models.SamplerToken, models.SamplerPattern:
			if len(c.AllowedValues) > 0 {
				cp.Kind = models.SamplerChoice
				cp.Pattern = ""
				cp.AvgLength = 0
				cp.Choices = uniformChoices(c.AllowedValues)
			}
		}
	}
}

// filterChoices keeps only allowed options, renormalized. When the plan's
// vocabulary is disjoint from the allowed set, the allowed set itself takes
// over with uniform weights.
func filterChoices(choices []models.WeightedChoice, allowedValues []string) []models.WeightedChoice {
	allowed := make(map[string]struct{}, len(allowedValues))
	for _, v := range allowedValues {
		allowed[v] = struct{}{}
	}

	kept := make([]models.WeightedChoice, 0, len(choices))
	total := 0.0
	for _, ch := range choices {
		if _, ok := allowed[ch.Value]; ok {
			kept = append(kept, ch)
			total += ch.Weight
		}
	}
	if len(kept) == 0 || total <= 0 {
		return uniformChoices(allowedValues)
	}
	for i := range kept {
		kept[i].Weight /= total
	}
	return kept
}

func uniformChoices(values []string) []models.WeightedChoice {
	weight := 1.0 / float64(len(values))
	choices := make([]models.WeightedChoice, len(values))
	for i, v := range values {
		choices[i] = models.WeightedChoice{Value: v, Weight: weight}
	}
	return choices
}
