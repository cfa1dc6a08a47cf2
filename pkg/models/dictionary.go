package models

import (
	"fmt"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
)

// DataDictionary carries caller-supplied column constraints. Constraints are
// authoritative: generation plans are narrowed to them even where the
// observed data disagrees, and the validate path reports such disagreements.
type DataDictionary struct {
	Columns []ColumnConstraint `json:"columns"`
}

// ColumnConstraint bounds one column of a dictionary-constrained request.
// All fields except Name are optional; absent fields leave the profiled
// behavior untouched.
type ColumnConstraint struct {
	Name string `json:"name"`

	// Type, when set, is the expected inferred type of the column.
	Type InferredType `json:"type,omitempty"`

	// Min and Max bound numeric columns.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// AllowedValues restricts categorical or text columns to a fixed
	// vocabulary.
	AllowedValues []string `json:"allowed_values,omitempty"`

	// Nullable set to false forbids missing values.
	Nullable *bool `json:"nullable,omitempty"`

	// Description is free-form documentation, passed through to synthesis
	// prompts as context.
	Description string `json:"description,omitempty"`
}

// Constraint returns the constraint for the named column, or nil.
func (d *DataDictionary) Constraint(name string) *ColumnConstraint {
	for i := range d.Columns {
		if d.Columns[i].Name == name {
			return &d.Columns[i]
		}
	}
	return nil
}

// Validate rejects structurally malformed dictionaries. Consistency with the
// actual data is a separate concern, checked against extracted metadata.
func (d *DataDictionary) Validate() error {
	if len(d.Columns) == 0 {
		return fmt.Errorf("%w: dictionary has no columns", apperrors.ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(d.Columns))
	for i := range d.Columns {
		c := &d.Columns[i]
		if c.Name == "" {
			return fmt.Errorf("%w: dictionary column %d has no name", apperrors.ErrInvalidRequest, i)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate dictionary column %q", apperrors.ErrInvalidRequest, c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return fmt.Errorf("%w: dictionary column %q has min > max", apperrors.ErrInvalidRequest, c.Name)
		}
	}
	return nil
}

// ConstraintViolation reports one disagreement between a dictionary and the
// metadata extracted from the actual data.
type ConstraintViolation struct {
	Column  string `json:"column"`
	Message string `json:"message"`
}
