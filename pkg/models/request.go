package models

import (
	"fmt"

	"github.com/synthline-io/synthline-engine/pkg/apperrors"
)

// Output formats accepted on a generation request. Rendering is performed
// by external format serializers; the engine only validates the value.
const (
	OutputFormatCSV   = "csv"
	OutputFormatJSON  = "json"
	OutputFormatExcel = "excel"
)

// Request field bounds and defaults.
const (
	DefaultMatchThreshold = 0.8
	MinFileCount          = 1
	MaxFileCount          = 20
)

// GenerationRequest carries the tunable parameters of one synthesis request.
type GenerationRequest struct {
	// NumRows is the synthetic row count. Zero means "same as source".
	NumRows int `json:"num_rows"`

	// MatchThreshold is the minimum acceptable statistical-fidelity score.
	MatchThreshold float64 `json:"match_threshold"`

	OutputFormat string `json:"output_format"`
	UseCache     bool   `json:"use_cache"`

	// FileCount requests this many independently-seeded synthetic tables
	// from the same accepted procedure.
	FileCount int `json:"file_count"`

	// Dictionary carries optional caller constraints. Constrained requests
	// never touch the procedure cache: the fingerprint does not encode the
	// constraints, so cached plans would be wrong for them.
	Dictionary *DataDictionary `json:"dictionary,omitempty"`
}

// ApplyDefaults fills unset fields with their documented defaults.
func (r *GenerationRequest) ApplyDefaults() {
	if r.MatchThreshold == 0 {
		r.MatchThreshold = DefaultMatchThreshold
	}
	if r.OutputFormat == "" {
		r.OutputFormat = OutputFormatCSV
	}
	if r.FileCount == 0 {
		r.FileCount = MinFileCount
	}
}

// Validate rejects out-of-range parameters. All failures wrap
// apperrors.ErrInvalidRequest so transport layers can map them uniformly.
func (r *GenerationRequest) Validate() error {
	if r.NumRows < 0 {
		return fmt.Errorf("%w: num_rows must be non-negative, got %d", apperrors.ErrInvalidRequest, r.NumRows)
	}
	if r.MatchThreshold < 0 || r.MatchThreshold > 1 {
		return fmt.Errorf("%w: match_threshold must be in [0,1], got %v", apperrors.ErrInvalidRequest, r.MatchThreshold)
	}
	switch r.OutputFormat {
	case OutputFormatCSV, OutputFormatJSON, OutputFormatExcel:
	default:
		return fmt.Errorf("%w: unsupported output_format %q", apperrors.ErrInvalidRequest, r.OutputFormat)
	}
	if r.FileCount < MinFileCount || r.FileCount > MaxFileCount {
		return fmt.Errorf("%w: file_count must be in [%d,%d], got %d",
			apperrors.ErrInvalidRequest, MinFileCount, MaxFileCount, r.FileCount)
	}
	if r.Dictionary != nil {
		if err := r.Dictionary.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ResultSource records whether the procedure came from the cache.
type ResultSource string

const (
	SourceCacheHit           ResultSource = "cache_hit"
	SourceFreshlySynthesized ResultSource = "freshly_synthesized"
)

// GenerationResult is the outcome of one synthesis request.
type GenerationResult struct {
	// Tables holds FileCount synthetic tables (one for single-file requests).
	Tables []*Table `json:"tables"`

	MatchScore float64      `json:"match_score"`
	Attempts   int          `json:"attempts"`
	Source     ResultSource `json:"source"`

	// LowConfidence is set when the retry budget was exhausted and the
	// best-scoring attempt was returned instead of an error.
	LowConfidence bool `json:"low_confidence"`
}
