package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks out-of-range or malformed request parameters.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupportedInput marks tables that cannot be profiled at all
	// (zero columns, no coercible primitive types).
	ErrUnsupportedInput = errors.New("unsupported input table")

	// ErrSynthesisFailed marks sandbox timeouts, execution faults and
	// output shape mismatches.
	ErrSynthesisFailed = errors.New("synthesis failed")

	// ErrValidationExhausted marks a retry loop that ran out of attempts
	// without meeting the match threshold.
	ErrValidationExhausted = errors.New("validation attempts exhausted")

	// ErrCacheUnavailable marks procedure cache read/write failures. The
	// cache is a performance optimization only; callers fall back to
	// fresh synthesis.
	ErrCacheUnavailable = errors.New("procedure cache unavailable")

	// ErrNotFound marks cache lookups with no matching entry.
	ErrNotFound = errors.New("not found")
)

// ExtractionError reports a profiling failure scoped to one column.
type ExtractionError struct {
	Column string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed on column %q: %v", e.Column, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
