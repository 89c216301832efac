package verifier

import (
	"errors"
	"fmt"
)

// ErrUnparseableGrade is returned when the grader reply has no usable score.
var ErrUnparseableGrade = errors.New("grade has no score in [0,1]")

// VerificationError reports a verification that could not be completed.
type VerificationError struct {
	ExecutionID string // Execution being graded
	Stage       string // Step that failed, e.g. "grade"
	Err         error  // Underlying error
}

// Error implements the error interface for VerificationError.
func (e *VerificationError) Error() string {
	return fmt.Sprintf("verify execution %s (%s): %v", e.ExecutionID, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *VerificationError) Unwrap() error {
	return e.Err
}

// IsVerificationError checks if the error is or wraps a VerificationError.
func IsVerificationError(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}
