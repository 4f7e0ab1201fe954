package quality

import (
	"errors"
	"fmt"
	"math"
)

// ErrContractViolation marks a scoring backend response that breaks the
// scoring contract. Callers must not repair the value by clamping; the
// job is surfaced as non-retryable instead.
var ErrContractViolation = errors.New("scoring backend contract violation")

// ValidateScore checks that a backend score is a finite value in [0,1].
func ValidateScore(field string, score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fmt.Errorf("%w: %s is not a finite number", ErrContractViolation, field)
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: %s=%v outside [0,1]", ErrContractViolation, field, score)
	}
	return nil
}
