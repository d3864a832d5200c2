package ledger

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is returned when a request cannot be admitted against the
// monthly allowance, including when the allowance could not be read.
var ErrBudgetExceeded = errors.New("budget exceeded")

// InsufficientCreditsError reports a denied admission with the amounts involved.
// Cause is set when the denial comes from a storage failure rather than the limit.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
	Cause     error
}

func (e *InsufficientCreditsError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("insufficient credits: required %d, available %d (ledger unavailable: %v)",
			e.Required, e.Available, e.Cause)
	}
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrBudgetExceeded, e.Cause}
	}
	return []error{ErrBudgetExceeded}
}
