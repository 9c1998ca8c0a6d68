package dispatch

import (
	"fmt"

	"agentrouter/internal/domain/routing"
	"agentrouter/pkg/errors"
)

// CandidatesExhaustedError is returned when a dispatch call produced no completion.
// It matches ErrBudgetExceeded when the session budget stopped the loop, otherwise
// ErrCandidatesExhausted, and also the last attempt's error.
type CandidatesExhaustedError struct {
	Role       string
	DecisionID string
	Attempts   []routing.Attempt
	Budget     bool
	Last       error
}

func (e *CandidatesExhaustedError) Error() string {
	reason := "candidates exhausted"
	if e.Budget {
		reason = "session budget exceeded"
	}
	if e.Last != nil {
		return fmt.Sprintf("role %s: %s after %d attempts: %v", e.Role, reason, len(e.Attempts), e.Last)
	}
	return fmt.Sprintf("role %s: %s after %d attempts", e.Role, reason, len(e.Attempts))
}

// Unwrap exposes the sentinel and the last cause
func (e *CandidatesExhaustedError) Unwrap() []error {
	sentinel := errors.ErrCandidatesExhausted
	if e.Budget {
		sentinel = errors.ErrBudgetExceeded
	}
	if e.Last == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Last}
}
