package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change would move a job backwards
// or replace one terminal outcome with another.
var ErrInvalidTransition = errors.New("invalid job status transition")

// validTransitions maps from-state to allowed to-states.
// Re-applying the current state is always allowed so duplicate terminal
// notifications overwrite the same fields instead of failing.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // Queued → Processing (first stage starts)
		JobStatusCompleted:  true, // Queued → Completed (terminal event raced ahead of progress pings)
		JobStatusFailed:     true, // Queued → Failed (execution failed before any stage)
	},
	JobStatusProcessing: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
	},
	// Terminal states
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a status transition is valid
func ValidateTransition(from, to JobStatus) error {
	if from == to {
		if _, known := validTransitions[from]; !known {
			return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
		}
		return nil
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminalState returns true if the status is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed
}
