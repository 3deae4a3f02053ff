package jobs

import "errors"

var (
	// ErrNotFound is returned when a job does not exist within the caller's
	// tenant. Cross-tenant access deliberately surfaces this same error so
	// existence never leaks across the tenant boundary.
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned when an optimistic transition loses a race:
	// the job's current stage or task_ref no longer matches the expectation.
	ErrConflict = errors.New("job state conflict")

	// ErrImmutableInputs is returned when inputs are changed after the job
	// has left draft.
	ErrImmutableInputs = errors.New("inputs are immutable after draft")
)
