package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a workflow id is unknown to the engine.
	ErrNotFound = errors.New("workflow not found")

	// ErrPoolSaturated is returned by the worker pool when both the worker
	// capacity and the pending queue are full. It is transient: the engine
	// retries dispatch with backoff and never records it as a workflow
	// failure.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrTaskTimeout is reported by the worker pool when a task exceeds its
	// configured timeout. It drives the workflow to FAILED like any other
	// task failure.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrInvalidStateForStart is returned when start is called on a
	// workflow that is no longer in an active state.
	ErrInvalidStateForStart = errors.New("start requires an active workflow")

	// ErrInvalidStateForStep is returned when step is called on a
	// workflow that is no longer in an active state.
	ErrInvalidStateForStep = errors.New("step requires an active workflow")

	// ErrInvalidStateForRetry is returned when retry is called on a
	// workflow whose status is not FAILED.
	ErrInvalidStateForRetry = errors.New("retry requires status FAILED")

	// ErrInvalidStateForCancel is returned when cancel is called on a
	// workflow that is already in COMPLETE, FAILED or CANCELLED.
	ErrInvalidStateForCancel = errors.New("cancel requires an active workflow")

	// ErrInvalidStateForDelete is returned when delete is called on a
	// workflow that is still active.
	ErrInvalidStateForDelete = errors.New("delete requires a finished workflow")

	// ErrConflict is returned when an operation would overlap another
	// in-flight mutation of the same workflow, for example two concurrent
	// Step calls. Exactly one of the callers proceeds.
	ErrConflict = errors.New("workflow is busy")
)

// InvalidTransitionError indicates a trigger that is not legal from the
// workflow's current state. Under the engine's single-writer discipline it
// signals a programming error rather than a recoverable condition.
type InvalidTransitionError struct {
	From    State
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition from %s via trigger %q", e.From, e.Trigger)
}

// ValidationError rejects bad input to Create before any workflow state
// exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
