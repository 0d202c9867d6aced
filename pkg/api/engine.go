package api

import (
	"context"
)

// TaskRunner executes a single unit of work for a workflow state. It must
// be a pure function of (state, config): safely callable concurrently for
// different workflows, no shared mutable state, and it must honour ctx
// cancellation so per-task timeouts take effect.
type TaskRunner func(ctx context.Context, state State, config map[string]any) (map[string]any, error)

// ListOptions controls how workflows are listed.
// Zero values mean "no filter" for that field.
type ListOptions struct {
	// Name, if non-empty, limits results to workflows with the given name.
	Name string

	// Status, if non-empty, limits results to workflows with the given status.
	Status State
}

// PoolStats describes the worker pool at a point in time. Active never
// exceeds Capacity and Queued never exceeds the configured queue bound.
type PoolStats struct {
	Capacity int
	Active   int
	Queued   int
}

// Stats is the engine-wide view returned by Engine.Stats.
type Stats struct {
	Pool      PoolStats
	Workflows map[State]int
}

// Engine drives workflows through the fixed lifecycle. All mutations for a
// given workflow id are serialized through a single coordination goroutine,
// so no two transitions for the same workflow are ever applied concurrently.
type Engine interface {
	// Create registers a new workflow in INIT with no transitions.
	Create(ctx context.Context, name string, config map[string]any) (*Workflow, error)

	// Start begins automatic progression of the workflow on a background
	// execution path and returns once the workflow has been accepted.
	// Calling Start on a workflow that is already running is a no-op.
	Start(ctx context.Context, id string) error

	// Step executes exactly one task for the current state and applies the
	// resulting transition, returning once it is durably recorded. A Step
	// that overlaps another in-flight mutation fails with ErrConflict.
	Step(ctx context.Context, id string) (*Workflow, error)

	// Get returns the workflow together with its ordered transition
	// history. It cross-checks the stored current state against the ledger
	// and fails if the two have diverged.
	Get(ctx context.Context, id string) (*Snapshot, error)

	// List returns workflows matching the given options.
	List(ctx context.Context, opts ListOptions) ([]*Workflow, error)

	// Retry moves a FAILED workflow back to INIT, increments its retry
	// count, clears the recorded error and starts a fresh automatic run.
	Retry(ctx context.Context, id string) error

	// Cancel transitions an active workflow to CANCELLED. An in-flight
	// task keeps running but its eventual result is discarded.
	Cancel(ctx context.Context, id string) error

	// Delete removes a finished workflow and its transition history.
	Delete(ctx context.Context, id string) error

	// Stats reports worker pool utilisation and workflow counts per status.
	Stats(ctx context.Context) (Stats, error)

	// Close stops the coordination loop and the worker pool. In-flight
	// tasks run to completion but their results are no longer applied.
	Close() error
}
