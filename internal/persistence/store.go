// Package persistence defines the workflow store and its ledger contract:
// every transition is appended atomically together with the owning
// workflow's updated fields, so readers never observe a torn update.
package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/stagerun/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow id is unknown.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrLedgerConflict is returned by AppendTransition when the
	// transition's from_state does not match the workflow's latest
	// recorded to_state. Under single-writer discipline this indicates a
	// programming error.
	ErrLedgerConflict = errors.New("transition does not extend the ledger")
)

// WorkflowFilter selects workflows from the store.
// Empty string / zero status mean "no filter" for that field.
type WorkflowFilter struct {
	Name   string
	Status api.State
}

// Store persists workflows and their transition ledger.
type Store interface {
	// CreateWorkflow persists a newly created workflow. The workflow must
	// be in INIT with no transitions.
	CreateWorkflow(ctx context.Context, wf *api.Workflow) error

	// GetWorkflow returns the workflow for the given id.
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)

	// ListWorkflows returns workflows matching the filter.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error)

	// DeleteWorkflow removes the workflow and its transitions.
	DeleteWorkflow(ctx context.Context, id string) error

	// AppendTransition durably records tr and applies wf's updated fields
	// in a single atomic operation: both writes succeed or neither does.
	// The store assigns tr.Seq as last+1 and rejects a transition whose
	// FromState does not equal the latest ToState (or INIT when the
	// ledger is empty) with ErrLedgerConflict.
	AppendTransition(ctx context.Context, wf *api.Workflow, tr *api.Transition) error

	// History returns the workflow's transitions, oldest first. The
	// returned slice is a copy; the ledger itself is never mutated after
	// append.
	History(ctx context.Context, workflowID string) ([]api.Transition, error)

	// CountByStatus returns the number of workflows per status.
	CountByStatus(ctx context.Context) (map[api.State]int, error)
}
