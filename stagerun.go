package stagerun

import (
	"context"
	"database/sql"

	"github.com/petrijr/stagerun/internal/engine"
	"github.com/petrijr/stagerun/internal/persistence"
	"github.com/petrijr/stagerun/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Workflow             = api.Workflow
	Transition           = api.Transition
	TaskResult           = api.TaskResult
	Snapshot             = api.Snapshot
	State                = api.State
	Trigger              = api.Trigger
	TaskRunner           = api.TaskRunner
	ListOptions          = api.ListOptions
	Stats                = api.Stats
	PoolStats            = api.PoolStats
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export the sentinel errors callers match with errors.Is.

var (
	ErrNotFound              = api.ErrNotFound
	ErrPoolSaturated         = api.ErrPoolSaturated
	ErrTaskTimeout           = api.ErrTaskTimeout
	ErrInvalidStateForStart  = api.ErrInvalidStateForStart
	ErrInvalidStateForStep   = api.ErrInvalidStateForStep
	ErrInvalidStateForRetry  = api.ErrInvalidStateForRetry
	ErrInvalidStateForCancel = api.ErrInvalidStateForCancel
	ErrInvalidStateForDelete = api.ErrInvalidStateForDelete
	ErrConflict              = api.ErrConflict
)

// Re-export lifecycle states and triggers for convenience.

const (
	StateInit      = api.StateInit
	StatePrepare   = api.StatePrepare
	StateExecute   = api.StateExecute
	StateValidate  = api.StateValidate
	StateComplete  = api.StateComplete
	StateFailed    = api.StateFailed
	StateCancelled = api.StateCancelled

	TriggerPrepare  = api.TriggerPrepare
	TriggerExecute  = api.TriggerExecute
	TriggerValidate = api.TriggerValidate
	TriggerComplete = api.TriggerComplete
	TriggerFail     = api.TriggerFail
	TriggerCancel   = api.TriggerCancel
	TriggerRetry    = api.TriggerRetry
)

// Config tunes an engine. The zero value gives usable defaults; see the
// field docs on engine.Config for the exact numbers.
type Config = engine.Config

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by an in-memory store.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithConfig returns an in-memory Engine with the given
// configuration. Any Store set on cfg is ignored.
func NewInMemoryEngineWithConfig(cfg Config) Engine {
	cfg.Store = persistence.NewInMemoryStore()
	return engine.NewEngineWithConfig(cfg)
}

// NewSQLiteEngine returns an Engine that persists workflows and their
// transition ledger in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithConfig returns a SQLite-backed Engine with the given
// configuration.
func NewSQLiteEngineWithConfig(db *sql.DB, cfg Config) (Engine, error) {
	return engine.NewSQLiteEngineWithConfig(db, cfg)
}

// Convenience helpers that just forward to the underlying Engine.

// Create registers a new workflow in INIT.
func Create(ctx context.Context, eng Engine, name string, config map[string]any) (*Workflow, error) {
	return eng.Create(ctx, name, config)
}

// Start begins automatic background progression of a workflow.
func Start(ctx context.Context, eng Engine, id string) error {
	return eng.Start(ctx, id)
}

// Step applies exactly one transition to a workflow.
func Step(ctx context.Context, eng Engine, id string) (*Workflow, error) {
	return eng.Step(ctx, id)
}

// Get fetches a workflow snapshot including its transition history.
func Get(ctx context.Context, eng Engine, id string) (*Snapshot, error) {
	return eng.Get(ctx, id)
}

// List lists workflows according to the given options.
func List(ctx context.Context, eng Engine, opts ListOptions) ([]*Workflow, error) {
	return eng.List(ctx, opts)
}

// Retry moves a FAILED workflow back to INIT and starts a fresh run.
func Retry(ctx context.Context, eng Engine, id string) error {
	return eng.Retry(ctx, id)
}

// Cancel transitions an active workflow to CANCELLED.
func Cancel(ctx context.Context, eng Engine, id string) error {
	return eng.Cancel(ctx, id)
}

// Delete removes a finished workflow and its history.
func Delete(ctx context.Context, eng Engine, id string) error {
	return eng.Delete(ctx, id)
}
