// Package stagerun provides an embeddable orchestration engine that runs
// named workflows through a fixed lifecycle of states, executing one unit
// of work per state on a bounded worker pool and recording every state
// transition in an append-only ledger.
//
// # Lifecycle
//
// Every workflow moves through the same linear sequence:
//
//	INIT → PREPARE → EXECUTE → VALIDATE → COMPLETE
//
// with two side exits: any active state can transition to FAILED (on task
// error or timeout) or to CANCELLED (on request). COMPLETE and CANCELLED
// are terminal. FAILED can only be left via an explicit Retry, which
// returns the workflow to INIT and increments its retry count.
//
// The legal transitions live in a single table keyed by (state, trigger);
// checking legality is a lookup, and every applied transition is persisted
// atomically together with the workflow's updated state.
//
// # Engine
//
// The Engine is the only writer of workflow state. A single coordination
// goroutine serializes all mutations, so transitions for one workflow are
// never applied concurrently, while task execution itself runs on a
// bounded worker pool with a pending queue and per-task timeouts. The
// coordination loop never blocks on a running task: it dispatches,
// resumes other workflows, and applies each task's outcome when delivered.
//
// Engines can be backed by an in-memory store (tests, development) or by
// SQLite (durable workflows and transition history in two tables updated
// in one transaction).
//
// # Usage
//
//	eng := stagerun.NewInMemoryEngine()
//	defer eng.Close()
//
//	wf, err := eng.Create(ctx, "nightly-report", map[string]any{"iterations": 10_000})
//	if err != nil { ... }
//
//	// Automatic: progress in the background until COMPLETE or FAILED.
//	_ = eng.Start(ctx, wf.ID)
//
//	// Or manual: one transition per call.
//	wf, err = eng.Step(ctx, wf.ID)
//
//	snap, err := eng.Get(ctx, wf.ID) // state, results, full history
//
// Cancellation marks the workflow CANCELLED and discards the outcome of
// any task still in flight; the task itself runs to completion but its
// result is never applied (a per-workflow attempt counter guards against
// stale results).
//
// # Observers
//
// Logging and metrics hook in through the Observer interface: see
// NewLoggingObserver (log/slog), BasicMetrics and NewCompositeObserver.
//
// For runnable demos, see the /examples directory.
package stagerun
