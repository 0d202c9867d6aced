package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; callbacks run on the
// engine's coordination goroutine, so heavy work must be done
// asynchronously.
type Observer interface {
	// OnWorkflowStart is called once when automatic progression of a
	// workflow begins, before the first task is dispatched.
	OnWorkflowStart(ctx context.Context, wf *Workflow)

	// OnTransition is called after a transition has been durably recorded,
	// for every trigger including fail, cancel and retry.
	OnTransition(ctx context.Context, wf *Workflow, tr Transition)

	// OnWorkflowCompleted is called when a workflow reaches COMPLETE.
	OnWorkflowCompleted(ctx context.Context, wf *Workflow)

	// OnWorkflowFailed is called when a workflow transitions to FAILED.
	OnWorkflowFailed(ctx context.Context, wf *Workflow, err error)

	// OnWorkflowCancelled is called when a workflow transitions to CANCELLED.
	OnWorkflowCancelled(ctx context.Context, wf *Workflow)

	// OnTaskDispatched is called when a task for the given state has been
	// accepted by the worker pool. attempt is the workflow's retry
	// generation at dispatch time.
	OnTaskDispatched(ctx context.Context, id string, state State, attempt int)

	// OnTaskCompleted is called when a dispatched task's outcome is
	// delivered back to the engine, for both successes and failures.
	// Stale outcomes discarded by the attempt guard are not reported.
	OnTaskCompleted(ctx context.Context, id string, state State, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, wf *Workflow)                  {}
func (NoopObserver) OnTransition(ctx context.Context, wf *Workflow, tr Transition)      {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow)              {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, wf *Workflow, err error)      {}
func (NoopObserver) OnWorkflowCancelled(ctx context.Context, wf *Workflow)              {}
func (NoopObserver) OnTaskDispatched(ctx context.Context, id string, s State, att int)  {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, id string, s State, att int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, wf)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, wf *Workflow, tr Transition) {
	for _, o := range c.observers {
		o.OnTransition(ctx, wf, tr)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, wf *Workflow, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, wf, err)
	}
}

func (c *CompositeObserver) OnWorkflowCancelled(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowCancelled(ctx, wf)
	}
}

func (c *CompositeObserver) OnTaskDispatched(ctx context.Context, id string, s State, att int) {
	for _, o := range c.observers {
		o.OnTaskDispatched(ctx, id, s, att)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, id string, s State, att int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, id, s, att, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, wf *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, wf *Workflow, tr Transition) {
	o.Logger.InfoContext(ctx, "workflow_transition",
		slog.String("workflow_id", wf.ID),
		slog.String("from", string(tr.FromState)),
		slog.String("to", string(tr.ToState)),
		slog.String("trigger", string(tr.Trigger)),
		slog.Int("seq", tr.Seq),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, wf *Workflow, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.Int("retries", wf.Retries),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnWorkflowCancelled(ctx context.Context, wf *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_cancelled",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
	)
}

func (o *LoggingObserver) OnTaskDispatched(ctx context.Context, id string, s State, att int) {
	o.Logger.DebugContext(ctx, "task_dispatched",
		slog.String("workflow_id", id),
		slog.String("state", string(s)),
		slog.Int("attempt", att),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, id string, s State, att int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.String("workflow_id", id),
		slog.String("state", string(s)),
		slog.Int("attempt", att),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	workflowsCancelled atomic.Int64
	transitions        atomic.Int64
	tasksCompleted     atomic.Int64
	totalTaskDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	WorkflowsCancelled int64
	Transitions        int64

	TasksCompleted  int64
	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, wf *Workflow) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnTransition(ctx context.Context, wf *Workflow, tr Transition) {
	m.transitions.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, wf *Workflow, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnWorkflowCancelled(ctx context.Context, wf *Workflow) {
	m.workflowsCancelled.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, id string, s State, att int, err error, d time.Duration) {
	// Only successful tasks count toward the average duration.
	if err == nil {
		m.tasksCompleted.Add(1)
		m.totalTaskDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	tasks := m.tasksCompleted.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if tasks > 0 {
		avg = time.Duration(totalNs / tasks)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   m.workflowsStarted.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		WorkflowsCancelled: m.workflowsCancelled.Load(),
		Transitions:        m.transitions.Load(),
		TasksCompleted:     tasks,
		AvgTaskDuration:    avg,
	}
}
