package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingObserver struct {
	NoopObserver

	starts      int
	transitions int
	completed   int
}

func (c *countingObserver) OnWorkflowStart(ctx context.Context, wf *Workflow) { c.starts++ }
func (c *countingObserver) OnTransition(ctx context.Context, wf *Workflow, tr Transition) {
	c.transitions++
}
func (c *countingObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) { c.completed++ }

// Ensure the composite fans events out to every wrapped observer and drops
// nil entries.
func TestCompositeObserver_FanOut(t *testing.T) {
	a := &countingObserver{}
	b := &countingObserver{}
	obs := NewCompositeObserver(a, nil, b)

	ctx := context.Background()
	wf := &Workflow{ID: "wf-1"}
	obs.OnWorkflowStart(ctx, wf)
	obs.OnTransition(ctx, wf, Transition{WorkflowID: wf.ID})
	obs.OnWorkflowCompleted(ctx, wf)

	for _, c := range []*countingObserver{a, b} {
		if c.starts != 1 || c.transitions != 1 || c.completed != 1 {
			t.Fatalf("expected each observer to see every event, got %+v", c)
		}
	}
}

// Ensure the degenerate composites collapse to the cheapest form.
func TestNewCompositeObserver_Collapses(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatal("expected NoopObserver for an empty composite")
	}

	single := &countingObserver{}
	if got := NewCompositeObserver(single, nil); got != Observer(single) {
		t.Fatalf("expected the single observer back, got %T", got)
	}
}

// Ensure BasicMetrics counts lifecycle events and averages successful task
// durations only.
func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	wf := &Workflow{ID: "wf-1"}

	m.OnWorkflowStart(ctx, wf)
	m.OnTransition(ctx, wf, Transition{})
	m.OnTransition(ctx, wf, Transition{})
	m.OnWorkflowCompleted(ctx, wf)
	m.OnWorkflowFailed(ctx, wf, errors.New("boom"))
	m.OnWorkflowCancelled(ctx, wf)

	m.OnTaskCompleted(ctx, wf.ID, StateInit, 0, nil, 100*time.Millisecond)
	m.OnTaskCompleted(ctx, wf.ID, StatePrepare, 0, nil, 300*time.Millisecond)
	m.OnTaskCompleted(ctx, wf.ID, StateExecute, 0, errors.New("boom"), time.Hour)

	snap := m.Snapshot()
	if snap.WorkflowsStarted != 1 || snap.WorkflowsCompleted != 1 ||
		snap.WorkflowsFailed != 1 || snap.WorkflowsCancelled != 1 {
		t.Fatalf("unexpected workflow counters: %+v", snap)
	}
	if snap.Transitions != 2 {
		t.Fatalf("expected 2 transitions, got %d", snap.Transitions)
	}
	if snap.TasksCompleted != 2 {
		t.Fatalf("expected 2 successful tasks, got %d", snap.TasksCompleted)
	}
	if snap.AvgTaskDuration != 200*time.Millisecond {
		t.Fatalf("expected 200ms average, got %v", snap.AvgTaskDuration)
	}
}
