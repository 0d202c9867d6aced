package engine

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/stagerun/internal/executor"
	"github.com/petrijr/stagerun/pkg/api"
)

// Ensure a full automatic run reports every lifecycle event to the observer.
func TestEngine_ObserverSeesFullRun(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	eng := newTestEngine(t, Config{Runner: okRunner, Observer: metrics})

	wf, err := eng.Create(ctx, "observed", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := eng.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStatus(t, eng, wf.ID, api.StateComplete)

	// The observer fires right after the append that Get observes.
	time.Sleep(50 * time.Millisecond)

	snap := metrics.Snapshot()
	if snap.WorkflowsStarted != 1 || snap.WorkflowsCompleted != 1 {
		t.Fatalf("unexpected start/complete counters: %+v", snap)
	}
	if snap.WorkflowsFailed != 0 || snap.WorkflowsCancelled != 0 {
		t.Fatalf("unexpected failure counters: %+v", snap)
	}
	if snap.Transitions != 4 {
		t.Fatalf("Transitions = %d, want 4", snap.Transitions)
	}
	if snap.TasksCompleted != 4 {
		t.Fatalf("TasksCompleted = %d, want 4", snap.TasksCompleted)
	}
}

// Ensure failures and retries are counted, and the retried run's start is
// reported again.
func TestEngine_ObserverSeesFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	eng := newTestEngine(t, Config{Observer: metrics})

	wf, err := eng.Create(ctx, "observed-failure", map[string]any{
		executor.ConfigFailState: string(api.StateExecute),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := eng.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStatus(t, eng, wf.ID, api.StateFailed)

	if err := eng.Retry(ctx, wf.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	// fail_state is still set, so the retried run fails in EXECUTE again.
	waitForStatus(t, eng, wf.ID, api.StateFailed)
	time.Sleep(50 * time.Millisecond)

	snap := metrics.Snapshot()
	if snap.WorkflowsStarted != 2 {
		t.Fatalf("WorkflowsStarted = %d, want 2", snap.WorkflowsStarted)
	}
	if snap.WorkflowsFailed != 2 {
		t.Fatalf("WorkflowsFailed = %d, want 2", snap.WorkflowsFailed)
	}
	// Two runs of INIT->PREPARE->EXECUTE->FAILED plus the retry transition.
	if snap.Transitions != 7 {
		t.Fatalf("Transitions = %d, want 7", snap.Transitions)
	}
	// Only successful tasks count: INIT and PREPARE per run.
	if snap.TasksCompleted != 4 {
		t.Fatalf("TasksCompleted = %d, want 4", snap.TasksCompleted)
	}
}
