package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/petrijr/stagerun/internal/executor"
	"github.com/petrijr/stagerun/pkg/api"
)

// Ensure a failing task drives the workflow to FAILED with the error and
// the fail transition recorded.
func TestEngine_TaskFailureMovesToFailed(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{})

	wf, err := eng.Create(ctx, "doomed", map[string]any{
		executor.ConfigFailState: string(api.StateExecute),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := eng.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := waitForStatus(t, eng, wf.ID, api.StateFailed)
	failed := snap.Workflow

	if failed.ErrorMessage == "" {
		t.Fatal("ErrorMessage not recorded")
	}
	if failed.CompletedAt == nil {
		t.Fatal("CompletedAt not set on failure")
	}
	if failed.Retries != 0 {
		t.Fatalf("Retries = %d, want 0", failed.Retries)
	}
	if snap.NextTrigger != api.TriggerRetry {
		t.Fatalf("NextTrigger = %s, want retry", snap.NextTrigger)
	}

	last := snap.History[len(snap.History)-1]
	if last.FromState != api.StateExecute || last.ToState != api.StateFailed || last.Trigger != api.TriggerFail {
		t.Fatalf("unexpected final transition: %+v", last)
	}
	if last.Metadata["error"] == "" {
		t.Fatal("fail transition carries no error metadata")
	}

	// Tasks before the failure recorded their results; the failed one did not.
	if len(failed.TaskResults) != 2 {
		t.Fatalf("expected 2 task results, got %d: %+v", len(failed.TaskResults), failed.TaskResults)
	}
	if _, ok := failed.ResultFor(api.StateExecute); ok {
		t.Fatal("failed EXECUTE task recorded a result")
	}
}

// Ensure Retry starts a fresh run whose results are recorded under the new
// attempt without touching the prior attempt's entries.
func TestEngine_RetryAfterFailure(t *testing.T) {
	ctx := context.Background()

	// EXECUTE fails exactly once, then behaves.
	var tripped atomic.Bool
	runner := func(ctx context.Context, state api.State, config map[string]any) (map[string]any, error) {
		if state == api.StateExecute && tripped.CompareAndSwap(false, true) {
			return nil, errors.New("transient execute failure")
		}
		return map[string]any{"status": "ok"}, nil
	}
	eng := newTestEngine(t, Config{Runner: runner})

	wf, err := eng.Create(ctx, "retryable", nil)
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

	snap := waitForStatus(t, eng, wf.ID, api.StateComplete)
	final := snap.Workflow

	if final.Retries != 1 {
		t.Fatalf("Retries = %d, want 1", final.Retries)
	}
	if final.ErrorMessage != "" {
		t.Fatalf("ErrorMessage not cleared: %q", final.ErrorMessage)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatal("timestamps of the fresh run not set")
	}

	// First run: 3 transitions up to FAILED, then retry, then 4 more.
	if len(snap.History) != 8 {
		t.Fatalf("expected 8 transitions, got %d", len(snap.History))
	}
	retryTr := snap.History[3]
	if retryTr.FromState != api.StateFailed || retryTr.ToState != api.StateInit || retryTr.Trigger != api.TriggerRetry {
		t.Fatalf("transition 4 is not the retry: %+v", retryTr)
	}
	if retryTr.Metadata["attempt"] != "1" {
		t.Fatalf("retry metadata attempt = %q, want 1", retryTr.Metadata["attempt"])
	}
	for i, tr := range snap.History {
		if tr.Seq != i+1 {
			t.Fatalf("transition %d has Seq %d", i, tr.Seq)
		}
	}

	// Attempt 0 kept its INIT and PREPARE results; attempt 1 added all four.
	if len(final.TaskResults) != 6 {
		t.Fatalf("expected 6 task results, got %d: %+v", len(final.TaskResults), final.TaskResults)
	}
	var attempt0, attempt1 int
	for _, res := range final.TaskResults {
		switch res.Attempt {
		case 0:
			attempt0++
		case 1:
			attempt1++
		}
	}
	if attempt0 != 2 || attempt1 != 4 {
		t.Fatalf("attempt split = %d/%d, want 2/4", attempt0, attempt1)
	}
	execRes, ok := final.ResultFor(api.StateExecute)
	if !ok || execRes.Attempt != 1 {
		t.Fatalf("expected an attempt-1 EXECUTE result, got %+v (ok=%v)", execRes, ok)
	}
}

// Ensure Retry is rejected unless the workflow is FAILED.
func TestEngine_RetryRequiresFailed(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, Config{Runner: okRunner})

	wf, err := eng.Create(ctx, "not-failed", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := eng.Retry(ctx, wf.ID); !errors.Is(err, api.ErrInvalidStateForRetry) {
		t.Fatalf("expected ErrInvalidStateForRetry for INIT, got %v", err)
	}

	if err := eng.Start(ctx, wf.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStatus(t, eng, wf.ID, api.StateComplete)

	if err := eng.Retry(ctx, wf.ID); !errors.Is(err, api.ErrInvalidStateForRetry) {
		t.Fatalf("expected ErrInvalidStateForRetry for COMPLETE, got %v", err)
	}
}
