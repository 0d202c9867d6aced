package api

import (
	"errors"
	"testing"
	"time"
)

// Ensure the happy path walks INIT through COMPLETE via the advance triggers.
func TestNext_HappyPath(t *testing.T) {
	want := []State{StatePrepare, StateExecute, StateValidate, StateComplete}

	s := StateInit
	for _, expect := range want {
		trigger, ok := AdvanceTrigger(s)
		if !ok {
			t.Fatalf("expected an advance trigger from %s", s)
		}
		next, err := Next(s, trigger)
		if err != nil {
			t.Fatalf("Next(%s, %s) failed: %v", s, trigger, err)
		}
		if next != expect {
			t.Fatalf("Next(%s, %s) = %s, want %s", s, trigger, next, expect)
		}
		s = next
	}
}

// Ensure every active state can fail and cancel, and terminal states cannot.
func TestNext_FailAndCancel(t *testing.T) {
	for _, s := range []State{StateInit, StatePrepare, StateExecute, StateValidate} {
		if next, err := Next(s, TriggerFail); err != nil || next != StateFailed {
			t.Fatalf("Next(%s, fail) = (%s, %v), want FAILED", s, next, err)
		}
		if next, err := Next(s, TriggerCancel); err != nil || next != StateCancelled {
			t.Fatalf("Next(%s, cancel) = (%s, %v), want CANCELLED", s, next, err)
		}
	}

	for _, s := range []State{StateComplete, StateCancelled} {
		if _, err := Next(s, TriggerFail); err == nil {
			t.Fatalf("expected no fail transition from terminal state %s", s)
		}
		if _, err := Next(s, TriggerCancel); err == nil {
			t.Fatalf("expected no cancel transition from terminal state %s", s)
		}
	}
}

// Ensure retry is only legal from FAILED and leads back to INIT.
func TestNext_RetryOnlyFromFailed(t *testing.T) {
	next, err := Next(StateFailed, TriggerRetry)
	if err != nil {
		t.Fatalf("Next(FAILED, retry) failed: %v", err)
	}
	if next != StateInit {
		t.Fatalf("Next(FAILED, retry) = %s, want INIT", next)
	}

	for _, s := range []State{StateInit, StatePrepare, StateExecute, StateValidate, StateComplete, StateCancelled} {
		if _, err := Next(s, TriggerRetry); err == nil {
			t.Fatalf("expected retry to be illegal from %s", s)
		}
	}
}

// Ensure illegal pairs produce a typed InvalidTransitionError.
func TestNext_InvalidTransitionError(t *testing.T) {
	_, err := Next(StateInit, TriggerComplete)
	if err == nil {
		t.Fatal("expected an error for Next(INIT, complete)")
	}

	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %T: %v", err, err)
	}
	if invalid.From != StateInit || invalid.Trigger != TriggerComplete {
		t.Fatalf("unexpected error fields: %+v", invalid)
	}
}

// Ensure Terminal and Active classify every state correctly. FAILED is
// neither: no task runs there, but retry can still leave it.
func TestState_TerminalAndActive(t *testing.T) {
	cases := []struct {
		state    State
		terminal bool
		active   bool
	}{
		{StateInit, false, true},
		{StatePrepare, false, true},
		{StateExecute, false, true},
		{StateValidate, false, true},
		{StateComplete, true, false},
		{StateFailed, false, false},
		{StateCancelled, true, false},
	}
	for _, tc := range cases {
		if got := tc.state.Terminal(); got != tc.terminal {
			t.Fatalf("%s.Terminal() = %v, want %v", tc.state, got, tc.terminal)
		}
		if got := tc.state.Active(); got != tc.active {
			t.Fatalf("%s.Active() = %v, want %v", tc.state, got, tc.active)
		}
	}
}

// Ensure each active state maps to its task type and non-active states map
// to none.
func TestTaskName(t *testing.T) {
	want := map[State]string{
		StateInit:     "initialize",
		StatePrepare:  "prepare",
		StateExecute:  "execute",
		StateValidate: "validate",
	}
	for s, name := range want {
		got, ok := TaskName(s)
		if !ok || got != name {
			t.Fatalf("TaskName(%s) = (%q, %v), want (%q, true)", s, got, ok, name)
		}
	}
	for _, s := range []State{StateComplete, StateFailed, StateCancelled} {
		if _, ok := TaskName(s); ok {
			t.Fatalf("expected no task for state %s", s)
		}
	}
}

// Ensure Clone produces an independent deep copy.
func TestWorkflow_Clone(t *testing.T) {
	started := time.Now()
	wf := &Workflow{
		ID:           "wf-1",
		Name:         "clone-test",
		Config:       map[string]any{"iterations": 10},
		CurrentState: StateExecute,
		Status:       StateExecute,
		StartedAt:    &started,
		TaskResults: []TaskResult{
			{State: StateInit, Output: map[string]any{"status": "initialized"}},
		},
	}

	cp := wf.Clone()
	cp.Config["iterations"] = 99
	*cp.StartedAt = started.Add(time.Hour)
	cp.TaskResults[0].State = StatePrepare
	cp.TaskResults = append(cp.TaskResults, TaskResult{State: StatePrepare})

	if wf.Config["iterations"] != 10 {
		t.Fatalf("clone shares Config with original: %v", wf.Config)
	}
	if !wf.StartedAt.Equal(started) {
		t.Fatalf("clone shares StartedAt with original: %v", wf.StartedAt)
	}
	if wf.TaskResults[0].State != StateInit || len(wf.TaskResults) != 1 {
		t.Fatalf("clone shares TaskResults with original: %+v", wf.TaskResults)
	}
}

// Ensure ResultFor returns the most recent entry for a state across attempts.
func TestWorkflow_ResultFor(t *testing.T) {
	wf := &Workflow{
		TaskResults: []TaskResult{
			{State: StateInit, Attempt: 0},
			{State: StatePrepare, Attempt: 0},
			{State: StateInit, Attempt: 1},
		},
	}

	res, ok := wf.ResultFor(StateInit)
	if !ok {
		t.Fatal("expected a result for INIT")
	}
	if res.Attempt != 1 {
		t.Fatalf("expected the attempt-1 entry, got attempt %d", res.Attempt)
	}

	if _, ok := wf.ResultFor(StateExecute); ok {
		t.Fatal("expected no result for EXECUTE")
	}
}
