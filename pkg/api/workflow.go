package api

import (
	"time"
)

// State represents a stage in the fixed workflow lifecycle.
type State string

const (
	StateInit      State = "INIT"
	StatePrepare   State = "PREPARE"
	StateExecute   State = "EXECUTE"
	StateValidate  State = "VALIDATE"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Trigger is a named action that causes a state transition.
type Trigger string

const (
	TriggerPrepare  Trigger = "prepare"
	TriggerExecute  Trigger = "execute"
	TriggerValidate Trigger = "validate"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"
	TriggerCancel   Trigger = "cancel"
	TriggerRetry    Trigger = "retry"
)

type transitionKey struct {
	from    State
	trigger Trigger
}

// transitionTable is the complete set of legal transitions. Legality checks
// are pure lookups; adding a state is a data change here, not a rewrite.
var transitionTable = map[transitionKey]State{
	{StateInit, TriggerPrepare}:      StatePrepare,
	{StatePrepare, TriggerExecute}:   StateExecute,
	{StateExecute, TriggerValidate}:  StateValidate,
	{StateValidate, TriggerComplete}: StateComplete,

	{StateInit, TriggerFail}:     StateFailed,
	{StatePrepare, TriggerFail}:  StateFailed,
	{StateExecute, TriggerFail}:  StateFailed,
	{StateValidate, TriggerFail}: StateFailed,

	{StateInit, TriggerCancel}:     StateCancelled,
	{StatePrepare, TriggerCancel}:  StateCancelled,
	{StateExecute, TriggerCancel}:  StateCancelled,
	{StateValidate, TriggerCancel}: StateCancelled,

	{StateFailed, TriggerRetry}: StateInit,
}

// advanceTriggers maps each active state to the trigger that moves the
// workflow one step forward along the happy path.
var advanceTriggers = map[State]Trigger{
	StateInit:     TriggerPrepare,
	StatePrepare:  TriggerExecute,
	StateExecute:  TriggerValidate,
	StateValidate: TriggerComplete,
}

// taskNames maps each active state to the task type executed while in it.
var taskNames = map[State]string{
	StateInit:     "initialize",
	StatePrepare:  "prepare",
	StateExecute:  "execute",
	StateValidate: "validate",
}

// Next returns the state reached by applying trigger from the given state.
// It returns an InvalidTransitionError if the pair is not in the table.
func Next(from State, trigger Trigger) (State, error) {
	next, ok := transitionTable[transitionKey{from, trigger}]
	if !ok {
		return "", &InvalidTransitionError{From: from, Trigger: trigger}
	}
	return next, nil
}

// AdvanceTrigger returns the trigger that advances the workflow from the
// given state along the happy path. ok is false for FAILED and the
// terminal states.
func AdvanceTrigger(from State) (Trigger, bool) {
	t, ok := advanceTriggers[from]
	return t, ok
}

// TaskName returns the task type executed while in the given state.
// ok is false for states that run no task.
func TaskName(s State) (string, bool) {
	n, ok := taskNames[s]
	return n, ok
}

// Terminal reports whether s has no outgoing transition at all.
// FAILED is not terminal: it can still be left via retry.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled
}

// Active reports whether s is one of the states that execute a task
// (everything except COMPLETE, FAILED and CANCELLED).
func (s State) Active() bool {
	_, ok := advanceTriggers[s]
	return ok
}

// TaskResult records the output produced while the workflow was in a given
// state. Results are append-only: a retry produces new entries tagged with
// the new attempt number and never overwrites prior-attempt data.
type TaskResult struct {
	State      State          `json:"state"`
	Attempt    int            `json:"attempt"`
	Output     map[string]any `json:"output,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Workflow is the persisted representation of a single workflow run.
//
// CurrentState always equals the to_state of the most recent Transition
// for this workflow, or INIT when no transitions exist yet. Status mirrors
// CurrentState; both are persisted so audit tooling can query either.
type Workflow struct {
	ID           string
	Name         string
	Config       map[string]any
	CurrentState State
	Status       State
	Retries      int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	TaskResults  []TaskResult
}

// Clone returns a deep copy of the workflow. The engine mutates copies and
// only publishes them after the ledger append succeeds.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	if w.Config != nil {
		cp.Config = make(map[string]any, len(w.Config))
		for k, v := range w.Config {
			cp.Config[k] = v
		}
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	if w.TaskResults != nil {
		cp.TaskResults = make([]TaskResult, len(w.TaskResults))
		copy(cp.TaskResults, w.TaskResults)
	}
	return &cp
}

// ResultFor returns the most recent task result recorded for the given
// state, across all attempts.
func (w *Workflow) ResultFor(state State) (TaskResult, bool) {
	for i := len(w.TaskResults) - 1; i >= 0; i-- {
		if w.TaskResults[i].State == state {
			return w.TaskResults[i], true
		}
	}
	return TaskResult{}, false
}

// Transition is one append-only ledger entry. Transitions for a workflow
// are totally ordered by Seq and form a contiguous path: each FromState
// equals the previous entry's ToState.
type Transition struct {
	WorkflowID string
	Seq        int
	FromState  State
	ToState    State
	Trigger    Trigger
	At         time.Time
	Metadata   map[string]string
}

// Snapshot is the read model returned by Engine.Get: the workflow, the
// trigger that would advance it next (empty if none), and its full
// transition history, oldest first.
type Snapshot struct {
	Workflow    *Workflow
	NextTrigger Trigger
	History     []Transition
}
