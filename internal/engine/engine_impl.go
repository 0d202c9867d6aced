// Package engine implements the orchestrator: the state machine driving
// workflow progression and the coordination loop that serializes all
// mutations per workflow while task execution runs on the worker pool.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stagerun/internal/executor"
	"github.com/petrijr/stagerun/internal/persistence"
	"github.com/petrijr/stagerun/internal/wpool"
	"github.com/petrijr/stagerun/pkg/api"
)

// Config describes how to construct an engine. Store is required; every
// other field has a usable default.
type Config struct {
	Store    persistence.Store
	Runner   api.TaskRunner
	Observer api.Observer

	// Worker pool bounds.
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration

	// TaskDelay scales the built-in simulated tasks. Ignored when Runner
	// is set.
	TaskDelay time.Duration

	// DispatchRetries bounds how often a saturated dispatch is retried
	// before the operation is surfaced (Step) or the run pauses (Start).
	DispatchRetries int
	DispatchBackoff time.Duration

	// PersistRetries bounds immediate re-attempts of a failed ledger
	// append before the error is surfaced.
	PersistRetries int
}

func (c *Config) applyDefaults() {
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Runner == nil {
		c.Runner = executor.Simulated{BaseDelay: c.TaskDelay}.Run
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.DispatchRetries <= 0 {
		c.DispatchRetries = 5
	}
	if c.DispatchBackoff <= 0 {
		c.DispatchBackoff = 20 * time.Millisecond
	}
	if c.PersistRetries < 0 {
		c.PersistRetries = 0
	} else if c.PersistRetries == 0 {
		c.PersistRetries = 2
	}
}

// engineImpl drives all workflows through one coordination goroutine: the
// loop applies closures from ops one at a time, so no two mutations of the
// same workflow (or any workflow) race. It never blocks on task execution;
// a per-dispatch awaiter goroutine posts the outcome back into the loop.
type engineImpl struct {
	cfg   Config
	store persistence.Store
	pool  *wpool.Pool
	obs   api.Observer

	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}

	awaiters  sync.WaitGroup
	closeOnce sync.Once

	// Owned by the coordination goroutine; never touched elsewhere.
	attempts map[string]int  // stale-result guard counter per workflow
	inflight map[string]bool // a dispatched task is awaiting its outcome
	auto     map[string]bool // automatic progression is active
}

// NewInMemoryEngine returns an Engine backed by an in-memory store with
// default configuration.
func NewInMemoryEngine() api.Engine {
	return NewEngineWithConfig(Config{Store: persistence.NewInMemoryStore()})
}

// NewSQLiteEngine returns an Engine that persists workflows and their
// transition ledger in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return NewSQLiteEngineWithConfig(db, Config{})
}

// NewSQLiteEngineWithConfig is NewSQLiteEngine with explicit configuration.
func NewSQLiteEngineWithConfig(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Store = store
	return NewEngineWithConfig(cfg), nil
}

// NewEngineWithConfig creates a new Engine using the given configuration
// and starts its coordination loop and worker pool.
func NewEngineWithConfig(cfg Config) api.Engine {
	cfg.applyDefaults()

	e := &engineImpl{
		cfg:      cfg,
		store:    cfg.Store,
		obs:      cfg.Observer,
		ops:      make(chan func(), 128),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		attempts: make(map[string]int),
		inflight: make(map[string]bool),
		auto:     make(map[string]bool),
	}
	e.pool = wpool.New(wpool.Config{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		TaskTimeout: cfg.TaskTimeout,
	}, cfg.Runner)

	go e.loop()
	return e
}

func (e *engineImpl) loop() {
	defer close(e.loopDone)
	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-e.quit:
			return
		}
	}
}

// do runs fn on the coordination goroutine and waits for its result.
func (e *engineImpl) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	op := func() { done <- fn() }

	select {
	case e.ops <- op:
	case <-e.quit:
		return errors.New("engine closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post schedules fn on the coordination goroutine without waiting.
// Posts racing Close are dropped.
func (e *engineImpl) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.quit:
	}
}

func (e *engineImpl) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)
		<-e.loopDone
		e.pool.Close()
		e.awaiters.Wait()
	})
	return nil
}

func (e *engineImpl) Create(ctx context.Context, name string, config map[string]any) (*api.Workflow, error) {
	if name == "" {
		return nil, &api.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	wf := &api.Workflow{
		ID:           uuid.NewString(),
		Name:         name,
		Config:       config,
		CurrentState: api.StateInit,
		Status:       api.StateInit,
		CreatedAt:    time.Now(),
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	return wf.Clone(), nil
}

func (e *engineImpl) Start(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		wf, err := e.getWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if e.auto[id] || e.inflight[id] {
			// Already started; Start is idempotent while a run is active.
			return nil
		}
		if !wf.CurrentState.Active() {
			return fmt.Errorf("cannot start workflow %s in state %s: %w",
				id, wf.CurrentState, api.ErrInvalidStateForStart)
		}

		e.auto[id] = true
		e.obs.OnWorkflowStart(ctx, wf)
		e.dispatch(id, 0)
		return nil
	})
}

func (e *engineImpl) Step(ctx context.Context, id string) (*api.Workflow, error) {
	var (
		sub     wpool.Submission
		guard   int
		retries int
	)

	reserve := func() error {
		wf, err := e.getWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if !wf.CurrentState.Active() {
			return fmt.Errorf("cannot step workflow %s in state %s: %w",
				id, wf.CurrentState, api.ErrInvalidStateForStep)
		}
		if e.auto[id] || e.inflight[id] {
			return fmt.Errorf("workflow %s already has work in flight: %w", id, api.ErrConflict)
		}

		guard = e.attempts[id]
		retries = wf.Retries
		e.inflight[id] = true
		sub = wpool.Submission{
			WorkflowID: id,
			State:      wf.CurrentState,
			Config:     wf.Config,
			Attempt:    guard,
		}
		return nil
	}
	if err := e.do(ctx, reserve); err != nil {
		return nil, err
	}

	release := func() {
		e.post(func() {
			if e.attempts[id] == guard {
				e.inflight[id] = false
			}
		})
	}

	h, err := e.submitWithBackoff(ctx, sub)
	if err != nil {
		release()
		return nil, err
	}
	e.obs.OnTaskDispatched(ctx, id, sub.State, retries)

	var out wpool.Outcome
	select {
	case out = <-h.Outcome():
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}

	var updated *api.Workflow
	apply := func() error {
		if e.attempts[id] != guard {
			return fmt.Errorf("workflow %s changed while stepping: %w", id, api.ErrConflict)
		}
		e.inflight[id] = false

		wf, err := e.getWorkflow(ctx, id)
		if err != nil {
			return err
		}
		e.obs.OnTaskCompleted(ctx, id, out.State, wf.Retries, out.Err, out.Duration)

		if out.Err != nil {
			updated, err = e.fail(ctx, wf, out.Err)
			return err
		}
		updated, err = e.advance(ctx, wf, out.Output)
		return err
	}
	// The transition must be applied even if the caller's ctx has expired
	// by now; the task result is already in hand.
	if err := e.do(context.Background(), apply); err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *engineImpl) Get(ctx context.Context, id string) (*api.Snapshot, error) {
	// Both reads run on the coordination goroutine so no transition can be
	// appended between them; the pair is one consistent snapshot.
	var snap *api.Snapshot
	err := e.do(ctx, func() error {
		wf, err := e.getWorkflow(ctx, id)
		if err != nil {
			return err
		}
		history, err := e.store.History(ctx, id)
		if err != nil {
			return fmt.Errorf("history for workflow %s: %w", id, err)
		}

		// Recompute the current state from the ledger as a consistency check.
		expect := api.StateInit
		if n := len(history); n > 0 {
			expect = history[n-1].ToState
		}
		if wf.CurrentState != expect {
			return fmt.Errorf("workflow %s: stored state %s diverges from ledger state %s",
				id, wf.CurrentState, expect)
		}

		snap = &api.Snapshot{
			Workflow:    wf,
			NextTrigger: nextTrigger(wf.CurrentState),
			History:     history,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (e *engineImpl) List(ctx context.Context, opts api.ListOptions) ([]*api.Workflow, error) {
	return e.store.ListWorkflows(ctx, persistence.WorkflowFilter{
		Name:   opts.Name,
		Status: opts.Status,
	})
}

func (e *engineImpl) Retry(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		wf, err := e.getWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if wf.Status != api.StateFailed {
			return fmt.Errorf("cannot retry workflow %s in state %s: %w",
				id, wf.Status, api.ErrInvalidStateForRetry)
		}

		// Invalidate any outcome still in flight from the failed run.
		wasInflight := e.inflight[id]
		e.attempts[id]++
		e.inflight[id] = false

		now := time.Now()
		cp := wf.Clone()
		cp.Retries++
		cp.ErrorMessage = ""
		cp.StartedAt = nil
		cp.CompletedAt = nil
		cp.CurrentState = api.StateInit
		cp.Status = api.StateInit

		tr := &api.Transition{
			WorkflowID: id,
			FromState:  api.StateFailed,
			ToState:    api.StateInit,
			Trigger:    api.TriggerRetry,
			At:         now,
			Metadata:   map[string]string{"attempt": fmt.Sprintf("%d", cp.Retries)},
		}
		if err := e.append(ctx, cp, tr); err != nil {
			// Roll the bookkeeping back as one unit so a still-pending
			// outcome from the failed run is applied, not discarded.
			e.attempts[id]--
			e.inflight[id] = wasInflight
			return err
		}
		e.obs.OnTransition(ctx, cp, *tr)

		e.auto[id] = true
		e.obs.OnWorkflowStart(ctx, cp)
		e.dispatch(id, 0)
		return nil
	})
}

func (e *engineImpl) Cancel(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		wf, err := e.getWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if !wf.CurrentState.Active() {
			return fmt.Errorf("cannot cancel workflow %s in state %s: %w",
				id, wf.Status, api.ErrInvalidStateForCancel)
		}

		// Bump the guard so the in-flight task's outcome, if it ever
		// arrives, is discarded instead of applied.
		wasInflight := e.inflight[id]
		wasAuto := e.auto[id]
		e.attempts[id]++
		e.inflight[id] = false
		delete(e.auto, id)

		now := time.Now()
		cp := wf.Clone()
		cp.CurrentState = api.StateCancelled
		cp.Status = api.StateCancelled
		cp.CompletedAt = &now

		tr := &api.Transition{
			WorkflowID: id,
			FromState:  wf.CurrentState,
			ToState:    api.StateCancelled,
			Trigger:    api.TriggerCancel,
			At:         now,
		}
		if err := e.append(ctx, cp, tr); err != nil {
			// A cancel that failed to persist must leave the run exactly as
			// it was: guard, in-flight marker and auto registration together.
			e.attempts[id]--
			e.inflight[id] = wasInflight
			if wasAuto {
				e.auto[id] = true
			}
			return err
		}
		e.obs.OnTransition(ctx, cp, *tr)
		e.obs.OnWorkflowCancelled(ctx, cp)
		return nil
	})
}

func (e *engineImpl) Delete(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		wf, err := e.getWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if wf.CurrentState.Active() {
			return fmt.Errorf("cannot delete workflow %s in state %s: %w",
				id, wf.Status, api.ErrInvalidStateForDelete)
		}
		if err := e.store.DeleteWorkflow(ctx, id); err != nil {
			return fmt.Errorf("delete workflow %s: %w", id, err)
		}
		delete(e.attempts, id)
		delete(e.inflight, id)
		delete(e.auto, id)
		return nil
	})
}

func (e *engineImpl) Stats(ctx context.Context) (api.Stats, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return api.Stats{}, err
	}
	return api.Stats{
		Pool:      e.pool.Stats(),
		Workflows: counts,
	}, nil
}

// dispatch submits the task for the workflow's current state to the pool.
// It must run on the coordination goroutine. try counts saturation
// redispatches for the current state.
func (e *engineImpl) dispatch(id string, try int) {
	ctx := context.Background()

	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		delete(e.auto, id)
		return
	}
	if !wf.CurrentState.Active() {
		delete(e.auto, id)
		return
	}

	guard := e.attempts[id]
	sub := wpool.Submission{
		WorkflowID: id,
		State:      wf.CurrentState,
		Config:     wf.Config,
		Attempt:    guard,
	}

	h, err := e.pool.Submit(sub)
	if err != nil {
		if errors.Is(err, api.ErrPoolSaturated) && try+1 < e.cfg.DispatchRetries {
			delay := e.cfg.DispatchBackoff << try
			time.AfterFunc(delay, func() {
				e.post(func() {
					if e.attempts[id] != guard || !e.auto[id] {
						return
					}
					e.dispatch(id, try+1)
				})
			})
			return
		}
		// Saturation is never a workflow failure: the run pauses in its
		// current durable state and a later Start resumes it.
		delete(e.auto, id)
		e.inflight[id] = false
		return
	}

	e.inflight[id] = true
	e.obs.OnTaskDispatched(ctx, id, wf.CurrentState, wf.Retries)

	e.awaiters.Add(1)
	go func() {
		defer e.awaiters.Done()
		select {
		case out := <-h.Outcome():
			e.post(func() { e.applyOutcome(out) })
		case <-e.quit:
		}
	}()
}

// applyOutcome applies a delivered task outcome: exactly one of advance,
// fail or discard-as-stale happens per dispatched task.
func (e *engineImpl) applyOutcome(out wpool.Outcome) {
	ctx := context.Background()
	id := out.WorkflowID

	if e.attempts[id] != out.Attempt {
		// Stale: the workflow was cancelled or retried after dispatch.
		return
	}
	e.inflight[id] = false

	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		delete(e.auto, id)
		return
	}
	e.obs.OnTaskCompleted(ctx, id, out.State, wf.Retries, out.Err, out.Duration)

	if out.Err != nil {
		delete(e.auto, id)
		_, _ = e.fail(ctx, wf, out.Err)
		return
	}

	next, err := e.advance(ctx, wf, out.Output)
	if err != nil {
		delete(e.auto, id)
		return
	}
	if next.CurrentState.Active() {
		if e.auto[id] {
			e.dispatch(id, 0)
		}
	} else {
		delete(e.auto, id)
	}
}

// advance applies the happy-path trigger for the workflow's current state:
// it records the task result, appends the transition and publishes the
// updated workflow, all backed by the atomic ledger append.
func (e *engineImpl) advance(ctx context.Context, wf *api.Workflow, output map[string]any) (*api.Workflow, error) {
	trigger, ok := api.AdvanceTrigger(wf.CurrentState)
	if !ok {
		return nil, &api.InvalidTransitionError{From: wf.CurrentState, Trigger: trigger}
	}
	to, err := api.Next(wf.CurrentState, trigger)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cp := wf.Clone()
	cp.TaskResults = append(cp.TaskResults, api.TaskResult{
		State:      wf.CurrentState,
		Attempt:    wf.Retries,
		Output:     output,
		RecordedAt: now,
	})
	if cp.StartedAt == nil {
		cp.StartedAt = &now
	}
	cp.CurrentState = to
	cp.Status = to
	if to == api.StateComplete {
		cp.CompletedAt = &now
	}

	tr := &api.Transition{
		WorkflowID: wf.ID,
		FromState:  wf.CurrentState,
		ToState:    to,
		Trigger:    trigger,
		At:         now,
	}
	if err := e.append(ctx, cp, tr); err != nil {
		return nil, err
	}

	e.obs.OnTransition(ctx, cp, *tr)
	if to == api.StateComplete {
		e.obs.OnWorkflowCompleted(ctx, cp)
	}
	return cp, nil
}

// fail transitions the workflow to FAILED and records the task error.
// Task failures are never retried automatically; leaving FAILED requires
// an explicit Retry call.
func (e *engineImpl) fail(ctx context.Context, wf *api.Workflow, taskErr error) (*api.Workflow, error) {
	to, err := api.Next(wf.CurrentState, api.TriggerFail)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cp := wf.Clone()
	cp.CurrentState = to
	cp.Status = to
	cp.ErrorMessage = taskErr.Error()
	cp.CompletedAt = &now

	tr := &api.Transition{
		WorkflowID: wf.ID,
		FromState:  wf.CurrentState,
		ToState:    to,
		Trigger:    api.TriggerFail,
		At:         now,
		Metadata:   map[string]string{"error": taskErr.Error()},
	}
	if err := e.append(ctx, cp, tr); err != nil {
		return nil, err
	}

	e.obs.OnTransition(ctx, cp, *tr)
	e.obs.OnWorkflowFailed(ctx, cp, taskErr)
	return cp, nil
}

// append performs the atomic ledger write with bounded immediate retries.
// On failure the caller discards its workflow copy, so the in-memory and
// persisted views never diverge.
func (e *engineImpl) append(ctx context.Context, wf *api.Workflow, tr *api.Transition) error {
	var err error
	for i := 0; i <= e.cfg.PersistRetries; i++ {
		err = e.store.AppendTransition(ctx, wf, tr)
		if err == nil ||
			errors.Is(err, persistence.ErrLedgerConflict) ||
			errors.Is(err, persistence.ErrWorkflowNotFound) {
			return err
		}
	}
	return fmt.Errorf("ledger append for workflow %s failed after %d attempts: %w",
		wf.ID, e.cfg.PersistRetries+1, err)
}

func (e *engineImpl) submitWithBackoff(ctx context.Context, sub wpool.Submission) (*wpool.Handle, error) {
	backoff := e.cfg.DispatchBackoff
	for try := 0; ; try++ {
		h, err := e.pool.Submit(sub)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, api.ErrPoolSaturated) || try+1 >= e.cfg.DispatchRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (e *engineImpl) getWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrNotFound, id)
		}
		return nil, err
	}
	return wf, nil
}

// nextTrigger reports the trigger a caller would use next: the advance
// trigger for active states, retry for FAILED, nothing for terminal states.
func nextTrigger(s api.State) api.Trigger {
	if t, ok := api.AdvanceTrigger(s); ok {
		return t
	}
	if s == api.StateFailed {
		return api.TriggerRetry
	}
	return ""
}
