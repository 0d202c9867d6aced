// Package wpool implements the bounded worker pool that executes task
// submissions off the engine's coordination path. The pool has no
// knowledge of workflows beyond the opaque submission it is handed.
package wpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/stagerun/pkg/api"
)

// Config describes the pool's fixed bounds.
type Config struct {
	// Workers is the number of parallel execution slots.
	Workers int

	// QueueSize bounds the pending queue. Submissions beyond workers and
	// queue fail fast with api.ErrPoolSaturated.
	QueueSize int

	// TaskTimeout bounds each task's execution time. Zero disables the
	// timeout.
	TaskTimeout time.Duration
}

// Submission is one unit of work: run the task for State with the given
// config snapshot. Attempt is carried through to the outcome unchanged so
// the engine's stale-result guard can match it up.
type Submission struct {
	WorkflowID string
	State      api.State
	Config     map[string]any
	Attempt    int
}

// Outcome is the single resolution of a submission.
type Outcome struct {
	WorkflowID string
	State      api.State
	Attempt    int
	Output     map[string]any
	Err        error
	Duration   time.Duration
}

// Handle resolves exactly once with the submission's outcome.
type Handle struct {
	ch chan Outcome
}

// Outcome returns the channel on which the single outcome is delivered.
func (h *Handle) Outcome() <-chan Outcome {
	return h.ch
}

type pending struct {
	sub    Submission
	handle *Handle
}

// Pool executes submissions on a fixed set of worker goroutines.
type Pool struct {
	cfg   Config
	run   api.TaskRunner
	queue chan pending

	active atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a pool and starts its workers immediately.
func New(cfg Config, run api.TaskRunner) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		run:    run,
		queue:  make(chan pending, cfg.QueueSize),
		cancel: cancel,
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(ctx)
	}

	return p
}

// Submit accepts a submission if queue space remains and returns a handle
// that resolves exactly once. It never blocks: when the queue is full it
// fails immediately with api.ErrPoolSaturated.
func (p *Pool) Submit(sub Submission) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool closed: %w", api.ErrPoolSaturated)
	}
	p.mu.Unlock()

	h := &Handle{ch: make(chan Outcome, 1)}
	select {
	case p.queue <- pending{sub: sub, handle: h}:
		return h, nil
	default:
		return nil, api.ErrPoolSaturated
	}
}

// Stats reports the pool's bounds and current occupancy.
func (p *Pool) Stats() api.PoolStats {
	return api.PoolStats{
		Capacity: p.cfg.Workers,
		Active:   int(p.active.Load()),
		Queued:   len(p.queue),
	}
}

// Close stops the workers. Queued submissions that were never picked up
// resolve with a cancellation error.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	// Drain anything the workers never reached.
	for {
		select {
		case item := <-p.queue:
			item.handle.ch <- Outcome{
				WorkflowID: item.sub.WorkflowID,
				State:      item.sub.State,
				Attempt:    item.sub.Attempt,
				Err:        context.Canceled,
			}
		default:
			return
		}
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			p.active.Add(1)
			out := p.execute(ctx, item.sub)
			p.active.Add(-1)
			item.handle.ch <- out
		}
	}
}

// execute runs the task with the configured timeout. A task that ignores
// its context keeps running in the background, but the outcome is still
// delivered as ErrTaskTimeout rather than hanging the slot's handle.
func (p *Pool) execute(ctx context.Context, sub Submission) Outcome {
	taskCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
	}
	defer cancel()

	start := time.Now()

	type result struct {
		output map[string]any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := p.run(taskCtx, sub.State, sub.Config)
		done <- result{output: output, err: err}
	}()

	out := Outcome{
		WorkflowID: sub.WorkflowID,
		State:      sub.State,
		Attempt:    sub.Attempt,
	}

	select {
	case res := <-done:
		out.Output = res.output
		out.Err = res.err
		if res.err != nil && taskCtx.Err() == context.DeadlineExceeded {
			out.Err = fmt.Errorf("task for state %s exceeded %s: %w",
				sub.State, p.cfg.TaskTimeout, api.ErrTaskTimeout)
			out.Output = nil
		}
	case <-taskCtx.Done():
		if taskCtx.Err() == context.DeadlineExceeded {
			out.Err = fmt.Errorf("task for state %s exceeded %s: %w",
				sub.State, p.cfg.TaskTimeout, api.ErrTaskTimeout)
		} else {
			out.Err = taskCtx.Err()
		}
	}

	out.Duration = time.Since(start)
	return out
}
