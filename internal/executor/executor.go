// Package executor provides the built-in task bodies executed while a
// workflow sits in each lifecycle state.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/stagerun/pkg/api"
)

// Config keys understood by the simulated tasks.
const (
	// ConfigIterations sets the loop count of the EXECUTE computation.
	ConfigIterations = "iterations"

	// ConfigFailState names a state whose task fails deterministically.
	ConfigFailState = "fail_state"
)

const defaultIterations = 5000

// stateWeights scale the base delay per state, preserving the relative
// durations of the original task bodies (EXECUTE is the heaviest).
var stateWeights = map[api.State]float64{
	api.StateInit:     0.5,
	api.StatePrepare:  0.7,
	api.StateExecute:  1.0,
	api.StateValidate: 0.6,
}

// Simulated is the default TaskRunner. It is a pure function of
// (state, config): no shared mutable state, safe for concurrent calls
// across workflows.
type Simulated struct {
	// BaseDelay is the nominal duration of the EXECUTE task; the other
	// states run a weighted fraction of it. Zero means no artificial delay.
	BaseDelay time.Duration
}

// Run executes the task for the given state and returns its structured
// output. It honours ctx so pool-level timeouts interrupt the delay.
func (s Simulated) Run(ctx context.Context, state api.State, config map[string]any) (map[string]any, error) {
	taskType, ok := api.TaskName(state)
	if !ok {
		return nil, fmt.Errorf("no task defined for state %s", state)
	}

	if err := s.sleep(ctx, state); err != nil {
		return nil, err
	}

	if fail, ok := config[ConfigFailState].(string); ok && fail == string(state) {
		return nil, fmt.Errorf("simulated %s failure in state %s", taskType, state)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch state {
	case api.StateInit:
		return map[string]any{
			"status":    "initialized",
			"message":   "workflow resources initialized",
			"timestamp": now,
		}, nil

	case api.StatePrepare:
		return map[string]any{
			"status":        "prepared",
			"message":       "data and resources prepared",
			"files_created": 3,
			"timestamp":     now,
		}, nil

	case api.StateExecute:
		iterations := intConfig(config, ConfigIterations, defaultIterations)
		var result int64
		for i := 0; i < iterations; i++ {
			result += int64(i) * int64(i)
		}
		return map[string]any{
			"status":             "executed",
			"message":            "main computation completed",
			"computation_result": result,
			"iterations":         iterations,
			"timestamp":          now,
		}, nil

	case api.StateValidate:
		return map[string]any{
			"status":           "validated",
			"message":          "results validated successfully",
			"checks_performed": 5,
			"timestamp":        now,
		}, nil
	}

	return nil, fmt.Errorf("no task defined for state %s", state)
}

func (s Simulated) sleep(ctx context.Context, state api.State) error {
	if s.BaseDelay <= 0 {
		return nil
	}
	d := time.Duration(float64(s.BaseDelay) * stateWeights[state])
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// intConfig reads an integer config value, tolerating the numeric types
// that JSON decoding produces.
func intConfig(config map[string]any, key string, def int) int {
	v, ok := config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}
