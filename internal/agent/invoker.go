// Package agent holds the boundary to the worker-task subsystem. The
// orchestrator depends only on the Invoke contract; how a worker computes
// its output is opaque. Two strategies exist: in-process (direct call) and
// subprocess (one external process per call), selected by configuration.
package agent

import (
	"context"
	"fmt"
	"time"

	"specline/internal/config"
)

// Request is one worker-task call.
type Request struct {
	TaskID        string         `json:"task_id"`
	Mode          string         `json:"mode"`
	CorrelationID string         `json:"correlation_id"`
	Input         map[string]any `json:"input"`
}

// Result is a worker's structured answer. Success=false is a worker-level
// failure the caller must tolerate without crashing the phase.
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Invoker executes one worker task call.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// InvocationError is a call that could not produce a Result: the process
// failed to run, produced garbage, or the per-call timeout expired.
type InvocationError struct {
	TaskID        string
	CorrelationID string
	Timeout       bool
	Err           error
}

func (e *InvocationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent task %s timed out (correlation %s)", e.TaskID, e.CorrelationID)
	}
	return fmt.Sprintf("agent task %s failed (correlation %s): %v", e.TaskID, e.CorrelationID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Registry maps task ids to an invoker and a timeout. It is built once
// from config and injected; there is no global task table.
type Registry struct {
	entries        map[string]registryEntry
	defaultInvoker Invoker
	defaultTimeout time.Duration
}

type registryEntry struct {
	invoker Invoker
	timeout time.Duration
}

// NewRegistry builds the task registry. The inprocess argument backs every
// task configured with mode=inprocess (and is what tests inject).
func NewRegistry(cfg config.AgentsConfig, inprocess Invoker) (*Registry, error) {
	pick := func(mode string, command []string) (Invoker, error) {
		switch mode {
		case config.ModeInProcess:
			return inprocess, nil
		case config.ModeSubprocess:
			if len(command) == 0 {
				command = cfg.Command
			}
			if len(command) == 0 {
				return nil, fmt.Errorf("subprocess mode requires a command")
			}
			return &Subprocess{Command: command}, nil
		default:
			return nil, fmt.Errorf("unknown agent mode %q", mode)
		}
	}
	def, err := pick(cfg.Mode, cfg.Command)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		entries:        map[string]registryEntry{},
		defaultInvoker: def,
		defaultTimeout: time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
	}
	for taskID, tc := range cfg.Tasks {
		mode := tc.Mode
		if mode == "" {
			mode = cfg.Mode
		}
		inv, err := pick(mode, tc.Command)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", taskID, err)
		}
		timeout := r.defaultTimeout
		if tc.TimeoutSeconds > 0 {
			timeout = time.Duration(tc.TimeoutSeconds) * time.Second
		}
		r.entries[taskID] = registryEntry{invoker: inv, timeout: timeout}
	}
	return r, nil
}

// Invoke runs one call with the task's timeout applied. A timeout or a
// transport failure returns an *InvocationError; a worker-reported
// failure comes back as Result{Success: false} with a nil error.
func (r *Registry) Invoke(ctx context.Context, req Request) (Result, error) {
	entry, ok := r.entries[req.TaskID]
	if !ok {
		entry = registryEntry{invoker: r.defaultInvoker, timeout: r.defaultTimeout}
	}
	callCtx, cancel := context.WithTimeout(ctx, entry.timeout)
	defer cancel()
	res, err := entry.invoker.Invoke(callCtx, req)
	if err != nil {
		timeout := callCtx.Err() == context.DeadlineExceeded
		return Result{}, &InvocationError{
			TaskID:        req.TaskID,
			CorrelationID: req.CorrelationID,
			Timeout:       timeout,
			Err:           err,
		}
	}
	return res, nil
}
