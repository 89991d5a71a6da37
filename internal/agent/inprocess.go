package agent

import (
	"context"
	"fmt"
	"sync"
)

// TaskFunc is one in-process worker implementation.
type TaskFunc func(ctx context.Context, req Request) (Result, error)

// InProcess dispatches calls to registered Go functions. It backs the
// inprocess strategy and doubles as the test double for the orchestrator.
type InProcess struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

func NewInProcess() *InProcess {
	return &InProcess{tasks: map[string]TaskFunc{}}
}

// Register binds a task id to a function, replacing any previous binding.
func (p *InProcess) Register(taskID string, fn TaskFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[taskID] = fn
}

func (p *InProcess) Invoke(ctx context.Context, req Request) (Result, error) {
	p.mu.RLock()
	fn, ok := p.tasks[req.TaskID]
	p.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("no in-process worker registered for task %s", req.TaskID)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return fn(ctx, req)
}
