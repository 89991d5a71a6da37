// Package orchestrator is the single writer for executions. It owns the
// drive loop that advances an execution phase by phase, pausing at human
// checkpoints and recording every outcome through the state machine. All
// mutations of one execution are serialized behind a per-execution lock,
// so concurrent API calls and the background runner never interleave
// writes.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"specline/internal/agent"
	"specline/internal/config"
	"specline/internal/coverage"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/phase"
	"specline/internal/repo"
	"specline/internal/state"
)

// Persisted error kinds. Stored on the execution row so a failed run can
// be diagnosed without replaying logs.
const (
	ErrKindInvalidTransition    = "invalid_transition"
	ErrKindInvocationFailure    = "invocation_failure"
	ErrKindConvergenceExhausted = "convergence_exhausted"
	ErrKindPersistenceFailure   = "persistence_failure"
)

// Approval decisions accepted at a waiting checkpoint.
const (
	DecisionApprove = "approve"
	DecisionRevise  = "revise"
	DecisionCancel  = "cancel"
)

// ErrNotWaiting rejects an approval for an execution that is not paused
// at the named checkpoint.
type ErrNotWaiting struct {
	ExecutionID string
	Checkpoint  string
	State       string
}

func (e *ErrNotWaiting) Error() string {
	return fmt.Sprintf("execution %s is in state %s, not waiting at checkpoint %s", e.ExecutionID, e.State, e.Checkpoint)
}

type Orchestrator struct {
	DB       *sql.DB
	Repo     repo.Repo
	Machine  state.Machine
	Phases   phase.Coordinator
	Coverage coverage.Loop
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, agents *agent.Registry) *Orchestrator {
	return &Orchestrator{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Machine:  state.New(db, state.BuildTable(cfg)),
		Phases:   phase.New(db, cfg, agents),
		Coverage: coverage.New(db, cfg, agents),
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// lockFor returns the mutex serializing one execution's writes.
func (o *Orchestrator) lockFor(executionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locks == nil {
		o.locks = map[string]*sync.Mutex{}
	}
	l, ok := o.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[executionID] = l
	}
	return l
}

// Wait blocks until all background runners finish. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// CreateExecution records a new execution in draft with its full problem
// statement. Nothing runs until Start.
func (o *Orchestrator) CreateExecution(ctx context.Context, projectID, problemStatement, actorID string) (domain.Execution, error) {
	if problemStatement == "" {
		return domain.Execution{}, fmt.Errorf("problem statement is required")
	}
	now := o.now().UTC().Format(time.RFC3339)
	e := domain.Execution{
		ID:               uuid.New().String(),
		ProjectID:        projectID,
		ProblemStatement: problemStatement,
		State:            state.Draft,
		StateUpdatedAt:   now,
		CreatedAt:        now,
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return e, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertExecutionTx(ctx, tx, e); err != nil {
		return e, err
	}
	if err := o.Repo.AppendHistoryTx(ctx, tx, domain.Transition{
		ExecutionID: e.ID,
		Seq:         1,
		State:       state.Draft,
		TS:          now,
	}); err != nil {
		return e, err
	}
	if err := o.Events.Append(ctx, tx, "execution.created", projectID, e.ID, actorID, events.EventPayload{
		"state": state.Draft,
	}); err != nil {
		return e, err
	}
	return e, tx.Commit()
}

// Start queues a draft execution and drives it in the foreground until it
// pauses, finishes, or fails. Callers that should not block use StartAsync.
func (o *Orchestrator) Start(ctx context.Context, executionID string) (domain.Execution, error) {
	l := o.lockFor(executionID)
	l.Lock()
	defer l.Unlock()
	if _, err := o.Machine.TransitionTo(ctx, executionID, state.Queued, nil); err != nil {
		return domain.Execution{}, err
	}
	return o.drive(ctx, executionID)
}

// StartAsync queues the execution, then advances it on a background
// goroutine detached from the caller's context.
func (o *Orchestrator) StartAsync(ctx context.Context, executionID string) (domain.Execution, error) {
	l := o.lockFor(executionID)
	l.Lock()
	defer l.Unlock()
	e, err := o.Machine.TransitionTo(ctx, executionID, state.Queued, nil)
	if err != nil {
		return e, err
	}
	o.runInBackground(executionID)
	return e, nil
}

func (o *Orchestrator) runInBackground(executionID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		l := o.lockFor(executionID)
		l.Lock()
		defer l.Unlock()
		// Detached context: an HTTP request ending must not abort a
		// pipeline that was asked to run.
		_, _ = o.drive(context.Background(), executionID)
	}()
}

// Resume picks up an execution left in queued or mid-phase by a crash and
// drives it forward. Completed phases are never re-run: the resume point
// is derived from the recorded history, so a phase whose completion was
// committed is skipped even if the process died immediately after.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) (domain.Execution, error) {
	l := o.lockFor(executionID)
	l.Lock()
	defer l.Unlock()
	e, err := o.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return e, err
	}
	switch {
	case state.IsTerminal(e.State) || e.State == state.Failed || e.State == state.Draft:
		return e, fmt.Errorf("execution %s cannot be resumed from state %s", executionID, e.State)
	}
	return o.drive(ctx, executionID)
}

// Retry re-queues a failed execution. The drive loop resumes at the phase
// that failed; everything completed before it stays untouched.
func (o *Orchestrator) Retry(ctx context.Context, executionID string) (domain.Execution, error) {
	l := o.lockFor(executionID)
	l.Lock()
	defer l.Unlock()
	if _, err := o.Machine.TransitionTo(ctx, executionID, state.Queued, map[string]any{"retry": true}); err != nil {
		return domain.Execution{}, err
	}
	return o.drive(ctx, executionID)
}

// Cancel ends an execution. Paused and queued executions cancel
// immediately; a running execution gets the cancel flag and stops
// cooperatively at its next dispatch boundary, keeping every item already
// persisted.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, actorID string) (domain.Execution, error) {
	e, err := o.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return e, err
	}
	if state.IsRunning(e.State) {
		// The flag write must not take the drive lock: the drive loop
		// holds it for the whole run, and the request has to land while
		// the pipeline is still in flight.
		tx, err := o.DB.BeginTx(ctx, nil)
		if err != nil {
			return e, err
		}
		defer tx.Rollback()
		if err := o.Repo.SetCancelRequestedTx(ctx, tx, executionID, true); err != nil {
			return e, err
		}
		if err := o.Events.Append(ctx, tx, "execution.cancel_requested", e.ProjectID, executionID, actorID, nil); err != nil {
			return e, err
		}
		if err := tx.Commit(); err != nil {
			return e, err
		}
		e.CancelRequested = true
		return e, nil
	}
	l := o.lockFor(executionID)
	l.Lock()
	defer l.Unlock()
	return o.Machine.TransitionTo(ctx, executionID, state.Cancelled, map[string]any{"actor": actorID})
}

// Approve resolves a human checkpoint. approve moves forward (or, at the
// coverage checkpoint, accepts the best candidate below threshold);
// revise re-runs the gated phase; cancel ends the execution.
func (o *Orchestrator) Approve(ctx context.Context, executionID, checkpoint, decision, actorID string) (domain.Execution, error) {
	l := o.lockFor(executionID)
	l.Lock()
	defer l.Unlock()
	e, err := o.approveTransition(ctx, executionID, checkpoint, decision, actorID)
	if err != nil || state.IsTerminal(e.State) {
		return e, err
	}
	return o.drive(ctx, executionID)
}

// ApproveAsync records the decision synchronously and advances the
// execution on a background goroutine.
func (o *Orchestrator) ApproveAsync(ctx context.Context, executionID, checkpoint, decision, actorID string) (domain.Execution, error) {
	l := o.lockFor(executionID)
	l.Lock()
	e, err := o.approveTransition(ctx, executionID, checkpoint, decision, actorID)
	l.Unlock()
	if err != nil || state.IsTerminal(e.State) || state.IsWaiting(e.State) {
		return e, err
	}
	o.runInBackground(executionID)
	return e, nil
}

// RetryAsync re-queues a failed execution and advances it in the
// background.
func (o *Orchestrator) RetryAsync(ctx context.Context, executionID string) (domain.Execution, error) {
	l := o.lockFor(executionID)
	l.Lock()
	e, err := o.Machine.TransitionTo(ctx, executionID, state.Queued, map[string]any{"retry": true})
	l.Unlock()
	if err != nil {
		return e, err
	}
	o.runInBackground(executionID)
	return e, nil
}

// ResumeAsync validates the execution is resumable and advances it in the
// background.
func (o *Orchestrator) ResumeAsync(ctx context.Context, executionID string) (domain.Execution, error) {
	e, err := o.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return e, err
	}
	if state.IsTerminal(e.State) || e.State == state.Failed || e.State == state.Draft {
		return e, fmt.Errorf("execution %s cannot be resumed from state %s", executionID, e.State)
	}
	o.runInBackground(executionID)
	return e, nil
}

// approveTransition applies the checkpoint decision. Must be called with
// the execution's lock held.
func (o *Orchestrator) approveTransition(ctx context.Context, executionID, checkpoint, decision, actorID string) (domain.Execution, error) {
	e, err := o.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return e, err
	}
	if e.State != state.WaitingApproval(checkpoint) {
		return e, &ErrNotWaiting{ExecutionID: executionID, Checkpoint: checkpoint, State: e.State}
	}
	idx, p, err := o.checkpointPhase(checkpoint)
	if err != nil {
		return e, err
	}

	meta := map[string]any{"checkpoint": checkpoint, "decision": decision, "actor": actorID}
	var target string
	switch decision {
	case DecisionApprove:
		if p.CoverageLoop && checkpoint == o.Config.Coverage.Approval {
			// Accepting below threshold: the latest candidate stands.
			target = state.Completed(p.Name)
		} else {
			target = o.nextState(idx)
		}
	case DecisionRevise:
		target = state.Running(p.Name)
	case DecisionCancel:
		target = state.Cancelled
	default:
		return e, fmt.Errorf("unknown decision %q", decision)
	}
	return o.Machine.TransitionTo(ctx, executionID, target, meta)
}

// checkpointPhase maps a checkpoint name to the phase it gates.
func (o *Orchestrator) checkpointPhase(checkpoint string) (int, config.PhaseConfig, error) {
	for i, p := range o.Config.Pipeline.Phases {
		if p.Approval == checkpoint {
			return i, p, nil
		}
		if p.CoverageLoop && o.Config.Coverage.Approval == checkpoint {
			return i, p, nil
		}
	}
	return 0, config.PhaseConfig{}, fmt.Errorf("unknown checkpoint %q", checkpoint)
}

// nextState is the state after phase idx completes and clears its gate.
func (o *Orchestrator) nextState(idx int) string {
	phases := o.Config.Pipeline.Phases
	if idx+1 < len(phases) {
		return state.Running(phases[idx+1].Name)
	}
	return state.Complete
}

// drive advances the execution until it pauses at a checkpoint, reaches a
// terminal state, or fails. It must be called with the execution's lock
// held.
func (o *Orchestrator) drive(ctx context.Context, executionID string) (domain.Execution, error) {
	for {
		e, err := o.Repo.GetExecution(ctx, executionID)
		if err != nil {
			return e, err
		}
		switch {
		case state.IsTerminal(e.State) || e.State == state.Failed:
			return e, nil

		case e.State == state.Queued:
			if e.CancelRequested {
				return o.finishCancelled(ctx, e, nil)
			}
			idx, err := o.resumeIndex(ctx, executionID)
			if err != nil {
				return e, err
			}
			if idx >= len(o.Config.Pipeline.Phases) {
				// Everything already completed before the crash.
				return o.Machine.TransitionTo(ctx, executionID, state.Complete, nil)
			}
			p := o.Config.Pipeline.Phases[idx]
			if _, err := o.Machine.TransitionTo(ctx, executionID, state.Running(p.Name), nil); err != nil {
				return e, err
			}

		case state.IsRunning(e.State):
			// A cancel requested during the previous phase lands here,
			// before the next phase dispatches any work.
			if e.CancelRequested {
				return o.finishCancelled(ctx, e, nil)
			}
			p := o.Config.PhaseByName(state.PhaseOf(e.State))
			if p == nil {
				return e, fmt.Errorf("execution %s references unknown phase %q", executionID, state.PhaseOf(e.State))
			}
			e, err = o.runPhase(ctx, e, *p)
			if err != nil {
				return e, err
			}

		case state.IsCompleted(e.State):
			name := state.PhaseOf(e.State)
			idx := o.phaseIndex(name)
			if idx < 0 {
				return e, fmt.Errorf("execution %s references unknown phase %q", executionID, name)
			}
			p := o.Config.Pipeline.Phases[idx]
			if p.Approval != "" {
				return o.Machine.TransitionTo(ctx, executionID, state.WaitingApproval(p.Approval), nil)
			}
			if _, err := o.Machine.TransitionTo(ctx, executionID, o.nextState(idx), nil); err != nil {
				return e, err
			}

		default:
			// waiting_approval_*: paused for a human.
			return e, nil
		}
	}
}

func (o *Orchestrator) phaseIndex(name string) int {
	for i, p := range o.Config.Pipeline.Phases {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// resumeIndex derives the phase to run from the recorded history: the
// last phase seen running without a later completion is re-run, otherwise
// work continues after the last completed phase. A committed completion
// is final, so resume never re-invokes a phase that finished.
func (o *Orchestrator) resumeIndex(ctx context.Context, executionID string) (int, error) {
	history, err := o.Repo.ListHistory(ctx, executionID)
	if err != nil {
		return 0, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		s := history[i].State
		name := state.PhaseOf(s)
		if name == "" {
			continue
		}
		idx := o.phaseIndex(name)
		if idx < 0 {
			continue
		}
		if s == state.Completed(name) {
			return idx + 1, nil
		}
		return idx, nil
	}
	return 0, nil
}

// runPhase executes one phase and records the outcome. Phase-level errors
// transition to failed with the taxonomy kind persisted on the row.
func (o *Orchestrator) runPhase(ctx context.Context, e domain.Execution, p config.PhaseConfig) (domain.Execution, error) {
	if p.CoverageLoop {
		return o.runCoveragePhase(ctx, e, p)
	}
	summary, err := o.Phases.Run(ctx, e, p)
	if err != nil {
		return o.recordFailure(ctx, e, p.Name, classify(err), err, summary.Metadata())
	}
	if summary.Cancelled {
		return o.finishCancelled(ctx, e, summary.Metadata())
	}
	return o.Machine.TransitionTo(ctx, e.ID, state.Completed(p.Name), summary.Metadata())
}

func (o *Orchestrator) runCoveragePhase(ctx context.Context, e domain.Execution, p config.PhaseConfig) (domain.Execution, error) {
	baseInput, err := o.Phases.SingleInput(ctx, e)
	if err != nil {
		return o.recordFailure(ctx, e, p.Name, ErrKindPersistenceFailure, err, nil)
	}
	outcome, err := o.Coverage.Run(ctx, e, p, baseInput)
	if err != nil {
		var exhausted *coverage.ExhaustedError
		if errors.As(err, &exhausted) {
			// Ran out of iterations below threshold: a designed pause,
			// not a failure. The human decides at the checkpoint.
			if err := o.setLastError(ctx, e.ID, ErrKindConvergenceExhausted, p.Name, exhausted.Error()); err != nil {
				return e, err
			}
			return o.Machine.TransitionTo(ctx, e.ID, state.WaitingApproval(o.Config.Coverage.Approval), outcome.Metadata())
		}
		return o.recordFailure(ctx, e, p.Name, classify(err), err, outcome.Metadata())
	}
	return o.Machine.TransitionTo(ctx, e.ID, state.Completed(p.Name), outcome.Metadata())
}

// finishCancelled lands a cooperatively-cancelled execution and clears
// the request flag.
func (o *Orchestrator) finishCancelled(ctx context.Context, e domain.Execution, meta map[string]any) (domain.Execution, error) {
	e, err := o.Machine.TransitionTo(ctx, e.ID, state.Cancelled, meta)
	if err != nil {
		return e, err
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return e, err
	}
	defer tx.Rollback()
	if err := o.Repo.SetCancelRequestedTx(ctx, tx, e.ID, false); err != nil {
		return e, err
	}
	return e, tx.Commit()
}

func (o *Orchestrator) recordFailure(ctx context.Context, e domain.Execution, phaseName, kind string, cause error, meta map[string]any) (domain.Execution, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["error"] = cause.Error()
	meta["error_kind"] = kind
	if err := o.setLastError(ctx, e.ID, kind, phaseName, cause.Error()); err != nil {
		return e, err
	}
	failed, err := o.Machine.TransitionTo(ctx, e.ID, state.Failed, meta)
	if err != nil {
		return e, err
	}
	return failed, cause
}

func (o *Orchestrator) setLastError(ctx context.Context, executionID, kind, phaseName, message string) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.SetLastErrorTx(ctx, tx, executionID, kind, phaseName, message); err != nil {
		return err
	}
	return tx.Commit()
}

// classify maps an error to its persisted taxonomy kind.
func classify(err error) string {
	var invalid *state.InvalidTransitionError
	if errors.As(err, &invalid) {
		return ErrKindInvalidTransition
	}
	var invocation *agent.InvocationError
	if errors.As(err, &invocation) {
		return ErrKindInvocationFailure
	}
	var ratio *phase.SuccessRatioError
	if errors.As(err, &ratio) {
		return ErrKindInvocationFailure
	}
	var exhausted *coverage.ExhaustedError
	if errors.As(err, &exhausted) {
		return ErrKindConvergenceExhausted
	}
	return ErrKindPersistenceFailure
}
