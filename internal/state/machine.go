// Package state holds the execution lifecycle state machine: a pure
// transition table derived from the configured pipeline plan, and a
// transactional recorder that appends to the execution's history.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/repo"
)

// Fixed states; phase-dependent states are produced by Running, Completed
// and WaitingApproval.
const (
	Draft     = "draft"
	Queued    = "queued"
	Failed    = "failed"
	Cancelled = "cancelled"
	Complete  = "complete"
)

const (
	runningSuffix  = "_running"
	completeSuffix = "_complete"
	approvalPrefix = "waiting_approval_"
)

func Running(phase string) string   { return phase + runningSuffix }
func Completed(phase string) string { return phase + completeSuffix }

func WaitingApproval(checkpoint string) string { return approvalPrefix + checkpoint }

// PhaseOf extracts the phase name from a running or complete state, or "".
func PhaseOf(state string) string {
	if p, ok := strings.CutSuffix(state, runningSuffix); ok {
		return p
	}
	if p, ok := strings.CutSuffix(state, completeSuffix); ok {
		return p
	}
	return ""
}

// IsWaiting reports whether the state is a human approval checkpoint.
func IsWaiting(state string) bool {
	return strings.HasPrefix(state, approvalPrefix)
}

// IsRunning reports whether a phase is in flight in this state.
func IsRunning(state string) bool {
	return strings.HasSuffix(state, runningSuffix)
}

// IsCompleted reports whether the state marks a finished phase.
func IsCompleted(state string) bool {
	return strings.HasSuffix(state, completeSuffix)
}

// IsTerminal reports whether no transition may ever leave the state.
// failed is not terminal: the retry edge leads back to queued.
func IsTerminal(state string) bool {
	return state == Complete || state == Cancelled
}

// InvalidTransitionError rejects a (current, target) pair missing from the
// transition table. Always a caller bug, never coerced.
type InvalidTransitionError struct {
	ExecutionID string
	From        string
	To          string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for execution %s", e.From, e.To, e.ExecutionID)
}

// Table is the allowed-transition set: from-state -> target-state set.
// It is the single source of truth for legality; nothing else mutates
// execution state.
type Table map[string]map[string]bool

func (t Table) allow(from, to string) {
	if t[from] == nil {
		t[from] = map[string]bool{}
	}
	t[from][to] = true
}

// Allowed is the pure legality check.
func (t Table) Allowed(from, to string) bool {
	return t[from][to]
}

// BuildTable derives the transition table from the pipeline plan.
//
// Every running state has one complete successor plus failed and
// cancelled edges. A phase with an approval checkpoint pauses after completion; the
// checkpoint's two forward edges are approve (next phase) and revise
// (re-run the same phase). A coverage-loop phase additionally gets a
// running -> waiting_approval edge for iteration-budget exhaustion.
func BuildTable(cfg *config.Config) Table {
	t := Table{}
	phases := cfg.Pipeline.Phases
	t.allow(Draft, Queued)
	t.allow(Queued, Cancelled)
	// Resume and retry re-enter any phase through queued; the orchestrator
	// decides which phase, the table only binds the shape of the edge.
	for _, p := range phases {
		t.allow(Queued, Running(p.Name))
	}
	for i, p := range phases {
		running := Running(p.Name)
		completed := Completed(p.Name)
		t.allow(running, completed)
		t.allow(running, Failed)
		t.allow(running, Cancelled)
		next := Complete
		if i+1 < len(phases) {
			next = Running(phases[i+1].Name)
		}
		if p.Approval != "" {
			waiting := WaitingApproval(p.Approval)
			t.allow(completed, waiting)
			t.allow(waiting, next)
			t.allow(waiting, running)
			t.allow(waiting, Cancelled)
		} else {
			t.allow(completed, next)
		}
		if p.CoverageLoop {
			waiting := WaitingApproval(cfg.Coverage.Approval)
			t.allow(running, waiting)
			t.allow(waiting, completed)
			t.allow(waiting, running)
			t.allow(waiting, Cancelled)
		}
	}
	t.allow(Failed, Queued)
	return t
}

// Machine records transitions for executions. All writes go through
// TransitionTo; the table decides legality, the transaction keeps the
// history append and the row update atomic.
type Machine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Table  Table
	Now    func() time.Time
}

func New(db *sql.DB, table Table) Machine {
	return Machine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Table:  table,
		Now:    time.Now,
	}
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CanTransitionTo is a side-effect-free check against the stored state.
func (m Machine) CanTransitionTo(ctx context.Context, executionID, target string) (bool, error) {
	e, err := m.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	return m.Table.Allowed(e.State, target), nil
}

// TransitionTo validates and records one transition. On success the
// history gains exactly one entry with seq = previous max + 1 and the
// execution row reflects the target state; on failure nothing changes.
func (m Machine) TransitionTo(ctx context.Context, executionID, target string, metadata map[string]any) (domain.Execution, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	e, err := m.Repo.GetExecutionTx(ctx, tx, executionID)
	if err != nil {
		return e, err
	}
	if !m.Table.Allowed(e.State, target) {
		return e, &InvalidTransitionError{ExecutionID: executionID, From: e.State, To: target}
	}
	seq, err := m.Repo.LastHistorySeqTx(ctx, tx, executionID)
	if err != nil {
		return e, err
	}
	now := m.now().UTC().Format(time.RFC3339)
	var metaJSON *string
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return e, fmt.Errorf("marshal transition metadata: %w", err)
		}
		s := string(b)
		metaJSON = &s
	}
	if err := m.Repo.AppendHistoryTx(ctx, tx, domain.Transition{
		ExecutionID:  executionID,
		Seq:          seq + 1,
		State:        target,
		TS:           now,
		MetadataJSON: metaJSON,
	}); err != nil {
		return e, err
	}
	phase := PhaseOf(target)
	if phase == "" {
		phase = e.CurrentPhase
	}
	if err := m.Repo.SetExecutionStateTx(ctx, tx, executionID, target, phase, now); err != nil {
		return e, err
	}
	if err := m.Events.Append(ctx, tx, "execution.transition", e.ProjectID, executionID, "orchestrator", events.EventPayload{
		"from": e.State,
		"to":   target,
		"seq":  seq + 1,
	}); err != nil {
		return e, err
	}
	if err := tx.Commit(); err != nil {
		return e, err
	}
	e.State = target
	e.CurrentPhase = phase
	e.StateUpdatedAt = now
	return e, nil
}
