package orchestrator

import (
	"context"

	"specline/internal/domain"
	"specline/internal/repo"
	"specline/internal/state"
)

// PhaseProgress reports fan-out progress for the phase in flight.
type PhaseProgress struct {
	Phase     string `json:"phase"`
	Shape     string `json:"shape"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// Status is the full view of one execution: row, history, produced item
// counts and coverage reports, plus progress when a fan-out or parallel
// phase is running.
type Status struct {
	Execution  domain.Execution        `json:"execution"`
	History    []domain.Transition     `json:"history"`
	ItemCounts map[string]int          `json:"item_counts"`
	Reports    []domain.CoverageReport `json:"coverage_reports,omitempty"`
	Progress   *PhaseProgress          `json:"progress,omitempty"`
}

// Status assembles the view. Read-only; safe without the execution lock.
func (o *Orchestrator) Status(ctx context.Context, executionID string) (Status, error) {
	e, err := o.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return Status{}, err
	}
	history, err := o.Repo.ListHistory(ctx, executionID)
	if err != nil {
		return Status{}, err
	}
	items, err := o.Repo.ListDeliverables(ctx, repo.DeliverableFilters{ExecutionID: executionID})
	if err != nil {
		return Status{}, err
	}
	counts := map[string]int{}
	for _, d := range items {
		counts[d.ItemType]++
	}
	reports, err := o.Repo.ListCoverageReports(ctx, executionID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Execution: e, History: history, ItemCounts: counts, Reports: reports}

	if state.IsRunning(e.State) {
		if progress, err := o.runningProgress(ctx, executionID, state.PhaseOf(e.State), counts); err == nil && progress != nil {
			st.Progress = progress
		}
	}
	return st, nil
}

// runningProgress computes completed/total for the running phase. Totals
// come from the source set (fan-out) or the expert roster (parallel);
// completed counts the phase's persisted items, so it survives restarts.
func (o *Orchestrator) runningProgress(ctx context.Context, executionID, phaseName string, counts map[string]int) (*PhaseProgress, error) {
	p := o.Config.PhaseByName(phaseName)
	if p == nil {
		return nil, nil
	}
	progress := &PhaseProgress{Phase: p.Name, Shape: p.Shape, Completed: counts[p.ItemType]}
	switch {
	case p.SourceItemType != "":
		total, err := o.Repo.CountDeliverables(ctx, executionID, p.SourceItemType)
		if err != nil {
			return nil, err
		}
		progress.Total = total
	case len(p.Experts) > 0:
		progress.Total = len(p.Experts)
	default:
		progress.Total = 1
	}
	return progress, nil
}
