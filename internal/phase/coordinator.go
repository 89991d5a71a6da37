// Package phase drives one pipeline phase to completion. A phase is one of
// three shapes: a single worker call, a fan-out of independent calls over a
// prior phase's items, or a parallel call per member of a fixed specialist
// set. The coordinator persists every produced item immediately, so a
// mid-phase crash loses at most the in-flight calls.
package phase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"specline/internal/agent"
	"specline/internal/config"
	"specline/internal/deliverable"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/repo"
)

type Coordinator struct {
	DB     *sql.DB
	Repo   repo.Repo
	Store  deliverable.Store
	Agents *agent.Registry
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, agents *agent.Registry) Coordinator {
	return Coordinator{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Store:  deliverable.New(db),
		Agents: agents,
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

// SuccessRatioError fails a fan-out phase that fell below its configured
// minimum fraction of succeeded items.
type SuccessRatioError struct {
	Phase     string
	Succeeded int
	Total     int
	Required  int
}

func (e *SuccessRatioError) Error() string {
	return fmt.Sprintf("phase %s: %d of %d items succeeded, %d required", e.Phase, e.Succeeded, e.Total, e.Required)
}

// ItemFailure records one failed unit of fan-out or parallel work.
type ItemFailure struct {
	ItemID        string `json:"item_id"`
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
	Timeout       bool   `json:"timeout,omitempty"`
}

// Summary is the per-phase result the orchestrator stores in transition
// metadata and exposes on the status surface.
type Summary struct {
	Phase     string        `json:"phase"`
	Shape     string        `json:"shape"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []ItemFailure `json:"failures,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// Metadata renders the summary for transition metadata.
func (s Summary) Metadata() map[string]any {
	m := map[string]any{
		"phase":     s.Phase,
		"shape":     s.Shape,
		"total":     s.Total,
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
	}
	if len(s.Failures) > 0 {
		m["failures"] = s.Failures
	}
	if s.Cancelled {
		m["cancelled"] = true
	}
	return m
}

// Run executes one phase for an execution already in its running state.
// A returned error means the phase failed as a whole; item-level failures
// within the allowed budget are reported in the summary only.
func (c Coordinator) Run(ctx context.Context, exec domain.Execution, p config.PhaseConfig) (Summary, error) {
	switch p.Shape {
	case config.ShapeSingle:
		return c.runSingle(ctx, exec, p)
	case config.ShapeFanOut:
		return c.runFanOut(ctx, exec, p)
	case config.ShapeParallel:
		return c.runParallel(ctx, exec, p)
	default:
		return Summary{}, fmt.Errorf("phase %s has unknown shape %q", p.Name, p.Shape)
	}
}

// runSingle issues one call. The worker may return a list of items (e.g.
// the requirements phase produces N atomic items from one call) or a
// single document; either way ids are assigned from output order.
func (c Coordinator) runSingle(ctx context.Context, exec domain.Execution, p config.PhaseConfig) (Summary, error) {
	summary := Summary{Phase: p.Name, Shape: p.Shape, Total: 1}
	input, err := c.SingleInput(ctx, exec)
	if err != nil {
		return summary, err
	}
	res, err := c.Agents.Invoke(ctx, agent.Request{
		TaskID:        p.AgentTask,
		Mode:          "run",
		CorrelationID: uuid.New().String(),
		Input:         input,
	})
	if err != nil {
		return summary, err
	}
	if !res.Success {
		return summary, &agent.InvocationError{TaskID: p.AgentTask, Err: errors.New(res.Error)}
	}
	n, err := c.saveOutput(ctx, exec.ID, p, "", res.Output)
	if err != nil {
		return summary, err
	}
	summary.Total = n
	summary.Succeeded = n
	return summary, nil
}

// runFanOut issues one independent call per source item. Item identifiers
// are assigned deterministically from source order before any call is
// dispatched, so they are stable regardless of completion order.
func (c Coordinator) runFanOut(ctx context.Context, exec domain.Execution, p config.PhaseConfig) (Summary, error) {
	summary := Summary{Phase: p.Name, Shape: p.Shape}
	source, err := c.Repo.ListDeliverables(ctx, repo.DeliverableFilters{
		ExecutionID: exec.ID,
		ItemType:    p.SourceItemType,
	})
	if err != nil {
		return summary, err
	}
	summary.Total = len(source)
	// An empty set is a valid, immediately-complete phase.
	if len(source) == 0 {
		return summary, nil
	}

	type unit struct {
		itemID string
		parent domain.Deliverable
	}
	units := make([]unit, len(source))
	for i, src := range source {
		units[i] = unit{
			itemID: fmt.Sprintf("%s-%03d", p.ItemType, i+1),
			parent: src,
		}
	}

	var (
		mu        sync.Mutex
		completed int
	)
	sem := semaphore.NewWeighted(int64(c.parallelism()))
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		// Cooperative cancellation: already-dispatched calls finish, but
		// no new unit starts once a cancel is requested. Checked after
		// the semaphore so a request landing while slots are full still
		// stops the next dispatch.
		cancelled, err := c.Repo.CancelRequested(ctx, exec.ID)
		if err != nil {
			sem.Release(1)
			_ = g.Wait()
			return summary, err
		}
		if cancelled {
			sem.Release(1)
			summary.Cancelled = true
			break
		}
		u := u
		g.Go(func() error {
			defer sem.Release(1)
			failure := c.runFanOutUnit(gctx, exec, p, u.itemID, u.parent)
			mu.Lock()
			completed++
			done := completed
			if failure != nil {
				summary.Failed++
				summary.Failures = append(summary.Failures, *failure)
			} else {
				summary.Succeeded++
			}
			mu.Unlock()
			c.appendItemEvent(exec, p.Name, u.itemID, failure, done, summary.Total)
			return nil
		})
	}
	_ = g.Wait()

	if summary.Cancelled {
		return summary, nil
	}
	required := summary.Total
	if p.MinSuccessRatio > 0 {
		required = int(p.MinSuccessRatio * float64(summary.Total))
	}
	if summary.Succeeded < required {
		return summary, &SuccessRatioError{Phase: p.Name, Succeeded: summary.Succeeded, Total: summary.Total, Required: required}
	}
	return summary, nil
}

func (c Coordinator) runFanOutUnit(ctx context.Context, exec domain.Execution, p config.PhaseConfig, itemID string, parent domain.Deliverable) *ItemFailure {
	corrID := uuid.New().String()
	res, err := c.Agents.Invoke(ctx, agent.Request{
		TaskID:        p.AgentTask,
		Mode:          "run",
		CorrelationID: corrID,
		Input: map[string]any{
			"problem_statement": exec.ProblemStatement,
			"source_item_id":    parent.ItemID,
			"source_item":       ItemContent(parent),
		},
	})
	if err != nil {
		var ie *agent.InvocationError
		timeout := errors.As(err, &ie) && ie.Timeout
		return &ItemFailure{ItemID: itemID, CorrelationID: corrID, Reason: err.Error(), Timeout: timeout}
	}
	if !res.Success {
		return &ItemFailure{ItemID: itemID, CorrelationID: corrID, Reason: res.Error}
	}
	raw, structured := SplitOutput(res.Output)
	if _, err := c.Store.SaveItem(ctx, exec.ID, p.Name, p.AgentTask, p.ItemType, parent.ItemID, itemID, raw); err != nil {
		return &ItemFailure{ItemID: itemID, CorrelationID: corrID, Reason: fmt.Sprintf("persist: %v", err)}
	}
	c.recordParse(ctx, exec.ID, p.ItemType, itemID, raw, structured)
	return nil
}

// runParallel issues one call per configured specialist. Failures and
// timeouts are per-item only; the phase completes when every specialist
// has been attempted.
func (c Coordinator) runParallel(ctx context.Context, exec domain.Execution, p config.PhaseConfig) (Summary, error) {
	summary := Summary{Phase: p.Name, Shape: p.Shape, Total: len(p.Experts)}
	input, err := c.SingleInput(ctx, exec)
	if err != nil {
		return summary, err
	}
	var (
		mu        sync.Mutex
		completed int
	)
	sem := semaphore.NewWeighted(int64(c.parallelism()))
	g, gctx := errgroup.WithContext(ctx)
	for _, expert := range p.Experts {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		expert := expert
		itemID := fmt.Sprintf("%s-%s", p.ItemType, expert)
		g.Go(func() error {
			defer sem.Release(1)
			corrID := uuid.New().String()
			expertInput := make(map[string]any, len(input)+1)
			for k, v := range input {
				expertInput[k] = v
			}
			expertInput["expert"] = expert
			res, err := c.Agents.Invoke(gctx, agent.Request{
				TaskID:        p.AgentTask,
				Mode:          expert,
				CorrelationID: corrID,
				Input:         expertInput,
			})
			var failure *ItemFailure
			switch {
			case err != nil:
				var ie *agent.InvocationError
				timeout := errors.As(err, &ie) && ie.Timeout
				failure = &ItemFailure{ItemID: itemID, CorrelationID: corrID, Reason: err.Error(), Timeout: timeout}
			case !res.Success:
				failure = &ItemFailure{ItemID: itemID, CorrelationID: corrID, Reason: res.Error}
			default:
				raw, structured := SplitOutput(res.Output)
				if _, err := c.Store.SaveItem(gctx, exec.ID, p.Name, p.AgentTask, p.ItemType, "", itemID, raw); err != nil {
					failure = &ItemFailure{ItemID: itemID, CorrelationID: corrID, Reason: fmt.Sprintf("persist: %v", err)}
				} else {
					c.recordParse(gctx, exec.ID, p.ItemType, itemID, raw, structured)
				}
			}
			mu.Lock()
			completed++
			done := completed
			if failure != nil {
				summary.Failed++
				summary.Failures = append(summary.Failures, *failure)
			} else {
				summary.Succeeded++
			}
			mu.Unlock()
			c.appendItemEvent(exec, p.Name, itemID, failure, done, summary.Total)
			return nil
		})
	}
	_ = g.Wait()
	return summary, nil
}

// SingleInput assembles the input for single and parallel phases: the
// problem statement plus every deliverable produced so far, grouped by
// item type.
func (c Coordinator) SingleInput(ctx context.Context, exec domain.Execution) (map[string]any, error) {
	items, err := c.Repo.ListDeliverables(ctx, repo.DeliverableFilters{ExecutionID: exec.ID})
	if err != nil {
		return nil, err
	}
	byType := map[string][]any{}
	for _, d := range items {
		byType[d.ItemType] = append(byType[d.ItemType], map[string]any{
			"item_id": d.ItemID,
			"content": ItemContent(d),
		})
	}
	return map[string]any{
		"problem_statement": exec.ProblemStatement,
		"deliverables":      byType,
	}, nil
}

// saveOutput persists a single call's output: either output["items"] (a
// list, ids assigned from order) or the output itself as one item.
func (c Coordinator) saveOutput(ctx context.Context, executionID string, p config.PhaseConfig, parentRef string, output map[string]any) (int, error) {
	list, ok := output["items"].([]any)
	if !ok {
		itemID := fmt.Sprintf("%s-001", p.ItemType)
		raw, structured := SplitOutput(output)
		if _, err := c.Store.SaveItem(ctx, executionID, p.Name, p.AgentTask, p.ItemType, parentRef, itemID, raw); err != nil {
			return 0, err
		}
		c.recordParse(ctx, executionID, p.ItemType, itemID, raw, structured)
		return 1, nil
	}
	for i, entry := range list {
		itemID := fmt.Sprintf("%s-%03d", p.ItemType, i+1)
		item, _ := entry.(map[string]any)
		raw, structured := SplitOutput(item)
		parent := parentRef
		if s, ok := item["parent_ref"].(string); ok && s != "" {
			parent = s
		}
		if _, err := c.Store.SaveItem(ctx, executionID, p.Name, p.AgentTask, p.ItemType, parent, itemID, raw); err != nil {
			return i, err
		}
		c.recordParse(ctx, executionID, p.ItemType, itemID, raw, structured)
	}
	return len(list), nil
}

// recordParse marks an item parsed or parse-failed. The raw record is
// already persisted; parse bookkeeping failures are non-fatal.
func (c Coordinator) recordParse(ctx context.Context, executionID, itemType, itemID, raw string, structured map[string]any) {
	if structured == nil {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			_ = c.Store.MarkParseFailed(ctx, executionID, itemType, itemID, err.Error())
			return
		}
		structured = parsed
	}
	if err := c.Store.MarkParsed(ctx, executionID, itemType, itemID, structured); err != nil {
		_ = c.Store.MarkParseFailed(ctx, executionID, itemType, itemID, err.Error())
	}
}

func (c Coordinator) appendItemEvent(exec domain.Execution, phase, itemID string, failure *ItemFailure, completed, total int) {
	ctx := context.Background()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	payload := events.EventPayload{
		"phase":     phase,
		"item_id":   itemID,
		"completed": completed,
		"total":     total,
	}
	evtType := "phase.item.finished"
	if failure != nil {
		evtType = "phase.item.failed"
		payload["reason"] = failure.Reason
		if failure.Timeout {
			payload["timeout"] = true
		}
	}
	if err := c.Events.Append(ctx, tx, evtType, exec.ProjectID, exec.ID, "orchestrator", payload); err != nil {
		return
	}
	_ = tx.Commit()
}

func (c Coordinator) parallelism() int {
	if c.Config != nil && c.Config.Agents.Parallelism > 0 {
		return c.Config.Agents.Parallelism
	}
	return 1
}

// ItemContent prefers the structured form, falling back to raw.
func ItemContent(d domain.Deliverable) any {
	if d.Parsed && d.StructuredJSON != nil {
		var v any
		if err := json.Unmarshal([]byte(*d.StructuredJSON), &v); err == nil {
			return v
		}
	}
	return map[string]any{"raw": d.RawContent}
}

// SplitOutput separates an output map into the raw work product and the
// optional pre-parsed structured form. Workers either return {"raw": ...,
// "structured": {...}} or a plain structured object, which is then both
// raw (as JSON) and structured.
func SplitOutput(output map[string]any) (string, map[string]any) {
	if output == nil {
		return "", nil
	}
	if rawField, ok := output["raw"].(string); ok {
		structured, _ := output["structured"].(map[string]any)
		return rawField, structured
	}
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output), nil
	}
	return string(b), output
}
