// Package coverage runs the design validation loop: score a candidate
// design against the digest's required elements, and either accept it or
// send it back for regeneration with the gap list attached, bounded by a
// hard iteration budget. Exceeding the budget is a designed outcome that
// routes to a human decision, never a silent acceptance.
package coverage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"specline/internal/agent"
	"specline/internal/config"
	"specline/internal/deliverable"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/phase"
	"specline/internal/repo"
)

// Coverage statuses a scoring worker may report per element.
const (
	StatusPresent = "present"
	StatusPartial = "partial"
	StatusAbsent  = "absent"
)

// ExhaustedError ends a loop that ran out of iterations below threshold.
type ExhaustedError struct {
	Iterations int
	BestScore  float64
	LastScore  float64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("coverage loop exhausted after %d iterations (best score %.1f)", e.Iterations, e.BestScore)
}

// Outcome summarizes a finished loop.
type Outcome struct {
	Accepted   bool
	Iterations int
	FinalScore float64
	BestScore  float64
	Regressed  bool
	DesignID   string
}

// Metadata renders the outcome for transition metadata.
func (o Outcome) Metadata() map[string]any {
	return map[string]any{
		"iterations":  o.Iterations,
		"final_score": o.FinalScore,
		"best_score":  o.BestScore,
		"regressed":   o.Regressed,
		"design_id":   o.DesignID,
	}
}

// Element is one required element extracted from the digest.
type Element struct {
	ID          string
	Category    string
	Description string
}

type Loop struct {
	DB     *sql.DB
	Repo   repo.Repo
	Store  deliverable.Store
	Agents *agent.Registry
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, agents *agent.Registry) Loop {
	return Loop{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Store:  deliverable.New(db),
		Agents: agents,
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (l Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Run executes the loop for the coverage-wrapped phase. Each iteration
// generates a design revision (retained as its own deliverable), scores
// it, and persists a CoverageReport. A score below the previous
// iteration's is surfaced as a regression anomaly but does not end the
// loop early; only acceptance or the iteration cap does.
func (l Loop) Run(ctx context.Context, exec domain.Execution, p config.PhaseConfig, baseInput map[string]any) (Outcome, error) {
	elements, err := l.requiredElements(ctx, exec.ID)
	if err != nil {
		return Outcome{}, err
	}
	cfg := l.Config.Coverage

	// Re-entered loops (revise at the checkpoint, retry after a failure)
	// continue numbering where the last pass stopped; report rows are
	// keyed by (execution, iteration) and must stay unique.
	base, err := l.Repo.MaxCoverageIteration(ctx, exec.ID)
	if err != nil {
		return Outcome{}, err
	}

	var (
		outcome   Outcome
		gaps      []domain.Gap
		candidate any
		prevScore float64
	)
	for n := 1; n <= cfg.MaxIterations; n++ {
		iter := base + n
		outcome.Iterations = n
		designID := fmt.Sprintf("%s-%03d", p.ItemType, iter)

		raw, structured, err := l.generate(ctx, exec, p, designID, baseInput, candidate, gaps)
		if err != nil {
			return outcome, err
		}
		if structured != nil {
			candidate = structured
		} else {
			candidate = map[string]any{"raw": raw}
		}
		outcome.DesignID = designID

		score, dims, iterGaps, err := l.score(ctx, exec, elements, candidate)
		if err != nil {
			return outcome, err
		}
		gaps = iterGaps
		accepted := score >= cfg.Threshold
		if err := l.persistReport(ctx, exec, domain.CoverageReport{
			ExecutionID:    exec.ID,
			Iteration:      iter,
			Score:          score,
			DimensionScore: dims,
			Gaps:           iterGaps,
			Accepted:       accepted,
			CreatedAt:      l.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return outcome, err
		}
		if n > 1 && score < prevScore {
			// The revision made things worse. Logged for audit; noisy
			// scoring means this alone must not halt the loop.
			outcome.Regressed = true
			l.appendEvent(ctx, exec, "coverage.regression", events.EventPayload{
				"iteration":      iter,
				"score":          score,
				"previous_score": prevScore,
			})
		}
		prevScore = score
		outcome.FinalScore = score
		if score > outcome.BestScore {
			outcome.BestScore = score
		}
		if accepted {
			outcome.Accepted = true
			return outcome, nil
		}
	}
	return outcome, &ExhaustedError{
		Iterations: outcome.Iterations,
		BestScore:  outcome.BestScore,
		LastScore:  outcome.FinalScore,
	}
}

// generate invokes the design task, feeding back the previous candidate
// and its gap list on revision iterations, and persists the revision.
func (l Loop) generate(ctx context.Context, exec domain.Execution, p config.PhaseConfig, designID string, baseInput map[string]any, previous any, gaps []domain.Gap) (string, map[string]any, error) {
	input := make(map[string]any, len(baseInput)+2)
	for k, v := range baseInput {
		input[k] = v
	}
	mode := "run"
	if previous != nil {
		mode = "revise"
		input["previous_candidate"] = previous
		// Plain JSON-shaped values only: workers must see the same input
		// whether invoked in-process or over a subprocess pipe.
		input["gaps"] = gapInputs(gaps)
	}
	res, err := l.Agents.Invoke(ctx, agent.Request{
		TaskID:        p.AgentTask,
		Mode:          mode,
		CorrelationID: uuid.New().String(),
		Input:         input,
	})
	if err != nil {
		return "", nil, err
	}
	if !res.Success {
		return "", nil, &agent.InvocationError{TaskID: p.AgentTask, Err: fmt.Errorf("%s", res.Error)}
	}
	raw, structured := phase.SplitOutput(res.Output)
	if _, err := l.Store.SaveItem(ctx, exec.ID, p.Name, p.AgentTask, p.ItemType, "", designID, raw); err != nil {
		return "", nil, err
	}
	if structured != nil {
		_ = l.Store.MarkParsed(ctx, exec.ID, p.ItemType, designID, structured)
	}
	return raw, structured, nil
}

func gapInputs(gaps []domain.Gap) []any {
	out := make([]any, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, map[string]any{
			"element_id": g.ElementID,
			"reason":     g.Reason,
			"severity":   g.Severity,
			"remedy":     g.Remedy,
		})
	}
	return out
}

// score invokes the scoring task and aggregates its per-element verdicts
// into a weighted 0-100 score plus the gap list for unmet elements.
func (l Loop) score(ctx context.Context, exec domain.Execution, elements []Element, candidate any) (float64, map[string]float64, []domain.Gap, error) {
	elemInput := make([]any, 0, len(elements))
	for _, e := range elements {
		elemInput = append(elemInput, map[string]any{
			"id":          e.ID,
			"category":    e.Category,
			"description": e.Description,
		})
	}
	res, err := l.Agents.Invoke(ctx, agent.Request{
		TaskID:        l.Config.Coverage.ScoringTask,
		Mode:          "run",
		CorrelationID: uuid.New().String(),
		Input: map[string]any{
			"elements":  elemInput,
			"candidate": candidate,
		},
	})
	if err != nil {
		return 0, nil, nil, err
	}
	if !res.Success {
		return 0, nil, nil, &agent.InvocationError{TaskID: l.Config.Coverage.ScoringTask, Err: fmt.Errorf("%s", res.Error)}
	}
	verdicts := verdictsByElement(res.Output)
	score, dims, gapList := Aggregate(elements, verdicts, l.Config.Coverage.Weights)
	l.appendEvent(ctx, exec, "coverage.scored", events.EventPayload{
		"score":      score,
		"dimensions": dims,
		"gap_count":  len(gapList),
	})
	return score, dims, gapList, nil
}

// Verdict is the scoring worker's judgment of one element.
type Verdict struct {
	Status   string
	Reason   string
	Remedy   string
	Severity string
}

func verdictsByElement(output map[string]any) map[string]Verdict {
	verdicts := map[string]Verdict{}
	list, _ := output["elements"].([]any)
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		v := Verdict{}
		v.Status, _ = m["status"].(string)
		v.Reason, _ = m["reason"].(string)
		v.Remedy, _ = m["remedy"].(string)
		v.Severity, _ = m["severity"].(string)
		verdicts[id] = v
	}
	return verdicts
}

// Aggregate computes the weighted overall score from per-element verdicts.
// Elements are grouped into weight dimensions by category; a category
// without a configured weight falls into "overlap", so traceable elements
// keep their configured majority weight. Empty dimensions are excluded
// from the denominator: a dimension with nothing to cover earns no credit,
// which is what keeps vacuously "complete" designs from scoring high.
func Aggregate(elements []Element, verdicts map[string]Verdict, weights map[string]float64) (float64, map[string]float64, []domain.Gap) {
	type bucket struct {
		total   float64
		covered float64
	}
	buckets := map[string]*bucket{}
	var gaps []domain.Gap
	for _, e := range elements {
		dim := e.Category
		if _, ok := weights[dim]; !ok {
			dim = "overlap"
		}
		b := buckets[dim]
		if b == nil {
			b = &bucket{}
			buckets[dim] = b
		}
		b.total++
		v, scored := verdicts[e.ID]
		status := v.Status
		if !scored {
			status = StatusAbsent
		}
		switch status {
		case StatusPresent:
			b.covered++
			continue
		case StatusPartial:
			b.covered += 0.5
		}
		gaps = append(gaps, domain.Gap{
			ElementID: e.ID,
			Reason:    gapReason(v, scored),
			Severity:  gapSeverity(v, status),
			Remedy:    v.Remedy,
		})
	}
	if len(buckets) == 0 {
		// Nothing to cover at all: trivially complete.
		return 100, map[string]float64{}, nil
	}
	dims := map[string]float64{}
	var weighted, weightSum float64
	for dim, b := range buckets {
		pct := 100 * b.covered / b.total
		dims[dim] = pct
		w := weights[dim]
		weighted += w * pct
		weightSum += w
	}
	if weightSum == 0 {
		return 0, dims, gaps
	}
	return weighted / weightSum, dims, gaps
}

func gapReason(v Verdict, scored bool) string {
	if !scored {
		return "element not addressed by candidate"
	}
	if v.Reason != "" {
		return v.Reason
	}
	return "element coverage " + v.Status
}

func gapSeverity(v Verdict, status string) string {
	if v.Severity != "" {
		return v.Severity
	}
	if status == StatusPartial {
		return "medium"
	}
	return "high"
}

// requiredElements reads the digest deliverable and extracts the element
// list the design must account for.
func (l Loop) requiredElements(ctx context.Context, executionID string) ([]Element, error) {
	digests, err := l.Repo.ListDeliverables(ctx, repo.DeliverableFilters{
		ExecutionID: executionID,
		ItemType:    "digest",
	})
	if err != nil {
		return nil, err
	}
	if len(digests) == 0 {
		return nil, fmt.Errorf("execution %s has no digest to validate against", executionID)
	}
	var elements []Element
	for _, d := range digests {
		content, ok := phase.ItemContent(d).(map[string]any)
		if !ok {
			continue
		}
		list, _ := content["elements"].([]any)
		for _, entry := range list {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			var e Element
			e.ID, _ = m["id"].(string)
			e.Category, _ = m["category"].(string)
			e.Description, _ = m["description"].(string)
			if e.ID != "" {
				elements = append(elements, e)
			}
		}
	}
	return elements, nil
}

func (l Loop) persistReport(ctx context.Context, exec domain.Execution, rep domain.CoverageReport) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertCoverageReportTx(ctx, tx, rep); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, "coverage.report", exec.ProjectID, exec.ID, "orchestrator", events.EventPayload{
		"iteration": rep.Iteration,
		"score":     rep.Score,
		"accepted":  rep.Accepted,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (l Loop) appendEvent(ctx context.Context, exec domain.Execution, evtType string, payload events.EventPayload) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := l.Events.Append(ctx, tx, evtType, exec.ProjectID, exec.ID, "orchestrator", payload); err != nil {
		return
	}
	_ = tx.Commit()
}
