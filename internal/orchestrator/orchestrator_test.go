package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"specline/internal/agent"
	"specline/internal/app"
	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/migrate"
	"specline/internal/orchestrator"
	"specline/internal/repo"
	"specline/internal/state"
)

type testEnv struct {
	Orch    *orchestrator.Orchestrator
	Workers *agent.InProcess
	Config  *config.Config
	Ctx     context.Context

	mu    sync.Mutex
	calls map[string]int
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	if _, _, err := app.ResolveProjectAndConfig(ctx, "proj-1", r); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	cfg := config.Default("proj-1")
	if mutate != nil {
		mutate(cfg)
	}
	workers := agent.NewInProcess()
	registry, err := agent.NewRegistry(cfg.Agents, workers)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	o := orchestrator.New(conn, cfg, registry)
	o.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{
		Orch:    o,
		Workers: workers,
		Config:  cfg,
		Ctx:     ctx,
		calls:   map[string]int{},
	}
}

func (env *testEnv) register(taskID string, fn agent.TaskFunc) {
	env.Workers.Register(taskID, func(ctx context.Context, req agent.Request) (agent.Result, error) {
		env.mu.Lock()
		env.calls[taskID]++
		env.mu.Unlock()
		return fn(ctx, req)
	})
}

func (env *testEnv) callCount(taskID string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.calls[taskID]
}

func ok(output map[string]any) agent.TaskFunc {
	return func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{Success: true, Output: output}, nil
	}
}

// registerHappyWorkers wires every pipeline task with outputs that clear
// the coverage threshold on the first iteration.
func (env *testEnv) registerHappyWorkers() {
	env.register("requirements.extract", ok(map[string]any{
		"items": []any{
			map[string]any{"statement": "invoices can be created"},
			map[string]any{"statement": "payments are captured"},
		},
	}))
	env.register("usecases.derive", ok(map[string]any{"title": "derived usecase"}))
	env.register("digest.synthesize", ok(map[string]any{
		"elements": []any{
			map[string]any{"id": "el-1", "category": "traceable", "description": "invoice creation"},
			map[string]any{"id": "el-2", "category": "traceable", "description": "payment capture"},
		},
	}))
	env.register("expert.review", ok(map[string]any{"verdict": "sound"}))
	env.register("design.generate", ok(map[string]any{"sections": []any{"overview", "data model"}}))
	env.register("coverage.score", ok(map[string]any{
		"elements": []any{
			map[string]any{"id": "el-1", "status": "present"},
			map[string]any{"id": "el-2", "status": "present"},
		},
	}))
	env.register("tasks.breakdown", ok(map[string]any{"steps": []any{"implement", "test"}}))
	env.register("document.assemble", ok(map[string]any{
		"raw":        "# Design Document",
		"structured": map[string]any{"title": "Design Document"},
	}))
}

func (env *testEnv) createAndStart(t *testing.T) domain.Execution {
	t.Helper()
	e, err := env.Orch.CreateExecution(env.Ctx, "proj-1", "build a billing service", "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err = env.Orch.Start(env.Ctx, e.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return e
}

func TestPipelineRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()

	e := env.createAndStart(t)
	if e.State != state.WaitingApproval("requirements") {
		t.Fatalf("expected requirements checkpoint, got %s", e.State)
	}
	e, err := env.Orch.Approve(env.Ctx, e.ID, "requirements", "approve", "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if e.State != state.Complete {
		t.Fatalf("expected complete, got %s", e.State)
	}

	st, err := env.Orch.Status(env.Ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	counts := st.ItemCounts
	if counts["requirement"] != 2 || counts["usecase"] != 2 || counts["digest"] != 1 {
		t.Fatalf("unexpected item counts: %v", counts)
	}
	if counts["expert_review"] != 4 || counts["design"] != 1 || counts["task"] != 2 || counts["document"] != 1 {
		t.Fatalf("unexpected item counts: %v", counts)
	}
	if len(st.Reports) != 1 || !st.Reports[0].Accepted {
		t.Fatalf("unexpected coverage reports: %+v", st.Reports)
	}
	// history ends with complete and never repeats a seq
	seen := map[int]bool{}
	for _, tr := range st.History {
		if seen[tr.Seq] {
			t.Fatalf("duplicate history seq %d", tr.Seq)
		}
		seen[tr.Seq] = true
	}
	if st.History[len(st.History)-1].State != state.Complete {
		t.Fatalf("history does not end in complete")
	}
}

func TestRetryNeverReinvokesCompletedPhases(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()
	// digest fails until told otherwise
	var failDigest = true
	env.register("digest.synthesize", func(ctx context.Context, req agent.Request) (agent.Result, error) {
		if failDigest {
			return agent.Result{Success: false, Error: "context overflow"}, nil
		}
		return agent.Result{Success: true, Output: map[string]any{
			"elements": []any{
				map[string]any{"id": "el-1", "category": "traceable", "description": "invoice creation"},
			},
		}}, nil
	})

	e := env.createAndStart(t)
	e, err := env.Orch.Approve(env.Ctx, e.ID, "requirements", "approve", "tester")
	if err == nil {
		t.Fatal("expected digest failure")
	}
	if e.State != state.Failed {
		t.Fatalf("expected failed, got %s", e.State)
	}
	if e.LastErrorKind != orchestrator.ErrKindInvocationFailure || e.LastErrorPhase != "digest" {
		t.Fatalf("unexpected last error: kind=%s phase=%s", e.LastErrorKind, e.LastErrorPhase)
	}

	extractCalls := env.callCount("requirements.extract")
	deriveCalls := env.callCount("usecases.derive")

	failDigest = false
	e, err = env.Orch.Retry(env.Ctx, e.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.State != state.Complete {
		t.Fatalf("expected complete after retry, got %s", e.State)
	}
	if env.callCount("requirements.extract") != extractCalls {
		t.Fatal("retry re-invoked the completed requirements phase")
	}
	if env.callCount("usecases.derive") != deriveCalls {
		t.Fatal("retry re-invoked the completed usecases phase")
	}
}

func TestFanOutRatioFailureClassification(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()
	env.register("usecases.derive", func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{Success: false, Error: "model refused"}, nil
	})

	e := env.createAndStart(t)
	e, err := env.Orch.Approve(env.Ctx, e.ID, "requirements", "approve", "tester")
	if err == nil {
		t.Fatal("expected usecases failure")
	}
	if e.State != state.Failed {
		t.Fatalf("expected failed, got %s", e.State)
	}
	if e.LastErrorKind != orchestrator.ErrKindInvocationFailure || e.LastErrorPhase != "usecases" {
		t.Fatalf("unexpected last error: kind=%s phase=%s", e.LastErrorKind, e.LastErrorPhase)
	}
}

func TestSingleCallTimeoutFailsExecution(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *config.Config) {
		cfg.Agents.Tasks = map[string]config.AgentConfig{
			"requirements.extract": {TimeoutSeconds: 1},
		}
	})
	env.registerHappyWorkers()
	env.register("requirements.extract", func(ctx context.Context, req agent.Request) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	})

	e, err := env.Orch.CreateExecution(env.Ctx, "proj-1", "build a billing service", "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err = env.Orch.Start(env.Ctx, e.ID)
	var invErr *agent.InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected invocation error, got %v", err)
	}
	if !invErr.Timeout {
		t.Fatalf("expected timeout flag on %v", invErr)
	}
	if e.State != state.Failed {
		t.Fatalf("expected failed, got %s", e.State)
	}
	if e.LastErrorKind != orchestrator.ErrKindInvocationFailure || e.LastErrorPhase != "requirements" {
		t.Fatalf("unexpected last error: kind=%s phase=%s", e.LastErrorKind, e.LastErrorPhase)
	}
}

func TestCoverageExhaustionPausesAtCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()
	env.register("coverage.score", ok(map[string]any{
		"elements": []any{
			map[string]any{"id": "el-1", "status": "absent"},
			map[string]any{"id": "el-2", "status": "partial"},
		},
	}))

	e := env.createAndStart(t)
	e, err := env.Orch.Approve(env.Ctx, e.ID, "requirements", "approve", "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if e.State != state.WaitingApproval("coverage") {
		t.Fatalf("expected coverage checkpoint, got %s", e.State)
	}
	if e.LastErrorKind != orchestrator.ErrKindConvergenceExhausted {
		t.Fatalf("expected convergence_exhausted recorded, got %q", e.LastErrorKind)
	}
	st, _ := env.Orch.Status(env.Ctx, e.ID)
	if len(st.Reports) != env.Config.Coverage.MaxIterations {
		t.Fatalf("expected %d reports, got %d", env.Config.Coverage.MaxIterations, len(st.Reports))
	}

	// accepting below threshold lets the latest candidate stand
	e, err = env.Orch.Approve(env.Ctx, e.ID, "coverage", "approve", "tester")
	if err != nil {
		t.Fatalf("accept below threshold: %v", err)
	}
	if e.State != state.Complete {
		t.Fatalf("expected complete, got %s", e.State)
	}
}

func TestApproveReviseAtCoverageRestartsLoop(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()
	env.register("coverage.score", ok(map[string]any{
		"elements": []any{
			map[string]any{"id": "el-1", "status": "absent"},
			map[string]any{"id": "el-2", "status": "absent"},
		},
	}))

	e := env.createAndStart(t)
	e, err := env.Orch.Approve(env.Ctx, e.ID, "requirements", "approve", "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if e.State != state.WaitingApproval("coverage") {
		t.Fatalf("expected coverage checkpoint, got %s", e.State)
	}

	// revise re-enters the loop with a fresh budget and pauses again
	e, err = env.Orch.Approve(env.Ctx, e.ID, "coverage", "revise", "tester")
	if err != nil {
		t.Fatalf("revise at coverage checkpoint: %v", err)
	}
	if e.State != state.WaitingApproval("coverage") {
		t.Fatalf("expected second exhaustion pause, got %s (kind=%s)", e.State, e.LastErrorKind)
	}

	maxIter := env.Config.Coverage.MaxIterations
	reports, err := env.Orch.Repo.ListCoverageReports(env.Ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2*maxIter {
		t.Fatalf("expected %d reports across both passes, got %d", 2*maxIter, len(reports))
	}
	for i, rep := range reports {
		if rep.Iteration != i+1 {
			t.Fatalf("iteration numbering broken at %d: %+v", i, rep)
		}
	}
}

func TestCancelDuringRunningPhaseStopsCooperatively(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *config.Config) {
		// serialize fan-out units so the cancel lands between them
		cfg.Agents.Parallelism = 1
	})
	env.registerHappyWorkers()
	var execID string
	var once sync.Once
	env.register("usecases.derive", func(ctx context.Context, req agent.Request) (agent.Result, error) {
		once.Do(func() {
			if _, err := env.Orch.Cancel(context.Background(), execID, "tester"); err != nil {
				t.Errorf("cancel during phase: %v", err)
			}
		})
		return agent.Result{Success: true, Output: map[string]any{"title": "derived usecase"}}, nil
	})

	e := env.createAndStart(t)
	execID = e.ID
	e, err := env.Orch.Approve(env.Ctx, e.ID, "requirements", "approve", "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if e.State != state.Cancelled {
		t.Fatalf("expected cancelled, got %s", e.State)
	}
	// the in-flight unit finished, the second was never dispatched
	if got := env.callCount("usecases.derive"); got != 1 {
		t.Fatalf("expected 1 derive call, got %d", got)
	}
	if _, err := env.Orch.Resume(env.Ctx, e.ID); err == nil {
		t.Fatal("expected resume rejected after cancel")
	}
}

func TestApproveReviseRerunsPhase(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()

	e := env.createAndStart(t)
	before := env.callCount("requirements.extract")
	e, err := env.Orch.Approve(env.Ctx, e.ID, "requirements", "revise", "tester")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if env.callCount("requirements.extract") != before+1 {
		t.Fatal("revise did not re-run the gated phase")
	}
	// pipeline pauses at the same checkpoint again
	if e.State != state.WaitingApproval("requirements") {
		t.Fatalf("expected checkpoint after revise, got %s", e.State)
	}
}

func TestApproveCancelEndsExecution(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()

	e := env.createAndStart(t)
	e, err := env.Orch.Approve(env.Ctx, e.ID, "requirements", "cancel", "tester")
	if err != nil {
		t.Fatalf("cancel decision: %v", err)
	}
	if e.State != state.Cancelled {
		t.Fatalf("expected cancelled, got %s", e.State)
	}
}

func TestApproveRejectsWrongCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()

	e := env.createAndStart(t)
	_, err := env.Orch.Approve(env.Ctx, e.ID, "coverage", "approve", "tester")
	var notWaiting *orchestrator.ErrNotWaiting
	if !errors.As(err, &notWaiting) {
		t.Fatalf("expected ErrNotWaiting, got %v", err)
	}

	_, err = env.Orch.Approve(env.Ctx, e.ID, "requirements", "ship-it", "tester")
	if err == nil {
		t.Fatal("expected unknown decision error")
	}
}

func TestCancelAtCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()

	e := env.createAndStart(t)
	e, err := env.Orch.Cancel(env.Ctx, e.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if e.State != state.Cancelled {
		t.Fatalf("expected cancelled, got %s", e.State)
	}
	// terminal: nothing can resume it
	if _, err := env.Orch.Resume(env.Ctx, e.ID); err == nil {
		t.Fatal("expected resume rejection after cancel")
	}
}

func TestStartRejectsNonDraft(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()

	e := env.createAndStart(t)
	_, err := env.Orch.Start(env.Ctx, e.ID)
	var invalid *state.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestResumeContinuesQueuedExecution(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()

	e, err := env.Orch.CreateExecution(env.Ctx, "proj-1", "build a billing service", "tester")
	if err != nil {
		t.Fatal(err)
	}
	// queue without driving, as if the process died right after start
	if _, err := env.Orch.Machine.TransitionTo(env.Ctx, e.ID, state.Queued, nil); err != nil {
		t.Fatal(err)
	}
	e, err = env.Orch.Resume(env.Ctx, e.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if e.State != state.WaitingApproval("requirements") {
		t.Fatalf("expected requirements checkpoint, got %s", e.State)
	}
	if env.callCount("requirements.extract") != 1 {
		t.Fatalf("expected one extract call, got %d", env.callCount("requirements.extract"))
	}
}

func TestResumeReRunsInterruptedPhase(t *testing.T) {
	env := newTestEnv(t)
	env.registerHappyWorkers()

	e, err := env.Orch.CreateExecution(env.Ctx, "proj-1", "build a billing service", "tester")
	if err != nil {
		t.Fatal(err)
	}
	// simulate a crash mid-phase: running recorded, completion never was
	if _, err := env.Orch.Machine.TransitionTo(env.Ctx, e.ID, state.Queued, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Orch.Machine.TransitionTo(env.Ctx, e.ID, state.Running("requirements"), nil); err != nil {
		t.Fatal(err)
	}
	e, err = env.Orch.Resume(env.Ctx, e.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if e.State != state.WaitingApproval("requirements") {
		t.Fatalf("expected requirements checkpoint, got %s", e.State)
	}
	if env.callCount("requirements.extract") != 1 {
		t.Fatalf("interrupted phase should run exactly once, got %d", env.callCount("requirements.extract"))
	}
}

func TestCreateExecutionRequiresProblemStatement(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Orch.CreateExecution(env.Ctx, "proj-1", "", "tester"); err == nil {
		t.Fatal("expected validation error")
	}
}
