package state_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"specline/internal/app"
	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/migrate"
	"specline/internal/repo"
	"specline/internal/state"
)

func newTestDB(t *testing.T) *sql.DB {
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
	return conn
}

func seedExecution(t *testing.T, conn *sql.DB) domain.Execution {
	t.Helper()
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	if _, _, err := app.ResolveProjectAndConfig(ctx, "proj-1", r); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	e := domain.Execution{
		ID:               "exec-1",
		ProjectID:        "proj-1",
		ProblemStatement: "build a thing",
		State:            state.Draft,
		StateUpdatedAt:   now,
		CreatedAt:        now,
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertExecutionTx(ctx, tx, e); err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	if err := r.AppendHistoryTx(ctx, tx, domain.Transition{
		ExecutionID: e.ID, Seq: 1, State: state.Draft, TS: now,
	}); err != nil {
		t.Fatalf("append history: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestBuildTableEdges(t *testing.T) {
	cfg := config.Default("proj-1")
	table := state.BuildTable(cfg)

	allowed := [][2]string{
		{state.Draft, state.Queued},
		{state.Queued, state.Cancelled},
		{state.Queued, "requirements_running"},
		{state.Queued, "design_running"},
		{"requirements_running", "requirements_complete"},
		{"requirements_running", state.Failed},
		{"requirements_running", state.Cancelled},
		{"requirements_complete", "waiting_approval_requirements"},
		{"waiting_approval_requirements", "usecases_running"},
		{"waiting_approval_requirements", "requirements_running"},
		{"waiting_approval_requirements", state.Cancelled},
		{"usecases_complete", "digest_running"},
		{"design_running", "waiting_approval_coverage"},
		{"waiting_approval_coverage", "design_complete"},
		{"waiting_approval_coverage", "design_running"},
		{"assembly_complete", state.Complete},
		{state.Failed, state.Queued},
	}
	for _, pair := range allowed {
		if !table.Allowed(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s allowed", pair[0], pair[1])
		}
	}

	rejected := [][2]string{
		{state.Draft, state.Complete},
		{state.Draft, "requirements_running"},
		{"requirements_complete", "usecases_running"},
		{"requirements_running", "usecases_running"},
		{"usecases_complete", "waiting_approval_requirements"},
		{state.Complete, state.Queued},
		{state.Cancelled, state.Queued},
		{"waiting_approval_requirements", state.Complete},
	}
	for _, pair := range rejected {
		if table.Allowed(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s rejected", pair[0], pair[1])
		}
	}
}

func TestStateHelpers(t *testing.T) {
	if got := state.PhaseOf("design_running"); got != "design" {
		t.Errorf("PhaseOf running: got %q", got)
	}
	if got := state.PhaseOf("design_complete"); got != "design" {
		t.Errorf("PhaseOf complete: got %q", got)
	}
	if got := state.PhaseOf("waiting_approval_coverage"); got != "" {
		t.Errorf("PhaseOf waiting: got %q", got)
	}
	if !state.IsWaiting("waiting_approval_requirements") || state.IsWaiting("draft") {
		t.Error("IsWaiting misclassified")
	}
	if !state.IsRunning("tasks_running") || state.IsRunning("tasks_complete") {
		t.Error("IsRunning misclassified")
	}
	if !state.IsCompleted("tasks_complete") || state.IsCompleted("complete") {
		t.Error("IsCompleted misclassified")
	}
	if !state.IsTerminal(state.Complete) || !state.IsTerminal(state.Cancelled) || state.IsTerminal(state.Failed) {
		t.Error("IsTerminal misclassified")
	}
}

func TestTransitionToAppendsHistory(t *testing.T) {
	conn := newTestDB(t)
	e := seedExecution(t, conn)
	cfg := config.Default("proj-1")
	m := state.New(conn, state.BuildTable(cfg))
	m.Now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	got, err := m.TransitionTo(ctx, e.ID, state.Queued, map[string]any{"reason": "start"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.State != state.Queued {
		t.Fatalf("state: got %s", got.State)
	}
	history, err := m.Repo.ListHistory(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	if history[1].Seq != 2 || history[1].State != state.Queued {
		t.Fatalf("unexpected last entry: %+v", history[1])
	}
	if history[1].MetadataJSON == nil {
		t.Fatal("expected metadata recorded")
	}
}

func TestTransitionToRejectsIllegalMove(t *testing.T) {
	conn := newTestDB(t)
	e := seedExecution(t, conn)
	cfg := config.Default("proj-1")
	m := state.New(conn, state.BuildTable(cfg))
	ctx := context.Background()

	_, err := m.TransitionTo(ctx, e.ID, state.Complete, nil)
	var invalid *state.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != state.Draft || invalid.To != state.Complete {
		t.Fatalf("unexpected error detail: %+v", invalid)
	}
	// nothing changed
	after, err := m.Repo.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != state.Draft {
		t.Fatalf("state mutated on rejected transition: %s", after.State)
	}
	history, _ := m.Repo.ListHistory(ctx, e.ID)
	if len(history) != 1 {
		t.Fatalf("history grew on rejected transition: %d rows", len(history))
	}
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	conn := newTestDB(t)
	e := seedExecution(t, conn)
	cfg := config.Default("proj-1")
	m := state.New(conn, state.BuildTable(cfg))
	ctx := context.Background()

	race := func(target string) int {
		t.Helper()
		const attempts = 8
		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.TransitionTo(ctx, e.ID, target, nil)
				if err == nil {
					wins.Add(1)
					return
				}
				var invalid *state.InvalidTransitionError
				if !errors.As(err, &invalid) {
					t.Errorf("racing to %s: %v", target, err)
				}
			}()
		}
		wg.Wait()
		return int(wins.Load())
	}

	if got := race(state.Queued); got != 1 {
		t.Fatalf("queued winners: got %d", got)
	}
	if got := race(state.Running("requirements")); got != 1 {
		t.Fatalf("running winners: got %d", got)
	}

	// exactly one history row per won step, seq strictly increasing
	history, err := m.Repo.ListHistory(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(history))
	}
	for i, tr := range history {
		if tr.Seq != i+1 {
			t.Fatalf("seq out of order at %d: %+v", i, tr)
		}
	}
}

func TestTransitionSetsCurrentPhase(t *testing.T) {
	conn := newTestDB(t)
	e := seedExecution(t, conn)
	cfg := config.Default("proj-1")
	m := state.New(conn, state.BuildTable(cfg))
	ctx := context.Background()

	if _, err := m.TransitionTo(ctx, e.ID, state.Queued, nil); err != nil {
		t.Fatal(err)
	}
	got, err := m.TransitionTo(ctx, e.ID, state.Running("requirements"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != "requirements" {
		t.Fatalf("current phase: got %q", got.CurrentPhase)
	}
}
