package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"specline/internal/agent"
	"specline/internal/app"
	"specline/internal/db"
	"specline/internal/migrate"
	"specline/internal/orchestrator"
	"specline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Orch   *orchestrator.Orchestrator
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(context.Background(), "specline", r)
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	workers := agent.NewInProcess()
	registerHappyWorkers(workers)
	registry, err := agent.NewRegistry(cfg.Agents, workers)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	o := orchestrator.New(conn, cfg, registry)
	handler, err := New(Config{
		Orchestrator: o,
		Repo:         r,
		ProjectCfg:   cfg,
		BasePath:     "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Orch:   o,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			o.Wait()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func registerHappyWorkers(workers *agent.InProcess) {
	ok := func(output map[string]any) agent.TaskFunc {
		return func(ctx context.Context, req agent.Request) (agent.Result, error) {
			return agent.Result{Success: true, Output: output}, nil
		}
	}
	workers.Register("requirements.extract", ok(map[string]any{
		"items": []any{
			map[string]any{"statement": "invoices can be created"},
			map[string]any{"statement": "payments are captured"},
		},
	}))
	workers.Register("usecases.derive", ok(map[string]any{"title": "derived usecase"}))
	workers.Register("digest.synthesize", ok(map[string]any{
		"elements": []any{
			map[string]any{"id": "el-1", "category": "traceable", "description": "invoice creation"},
		},
	}))
	workers.Register("expert.review", ok(map[string]any{"verdict": "sound"}))
	workers.Register("design.generate", ok(map[string]any{"sections": []any{"overview"}}))
	workers.Register("coverage.score", ok(map[string]any{
		"elements": []any{map[string]any{"id": "el-1", "status": "present"}},
	}))
	workers.Register("tasks.breakdown", ok(map[string]any{"steps": []any{"implement"}}))
	workers.Register("document.assemble", ok(map[string]any{
		"raw":        "# Design Document",
		"structured": map[string]any{"title": "Design Document"},
	}))
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// waitForSettled polls until the execution leaves queued/running states.
func waitForSettled(t *testing.T, srv *testServer, id string) ExecutionStatusResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/executions/"+id, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", res.StatusCode, string(data))
		}
		var st ExecutionStatusResponse
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		s := st.Execution.State
		settled := s != "queued" && !isRunningState(s)
		if settled {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s stuck in state %s", id, s)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func isRunningState(s string) bool {
	return len(s) > len("_running") && s[len(s)-len("_running"):] == "_running"
}

func TestExecutionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"problem_statement": "build a billing service",
		"start":             true,
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created ExecutionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}

	st := waitForSettled(t, srv, created.ID)
	if st.Execution.State != "waiting_approval_requirements" {
		t.Fatalf("expected requirements checkpoint, got %s", st.Execution.State)
	}

	// approving the wrong checkpoint conflicts
	conflictRes, conflictBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+created.ID+"/approval", map[string]any{
		"checkpoint": "coverage",
		"decision":   "approve",
	}, nil)
	if conflictRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", conflictRes.StatusCode, string(conflictBody))
	}

	approveRes, approveBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+created.ID+"/approval", map[string]any{
		"checkpoint": "requirements",
		"decision":   "approve",
	}, nil)
	if approveRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", approveRes.StatusCode, string(approveBody))
	}

	st = waitForSettled(t, srv, created.ID)
	if st.Execution.State != "complete" {
		t.Fatalf("expected complete, got %s", st.Execution.State)
	}
	if st.ItemCounts["requirement"] != 2 || st.ItemCounts["document"] != 1 {
		t.Fatalf("unexpected item counts: %v", st.ItemCounts)
	}

	itemsRes, itemsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/"+created.ID+"/items?item_type=usecase", nil, nil)
	if itemsRes.StatusCode != http.StatusOK {
		t.Fatalf("items status %d: %s", itemsRes.StatusCode, string(itemsBody))
	}
	var items []DeliverableResponse
	if err := json.Unmarshal(itemsBody, &items); err != nil {
		t.Fatalf("unmarshal items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 usecases, got %d", len(items))
	}

	reportsRes, reportsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/"+created.ID+"/reports", nil, nil)
	if reportsRes.StatusCode != http.StatusOK {
		t.Fatalf("reports status %d: %s", reportsRes.StatusCode, string(reportsBody))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// no credentials at all
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", healthRes.StatusCode)
	}

	// garbage bearer token is rejected
	badRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", badRes.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "robot-1",
		"name":     "ci",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", createRes.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("expected plaintext key on create")
	}

	// the key authenticates requests
	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("api key request status %d: %s", listRes.StatusCode, string(listBody))
	}

	// listing never exposes plaintext
	keysRes, keysBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, nil)
	if keysRes.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", keysRes.StatusCode, string(keysBody))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(keysBody, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("unexpected key listing: %+v", keys)
	}

	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+key.ID, nil, nil)
	if delRes.StatusCode >= 300 {
		t.Fatalf("delete key status %d: %s", delRes.StatusCode, string(delBody))
	}
	afterRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if afterRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after delete, got %d", afterRes.StatusCode)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"problem_statement": "build a billing service",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created ExecutionResponse
	_ = json.Unmarshal(data, &created)

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+created.ID+"/start", nil, nil)
	if startRes.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", startRes.StatusCode, string(startBody))
	}

	// a second start is an illegal transition from any later state
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+created.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %q", envelope.Error.Code)
	}
	waitForSettled(t, srv, created.ID)
}
