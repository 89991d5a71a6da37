package speclinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Specline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Execution represents the API execution model.
type Execution struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	ProblemStatement string `json:"problem_statement"`
	State            string `json:"state"`
	CurrentPhase     string `json:"current_phase"`
	CancelRequested  bool   `json:"cancel_requested"`
	LastErrorKind    string `json:"last_error_kind"`
	LastErrorPhase   string `json:"last_error_phase"`
	LastErrorMessage string `json:"last_error_message"`
	StateUpdatedAt   string `json:"state_updated_at"`
	CreatedAt        string `json:"created_at"`
}

// Transition is one history entry.
type Transition struct {
	Seq      int            `json:"seq"`
	State    string         `json:"state"`
	TS       string         `json:"ts"`
	Metadata map[string]any `json:"metadata"`
}

// PhaseProgress reports item counts for a running phase.
type PhaseProgress struct {
	Phase     string `json:"phase"`
	Shape     string `json:"shape"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// CoverageReport is one scored coverage iteration.
type CoverageReport struct {
	ExecutionID    string             `json:"execution_id"`
	Iteration      int                `json:"iteration"`
	Score          float64            `json:"score"`
	DimensionScore map[string]float64 `json:"dimension_scores"`
	Gaps           []Gap              `json:"gaps"`
	Accepted       bool               `json:"accepted"`
	CreatedAt      string             `json:"created_at"`
}

// Gap is one coverage deficiency.
type Gap struct {
	ElementID string `json:"element_id"`
	Reason    string `json:"reason"`
	Severity  string `json:"severity"`
	Remedy    string `json:"remedy"`
}

// ExecutionStatus bundles an execution with its history and artifacts.
type ExecutionStatus struct {
	Execution  Execution        `json:"execution"`
	History    []Transition     `json:"history"`
	ItemCounts map[string]int   `json:"item_counts"`
	Reports    []CoverageReport `json:"coverage_reports"`
	Progress   *PhaseProgress   `json:"progress"`
}

// Deliverable represents a persisted phase output item.
type Deliverable struct {
	ExecutionID string         `json:"execution_id"`
	Phase       string         `json:"phase"`
	AgentTask   string         `json:"agent_task"`
	ItemType    string         `json:"item_type"`
	ItemID      string         `json:"item_id"`
	ParentRef   string         `json:"parent_ref"`
	RawContent  string         `json:"raw_content"`
	Structured  map[string]any `json:"structured"`
	Parsed      bool           `json:"parsed"`
	ParseError  string         `json:"parse_error"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"project_id"`
	ExecutionID string          `json:"execution_id"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateExecution creates an execution; start runs it immediately.
func (c *Client) CreateExecution(ctx context.Context, problemStatement string, start bool) (Execution, error) {
	body := map[string]any{
		"problem_statement": problemStatement,
		"start":             start,
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, "v0/executions", body, &resp)
	return resp, err
}

// ListExecutions returns executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, state string, limit int) ([]Execution, error) {
	endpoint := "v0/executions"
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Execution
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Status returns the full status of an execution.
func (c *Client) Status(ctx context.Context, id string) (ExecutionStatus, error) {
	var resp ExecutionStatus
	err := c.do(ctx, http.MethodGet, c.executionPath(id, ""), nil, &resp)
	return resp, err
}

// Start begins driving a queued or draft execution.
func (c *Client) Start(ctx context.Context, id string) (Execution, error) {
	return c.lifecycle(ctx, id, "start")
}

// Resume continues an interrupted execution from its last committed phase.
func (c *Client) Resume(ctx context.Context, id string) (Execution, error) {
	return c.lifecycle(ctx, id, "resume")
}

// Retry re-queues a failed execution.
func (c *Client) Retry(ctx context.Context, id string) (Execution, error) {
	return c.lifecycle(ctx, id, "retry")
}

// Cancel stops an execution; running phases stop at the next dispatch boundary.
func (c *Client) Cancel(ctx context.Context, id string) (Execution, error) {
	return c.lifecycle(ctx, id, "cancel")
}

func (c *Client) lifecycle(ctx context.Context, id, action string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.executionPath(id, action), nil, &resp)
	return resp, err
}

// Approve resolves a checkpoint with approve, revise, or cancel.
func (c *Client) Approve(ctx context.Context, id, checkpoint, decision string) (Execution, error) {
	body := map[string]any{
		"checkpoint": checkpoint,
		"decision":   decision,
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.executionPath(id, "approval"), body, &resp)
	return resp, err
}

// Items returns deliverables for an execution, optionally filtered by item type.
func (c *Client) Items(ctx context.Context, id, itemType string) ([]Deliverable, error) {
	endpoint := c.executionPath(id, "items")
	if itemType != "" {
		endpoint += "?item_type=" + url.QueryEscape(itemType)
	}
	var resp []Deliverable
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Item fetches one deliverable.
func (c *Client) Item(ctx context.Context, id, itemType, itemID string) (Deliverable, error) {
	endpoint := c.executionPath(id, fmt.Sprintf("items/%s/%s", url.PathEscape(itemType), url.PathEscape(itemID)))
	var resp Deliverable
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reports returns coverage reports for an execution in iteration order.
func (c *Client) Reports(ctx context.Context, id string) ([]CoverageReport, error) {
	var resp []CoverageReport
	err := c.do(ctx, http.MethodGet, c.executionPath(id, "reports"), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, executionID string) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if executionID != "" {
		q.Set("execution_id", executionID)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WaitFor polls until the execution leaves running states or ctx expires.
func (c *Client) WaitFor(ctx context.Context, id string, interval time.Duration) (Execution, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e, err := c.lifecycleState(ctx, id)
		if err != nil {
			return Execution{}, err
		}
		if !strings.HasSuffix(e.State, "_running") && e.State != "queued" {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return e, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) lifecycleState(ctx context.Context, id string) (Execution, error) {
	st, err := c.Status(ctx, id)
	return st.Execution, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) executionPath(id, sub string) string {
	p := fmt.Sprintf("v0/executions/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
