package server

import (
	"encoding/json"

	"specline/internal/domain"
	"specline/internal/orchestrator"
)

// Request payloads

type CreateExecutionRequest struct {
	ProblemStatement string `json:"problem_statement"`
	Start            bool   `json:"start,omitempty"`
}

type ApprovalRequest struct {
	Checkpoint string `json:"checkpoint"`
	Decision   string `json:"decision" enum:"approve,revise,cancel"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ExecutionResponse struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	ProblemStatement string `json:"problem_statement"`
	State            string `json:"state"`
	CurrentPhase     string `json:"current_phase,omitempty"`
	CancelRequested  bool   `json:"cancel_requested,omitempty"`
	LastErrorKind    string `json:"last_error_kind,omitempty"`
	LastErrorPhase   string `json:"last_error_phase,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
	StateUpdatedAt   string `json:"state_updated_at" format:"date-time"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type TransitionResponse struct {
	Seq      int            `json:"seq"`
	State    string         `json:"state"`
	TS       string         `json:"ts" format:"date-time"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ExecutionStatusResponse struct {
	Execution  ExecutionResponse           `json:"execution"`
	History    []TransitionResponse        `json:"history"`
	ItemCounts map[string]int              `json:"item_counts"`
	Reports    []domain.CoverageReport     `json:"coverage_reports,omitempty"`
	Progress   *orchestrator.PhaseProgress `json:"progress,omitempty"`
}

type DeliverableResponse struct {
	ExecutionID string         `json:"execution_id"`
	Phase       string         `json:"phase"`
	AgentTask   string         `json:"agent_task"`
	ItemType    string         `json:"item_type"`
	ItemID      string         `json:"item_id"`
	ParentRef   string         `json:"parent_ref,omitempty"`
	RawContent  string         `json:"raw_content"`
	Structured  map[string]any `json:"structured,omitempty"`
	Parsed      bool           `json:"parsed"`
	ParseError  string         `json:"parse_error,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts" format:"date-time"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"project_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func executionResponse(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:               e.ID,
		ProjectID:        e.ProjectID,
		ProblemStatement: e.ProblemStatement,
		State:            e.State,
		CurrentPhase:     e.CurrentPhase,
		CancelRequested:  e.CancelRequested,
		LastErrorKind:    e.LastErrorKind,
		LastErrorPhase:   e.LastErrorPhase,
		LastErrorMessage: e.LastErrorMessage,
		StateUpdatedAt:   e.StateUpdatedAt,
		CreatedAt:        e.CreatedAt,
	}
}

func mapExecutions(items []domain.Execution) []ExecutionResponse {
	res := make([]ExecutionResponse, 0, len(items))
	for _, e := range items {
		res = append(res, executionResponse(e))
	}
	return res
}

func transitionResponse(t domain.Transition) TransitionResponse {
	resp := TransitionResponse{Seq: t.Seq, State: t.State, TS: t.TS}
	if t.MetadataJSON != nil {
		_ = json.Unmarshal([]byte(*t.MetadataJSON), &resp.Metadata)
	}
	return resp
}

func statusResponse(st orchestrator.Status) ExecutionStatusResponse {
	resp := ExecutionStatusResponse{
		Execution:  executionResponse(st.Execution),
		History:    []TransitionResponse{},
		ItemCounts: st.ItemCounts,
		Reports:    st.Reports,
		Progress:   st.Progress,
	}
	for _, t := range st.History {
		resp.History = append(resp.History, transitionResponse(t))
	}
	return resp
}

func deliverableResponse(d domain.Deliverable) DeliverableResponse {
	resp := DeliverableResponse{
		ExecutionID: d.ExecutionID,
		Phase:       d.Phase,
		AgentTask:   d.AgentTask,
		ItemType:    d.ItemType,
		ItemID:      d.ItemID,
		RawContent:  d.RawContent,
		Parsed:      d.Parsed,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.ParentRef != nil {
		resp.ParentRef = *d.ParentRef
	}
	if d.StructuredJSON != nil {
		_ = json.Unmarshal([]byte(*d.StructuredJSON), &resp.Structured)
	}
	if d.ParseError != nil {
		resp.ParseError = *d.ParseError
	}
	return resp
}

func mapDeliverables(items []domain.Deliverable) []DeliverableResponse {
	res := make([]DeliverableResponse, 0, len(items))
	for _, d := range items {
		res = append(res, deliverableResponse(d))
	}
	return res
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		ProjectID:   evt.ProjectID,
		ExecutionID: evt.ExecutionID,
		ActorID:     evt.ActorID,
		Payload:     payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		res = append(res, eventResponse(evt))
	}
	return res
}
