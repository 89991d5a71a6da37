package domain

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Execution is one pipeline run for one problem statement.
type Execution struct {
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

// Transition is one entry of an execution's append-only state history.
type Transition struct {
	ExecutionID  string  `json:"execution_id"`
	Seq          int     `json:"seq"`
	State        string  `json:"state"`
	TS           string  `json:"ts" format:"date-time"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
}

// Deliverable is one produced unit of work: a requirement item, a use case,
// a digest, a design revision, an expert review, a task item or the final
// document. Raw content is always present; structured content only when the
// raw output parsed.
type Deliverable struct {
	ExecutionID    string  `json:"execution_id"`
	Phase          string  `json:"phase"`
	AgentTask      string  `json:"agent_task"`
	ItemType       string  `json:"item_type"`
	ItemID         string  `json:"item_id"`
	ParentRef      *string `json:"parent_ref,omitempty"`
	RawContent     string  `json:"raw_content"`
	StructuredJSON *string `json:"structured_json,omitempty"`
	Parsed         bool    `json:"parsed"`
	ParseError     *string `json:"parse_error,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Gap is one coverage deficiency found by the validation loop.
type Gap struct {
	ElementID string `json:"element_id"`
	Reason    string `json:"reason"`
	Severity  string `json:"severity" enum:"low,medium,high"`
	Remedy    string `json:"remedy,omitempty"`
}

// CoverageReport is one validation snapshot. One row per loop iteration;
// all iterations are retained for audit.
type CoverageReport struct {
	ExecutionID    string             `json:"execution_id"`
	Iteration      int                `json:"iteration"`
	Score          float64            `json:"score"`
	DimensionScore map[string]float64 `json:"dimension_scores"`
	Gaps           []Gap              `json:"gaps,omitempty"`
	Accepted       bool               `json:"accepted"`
	CreatedAt      string             `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ProjectID   string `json:"project_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
