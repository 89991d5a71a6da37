// Package server exposes the orchestrator over HTTP. Handlers are thin:
// they validate input, delegate to the orchestrator or repo, and map
// typed errors onto the API error envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"specline/internal/agent"
	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/orchestrator"
	"specline/internal/repo"
	"specline/internal/state"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Repo         repo.Repo
	ProjectCfg   *config.Config
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition queued -> complete"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Specline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Specline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerExecutions(group, cfg)
	registerDeliverables(group, cfg)
	registerReports(group, cfg)
	registerEvents(group, cfg)
	registerAPIKeys(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var invalid *state.InvalidTransitionError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": invalid.From,
			"to":   invalid.To,
		})
	}
	var notWaiting *orchestrator.ErrNotWaiting
	if errors.As(err, &notWaiting) {
		return newAPIError(http.StatusConflict, "not_waiting", err.Error(), map[string]any{
			"state":      notWaiting.State,
			"checkpoint": notWaiting.Checkpoint,
		})
	}
	var invocation *agent.InvocationError
	if errors.As(err, &invocation) {
		return newAPIError(http.StatusUnprocessableEntity, "invocation_failure", err.Error(), map[string]any{
			"task_id": invocation.TaskID,
			"timeout": invocation.Timeout,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "cannot be resumed") || strings.Contains(lowered, "unknown checkpoint") || strings.Contains(lowered, "unknown decision"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Specline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := cfg.Repo.CountExecutionsByState(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project":          projectResponse(p),
			"execution_counts": counts,
		}}, nil
	})
}

func registerExecutions(api huma.API, cfg Config) {
	o := cfg.Orchestrator

	huma.Register(api, huma.Operation{
		OperationID:   "create-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Create execution",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateExecutionRequest `json:"body"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ProblemStatement) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "problem_statement is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := o.CreateExecution(ctx, cfg.ProjectCfg.Project.ID, input.Body.ProblemStatement, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Start {
			e, err = o.StartAsync(ctx, e.ID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ExecutionResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListExecutions(ctx, repo.ExecutionFilters{
			ProjectID: cfg.ProjectCfg.Project.ID,
			State:     input.State,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ExecutionResponse `json:"body"`
		}{Body: mapExecutions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Execution status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ExecutionStatusResponse `json:"body"`
	}, error) {
		st, err := o.Status(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionStatusResponse `json:"body"`
		}{Body: statusResponse(st)}, nil
	})

	type idPath struct {
		ID string `path:"id"`
	}
	type executionOut struct {
		Body ExecutionResponse `json:"body"`
	}
	lifecycle := []struct {
		op      string
		action  string
		summary string
		call    func(ctx context.Context, id, actorID string) (domain.Execution, error)
	}{
		{"start-execution", "start", "Start execution", func(ctx context.Context, id, _ string) (domain.Execution, error) {
			return o.StartAsync(ctx, id)
		}},
		{"resume-execution", "resume", "Resume execution", func(ctx context.Context, id, _ string) (domain.Execution, error) {
			return o.ResumeAsync(ctx, id)
		}},
		{"retry-execution", "retry", "Retry failed execution", func(ctx context.Context, id, _ string) (domain.Execution, error) {
			return o.RetryAsync(ctx, id)
		}},
		{"cancel-execution", "cancel", "Cancel execution", func(ctx context.Context, id, actorID string) (domain.Execution, error) {
			return o.Cancel(ctx, id, actorID)
		}},
	}
	for _, lc := range lifecycle {
		lc := lc
		huma.Register(api, huma.Operation{
			OperationID: lc.op,
			Method:      http.MethodPost,
			Path:        "/executions/{id}/" + lc.action,
			Summary:     lc.summary,
			Errors: []int{
				http.StatusConflict,
				http.StatusNotFound,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *idPath) (*executionOut, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			e, err := lc.call(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &executionOut{Body: executionResponse(e)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{id}/approval",
		Summary:     "Resolve approval checkpoint",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ApprovalRequest `json:"body"`
	}) (*executionOut, error) {
		if input.Body.Checkpoint == "" || input.Body.Decision == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "checkpoint and decision are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := o.ApproveAsync(ctx, input.ID, input.Body.Checkpoint, input.Body.Decision, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionOut{Body: executionResponse(e)}, nil
	})
}

func registerDeliverables(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/items",
		Summary:     "List deliverables",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		Phase     string `query:"phase"`
		ItemType  string `query:"item_type"`
		ParentRef string `query:"parent_ref"`
	}) (*struct {
		Body []DeliverableResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListDeliverables(ctx, repo.DeliverableFilters{
			ExecutionID: input.ID,
			Phase:       input.Phase,
			ItemType:    input.ItemType,
			ParentRef:   input.ParentRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DeliverableResponse `json:"body"`
		}{Body: mapDeliverables(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deliverable",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/items/{item_type}/{item_id}",
		Summary:     "Get deliverable",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		ItemType string `path:"item_type"`
		ItemID   string `path:"item_id"`
	}) (*struct {
		Body DeliverableResponse `json:"body"`
	}, error) {
		d, err := cfg.Repo.GetDeliverable(ctx, input.ID, input.ItemType, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverableResponse `json:"body"`
		}{Body: deliverableResponse(d)}, nil
	})
}

func registerReports(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-coverage-reports",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/reports",
		Summary:     "List coverage reports",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.CoverageReport `json:"body"`
	}, error) {
		reports, err := cfg.Repo.ListCoverageReports(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if reports == nil {
			reports = []domain.CoverageReport{}
		}
		return &struct {
			Body []domain.CoverageReport `json:"body"`
		}{Body: reports}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type        string `query:"type"`
		ExecutionID string `query:"execution_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.LatestEvents(ctx, input.Limit, cfg.ProjectCfg.Project.ID, input.Type, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerAPIKeys(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		secret := uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := cfg.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := cfg.Repo.ListAPIKeys(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		body := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			body = append(body, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := cfg.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
