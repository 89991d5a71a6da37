package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/repo"
)

const (
	webhookTickInterval = 2 * time.Second
	webhookHTTPTimeout  = 5 * time.Second
	webhookBatchSize    = 100
)

// hookState is one configured endpoint plus its delivery cursor. A
// failed delivery leaves the cursor in place so the event is retried
// on the next tick; ordering per hook is preserved.
type hookState struct {
	cfg     config.WebhookConfig
	client  *http.Client
	allowed map[string]struct{}
	cursor  int64
	primed  bool
}

func (h *hookState) wants(evtType string) bool {
	if h.allowed == nil {
		return true
	}
	_, ok := h.allowed[evtType]
	return ok
}

type webhookDispatcher struct {
	repo    repo.Repo
	project string
	hooks   []*hookState
}

// StartWebhookDispatcher tails the event log and posts matching events
// to the configured endpoints. No-op when none are configured.
func StartWebhookDispatcher(r repo.Repo, cfg *config.Config) {
	if cfg == nil || len(cfg.Webhooks) == 0 || strings.TrimSpace(cfg.Project.ID) == "" {
		return
	}
	d := &webhookDispatcher{repo: r, project: cfg.Project.ID}
	for _, wc := range cfg.Webhooks {
		if wc.Enabled != nil && !*wc.Enabled {
			continue
		}
		if strings.TrimSpace(wc.URL) == "" {
			continue
		}
		timeout := webhookHTTPTimeout
		if wc.TimeoutSeconds > 0 {
			timeout = time.Duration(wc.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hookState{
			cfg:     wc,
			client:  &http.Client{Timeout: timeout},
			allowed: allowedEvents(wc.Events),
		})
	}
	if len(d.hooks) == 0 {
		return
	}
	go d.run()
}

// allowedEvents returns nil (match everything) for an empty filter.
func allowedEvents(events []string) map[string]struct{} {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(webhookTickInterval)
	defer ticker.Stop()
	for {
		for _, h := range d.hooks {
			d.deliver(h)
		}
		<-ticker.C
	}
}

// deliver drains events after the hook's cursor, stopping at the first
// failed post.
func (d *webhookDispatcher) deliver(h *hookState) {
	ctx := context.Background()
	if !h.primed {
		// New hooks start at the log tail; history is not replayed.
		cur, err := d.repo.LatestEventID(ctx, d.project)
		if err != nil {
			log.Printf("webhook: init cursor failed: %v", err)
			return
		}
		h.cursor = cur
		h.primed = true
	}
	events, err := d.repo.EventsAfter(ctx, webhookBatchSize, h.cursor, d.project, "")
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if h.wants(evt.Type) {
			if err := d.post(ctx, h, evt); err != nil {
				log.Printf("webhook: deliver to %s failed: %v", h.cfg.URL, err)
				return
			}
		}
		h.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"project_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) post(ctx context.Context, h *hookState, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		ProjectID:   evt.ProjectID,
		ExecutionID: evt.ExecutionID,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Specline-Event", evt.Type)
	req.Header.Set("X-Specline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Specline-Project", d.project)
	if strings.TrimSpace(h.cfg.Secret) != "" {
		req.Header.Set("X-Specline-Secret", h.cfg.Secret)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
