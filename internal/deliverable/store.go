// Package deliverable persists individual work products the moment an
// agent returns them, independent of whether the enclosing phase later
// succeeds. Raw output is recorded before structural parsing is attempted
// so a parse failure never loses the underlying work.
package deliverable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/repo"
)

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Store {
	return Store{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SaveItem is the unconditional record of "an agent produced this output".
// It never fails on content structure. A second call with the same
// (execution, item type, item id) supersedes the first.
func (s Store) SaveItem(ctx context.Context, executionID, phase, agentTask, itemType, parentRef, itemID, raw string) (domain.Deliverable, error) {
	if executionID == "" || itemType == "" || itemID == "" {
		return domain.Deliverable{}, errors.New("execution, item type and item id required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()

	e, err := s.Repo.GetExecutionTx(ctx, tx, executionID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	d := domain.Deliverable{
		ExecutionID: executionID,
		Phase:       phase,
		AgentTask:   agentTask,
		ItemType:    itemType,
		ItemID:      itemID,
		RawContent:  raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if parentRef != "" {
		d.ParentRef = &parentRef
	}
	if err := s.Repo.UpsertDeliverableTx(ctx, tx, d); err != nil {
		return domain.Deliverable{}, err
	}
	if err := s.Events.Append(ctx, tx, "deliverable.saved", e.ProjectID, executionID, agentTask, events.EventPayload{
		"phase":     phase,
		"item_type": itemType,
		"item_id":   itemID,
	}); err != nil {
		return domain.Deliverable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, err
	}
	return d, nil
}

// MarkParsed records the structured form of a previously saved item.
func (s Store) MarkParsed(ctx context.Context, executionID, itemType, itemID string, structured map[string]any) error {
	b, err := json.Marshal(structured)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.MarkDeliverableParsedTx(ctx, tx, executionID, itemType, itemID, string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkParseFailed records that the raw output did not parse; the raw
// content stays untouched.
func (s Store) MarkParseFailed(ctx context.Context, executionID, itemType, itemID, parseError string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.MarkDeliverableParseFailedTx(ctx, tx, executionID, itemType, itemID, parseError, now); err != nil {
		return err
	}
	return tx.Commit()
}
