// Package app bootstraps the active project: resolving which project a
// command targets and making sure its row and stored config exist.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/repo"
)

// ResolveProjectAndConfig returns the active project id and its stored
// config. An explicit override wins; otherwise a single-project
// database selects itself. Missing projects and configs are seeded
// from defaults on first touch.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
		projectID = p.ID
	}

	if _, err := r.GetProject(ctx, projectID); errors.Is(err, repo.ErrNotFound) {
		if err := createProject(ctx, r, projectID); err != nil {
			return "", nil, err
		}
	} else if err != nil {
		return "", nil, err
	}

	cfg, err := r.GetProjectConfig(ctx, projectID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		cfg = config.Default(projectID)
		if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	case err != nil:
		return "", nil, err
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// createProject inserts the project row and its default config in one
// transaction.
func createProject(ctx context.Context, r repo.Repo, projectID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:        projectID,
		Kind:      "agent-pipeline",
		Status:    "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, p.Description, p.CreatedAt); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, config.Default(projectID)); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	return tx.Commit()
}
