package repo

import (
	"context"
	"fmt"
)

const buildColumns = `id, user_id, agent_id, platform, status, github_run_id, current_step, artifact_url, error_message, created_at, updated_at`

func scanBuild(row rowScanner) (Build, error) {
	var b Build
	err := row.Scan(&b.ID, &b.UserID, &b.AgentID, &b.Platform, &b.Status, &b.GitHubRunID,
		&b.CurrentStep, &b.ArtifactURL, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// CreateBuild inserts a queued build.
func (r *Repository) CreateBuild(ctx context.Context, userID, platform string, agentID *string) (*Build, error) {
	const q = `INSERT INTO builds (user_id, agent_id, platform) VALUES ($1, $2, $3) RETURNING ` + buildColumns
	b, err := scanBuild(r.pool.QueryRow(ctx, q, userID, agentID, platform))
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	return &b, nil
}

// GetBuild loads a build by id.
func (r *Repository) GetBuild(ctx context.Context, id string) (*Build, error) {
	b, err := scanBuild(r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id::text = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get build: %w", notFound(err))
	}
	return &b, nil
}

// UpdateBuild persists the mutable progress fields of b.
func (r *Repository) UpdateBuild(ctx context.Context, b Build) (*Build, error) {
	const q = `
UPDATE builds
SET status = $2, github_run_id = $3, current_step = $4, artifact_url = $5, error_message = $6, updated_at = NOW()
WHERE id::text = $1
RETURNING ` + buildColumns
	out, err := scanBuild(r.pool.QueryRow(ctx, q, b.ID, b.Status, b.GitHubRunID, b.CurrentStep, b.ArtifactURL, b.ErrorMessage))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("update build: run already bound: %w", ErrAlreadyExists)
		}
		return nil, fmt.Errorf("update build: %w", notFound(err))
	}
	return &out, nil
}

// ClaimedRunIDs reports which of runIDs are already bound to a build.
func (r *Repository) ClaimedRunIDs(ctx context.Context, runIDs []int64) (map[int64]bool, error) {
	claimed := make(map[int64]bool)
	if len(runIDs) == 0 {
		return claimed, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT github_run_id FROM builds WHERE github_run_id = ANY($1)`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("claimed runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed run: %w", err)
		}
		claimed[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed runs: %w", err)
	}
	return claimed, nil
}

// ListBuilds returns one admin page of builds, newest first.
func (r *Repository) ListBuilds(ctx context.Context, params ListParams) ([]Build, int, error) {
	var f filter
	if params.Status != "" {
		f.add(`status = ?`, params.Status)
	}
	total, err := r.count(ctx, "builds", &f)
	if err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + buildColumns + ` FROM builds` + f.where() +
		` ORDER BY created_at DESC LIMIT ` + f.next(1) + ` OFFSET ` + f.next(2)
	rows, err := r.pool.Query(ctx, q, append(f.args, PageSize, params.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	res := []Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan build: %w", err)
		}
		res = append(res, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate builds: %w", err)
	}
	return res, total, nil
}
