package repo

import (
	"context"
	"fmt"
)

const agentColumns = `id, creator_id, name, description, template_id, price, runs, earnings, status, created_at`

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.CreatorID, &a.Name, &a.Description, &a.TemplateID,
		&a.Price, &a.Runs, &a.Earnings, &a.Status, &a.CreatedAt)
	return a, err
}

// GetAgent loads an agent by id.
func (r *Repository) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id::text = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", notFound(err))
	}
	return &a, nil
}

// ListAgents returns one admin page of agents.
func (r *Repository) ListAgents(ctx context.Context, params ListParams) ([]Agent, int, error) {
	var f filter
	if params.Status != "" {
		f.add(`status = ?`, params.Status)
	}
	if params.Search != "" {
		f.add(`name ILIKE ?`, likePattern(params.Search))
	}

	total, err := r.count(ctx, "agents", &f)
	if err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + agentColumns + ` FROM agents` + f.where() +
		` ORDER BY created_at DESC LIMIT ` + f.next(1) + ` OFFSET ` + f.next(2)
	rows, err := r.pool.Query(ctx, q, append(f.args, PageSize, params.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var res []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan agent: %w", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate agents: %w", err)
	}
	return res, total, nil
}

// AgentsByIDs loads agents keyed by id.
func (r *Repository) AgentsByIDs(ctx context.Context, ids []string) (map[string]Agent, error) {
	res := make(map[string]Agent, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("agents by ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		res[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return res, nil
}

// TopAgents ranks agents by run count, then earnings.
func (r *Repository) TopAgents(ctx context.Context, limit int) ([]AgentRank, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, runs, earnings FROM agents ORDER BY runs DESC, earnings DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("top agents: %w", err)
	}
	defer rows.Close()

	res := []AgentRank{}
	for rows.Next() {
		var a AgentRank
		if err := rows.Scan(&a.ID, &a.Name, &a.Runs, &a.Earnings); err != nil {
			return nil, fmt.Errorf("scan agent rank: %w", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent ranks: %w", err)
	}
	return res, nil
}
