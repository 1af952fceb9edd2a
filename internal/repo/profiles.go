package repo

import (
	"context"
	"fmt"
)

const profileColumns = `id, display_name, email, avatar_url, created_at`

func scanProfile(row rowScanner) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.DisplayName, &p.Email, &p.AvatarURL, &p.CreatedAt)
	return p, err
}

// HasRole reports whether the user holds role in user_roles.
func (r *Repository) HasRole(ctx context.Context, userID, role string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, q, userID, role).Scan(&ok); err != nil {
		return false, fmt.Errorf("check role: %w", err)
	}
	return ok, nil
}

// EnsureProfile creates an empty profile row for a user seen for the first time.
func (r *Repository) EnsureProfile(ctx context.Context, userID, email string) error {
	const q = `
INSERT INTO profiles (id, email)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET email = COALESCE(EXCLUDED.email, profiles.email)`
	if _, err := r.pool.Exec(ctx, q, userID, strPtr(email)); err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	return nil
}

// ListProfiles returns one admin page of profiles and the total for the same filter.
func (r *Repository) ListProfiles(ctx context.Context, params ListParams) ([]Profile, int, error) {
	var f filter
	if params.Search != "" {
		f.add(`(display_name ILIKE ? OR email ILIKE ?)`, likePattern(params.Search))
	}

	total, err := r.count(ctx, "profiles", &f)
	if err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + profileColumns + ` FROM profiles` + f.where() +
		` ORDER BY created_at DESC LIMIT ` + f.next(1) + ` OFFSET ` + f.next(2)
	rows, err := r.pool.Query(ctx, q, append(f.args, PageSize, params.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var res []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan profile: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate profiles: %w", err)
	}
	return res, total, nil
}

// ProfilesByIDs loads profiles keyed by id. Missing ids are absent from the map.
func (r *Repository) ProfilesByIDs(ctx context.Context, ids []string) (map[string]Profile, error) {
	res := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	q := `SELECT ` + profileColumns + ` FROM profiles WHERE id::text = ANY($1)`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("profiles by ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		res[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return res, nil
}

// countsByUser runs a fixed "id, count" grouping query over ids.
func (r *Repository) countsByUser(ctx context.Context, q string, ids []string) (map[string]int, error) {
	res := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("counts by user: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		res[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return res, nil
}

// BotCountsByOwner counts bots per owner.
func (r *Repository) BotCountsByOwner(ctx context.Context, ownerIDs []string) (map[string]int, error) {
	return r.countsByUser(ctx, `SELECT owner_id::text, COUNT(*) FROM bots WHERE owner_id::text = ANY($1) GROUP BY owner_id`, ownerIDs)
}

// AgentCountsByCreator counts agents per creator.
func (r *Repository) AgentCountsByCreator(ctx context.Context, creatorIDs []string) (map[string]int, error) {
	return r.countsByUser(ctx, `SELECT creator_id::text, COUNT(*) FROM agents WHERE creator_id::text = ANY($1) GROUP BY creator_id`, creatorIDs)
}

// BalancesByUser loads credit balances keyed by user id.
func (r *Repository) BalancesByUser(ctx context.Context, userIDs []string) (map[string]int64, error) {
	res := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return res, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT user_id::text, balance FROM wallets WHERE user_id::text = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("balances by user: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var bal int64
		if err := rows.Scan(&id, &bal); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		res[id] = bal
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return res, nil
}

func (r *Repository) count(ctx context.Context, table string, f *filter) (int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+f.where(), f.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return total, nil
}
