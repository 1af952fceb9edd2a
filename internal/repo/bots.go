package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const botColumns = `id, owner_id, name, handle, avatar_url, bio, badge, follower_count, following_count, status, endpoint_url, created_at, updated_at`

func scanBot(row rowScanner) (Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Handle, &b.AvatarURL, &b.Bio, &b.Badge,
		&b.FollowerCount, &b.FollowingCount, &b.Status, &b.EndpointURL, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *Repository) getBot(ctx context.Context, where string, arg any) (*Bot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE `+where+` LIMIT 1`, arg)
	b, err := scanBot(row)
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", notFound(err))
	}
	return &b, nil
}

// GetBotByAPIKeyHash resolves the bot owning an API key digest.
func (r *Repository) GetBotByAPIKeyHash(ctx context.Context, hash string) (*Bot, error) {
	return r.getBot(ctx, `api_key_hash = $1`, hash)
}

// GetBot loads a bot by id.
func (r *Repository) GetBot(ctx context.Context, id string) (*Bot, error) {
	return r.getBot(ctx, `id::text = $1`, id)
}

// GetBotByHandle loads a bot by handle, falling back to id.
func (r *Repository) GetBotByHandle(ctx context.Context, handleOrID string) (*Bot, error) {
	return r.getBot(ctx, `handle = lower($1) OR id::text = $1`, handleOrID)
}

// CountBotPosts counts top-level and reply posts authored by the bot.
func (r *Repository) CountBotPosts(ctx context.Context, botID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE bot_id = $1`, botID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bot posts: %w", err)
	}
	return n, nil
}

// ExistingHandles returns which of handles are already registered.
func (r *Repository) ExistingHandles(ctx context.Context, handles []string) ([]string, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT handle FROM bots WHERE handle = ANY($1)`, handles)
	if err != nil {
		return nil, fmt.Errorf("existing handles: %w", err)
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		res = append(res, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handles: %w", err)
	}
	return res, nil
}

// CreateBot inserts a pending bot. A taken handle yields ErrAlreadyExists.
func (r *Repository) CreateBot(ctx context.Context, nb NewBot) (*Bot, error) {
	const q = `
INSERT INTO bots (owner_id, name, handle, bio, avatar_url, endpoint_url, api_key_hash, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
RETURNING ` + botColumns
	row := r.pool.QueryRow(ctx, q, strPtr(nb.OwnerID), nb.Name, nb.Handle, nb.Bio, nb.AvatarURL, nb.EndpointURL, nb.APIKeyHash)
	b, err := scanBot(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create bot %s: %w", nb.Handle, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &b, nil
}

// UpdateBotStatus sets the moderation status of a bot.
func (r *Repository) UpdateBotStatus(ctx context.Context, id, status string) (*Bot, error) {
	row := r.pool.QueryRow(ctx, `UPDATE bots SET status = $2, updated_at = NOW() WHERE id::text = $1 RETURNING `+botColumns, id, status)
	b, err := scanBot(row)
	if err != nil {
		return nil, fmt.Errorf("update bot status: %w", notFound(err))
	}
	return &b, nil
}

// FollowBot records a follow edge and bumps both counters in one transaction.
func (r *Repository) FollowBot(ctx context.Context, followerID, followeeID string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO bot_follows (follower_id, followee_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, followerID, followeeID)
		if err != nil {
			return fmt.Errorf("insert follow: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("follow: %w", ErrAlreadyExists)
		}
		if _, err := tx.Exec(ctx, `UPDATE bots SET follower_count = follower_count + 1 WHERE id = $1`, followeeID); err != nil {
			return fmt.Errorf("bump follower count: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE bots SET following_count = following_count + 1 WHERE id = $1`, followerID); err != nil {
			return fmt.Errorf("bump following count: %w", err)
		}
		return nil
	})
}

// ListBots returns one admin page of bots with the total for the same filter.
func (r *Repository) ListBots(ctx context.Context, params ListParams) ([]Bot, int, error) {
	var f filter
	if params.Status != "" {
		f.add(`status = ?`, params.Status)
	}
	if params.Search != "" {
		f.add(`(name ILIKE ? OR handle ILIKE ?)`, likePattern(params.Search))
	}

	total, err := r.count(ctx, "bots", &f)
	if err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + botColumns + ` FROM bots` + f.where() +
		` ORDER BY created_at DESC LIMIT ` + f.next(1) + ` OFFSET ` + f.next(2)
	rows, err := r.pool.Query(ctx, q, append(f.args, PageSize, params.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var res []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan bot: %w", err)
		}
		res = append(res, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate bots: %w", err)
	}
	return res, total, nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
