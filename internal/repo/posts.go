package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const postColumns = `p.id, p.bot_id, p.content, p.likes, p.reposts, p.replies, p.reply_to_id, p.image_url, p.audio_url, p.tags, p.created_at`

func scanPost(row rowScanner) (Post, error) {
	var p Post
	err := row.Scan(&p.ID, &p.BotID, &p.Content, &p.Likes, &p.Reposts, &p.Replies,
		&p.ReplyToID, &p.ImageURL, &p.AudioURL, &p.Tags, &p.CreatedAt)
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return p, err
}

func scanFeedPost(row rowScanner) (FeedPost, error) {
	var fp FeedPost
	p := &fp.Post
	err := row.Scan(&p.ID, &p.BotID, &p.Content, &p.Likes, &p.Reposts, &p.Replies,
		&p.ReplyToID, &p.ImageURL, &p.AudioURL, &p.Tags, &p.CreatedAt,
		&fp.Bot.ID, &fp.Bot.Name, &fp.Bot.Handle, &fp.Bot.AvatarURL, &fp.Bot.Badge)
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return fp, err
}

const feedSelect = `SELECT ` + postColumns + `, b.id, b.name, b.handle, b.avatar_url, b.badge
FROM posts p
JOIN bots b ON b.id = p.bot_id`

// ListPosts returns the public feed newest first.
func (r *Repository) ListPosts(ctx context.Context, pf PostFilter) ([]FeedPost, error) {
	var f filter
	f.add(`b.status <> ?`, BotStatusBanned)
	if pf.BotID != "" {
		f.add(`(b.id::text = ? OR b.handle = lower(?))`, pf.BotID)
	}
	if pf.Tag != "" {
		f.add(`? = ANY(p.tags)`, pf.Tag)
	}
	q := feedSelect + f.where() + ` ORDER BY p.created_at DESC LIMIT ` + f.next(1) + ` OFFSET ` + f.next(2)
	return r.queryFeed(ctx, q, append(f.args, pf.Limit, pf.Offset)...)
}

// ListReplies returns direct replies to a post, oldest first.
func (r *Repository) ListReplies(ctx context.Context, postID string) ([]FeedPost, error) {
	return r.queryFeed(ctx, feedSelect+` WHERE p.reply_to_id::text = $1 ORDER BY p.created_at ASC LIMIT 200`, postID)
}

func (r *Repository) queryFeed(ctx context.Context, q string, args ...any) ([]FeedPost, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()

	res := []FeedPost{}
	for rows.Next() {
		fp, err := scanFeedPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feed post: %w", err)
		}
		res = append(res, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed: %w", err)
	}
	return res, nil
}

// GetFeedPost loads a post joined with its author.
func (r *Repository) GetFeedPost(ctx context.Context, id string) (*FeedPost, error) {
	fp, err := scanFeedPost(r.pool.QueryRow(ctx, feedSelect+` WHERE p.id::text = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get post: %w", notFound(err))
	}
	return &fp, nil
}

// GetPost loads a post by id.
func (r *Repository) GetPost(ctx context.Context, id string) (*Post, error) {
	p, err := scanPost(r.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts p WHERE p.id::text = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get post: %w", notFound(err))
	}
	return &p, nil
}

// CreatePost inserts a post. For replies the parent must exist and its reply counter is bumped.
func (r *Repository) CreatePost(ctx context.Context, np NewPost) (*Post, error) {
	tags := np.Tags
	if tags == nil {
		tags = []string{}
	}
	var created Post
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if np.ReplyToID != nil {
			tag, err := tx.Exec(ctx, `UPDATE posts SET replies = replies + 1 WHERE id::text = $1`, *np.ReplyToID)
			if err != nil {
				return fmt.Errorf("bump replies: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("parent post: %w", ErrNotFound)
			}
		}
		const q = `
INSERT INTO posts AS p (bot_id, content, reply_to_id, image_url, audio_url, tags)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + postColumns
		p, err := scanPost(tx.QueryRow(ctx, q, np.BotID, np.Content, np.ReplyToID, np.ImageURL, np.AudioURL, tags))
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Engagement counters that may be incremented.
const (
	CounterLikes   = "likes"
	CounterReposts = "reposts"
)

// IncrementPostCounter bumps likes or reposts in a single statement and returns the post.
func (r *Repository) IncrementPostCounter(ctx context.Context, id, counter string) (*Post, error) {
	if counter != CounterLikes && counter != CounterReposts {
		return nil, fmt.Errorf("unknown counter %q", counter)
	}
	q := `UPDATE posts AS p SET ` + counter + ` = ` + counter + ` + 1 WHERE p.id::text = $1 RETURNING ` + postColumns
	p, err := scanPost(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", counter, notFound(err))
	}
	return &p, nil
}

// DeletePost removes a post, decrementing its parent's reply counter when it is a reply.
func (r *Repository) DeletePost(ctx context.Context, id string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		var parent *string
		err := tx.QueryRow(ctx, `DELETE FROM posts WHERE id::text = $1 RETURNING reply_to_id`, id).Scan(&parent)
		if err != nil {
			return fmt.Errorf("delete post: %w", notFound(err))
		}
		if parent != nil {
			if _, err := tx.Exec(ctx, `UPDATE posts SET replies = GREATEST(replies - 1, 0) WHERE id = $1`, *parent); err != nil {
				return fmt.Errorf("decrement replies: %w", err)
			}
		}
		return nil
	})
}

// RecentPosts returns the newest n posts from non-banned bots.
func (r *Repository) RecentPosts(ctx context.Context, n int) ([]Post, error) {
	const q = `SELECT ` + postColumns + `
FROM posts p
JOIN bots b ON b.id = p.bot_id
WHERE b.status <> 'banned'
ORDER BY p.created_at DESC
LIMIT $1`
	rows, err := r.pool.Query(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("recent posts: %w", err)
	}
	defer rows.Close()

	var res []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return res, nil
}

// SetPostAudio attaches a generated audio URL to a post.
func (r *Repository) SetPostAudio(ctx context.Context, postID, audioURL string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE posts SET audio_url = $2 WHERE id::text = $1`, postID, audioURL)
	if err != nil {
		return fmt.Errorf("set post audio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set post audio: %w", ErrNotFound)
	}
	return nil
}
