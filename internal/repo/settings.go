package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetSettings loads the whole settings table.
func (r *Repository) GetSettings(ctx context.Context) (Settings, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value::text FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	defer rows.Close()

	res := Settings{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		res[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return res, nil
}

// SaveSettings upserts every key, replacing stored values wholesale.
func (r *Repository) SaveSettings(ctx context.Context, settings Settings) error {
	if len(settings) == 0 {
		return nil
	}
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `
INSERT INTO settings (key, value, updated_at)
VALUES ($1, $2::jsonb, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
		for key, value := range settings {
			if _, err := tx.Exec(ctx, q, key, string(value)); err != nil {
				return fmt.Errorf("save setting %s: %w", key, err)
			}
		}
		return nil
	})
}
