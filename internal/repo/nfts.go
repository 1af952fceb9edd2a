package repo

import (
	"context"
	"fmt"
)

const mintColumns = `id, user_id, agent_id, name, description, image_url, metadata_url, token_id, tx_hash, status, error_message, created_at, updated_at`

func scanMint(row rowScanner) (NFTMint, error) {
	var m NFTMint
	err := row.Scan(&m.ID, &m.UserID, &m.AgentID, &m.Name, &m.Description, &m.ImageURL, &m.MetadataURL,
		&m.TokenID, &m.TxHash, &m.Status, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// CreateMint inserts a pending mint record.
func (r *Repository) CreateMint(ctx context.Context, userID, agentID, name string, description *string) (*NFTMint, error) {
	const q = `INSERT INTO nft_mints (user_id, agent_id, name, description) VALUES ($1, $2, $3, $4) RETURNING ` + mintColumns
	m, err := scanMint(r.pool.QueryRow(ctx, q, userID, agentID, name, description))
	if err != nil {
		return nil, fmt.Errorf("create mint: %w", err)
	}
	return &m, nil
}

// UpdateMint persists pipeline progress of m.
func (r *Repository) UpdateMint(ctx context.Context, m NFTMint) (*NFTMint, error) {
	const q = `
UPDATE nft_mints
SET image_url = $2, metadata_url = $3, token_id = $4, tx_hash = $5, status = $6, error_message = $7, updated_at = NOW()
WHERE id::text = $1
RETURNING ` + mintColumns
	out, err := scanMint(r.pool.QueryRow(ctx, q, m.ID, m.ImageURL, m.MetadataURL, m.TokenID, m.TxHash, m.Status, m.ErrorMessage))
	if err != nil {
		return nil, fmt.Errorf("update mint: %w", notFound(err))
	}
	return &out, nil
}
