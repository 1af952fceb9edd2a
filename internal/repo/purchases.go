package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const purchaseColumns = `id, user_id, agent_id, price_paid, status, expires_at, created_at`

func scanPurchase(row rowScanner) (Purchase, error) {
	var p Purchase
	err := row.Scan(&p.ID, &p.UserID, &p.AgentID, &p.PricePaid, &p.Status, &p.ExpiresAt, &p.CreatedAt)
	return p, err
}

const trialColumns = `id, user_id, agent_id, status, earnings_locked, expires_at, created_at`

func scanTrial(row rowScanner) (Trial, error) {
	var t Trial
	err := row.Scan(&t.ID, &t.UserID, &t.AgentID, &t.Status, &t.EarningsLocked, &t.ExpiresAt, &t.CreatedAt)
	return t, err
}

// HasPurchased reports whether the user already owns the agent.
func (r *Repository) HasPurchased(ctx context.Context, userID, agentID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchases WHERE user_id::text = $1 AND agent_id::text = $2)`, userID, agentID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check purchase: %w", err)
	}
	return ok, nil
}

// PurchaseAgent debits the buyer, records the ledger row and the purchase, and credits the
// agent's earnings, all in one transaction with the buyer's wallet row locked.
func (r *Repository) PurchaseAgent(ctx context.Context, userID string, agent Agent) (*Purchase, *CreditTransaction, error) {
	var (
		purchase Purchase
		ledger   *CreditTransaction
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance < agent.Price {
			return ErrInsufficientCredits
		}

		purchase, err = scanPurchase(tx.QueryRow(ctx,
			`INSERT INTO purchases (user_id, agent_id, price_paid, status) VALUES ($1, $2, $3, 'active') RETURNING `+purchaseColumns,
			userID, agent.ID, agent.Price))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("purchase agent %s: %w", agent.ID, ErrAlreadyExists)
			}
			return fmt.Errorf("insert purchase: %w", err)
		}

		ledger, err = appendLedger(ctx, tx, LedgerEntry{
			UserID:      userID,
			Amount:      -agent.Price,
			Type:        TxTypePurchase,
			Description: "Purchased agent " + agent.Name,
			Reference:   purchase.ID,
		}, balance-agent.Price)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE agents SET earnings = earnings + $2, updated_at = NOW() WHERE id = $1`, agent.ID, agent.Price); err != nil {
			return fmt.Errorf("credit agent earnings: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &purchase, ledger, nil
}

// StartTrial grants a free, earnings-locked trial. A second trial for the pair yields ErrAlreadyExists.
func (r *Repository) StartTrial(ctx context.Context, userID, agentID string, expiresAt time.Time) (*Trial, error) {
	const q = `
INSERT INTO trials (user_id, agent_id, status, earnings_locked, expires_at)
VALUES ($1, $2, 'active', TRUE, $3)
RETURNING ` + trialColumns
	t, err := scanTrial(r.pool.QueryRow(ctx, q, userID, agentID, expiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("start trial: %w", ErrAlreadyExists)
		}
		return nil, fmt.Errorf("start trial: %w", err)
	}
	return &t, nil
}

// ListPurchases returns one admin page of purchases.
func (r *Repository) ListPurchases(ctx context.Context, params ListParams) ([]Purchase, int, error) {
	var f filter
	if params.Status != "" {
		f.add(`status = ?`, params.Status)
	}
	total, err := r.count(ctx, "purchases", &f)
	if err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + purchaseColumns + ` FROM purchases` + f.where() +
		` ORDER BY created_at DESC LIMIT ` + f.next(1) + ` OFFSET ` + f.next(2)
	rows, err := r.pool.Query(ctx, q, append(f.args, PageSize, params.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	res := []Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan purchase: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate purchases: %w", err)
	}
	return res, total, nil
}

// RecentTrials returns the newest trials.
func (r *Repository) RecentTrials(ctx context.Context, limit int) ([]Trial, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+trialColumns+` FROM trials ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trials: %w", err)
	}
	defer rows.Close()

	res := []Trial{}
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	return res, nil
}
