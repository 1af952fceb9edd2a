package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const walletColumns = `user_id, balance, provider_wallet_id, address, updated_at`

func scanWallet(row rowScanner) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.UserID, &w.Balance, &w.ProviderWalletID, &w.Address, &w.UpdatedAt)
	return w, err
}

const txColumns = `id, user_id, amount, balance_after, type, description, reference, created_at`

func scanTransaction(row rowScanner) (CreditTransaction, error) {
	var t CreditTransaction
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.BalanceAfter, &t.Type, &t.Description, &t.Reference, &t.CreatedAt)
	return t, err
}

// GetWallet loads the wallet of a user.
func (r *Repository) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id::text = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", notFound(err))
	}
	return &w, nil
}

// WalletByProviderID resolves a wallet from the custodial provider's wallet id.
func (r *Repository) WalletByProviderID(ctx context.Context, providerID string) (*Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE provider_wallet_id = $1`, providerID))
	if err != nil {
		return nil, fmt.Errorf("wallet by provider id: %w", notFound(err))
	}
	return &w, nil
}

// SetWalletProvider links a user's wallet row to a custodial wallet, creating the row if needed.
func (r *Repository) SetWalletProvider(ctx context.Context, userID, providerID, address string) (*Wallet, error) {
	const q = `
INSERT INTO wallets (user_id, provider_wallet_id, address)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE
SET provider_wallet_id = EXCLUDED.provider_wallet_id, address = EXCLUDED.address, updated_at = NOW()
RETURNING ` + walletColumns
	w, err := scanWallet(r.pool.QueryRow(ctx, q, userID, providerID, strPtr(address)))
	if err != nil {
		return nil, fmt.Errorf("set wallet provider: %w", err)
	}
	return &w, nil
}

// lockBalance returns the current balance with the wallet row locked for the rest of tx.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return 0, fmt.Errorf("ensure wallet: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("lock wallet: %w", err)
	}
	return balance, nil
}

// appendLedger writes the new balance and its ledger row inside tx.
func appendLedger(ctx context.Context, tx pgx.Tx, entry LedgerEntry, balanceAfter int64) (*CreditTransaction, error) {
	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = NOW() WHERE user_id = $1`, entry.UserID, balanceAfter); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	const q = `
INSERT INTO credit_transactions (user_id, amount, balance_after, type, description, reference)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + txColumns
	t, err := scanTransaction(tx.QueryRow(ctx, q, entry.UserID, entry.Amount, balanceAfter, entry.Type,
		strPtr(entry.Description), strPtr(entry.Reference)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("ledger %s %s: %w", entry.Type, entry.Reference, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert ledger row: %w", err)
	}
	return &t, nil
}

// ApplyLedgerEntry adjusts a balance by entry.Amount and appends the matching ledger row.
// Debits that would overdraw return ErrInsufficientCredits. A repeated (type, reference)
// pair returns ErrAlreadyExists and leaves the balance untouched.
func (r *Repository) ApplyLedgerEntry(ctx context.Context, entry LedgerEntry) (*CreditTransaction, error) {
	var out *CreditTransaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, entry.UserID)
		if err != nil {
			return err
		}
		next := balance + entry.Amount
		if next < 0 {
			return ErrInsufficientCredits
		}
		out, err = appendLedger(ctx, tx, entry, next)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncBalance sets the balance to an externally reported value. When it differs from the
// stored one, the difference is recorded as a ledger row of txType. Returns nil when unchanged.
func (r *Repository) SyncBalance(ctx context.Context, userID string, balance int64, txType, description, reference string) (*CreditTransaction, error) {
	var out *CreditTransaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current == balance {
			return nil
		}
		out, err = appendLedger(ctx, tx, LedgerEntry{
			UserID:      userID,
			Amount:      balance - current,
			Type:        txType,
			Description: description,
			Reference:   reference,
		}, balance)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecentTransactions returns a user's newest ledger rows.
func (r *Repository) RecentTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE user_id::text = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListTransactions returns one admin page of the ledger.
// Sort accepts created_at or amount; anything else falls back to created_at.
func (r *Repository) ListTransactions(ctx context.Context, params ListParams) ([]CreditTransaction, int, error) {
	var f filter
	if params.Type != "" {
		f.add(`type = ?`, params.Type)
	}
	if params.Search != "" {
		f.add(`description ILIKE ?`, likePattern(params.Search))
	}

	total, err := r.count(ctx, "credit_transactions", &f)
	if err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if params.Sort == "amount" {
		order = "amount"
	}
	dir := "ASC"
	if params.Desc {
		dir = "DESC"
	}

	q := `SELECT ` + txColumns + ` FROM credit_transactions` + f.where() +
		` ORDER BY ` + order + ` ` + dir + `, id LIMIT ` + f.next(1) + ` OFFSET ` + f.next(2)
	rows, err := r.pool.Query(ctx, q, append(f.args, PageSize, params.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	res, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

func collectTransactions(rows pgx.Rows) ([]CreditTransaction, error) {
	res := []CreditTransaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return res, nil
}
