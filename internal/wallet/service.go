package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"xdrop/internal/auth"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
)

// Provider event types.
const (
	EventBalanceUpdated      = "balance.updated"
	EventDepositCompleted    = "deposit.completed"
	EventWithdrawalCompleted = "withdrawal.completed"
)

// Store is the persistence the wallet service needs.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*repo.Wallet, error)
	WalletByProviderID(ctx context.Context, providerID string) (*repo.Wallet, error)
	SetWalletProvider(ctx context.Context, userID, providerID, address string) (*repo.Wallet, error)
	SyncBalance(ctx context.Context, userID string, balance int64, txType, description, reference string) (*repo.CreditTransaction, error)
	ApplyLedgerEntry(ctx context.Context, entry repo.LedgerEntry) (*repo.CreditTransaction, error)
}

// Provider is the custodial wallet API.
type Provider interface {
	CreateWallet(ctx context.Context, userID string) (*ProviderWallet, error)
	Balance(ctx context.Context, walletID string) (int64, error)
	InvalidateBalance(ctx context.Context, walletID string)
}

// Service links users to custodial wallets and keeps the local ledger in step with the provider.
type Service struct {
	store    Store
	provider Provider
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewService builds a wallet service.
func NewService(store Store, provider Provider, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		provider: provider,
		logger:   logger.With("component", "wallet"),
		metrics:  m,
	}
}

// Register mounts the user-facing wallet routes. Callers must already be authenticated.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /functions/wallet", s.handleCreate)
	mux.HandleFunc("GET /functions/wallet/balance", s.handleBalance)
}

// EnsureWallet returns the user's custodial wallet, creating it upstream on first use.
func (s *Service) EnsureWallet(ctx context.Context, userID string) (*repo.Wallet, bool, error) {
	existing, err := s.store.GetWallet(ctx, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil && existing.ProviderWalletID != nil {
		return existing, false, nil
	}

	pw, err := s.provider.CreateWallet(ctx, userID)
	if err != nil {
		return nil, false, &UpstreamError{Err: err}
	}
	w, err := s.store.SetWalletProvider(ctx, userID, pw.ID, pw.Address)
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("custodial wallet created", "user_id", userID, "wallet_id", pw.ID)
	return w, true, nil
}

// SyncedBalance fetches the provider balance and mirrors it into the local wallet row.
func (s *Service) SyncedBalance(ctx context.Context, userID string) (*repo.Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.ProviderWalletID == nil {
		return w, nil
	}
	balance, err := s.provider.Balance(ctx, *w.ProviderWalletID)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	if _, err := s.store.SyncBalance(ctx, userID, balance, repo.TxTypeWalletSync, "Balance synced from wallet provider", ""); err != nil {
		return nil, fmt.Errorf("sync balance: %w", err)
	}
	w.Balance = balance
	return w, nil
}

// HandleWalletEvent applies a verified provider event. Unknown events and wallets are ignored.
func (s *Service) HandleWalletEvent(ctx context.Context, event WebhookEvent) error {
	logger := s.logger.With("event", event.Type, "event_id", event.ID, "wallet_id", event.WalletID)
	if !KnownEvent(event.Type) {
		logger.Info("ignoring wallet event")
		return nil
	}
	if event.WalletID == "" {
		logger.Warn("wallet event without wallet id")
		return nil
	}
	w, err := s.store.WalletByProviderID(ctx, event.WalletID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			logger.Warn("wallet event for unknown wallet")
			return nil
		}
		return err
	}
	defer s.provider.InvalidateBalance(ctx, event.WalletID)

	switch event.Type {
	case EventBalanceUpdated:
		if event.Balance == nil {
			logger.Warn("balance event without balance")
			return nil
		}
		_, err = s.store.SyncBalance(ctx, w.UserID, *event.Balance, repo.TxTypeWalletSync, "Wallet balance updated", event.ID)
	case EventDepositCompleted:
		_, err = s.store.ApplyLedgerEntry(ctx, repo.LedgerEntry{
			UserID:      w.UserID,
			Amount:      abs(event.Amount),
			Type:        repo.TxTypeDeposit,
			Description: "Deposit completed",
			Reference:   event.ID,
		})
	case EventWithdrawalCompleted:
		_, err = s.store.ApplyLedgerEntry(ctx, repo.LedgerEntry{
			UserID:      w.UserID,
			Amount:      -abs(event.Amount),
			Type:        repo.TxTypeWithdrawal,
			Description: "Withdrawal completed",
			Reference:   event.ID,
		})
	}

	switch {
	case err == nil:
		logger.Info("wallet event applied", "user_id", w.UserID)
		return nil
	case errors.Is(err, repo.ErrAlreadyExists):
		logger.Info("duplicate wallet event skipped")
		return nil
	case errors.Is(err, repo.ErrInsufficientCredits):
		logger.Warn("withdrawal exceeds local balance", "user_id", w.UserID, "amount", event.Amount)
		return nil
	default:
		return fmt.Errorf("apply %s: %w", event.Type, err)
	}
}

// KnownEvent reports whether eventType is one the service applies.
func KnownEvent(eventType string) bool {
	switch eventType {
	case EventBalanceUpdated, EventDepositCompleted, EventWithdrawalCompleted:
		return true
	}
	return false
}

// UpstreamError marks failures of the wallet provider.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	wlt, created, err := s.EnsureWallet(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, "create wallet", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, wlt)
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	wlt, err := s.SyncedBalance(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, "wallet balance", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wlt)
}

func (s *Service) writeError(w http.ResponseWriter, op string, err error) {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httputil.Error(w, http.StatusNotFound, "wallet not found")
	case errors.As(err, &upstream):
		s.logger.Warn("wallet provider failed", "op", op, "error", err)
		s.metrics.IncError("wallet_upstream")
		httputil.Error(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("wallet request failed", "op", op, "error", err)
		s.metrics.IncError("wallet")
		httputil.Error(w, http.StatusInternalServerError, err.Error())
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
