package market

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"xdrop/internal/auth"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
)

const (
	// TrialPeriod is how long a free trial lasts.
	TrialPeriod = 7 * 24 * time.Hour
	// LedgerPreview is how many ledger rows accompany the balance.
	LedgerPreview = 20
)

// Store is the persistence behind the marketplace.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*repo.Wallet, error)
	RecentTransactions(ctx context.Context, userID string, limit int) ([]repo.CreditTransaction, error)
	GetAgent(ctx context.Context, id string) (*repo.Agent, error)
	HasPurchased(ctx context.Context, userID, agentID string) (bool, error)
	PurchaseAgent(ctx context.Context, userID string, agent repo.Agent) (*repo.Purchase, *repo.CreditTransaction, error)
	StartTrial(ctx context.Context, userID, agentID string, expiresAt time.Time) (*repo.Trial, error)
}

// Service serves credit balances, agent purchases and trials.
type Service struct {
	store   Store
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates the marketplace service.
func NewService(store Store, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, now: time.Now, logger: logger.With("component", "market"), metrics: m}
}

// Register mounts the marketplace routes.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /functions/credits", s.handleCredits)
	mux.HandleFunc("POST /functions/agents/{id}/purchase", s.handlePurchase)
	mux.HandleFunc("POST /functions/agents/{id}/trial", s.handleTrial)
}

type creditsResponse struct {
	Balance      int64                    `json:"balance"`
	Transactions []repo.CreditTransaction `json:"transactions"`
}

func (s *Service) handleCredits(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	resp := creditsResponse{Transactions: []repo.CreditTransaction{}}

	wallet, err := s.store.GetWallet(r.Context(), user.ID)
	switch {
	case err == nil:
		resp.Balance = wallet.Balance
	case errors.Is(err, repo.ErrNotFound):
	default:
		s.internalError(w, "get wallet", err)
		return
	}

	txs, err := s.store.RecentTransactions(r.Context(), user.ID, LedgerPreview)
	if err != nil {
		s.internalError(w, "recent transactions", err)
		return
	}
	if txs != nil {
		resp.Transactions = txs
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type purchaseResponse struct {
	Purchase    *repo.Purchase          `json:"purchase"`
	Transaction *repo.CreditTransaction `json:"transaction"`
	Balance     int64                   `json:"balance"`
}

func (s *Service) handlePurchase(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	agent, ok := s.publishedAgent(w, r)
	if !ok {
		return
	}

	owned, err := s.store.HasPurchased(r.Context(), user.ID, agent.ID)
	if err != nil {
		s.internalError(w, "check purchase", err)
		return
	}
	if owned {
		httputil.Error(w, http.StatusConflict, "agent already purchased")
		return
	}

	purchase, tx, err := s.store.PurchaseAgent(r.Context(), user.ID, *agent)
	switch {
	case errors.Is(err, repo.ErrInsufficientCredits):
		httputil.Error(w, http.StatusPaymentRequired, "insufficient credits")
		return
	case errors.Is(err, repo.ErrAlreadyExists):
		httputil.Error(w, http.StatusConflict, "agent already purchased")
		return
	case err != nil:
		s.internalError(w, "purchase agent", err)
		return
	}

	s.logger.Info("agent purchased", "user_id", user.ID, "agent_id", agent.ID, "price", agent.Price)
	resp := purchaseResponse{Purchase: purchase, Transaction: tx}
	if tx != nil {
		resp.Balance = tx.BalanceAfter
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) handleTrial(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	agent, ok := s.publishedAgent(w, r)
	if !ok {
		return
	}

	trial, err := s.store.StartTrial(r.Context(), user.ID, agent.ID, s.now().Add(TrialPeriod))
	if errors.Is(err, repo.ErrAlreadyExists) {
		httputil.Error(w, http.StatusConflict, "trial already used for this agent")
		return
	}
	if err != nil {
		s.internalError(w, "start trial", err)
		return
	}
	s.logger.Info("agent trial started", "user_id", user.ID, "agent_id", agent.ID, "expires_at", trial.ExpiresAt)
	httputil.WriteJSON(w, http.StatusOK, trial)
}

func (s *Service) publishedAgent(w http.ResponseWriter, r *http.Request) (*repo.Agent, bool) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, repo.ErrNotFound) {
		httputil.Error(w, http.StatusNotFound, "agent not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, "get agent", err)
		return nil, false
	}
	if agent.Status != repo.AgentStatusPublished {
		httputil.Error(w, http.StatusBadRequest, "agent is not available")
		return nil, false
	}
	return agent, true
}

func (s *Service) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("market request failed", "op", op, "error", err)
	s.metrics.IncError("market")
	httputil.Error(w, http.StatusInternalServerError, err.Error())
}
