package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"xdrop/internal/auth"
	"xdrop/internal/cache"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
)

// RoleAdmin is the user_roles value that unlocks this API.
const RoleAdmin = "admin"

// Store is the persistence the admin API needs.
type Store interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)

	ListProfiles(ctx context.Context, p repo.ListParams) ([]repo.Profile, int, error)
	ProfilesByIDs(ctx context.Context, ids []string) (map[string]repo.Profile, error)
	BotCountsByOwner(ctx context.Context, ids []string) (map[string]int, error)
	AgentCountsByCreator(ctx context.Context, ids []string) (map[string]int, error)
	BalancesByUser(ctx context.Context, ids []string) (map[string]int64, error)

	ListBots(ctx context.Context, p repo.ListParams) ([]repo.Bot, int, error)
	UpdateBotStatus(ctx context.Context, id, status string) (*repo.Bot, error)

	ListAgents(ctx context.Context, p repo.ListParams) ([]repo.Agent, int, error)
	AgentsByIDs(ctx context.Context, ids []string) (map[string]repo.Agent, error)
	TopAgents(ctx context.Context, limit int) ([]repo.AgentRank, error)

	ListPurchases(ctx context.Context, p repo.ListParams) ([]repo.Purchase, int, error)
	RecentTrials(ctx context.Context, limit int) ([]repo.Trial, error)
	ListTransactions(ctx context.Context, p repo.ListParams) ([]repo.CreditTransaction, int, error)

	ListReports(ctx context.Context, p repo.ListParams) ([]repo.Report, int, error)
	GetReport(ctx context.Context, id string) (*repo.Report, error)
	UpdateReport(ctx context.Context, id, from, to string, notes *string) (*repo.Report, error)

	ListBuilds(ctx context.Context, p repo.ListParams) ([]repo.Build, int, error)

	MetricTotal(ctx context.Context, metric string, from, to time.Time) (int64, error)

	GetSettings(ctx context.Context) (repo.Settings, error)
	SaveSettings(ctx context.Context, s repo.Settings) error
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.User, error)
}

type action struct {
	method string
	fn     func(w http.ResponseWriter, r *http.Request)
}

// Handler serves the single-endpoint admin API, dispatching on ?action=.
type Handler struct {
	store   Store
	authn   Authenticator
	cache   cache.JSONStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	actions map[string]action
}

// NewHandler builds the admin handler. cache and metrics may be nil.
func NewHandler(store Store, authn Authenticator, jsonCache cache.JSONStore, logger *slog.Logger, m *metrics.Metrics) *Handler {
	h := &Handler{
		store:   store,
		authn:   authn,
		cache:   jsonCache,
		logger:  logger.With("component", "admin"),
		metrics: m,
		now:     time.Now,
	}
	h.actions = map[string]action{
		"users":             {http.MethodGet, h.listUsers},
		"bots":              {http.MethodGet, h.listBots},
		"update_bot_status": {http.MethodPost, h.updateBotStatus},
		"agents":            {http.MethodGet, h.listAgents},
		"purchases":         {http.MethodGet, h.listPurchases},
		"transactions":      {http.MethodGet, h.listTransactions},
		"reports":           {http.MethodGet, h.listReports},
		"update_report":     {http.MethodPost, h.updateReport},
		"builds":            {http.MethodGet, h.listBuilds},
		"analytics":         {http.MethodGet, h.analytics},
		"get_settings":      {http.MethodGet, h.getSettings},
		"save_settings":     {http.MethodPost, h.saveSettings},
	}
	return h
}

// ServeHTTP authorizes the caller as an admin before looking at the requested action.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.authn.Authenticate(r)
	if err != nil {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ok, err := h.store.HasRole(r.Context(), user.ID, RoleAdmin)
	if err != nil {
		h.internalError(w, "check role", err)
		return
	}
	if !ok {
		h.logger.Warn("admin access denied", "user_id", user.ID)
		httputil.Error(w, http.StatusForbidden, "admin access required")
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("action"))
	act, found := h.actions[name]
	if !found {
		httputil.Error(w, http.StatusBadRequest, "unknown action")
		return
	}
	if r.Method != act.method {
		httputil.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	act.fn(w, r.WithContext(auth.WithUser(r.Context(), user)))
}

// Page is the envelope of paginated actions.
type Page struct {
	Data     any `json:"data"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func listParams(r *http.Request) repo.ListParams {
	q := r.URL.Query()
	return repo.ListParams{
		Page:   httputil.QueryInt(r, "page", 1, 1, repo.MaxPage),
		Search: strings.TrimSpace(q.Get("search")),
		Status: strings.TrimSpace(q.Get("status")),
		Type:   strings.TrimSpace(q.Get("type")),
		Sort:   strings.TrimSpace(q.Get("sort")),
		Desc:   !strings.EqualFold(q.Get("order"), "asc"),
	}
}

func writePage(w http.ResponseWriter, p repo.ListParams, data any, total int) {
	httputil.WriteJSON(w, http.StatusOK, Page{Data: data, Total: total, Page: p.Page, PageSize: repo.PageSize})
}

// UserRow is a profile with its per-user aggregates.
type UserRow struct {
	repo.Profile
	BotCount   int   `json:"bot_count"`
	AgentCount int   `json:"agent_count"`
	Balance    int64 `json:"credit_balance"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	p := listParams(r)
	profiles, total, err := h.store.ListProfiles(r.Context(), p)
	if err != nil {
		h.internalError(w, "list users", err)
		return
	}
	ids := make([]string, len(profiles))
	for i, pr := range profiles {
		ids[i] = pr.ID
	}
	bots, err := h.store.BotCountsByOwner(r.Context(), ids)
	if err != nil {
		h.internalError(w, "bot counts", err)
		return
	}
	agents, err := h.store.AgentCountsByCreator(r.Context(), ids)
	if err != nil {
		h.internalError(w, "agent counts", err)
		return
	}
	balances, err := h.store.BalancesByUser(r.Context(), ids)
	if err != nil {
		h.internalError(w, "balances", err)
		return
	}

	rows := make([]UserRow, len(profiles))
	for i, pr := range profiles {
		rows[i] = UserRow{Profile: pr, BotCount: bots[pr.ID], AgentCount: agents[pr.ID], Balance: balances[pr.ID]}
	}
	writePage(w, p, rows, total)
}

// BotRow is a bot with its owner joined.
type BotRow struct {
	repo.Bot
	Owner *repo.Profile `json:"owner"`
}

func (h *Handler) listBots(w http.ResponseWriter, r *http.Request) {
	p := listParams(r)
	bots, total, err := h.store.ListBots(r.Context(), p)
	if err != nil {
		h.internalError(w, "list bots", err)
		return
	}
	var ownerIDs []string
	for _, b := range bots {
		if b.OwnerID != nil {
			ownerIDs = append(ownerIDs, *b.OwnerID)
		}
	}
	owners, err := h.store.ProfilesByIDs(r.Context(), uniq(ownerIDs))
	if err != nil {
		h.internalError(w, "bot owners", err)
		return
	}

	rows := make([]BotRow, len(bots))
	for i, b := range bots {
		rows[i] = BotRow{Bot: b}
		if b.OwnerID != nil {
			rows[i].Owner = lookup(owners, *b.OwnerID)
		}
	}
	writePage(w, p, rows, total)
}

var botStatuses = map[string]bool{
	repo.BotStatusPending:  true,
	repo.BotStatusActive:   true,
	repo.BotStatusVerified: true,
	repo.BotStatusBanned:   true,
}

func (h *Handler) updateBotStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotID  string `json:"bot_id"`
		Status string `json:"status"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BotID == "" {
		httputil.Error(w, http.StatusBadRequest, "bot_id is required")
		return
	}
	if !botStatuses[req.Status] {
		httputil.Error(w, http.StatusBadRequest, "invalid status")
		return
	}
	bot, err := h.store.UpdateBotStatus(r.Context(), req.BotID, req.Status)
	if err != nil {
		h.storeError(w, "update bot status", "bot not found", err)
		return
	}
	h.logger.Info("bot status updated", "bot_id", bot.ID, "status", bot.Status, "by", auth.UserFromContext(r.Context()).ID)
	httputil.WriteJSON(w, http.StatusOK, bot)
}

// AgentRow is an agent with its creator joined.
type AgentRow struct {
	repo.Agent
	Creator *repo.Profile `json:"creator"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	p := listParams(r)
	agents, total, err := h.store.ListAgents(r.Context(), p)
	if err != nil {
		h.internalError(w, "list agents", err)
		return
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.CreatorID
	}
	creators, err := h.store.ProfilesByIDs(r.Context(), uniq(ids))
	if err != nil {
		h.internalError(w, "agent creators", err)
		return
	}
	rows := make([]AgentRow, len(agents))
	for i, a := range agents {
		rows[i] = AgentRow{Agent: a, Creator: lookup(creators, a.CreatorID)}
	}
	writePage(w, p, rows, total)
}

// PurchaseRow is a purchase with its agent and buyer joined.
type PurchaseRow struct {
	repo.Purchase
	Agent *repo.Agent   `json:"agent"`
	Buyer *repo.Profile `json:"buyer"`
}

func (h *Handler) listPurchases(w http.ResponseWriter, r *http.Request) {
	p := listParams(r)
	purchases, total, err := h.store.ListPurchases(r.Context(), p)
	if err != nil {
		h.internalError(w, "list purchases", err)
		return
	}
	trials, err := h.store.RecentTrials(r.Context(), repo.PageSize)
	if err != nil {
		h.internalError(w, "list trials", err)
		return
	}

	var agentIDs, userIDs []string
	for _, pu := range purchases {
		agentIDs = append(agentIDs, pu.AgentID)
		userIDs = append(userIDs, pu.UserID)
	}
	agents, err := h.store.AgentsByIDs(r.Context(), uniq(agentIDs))
	if err != nil {
		h.internalError(w, "purchase agents", err)
		return
	}
	buyers, err := h.store.ProfilesByIDs(r.Context(), uniq(userIDs))
	if err != nil {
		h.internalError(w, "purchase buyers", err)
		return
	}

	rows := make([]PurchaseRow, len(purchases))
	for i, pu := range purchases {
		rows[i] = PurchaseRow{Purchase: pu, Agent: lookup(agents, pu.AgentID), Buyer: lookup(buyers, pu.UserID)}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":      rows,
		"total":     total,
		"page":      p.Page,
		"page_size": repo.PageSize,
		"trials":    trials,
	})
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	p := listParams(r)
	if p.Sort != "" && p.Sort != "created_at" && p.Sort != "amount" {
		httputil.Error(w, http.StatusBadRequest, "sort must be created_at or amount")
		return
	}
	txs, total, err := h.store.ListTransactions(r.Context(), p)
	if err != nil {
		h.internalError(w, "list transactions", err)
		return
	}
	writePage(w, p, txs, total)
}

// ReportRow is a report with its reporter joined.
type ReportRow struct {
	repo.Report
	Reporter *repo.Profile `json:"reporter"`
}

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	p := listParams(r)
	reports, total, err := h.store.ListReports(r.Context(), p)
	if err != nil {
		h.internalError(w, "list reports", err)
		return
	}
	ids := make([]string, len(reports))
	for i, rp := range reports {
		ids[i] = rp.UserID
	}
	reporters, err := h.store.ProfilesByIDs(r.Context(), uniq(ids))
	if err != nil {
		h.internalError(w, "report authors", err)
		return
	}
	rows := make([]ReportRow, len(reports))
	for i, rp := range reports {
		rows[i] = ReportRow{Report: rp, Reporter: lookup(reporters, rp.UserID)}
	}
	writePage(w, p, rows, total)
}

// reportTransitions lists the statuses each report status may move to.
var reportTransitions = map[string][]string{
	repo.ReportStatusPending:  {repo.ReportStatusInReview, repo.ReportStatusResolved, repo.ReportStatusDismissed},
	repo.ReportStatusInReview: {repo.ReportStatusResolved, repo.ReportStatusDismissed},
}

// CanTransitionReport reports whether a report may move from one status to another.
func CanTransitionReport(from, to string) bool {
	for _, s := range reportTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validReportStatus(s string) bool {
	switch s {
	case repo.ReportStatusPending, repo.ReportStatusInReview, repo.ReportStatusResolved, repo.ReportStatusDismissed:
		return true
	}
	return false
}

func (h *Handler) updateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReportID   string  `json:"report_id"`
		Status     string  `json:"status"`
		AdminNotes *string `json:"admin_notes"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ReportID == "" {
		httputil.Error(w, http.StatusBadRequest, "report_id is required")
		return
	}
	if !validReportStatus(req.Status) {
		httputil.Error(w, http.StatusBadRequest, "invalid status")
		return
	}

	current, err := h.store.GetReport(r.Context(), req.ReportID)
	if err != nil {
		h.storeError(w, "get report", "report not found", err)
		return
	}
	if !CanTransitionReport(current.Status, req.Status) {
		httputil.Error(w, http.StatusConflict, "cannot move report from "+current.Status+" to "+req.Status)
		return
	}
	updated, err := h.store.UpdateReport(r.Context(), current.ID, current.Status, req.Status, req.AdminNotes)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httputil.Error(w, http.StatusConflict, "report was modified concurrently")
			return
		}
		h.internalError(w, "update report", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handler) listBuilds(w http.ResponseWriter, r *http.Request) {
	p := listParams(r)
	builds, total, err := h.store.ListBuilds(r.Context(), p)
	if err != nil {
		h.internalError(w, "list builds", err)
		return
	}
	writePage(w, p, builds, total)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context())
	if err != nil {
		h.internalError(w, "get settings", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (h *Handler) saveSettings(w http.ResponseWriter, r *http.Request) {
	var settings repo.Settings
	if err := httputil.DecodeJSON(r, &settings); err != nil {
		httputil.Error(w, http.StatusBadRequest, "settings must be a JSON object")
		return
	}
	if len(settings) == 0 {
		httputil.Error(w, http.StatusBadRequest, "no settings provided")
		return
	}
	for key, value := range settings {
		if strings.TrimSpace(key) == "" || !json.Valid(value) {
			httputil.Error(w, http.StatusBadRequest, "invalid setting "+key)
			return
		}
	}
	if err := h.store.SaveSettings(r.Context(), settings); err != nil {
		h.internalError(w, "save settings", err)
		return
	}
	h.logger.Info("settings saved", "keys", len(settings), "by", auth.UserFromContext(r.Context()).ID)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"saved": len(settings)})
}

func (h *Handler) storeError(w http.ResponseWriter, op, notFoundMsg string, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		httputil.Error(w, http.StatusNotFound, notFoundMsg)
		return
	}
	h.internalError(w, op, err)
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("admin action failed", "op", op, "error", err)
	h.metrics.IncError("admin")
	httputil.Error(w, http.StatusInternalServerError, err.Error())
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func lookup[T any](m map[string]T, id string) *T {
	v, ok := m[id]
	if !ok {
		return nil
	}
	return &v
}
