package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xdrop/internal/auth"
	"xdrop/internal/cache"
	"xdrop/internal/logging"
	"xdrop/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenAuth map[string]string

func (t tokenAuth) Authenticate(r *http.Request) (*auth.User, error) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	id, ok := t[tok]
	if !ok {
		return nil, errors.New("bad token")
	}
	return &auth.User{ID: id}, nil
}

type fakeStore struct {
	admins      map[string]bool
	profiles    []repo.Profile
	bots        []repo.Bot
	reports     map[string]*repo.Report
	settings    repo.Settings
	metricCalls int
	calls       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		admins:   map[string]bool{"admin-1": true},
		reports:  map[string]*repo.Report{},
		settings: repo.Settings{},
	}
}

func page[T any](items []T, p repo.ListParams) []T {
	start := p.Offset()
	if start > len(items) {
		return []T{}
	}
	end := start + repo.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *fakeStore) HasRole(_ context.Context, userID, role string) (bool, error) {
	return role == RoleAdmin && s.admins[userID], nil
}

func (s *fakeStore) ListProfiles(_ context.Context, p repo.ListParams) ([]repo.Profile, int, error) {
	s.calls++
	var matched []repo.Profile
	for _, pr := range s.profiles {
		if p.Search == "" || (pr.DisplayName != nil && strings.Contains(strings.ToLower(*pr.DisplayName), strings.ToLower(p.Search))) {
			matched = append(matched, pr)
		}
	}
	return page(matched, p), len(matched), nil
}

func (s *fakeStore) ProfilesByIDs(_ context.Context, ids []string) (map[string]repo.Profile, error) {
	res := map[string]repo.Profile{}
	for _, pr := range s.profiles {
		for _, id := range ids {
			if pr.ID == id {
				res[id] = pr
			}
		}
	}
	return res, nil
}

func (s *fakeStore) BotCountsByOwner(_ context.Context, _ []string) (map[string]int, error) {
	res := map[string]int{}
	for _, b := range s.bots {
		if b.OwnerID != nil {
			res[*b.OwnerID]++
		}
	}
	return res, nil
}

func (s *fakeStore) AgentCountsByCreator(context.Context, []string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (s *fakeStore) BalancesByUser(_ context.Context, ids []string) (map[string]int64, error) {
	res := map[string]int64{}
	for _, id := range ids {
		res[id] = 42
	}
	return res, nil
}

func (s *fakeStore) ListBots(_ context.Context, p repo.ListParams) ([]repo.Bot, int, error) {
	s.calls++
	var matched []repo.Bot
	for _, b := range s.bots {
		if p.Status == "" || b.Status == p.Status {
			matched = append(matched, b)
		}
	}
	return page(matched, p), len(matched), nil
}

func (s *fakeStore) UpdateBotStatus(_ context.Context, id, status string) (*repo.Bot, error) {
	s.calls++
	for i := range s.bots {
		if s.bots[i].ID == id {
			s.bots[i].Status = status
			b := s.bots[i]
			return &b, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) ListAgents(context.Context, repo.ListParams) ([]repo.Agent, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) AgentsByIDs(context.Context, []string) (map[string]repo.Agent, error) {
	return map[string]repo.Agent{}, nil
}

func (s *fakeStore) TopAgents(context.Context, int) ([]repo.AgentRank, error) {
	return []repo.AgentRank{{ID: "a1", Name: "Sniper", Runs: 9}}, nil
}

func (s *fakeStore) ListPurchases(context.Context, repo.ListParams) ([]repo.Purchase, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) RecentTrials(context.Context, int) ([]repo.Trial, error) {
	return nil, nil
}

func (s *fakeStore) ListTransactions(context.Context, repo.ListParams) ([]repo.CreditTransaction, int, error) {
	return []repo.CreditTransaction{}, 0, nil
}

func (s *fakeStore) ListReports(context.Context, repo.ListParams) ([]repo.Report, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) GetReport(_ context.Context, id string) (*repo.Report, error) {
	rp, ok := s.reports[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *rp
	return &cp, nil
}

func (s *fakeStore) UpdateReport(_ context.Context, id, from, to string, notes *string) (*repo.Report, error) {
	rp, ok := s.reports[id]
	if !ok || rp.Status != from {
		return nil, repo.ErrNotFound
	}
	rp.Status = to
	if notes != nil {
		rp.AdminNotes = notes
	}
	cp := *rp
	return &cp, nil
}

func (s *fakeStore) ListBuilds(context.Context, repo.ListParams) ([]repo.Build, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) MetricTotal(_ context.Context, metric string, from, _ time.Time) (int64, error) {
	s.metricCalls++
	if metric != repo.MetricUsers {
		return 0, nil
	}
	if from.IsZero() {
		return 100, nil
	}
	if s.metricCalls%3 == 1 {
		return 15, nil
	}
	return 10, nil
}

func (s *fakeStore) GetSettings(context.Context) (repo.Settings, error) {
	return s.settings, nil
}

func (s *fakeStore) SaveSettings(_ context.Context, settings repo.Settings) error {
	for k, v := range settings {
		s.settings[k] = v
	}
	return nil
}

var tokens = tokenAuth{"admin-token": "admin-1", "user-token": "user-1"}

func newTestHandler(store *fakeStore) *Handler {
	return NewHandler(store, tokens, cache.NewMemory(), logging.Discard(), nil)
}

func call(t *testing.T, h http.Handler, method, query, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/admin/v1?"+query, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNonAdminForbiddenRegardlessOfParameters(t *testing.T) {
	store := newFakeStore()
	store.bots = []repo.Bot{{ID: "b1", Status: repo.BotStatusActive}}
	h := newTestHandler(store)

	queries := []struct{ method, query, body string }{
		{http.MethodGet, "action=users", ""},
		{http.MethodGet, "action=users&page=2&search=x", ""},
		{http.MethodPost, "action=update_bot_status", `{"bot_id":"b1","status":"banned"}`},
		{http.MethodPost, "action=save_settings", `{"x":1}`},
		{http.MethodGet, "action=does_not_exist", ""},
		{http.MethodGet, "", ""},
		{http.MethodDelete, "action=users", ""},
	}
	for _, q := range queries {
		t.Run(q.method+" "+q.query, func(t *testing.T) {
			rec := call(t, h, q.method, q.query, "user-token", q.body)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
	assert.Zero(t, store.calls)
	assert.Equal(t, repo.BotStatusActive, store.bots[0].Status)
}

func TestMissingTokenUnauthorized(t *testing.T) {
	h := newTestHandler(newFakeStore())
	assert.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodGet, "action=users", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodGet, "action=users", "forged", "").Code)
}

func TestUnknownActionAndMethod(t *testing.T) {
	h := newTestHandler(newFakeStore())

	rec := call(t, h, http.MethodGet, "action=drop_tables", "admin-token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"unknown action"}`, rec.Body.String())

	rec = call(t, h, http.MethodGet, "action=save_settings", "admin-token", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUsersPaginationTotalMatchesFilter(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 120; i++ {
		name := fmt.Sprintf("user %d", i)
		if i%2 == 0 {
			name = fmt.Sprintf("alice %d", i)
		}
		store.profiles = append(store.profiles, repo.Profile{ID: fmt.Sprintf("u%d", i), DisplayName: &name})
	}
	owner := "u0"
	store.bots = []repo.Bot{{ID: "b1", OwnerID: &owner}, {ID: "b2", OwnerID: &owner}}
	h := newTestHandler(store)

	tests := []struct {
		query     string
		total     int
		rows      int
		firstID   string
		firstBots int
	}{
		{"action=users", 120, 50, "u0", 2},
		{"action=users&page=3", 120, 20, "u100", 0},
		{"action=users&search=alice", 60, 50, "u0", 2},
		{"action=users&search=alice&page=2", 60, 10, "u100", 0},
		{"action=users&page=9", 120, 0, "", 0},
		{"action=users&page=9223372036854775807", 120, 0, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := call(t, h, http.MethodGet, tt.query, "admin-token", "")
			require.Equal(t, http.StatusOK, rec.Code)
			var body struct {
				Data     []UserRow `json:"data"`
				Total    int       `json:"total"`
				PageSize int       `json:"page_size"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.total, body.Total)
			assert.Equal(t, 50, body.PageSize)
			require.Len(t, body.Data, tt.rows)
			if tt.rows > 0 {
				assert.Equal(t, tt.firstID, body.Data[0].ID)
				assert.Equal(t, tt.firstBots, body.Data[0].BotCount)
				assert.Equal(t, int64(42), body.Data[0].Balance)
			}
		})
	}
}

func TestListParamsClampsPage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/v1?action=users&page=9223372036854775807", nil)
	p := listParams(req)
	assert.Equal(t, repo.MaxPage, p.Page)
	assert.Positive(t, p.Offset())
}

func TestUpdateBotStatus(t *testing.T) {
	store := newFakeStore()
	store.bots = []repo.Bot{{ID: "b1", Status: repo.BotStatusPending}}
	h := newTestHandler(store)

	rec := call(t, h, http.MethodPost, "action=update_bot_status", "admin-token", `{"bot_id":"b1","status":"superstar"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "action=update_bot_status", "admin-token", `{"bot_id":"nope","status":"active"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h, http.MethodPost, "action=update_bot_status", "admin-token", `{"bot_id":"b1","status":"verified"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, repo.BotStatusVerified, store.bots[0].Status)
}

func TestReportWorkflow(t *testing.T) {
	assert.True(t, CanTransitionReport("pending", "in_review"))
	assert.True(t, CanTransitionReport("pending", "dismissed"))
	assert.True(t, CanTransitionReport("in_review", "resolved"))
	assert.False(t, CanTransitionReport("resolved", "pending"))
	assert.False(t, CanTransitionReport("dismissed", "in_review"))
	assert.False(t, CanTransitionReport("in_review", "in_review"))

	store := newFakeStore()
	store.reports["r1"] = &repo.Report{ID: "r1", Status: repo.ReportStatusPending}
	h := newTestHandler(store)

	rec := call(t, h, http.MethodPost, "action=update_report", "admin-token", `{"report_id":"r1","status":"in_review"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, h, http.MethodPost, "action=update_report", "admin-token", `{"report_id":"r1","status":"resolved","admin_notes":"fixed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fixed", *store.reports["r1"].AdminNotes)

	rec = call(t, h, http.MethodPost, "action=update_report", "admin-token", `{"report_id":"r1","status":"pending"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = call(t, h, http.MethodPost, "action=update_report", "admin-token", `{"report_id":"r1","status":"closed"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(t, h, http.MethodPost, "action=update_report", "admin-token", `{"report_id":"r9","status":"resolved"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)

	rec := call(t, h, http.MethodPost, "action=save_settings", "admin-token", `["not","an","object"]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "action=save_settings", "admin-token", `{"maintenance":false,"fees":{"purchase":2.5}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodGet, "action=get_settings", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"settings":{"maintenance":false,"fees":{"purchase":2.5}}}`, rec.Body.String())
}

func TestAnalyticsCachedPerPeriod(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)
	h.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }

	rec := call(t, h, http.MethodGet, "action=analytics&period=1y", "admin-token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodGet, "action=analytics&period=7d", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out Analytics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	users := out.Metrics[repo.MetricUsers]
	assert.Equal(t, MetricSummary{Current: 15, Previous: 10, Total: 100, Change: 50}, users)
	assert.Equal(t, time.Date(2026, 4, 24, 0, 0, 0, 0, time.UTC), out.From)
	require.Len(t, out.TopAgents, 1)

	calls := store.metricCalls
	rec = call(t, h, http.MethodGet, "action=analytics&period=7d", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, calls, store.metricCalls, "second request served from cache")
}

func TestPercentChange(t *testing.T) {
	assert.Equal(t, 100.0, PercentChange(5, 0))
	assert.Equal(t, 0.0, PercentChange(0, 0))
	assert.Equal(t, -50.0, PercentChange(5, 10))
	assert.Equal(t, 33.33, PercentChange(4, 3))
}
