package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"xdrop/internal/auth"
	"xdrop/internal/logging"
	"xdrop/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	handles   map[string]bool
	created   []repo.NewBot
	failAfter int
	lookupErr error
}

func (m *memStore) ExistingHandles(_ context.Context, handles []string) ([]string, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	var out []string
	for _, h := range handles {
		if m.handles[h] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) CreateBot(_ context.Context, nb repo.NewBot) (*repo.Bot, error) {
	if m.handles[nb.Handle] {
		return nil, repo.ErrAlreadyExists
	}
	if m.failAfter > 0 && len(m.created) >= m.failAfter {
		return nil, errors.New("connection reset")
	}
	m.handles[nb.Handle] = true
	m.created = append(m.created, nb)
	return &repo.Bot{ID: fmt.Sprintf("bot-%d", len(m.created)), Name: nb.Name, Handle: nb.Handle, Status: repo.BotStatusPending}, nil
}

func TestHandles(t *testing.T) {
	assert.Equal(t, "crumb_bot", NormalizeHandle("  @Crumb_Bot "))
	assert.True(t, ValidHandle("abc"))
	assert.True(t, ValidHandle(strings.Repeat("a", 30)))
	assert.False(t, ValidHandle("ab"))
	assert.False(t, ValidHandle(strings.Repeat("a", 31)))
	assert.False(t, ValidHandle("has-dash"))
}

func TestRegisterBatch(t *testing.T) {
	store := &memStore{handles: map[string]bool{"taken": true}}
	g := New(store, logging.Discard(), nil)

	results, err := g.RegisterBatch(context.Background(), "u1", []Candidate{
		{Name: "Crumb", Handle: "@Crumb"},
		{Name: "Again", Handle: "crumb"},
		{Name: "Old", Handle: "taken"},
		{Name: "Bad", Handle: "x!"},
		{Name: "", Handle: "noname"},
		{Name: "Scout", Handle: "scout_1", Bio: "  finds deals "},
	})
	require.NoError(t, err)
	require.Len(t, results, 6)

	assert.True(t, results[0].OK)
	assert.True(t, strings.HasPrefix(results[0].APIKey, auth.APIKeyPrefix))
	assert.Equal(t, "duplicate handle in batch", results[1].Error)
	assert.Equal(t, "handle already taken", results[2].Error)
	assert.Contains(t, results[3].Error, "handle must be")
	assert.Equal(t, "name is required", results[4].Error)
	assert.True(t, results[5].OK)

	require.Len(t, store.created, 2)
	assert.Equal(t, "u1", store.created[0].OwnerID)
	assert.Equal(t, auth.HashAPIKey(results[0].APIKey), store.created[0].APIKeyHash)
	assert.Equal(t, "finds deals", *store.created[1].Bio)
	assert.NotEqual(t, results[0].APIKey, results[5].APIKey)

	resp := Summarize(results)
	assert.Equal(t, 2, resp.Registered)
	assert.Equal(t, 4, resp.Failed)
}

func TestRegisterBatchKeepsKeysWhenStoreFails(t *testing.T) {
	store := &memStore{handles: map[string]bool{}, failAfter: 2}
	g := New(store, logging.Discard(), nil)

	results, err := g.RegisterBatch(context.Background(), "u1", []Candidate{
		{Name: "One", Handle: "one"},
		{Name: "Two", Handle: "two"},
		{Name: "Three", Handle: "three"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Len(t, store.created, 2)

	for i := 0; i < 2; i++ {
		assert.True(t, results[i].OK)
		assert.Equal(t, auth.HashAPIKey(results[i].APIKey), store.created[i].APIKeyHash)
	}
	assert.False(t, results[2].OK)
	assert.Empty(t, results[2].APIKey)
	assert.Equal(t, "connection reset", results[2].Error)

	resp := Summarize(results)
	assert.Equal(t, 2, resp.Registered)
	assert.Equal(t, 1, resp.Failed)
}

func TestRegisterBatchKeygenFailure(t *testing.T) {
	store := &memStore{handles: map[string]bool{}}
	g := New(store, logging.Discard(), nil)
	calls := 0
	g.keygen = func() (string, string, error) {
		calls++
		if calls == 2 {
			return "", "", errors.New("entropy exhausted")
		}
		return auth.GenerateAPIKey()
	}

	results, err := g.RegisterBatch(context.Background(), "u1", []Candidate{
		{Name: "One", Handle: "one"},
		{Name: "Two", Handle: "two"},
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK)
	assert.NotEmpty(t, results[0].APIKey)
	assert.Equal(t, "could not issue api key", results[1].Error)
	assert.Len(t, store.created, 1)
}

func TestRegisterHandlerEchoesStoreError(t *testing.T) {
	g := New(&memStore{handles: map[string]bool{}, lookupErr: errors.New("pool closed")}, logging.Discard(), nil)
	mux := http.NewServeMux()
	g.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/functions/bots/register", strings.NewReader(`{"bots":[{"name":"Crumb","handle":"crumb"}]}`))
	req = req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: "u1"}))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"pool closed"}`, rec.Body.String())
}

func TestRegisterBatchSize(t *testing.T) {
	g := New(&memStore{handles: map[string]bool{}}, logging.Discard(), nil)
	_, err := g.RegisterBatch(context.Background(), "u1", nil)
	assert.ErrorIs(t, err, ErrBatchSize)
	_, err = g.RegisterBatch(context.Background(), "u1", make([]Candidate, MaxBatch+1))
	assert.ErrorIs(t, err, ErrBatchSize)
}

func TestRegisterHandler(t *testing.T) {
	g := New(&memStore{handles: map[string]bool{}}, logging.Discard(), nil)
	mux := http.NewServeMux()
	g.Register(mux)

	do := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/functions/bots/register", strings.NewReader(body))
		req = req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: "u1"}))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, do(`{"bots":[]}`).Code)

	rec := do(`{"bots":[{"name":"Crumb","handle":"crumb"},{"name":"Bad","handle":"no"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Registered)
	assert.Equal(t, 1, resp.Failed)
	assert.NotEmpty(t, resp.Results[0].APIKey)
	assert.Empty(t, resp.Results[1].APIKey)

	rec = do(`{"bots":[{"name":"Again","handle":"crumb"}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`owner: 7d7a0c9e-0000-4000-8000-000000000001
bots:
  - name: Crumb
    handle: crumb
    bio: Bakes bread
  - name: Scout
    handle: scout
    endpoint_url: https://scout.example/hook
`), 0o600))

	bf, err := LoadBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7d7a0c9e-0000-4000-8000-000000000001", bf.Owner)
	require.Len(t, bf.Bots, 2)
	assert.Equal(t, "Bakes bread", bf.Bots[0].Bio)
	assert.Equal(t, "https://scout.example/hook", bf.Bots[1].EndpointURL)

	_, err = LoadBatchFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
