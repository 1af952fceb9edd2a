package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"xdrop/internal/auth"
	"xdrop/internal/cache"
	"xdrop/internal/logging"
	"xdrop/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	bots    map[string]*repo.Bot
	keys    map[string]string
	posts   map[string]*repo.Post
	follows map[string]bool
	seq     int
}

func newMemStore() *memStore {
	return &memStore{
		bots:    map[string]*repo.Bot{},
		keys:    map[string]string{},
		posts:   map[string]*repo.Post{},
		follows: map[string]bool{},
	}
}

func (s *memStore) addBot(id, handle, status string) string {
	key, hash, _ := auth.GenerateAPIKey()
	s.bots[id] = &repo.Bot{ID: id, Handle: handle, Name: handle, Status: status}
	s.keys[hash] = id
	return key
}

func (s *memStore) addPost(p repo.Post) {
	if p.Tags == nil {
		p.Tags = []string{}
	}
	s.posts[p.ID] = &p
}

func (s *memStore) GetBotByAPIKeyHash(_ context.Context, hash string) (*repo.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[hash]
	if !ok {
		return nil, repo.ErrNotFound
	}
	b := *s.bots[id]
	return &b, nil
}

func (s *memStore) GetBotByHandle(_ context.Context, handle string) (*repo.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bots {
		if b.Handle == handle || b.ID == handle {
			cp := *b
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *memStore) CountBotPosts(_ context.Context, botID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.posts {
		if p.BotID == botID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) FollowBot(_ context.Context, follower, followee string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := follower + ">" + followee
	if s.follows[k] {
		return repo.ErrAlreadyExists
	}
	s.follows[k] = true
	s.bots[followee].FollowerCount++
	s.bots[follower].FollowingCount++
	return nil
}

func (s *memStore) sorted() []repo.Post {
	res := make([]repo.Post, 0, len(s.posts))
	for _, p := range s.posts {
		res = append(res, *p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res
}

func (s *memStore) feed(p repo.Post) repo.FeedPost {
	b := s.bots[p.BotID]
	return repo.FeedPost{Post: p, Bot: repo.PostAuthor{ID: b.ID, Name: b.Name, Handle: b.Handle}}
}

func (s *memStore) ListPosts(_ context.Context, f repo.PostFilter) ([]repo.FeedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := []repo.FeedPost{}
	for _, p := range s.sorted() {
		if len(res) == f.Limit {
			break
		}
		res = append(res, s.feed(p))
	}
	return res, nil
}

func (s *memStore) GetFeedPost(_ context.Context, id string) (*repo.FeedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	fp := s.feed(*p)
	return &fp, nil
}

func (s *memStore) ListReplies(_ context.Context, id string) ([]repo.FeedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := []repo.FeedPost{}
	for _, p := range s.sorted() {
		if p.ReplyToID != nil && *p.ReplyToID == id {
			res = append(res, s.feed(p))
		}
	}
	return res, nil
}

func (s *memStore) GetPost(_ context.Context, id string) (*repo.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) CreatePost(_ context.Context, np repo.NewPost) (*repo.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if np.ReplyToID != nil {
		parent, ok := s.posts[*np.ReplyToID]
		if !ok {
			return nil, fmt.Errorf("parent post: %w", repo.ErrNotFound)
		}
		parent.Replies++
	}
	s.seq++
	p := repo.Post{
		ID:        fmt.Sprintf("post-%d", s.seq),
		BotID:     np.BotID,
		Content:   np.Content,
		ReplyToID: np.ReplyToID,
		Tags:      np.Tags,
		CreatedAt: time.Now().Add(time.Duration(s.seq) * time.Millisecond),
	}
	s.posts[p.ID] = &p
	cp := p
	return &cp, nil
}

func (s *memStore) IncrementPostCounter(_ context.Context, id, counter string) (*repo.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	switch counter {
	case repo.CounterLikes:
		p.Likes++
	case repo.CounterReposts:
		p.Reposts++
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) DeletePost(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.posts, id)
	return nil
}

func (s *memStore) RecentPosts(_ context.Context, n int) ([]repo.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.sorted()
	if len(res) > n {
		res = res[:n]
	}
	return res, nil
}

func newTestHandler(store Store) *Handler {
	return NewHandler(store, cache.NewMemory(), NewRateLimiter(1000, 1000), logging.Discard(), nil, Config{TrendingWindow: 200})
}

func do(t *testing.T, h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set(auth.APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMutationsRequireValidKey(t *testing.T) {
	store := newMemStore()
	store.addBot("bot-a", "alpha", repo.BotStatusActive)
	store.addPost(repo.Post{ID: "p1", BotID: "bot-a", Content: "hi", CreatedAt: time.Now()})
	h := newTestHandler(store)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/posts"},
		{http.MethodPost, "/posts/p1/like"},
		{http.MethodPost, "/posts/p1/repost"},
		{http.MethodPost, "/posts/p1/reply"},
		{http.MethodDelete, "/posts/p1"},
		{http.MethodPost, "/bots/alpha/follow"},
		{http.MethodGet, "/me"},
	}
	for _, rt := range routes {
		for _, key := range []string{"", "oc_" + strings.Repeat("0", 48)} {
			t.Run(rt.method+" "+rt.path+" key="+key, func(t *testing.T) {
				rec := do(t, h, rt.method, rt.path, key, `{"content":"x"}`)
				assert.Equal(t, http.StatusUnauthorized, rec.Code)
			})
		}
	}
	assert.Equal(t, 0, store.posts["p1"].Likes)
}

func TestBannedBotForbidden(t *testing.T) {
	store := newMemStore()
	key := store.addBot("bot-b", "banned", repo.BotStatusBanned)
	h := newTestHandler(store)

	rec := do(t, h, http.MethodPost, "/posts", key, `{"content":"hello"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, store.posts)
}

func TestCreatePostContentValidation(t *testing.T) {
	store := newMemStore()
	key := store.addBot("bot-a", "alpha", repo.BotStatusActive)
	h := newTestHandler(store)

	tests := []struct {
		name    string
		content string
		status  int
		errMsg  string
	}{
		{"empty", "", http.StatusBadRequest, "content is required"},
		{"whitespace", "   ", http.StatusBadRequest, "content is required"},
		{"too long", strings.Repeat("a", 1500), http.StatusBadRequest, "content must be 1000 characters or less"},
		{"multibyte at limit", strings.Repeat("é", 1000), http.StatusCreated, ""},
		{"valid", strings.Repeat("b", 200), http.StatusCreated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]string{"content": tt.content})
			rec := do(t, h, http.MethodPost, "/posts", key, string(body))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.errMsg != "" {
				assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tt.errMsg), rec.Body.String())
				return
			}
			var got repo.Post
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.NotEmpty(t, got.ID)
			assert.Zero(t, got.Likes)
			assert.Zero(t, got.Reposts)
			assert.Zero(t, got.Replies)
		})
	}
}

func TestCreatePostStoresHashtags(t *testing.T) {
	store := newMemStore()
	key := store.addBot("bot-a", "alpha", repo.BotStatusActive)
	h := newTestHandler(store)

	rec := do(t, h, http.MethodPost, "/posts", key, `{"content":"gm #Crypto and #AI #crypto"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var got repo.Post
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"crypto", "ai"}, got.Tags)
}

func TestDeleteOthersPostForbidden(t *testing.T) {
	store := newMemStore()
	store.addBot("bot-a", "alpha", repo.BotStatusActive)
	keyB := store.addBot("bot-b", "beta", repo.BotStatusActive)
	store.addPost(repo.Post{ID: "p1", BotID: "bot-a", Content: "mine", CreatedAt: time.Now()})
	h := newTestHandler(store)

	rec := do(t, h, http.MethodDelete, "/posts/p1", keyB, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"you can only delete your own posts"}`, rec.Body.String())
	assert.Contains(t, store.posts, "p1")
}

func TestDeleteOwnPost(t *testing.T) {
	store := newMemStore()
	key := store.addBot("bot-a", "alpha", repo.BotStatusActive)
	store.addPost(repo.Post{ID: "p1", BotID: "bot-a", Content: "mine", CreatedAt: time.Now()})
	h := newTestHandler(store)

	rec := do(t, h, http.MethodDelete, "/posts/p1", key, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())
	assert.NotContains(t, store.posts, "p1")

	rec = do(t, h, http.MethodDelete, "/posts/p1", key, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLikeAndReply(t *testing.T) {
	store := newMemStore()
	key := store.addBot("bot-a", "alpha", repo.BotStatusActive)
	store.addPost(repo.Post{ID: "p1", BotID: "bot-a", Content: "root", CreatedAt: time.Now()})
	h := newTestHandler(store)

	rec := do(t, h, http.MethodPost, "/posts/p1/like", key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"p1","likes":1,"reposts":0,"replies":0}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/posts/missing/like", key, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/posts/p1/reply", key, `{"content":"agreed"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, store.posts["p1"].Replies)

	rec = do(t, h, http.MethodGet, "/posts/p1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Post    repo.FeedPost   `json:"post"`
		Replies []repo.FeedPost `json:"replies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alpha", body.Post.Bot.Handle)
	require.Len(t, body.Replies, 1)
	assert.Equal(t, "agreed", body.Replies[0].Content)
}

func TestFollow(t *testing.T) {
	store := newMemStore()
	keyA := store.addBot("bot-a", "alpha", repo.BotStatusActive)
	store.addBot("bot-b", "beta", repo.BotStatusActive)
	h := newTestHandler(store)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/bots/alpha/follow", keyA, "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/bots/beta/follow", keyA, "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/bots/beta/follow", keyA, "").Code)
	assert.Equal(t, 1, store.bots["bot-b"].FollowerCount)
	assert.Equal(t, 1, store.bots["bot-a"].FollowingCount)
}

func TestTrendingEndpointSortedAndCached(t *testing.T) {
	store := newMemStore()
	store.addBot("bot-a", "alpha", repo.BotStatusActive)
	now := time.Now()
	store.addPost(repo.Post{ID: "1", BotID: "bot-a", Content: "#go #rust", Likes: 1, CreatedAt: now})
	store.addPost(repo.Post{ID: "2", BotID: "bot-a", Content: "#go", Reposts: 3, CreatedAt: now.Add(time.Second)})
	store.addPost(repo.Post{ID: "3", BotID: "bot-a", Content: "#zig", Replies: 2, CreatedAt: now.Add(2 * time.Second)})
	h := newTestHandler(store)

	rec := do(t, h, http.MethodGet, "/trending", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Trending []TrendingTag `json:"trending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Trending, 3)
	assert.Equal(t, "go", body.Trending[0].Tag)
	assert.Equal(t, 7.0, body.Trending[0].Score)
	for i := 1; i < len(body.Trending); i++ {
		assert.GreaterOrEqual(t, body.Trending[i-1].Score, body.Trending[i].Score)
	}

	store.addPost(repo.Post{ID: "4", BotID: "bot-a", Content: "#new", Likes: 100, CreatedAt: now.Add(3 * time.Second)})
	rec = do(t, h, http.MethodGet, "/trending", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "go", body.Trending[0].Tag, "second call is served from cache")
}

func TestUnknownPathServesDocs(t *testing.T) {
	h := newTestHandler(newMemStore())
	rec := do(t, h, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "x-bot-api-key")
}

func TestRateLimitedBot(t *testing.T) {
	store := newMemStore()
	key := store.addBot("bot-a", "alpha", repo.BotStatusActive)
	h := NewHandler(store, nil, NewRateLimiter(0.001, 2), logging.Discard(), nil, Config{})

	assert.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/posts", key, `{"content":"1"}`).Code)
	assert.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/posts", key, `{"content":"2"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/posts", key, `{"content":"3"}`).Code)
}

func TestZeroConfigHandlerAcceptsMutations(t *testing.T) {
	store := newMemStore()
	key := store.addBot("b1", "crumb", repo.BotStatusActive)
	h := NewHandler(store, cache.NewMemory(), nil, logging.Discard(), nil, Config{})

	rec := do(t, h, http.MethodPost, "/posts", key, `{"content":"hello #xdrop"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}
