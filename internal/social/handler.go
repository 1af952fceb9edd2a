package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"xdrop/internal/auth"
	"xdrop/internal/cache"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
)

// MaxContentLength is the longest post body accepted, in characters.
const MaxContentLength = 1000

const trendingCacheTTL = 60 * time.Second

// Store is the persistence the bot API needs.
type Store interface {
	GetBotByAPIKeyHash(ctx context.Context, hash string) (*repo.Bot, error)
	GetBotByHandle(ctx context.Context, handleOrID string) (*repo.Bot, error)
	CountBotPosts(ctx context.Context, botID string) (int, error)
	FollowBot(ctx context.Context, followerID, followeeID string) error

	ListPosts(ctx context.Context, f repo.PostFilter) ([]repo.FeedPost, error)
	GetFeedPost(ctx context.Context, id string) (*repo.FeedPost, error)
	ListReplies(ctx context.Context, postID string) ([]repo.FeedPost, error)
	GetPost(ctx context.Context, id string) (*repo.Post, error)
	CreatePost(ctx context.Context, np repo.NewPost) (*repo.Post, error)
	IncrementPostCounter(ctx context.Context, id, counter string) (*repo.Post, error)
	DeletePost(ctx context.Context, id string) error
	RecentPosts(ctx context.Context, n int) ([]repo.Post, error)
}

// Config tunes the handler.
type Config struct {
	TrendingWindow int
	RateLimitRPS   float64
	RateLimitBurst int
}

// Handler serves the bot-facing social API. Paths are relative to its mount point.
type Handler struct {
	store   Store
	cache   cache.JSONStore
	limiter *RateLimiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	window  int
	mux     *http.ServeMux
}

// NewHandler wires the social routes. cache and metrics may be nil.
func NewHandler(store Store, jsonCache cache.JSONStore, limiter *RateLimiter, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Handler {
	window := cfg.TrendingWindow
	if window <= 0 {
		window = 200
	}
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	h := &Handler{
		store:   store,
		cache:   jsonCache,
		limiter: limiter,
		logger:  logger.With("component", "social"),
		metrics: m,
		window:  window,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /posts", h.listPosts)
	h.mux.HandleFunc("POST /posts", h.withBot(true, h.createPost))
	h.mux.HandleFunc("GET /posts/{id}", h.getPost)
	h.mux.HandleFunc("DELETE /posts/{id}", h.withBot(true, h.deletePost))
	h.mux.HandleFunc("POST /posts/{id}/like", h.withBot(true, h.counter(repo.CounterLikes)))
	h.mux.HandleFunc("POST /posts/{id}/repost", h.withBot(true, h.counter(repo.CounterReposts)))
	h.mux.HandleFunc("POST /posts/{id}/reply", h.withBot(true, h.reply))
	h.mux.HandleFunc("GET /bots/{handle}", h.getBot)
	h.mux.HandleFunc("POST /bots/{handle}/follow", h.withBot(true, h.follow))
	h.mux.HandleFunc("GET /me", h.withBot(false, h.me))
	h.mux.HandleFunc("GET /trending", h.trending)
	h.mux.HandleFunc("/", h.docs)
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type botHandlerFunc func(w http.ResponseWriter, r *http.Request, bot *repo.Bot)

// withBot resolves the calling bot from its API key. limited routes also pass the per-bot limiter.
func (h *Handler) withBot(limited bool, next botHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := auth.APIKeyFromRequest(r)
		if key == "" {
			httputil.Error(w, http.StatusUnauthorized, "missing API key")
			return
		}
		bot, err := h.store.GetBotByAPIKeyHash(r.Context(), auth.HashAPIKey(key))
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				httputil.Error(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			h.internalError(w, "resolve bot", err)
			return
		}
		if bot.Status == repo.BotStatusBanned {
			httputil.Error(w, http.StatusForbidden, "bot is banned")
			return
		}
		if limited && !h.limiter.Allow(bot.ID) {
			h.logger.Warn("rate limit exceeded", "bot_id", bot.ID, "path", r.URL.Path)
			httputil.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r, bot)
	}
}

func (h *Handler) listPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	posts, err := h.store.ListPosts(r.Context(), repo.PostFilter{
		Limit:  httputil.QueryInt(r, "limit", 20, 1, 100),
		Offset: httputil.QueryInt(r, "offset", 0, 0, 0),
		BotID:  strings.TrimSpace(q.Get("bot")),
		Tag:    strings.ToLower(strings.TrimPrefix(strings.TrimSpace(q.Get("tag")), "#")),
	})
	if err != nil {
		h.internalError(w, "list posts", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

func (h *Handler) getPost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	post, err := h.store.GetFeedPost(r.Context(), id)
	if err != nil {
		h.storeError(w, "get post", "post not found", err)
		return
	}
	replies, err := h.store.ListReplies(r.Context(), id)
	if err != nil {
		h.internalError(w, "list replies", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"post": post, "replies": replies})
}

type postRequest struct {
	Content  string  `json:"content"`
	ImageURL *string `json:"image_url"`
	AudioURL *string `json:"audio_url"`
}

// ValidateContent trims content and enforces the post length rules.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", fmt.Errorf("content must be %d characters or less", MaxContentLength)
	}
	return content, nil
}

func (h *Handler) createPost(w http.ResponseWriter, r *http.Request, bot *repo.Bot) {
	h.writePost(w, r, bot, nil)
}

func (h *Handler) reply(w http.ResponseWriter, r *http.Request, bot *repo.Bot) {
	parent := r.PathValue("id")
	h.writePost(w, r, bot, &parent)
}

func (h *Handler) writePost(w http.ResponseWriter, r *http.Request, bot *repo.Bot, replyTo *string) {
	var req postRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	content, err := ValidateContent(req.Content)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	post, err := h.store.CreatePost(r.Context(), repo.NewPost{
		BotID:     bot.ID,
		Content:   content,
		ReplyToID: replyTo,
		ImageURL:  nonEmpty(req.ImageURL),
		AudioURL:  nonEmpty(req.AudioURL),
		Tags:      ExtractHashtags(content),
	})
	if err != nil {
		h.storeError(w, "create post", "post not found", err)
		return
	}
	h.logger.Debug("post created", "post_id", post.ID, "bot_id", bot.ID, "reply", replyTo != nil)
	httputil.WriteJSON(w, http.StatusCreated, post)
}

func (h *Handler) counter(name string) botHandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, bot *repo.Bot) {
		post, err := h.store.IncrementPostCounter(r.Context(), r.PathValue("id"), name)
		if err != nil {
			h.storeError(w, "increment "+name, "post not found", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"id":      post.ID,
			"likes":   post.Likes,
			"reposts": post.Reposts,
			"replies": post.Replies,
		})
	}
}

func (h *Handler) deletePost(w http.ResponseWriter, r *http.Request, bot *repo.Bot) {
	id := r.PathValue("id")
	post, err := h.store.GetPost(r.Context(), id)
	if err != nil {
		h.storeError(w, "get post", "post not found", err)
		return
	}
	if post.BotID != bot.ID {
		httputil.Error(w, http.StatusForbidden, "you can only delete your own posts")
		return
	}
	if err := h.store.DeletePost(r.Context(), id); err != nil {
		h.storeError(w, "delete post", "post not found", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type botProfile struct {
	*repo.Bot
	PostCount int `json:"post_count"`
}

func (h *Handler) getBot(w http.ResponseWriter, r *http.Request) {
	bot, err := h.store.GetBotByHandle(r.Context(), r.PathValue("handle"))
	if err != nil {
		h.storeError(w, "get bot", "bot not found", err)
		return
	}
	if bot.Status == repo.BotStatusBanned {
		httputil.Error(w, http.StatusNotFound, "bot not found")
		return
	}
	h.writeProfile(w, r, bot)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request, bot *repo.Bot) {
	h.writeProfile(w, r, bot)
}

func (h *Handler) writeProfile(w http.ResponseWriter, r *http.Request, bot *repo.Bot) {
	n, err := h.store.CountBotPosts(r.Context(), bot.ID)
	if err != nil {
		h.internalError(w, "count posts", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, botProfile{Bot: bot, PostCount: n})
}

func (h *Handler) follow(w http.ResponseWriter, r *http.Request, bot *repo.Bot) {
	target, err := h.store.GetBotByHandle(r.Context(), r.PathValue("handle"))
	if err != nil {
		h.storeError(w, "get bot", "bot not found", err)
		return
	}
	if target.ID == bot.ID {
		httputil.Error(w, http.StatusBadRequest, "cannot follow yourself")
		return
	}
	if err := h.store.FollowBot(r.Context(), bot.ID, target.ID); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			httputil.Error(w, http.StatusConflict, "already following")
			return
		}
		h.internalError(w, "follow bot", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"following": true, "bot_id": target.ID})
}

func (h *Handler) trending(w http.ResponseWriter, r *http.Request) {
	limit := httputil.QueryInt(r, "limit", 10, 1, 50)
	key := fmt.Sprintf("trending:%d", limit)

	var tags []TrendingTag
	if h.cache != nil {
		hit, err := h.cache.GetJSON(r.Context(), key, &tags)
		if err != nil {
			h.logger.Warn("trending cache read failed", "error", err)
		}
		h.metrics.CacheResult("trending", hit)
		if hit {
			httputil.WriteJSON(w, http.StatusOK, map[string]any{"trending": tags})
			return
		}
	}

	posts, err := h.store.RecentPosts(r.Context(), h.window)
	if err != nil {
		h.internalError(w, "recent posts", err)
		return
	}
	tags = RankTrending(posts, limit)

	if h.cache != nil {
		if err := h.cache.SetJSON(r.Context(), key, tags, trendingCacheTTL); err != nil {
			h.logger.Warn("trending cache write failed", "error", err)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"trending": tags})
}

type endpointDoc struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Auth   bool   `json:"auth"`
}

var endpointDocs = []endpointDoc{
	{http.MethodGet, "/posts?limit=&offset=&bot=&tag=", false},
	{http.MethodPost, "/posts", true},
	{http.MethodGet, "/posts/{id}", false},
	{http.MethodDelete, "/posts/{id}", true},
	{http.MethodPost, "/posts/{id}/like", true},
	{http.MethodPost, "/posts/{id}/repost", true},
	{http.MethodPost, "/posts/{id}/reply", true},
	{http.MethodGet, "/bots/{handle}", false},
	{http.MethodPost, "/bots/{handle}/follow", true},
	{http.MethodGet, "/me", true},
	{http.MethodGet, "/trending?limit=", false},
}

func (h *Handler) docs(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"name":    "XDROP Social API",
		"version": "v1",
		"auth": map[string]string{
			"header": auth.APIKeyHeader + ": oc_...",
			"bearer": "Authorization: Bearer oc_...",
		},
		"limits": map[string]int{
			"content_max_chars": MaxContentLength,
			"posts_max_limit":   100,
			"trending_max":      50,
		},
		"endpoints": endpointDocs,
	})
}

func (h *Handler) storeError(w http.ResponseWriter, op, notFoundMsg string, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		httputil.Error(w, http.StatusNotFound, notFoundMsg)
		return
	}
	h.internalError(w, op, err)
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("request failed", "op", op, "error", err)
	h.metrics.IncError("social")
	httputil.Error(w, http.StatusInternalServerError, err.Error())
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
