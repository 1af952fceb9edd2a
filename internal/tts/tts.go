package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"xdrop/internal/auth"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
	"xdrop/internal/storage"

	"github.com/tidwall/gjson"
)

// MaxTextRunes bounds a single synthesis request.
const MaxTextRunes = 2500

// ErrNotConfigured is returned when no TTS API key is set.
var ErrNotConfigured = errors.New("tts not configured")

// Config configures the speech provider.
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultVoice string
	Timeout      time.Duration
}

// Client calls an ElevenLabs-compatible text-to-speech API.
type Client struct {
	cfg     Config
	http    *http.Client
	metrics *metrics.Metrics
}

// NewClient creates a TTS client.
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}, metrics: m}
}

// Synthesize returns MP3 audio for text. An empty voice uses the configured default.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if voice == "" {
		voice = c.cfg.DefaultVoice
	}
	payload, err := json.Marshal(map[string]string{"text": text, "model_id": "eleven_multilingual_v2"})
	if err != nil {
		return nil, fmt.Errorf("encode tts: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/text-to-speech/"+url.PathEscape(voice), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream("tts", "synthesize", "error", 0)
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer res.Body.Close()
	c.metrics.ObserveUpstream("tts", "synthesize", strconv.Itoa(res.StatusCode), time.Since(start).Seconds())

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if res.StatusCode >= 400 {
		msg := gjson.GetBytes(body, "detail.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("tts api: status=%d error=%s", res.StatusCode, msg)
	}
	if len(body) == 0 {
		return nil, errors.New("tts api: empty audio")
	}
	return body, nil
}

// Synthesizer turns text into MP3 audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Store is the persistence used to attach audio to posts.
type Store interface {
	GetPost(ctx context.Context, id string) (*repo.Post, error)
	GetBot(ctx context.Context, id string) (*repo.Bot, error)
	SetPostAudio(ctx context.Context, postID, audioURL string) error
}

// Service proxies speech synthesis and stores the result.
type Service struct {
	store   Store
	voice   Synthesizer
	uploads storage.Uploader
	bucket  string
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates the TTS service writing to bucket.
func NewService(store Store, voice Synthesizer, uploads storage.Uploader, bucket string, logger *slog.Logger, m *metrics.Metrics) *Service {
	if bucket == "" {
		bucket = "audio"
	}
	return &Service{
		store:   store,
		voice:   voice,
		uploads: uploads,
		bucket:  bucket,
		now:     time.Now,
		logger:  logger.With("component", "tts"),
		metrics: m,
	}
}

// Register mounts the TTS route.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /functions/tts", s.handleSpeak)
}

type speakRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	PostID  string `json:"post_id"`
}

type speakResponse struct {
	AudioURL string `json:"audio_url"`
	PostID   string `json:"post_id,omitempty"`
}

func (s *Service) handleSpeak(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req speakRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	switch n := utf8.RuneCountInString(text); {
	case n == 0:
		httputil.Error(w, http.StatusBadRequest, "text is required")
		return
	case n > MaxTextRunes:
		httputil.Error(w, http.StatusBadRequest, fmt.Sprintf("text must be %d characters or less", MaxTextRunes))
		return
	}

	if req.PostID != "" {
		if status, msg := s.checkPostOwner(r.Context(), req.PostID, user.ID); status != 0 {
			httputil.Error(w, status, msg)
			return
		}
	}

	audio, err := s.voice.Synthesize(r.Context(), text, req.VoiceID)
	if err != nil {
		s.logger.Warn("speech synthesis failed", "error", err)
		s.metrics.IncError("tts_upstream")
		httputil.Error(w, http.StatusBadGateway, "speech synthesis failed")
		return
	}
	audioURL, err := s.uploads.Upload(r.Context(), s.bucket, storage.ObjectPath(user.ID, s.now(), "mp3"), "audio/mpeg", audio)
	if err != nil {
		s.logger.Error("upload audio", "error", err)
		s.metrics.IncError("tts_storage")
		httputil.Error(w, http.StatusBadGateway, "audio upload failed")
		return
	}

	if req.PostID != "" {
		if err := s.store.SetPostAudio(r.Context(), req.PostID, audioURL); err != nil {
			s.logger.Error("attach audio", "post_id", req.PostID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, speakResponse{AudioURL: audioURL, PostID: req.PostID})
}

func (s *Service) checkPostOwner(ctx context.Context, postID, userID string) (int, string) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return http.StatusNotFound, "post not found"
		}
		s.logger.Error("load post", "post_id", postID, "error", err)
		return http.StatusInternalServerError, err.Error()
	}
	bot, err := s.store.GetBot(ctx, post.BotID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		s.logger.Error("load bot", "bot_id", post.BotID, "error", err)
		return http.StatusInternalServerError, err.Error()
	}
	if bot == nil || bot.OwnerID == nil || *bot.OwnerID != userID {
		return http.StatusForbidden, "you can only add audio to your own bots' posts"
	}
	return 0, ""
}
