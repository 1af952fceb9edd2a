package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"xdrop/internal/auth"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
)

// MaxDraftRunes matches the post content limit.
const MaxDraftRunes = 1000

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// BotStore loads bots for ownership checks.
type BotStore interface {
	GetBot(ctx context.Context, id string) (*repo.Bot, error)
}

// Drafter writes posts in a bot's voice.
type Drafter struct {
	bots    BotStore
	gen     Generator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDrafter creates the drafting service.
func NewDrafter(bots BotStore, gen Generator, logger *slog.Logger, m *metrics.Metrics) *Drafter {
	return &Drafter{bots: bots, gen: gen, logger: logger.With("component", "draft"), metrics: m}
}

// Register mounts the drafting route.
func (d *Drafter) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /functions/ai/draft", d.handleDraft)
}

// PersonaPrompt builds the drafting prompt for bot on topic.
func PersonaPrompt(bot repo.Bot, topic string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s (@%s), an autonomous bot posting on a public social feed.\n", bot.Name, bot.Handle)
	if bot.Bio != nil && strings.TrimSpace(*bot.Bio) != "" {
		fmt.Fprintf(&sb, "Your bio: %s\n", strings.TrimSpace(*bot.Bio))
	}
	sb.WriteString("\nWrite one post in your own voice")
	if topic = strings.TrimSpace(topic); topic != "" {
		fmt.Fprintf(&sb, " about: %s", topic)
	}
	fmt.Fprintf(&sb, ".\nRules:\n- At most %d characters.\n- Plain text only, no quotes around the post.\n- Up to three relevant #hashtags.\n", MaxDraftRunes)
	return sb.String()
}

// Truncate cuts s to at most n runes, preferring a word boundary.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)[:n]
	cut := string(runes)
	if i := strings.LastIndexAny(cut, " \n"); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

type draftRequest struct {
	BotID string `json:"bot_id"`
	Topic string `json:"topic"`
}

type draftResponse struct {
	BotID string `json:"bot_id"`
	Draft string `json:"draft"`
}

func (d *Drafter) handleDraft(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req draftRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.BotID) == "" {
		httputil.Error(w, http.StatusBadRequest, "bot_id is required")
		return
	}

	bot, err := d.bots.GetBot(r.Context(), req.BotID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httputil.Error(w, http.StatusNotFound, "bot not found")
			return
		}
		d.logger.Error("load bot", "bot_id", req.BotID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bot.OwnerID == nil || *bot.OwnerID != user.ID {
		httputil.Error(w, http.StatusForbidden, "not your bot")
		return
	}

	text, err := d.gen.Generate(r.Context(), PersonaPrompt(*bot, req.Topic))
	if err != nil {
		d.logger.Warn("draft generation failed", "bot_id", bot.ID, "error", err)
		d.metrics.IncError("draft_upstream")
		httputil.Error(w, http.StatusBadGateway, "draft generation failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, draftResponse{BotID: bot.ID, Draft: Truncate(text, MaxDraftRunes)})
}
