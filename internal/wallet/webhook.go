package wallet

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"xdrop/internal/httputil"
	"xdrop/internal/metrics"

	"github.com/tidwall/gjson"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "x-wallet-signature"

const maxWebhookBody = 1 << 20

// WebhookEvent is a verified delivery from the wallet provider.
type WebhookEvent struct {
	ID         string
	Type       string
	WalletID   string
	Balance    *int64
	Amount     int64
	Payload    []byte
	ReceivedAt time.Time
}

// WebhookProcessor applies verified events.
type WebhookProcessor interface {
	HandleWalletEvent(ctx context.Context, event WebhookEvent) error
}

// WebhookHandler verifies provider signatures and forwards events.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	secret    []byte
	processor WebhookProcessor
}

// NewWebhookHandler creates a webhook handler keyed with secret.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, secret string, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "wallet_webhook"),
		metrics:   m,
		secret:    []byte(secret),
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.IncError("wallet_webhook")
		httputil.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	if !VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		h.metrics.IncError("wallet_webhook_auth")
		h.countEvent("unknown", "rejected")
		httputil.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		h.countEvent("unknown", "malformed")
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.processor != nil {
		if err := h.processor.HandleWalletEvent(r.Context(), event); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "event", event.Type, "id", event.ID)
			h.metrics.IncError("wallet_webhook_process")
			h.countEvent(event.Type, "failed")
			httputil.Error(w, http.StatusInternalServerError, "failed to process")
			return
		}
	}
	h.countEvent(event.Type, "processed")
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) countEvent(eventType, outcome string) {
	if h.metrics == nil {
		return
	}
	if eventType != "unknown" && !KnownEvent(eventType) {
		eventType = "other"
	}
	h.metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body in constant time. An optional
// "sha256=" prefix is accepted. An empty secret never verifies.
func VerifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ParseEvent extracts the fields the processor needs from a provider payload.
func ParseEvent(body []byte) (WebhookEvent, error) {
	if !gjson.ValidBytes(body) {
		return WebhookEvent{}, errors.New("invalid JSON payload")
	}
	root := gjson.ParseBytes(body)
	data := root.Get("data")
	if !data.IsObject() {
		data = root
	}

	event := WebhookEvent{
		ID:         firstString(root, "id", "event_id"),
		Type:       firstString(root, "type", "event", "event_type"),
		WalletID:   firstString(data, "wallet_id", "wallet.id"),
		Amount:     firstResult(data, "amount", "value").Int(),
		Payload:    body,
		ReceivedAt: time.Now(),
	}
	if b := firstResult(data, "balance", "new_balance"); b.Exists() {
		v := b.Int()
		event.Balance = &v
	}
	if event.Type == "" {
		return WebhookEvent{}, errors.New("missing event type")
	}
	return event, nil
}
