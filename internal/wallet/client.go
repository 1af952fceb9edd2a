package wallet

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

	"xdrop/internal/cache"
	"xdrop/internal/metrics"

	"github.com/tidwall/gjson"
)

const (
	serviceName     = "wallet"
	balanceCacheTTL = 15 * time.Second
)

var (
	// ErrInvalidCredential indicates the provider rejected the API key.
	ErrInvalidCredential = errors.New("wallet provider invalid credential")
	// ErrNotConfigured is returned when no provider base URL is set.
	ErrNotConfigured = errors.New("wallet provider not configured")
)

// Client talks to the custodial wallet provider.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
	cache   cache.JSONStore
}

// Config holds wallet provider settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ProviderWallet is a wallet as the provider reports it.
type ProviderWallet struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// New creates a provider client. jsonCache may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, jsonCache cache.JSONStore) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "wallet_client"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
		cache:   jsonCache,
	}
}

// CreateWallet provisions a custodial wallet tagged with the user's id.
func (c *Client) CreateWallet(ctx context.Context, userID string) (*ProviderWallet, error) {
	payload, err := json.Marshal(map[string]string{"external_id": userID})
	if err != nil {
		return nil, fmt.Errorf("encode wallet request: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/wallets", payload)
	if err != nil {
		return nil, err
	}
	data := envelope(body)
	w := &ProviderWallet{
		ID:      firstString(data, "id", "wallet_id"),
		Address: firstString(data, "address", "blockchain_address"),
	}
	if w.ID == "" {
		return nil, fmt.Errorf("wallet create: provider returned no wallet id")
	}
	return w, nil
}

// Balance returns the provider balance of walletID, served from cache for a few seconds.
func (c *Client) Balance(ctx context.Context, walletID string) (int64, error) {
	key := "wallet:balance:" + walletID
	if c.cache != nil {
		var cached int64
		hit, err := c.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			c.logger.Warn("balance cache read failed", "error", err)
		}
		c.metrics.CacheResult("wallet_balance", hit)
		if hit {
			return cached, nil
		}
	}

	body, err := c.do(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(walletID)+"/balance", nil)
	if err != nil {
		return 0, err
	}
	data := envelope(body)
	res := firstResult(data, "balance", "available", "amount")
	if !res.Exists() {
		return 0, fmt.Errorf("wallet balance: missing balance field")
	}
	balance := res.Int()

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, key, balance, balanceCacheTTL); err != nil {
			c.logger.Warn("balance cache write failed", "error", err)
		}
	}
	return balance, nil
}

// InvalidateBalance drops a cached balance, e.g. after a webhook changed it.
func (c *Client) InvalidateBalance(ctx context.Context, walletID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, "wallet:balance:"+walletID); err != nil {
		c.logger.Warn("balance cache delete failed", "error", err)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "xdrop/wallet-client")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	label := metricEndpoint(endpoint)
	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(serviceName, label, "error", 0)
		return nil, fmt.Errorf("wallet request: %w", err)
	}
	defer res.Body.Close()
	c.metrics.ObserveUpstream(serviceName, label, strconv.Itoa(res.StatusCode), time.Since(start).Seconds())

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return nil, classifyHTTPError(res.StatusCode, respBody)
	}
	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("wallet %s: invalid JSON response", label)
	}
	return respBody, nil
}

func classifyHTTPError(status int, body []byte) error {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "error").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, msg)
	}
	return fmt.Errorf("wallet provider error: status=%d message=%s", status, msg)
}

// metricEndpoint collapses ids out of paths to keep label cardinality bounded.
func metricEndpoint(endpoint string) string {
	if strings.HasSuffix(endpoint, "/balance") {
		return "/v1/wallets/:id/balance"
	}
	return endpoint
}

// envelope returns the "data" object when the provider wraps its payloads.
func envelope(body []byte) gjson.Result {
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.IsObject() {
		return data
	}
	return root
}

func firstResult(data gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := data.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func firstString(data gjson.Result, keys ...string) string {
	return strings.TrimSpace(firstResult(data, keys...).String())
}
