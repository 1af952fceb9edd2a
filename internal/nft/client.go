package nft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"xdrop/internal/metrics"

	"github.com/tidwall/gjson"
)

// ErrNotConfigured is returned when the mint API is not set up.
var ErrNotConfigured = errors.New("mint api not configured")

// Config configures the minting API.
type Config struct {
	BaseURL    string
	APIKey     string
	Chain      string
	Collection string
	Timeout    time.Duration
}

// MintRequest describes a token to mint.
type MintRequest struct {
	Recipient   string
	Name        string
	MetadataURL string
}

// MintResult identifies a minted token.
type MintResult struct {
	TokenID string
	TxHash  string
}

// Client calls the minting API.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	http    *http.Client
	metrics *metrics.Metrics
}

// NewClient creates a mint API client.
func NewClient(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "mint"),
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// Mint mints one token to req.Recipient.
func (c *Client) Mint(ctx context.Context, req MintRequest) (*MintResult, error) {
	if c.cfg.BaseURL == "" || c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	payload, err := json.Marshal(map[string]string{
		"chain":         c.cfg.Chain,
		"collection_id": c.cfg.Collection,
		"recipient":     req.Recipient,
		"name":          req.Name,
		"metadata_uri":  req.MetadataURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encode mint: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/mints", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.ObserveUpstream("mint", "mint", "error", 0)
		return nil, fmt.Errorf("mint request: %w", err)
	}
	defer res.Body.Close()
	c.metrics.ObserveUpstream("mint", "mint", strconv.Itoa(res.StatusCode), time.Since(start).Seconds())

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("mint api: status=%d error=%s", res.StatusCode, msg)
	}

	root := gjson.ParseBytes(body)
	if d := root.Get("data"); d.IsObject() {
		root = d
	}
	out := &MintResult{
		TokenID: root.Get("token_id").String(),
		TxHash:  root.Get("tx_hash").String(),
	}
	if out.TokenID == "" && out.TxHash == "" {
		return nil, errors.New("mint api: response missing token_id and tx_hash")
	}
	return out, nil
}
