package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xdrop/internal/metrics"
)

// ErrNotConfigured is returned when no storage URL is set.
var ErrNotConfigured = errors.New("object storage not configured")

// Uploader stores objects and returns their public URL.
type Uploader interface {
	Upload(ctx context.Context, bucket, path, contentType string, data []byte) (string, error)
}

// Config points at a Supabase project.
type Config struct {
	URL        string
	ServiceKey string
	Timeout    time.Duration
}

// Client uploads objects through the Supabase storage REST API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	key     string
	http    *http.Client
	metrics *metrics.Metrics
}

// New creates a storage client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "storage"),
		baseURL: strings.TrimRight(cfg.URL, "/"),
		key:     cfg.ServiceKey,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// ObjectPath builds the "{owner}/{unix millis}.{ext}" key used for user uploads.
func ObjectPath(owner string, at time.Time, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	return fmt.Sprintf("%s/%d.%s", owner, at.UnixMilli(), ext)
}

// PublicURL is the public download URL of an object.
func (c *Client) PublicURL(bucket, path string) string {
	return c.baseURL + "/storage/v1/object/public/" + bucket + "/" + escapePath(path)
}

// Upload writes data to bucket/path, replacing any existing object.
func (c *Client) Upload(ctx context.Context, bucket, path, contentType string, data []byte) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}
	endpoint := c.baseURL + "/storage/v1/object/" + bucket + "/" + escapePath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream("storage", bucket, "error", 0)
		return "", fmt.Errorf("storage upload: %w", err)
	}
	defer res.Body.Close()
	c.metrics.ObserveUpstream("storage", bucket, strconv.Itoa(res.StatusCode), time.Since(start).Seconds())

	if res.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("storage upload %s/%s: status=%d body=%s", bucket, path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, res.Body)

	c.logger.Debug("object uploaded", "bucket", bucket, "path", path, "bytes", len(data))
	return c.PublicURL(bucket, path), nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
