package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"xdrop/internal/metrics"

	"google.golang.org/genai"
)

// ErrNotConfigured is returned when no Gemini API key is set.
var ErrNotConfigured = errors.New("gemini not configured")

// Config configures text and image generation.
type Config struct {
	APIKey     string
	Model      string
	ImageModel string
	Timeout    time.Duration
}

// Gemini generates drafts and images through the Gemini API.
type Gemini struct {
	client     *genai.Client
	model      string
	imageModel string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a Gemini client. Without an API key every call returns ErrNotConfigured.
func New(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Gemini, error) {
	g := &Gemini{
		model:      cfg.Model,
		imageModel: cfg.ImageModel,
		timeout:    cfg.Timeout,
		logger:     logger.With("component", "brain"),
		metrics:    m,
	}
	if g.model == "" {
		g.model = "gemini-2.5-flash"
	}
	if g.imageModel == "" {
		g.imageModel = "imagen-3.0-generate-002"
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if cfg.APIKey == "" {
		g.logger.Warn("GEMINI_API_KEY not set; AI features disabled")
		return g, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.client = client
	return g, nil
}

// Generate returns the text completion for prompt.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	if g.client == nil {
		return "", ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		g.metrics.ObserveUpstream("gemini", "generate", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("generate content: %w", err)
	}
	g.metrics.ObserveUpstream("gemini", "generate", "ok", time.Since(start).Seconds())

	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", errors.New("generate content: empty response")
	}
	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("generate content: empty response")
	}
	return text, nil
}

// GenerateImage renders one PNG for prompt with the image model.
func (g *Gemini) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if g.client == nil {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, 2*g.timeout)
	defer cancel()

	start := time.Now()
	res, err := g.client.Models.GenerateImages(ctx, g.imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: "image/png",
	})
	if err != nil {
		g.metrics.ObserveUpstream("gemini", "image", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("generate image: %w", err)
	}
	g.metrics.ObserveUpstream("gemini", "image", "ok", time.Since(start).Seconds())

	if res == nil || len(res.GeneratedImages) == 0 || res.GeneratedImages[0].Image == nil {
		return nil, errors.New("generate image: no image returned")
	}
	img := res.GeneratedImages[0].Image.ImageBytes
	if len(img) == 0 {
		return nil, errors.New("generate image: empty image")
	}
	return img, nil
}
