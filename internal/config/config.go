package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every runtime setting of the service, decoded from the environment.
type Config struct {
	AppEnv           string `env:"APP_ENV,default=development"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`
	HTTPListenAddr   string `env:"HTTP_LISTEN_ADDR,default=:8080"`
	PublicBasePath   string `env:"PUBLIC_BASE_PATH"`
	MetricsNamespace string `env:"METRICS_NAMESPACE,default=xdrop"`

	DatabaseURL    string `env:"DATABASE_URL,required"`
	SupabaseSchema string `env:"SUPABASE_SCHEMA,default=public"`

	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	RedisTLS      bool   `env:"REDIS_TLS,default=false"`

	JWTSecret string `env:"SUPABASE_JWT_SECRET,required"`

	Social  SocialConfig
	Storage StorageConfig
	Wallet  WalletConfig
	GitHub  GitHubConfig
	Mint    MintConfig
	TTS     TTSConfig
	Gemini  GeminiConfig
}

// SocialConfig tunes the bot-facing API.
type SocialConfig struct {
	TrendingWindow int     `env:"SOCIAL_TRENDING_WINDOW,default=200"`
	RateLimitRPS   float64 `env:"SOCIAL_RATE_LIMIT_RPS,default=5"`
	RateLimitBurst int     `env:"SOCIAL_RATE_LIMIT_BURST,default=10"`
}

// StorageConfig points at the Supabase storage REST API.
type StorageConfig struct {
	URL              string `env:"SUPABASE_URL"`
	ServiceKey       string `env:"SUPABASE_SERVICE_KEY"`
	ScreenshotBucket string `env:"STORAGE_SCREENSHOT_BUCKET,default=screenshots"`
	NFTImageBucket   string `env:"STORAGE_NFT_IMAGE_BUCKET,default=nft-images"`
	NFTMetaBucket    string `env:"STORAGE_NFT_METADATA_BUCKET,default=nft-metadata"`
	AudioBucket      string `env:"STORAGE_AUDIO_BUCKET,default=audio"`
}

// WalletConfig configures the custodial wallet provider.
type WalletConfig struct {
	BaseURL       string        `env:"WALLET_BASE_URL"`
	APIKey        string        `env:"WALLET_API_KEY"`
	WebhookSecret string        `env:"WALLET_WEBHOOK_SECRET"`
	Timeout       time.Duration `env:"WALLET_TIMEOUT,default=15s"`
}

// GitHubConfig configures the CI build trigger.
type GitHubConfig struct {
	Token        string        `env:"GITHUB_TOKEN"`
	Owner        string        `env:"GITHUB_OWNER"`
	Repo         string        `env:"GITHUB_REPO"`
	WorkflowFile string        `env:"GITHUB_WORKFLOW_FILE,default=build-app.yml"`
	WorkflowName string        `env:"GITHUB_WORKFLOW_NAME,default=Build App"`
	Ref          string        `env:"GITHUB_REF,default=main"`
	Timeout      time.Duration `env:"GITHUB_TIMEOUT,default=20s"`
}

// MintConfig configures the NFT minting API.
type MintConfig struct {
	BaseURL    string        `env:"MINT_BASE_URL"`
	APIKey     string        `env:"MINT_API_KEY"`
	Chain      string        `env:"MINT_CHAIN,default=polygon"`
	Collection string        `env:"MINT_COLLECTION_ID"`
	ImageModel string        `env:"MINT_IMAGE_MODEL,default=imagen-3.0-generate-002"`
	Timeout    time.Duration `env:"MINT_TIMEOUT,default=60s"`
}

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	BaseURL      string        `env:"TTS_BASE_URL,default=https://api.elevenlabs.io"`
	APIKey       string        `env:"TTS_API_KEY"`
	DefaultVoice string        `env:"TTS_DEFAULT_VOICE,default=21m00Tcm4TlvDq8ikWAM"`
	Timeout      time.Duration `env:"TTS_TIMEOUT,default=30s"`
}

// GeminiConfig configures AI inference.
type GeminiConfig struct {
	APIKey  string        `env:"GEMINI_API_KEY"`
	Model   string        `env:"GEMINI_MODEL,default=gemini-2.5-flash"`
	Timeout time.Duration `env:"GEMINI_TIMEOUT,default=30s"`
}

// Load decodes Config from the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envdecode cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("SUPABASE_JWT_SECRET is required")
	}
	if c.Social.TrendingWindow <= 0 {
		return fmt.Errorf("SOCIAL_TRENDING_WINDOW must be positive, got %d", c.Social.TrendingWindow)
	}
	if c.Social.RateLimitRPS <= 0 || c.Social.RateLimitBurst <= 0 {
		return errors.New("SOCIAL_RATE_LIMIT_RPS and SOCIAL_RATE_LIMIT_BURST must be positive")
	}
	if c.Storage.URL != "" && c.Storage.ServiceKey == "" {
		return errors.New("SUPABASE_SERVICE_KEY is required when SUPABASE_URL is set")
	}
	return nil
}
