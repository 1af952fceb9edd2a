package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"xdrop/internal/admin"
	"xdrop/internal/auth"
	"xdrop/internal/brain"
	"xdrop/internal/builds"
	"xdrop/internal/cache"
	"xdrop/internal/config"
	"xdrop/internal/github"
	"xdrop/internal/httpserver"
	"xdrop/internal/logging"
	"xdrop/internal/market"
	"xdrop/internal/metrics"
	"xdrop/internal/nft"
	"xdrop/internal/registration"
	"xdrop/internal/reports"
	"xdrop/internal/repo"
	"xdrop/internal/social"
	"xdrop/internal/storage"
	"xdrop/internal/tts"
	"xdrop/internal/wallet"
	"xdrop/migrations"
)

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting xdrop", "env", cfg.AppEnv)

	ctx, stop := signalContext(parent)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.SupabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		UseTLS:    cfg.RedisTLS,
		KeyPrefix: "xdrop:",
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed; caching degraded", "error", err)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	profiles := auth.NewProfileSync(repository, logger)

	limiter := social.NewRateLimiter(cfg.Social.RateLimitRPS, cfg.Social.RateLimitBurst)
	go limiter.Run(ctx, time.Minute)
	socialHandler := social.NewHandler(repository, redisClient, limiter, logger, metricRegistry, social.Config{
		TrendingWindow: cfg.Social.TrendingWindow,
		RateLimitRPS:   cfg.Social.RateLimitRPS,
		RateLimitBurst: cfg.Social.RateLimitBurst,
	})

	adminHandler := admin.NewHandler(repository, verifier, redisClient, logger, metricRegistry)

	walletClient := wallet.New(wallet.Config{
		BaseURL: cfg.Wallet.BaseURL,
		APIKey:  cfg.Wallet.APIKey,
		Timeout: cfg.Wallet.Timeout,
	}, logger, metricRegistry, redisClient)
	walletService := wallet.NewService(repository, walletClient, logger, metricRegistry)
	walletWebhook := wallet.NewWebhookHandler(logger, metricRegistry, cfg.Wallet.WebhookSecret, walletService)

	objectStore := storage.New(storage.Config{
		URL:        cfg.Storage.URL,
		ServiceKey: cfg.Storage.ServiceKey,
	}, logger, metricRegistry)

	actions := github.New(github.Config{
		Token:        cfg.GitHub.Token,
		Owner:        cfg.GitHub.Owner,
		Repo:         cfg.GitHub.Repo,
		WorkflowFile: cfg.GitHub.WorkflowFile,
		Ref:          cfg.GitHub.Ref,
		Timeout:      cfg.GitHub.Timeout,
	}, logger, metricRegistry)
	buildService := builds.NewService(repository, actions, cfg.GitHub.WorkflowName, logger, metricRegistry)

	gemini, err := brain.New(ctx, brain.Config{
		APIKey:     cfg.Gemini.APIKey,
		Model:      cfg.Gemini.Model,
		ImageModel: cfg.Mint.ImageModel,
		Timeout:    cfg.Gemini.Timeout,
	}, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init gemini: %w", err)
	}

	minter := nft.NewClient(nft.Config{
		BaseURL:    cfg.Mint.BaseURL,
		APIKey:     cfg.Mint.APIKey,
		Chain:      cfg.Mint.Chain,
		Collection: cfg.Mint.Collection,
		Timeout:    cfg.Mint.Timeout,
	}, logger, metricRegistry)
	mintPipeline := nft.NewPipeline(repository, gemini, objectStore, minter, nft.Buckets{
		Images:   cfg.Storage.NFTImageBucket,
		Metadata: cfg.Storage.NFTMetaBucket,
	}, logger, metricRegistry)

	speech := tts.NewClient(tts.Config{
		BaseURL:      cfg.TTS.BaseURL,
		APIKey:       cfg.TTS.APIKey,
		DefaultVoice: cfg.TTS.DefaultVoice,
		Timeout:      cfg.TTS.Timeout,
	}, metricRegistry)

	requireUser := func(next http.Handler) http.Handler {
		return verifier.RequireUser(profiles.Middleware(next))
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		Social:        socialHandler,
		Admin:         adminHandler,
		WalletWebhook: walletWebhook,
		RequireUser:   requireUser,
		Functions: []httpserver.Registrar{
			buildService,
			walletService,
			mintPipeline,
			tts.NewService(repository, speech, objectStore, cfg.Storage.AudioBucket, logger, metricRegistry),
			registration.New(repository, logger, metricRegistry),
			brain.NewDrafter(repository, gemini, logger, metricRegistry),
			market.NewService(repository, logger, metricRegistry),
			reports.NewService(repository, objectStore, cfg.Storage.ScreenshotBucket, logger, metricRegistry),
		},
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Checks: map[string]func(context.Context) error{
			"postgres": repository.Ping,
			"redis":    redisClient.Ping,
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	return nil
}

func runMigrate(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signalContext(parent)
	defer stop()

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.SupabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")
	return nil
}
