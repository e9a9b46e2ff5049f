package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"campusai/internal/ratelimit"
	"campusai/internal/usertoken"
	"campusai/internal/util"
	"campusai/pkg/storage"
	"campusai/services/assistant/internal/app"
	"campusai/services/assistant/internal/config"
	"campusai/services/assistant/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioPublicBaseURL, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		Objects:           objects,
		ProviderBaseURL:   cfg.ProviderBaseURL,
		ProviderAPIKey:    cfg.ProviderAPIKey,
		ChatModel:         cfg.ChatModel,
		EmbeddingModel:    cfg.EmbeddingModel,
		EmbeddingDim:      cfg.EmbeddingDim,
		EmbeddingProvider: cfg.EmbeddingProvider,
		OllamaBaseURL:     cfg.OllamaBaseURL,
		TopK:              cfg.TopK,
		ScoreThreshold:    cfg.ScoreThreshold,
		HistoryLimit:      cfg.HistoryLimit,
		RetrievalTimeout:  time.Duration(cfg.RetrievalTimeout) * time.Second,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	var chatLimiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" && cfg.ChatRateLimit > 0 {
		window := time.Duration(cfg.ChatRateWindowSecs) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		chatLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "campusai:ratelimit:chat", cfg.ChatRateLimit, window)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		ChatLimiter:   chatLimiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// no write timeout: chat responses stream
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("assistant server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
