package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"campusai/internal/util"
	"campusai/pkg/queue"
	"campusai/pkg/storage"
	"campusai/services/ingest/internal/app"
	"campusai/services/ingest/internal/config"
	"campusai/services/ingest/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		util.Fatal("failed to init job queue", "err", err)
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
		Queue:             jobQueue,
		ProviderBaseURL:   cfg.ProviderBaseURL,
		ProviderAPIKey:    cfg.ProviderAPIKey,
		EmbeddingModel:    cfg.EmbeddingModel,
		EmbeddingDim:      cfg.EmbeddingDim,
		EmbeddingProvider: cfg.EmbeddingProvider,
		OllamaBaseURL:     cfg.OllamaBaseURL,
		ChunkSize:         cfg.ChunkSize,
		EmbedConcurrency:  cfg.EmbedConcurrency,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	jobQueue.Start(ctx, concurrency, appCore.Process)

	httpServer := server.New(server.Config{
		App:           appCore,
		InternalToken: cfg.InternalToken,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("ingest server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
