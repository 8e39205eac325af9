package main

import (
	"context"
	"os/signal"
	"syscall"

	"app/internal/config"
	"app/internal/dynamo"
	"app/internal/logger"
	"app/internal/provider"
	"app/internal/queue"
	"app/internal/repository"
	"app/internal/service"
	"app/internal/storage"
	"app/internal/worker"

	"github.com/joho/godotenv"
)

func main() {
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Fetch API keys from Secret Manager when configured
	if cfg.GCPProjectID != "" {
		secrets, err := service.NewSecretManagerService(ctx, cfg)
		if err != nil {
			logger.Fatal().Msgf("Failed to create secret manager client: %v", err)
		}
		if err := service.LoadAPIKeys(ctx, cfg, secrets); err != nil {
			logger.Fatal().Msgf("Failed to load API keys: %v", err)
		}
		secrets.Close()
	}

	// Initialize store, queue, storage and provider clients
	store, err := dynamo.NewFromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal().Msgf("Failed to create store client: %v", err)
	}
	queueClient, err := queue.NewFromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal().Msgf("Failed to create queue client: %v", err)
	}
	s3Storage, err := storage.NewS3Storage(ctx, cfg)
	if err != nil {
		logger.Fatal().Msgf("Failed to create storage client: %v", err)
	}

	userRepo := repository.NewUserRepo(store)
	jobRepo := repository.NewJobRepo(store)
	imageRepo := repository.NewImageRepo(store)

	generator := provider.NewGenerator(provider.NewClient(cfg), logger)

	w := worker.New(cfg, queueClient, jobRepo, userRepo, imageRepo, generator, s3Storage, logger)
	if err := w.Run(ctx); err != nil {
		logger.Fatal().Msgf("Worker failed: %v", err)
	}
	logger.Info().Msg("Worker stopped gracefully")
}
