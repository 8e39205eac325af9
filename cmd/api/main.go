package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"app/internal/config"
	"app/internal/dynamo"
	"app/internal/logger"
	"app/internal/middleware"
	"app/internal/repository"
	"app/internal/service"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
)

func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx := context.Background()

	// 2. Fetch API keys from Secret Manager when configured
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

	// 3. Initialize store and repositories
	store, err := dynamo.NewFromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal().Msgf("Failed to create store client: %v", err)
	}
	userRepo := repository.NewUserRepo(store)
	subRepo := repository.NewSubscriptionRepo(store)

	stripeSvc := service.NewStripeService(cfg, userRepo, subRepo, logger)

	// 4. Build router
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/stripe", stripeSvc.HandleWebhook)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// 5. Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      middleware.LoggerMiddleware(logger)(c.Handler(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 6. Start server in a goroutine
	go func() {
		logger.Info().Msgf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Msgf("Listen: %s\n", err)
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Msgf("Server forced to shutdown: %v", err)
	}
	logger.Info().Msg("Server shut down gracefully")
}
