package main

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"tryon-backend/internal/alert"
	"tryon-backend/internal/circuit"
	"tryon-backend/internal/config"
	"tryon-backend/internal/database"
	"tryon-backend/internal/handlers"
	"tryon-backend/internal/logger"
	"tryon-backend/internal/middleware"
	"tryon-backend/internal/ratelimit"
	"tryon-backend/internal/replicate"
	"tryon-backend/internal/services"
	"tryon-backend/internal/store"
	"tryon-backend/internal/supabase"
)

func main() {
	// Load .env if present; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog, err := logger.New(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Sync()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	migrator, err := database.NewMigrator(cfg.DatabaseURL, appLog)
	if err != nil {
		appLog.Fatal("failed to connect for migrations", "error", err.Error())
	}
	if err := migrator.Run(); err != nil {
		appLog.Fatal("failed to run migrations", "error", err.Error())
	}
	migrator.Close()

	db, err := store.NewStore(cfg.DatabaseURL)
	if err != nil {
		appLog.Fatal("failed to connect to database", "error", err.Error())
	}
	defer db.Close()

	storageClient, err := supabase.NewStorageClient(cfg)
	if err != nil {
		appLog.Fatal("failed to initialize storage client", "error", err.Error())
	}

	provider := replicate.NewClient(cfg.ReplicateAPIBaseURL, cfg.ReplicateAPIToken)

	alerts := alert.NewRecorder(db, appLog)
	limiter := ratelimit.New(db, alerts, cfg.RateLimitMax, cfg.RateLimitWindow, appLog)
	breaker := circuit.New(db, alerts, cfg.CircuitFailureThreshold, cfg.CircuitRecoveryTime, appLog)

	dispatchService := services.NewDispatchService(
		db, storageClient, provider, limiter, breaker, alerts,
		cfg.WebhookCallbackURL, appLog)
	webhookService := services.NewWebhookService(
		db, storageClient, provider, breaker, alerts,
		cfg.SlowProcessingThreshold, appLog)

	generateHandler := handlers.NewGenerateHandler(dispatchService)
	webhookHandler := handlers.NewWebhookHandler(webhookService, cfg.ReplicateWebhookToken, appLog)
	statusHandler := handlers.NewStatusHandler(db)
	healthHandler := handlers.NewHealthHandler()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(appLog))

	router.GET("/health", healthHandler.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/generate", middleware.OptionalAuth(cfg.SupabaseJWTSecret), generateHandler.Generate)
		api.GET("/generations/:job_id", statusHandler.GetStatus)
		api.GET("/generations/:job_id/position", statusHandler.GetPosition)
		api.POST("/webhooks/replicate", webhookHandler.HandleCallback)
	}

	appLog.Info("server starting", "port", cfg.Port, "environment", cfg.Environment)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		appLog.Fatal("server exited", "error", err.Error())
	}
}
