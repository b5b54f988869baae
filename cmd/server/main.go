package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/tabshare/tabshare-api/internal/auth"
	"github.com/tabshare/tabshare-api/internal/config"
	"github.com/tabshare/tabshare-api/internal/database"
	"github.com/tabshare/tabshare-api/internal/events"
	"github.com/tabshare/tabshare-api/internal/gateway"
	"github.com/tabshare/tabshare-api/internal/reconcile"
	"github.com/tabshare/tabshare-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the split-bill API server with graceful
// shutdown support
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	// Completion events go to kafka when brokers are configured, the
	// structured log otherwise.
	var publisher events.Publisher
	var kafkaPublisher *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.ServiceName, 256)
		kafkaPublisher.Start(backgroundCtx)
		publisher = kafkaPublisher
	} else {
		publisher = &events.LogPublisher{Producer: cfg.ServiceName}
	}

	reconcileService := reconcile.NewService(db, gateway.NewSimulated(), publisher, reconcile.Options{
		DefaultTTL:     cfg.DefaultTTL,
		LockTimeout:    cfg.LockTimeout,
		GatewayTimeout: cfg.GatewayTimeout,
	})
	reconcileHandlers := reconcile.NewGinHandlers(reconcileService)
	webhookHandlers := gateway.NewWebhookHandlers(reconcileService, cfg.WebhookSecret)

	// Create and start the expiration sweeper
	sweeper := reconcile.NewSweeper(reconcileService, cfg.SweepInterval)
	go sweeper.Start(backgroundCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, reconcileHandlers, webhookHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Drain any buffered completion events before exit
	backgroundCancel()
	if kafkaPublisher != nil {
		kafkaPublisher.WaitClosed()
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: venue credential exchange
// - Group routes: host-only creation/cancel, public join and polling
// - Webhook routes: gateway callbacks, protected by payload signature
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
	webhookHandlers *gateway.WebhookHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Group order routes
		groups := v1.Group("/groups")
		{
			// Host routes, protected by JWT
			groups.POST("", middleware.JWTAuth(jwtSecret), reconcileHandlers.CreateGroupHandler())
			groups.POST("/:group_id/cancel", middleware.JWTAuth(jwtSecret), reconcileHandlers.CancelGroupHandler())

			// Guest routes, unauthenticated
			groups.POST("/:group_id/join", reconcileHandlers.JoinHandler())
			groups.GET("/:group_id", reconcileHandlers.GetGroupHandler())
		}

		// Webhook routes (signature-verified, no user auth)
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/payment-gateway", webhookHandlers.PaymentEventHandler())
		}
	}
}
