package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"training-integrity-system/internal/proctor"
	"training-integrity-system/pkg/api"
	"training-integrity-system/pkg/auth"
	"training-integrity-system/pkg/config"
	"training-integrity-system/pkg/db"
	"training-integrity-system/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger with file output for the proctoring service
	logger.InitWithFileLogging(cfg.LogLevel, logger.Proctor)

	// Create startup logger
	startupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Proctor, logger.Startup)
	startupLogger.Info().Msg("Starting Training Integrity System - Proctor")

	// Initialize database
	database, err := db.NewSessionDB(cfg.DBPath)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()
	startupLogger.Info().Str("db_path", cfg.DBPath).Msg("Database initialized successfully")

	// Initialize HMAC authentication
	secrets := cfg.GetSecrets()
	hmacAuth := auth.NewHMACAuth(secrets, cfg.GetClockSkew())
	startupLogger.Info().Int("secret_count", len(secrets)).Msg("HMAC authentication initialized")

	// Initialize the liveness verifier client if an endpoint is configured
	var verifier proctor.LivenessVerifier
	if cfg.VerifierURL != "" {
		verifier = proctor.NewHTTPVerifier(cfg)
		startupLogger.Info().Str("verifier_url", cfg.VerifierURL).Msg("Liveness verifier client initialized")
	} else {
		startupLogger.Warn().Msg("No liveness verifier configured, only trusted direct challenge resolution accepted")
	}

	// Initialize the integrity engine
	engine := proctor.NewEngine(cfg, database, proctor.NewDBCatalog(database), verifier)
	if err := engine.Start(); err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to start integrity engine")
	}
	startupLogger.Info().Msg("Integrity engine started")

	// Initialize service and middleware
	service := proctor.NewService(engine)
	middleware := api.NewMiddleware(hmacAuth, database)

	// Create router
	router := mux.NewRouter()

	// Add middleware
	router.Use(middleware.RequestLogging)
	router.Use(middleware.SizeLimit)
	router.Use(middleware.CORS)

	// Health and metrics endpoints (no auth required)
	router.HandleFunc("/healthz", api.HealthCheck).Methods("GET")
	router.HandleFunc("/readyz", api.ReadinessCheck(database)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Session endpoints (require HMAC auth)
	sessionRouter := router.PathPrefix("/api/v1").Subrouter()
	sessionRouter.Use(middleware.HMACAuth)
	service.RegisterRoutes(sessionRouter)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.GetAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		startupLogger.Info().
			Str("address", cfg.GetAddr()).
			Msg("Proctor server starting")

		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			startupLogger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Start background cleanup goroutine
	go cleanupNonces(database, cfg)
	startupLogger.Info().Msg("Background nonce cleanup routine started")

	// Wait for interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	<-interrupt
	startupLogger.Info().Msg("Shutdown signal received")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		startupLogger.Error().Err(err).Msg("Server shutdown error")
	}

	// Stop background loops and flush session snapshots
	engine.Stop()
	startupLogger.Info().Msg("Proctor server stopped")

	// Clean up old log files (keep last 7 days)
	if err := logger.CleanupOldLogs(7); err != nil {
		startupLogger.Warn().Err(err).Msg("Failed to cleanup old log files")
	}
}

func cleanupNonces(database *db.SessionDB, cfg *config.Config) {
	// Create a general category logger for background tasks
	cleanupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Proctor, logger.General)

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		// Clean up nonces older than 2x clock skew
		olderThan := time.Now().Add(-2 * cfg.GetClockSkew())
		if err := database.CleanupOldNonces(olderThan); err != nil {
			cleanupLogger.Error().Err(err).Msg("Failed to cleanup old nonces")
		} else {
			cleanupLogger.Debug().Msg("Cleaned up old nonces")
		}
	}
}
