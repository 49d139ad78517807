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

	"github.com/ksred/trade-coordinator/internal/auth"
	"github.com/ksred/trade-coordinator/internal/config"
	"github.com/ksred/trade-coordinator/internal/coordinator"
	"github.com/ksred/trade-coordinator/internal/database"
	"github.com/ksred/trade-coordinator/internal/execution"
	"github.com/ksred/trade-coordinator/internal/gateway"
	"github.com/ksred/trade-coordinator/internal/locks"
	"github.com/ksred/trade-coordinator/internal/metrics"
	"github.com/ksred/trade-coordinator/internal/positions"
	"github.com/ksred/trade-coordinator/internal/risk"
	"github.com/ksred/trade-coordinator/pkg/middleware"

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

// main initializes and runs the trade coordinator server with graceful
// shutdown support. It wires the lock manager, risk validator,
// execution engine, and position monitor, then exposes the API routes.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// The simulated exchange backs both paper mode and, until a live
	// gateway is wired in, live mode behind the capability interface.
	var gw gateway.Gateway = gateway.NewSimulatedExchange(map[string]float64{
		"BTCUSDT": 65_000,
		"ETHUSDT": 3_400,
		"SOLUSDT": 150,
		"BNBUSDT": 580,
	})

	lockManager := locks.NewManager(db, locks.ManagerConfig{
		DefaultTimeout: cfg.Lock.Timeout(),
		SweepInterval:  cfg.Lock.SweepInterval,
		Retention:      cfg.Lock.Retention,
	})

	engine := execution.NewEngine(gw, execution.Config{
		Mode:       cfg.Mode,
		MaxRetries: cfg.Execution.MaxRetries,
		BaseDelay:  cfg.Execution.BaseDelay,
		CapDelay:   cfg.Execution.CapDelay,
	})

	monitor := positions.NewMonitor(engine, gw, db, positions.MonitorConfig{
		CheckInterval:          cfg.Monitor.CheckInterval,
		MaxConcurrentPositions: cfg.Monitor.MaxConcurrentPositions,
	})

	validator := risk.NewValidator(gw, coordinator.PositionSource{Monitor: monitor}, cfg.Risk)

	coord := coordinator.New(lockManager, validator, engine, monitor, cfg)
	coordHandlers := coordinator.NewGinHandlers(coord)

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	// Background workers: lock sweeper and position monitor
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go lockManager.Start(workerCtx)
	go monitor.Start(workerCtx)

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg, authHandlers, coordHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
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

	// Stop background supervision before closing the HTTP surface so
	// open positions get their shutdown log line.
	workerCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Trade routes: Protected by JWT authentication
// - Metrics: Prometheus text exposition, unauthenticated
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	coordHandlers *coordinator.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Trade routes
		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			trades.POST("", coordHandlers.SubmitTradeHandler())
		}

		// Status and position routes
		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			protected.GET("/status/:symbol", coordHandlers.GetStatusHandler())
			protected.GET("/positions", coordHandlers.GetPositionsHandler())
			protected.POST("/positions/:id/close", coordHandlers.ClosePositionHandler())
			protected.POST("/positions/close-all", coordHandlers.CloseAllPositionsHandler())
		}
	}
}
