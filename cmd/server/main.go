package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/attribution-api/internal/allocation"
	"github.com/ksred/attribution-api/internal/audit"
	"github.com/ksred/attribution-api/internal/auth"
	"github.com/ksred/attribution-api/internal/broker"
	"github.com/ksred/attribution-api/internal/config"
	"github.com/ksred/attribution-api/internal/database"
	"github.com/ksred/attribution-api/internal/exits"
	"github.com/ksred/attribution-api/internal/idempotency"
	"github.com/ksred/attribution-api/internal/locks"
	"github.com/ksred/attribution-api/internal/policy"
	"github.com/ksred/attribution-api/internal/reconciliation"
	"github.com/ksred/attribution-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// Demo credentials registered at startup so the API is usable out of the box
var (
	demoAPIKey    = "demo-api-key"
	demoAPISecret = "demo-api-secret"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
}

// main initializes and runs the attribution API server with graceful
// shutdown support
func main() {
	cfg, err := config.Load(os.Getenv("ATTRIB_CONFIG"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Auth.JWTSecret == "" {
		// Keep local development friction-free; production must set the secret.
		cfg.Auth.JWTSecret = "attribution-dev-secret"
	}
	if err := cfg.Validate(); err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterAPICredentials(demoAPIKey, demoAPISecret)

	auditService := audit.NewService(db)
	auditHandlers := audit.NewGinHandlers(auditService)

	coordinator := locks.NewCoordinator(db, cfg.Locks.DefaultTTL.Duration, cfg.Locks.GracePeriod.Duration)
	lockHandlers := locks.NewGinHandlers(coordinator)
	ledger := idempotency.NewLedger(db, cfg.Idempotency.MaxRetries, cfg.Idempotency.Retention.Duration)

	engine := allocation.NewEngine(db, auditService, coordinator, ledger, cfg.Locks.DefaultTTL.Duration, cfg.Locks.RetryAttempts, cfg.Locks.RetryBaseDelay.Duration)
	allocationHandlers := allocation.NewGinHandlers(engine)

	gate := policy.NewGate(db, auditService)

	exitService := exits.NewService(db, gate, engine)
	exitHandlers := exits.NewGinHandlers(exitService)

	brokerClient := broker.NewMock().WithLatency(5*time.Millisecond, 20*time.Millisecond)

	worker := reconciliation.NewWorker(
		db,
		brokerClient,
		auditService,
		exitService,
		cfg.Reconciliation.BrokerTimeout.Duration,
		cfg.Reconciliation.Interval.Duration,
		reconciliation.Scope{
			MaxAge:    cfg.Reconciliation.MaxAge.Duration,
			BatchSize: cfg.Reconciliation.BatchSize,
		},
	)
	reconciliationHandlers := reconciliation.NewGinHandlers(worker)

	// Start background workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go worker.Start(workerCtx)
	go coordinator.StartSweep(workerCtx, cfg.Locks.SweepInterval.Duration)
	go ledger.StartSweep(workerCtx, cfg.Idempotency.SweepInterval.Duration)

	// Setup middleware
	router.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))

	// Setup API routes
	setupRoutes(router, cfg.Auth.JWTSecret, authHandlers, exitHandlers, allocationHandlers, auditHandlers, reconciliationHandlers, lockHandlers, brokerClient)

	// Create server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
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

	// Stop background workers before draining HTTP
	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Exit/allocation/case/audit routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	exitHandlers *exits.GinHandlers,
	allocationHandlers *allocation.GinHandlers,
	auditHandlers *audit.GinHandlers,
	reconciliationHandlers *reconciliation.GinHandlers,
	lockHandlers *locks.GinHandlers,
	brokerMock *broker.Mock,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Exit attribution routes
		exitsGroup := v1.Group("/exits")
		exitsGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			exitsGroup.POST("", exitHandlers.SubmitExitHandler())
		}

		// Allocation and case routes
		allocations := v1.Group("/allocations")
		allocations.Use(middleware.JWTAuth(jwtSecret))
		{
			allocations.GET("/:allocation_id", allocationHandlers.GetAllocationHandler())
		}

		cases := v1.Group("/cases")
		cases.Use(middleware.JWTAuth(jwtSecret))
		{
			cases.GET("", allocationHandlers.ListPendingCasesHandler())
			cases.GET("/:case_id", allocationHandlers.GetCaseHandler())
			cases.POST("/:case_id/resolve", allocationHandlers.ResolveCaseHandler())
		}

		// Audit routes
		auditGroup := v1.Group("/audit")
		auditGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			auditGroup.GET("", auditHandlers.ListEntriesHandler())
		}

		// Position read routes
		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(jwtSecret))
		{
			positions.GET("", exitHandlers.ListPositionsHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/reconciliation/run", reconciliationHandlers.RunHandler())
			internal.POST("/reconciliation/orders/:order_id", reconciliationHandlers.ReconcileOrderHandler())
			internal.POST("/orders", reconciliationHandlers.SeedOrderHandler())
			internal.POST("/positions", exitHandlers.SeedPositionHandler())
			internal.POST("/locks/sweep", lockHandlers.SweepHandler())
			internal.POST("/broker/orders", seedBrokerOrderHandler(brokerMock))
		}
	}
}

// seedBrokerOrderHandler injects ground-truth order state into the mock
// broker so drift can be exercised end to end.
func seedBrokerOrderHandler(mock *broker.Mock) gin.HandlerFunc {
	return func(c *gin.Context) {
		var status broker.OrderStatus
		if err := c.ShouldBindJSON(&status); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if status.BrokerOrderID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "broker_order_id is required"})
			return
		}
		if status.UpdatedAt.IsZero() {
			status.UpdatedAt = time.Now()
		}
		mock.SetOrderStatus(status.BrokerOrderID, status)
		c.JSON(http.StatusCreated, status)
	}
}
