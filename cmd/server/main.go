package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/auth"
	"github.com/ksred/trading-oms/internal/broker"
	"github.com/ksred/trading-oms/internal/config"
	"github.com/ksred/trading-oms/internal/database"
	"github.com/ksred/trading-oms/internal/gateway"
	"github.com/ksred/trading-oms/internal/ledger"
	"github.com/ksred/trading-oms/internal/orders"
	"github.com/ksred/trading-oms/internal/recon"
	"github.com/ksred/trading-oms/internal/risk"
	"github.com/ksred/trading-oms/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// referencePrices seeds the mock broker with a liquid universe.
var referencePrices = map[string]float64{
	"AAPL":  190.0,
	"GOOGL": 140.0,
	"MSFT":  410.0,
	"AMZN":  175.0,
	"META":  480.0,
	"NVDA":  115.0,
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	store := database.NewMonitor(db)

	auditWriter := audit.NewWriter(store)
	ledgerService := ledger.NewService(store, auditWriter, cfg)
	if err := ledgerService.LoadState(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load ledger state")
	}

	riskEngine := risk.NewEngine(cfg)
	riskTracker := risk.NewTracker(store)

	adapter := broker.NewMock(1_000_000, referencePrices)
	budget := broker.NewBudget(cfg.Broker.CallsPerSec, cfg.Broker.Burst)
	breaker := broker.NewBreaker(5, 30*time.Second)

	orderManager := orders.NewManager(store, auditWriter, ledgerService, riskTracker, adapter, budget, breaker, cfg)
	if err := orderManager.LoadOpen(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load open orders")
	}

	gatewayService := gateway.NewService(store, auditWriter, ledgerService, riskEngine, orderManager, adapter, budget, breaker, cfg)
	if err := gatewayService.LoadState(24 * time.Hour); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load intent cache")
	}
	gatewayHandlers := gateway.NewGinHandlers(gatewayService)

	reconProcessor := recon.NewProcessor(ledgerService, orderManager, adapter, budget, breaker, riskTracker, cfg, gatewayService)
	gatewayService.SetRecon(reconProcessor)

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	for strategyID := range cfg.StrategyBudgets {
		key := strings.ToLower(strategyID) + "-api-key"
		authService.RegisterStrategy(strategyID, key, key+"-secret")
	}
	authService.RegisterOperator("operator-api-key", "operator-api-secret")

	// Background loops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go store.Run(bgCtx, 2*time.Second)
	go orderManager.RunFillStream(bgCtx)
	go orderManager.RunTimeouts(bgCtx, time.Duration(cfg.OrderTimeoutSec)*time.Second)
	go reconProcessor.Start(bgCtx)

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg, authHandlers, gatewayHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Str("port", cfg.Server.Port).Msg("order management service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop background loops before the HTTP server so no new orders are
	// created while requests drain.
	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public token exchange
// - Intent and portfolio routes: protected by strategy JWT
// - Admin routes: protected by admin-permission JWT
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	gatewayHandlers *gateway.GinHandlers,
) {
	router.GET("/health", gatewayHandlers.HealthHandler())

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		intents := v1.Group("/intents")
		intents.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			intents.POST("", gatewayHandlers.SubmitIntentHandler())
			intents.GET("/:intent_id", gatewayHandlers.GetIntentHandler())
		}

		portfolio := v1.Group("")
		portfolio.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			portfolio.GET("/orders", gatewayHandlers.GetOrdersHandler())
			portfolio.GET("/orders/:order_id", gatewayHandlers.GetOrderHandler())
			portfolio.GET("/positions", gatewayHandlers.GetPositionsHandler())
			portfolio.GET("/positions/:symbol", gatewayHandlers.GetPositionHandler())
			portfolio.GET("/allocations/:strategy_id", gatewayHandlers.GetAllocationsHandler())
			portfolio.GET("/account", gatewayHandlers.GetAccountHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(cfg.Auth.JWTSecret))
		{
			admin.POST("/safe-mode", gatewayHandlers.SafeModeHandler())
			admin.POST("/vi-cooldown", gatewayHandlers.VICooldownHandler())
			admin.POST("/flatten-all", gatewayHandlers.FlattenAllHandler())
			admin.POST("/strategies/:strategy_id/pause", gatewayHandlers.PauseStrategyHandler())
			admin.POST("/strategies/:strategy_id/resume", gatewayHandlers.ResumeStrategyHandler())
			admin.POST("/positions/:symbol/resolve-drift", gatewayHandlers.ResolveDriftHandler())
		}
	}
}
