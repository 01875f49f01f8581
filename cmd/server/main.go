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

	"github.com/ksred/klear-match/internal/auth"
	"github.com/ksred/klear-match/internal/config"
	"github.com/ksred/klear-match/internal/database"
	"github.com/ksred/klear-match/internal/matching"
	"github.com/ksred/klear-match/internal/metrics"
	"github.com/ksred/klear-match/internal/orderqueue"
	"github.com/ksred/klear-match/internal/processor"
	"github.com/ksred/klear-match/internal/publisher"
	"github.com/ksred/klear-match/internal/stream"
	"github.com/ksred/klear-match/internal/trading"
	"github.com/ksred/klear-match/internal/venue"
	"github.com/ksred/klear-match/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// setupLogging enables pretty printing outside production and debug
// logging when DEBUG is set
func setupLogging(cfg config.Config) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func openQueue(cfg config.Config) (orderqueue.Queue, error) {
	if cfg.QueueBackend == "badger" {
		return orderqueue.NewBadgerQueue(cfg.QueuePath)
	}
	return orderqueue.NewMemoryQueue(), nil
}

// newAuthService registers the client from API_KEY and API_SECRET and every
// client listed in API_CREDENTIALS
func newAuthService(cfg config.Config) (*auth.Service, error) {
	s := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	clients := []auth.Client{{
		ID:          cfg.APIClientID,
		APIKey:      cfg.APIKey,
		APISecret:   cfg.APISecret,
		Permissions: auth.AllPermissions,
	}}
	for _, entry := range cfg.APICredentials {
		c, err := auth.ParseClient(entry)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	for _, c := range clients {
		if err := s.Register(c); err != nil {
			return nil, err
		}
		zlog.Info().Str("client_id", c.ID).Interface("permissions", c.Permissions).Msg("API client registered")
	}
	return s, nil
}

// main wires the matching engine, its queue and the API together and runs
// the server until it receives SIGINT or SIGTERM
func main() {
	cfg := config.Load()
	setupLogging(cfg)
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	queue, err := openQueue(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Str("backend", cfg.QueueBackend).Msg("Failed to open order queue")
	}
	defer queue.Close()

	pub := publisher.New(cfg.KafkaBrokers, cfg.KafkaTradesTopic)
	defer pub.Close()

	events := stream.NewHub[stream.Event]()
	m := metrics.New()
	engine := matching.NewEngine(matching.WithLogger(zlog.Logger.With().Str("component", "matching_engine").Logger()))

	opts := []processor.Option{
		processor.WithEvents(events),
		processor.WithPublisher(pub),
		processor.WithMetrics(m),
		processor.WithPollInterval(cfg.QueuePollInterval),
	}
	if cfg.RouteUnfilledMarket {
		opts = append(opts, processor.WithRouter(venue.NewRouter(venue.DefaultVenues)))
	}
	proc := processor.New(engine, queue, trading.NewDatabase(db), opts...)

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		proc.Start(processorCtx)
	}()

	authService, err := newAuthService(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load API clients")
	}

	tradingService := trading.NewService(db, queue, proc)
	tradingHandlers := trading.NewGinHandlers(tradingService, cfg.SnapshotDepth)

	limiter := middleware.NewRateLimiter(middleware.DefaultLimits, 20)
	stopLimiter := make(chan struct{})
	defer close(stopLimiter)
	go limiter.Run(stopLimiter)

	router := gin.Default()
	setupRoutes(router, authService, limiter, tradingHandlers, events, m)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	processorCancel()
	<-processorDone

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public, issue tokens, limited per remote address
// - Order routes: JWT protected order entry and status, limited per client
// - Book routes: JWT protected market data, limited per client
// - /ws and /metrics: streaming and monitoring
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	limiter *middleware.RateLimiter,
	tradingHandlers *trading.GinHandlers,
	events *stream.Events,
	m *metrics.Metrics,
) {
	authHandlers := auth.NewGinHandlers(authService)
	requireToken := middleware.JWTAuth(authService)
	read := middleware.RequirePermission(auth.PermissionRead)

	v1 := router.Group("/api/v1")
	{
		tokens := v1.Group("/auth")
		tokens.Use(limiter.Middleware())
		{
			tokens.POST("/token", authHandlers.IssueTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(requireToken, limiter.Middleware())
		{
			orders.POST("", middleware.RequirePermission(auth.PermissionTrade), tradingHandlers.CreateOrderHandler())
			orders.GET("/:order_id", read, tradingHandlers.GetOrderStatusHandler())
			orders.DELETE("/:order_id", middleware.RequirePermission(auth.PermissionCancel), tradingHandlers.CancelOrderHandler())
			orders.GET("/:order_id/trades", read, tradingHandlers.GetOrderTradesHandler())
			orders.GET("/:order_id/executions", read, tradingHandlers.GetOrderExecutionsHandler())
		}

		books := v1.Group("/books")
		books.Use(requireToken, limiter.Middleware())
		{
			books.GET("/:symbol", read, tradingHandlers.GetBookHandler())
			books.GET("/:symbol/orders", read, tradingHandlers.GetBookOrdersHandler())
		}
	}

	router.GET("/ws", stream.Handler(events))
	router.GET("/metrics", gin.WrapH(m.Handler()))
}
