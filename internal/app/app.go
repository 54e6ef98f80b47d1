// Package app wires configuration, storage, gateways, and modules into a
// runnable application.
package app

import (
	"context"
	"fmt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blockcart/server/internal/infra/queue"
	"github.com/blockcart/server/internal/module/order"
	"github.com/blockcart/server/internal/module/payment"
	"github.com/blockcart/server/internal/module/payment/provider"
	"github.com/blockcart/server/internal/shared/cache"
	"github.com/blockcart/server/internal/shared/clock"
	"github.com/blockcart/server/internal/shared/config"
	"github.com/blockcart/server/internal/shared/database"
	"github.com/blockcart/server/internal/shared/logger"
	"github.com/blockcart/server/internal/utils/metrics"
	"github.com/blockcart/server/internal/utils/middleware"
)

// App holds the wired application.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB
	redis  redis.UniversalClient
	router *gin.Engine

	queue      *queue.Queue
	reconciler *payment.Reconciler
}

// New creates a fully wired application.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if err := db.AutoMigrate(
		&order.Order{},
		&payment.Invoice{},
		&payment.WebhookEvent{},
		&queue.Task{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	app := &App{
		config: cfg,
		logger: log,
		db:     db,
	}

	// Gateway state store: Redis when configured, in-memory otherwise.
	var store cache.Store
	if cfg.Redis.Address != "" {
		redisClient, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, falling back to in-memory gateway state", zap.Error(err))
			store = cache.NewMemoryStore(nil)
		} else {
			app.redis = redisClient
			store = cache.NewRedisStore(redisClient)
		}
	} else {
		store = cache.NewMemoryStore(nil)
	}

	clk := clock.System()
	m := metrics.New("blockcart")

	// Payment gateway
	mock := provider.NewMock(store, clk, provider.MockConfig{
		WebhookSecret:       cfg.Gateway.WebhookSecret,
		SupportedCurrencies: cfg.Gateway.SupportedCurrencies,
		InvoiceTTL:          cfg.Gateway.InvoiceTTL,
		StateRetention:      cfg.Gateway.StateRetention,
	})
	gateway := provider.NewWithBreaker(mock, provider.BreakerConfig{
		MaxFailures: cfg.Gateway.BreakerMaxFailures,
		Timeout:     cfg.Gateway.BreakerTimeout,
	}, log)

	registry := payment.NewProviderRegistry()
	registry.Register(gateway)

	// Services
	txManager := database.NewTxManager(db)
	orderService := order.NewService(order.NewRepository(db), clk, log)
	paymentRepo := payment.NewRepository(db)
	paymentService := payment.NewService(paymentRepo, orderService, registry, txManager, clk, m, log)

	// Task queue
	app.queue = queue.New(queue.NewRepository(db), clk, queue.Config{
		MaxConcurrent: cfg.Reconcile.MaxConcurrent,
	}, log)
	app.queue.RegisterExecutor(payment.TaskTypeVerifyInvoice, paymentService.VerifyInvoiceTask)
	app.queue.OnPermanentFailure(paymentService.HandleVerificationFailure)

	// Reconciler
	app.reconciler = payment.NewReconciler(paymentRepo, app.queue, cfg.Reconcile, clk, m, log)

	// HTTP
	app.router = app.setupRouter(m,
		order.NewHandler(orderService),
		payment.NewHandler(paymentService, orderService),
		payment.NewWebhookHandler(paymentService),
	)

	if err := app.queue.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start task queue: %w", err)
	}
	app.reconciler.Start()

	return app, nil
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop shuts down background components.
func (a *App) Stop() {
	a.reconciler.Stop()
	a.queue.Stop()

	if a.redis != nil {
		if err := cache.Close(a.redis); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *App) setupRouter(
	m *metrics.Metrics,
	orderHandler *order.Handler,
	paymentHandler *payment.Handler,
	webhookHandler *payment.WebhookHandler,
) *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics(m))
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	// Webhooks authenticate via HMAC signature, not bearer tokens.
	webhookHandler.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(middleware.Auth(a.config.Auth.JWTSecret))
	orderHandler.RegisterProtectedRoutes(protected)
	paymentHandler.RegisterProtectedRoutes(protected)

	return r
}
