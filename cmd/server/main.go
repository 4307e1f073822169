package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fopgate/fopgate/internal/broker"
	"github.com/fopgate/fopgate/internal/config"
	"github.com/fopgate/fopgate/internal/handler"
	"github.com/fopgate/fopgate/internal/market"
	"github.com/fopgate/fopgate/internal/middleware"
	"github.com/fopgate/fopgate/internal/pkg/logger"
	"github.com/fopgate/fopgate/internal/repository"
	"github.com/fopgate/fopgate/internal/risk"
	"github.com/fopgate/fopgate/internal/safety"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/fopgate/fopgate/internal/strategy"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Server.LogLevel)

	// Persistence: Postgres > memory, Redis > memory. The gateway keeps
	// serving with in-process fallbacks so local dev needs no infra.
	var (
		tradeStore    service.TradeStore
		templateStore service.TemplateStore
		tenantRepo    service.TenantRepo
		auditRepo     service.AuditRepo
		pgIdem        *repository.PostgresIdempotencyStore
	)
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL")
			tradeStore = repository.NewPostgresTradeRepo(db)
			templateStore = repository.NewPostgresTemplateRepo(db)
			tenantRepo = repository.NewPostgresTenantRepo(db)
			auditRepo = repository.NewPostgresAuditRepo(db)
			pgIdem = repository.NewPostgresIdempotencyStore(db)
		} else {
			logger.Error("⚠️ Failed to connect to DB, falling back to memory stores", "error", err)
		}
	}
	if tradeStore == nil {
		tradeStore = repository.NewMemoryTradeStore()
	}
	if templateStore == nil {
		templateStore = repository.NewMemoryTemplateStore()
	}

	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg)
		if err != nil {
			logger.Error("⚠️ Failed to connect to Redis, halt state will be process-local", "error", err)
			redisClient = nil
		} else {
			logger.Info("✅ Connected to Redis")
		}
	}

	// Emergency halt: shared Redis state when available, else in-memory.
	var haltStore safety.StateStore
	if redisClient != nil {
		haltStore = repository.NewRedisHaltStore(redisClient, cfg.Redis.HaltStateKey)
	} else {
		haltStore = safety.NewMemoryStore()
	}
	haltCtrl := safety.NewController(haltStore)

	var idemStore middleware.IdempotencyStore
	switch {
	case redisClient != nil:
		idemStore = repository.NewRedisIdempotencyStore(redisClient, time.Duration(cfg.Redis.IdempotencyTTLSeconds)*time.Second)
	case pgIdem != nil:
		idemStore = pgIdem
	default:
		idemStore = middleware.NewInMemIdempotencyStore()
	}

	auditSvc, err := service.NewAuditService(cfg.Audit.LogDir, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	tenantManager := service.NewTenantManager(cfg, tenantRepo)

	var bk broker.Broker
	switch cfg.Broker.Kind {
	case "", "mock":
		bk = broker.NewMockBroker()
	default:
		log.Fatalf("Unsupported broker kind %q", cfg.Broker.Kind)
	}

	fillSvc := service.NewFillService(tradeStore, auditSvc)
	qualitySvc := service.NewQualityService(tradeStore, tenantManager, auditSvc)
	templateSvc := service.NewTemplateService(templateStore, auditSvc)
	execSvc := service.NewExecutionService(
		strategy.NewRegistry(),
		strategy.NewResolver(),
		risk.NewGovernor(),
		haltCtrl,
		bk,
		tradeStore,
		templateStore,
		auditSvc,
	)

	var fillStream *market.FillStream
	if cfg.Broker.FillStreamWS != "" {
		fillStream = market.NewFillStream(cfg.Broker.FillStreamWS, fillSvc)
		fillStream.Start()
	}

	orderHandler := handler.NewOrderHandler(execSvc)
	templateHandler := handler.NewTemplateHandler(templateSvc, execSvc)
	tradeHandler := handler.NewTradeHandler(tradeStore, fillSvc, qualitySvc, auditSvc)
	haltHandler := handler.NewHaltHandler(haltCtrl, auditSvc)
	auditHandler := handler.NewAuditHandler(auditSvc)
	tenantHandler := handler.NewTenantHandler(tenantManager)

	r := gin.Default()

	r.Use(middleware.ErrorHandler())
	r.Use(middleware.ReadOnlyMiddleware(cfg.Server.ReadOnly))
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.AuditMiddleware(auditSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "fopgate"})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, tenantManager))
	v1.Use(middleware.RateLimitMiddleware(tenantManager))
	v1.Use(middleware.IdempotencyMiddleware(idemStore))
	{
		v1.POST("/orders", orderHandler.PlaceOrder)

		v1.GET("/trades", tradeHandler.ListTrades)
		v1.POST("/trades/:id/fills", tradeHandler.IngestFill)
		v1.GET("/trades/:id/fills", tradeHandler.ListFills)

		v1.GET("/execution-quality", tradeHandler.ExecutionQuality)
		v1.GET("/execution-quality/alerts", tradeHandler.ExecutionAlerts)
		v1.POST("/execution-quality/remediate", tradeHandler.RunRemediation)
		v1.POST("/incidents", tradeHandler.CreateIncident)
		v1.GET("/incidents", tradeHandler.ListIncidents)

		v1.POST("/strategy-templates", templateHandler.Create)
		v1.GET("/strategy-templates", templateHandler.List)
		v1.GET("/strategy-templates/:id", templateHandler.Get)
		v1.PUT("/strategy-templates/:id", templateHandler.Update)
		v1.DELETE("/strategy-templates/:id", templateHandler.Delete)
		v1.POST("/strategy-templates/:id/resolve", templateHandler.Resolve)
		v1.POST("/strategy-templates/:id/execute", templateHandler.Execute)

		v1.GET("/audit", auditHandler.List)
	}

	admin := r.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.GET("/halt", haltHandler.Get)
		admin.PUT("/halt", haltHandler.Set)
		admin.GET("/tenants", tenantHandler.List)
		admin.GET("/tenants/:id", tenantHandler.Get)
		admin.PUT("/tenants/:id", tenantHandler.Update)
	}

	// Background retention sweeps for durable state.
	cleanupDone := make(chan struct{})
	if pgIdem != nil || auditRepo != nil {
		go runCleanup(cfg, pgIdem, auditRepo, cleanupDone)
	} else {
		close(cleanupDone)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 FopGate started", "port", cfg.Server.Port, "broker", cfg.Broker.Kind)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if fillStream != nil {
		fillStream.Close()
	}
	auditSvc.Close()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("Server exiting")
}

func runCleanup(cfg *config.Config, pgIdem *repository.PostgresIdempotencyStore, auditRepo service.AuditRepo, done <-chan struct{}) {
	interval := time.Duration(cfg.Database.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if pgIdem != nil {
			retention := time.Duration(cfg.Database.IdempotencyRetentionHours) * time.Hour
			if err := pgIdem.Cleanup(ctx, retention); err != nil {
				logger.Warn("idempotency cleanup failed", "error", err.Error())
			}
		}
		if cleaner, ok := auditRepo.(*repository.PostgresAuditRepo); ok {
			retention := time.Duration(cfg.Database.AuditRetentionDays) * 24 * time.Hour
			if err := cleaner.Cleanup(ctx, retention); err != nil {
				logger.Warn("audit cleanup failed", "error", err.Error())
			}
		}
		cancel()
	}
}
