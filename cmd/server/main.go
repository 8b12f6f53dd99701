package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"kms-core.backend/internal/app"
	"kms-core.backend/internal/config"
	"kms-core.backend/internal/infrastructure/datasources/postgres"
	"kms-core.backend/internal/infrastructure/jobs"
	"kms-core.backend/internal/interfaces/http/handlers"
	"kms-core.backend/internal/interfaces/http/middleware"
	"kms-core.backend/pkg/jwt"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
	"kms-core.backend/pkg/redis"
)

var (
	loadDotenv = godotenv.Load
	loadCfg    = config.Load
	initLog    = logger.Init
	openRedis  = redis.Open
	openDB     = postgres.Open
	runServer  = func(srv *http.Server) error { return srv.ListenAndServe() }
	getStdDB   = func(db *gorm.DB) (*sql.DB, error) { return db.DB() }
)

func main() {
	if err := runMainProcess(); err != nil {
		log.Fatal(err)
	}
}

func runMainProcess() error {
	if err := loadDotenv(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := loadCfg()

	initLog(cfg.Server.Env)
	bootCtx := context.Background()
	logger.Info(bootCtx, "Logger initialized", zap.String("env", cfg.Server.Env))

	if cfg.Server.Env == "production" && cfg.Admin.JWTSecret == config.DefaultAdminJWTSecret {
		return errors.New("ADMIN_JWT_SECRET must be set in production")
	}

	store, err := openRedis(cfg.Redis.URL, cfg.Redis.Password)
	if err != nil {
		logger.Error(bootCtx, "Failed to initialize Redis", zap.Error(err))
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer store.Close()
	logger.Info(bootCtx, "Redis initialized")

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := openDB(cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := getStdDB(db)
	if err != nil {
		return fmt.Errorf("failed to get generic database object: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		logger.Warn(bootCtx, "Database not available, key operations will fail until it recovers", zap.Error(err))
	} else {
		if err := app.Migrate(db); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info(bootCtx, "Connected to PostgreSQL via GORM")
	}

	collector := metrics.New()
	svc, err := app.New(cfg, db, store, collector)
	if err != nil {
		return fmt.Errorf("failed to initialize key management: %w", err)
	}

	scheduler := jobs.NewCronScheduler(collector)
	if err := svc.RegisterJobs(scheduler); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	scheduler.Start(ctx)

	if status := svc.Health.CheckHealth(ctx); !status.Healthy {
		logger.Warn(ctx, "Starting with unhealthy components", zap.Any("checks", status.Checks))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           buildRouter(cfg, svc, store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(ctx, "KMS server starting",
		zap.String("port", cfg.Server.Port),
		zap.String("api", "/api/v1"),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- runServer(srv) }()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		logger.Info(bootCtx, "Shutting down server")
	}

	shutdown(srv, scheduler, svc, cfg.Server.ShutdownTimeout)
	return serveErr
}

// shutdown stops accepting requests, lets running jobs finish and drains
// pending alert notifications, all bounded by timeout.
func shutdown(srv *http.Server, scheduler jobs.Scheduler, svc *app.Services, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error(ctx, "HTTP server shutdown failed", zap.Error(err))
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn(ctx, "Background jobs still running at shutdown deadline")
	}

	drained := make(chan struct{})
	go func() {
		svc.Alerts.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn(ctx, "Alert notifications still pending at shutdown deadline")
	}
	logger.Info(context.Background(), "Server stopped")
}

func buildRouter(cfg *config.Config, svc *app.Services, store middleware.IdempotencyStore) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggerMiddleware())
	applyCORSMiddleware(r, cfg.Server.AllowedOrigins)
	r.Use(middleware.NewRateLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst, svc.Alerts).Handler())

	registerHealthRoute(r, handlers.NewHealthHandler(svc.Health, cfg.Monitoring.HealthCheckMaxAge))
	registerMetricsRoute(r, svc.Metrics.Handler())

	jwtService := jwt.NewJWTService(cfg.Admin.JWTSecret, cfg.Admin.TokenExpiry)
	registerAPIV1Routes(r, routeDeps{
		keyHandler:   handlers.NewKeyHandler(svc.KMS, svc.Rotation),
		auditHandler: handlers.NewAuditHandler(svc.Audit),
		alertHandler: handlers.NewAlertHandler(svc.Alerts),
		adminHandler: handlers.NewAdminHandler(svc.Cache, svc.Rotation, svc.KMS),
		guard:        middleware.NewGuard(jwtService, svc.Audit, svc.Alerts),
		idempotency:  middleware.IdempotencyMiddleware(store),
	})
	return r
}
