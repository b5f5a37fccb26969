package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marketpulse/internal/config"
	"github.com/marketpulse/internal/handler"
	"github.com/marketpulse/internal/logger"
	"github.com/marketpulse/internal/middleware"
	"github.com/marketpulse/internal/repository"
	"github.com/marketpulse/internal/service"
	"github.com/marketpulse/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Build info (injected at build time via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck

	gin.SetMode(cfg.Server.Mode)

	db, err := initDatabase(cfg)
	if err != nil {
		zlog.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := repository.AutoMigrate(db); err != nil {
		zlog.Fatal("Failed to migrate database", zap.Error(err))
	}

	rdb := initRedis(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// without redis the unique log key alone guards against double copies
	var sessions service.SessionCache
	var claimer service.Claimer
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Warn("Redis unavailable, running without session cache and dedup claims", zap.Error(err))
	} else {
		cache := repository.NewRedisCache(rdb)
		sessions, claimer = cache, cache
	}

	// Repositories
	accountRepo := repository.NewAccountRepository(db)
	connRepo := repository.NewConnectionRepository(db)
	configRepo := repository.NewCopyConfigRepository(db)
	logRepo := repository.NewCopyLogRepository(db)
	journalRepo := repository.NewJournalRepository(db)

	// Services
	copyCfg := cfg.CopyTrade
	authService := service.NewAuthService(cfg.JWT)
	credentials := service.NewCredentialService(connRepo, sessions, cfg.Encryption.CredentialKey, cfg.Brokers, copyCfg, zlog)
	dedup := service.NewDeduplicator(logRepo, journalRepo, claimer, copyCfg.DedupWindow, zlog)
	engine := service.NewCopyEngine(configRepo, connRepo, logRepo, credentials, dedup, copyCfg.BrokerTimeout, zlog)
	poller := service.NewPoller(configRepo, connRepo, credentials, engine, service.PollerOptions{
		Lookback:      copyCfg.DedupWindow,
		MaxConcurrent: copyCfg.MaxConcurrentPolls,
		Timeout:       copyCfg.BrokerTimeout,
	}, zlog)
	orders := service.NewOrderUpdateService(connRepo, logRepo, credentials, engine, copyCfg.PriceTolerance, copyCfg.BrokerTimeout, zlog)
	accountService := service.NewAccountService(accountRepo, connRepo, credentials, copyCfg.BrokerTimeout, zlog)
	configService := service.NewConfigService(configRepo, accountRepo, zlog)
	journalService := service.NewJournalService(journalRepo, configRepo, connRepo, credentials, copyCfg.BrokerTimeout, zlog)
	logService := service.NewLogService(logRepo, copyCfg.StuckPendingAfter)

	// Background workers
	var pollWorker *worker.PollWorker
	if copyCfg.WorkerEnabled {
		pollWorker = worker.NewPollWorker(poller, configRepo, copyCfg.PollInterval, zlog)
		go pollWorker.Start(ctx)
	}

	var streams *worker.StreamManager
	if copyCfg.StreamEnabled {
		streams = worker.NewStreamManager(connRepo, credentials, orders, worker.StreamOptions{
			HubURL:           copyCfg.HubURL,
			HandshakeTimeout: copyCfg.HandshakeTimeout,
			BaseDelay:        copyCfg.ReconnectBaseDelay,
			MaxDelay:         copyCfg.ReconnectMaxDelay,
			MaxAttempts:      copyCfg.MaxReconnectAttempts,
		}, nil, zlog)
		streams.Start(ctx)
	}

	// Handlers
	authMiddleware := middleware.AuthMiddleware(authService)
	accountHandler := handler.NewAccountHandler(accountService)
	configHandler := handler.NewCopyConfigHandler(configService)
	copyTradeHandler := handler.NewCopyTradeHandler(poller, orders, logService, middleware.TradeRequestLogger(zlog))
	journalHandler := handler.NewJournalHandler(journalService)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(zlog))
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		streamStates := map[string]string{}
		if streams != nil {
			streamStates = streams.States()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
			"time":       time.Now().Unix(),
			"streams":    streamStates,
		})
	})

	v1 := router.Group("/api/v1")
	{
		accountHandler.RegisterRoutes(v1, authMiddleware)
		configHandler.RegisterRoutes(v1, authMiddleware)
		copyTradeHandler.RegisterRoutes(v1, authMiddleware)
		journalHandler.RegisterRoutes(v1, authMiddleware)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		zlog.Info("Starting server", zap.String("addr", addr), zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}

	if pollWorker != nil {
		pollWorker.Stop()
	}
	if streams != nil {
		streams.Stop()
	}
	cancel()

	if err := rdb.Close(); err != nil {
		zlog.Warn("Error closing Redis connection", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	zlog.Info("Server exited properly")
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := gormlogger.Default.LogMode(gormlogger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = gormlogger.Default.LogMode(gormlogger.Warn)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), repository.GormConfig(&gorm.Config{
		Logger: gormLogger,
	}))
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
