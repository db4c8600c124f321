package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-check/internal/config"
	"github.com/example/face-check/internal/grpcclient"
	"github.com/example/face-check/internal/handlers"
	"github.com/example/face-check/internal/imagestore"
	"github.com/example/face-check/internal/logging"
	"github.com/example/face-check/internal/observability"
	"github.com/example/face-check/internal/ratelimit"
	"github.com/example/face-check/internal/repository"
	"github.com/example/face-check/internal/usecase"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", getEnv("FACE_CONFIG", "config.yaml"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.Logging.Level, FileDir: cfg.Logging.FileDir})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo := repository.NewEmbeddingRepository(cfg.Storage.SnapshotPath(), logger)
	if err := repo.Load(); err != nil {
		logger.Error("embedding snapshot unreadable, serving an empty store", zap.Error(err))
	}
	observability.RegisteredFaces.Set(float64(repo.Len()))

	images := initImageStore(ctx, cfg, logger)

	provider, conn, err := grpcclient.DialEmbeddingProvider(ctx, cfg.Embedder.Addr, cfg.Embedder.DialTimeout, logger)
	if err != nil {
		logger.Fatal("failed to connect to embedding provider", zap.Error(err), zap.String("addr", cfg.Embedder.Addr))
	}
	defer conn.Close()

	opts := usecase.Options{
		MinConfidence: cfg.Matching.MinConfidence,
		Timeout:       cfg.Matching.Timeout,
		MaxImageBytes: cfg.Matching.MaxImageBytes,
	}

	var counter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if cfg.Redis.Addr != "" {
		cache := initRedis(ctx, cfg.Redis, logger)
		opts.Cache = cache
		counter = cache
	}

	if cfg.Database.DSN != "" {
		logs := repository.NewVerificationRepository(initDatabase(ctx, cfg.Database, logger), logger)
		if err := logs.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.Logs = logs
	}

	uc := usecase.NewFaceUseCase(repo, images, provider, logger, opts)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.RequestLogger(logger))
	r.Use(newCORS(cfg.Server.CORSOrigins))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Use(ratelimit.Middleware(counter, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger))

	handlers.RegisterRoutes(r, uc, handlers.MaxBodyBytes, logger)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("face check API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage_root", cfg.Storage.Root),
		zap.Int("registered_faces", repo.Len()),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initImageStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) imagestore.Store {
	if cfg.Storage.Backend == "minio" {
		store, err := imagestore.NewMinIOStore(cfg.MinIO, logger)
		if err != nil {
			logger.Fatal("failed to create minio store", zap.Error(err))
		}
		if err := store.EnsureBucket(ctx); err != nil {
			logger.Fatal("failed to prepare minio bucket", zap.Error(err), zap.String("bucket", cfg.MinIO.Bucket))
		}
		return store
	}

	store, err := imagestore.NewLocalStore(cfg.Storage.Root, logger)
	if err != nil {
		logger.Fatal("failed to create image directory", zap.Error(err))
	}
	return store
}

func newCORS(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = origins
	return cors.New(corsCfg)
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *usecase.RedisCache {
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cache := usecase.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.Addr}))
	if err := cache.Ping(redisCtx); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return cache
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal, draining requests", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
