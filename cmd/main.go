package main

import (
	"clinicchat/backend/internal/api/handler"
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/chathub"
	"clinicchat/backend/internal/config"
	"clinicchat/backend/internal/localization"
	"clinicchat/backend/internal/scheduler"
	"clinicchat/backend/internal/storage"
	"clinicchat/backend/internal/telegram"
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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// backend is the store, its change feed and the maintenance target the
// service runs on.
type backend struct {
	Store       storage.Storage
	Maintenance storage.Maintenance
	Feed        changefeed.Subscriber
	close       func()
}

func setupDependencies(cfg *config.Config) (*backend, error) {
	if cfg.StorageDriver == "memory" {
		zap.S().Warnw("using in-memory storage, data is lost on restart")
		store := storage.NewMemoryStore(nil)
		return &backend{Store: store, Maintenance: store, Feed: store, close: func() { store.Close() }}, nil
	}

	// 1. PostgreSQL
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres handle: %w", err)
	}

	// 2. Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	// 3. Change feed
	var feed changefeed.Feed
	switch cfg.FeedDriver {
	case "redis":
		feed = changefeed.NewRedisFeed(rdb)
	case "postgres":
		feed = changefeed.NewPostgresFeed(sqlDB, cfg.DatabaseURL)
	case "kafka":
		feed = changefeed.NewKafkaFeed(cfg.KafkaBrokers)
	default:
		return nil, fmt.Errorf("unsupported feed driver %q with postgres storage", cfg.FeedDriver)
	}

	s := storage.NewStorageService(db, rdb, feed)
	if err := s.Migrate(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	zap.S().Infow("database and redis connections established, migrations complete", "feed", cfg.FeedDriver)
	return &backend{
		Store:       s,
		Maintenance: s,
		Feed:        feed,
		close: func() {
			if err := feed.Close(); err != nil {
				zap.S().Warnw("failed to close change feed", "error", err)
			}
			_ = rdb.Close()
			_ = sqlDB.Close()
		},
	}, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}

	cfg := config.Load()
	flush, err := config.NewLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer flush()

	zap.S().Infow("starting clinic chat backend", "environment", cfg.Environment, "storage", cfg.StorageDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Dependencies
	deps, err := setupDependencies(cfg)
	if err != nil {
		zap.S().Fatalw("failed to set up dependencies", "error", err)
	}
	defer deps.close()

	texts, err := localization.NewLocalizer()
	if err != nil {
		zap.S().Fatalw("failed to load translations", "error", err)
	}

	// 2. Session manager
	hub := chathub.NewManagerService(deps.Store, deps.Feed, chathub.Options{
		Timing:   cfg.Chat,
		Texts:    texts,
		Language: cfg.Language,
	})
	go hub.Run(ctx)
	hub.RecoverActiveRooms(ctx)

	// 3. Background jobs
	sched := scheduler.NewScheduler(deps.Maintenance, cfg.CleanupSchedule)
	if err := sched.Start(); err != nil {
		zap.S().Fatalw("failed to start scheduler", "error", err)
	}
	defer sched.Stop()

	if cfg.TelegramToken != "" && cfg.TelegramAdminChatID != 0 {
		notifier, err := telegram.NewNotifier(cfg.TelegramToken, cfg.TelegramAdminChatID, texts, cfg.Language)
		if err != nil {
			zap.S().Errorw("telegram notifier disabled", "error", err)
		} else if err := notifier.Start(ctx, deps.Feed); err != nil {
			zap.S().Errorw("failed to start telegram notifier", "error", err)
		}
	} else {
		zap.S().Infow("telegram admin alerts not configured")
	}

	// 4. HTTP
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h := handler.NewHandler(hub, sched, cfg.JWTSecret, cfg.AdminKey)
	h.RegisterRoutes(r)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		zap.S().Infow("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Fatalw("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	zap.S().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.S().Errorw("http server shutdown failed", "error", err)
	}
}
