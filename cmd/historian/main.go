// historian drains finished game sessions from the Redis queue and
// persists them to PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/cache"
	"github.com/jason-s-yu/gamelobby/internal/config"
	"github.com/jason-s-yu/gamelobby/internal/database"
	"github.com/jason-s-yu/gamelobby/internal/historian"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.Redis.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb, err := cache.Connect(ctx, addr, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	store, err := database.Connect(ctx, cfg.Database.URL, database.Options{
		MaxRetries: cfg.Database.MaxRetries,
		Timeout:    cfg.Database.Timeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer store.Close()

	svc := historian.New(
		historian.NewRedisSource(rdb, cfg.Redis.HistoryQueue),
		store,
		historian.Options{BatchSize: cfg.Historian.BatchSize, FlushDelay: cfg.Historian.FlushDelay},
		logger,
	)
	svc.Run(ctx)
	logger.Info("historian shutdown complete")
}
