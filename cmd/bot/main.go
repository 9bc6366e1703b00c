package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"nfce_reader/internal/bot"
	"nfce_reader/internal/classifier"
	"nfce_reader/internal/config"
	"nfce_reader/internal/pricing"
	"nfce_reader/internal/scheduler"
	"nfce_reader/internal/scraper"
	"nfce_reader/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	sc := scraper.New(store, http.DefaultClient, cfg.MaxConcurrentFetches, log)
	engine := classifier.New(store, log)
	agg := pricing.New(store)

	b, err := bot.New(cfg.TelegramBotToken, store, sc, engine, agg, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	tick := time.Duration(cfg.ScrapeIntervalMin) * time.Minute
	sched := scheduler.New(store, sc, engine, tick, cfg.ClassifyBatchSize, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting nfce reader")

	go sched.Run(ctx)

	b.Run(ctx)

	log.Info("stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
