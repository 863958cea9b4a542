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

	"nicorepo_bot/internal/auth"
	"nicorepo_bot/internal/bot"
	"nicorepo_bot/internal/config"
	"nicorepo_bot/internal/fetcher"
	"nicorepo_bot/internal/filter"
	"nicorepo_bot/internal/prefs"
	"nicorepo_bot/internal/reportsync"
	"nicorepo_bot/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg == nil {
		return
	}

	log := newLogger(cfg.LogLevel)

	for _, path := range []string{cfg.DatabasePath, cfg.PrefsPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				log.Error("create data directory", "path", dir, "error", err)
				os.Exit(1)
			}
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	settings, err := prefs.Open(cfg.PrefsPath, log.With("component", "prefs"))
	if err != nil {
		log.Error("open prefs", "path", cfg.PrefsPath, "error", err)
		os.Exit(1)
	}

	jar, err := auth.NewCookieJar()
	if err != nil {
		log.Error("create cookie jar", "error", err)
		os.Exit(1)
	}
	httpClient := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	session := auth.New(httpClient, jar, cfg.LoginURL, cfg.NicoUser, cfg.NicoPassword, log.With("component", "auth"))
	rules := filter.New(store)
	engine := reportsync.New(
		store,
		fetcher.New(httpClient, cfg.ReportURL, log.With("component", "fetcher")),
		rules,
		settings,
		session.Login,
		log.With("component", "sync"),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var notifyAfter time.Time
	newest, err := store.Newest(ctx)
	if err != nil {
		log.Error("read newest entry", "error", err)
		os.Exit(1)
	}
	if newest != nil {
		notifyAfter = newest.Timestamp
	}

	b, err := bot.New(cfg.TelegramBotToken, cfg, bot.Deps{
		Entries:     store,
		Rules:       rules,
		Sync:        engine,
		Prefs:       settings,
		Session:     session,
		NotifyAfter: notifyAfter,
	}, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	log.Info("starting bot")

	go func() {
		if err := settings.Watch(ctx); err != nil {
			log.Warn("prefs watcher stopped", "error", err)
		}
	}()
	go func() {
		if err := engine.Run(ctx); err != nil {
			log.Error("sync engine stopped", "error", err)
		}
	}()

	b.Run(ctx)

	log.Info("bot stopped")
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
