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

	"postfilter/internal/api"
	"postfilter/internal/cache"
	"postfilter/internal/classifier"
	"postfilter/internal/config"
	"postfilter/internal/configsync"
	"postfilter/internal/dedup"
	"postfilter/internal/filter"
	"postfilter/internal/forward"
	"postfilter/internal/model"
	"postfilter/internal/pipeline"
	"postfilter/internal/provider"
	"postfilter/internal/storage"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tier := newCache(ctx, cfg, log)
	defer func() { _ = tier.Close() }()

	dedupStore := dedup.New(tier, store, log)
	dedupStore.SetTTL(cfg.DedupTTL)

	if err := configsync.New(cfg.ConfigDir, store, log).Sync(ctx); err != nil {
		log.Error("sync config", "error", err)
		os.Exit(1)
	}

	gateway := classifier.NewOpenAI(http.DefaultClient, cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)
	evaluator := filter.NewEvaluator(gateway, log)

	tg, err := provider.NewTelegram(cfg.TelegramBotToken, log)
	if err != nil {
		log.Error("create telegram provider", "error", err)
		os.Exit(1)
	}
	vk := provider.NewVK(http.DefaultClient, store, cfg.VKToken, log)

	registry := provider.NewRegistry()
	registry.Register(model.SourceTelegram, tg)
	registry.Register(model.SourceVK, vk)

	var destinations []forward.Destination
	if cfg.TelegramOutputChannel != "" {
		destinations = append(destinations,
			provider.NewDestination("telegram:"+cfg.TelegramOutputChannel, tg, cfg.TelegramOutputChannel))
	}
	if cfg.VKOutputGroupID != "" {
		destinations = append(destinations,
			provider.NewDestination("vk:"+cfg.VKOutputGroupID, vk, cfg.VKOutputGroupID))
	}
	if len(destinations) == 0 {
		log.Warn("no output destinations configured, matched posts will not be forwarded")
	}
	dispatcher := forward.NewDispatcher(log, destinations...)

	pipe := pipeline.New(dedupStore, store, evaluator, dispatcher, log)

	sources, err := store.ListSources(ctx)
	if err != nil {
		log.Error("list sources", "error", err)
		os.Exit(1)
	}
	byType := make(map[model.SourceType][]model.Source)
	for _, src := range sources {
		if src.Enabled {
			byType[src.Type] = append(byType[src.Type], src)
		}
	}

	events := make(chan model.Post, 64)
	emit := func(ctx context.Context, post model.Post) {
		select {
		case events <- post:
		case <-ctx.Done():
		}
	}

	for _, p := range registry.All() {
		if err := p.Start(ctx); err != nil {
			log.Error("start provider", "error", err)
			os.Exit(1)
		}
	}
	defer func() {
		for _, p := range registry.All() {
			_ = p.Stop()
		}
	}()

	for typ, srcs := range byType {
		typ, srcs := typ, srcs
		p, ok := registry.Get(typ)
		if !ok {
			log.Warn("no provider for source type", "type", string(typ))
			continue
		}
		go func() {
			if err := p.Monitor(ctx, srcs, emit); err != nil {
				log.Error("monitor", "type", string(typ), "error", err)
			}
		}()
	}

	if cfg.APIAddress != "" {
		srv := api.NewServer(store, log)
		go func() {
			if err := srv.Run(cfg.APIAddress); err != nil && err != http.ErrServerClosed {
				log.Error("api server", "error", err)
			}
		}()
	}

	log.Info("starting post filter pipeline")

	pipe.Run(ctx, events)

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

// newCache connects the Redis tier, falling back to the in-process cache
// when Redis is disabled or unreachable. Dedup stays correct either way;
// only cross-restart cache warmth is lost.
func newCache(ctx context.Context, cfg *config.Config, log *slog.Logger) cache.Cache {
	if !cfg.RedisEnabled {
		return cache.NewMemory()
	}
	c, err := cache.NewRedis(ctx, cache.Options{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Warn("redis connection failed, using in-process cache", "error", err)
		return cache.NewMemory()
	}
	return c
}
