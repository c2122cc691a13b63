package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/xaenox/querychat/internal/backend"
	"github.com/xaenox/querychat/internal/bot"
	"github.com/xaenox/querychat/internal/storage"
	"github.com/xaenox/querychat/pkg/config"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	// Initialize logger
	logger, err := cfg.Log.Build()
	if err != nil {
		zap.NewExample().Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if !backend.KnownModel(cfg.Query.Model) {
		logger.Warn("Configured model is not a documented backend model", zap.String("model", cfg.Query.Model))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var (
		store   storage.Storage
		changes <-chan storage.Change
	)
	if cfg.Storage.UseInMemory {
		logger.Info("Using in-memory session storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using file session storage", zap.String("dir", cfg.Storage.Dir))
		fileStore, err := storage.NewFileStorage(cfg.Storage.Dir, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
		watcher, err := fileStore.Watch()
		if err != nil {
			logger.Fatal("Failed to watch storage", zap.Error(err))
		}
		defer watcher.Close()

		store = fileStore
		changes = watcher.Changes()
	}
	defer store.Close()

	client, err := backend.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger)
	if err != nil {
		logger.Fatal("Failed to create backend client", zap.Error(err))
	}

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, client, store, bot.Options{
		Query:       cfg.Query.Options(),
		TitleMaxLen: cfg.Chat.TitleMaxLen,
		SendRate:    cfg.Bot.SendRate,
		SendBurst:   cfg.Bot.SendBurst,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	logger.Info("Bot started", zap.String("backend", cfg.Backend.BaseURL))
	if err := b.Run(ctx, changes); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Bot stopped")
}
