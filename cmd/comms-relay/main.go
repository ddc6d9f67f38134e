package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/myuop2024/comms-relay/internal/events"
	"github.com/myuop2024/comms-relay/internal/server"
	"github.com/myuop2024/comms-relay/internal/store"
	"github.com/myuop2024/comms-relay/pkg/config"
	"github.com/myuop2024/comms-relay/pkg/logging"
)

func main() {
	// A missing .env is fine; the loader falls back to real env vars.
	_ = godotenv.Load()

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	st, err := store.OpenSQLite(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("Failed to open message store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	var pub events.Publisher
	if cfg.Events.URL != "" {
		pub, err = events.NewAMQP(cfg.Events.URL, cfg.Events.Exchange, logger)
		if err != nil {
			logger.Error("Failed to connect to event broker", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Warn("No event broker configured; platform events will be dropped")
		pub = events.NewFallback(logger)
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, st, pub)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
