package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/outdial/internal/app"
	"github.com/sebas/outdial/internal/banner"
	"github.com/sebas/outdial/internal/config"
	"github.com/sebas/outdial/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	banner.Print("Outbound Dial Orchestrator", []banner.ConfigLine{
		{Label: "Data dir", Value: cfg.DataDir},
		{Label: "Webhook", Value: cfg.WebhookAddr},
		{Label: "Admin API", Value: cfg.AdminAddr},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	orchestrator, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	if err := orchestrator.Start(); err != nil {
		slog.Error("Failed to start orchestrator", "error", err)
		orchestrator.Close()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	if err := orchestrator.Close(); err != nil {
		slog.Error("Shutdown error", "error", err)
		os.Exit(1)
	}
}
