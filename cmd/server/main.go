package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wallet-chat-proxy/internal/app"
	"wallet-chat-proxy/internal/config"
	"wallet-chat-proxy/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("shutdown requested, exiting")
			return
		}
		slog.Error("chat proxy stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.New(cfg, a.Service, server.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("chat proxy listening",
		"port", cfg.Port,
		"api_key", a.Service.CredentialState(),
		"allowed_origins", cfg.AllowedOrigins,
	)
	return srv.Run(ctx)
}
