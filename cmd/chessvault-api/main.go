package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chessvault/internal/api"
	"chessvault/internal/auth"
	"chessvault/internal/billing"
	"chessvault/internal/config"
	"chessvault/internal/db"
	"chessvault/internal/market"
	"chessvault/internal/marketplace"
	"chessvault/internal/notify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	authClient := auth.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.SupabaseServiceRoleKey)
	payments := billing.New(cfg.StripeSecretKey, cfg.CheckoutBaseURL)
	notifier, err := notify.NewDiscord(cfg.DiscordBotToken, cfg.DiscordSalesChannelID, authClient, logger)
	if err != nil {
		logger.Error("discord init failed", "err", err)
		os.Exit(1)
	}

	vaultSvc := marketplace.NewService(marketplace.NewPostgresStore(pool), payments, notifier, logger)
	marketSvc := market.NewService(pool, logger)

	if cfg.StartupSeedSymbols {
		if err := marketSvc.EnsureSeedSymbols(ctx); err != nil {
			logger.Error("seed symbols failed", "err", err)
			os.Exit(1)
		}
	}

	server := api.New(logger, authClient, vaultSvc, marketSvc)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("chessvault api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
