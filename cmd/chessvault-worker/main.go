package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chessvault/internal/config"
	"chessvault/internal/db"
	"chessvault/internal/market"
	"chessvault/internal/marketplace"
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

	marketSvc := market.NewService(pool, logger)
	vaultSvc := marketplace.NewService(marketplace.NewPostgresStore(pool), nil, nil, logger)

	if cfg.StartupSeedSymbols {
		if err := marketSvc.EnsureSeedSymbols(ctx); err != nil {
			logger.Error("seed symbols failed", "err", err)
			os.Exit(1)
		}
	}

	runTick := func() {
		if err := marketSvc.RunMarketTick(ctx, cfg.MarketVolatility); err != nil {
			logger.Error("market tick failed", "err", err)
			return
		}
		if _, err := vaultSvc.ExpireStaleListings(ctx, cfg.ListingTTL); err != nil {
			logger.Error("listing expiry failed", "err", err)
			return
		}
		logger.Info("worker tick complete")
	}

	runOnce := strings.EqualFold(strings.TrimSpace(os.Getenv("CHESSVAULT_WORKER_RUN_ONCE")), "true")
	if runOnce {
		runTick()
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.MarketTickEvery)
	defer ticker.Stop()

	logger.Info("worker started", "tick_every", cfg.MarketTickEvery.String(), "volatility", cfg.MarketVolatility)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			runTick()
		}
	}
}
