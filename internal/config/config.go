package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr                   string
	DatabaseURL            string
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	StripeSecretKey        string
	CheckoutBaseURL        string
	MarketTickEvery        time.Duration
	MarketVolatility       string
	ListingTTL             time.Duration
	StartupSeedSymbols     bool
	DiscordBotToken        string
	DiscordSalesChannelID  string
}

type CLIConfig struct {
	APIBaseURL string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("CHESSVAULT_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:                   addr,
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SupabaseURL:            strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey:        strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		SupabaseServiceRoleKey: strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_ROLE_KEY")),
		StripeSecretKey:        strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		CheckoutBaseURL:        strings.TrimRight(envDefault("CHESSVAULT_CHECKOUT_BASE_URL", "http://localhost:8080"), "/"),
		MarketTickEvery:        envDurationDefault("CHESSVAULT_MARKET_TICK_EVERY", 15*time.Second),
		MarketVolatility:       envVolatilityDefault(),
		ListingTTL:             envDurationDefault("CHESSVAULT_LISTING_TTL", 30*24*time.Hour),
		StartupSeedSymbols:     envBoolDefault("CHESSVAULT_STARTUP_SEED_SYMBOLS", true),
		DiscordBotToken:        strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		DiscordSalesChannelID:  strings.TrimSpace(os.Getenv("DISCORD_SALES_CHANNEL_ID")),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if cfg.StripeSecretKey == "" {
		return cfg, fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("CVT_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envVolatilityDefault() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("CHESSVAULT_MARKET_VOLATILITY")))
	switch v {
	case "calm", "mor", "wild":
		return v
	default:
		return "mor"
	}
}
