package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/fgb-andu/melodia-api/internal/keymutex"
	"github.com/fgb-andu/melodia-api/pkg/api"
	"github.com/fgb-andu/melodia-api/pkg/domain"
	"github.com/fgb-andu/melodia-api/pkg/repository/kvstore"
	"github.com/fgb-andu/melodia-api/pkg/service/credits"
	"github.com/fgb-andu/melodia-api/pkg/service/identify"
	"github.com/fgb-andu/melodia-api/pkg/service/metering"
	"github.com/fgb-andu/melodia-api/pkg/service/quota"
	"github.com/fgb-andu/melodia-api/pkg/service/subscription"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const retentionDays = 30

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		logger = logger.Level(level)
	}

	port := envOr("PORT", "5801")

	store, err := openStore(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	clock := domain.RealClock()
	locks := keymutex.New()

	registry := subscription.NewRegistry(store, clock, locks, logger)
	ledger := quota.NewLedger(store, clock, locks, logger)
	wallet := credits.NewWallet(store, clock, locks, credits.Config{}, logger)
	sessions := identify.NewManager(store, clock, identify.DefaultMaxRetries, logger)

	override := metering.AdminOverride{
		Enabled: os.Getenv("ADMIN_OVERRIDE") == "true",
		Reason:  os.Getenv("ADMIN_OVERRIDE_REASON"),
	}
	if override.Enabled {
		logger.Warn().Str("reason", override.Reason).Msg("admin override enabled, metering bypassed")
	}
	gate := metering.NewGate(registry, ledger, wallet, override, logger)

	// Daily retention sweep for stale usage and share counters.
	scheduler := cron.New()
	_, err = scheduler.AddFunc("@daily", func() {
		ctx := context.Background()
		if err := ledger.Prune(ctx, retentionDays); err != nil {
			logger.Warn().Err(err).Msg("usage prune failed")
		}
		if err := wallet.PruneShares(ctx, retentionDays); err != nil {
			logger.Warn().Err(err).Msg("share prune failed")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule retention job")
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(registry, ledger, wallet, sessions, gate)
	router := handler.Router()

	serverAddr := fmt.Sprintf(":%s", port)
	logger.Info().Str("port", port).Msg("server starting")

	if err := http.ListenAndServe(serverAddr, router); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// openStore picks sqlite when DATABASE_PATH is set, in-memory otherwise.
// The services never branch on the backend.
func openStore(logger zerolog.Logger) (kvstore.Store, error) {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		logger.Info().Msg("no DATABASE_PATH set, using in-memory store")
		return kvstore.NewMemory(), nil
	}
	return kvstore.NewSQLite(kvstore.Config{
		DatabasePath:   dbPath,
		MigrationsPath: envOr("MIGRATIONS_PATH", "./migrations"),
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
