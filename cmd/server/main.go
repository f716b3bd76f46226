package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"storeledger/backend/internal/cache"
	"storeledger/backend/internal/config"
	"storeledger/backend/internal/httpapi"
	"storeledger/backend/internal/ledger"
	"storeledger/backend/internal/lock"
	"storeledger/backend/internal/logging"
	"storeledger/backend/internal/pnl"
	"storeledger/backend/internal/service"
	"storeledger/backend/internal/settlement"
	"storeledger/backend/internal/store"
	"storeledger/backend/internal/store/memory"
	pgstore "storeledger/backend/internal/store/postgres"
)

const accessTokenTTL = 8 * time.Hour

func main() {
	cfg := config.Load()
	logging.Init(cfg.Server.LogLevel, cfg.Server.LogFormat)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.Postgres.URL != "" {
		pg, err := pgstore.New(ctx, cfg.Postgres.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if cfg.Postgres.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("postgres migration failed")
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info().Msg("repository: in-memory")
	}

	var balanceCache cache.BalanceCache = cache.NoopBalanceCache{}
	var locker lock.Locker = lock.NewKeyed()
	if cfg.Redis.Addr != "" {
		client := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		redisCache := cache.NewRedisBalanceCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-process lock and no balance cache")
			_ = client.Close()
		} else {
			balanceCache = redisCache
			locker = lock.NewRedis(client, cfg.Ledger.LockTTL, cfg.Ledger.LockWait)
			closers = append(closers, client.Close)
			log.Info().Msg("lock and balance cache: redis")
		}
	} else {
		log.Info().Msg("lock: in-process, balance cache: none")
	}

	cashLedger := ledger.New(repo, repo,
		ledger.WithLocker(locker),
		ledger.WithBalanceCache(balanceCache, cfg.Ledger.SnapshotTTL),
		ledger.WithPageSize(cfg.Ledger.PageSize),
		ledger.WithMaxRetries(cfg.Ledger.AppendMaxRetries),
	)
	tracker := settlement.New(repo, nil)
	reports := pnl.New(repo, repo, repo, pnl.CategoryConfig{
		Predefined: cfg.Report.CategoryPredefined,
		Custom:     cfg.Report.CategoryCustom,
		Aliases:    cfg.Report.CategoryAliases,
		Fallback:   cfg.Report.CategoryFallback,
	})
	svc := service.New(repo, cashLedger, tracker, reports, service.DefaultPolicy(), cfg.Report.CommissionDefaultRate)
	auth := httpapi.NewAuthManager(cfg.Auth.Secret, accessTokenTTL, cfg.Auth.ManagerPIN)
	api := httpapi.New(svc, auth, cfg.Server.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("ledger backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

// validateSecurityConfig requires a strong signing secret. The manager PIN is
// optional, but when set it must not be guessable.
func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Auth.ManagerPIN == "" {
		log.Warn().Msg("MANAGER_PIN not set; float, payout and void requests skip the PIN check")
		return nil
	}
	if len(cfg.Auth.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be at least 6 digits")
	}
	if err := validatePINStrength(cfg.Auth.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "147258": true,
		"159753": true, "101010": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
