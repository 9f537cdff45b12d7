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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leshchenko1979/mtproto-rest/internal/api"
	"github.com/leshchenko1979/mtproto-rest/internal/config"
	"github.com/leshchenko1979/mtproto-rest/internal/state"
	"github.com/leshchenko1979/mtproto-rest/internal/telegram"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mtproto-rest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	transport := telegram.NewGotdTransport(cfg.Telegram.APIID, cfg.Telegram.APIHash, logger)
	registry := telegram.NewRegistry(store, logger.Named("registry"))
	manager := telegram.NewManager(transport, store, registry, cfg.Limits.MaxInFlight, logger)

	if err := manager.Restore(ctx); err != nil {
		logger.Error("restoring persisted accounts", zap.Error(err))
	}
	logger.Info("accounts restored", zap.Int("count", len(registry.List())))

	authFlow := telegram.NewAuthFlow(transport, store, registry, manager,
		cfg.Limits.AttemptTTL, logger.Named("auth"))
	forwarder := telegram.NewForwarder(registry, logger.Named("forward"))
	searcher := telegram.NewSearcher(registry, cfg.Limits.SearchPageSize, logger.Named("search"))

	handler := api.NewHandler(authFlow, registry, forwarder, searcher,
		cfg.Limits.RequestTimeout, version, logger.Named("api"))

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := registry.Close(); err != nil {
		logger.Warn("closing sessions", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = lvl
	return logCfg.Build()
}

func buildStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.Sessions.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Sessions.Redis.Address,
			Password: cfg.Sessions.Redis.Password,
			DB:       cfg.Sessions.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return state.NewRedisStore(rdb, cfg.Sessions.Redis.Prefix), nil
	default:
		return state.NewFileStore(cfg.Sessions.Dir)
	}
}
