package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"swing-trading-bot/config"
	"swing-trading-bot/internal/api"
	"swing-trading-bot/internal/binance"
	"swing-trading-bot/internal/database"
	"swing-trading-bot/internal/engine"
	"swing-trading-bot/internal/feed"
	"swing-trading-bot/internal/logging"
	"swing-trading-bot/internal/profit"
	"swing-trading-bot/internal/reconcile"
	"swing-trading-bot/internal/shutdown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger.Info().
		Str("symbol", cfg.TradingConfig.Symbol).
		Bool("mock_mode", cfg.BinanceConfig.MockMode).
		Bool("dry_run", cfg.TradingConfig.DryRun).
		Msg("Starting swing trading bot")

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logging.WithComponent(logger, "database"))
	if err != nil {
		logger.Error().Err(err).Msg("Database connection failed")
		return 1
	}
	defer db.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := db.RunMigrations(rootCtx); err != nil {
		logger.Error().Err(err).Msg("Database migration failed")
		return 1
	}
	repo := database.NewRepository(db)

	var client binance.ExchangeClient
	if cfg.BinanceConfig.MockMode {
		client = binance.NewMockClient()
		logger.Warn().Msg("Mock exchange client active")
	} else {
		client = binance.NewClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey, cfg.BinanceConfig.BaseURL)
	}

	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		if err := redisClient.Ping(rootCtx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, price mirror disabled")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	calc := profit.NewCalculator(
		cfg.TradingConfig.BuyFeeRate,
		cfg.TradingConfig.SellFeeRate,
		cfg.TradingConfig.MinProfitRate,
		cfg.TradingConfig.MaxOrderNotional,
		cfg.TradingConfig.PriceTickSize,
	)
	prices := engine.NewPriceCache(redisClient, logging.WithComponent(logger, "prices"))
	eng := engine.New(repo, client, calc, prices, cfg.TradingConfig, cfg.MonitorConfig,
		logging.WithComponent(logger, "engine"))

	// Reconciliation blocks startup: the feed must not start until local
	// state matches the exchange.
	reconciler := reconcile.New(repo, client, eng, cfg.TradingConfig.Symbol, cfg.FeedConfig,
		logging.WithComponent(logger, "reconcile"))
	if err := reconciler.Run(rootCtx); err != nil {
		logger.Error().Err(err).Msg("Startup reconciliation failed")
		return 1
	}

	engineCtx, engineCancel := context.WithCancel(rootCtx)
	feedCtx, feedCancel := context.WithCancel(rootCtx)
	defer engineCancel()
	defer feedCancel()

	feeds := feed.NewManager(client, repo, cfg.TradingConfig.Symbol, cfg.BinanceConfig.StreamURL,
		cfg.FeedConfig, logging.WithComponent(logger, "feed"))
	feeds.Start(feedCtx)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(engineCtx, feeds.Orders(), feeds.Prices())
	}()

	if cfg.MonitorConfig.ReconcileInterval > 0 {
		go reconciler.RunPeriodic(engineCtx, cfg.MonitorConfig.ReconcileInterval)
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, repo, eng, cfg.TradingConfig.Symbol,
			logging.WithComponent(logger, "api"))
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server stopped")
			}
		}()
	}

	running := database.SystemStatusRunning
	if err := repo.UpdateSystemState(rootCtx, database.SystemStateUpdate{Status: &running}); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark system running")
	}
	logger.Info().Msg("Startup complete")

	coordinator := shutdown.New(logging.WithComponent(logger, "shutdown"))
	coordinator.AddStep("engine", cfg.ShutdownConfig.EngineTimeout, func(ctx context.Context) error {
		engineCancel()
		select {
		case <-engineDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	coordinator.AddStep("feeds", cfg.ShutdownConfig.FeedTimeout, func(ctx context.Context) error {
		feedCancel()
		done := make(chan struct{})
		go func() {
			feeds.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	coordinator.AddStep("flush", cfg.ShutdownConfig.FlushTimeout, func(ctx context.Context) error {
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("HTTP server shutdown failed")
			}
		}

		stopped := database.SystemStatusStopped
		if err := repo.UpdateSystemState(ctx, database.SystemStateUpdate{Status: &stopped}); err != nil {
			return err
		}

		// Final-state verification: the stored state must reflect the stop.
		state, err := repo.SystemState(ctx)
		if err != nil {
			return err
		}
		if state.Status != database.SystemStatusStopped {
			return errors.New("system state not flushed")
		}
		logger.Info().
			Str("status", state.Status).
			Int("reconnection_attempts", state.ReconnectionAttempts).
			Msg("Final state verified")
		return nil
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// A second signal during shutdown reaches the coordinator while it is
	// already running, which forces immediate termination.
	forceOnNextSignal := func() {
		<-sigCh
		coordinator.Shutdown("second signal", 0)
	}

	var exitCode int
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		go forceOnNextSignal()
		exitCode = coordinator.Shutdown(sig.String(), 0)

	case err := <-feeds.Failed():
		logger.Error().Err(err).Msg("Feed channel failed, shutting down")
		degraded := database.SystemStatusDegraded
		feedErr := err.Error()
		_ = repo.UpdateSystemState(rootCtx, database.SystemStateUpdate{Status: &degraded, LastError: &feedErr})
		go forceOnNextSignal()
		exitCode = coordinator.Shutdown("feed channel failed", 1)
	}

	return exitCode
}
