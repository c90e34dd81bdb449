package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"agentmarket/auth"
	"agentmarket/config"
	"agentmarket/custody"
	"agentmarket/db"
	"agentmarket/dispute"
	"agentmarket/escrow"
	"agentmarket/listing"
	"agentmarket/marketplace"
	"agentmarket/relay"
	"agentmarket/stake"
	"agentmarket/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("exit", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	gateway := custody.NewGateway()
	registry := marketplace.NewRegistry(pool)
	if cfg.AuthorityID != "" {
		if _, err := registry.Init(ctx, cfg.AuthorityID); err != nil && !errors.Is(err, marketplace.ErrAlreadyInitialized) {
			return err
		}
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	escrowRepo := escrow.NewRepository(pool)
	listingService := listing.NewService(pool, listing.NewRepository(pool), escrowRepo, gateway)

	listingRepo := listing.NewRepository(pool)
	tradeService := trade.NewService(pool, trade.NewRepository(pool), listingRepo, escrowRepo, gateway)

	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), trade.NewRepository(pool), escrowRepo, gateway, dispute.NewAuthorizer(pool))

	stakeService := stake.NewService(pool, stake.NewRepository(pool), gateway, registry, cfg.StakeCurrency)

	server := &Server{
		authService:    authService,
		listingService: listingService,
		tradeService:   tradeService,
		disputeService: disputeService,
		stakeService:   stakeService,
		logger:         logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	outboxRelay := relay.New(pool, rdb, relay.Options{
		Stream:      cfg.EventStream,
		Interval:    cfg.RelayInterval,
		BatchSize:   cfg.RelayBatchSize,
		MaxAttempts: cfg.RelayMaxAttempts,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := outboxRelay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
