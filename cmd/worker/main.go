package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dealbridge/backend/internal/bridge"
	"github.com/dealbridge/backend/internal/config"
	"github.com/dealbridge/backend/internal/db"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/ledger"
	"github.com/dealbridge/backend/internal/repositories"
	"github.com/dealbridge/backend/internal/services"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// reconcileBlock is how long one stream read waits for new ledger events.
const reconcileBlock = 5 * time.Second

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, int32(cfg.WorkerConcurrency+2), log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	contract, err := ledger.ContractFromConfig(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to set up escrow contract", zap.Error(err))
	}

	store := repositories.NewDealRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)
	bridgeClient := bridge.NewHTTPClient(cfg.BridgeBaseURL, cfg.BridgeAPIKey, cfg.BridgeTimeout, log)
	settlement := services.NewSettlementOrchestrator(store, bridgeClient, publisher, cfg.SettlementPollInterval, 0, log)
	dealService := services.NewDealService(store, contract, settlement, publisher, services.PolicyFromConfig(cfg), log)

	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = "worker"
	}
	stream := events.NewLedgerStream(rdb, cfg.LedgerStream, cfg.LedgerConsumerGroup, consumer, log)
	if err := stream.EnsureGroup(ctx); err != nil {
		log.Fatal("failed to create ledger consumer group", zap.Error(err))
	}

	scheduler := services.NewScheduler(store, dealService, cfg.WorkerConcurrency, log)
	reconciler := services.NewReconciler(stream, store, dealService, services.ReconcilerOptions{
		MaxAttempts: cfg.ReconcileMaxAttempts,
		BatchSize:   int64(cfg.ReconcileBatchSize),
		Block:       reconcileBlock,
		Concurrency: cfg.WorkerConcurrency,
		RetryBase:   cfg.ReconcileRetryBase,
		RetryMax:    cfg.ReconcileRetryMax,
	}, log)

	log.Info("worker started",
		zap.String("consumer", consumer),
		zap.Duration("sweep_interval", cfg.SchedulerInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Run(gctx, cfg.SchedulerInterval)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	_ = g.Wait()

	log.Info("shutting down worker")
}
