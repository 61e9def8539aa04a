package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dealbridge/backend/internal/bridge"
	"github.com/dealbridge/backend/internal/config"
	"github.com/dealbridge/backend/internal/db"
	"github.com/dealbridge/backend/internal/events"
	apphttp "github.com/dealbridge/backend/internal/http"
	"github.com/dealbridge/backend/internal/http/handlers"
	"github.com/dealbridge/backend/internal/ledger"
	"github.com/dealbridge/backend/internal/repositories"
	"github.com/dealbridge/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Deal store
	var store services.DealStore
	switch cfg.StoreDriver {
	case "memory":
		store = repositories.NewMemoryDealRepo()
	default:
		pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, 0, log)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()

		if err := db.RunMigrations(ctx, pool, os.DirFS("migrations"), log); err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}
		store = repositories.NewDealRepo(pool)
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Ledger
	contract, err := ledger.ContractFromConfig(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to set up escrow contract", zap.Error(err))
	}

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	bridgeClient := bridge.NewHTTPClient(cfg.BridgeBaseURL, cfg.BridgeAPIKey, cfg.BridgeTimeout, log)
	settlement := services.NewSettlementOrchestrator(store, bridgeClient, publisher, cfg.SettlementPollInterval, 0, log)
	dealService := services.NewDealService(store, contract, settlement, publisher, services.PolicyFromConfig(cfg), log)

	// Handlers
	dealHandler := handlers.NewDealHandler(dealService, log)
	metaHandler := handlers.NewMetaHandler()
	userHandler := handlers.NewUserHandler(dealService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe websocket hub", zap.Error(err))
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, dealHandler, metaHandler, userHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
