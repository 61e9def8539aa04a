package http

import (
	"time"

	"github.com/dealbridge/backend/internal/config"
	"github.com/dealbridge/backend/internal/http/handlers"
	"github.com/dealbridge/backend/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb redis.UniversalClient,
	dealHandler *handlers.DealHandler,
	metaHandler *handlers.MetaHandler,
	userHandler *handlers.UserHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Meta (public, no auth required)
	api.Get("/meta/statuses", metaHandler.GetStatuses)
	api.Get("/meta/condition-statuses", metaHandler.GetConditionStatuses)

	// Protected endpoints, rate limited per party
	protected := api.Group("",
		middleware.AuthMiddleware(cfg.JWTSecret, log),
		middleware.RateLimitMiddleware(rdb, 100, time.Minute),
	)

	protected.Get("/me", userHandler.GetMe)

	// Deals
	protected.Post("/deals", dealHandler.CreateDeal)
	protected.Get("/deals", dealHandler.ListDeals)
	protected.Get("/deals/:id", dealHandler.GetDeal)
	protected.Get("/deals/:id/timeline", dealHandler.GetTimeline)
	protected.Post("/deals/:id/decision", dealHandler.SellerDecision)
	protected.Post("/deals/:id/deposit", dealHandler.RecordDeposit)
	protected.Post("/deals/:id/confirm-funds", dealHandler.ConfirmFunds)
	protected.Post("/deals/:id/conditions/:conditionId/review", dealHandler.ReviewCondition)
	protected.Post("/deals/:id/final-approval", dealHandler.StartFinalApproval)
	protected.Post("/deals/:id/dispute", dealHandler.RaiseDispute)
	protected.Post("/deals/:id/approve-release", dealHandler.ApproveRelease)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
