package handlers

import (
	"github.com/dealbridge/backend/internal/http/dto"
	"github.com/dealbridge/backend/internal/middleware"
	"github.com/dealbridge/backend/internal/repositories"
	"github.com/dealbridge/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// meDealsLimit caps how many deals GetMe scans for its counters.
const meDealsLimit = 500

type UserHandler struct {
	dealService *services.DealService
	log         *zap.Logger
}

func NewUserHandler(dealService *services.DealService, log *zap.Logger) *UserHandler {
	return &UserHandler{dealService: dealService, log: log}
}

// GetMe returns the caller's id and how many of their deals sit in each status.
func (h *UserHandler) GetMe(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)

	deals, err := h.dealService.ListDeals(c.Context(), repositories.DealFilter{PartyID: &userID, Limit: meDealsLimit})
	if err != nil {
		h.log.Error("failed to list deals for me", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to load deals"})
	}

	counts := make(map[string]int)
	for _, d := range deals {
		counts[d.Status]++
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.MeResponse{
		UserID: userID.String(),
		Deals:  counts,
	}})
}
