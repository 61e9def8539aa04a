package handlers

import (
	"sort"

	"github.com/dealbridge/backend/internal/http/dto"
	"github.com/dealbridge/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

type MetaHandler struct{}

func NewMetaHandler() *MetaHandler {
	return &MetaHandler{}
}

type MetaStatus struct {
	ID       string   `json:"id"`
	Terminal bool     `json:"terminal"`
	Next     []string `json:"next"`
}

var conditionStatuses = []string{
	models.ConditionStatusPending,
	models.ConditionStatusFulfilled,
	models.ConditionStatusWithdrawn,
}

// GetStatuses lists every deal status with the statuses reachable from it.
func (h *MetaHandler) GetStatuses(c *fiber.Ctx) error {
	out := make([]MetaStatus, 0, len(models.ValidDealTransitions))
	for status, next := range models.ValidDealTransitions {
		out = append(out, MetaStatus{
			ID:       status,
			Terminal: models.IsTerminal(status),
			Next:     append([]string{}, next...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *MetaHandler) GetConditionStatuses(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: conditionStatuses})
}
