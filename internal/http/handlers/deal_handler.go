package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/http/dto"
	"github.com/dealbridge/backend/internal/middleware"
	"github.com/dealbridge/backend/internal/models"
	"github.com/dealbridge/backend/internal/repositories"
	"github.com/dealbridge/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DealHandler struct {
	dealService *services.DealService
	log         *zap.Logger
}

func NewDealHandler(dealService *services.DealService, log *zap.Logger) *DealHandler {
	return &DealHandler{dealService: dealService, log: log}
}

func (h *DealHandler) CreateDeal(c *fiber.Ctx) error {
	var req dto.CreateDealRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	buyerID, err := uuid.Parse(req.BuyerID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid buyer_id"})
	}
	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid seller_id"})
	}

	in := services.CreateDealInput{
		CreatorID: middleware.GetUserID(c),
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    req.Amount,
		AssetRef:  req.AssetRef,
		Settlement: models.Settlement{
			Buyer:  models.SettlementTarget{NetworkID: req.BuyerFrom.NetworkID, Address: req.BuyerFrom.Address},
			Seller: models.SettlementTarget{NetworkID: req.SellerTo.NetworkID, Address: req.SellerTo.Address},
		},
	}
	for _, cond := range req.Conditions {
		in.Conditions = append(in.Conditions, services.ConditionInput{Kind: cond.Kind, Description: cond.Description})
	}

	deal, err := h.dealService.CreateDeal(c.Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetDeal(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.dealService.GetDealForParty(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetTimeline(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.dealService.GetDealForParty(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.TimelineResponse{
		DealID:   deal.ID.String(),
		Status:   deal.Status,
		Version:  deal.Version,
		Timeline: deal.Timeline,
	}})
}

// ListDeals returns the caller's deals, newest first.
func (h *DealHandler) ListDeals(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	filter := repositories.DealFilter{
		PartyID: &userID,
		Limit:   20,
	}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		filter.Status = &v
	}

	deals, err := h.dealService.ListDeals(c.Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deals})
}

func (h *DealHandler) SellerDecision(c *fiber.Ctx) error {
	dealID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	var req dto.SellerDecisionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	deal, err := h.dealService.SellerDecision(c.Context(), dealID, middleware.GetUserID(c), req.Decision)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) RecordDeposit(c *fiber.Ctx) error {
	dealID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	var req dto.DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	deal, err := h.dealService.RecordDeposit(c.Context(), dealID, middleware.GetUserID(c), req.Amount, req.ProofTxRef)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) ConfirmFunds(c *fiber.Ctx) error {
	dealID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.dealService.ConfirmFunds(c.Context(), dealID, middleware.GetUserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) ReviewCondition(c *fiber.Ctx) error {
	dealID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	conditionID, err := uuid.Parse(c.Params("conditionId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid condition id"})
	}

	var req dto.ReviewConditionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	deal, err := h.dealService.ReviewCondition(c.Context(), dealID, middleware.GetUserID(c), conditionID, req.Status, req.Notes)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) StartFinalApproval(c *fiber.Ctx) error {
	dealID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	req, err := parseWindow(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	deal, err := h.dealService.StartFinalApproval(c.Context(), dealID, middleware.GetUserID(c), time.Duration(req.HintSeconds)*time.Second)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) RaiseDispute(c *fiber.Ctx) error {
	dealID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	req, err := parseWindow(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	deal, err := h.dealService.RaiseDispute(c.Context(), dealID, middleware.GetUserID(c), time.Duration(req.HintSeconds)*time.Second)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

// ApproveRelease answers 202 while a cross-network settlement is still in
// flight; the worker completes it.
func (h *DealHandler) ApproveRelease(c *fiber.Ctx) error {
	dealID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	actorID := middleware.GetUserID(c)
	deal, err := h.dealService.ApproveRelease(c.Context(), dealID, actorID)
	if errors.Is(err, apperr.ErrSettlementPending) {
		deal, _ = h.dealService.GetDealForParty(c.Context(), dealID, actorID)
		return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: true, Data: deal})
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

// parseWindow reads an optional window hint. An empty body selects the
// policy default.
func parseWindow(c *fiber.Ctx) (dto.WindowRequest, error) {
	var req dto.WindowRequest
	if len(c.Body()) == 0 {
		return req, nil
	}
	err := c.BodyParser(&req)
	return req, err
}

func (h *DealHandler) fail(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	reqID := middleware.GetRequestID(c)

	var e *apperr.Error
	if !errors.As(err, &e) || status >= fiber.StatusInternalServerError {
		h.log.Error("deal request failed",
			zap.String("request_id", reqID),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	if e == nil {
		return c.Status(status).JSON(dto.ErrorResponse{Error: "internal error", Code: apperr.CodeInternal, RequestID: reqID})
	}

	msg := e.Message
	if status == fiber.StatusBadGateway && e.Err != nil {
		msg = e.Message + ": " + e.Err.Error()
	}
	return c.Status(status).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      e.Code,
		Retryable: apperr.IsRetryable(err),
		RequestID: reqID,
	})
}
