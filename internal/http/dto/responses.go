package dto

import "github.com/dealbridge/backend/internal/models"

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type TimelineResponse struct {
	DealID   string                 `json:"deal_id"`
	Status   string                 `json:"status"`
	Version  int64                  `json:"version"`
	Timeline []models.TimelineEvent `json:"timeline"`
}

type MeResponse struct {
	UserID string         `json:"user_id"`
	Deals  map[string]int `json:"deals_by_status"`
}
