package bridge

import (
	"context"

	"github.com/shopspring/decimal"
)

// Step poll results
const (
	StepConfirmed = "CONFIRMED"
	StepPending   = "PENDING"
	StepFailed    = "FAILED"
)

type RouteStep struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
}

type Route struct {
	ID    string      `json:"route_id"`
	Steps []RouteStep `json:"steps"`
}

type QuoteRequest struct {
	SourceNetwork string          `json:"source_network"`
	DestNetwork   string          `json:"dest_network"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Recipient     string          `json:"recipient"`
}

// Client moves value between networks in discrete, individually submitted
// steps. SubmitStep must be idempotent on idempotencyKey.
type Client interface {
	Quote(ctx context.Context, req QuoteRequest) (*Route, error)
	SubmitStep(ctx context.Context, routeID string, index int, idempotencyKey string) (string, error)
	PollStep(ctx context.Context, externalRef string) (string, error)
}
