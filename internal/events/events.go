package events

import "context"

// Channels
const (
	ChannelDeals  = "events:deal"
	ChannelAlerts = "events:alerts"
)

// Event types
const (
	EventDealStatusChanged = "deal_status_changed"
	EventDealUpdated       = "deal_updated"
	EventAlert             = "alert"
)

// Alert kinds
const (
	AlertReconciliationGap     = "reconciliation_gap"
	AlertDeadlineInconsistency = "deadline_inconsistency"
	AlertCollaboratorExhausted = "collaborator_exhausted"
	AlertSettlementFailed      = "settlement_failed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(Event)) error
}

// NewAlert builds an alert event for the operator channel.
func NewAlert(kind, dealID, message string) Event {
	return Event{
		Type: EventAlert,
		Payload: map[string]any{
			"kind":    kind,
			"deal_id": dealID,
			"message": message,
		},
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
