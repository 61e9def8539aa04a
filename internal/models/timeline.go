package models

import (
	"time"

	"github.com/google/uuid"
)

// Timeline actors
const (
	ActorBuyer     = "buyer"
	ActorSeller    = "seller"
	ActorSystem    = "system"
	ActorScheduler = "scheduler"
	ActorLedger    = "ledger"
)

// TimelineEvent is an append-only record of something that happened to a deal.
type TimelineEvent struct {
	ID          uuid.UUID `json:"id"`
	Label       string    `json:"label"`
	OccurredAt  time.Time `json:"occurred_at"`
	Actor       string    `json:"actor"`
	SourceTxRef *string   `json:"source_tx_ref,omitempty"`
	LogIndex    *uint32   `json:"log_index,omitempty"`
	Failed      bool      `json:"failed,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

func (e TimelineEvent) clone() TimelineEvent {
	c := e
	if e.SourceTxRef != nil {
		ref := *e.SourceTxRef
		c.SourceTxRef = &ref
	}
	if e.LogIndex != nil {
		idx := *e.LogIndex
		c.LogIndex = &idx
	}
	return c
}

// NewTimelineEvent builds an event stamped with a fresh id.
func NewTimelineEvent(label, actor string, at time.Time) TimelineEvent {
	return TimelineEvent{
		ID:         uuid.New(),
		Label:      label,
		OccurredAt: at.UTC(),
		Actor:      actor,
	}
}

// WithSource marks the event as derived from a ledger log.
func (e TimelineEvent) WithSource(txRef string, logIndex uint32) TimelineEvent {
	e.SourceTxRef = &txRef
	e.LogIndex = &logIndex
	return e
}
