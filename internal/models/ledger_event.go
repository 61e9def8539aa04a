package models

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger event types emitted by the escrow contract.
const (
	LedgerEventDepositConfirmed = "deposit_confirmed"
	LedgerEventConditionsMet    = "conditions_met"
	LedgerEventApprovalStarted  = "approval_started"
	LedgerEventDisputeRaised    = "dispute_raised"
	LedgerEventFundsReleased    = "funds_released"
	LedgerEventEscrowCancelled  = "escrow_cancelled"
)

// LedgerEvent is one decoded contract log entry.
type LedgerEvent struct {
	Type        string          `json:"type"`
	DealID      uuid.UUID       `json:"deal_id"`
	SourceTxRef string          `json:"source_tx_ref"`
	LogIndex    uint32          `json:"log_index"`
	Amount      decimal.Decimal `json:"amount"`
	Payload     map[string]any  `json:"payload,omitempty"`
}

// Identity is stable across redeliveries of the same log entry.
func (e LedgerEvent) Identity() string {
	return fmt.Sprintf("%s:%d", e.SourceTxRef, e.LogIndex)
}
