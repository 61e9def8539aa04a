package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Deal statuses
const (
	DealStatusPendingReview         = "PENDING_REVIEW"
	DealStatusAwaitingFunds         = "AWAITING_FUNDS"
	DealStatusAwaitingConfirmation  = "AWAITING_CONFIRMATION"
	DealStatusInEscrow              = "IN_ESCROW"
	DealStatusPendingConditions     = "PENDING_CONDITIONS"
	DealStatusReadyForFinalApproval = "READY_FOR_FINAL_APPROVAL"
	DealStatusInFinalApproval       = "IN_FINAL_APPROVAL"
	DealStatusInDispute             = "IN_DISPUTE"
	DealStatusCompleted             = "COMPLETED"
	DealStatusCancelled             = "CANCELLED"
)

// Valid state transitions: from -> []to
var ValidDealTransitions = map[string][]string{
	DealStatusPendingReview:         {DealStatusAwaitingFunds, DealStatusCancelled},
	DealStatusAwaitingFunds:         {DealStatusAwaitingConfirmation, DealStatusCancelled},
	DealStatusAwaitingConfirmation:  {DealStatusInEscrow},
	DealStatusInEscrow:              {DealStatusPendingConditions},
	DealStatusPendingConditions:     {DealStatusReadyForFinalApproval},
	DealStatusReadyForFinalApproval: {DealStatusInFinalApproval},
	DealStatusInFinalApproval:       {DealStatusCompleted, DealStatusInDispute},
	DealStatusInDispute:             {DealStatusReadyForFinalApproval, DealStatusCompleted, DealStatusCancelled},
	DealStatusCompleted:             {},
	DealStatusCancelled:             {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidDealTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return status == DealStatusCompleted || status == DealStatusCancelled
}

// Party roles
const (
	RoleBuyer  = "BUYER"
	RoleSeller = "SELLER"
)

// Seller decisions
const (
	DecisionAccept = "ACCEPT"
	DecisionReject = "REJECT"
)

type Parties struct {
	BuyerID  uuid.UUID `json:"buyer_id"`
	SellerID uuid.UUID `json:"seller_id"`
}

// SettlementTarget is where a party holds or receives funds.
type SettlementTarget struct {
	NetworkID string `json:"network_id"`
	Address   string `json:"address"`
}

type Settlement struct {
	Buyer  SettlementTarget `json:"buyer"`
	Seller SettlementTarget `json:"seller"`
}

type Deal struct {
	ID                    uuid.UUID       `json:"id"`
	Status                string          `json:"status"`
	Initiator             string          `json:"initiator"`
	Parties               Parties         `json:"parties"`
	Settlement            Settlement      `json:"settlement"`
	Amount                decimal.Decimal `json:"amount"`
	AssetRef              string          `json:"asset_ref"`
	IsCrossNetwork        bool            `json:"is_cross_network"`
	LedgerContractRef     *string         `json:"ledger_contract_ref,omitempty"`
	Conditions            []Condition     `json:"conditions"`
	Timeline              []TimelineEvent `json:"timeline"`
	FinalApprovalDeadline *time.Time      `json:"final_approval_deadline,omitempty"`
	DisputeDeadline       *time.Time      `json:"dispute_deadline,omitempty"`
	FundsDepositedByBuyer bool            `json:"funds_deposited_by_buyer"`
	EscrowReleased        bool            `json:"escrow_released"`
	FundsReleasedToSeller bool            `json:"funds_released_to_seller"`
	BridgeSession         *BridgeSession  `json:"bridge_session,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// IsParty reports whether userID is the buyer or the seller of the deal.
func (d *Deal) IsParty(userID uuid.UUID) bool {
	return d.Parties.BuyerID == userID || d.Parties.SellerID == userID
}

// ActiveConditionsFulfilled is true when every non-withdrawn condition is
// fulfilled. A deal without active conditions counts as fulfilled.
func (d *Deal) ActiveConditionsFulfilled() bool {
	for _, c := range d.Conditions {
		if c.Status == ConditionStatusPending {
			return false
		}
	}
	return true
}

func (d *Deal) Condition(id uuid.UUID) *Condition {
	for i := range d.Conditions {
		if d.Conditions[i].ID == id {
			return &d.Conditions[i]
		}
	}
	return nil
}

// HasLedgerEvent reports whether the ledger event identified by txRef and
// logIndex is already reflected in the timeline.
func (d *Deal) HasLedgerEvent(txRef string, logIndex uint32) bool {
	for _, e := range d.Timeline {
		if e.SourceTxRef != nil && *e.SourceTxRef == txRef && e.LogIndex != nil && *e.LogIndex == logIndex {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so that callers can mutate without aliasing
// stored state.
func (d *Deal) Clone() *Deal {
	c := *d
	if d.LedgerContractRef != nil {
		ref := *d.LedgerContractRef
		c.LedgerContractRef = &ref
	}
	if d.FinalApprovalDeadline != nil {
		t := *d.FinalApprovalDeadline
		c.FinalApprovalDeadline = &t
	}
	if d.DisputeDeadline != nil {
		t := *d.DisputeDeadline
		c.DisputeDeadline = &t
	}
	c.Conditions = append([]Condition(nil), d.Conditions...)
	c.Timeline = make([]TimelineEvent, len(d.Timeline))
	for i, e := range d.Timeline {
		c.Timeline[i] = e.clone()
	}
	if d.BridgeSession != nil {
		c.BridgeSession = d.BridgeSession.Clone()
	}
	return &c
}

// CheckInvariants validates the monotonic funds flags and deadline placement.
func (d *Deal) CheckInvariants() error {
	if d.FundsReleasedToSeller && !d.EscrowReleased {
		return errInvariant("funds released to seller without escrow release")
	}
	if d.EscrowReleased && !d.FundsDepositedByBuyer {
		return errInvariant("escrow released without buyer deposit")
	}
	if d.FinalApprovalDeadline != nil && d.Status != DealStatusInFinalApproval {
		return errInvariant("final approval deadline set outside IN_FINAL_APPROVAL")
	}
	if d.DisputeDeadline != nil && d.Status != DealStatusInDispute {
		return errInvariant("dispute deadline set outside IN_DISPUTE")
	}
	if d.BridgeSession != nil && !d.IsCrossNetwork {
		return errInvariant("bridge session on same-network deal")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return "deal invariant violated: " + string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
