package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Contract is the escrow capability surface for a single deal. Every call
// is addressed by the deal's contract ref and returns the ledger transaction
// reference of the resulting message when one was sent. Calls whose effect
// is already visible on chain return an empty ref and no error.
type Contract interface {
	Provision(ctx context.Context, dealID uuid.UUID) (string, error)
	Deposit(ctx context.Context, ref string, amount decimal.Decimal, proofTxRef string) (string, error)
	ConfirmConditions(ctx context.Context, ref string) (string, error)
	StartApproval(ctx context.Context, ref string, deadline time.Time) (string, error)
	Dispute(ctx context.Context, ref string, deadline time.Time) (string, error)
	Release(ctx context.Context, ref string) (string, error)
	Refund(ctx context.Context, ref string) (string, error)
}

// ContractRef binds a deal to the escrow contract that holds its funds.
// The escrow contract is shared; deals are keyed inside it by id.
type ContractRef struct {
	Contract string
	DealID   uuid.UUID
}

func (r ContractRef) String() string {
	return r.Contract + "#" + r.DealID.String()
}

func ParseContractRef(s string) (ContractRef, error) {
	addr, id, ok := strings.Cut(s, "#")
	if !ok || addr == "" {
		return ContractRef{}, fmt.Errorf("invalid contract ref %q", s)
	}
	dealID, err := uuid.Parse(id)
	if err != nil {
		return ContractRef{}, fmt.Errorf("invalid deal id in contract ref %q: %w", s, err)
	}
	return ContractRef{Contract: addr, DealID: dealID}, nil
}

// On-chain deal states reported by the get_deal_state method.
const (
	StateUnknown int64 = iota
	StateFunded
	StateConditionsMet
	StateInApproval
	StateInDispute
	StateReleased
	StateRefunded
)
