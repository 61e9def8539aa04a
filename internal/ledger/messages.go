package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/dealbridge/backend/internal/models"
	"github.com/google/uuid"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

// Inbound operation codes accepted by the escrow contract.
const (
	OpDeposit           uint64 = 0x44455031
	OpConfirmConditions uint64 = 0x434f4e44
	OpStartApproval     uint64 = 0x41505256
	OpDispute           uint64 = 0x44535054
	OpRelease           uint64 = 0x524c5345
	OpRefund            uint64 = 0x52464e44
)

// Outbound log codes emitted by the contract as external messages.
const (
	LogDepositConfirmed uint64 = 0xe0000001
	LogConditionsMet    uint64 = 0xe0000002
	LogApprovalStarted  uint64 = 0xe0000003
	LogDisputeRaised    uint64 = 0xe0000004
	LogFundsReleased    uint64 = 0xe0000005
	LogEscrowCancelled  uint64 = 0xe0000006
)

var logTypes = map[uint64]string{
	LogDepositConfirmed: models.LedgerEventDepositConfirmed,
	LogConditionsMet:    models.LedgerEventConditionsMet,
	LogApprovalStarted:  models.LedgerEventApprovalStarted,
	LogDisputeRaised:    models.LedgerEventDisputeRaised,
	LogFundsReleased:    models.LedgerEventFundsReleased,
	LogEscrowCancelled:  models.LedgerEventEscrowCancelled,
}

// buildOpBody lays out op(32) | query_id(64) | deal_id(128) [| deadline(64)].
func buildOpBody(op, queryID uint64, dealID uuid.UUID, deadline *time.Time) *cell.Cell {
	b := cell.BeginCell().
		MustStoreUInt(op, 32).
		MustStoreUInt(queryID, 64).
		MustStoreSlice(dealID[:], 128)
	if deadline != nil {
		b.MustStoreUInt(uint64(deadline.Unix()), 64)
	}
	return b.EndCell()
}

// buildDepositBody carries the expected amount in nanotons after the deal id.
func buildDepositBody(queryID uint64, dealID uuid.UUID, nano *big.Int) *cell.Cell {
	return cell.BeginCell().
		MustStoreUInt(OpDeposit, 32).
		MustStoreUInt(queryID, 64).
		MustStoreSlice(dealID[:], 128).
		MustStoreBigCoins(nano).
		EndCell()
}

type logEntry struct {
	Type   string
	DealID uuid.UUID
	Nano   *big.Int
}

// decodeLogBody parses log(32) | deal_id(128) [| coins].
func decodeLogBody(c *cell.Cell) (*logEntry, error) {
	if c == nil {
		return nil, fmt.Errorf("empty log body")
	}
	s := c.BeginParse()
	if s.BitsLeft() < 32+128 {
		return nil, fmt.Errorf("log body too short: %d bits", s.BitsLeft())
	}

	code, err := s.LoadUInt(32)
	if err != nil {
		return nil, err
	}
	typ, ok := logTypes[code]
	if !ok {
		return nil, fmt.Errorf("unknown log code %#x", code)
	}

	raw, err := s.LoadSlice(128)
	if err != nil {
		return nil, err
	}
	dealID, err := uuid.FromBytes(raw)
	if err != nil {
		return nil, err
	}

	entry := &logEntry{Type: typ, DealID: dealID, Nano: new(big.Int)}
	if s.BitsLeft() >= 4 {
		if entry.Nano, err = s.LoadBigCoins(); err != nil {
			return nil, fmt.Errorf("load amount: %w", err)
		}
	}
	return entry, nil
}
