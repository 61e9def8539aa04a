package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"
	"go.uber.org/zap"
)

const nanoDecimals = 9

// getter runs a contract get-method and returns its result stack.
type getter interface {
	Get(ctx context.Context, method string, args ...any) ([]any, error)
}

// sender delivers an internal message body to the escrow contract and
// returns the hash of the resulting wallet transaction.
type sender interface {
	Send(ctx context.Context, body *cell.Cell) (string, error)
}

// TONContract drives the shared escrow contract through the operator wallet.
// The on-chain state of a deal is read before every mutating call so that
// repeating a call after a lost response does not send a second message.
type TONContract struct {
	contract string
	get      getter
	send     sender
	queryID  atomic.Uint64
	log      *zap.Logger
}

func NewTONContract(api ton.APIClientWrapped, contract *address.Address, w *wallet.Wallet, fee tlb.Coins, log *zap.Logger) *TONContract {
	return newTONContract(contract.String(), &apiGetter{api: api, addr: contract}, &walletSender{w: w, dst: contract, fee: fee}, log)
}

func newTONContract(contract string, g getter, s sender, log *zap.Logger) *TONContract {
	c := &TONContract{contract: contract, get: g, send: s, log: log}
	c.queryID.Store(uint64(time.Now().UnixNano()))
	return c
}

func (c *TONContract) Provision(_ context.Context, dealID uuid.UUID) (string, error) {
	return ContractRef{Contract: c.contract, DealID: dealID}.String(), nil
}

// Deposit verifies that the escrow holds at least amount for the deal.
// The buyer funds the contract directly; nothing is sent here.
func (c *TONContract) Deposit(ctx context.Context, ref string, amount decimal.Decimal, proofTxRef string) (string, error) {
	r, err := c.parseRef(ref)
	if err != nil {
		return "", err
	}

	stack, err := c.get.Get(ctx, "get_deposit", dealKey(r.DealID))
	if err != nil {
		return "", fmt.Errorf("get_deposit: %w", err)
	}
	held, err := stackInt(stack, 0)
	if err != nil {
		return "", fmt.Errorf("get_deposit result: %w", err)
	}

	expected := ToNano(amount)
	if held.Cmp(expected) < 0 {
		return "", fmt.Errorf("deposit not confirmed: escrow holds %s nanoton, expected %s", held, expected)
	}

	c.log.Info("deposit verified on chain",
		zap.String("deal_id", r.DealID.String()),
		zap.String("held_nano", held.String()),
		zap.String("proof_tx", proofTxRef),
	)
	return proofTxRef, nil
}

func (c *TONContract) ConfirmConditions(ctx context.Context, ref string) (string, error) {
	return c.sendOp(ctx, ref, OpConfirmConditions, nil, StateConditionsMet)
}

func (c *TONContract) StartApproval(ctx context.Context, ref string, deadline time.Time) (string, error) {
	return c.sendOp(ctx, ref, OpStartApproval, &deadline, StateInApproval)
}

func (c *TONContract) Dispute(ctx context.Context, ref string, deadline time.Time) (string, error) {
	return c.sendOp(ctx, ref, OpDispute, &deadline, StateInDispute)
}

func (c *TONContract) Release(ctx context.Context, ref string) (string, error) {
	return c.sendOp(ctx, ref, OpRelease, nil, StateReleased)
}

func (c *TONContract) Refund(ctx context.Context, ref string) (string, error) {
	return c.sendOp(ctx, ref, OpRefund, nil, StateRefunded)
}

// sendOp sends op unless the on-chain state already satisfies target.
func (c *TONContract) sendOp(ctx context.Context, ref string, op uint64, deadline *time.Time, target int64) (string, error) {
	r, err := c.parseRef(ref)
	if err != nil {
		return "", err
	}

	state, err := c.dealState(ctx, r.DealID)
	if err != nil {
		return "", err
	}
	if reached(state, target) {
		c.log.Info("ledger op already applied",
			zap.String("deal_id", r.DealID.String()),
			zap.Uint64("op", op),
			zap.Int64("state", state),
		)
		return "", nil
	}

	body := buildOpBody(op, c.queryID.Add(1), r.DealID, deadline)
	txRef, err := c.send.Send(ctx, body)
	if err != nil {
		return "", fmt.Errorf("send op %#x: %w", op, err)
	}

	c.log.Info("ledger op sent",
		zap.String("deal_id", r.DealID.String()),
		zap.Uint64("op", op),
		zap.String("tx", txRef),
	)
	return txRef, nil
}

func (c *TONContract) dealState(ctx context.Context, dealID uuid.UUID) (int64, error) {
	stack, err := c.get.Get(ctx, "get_deal_state", dealKey(dealID))
	if err != nil {
		return 0, fmt.Errorf("get_deal_state: %w", err)
	}
	v, err := stackInt(stack, 0)
	if err != nil {
		return 0, fmt.Errorf("get_deal_state result: %w", err)
	}
	return v.Int64(), nil
}

func (c *TONContract) parseRef(ref string) (ContractRef, error) {
	r, err := ParseContractRef(ref)
	if err != nil {
		return ContractRef{}, err
	}
	if r.Contract != c.contract {
		return ContractRef{}, fmt.Errorf("contract ref %q does not belong to escrow %s", ref, c.contract)
	}
	return r, nil
}

// satisfiedBy lists, per target state, the on-chain states in which the
// op that leads to target has nothing left to do.
var satisfiedBy = map[int64][]int64{
	StateConditionsMet: {StateConditionsMet, StateInApproval, StateReleased, StateRefunded},
	StateInApproval:    {StateInApproval, StateReleased, StateRefunded},
	StateInDispute:     {StateInDispute, StateReleased, StateRefunded},
	StateReleased:      {StateReleased},
	StateRefunded:      {StateRefunded},
}

func reached(state, target int64) bool {
	for _, s := range satisfiedBy[target] {
		if s == state {
			return true
		}
	}
	return false
}

// ToNano converts a TON-denominated amount to nanotons, truncating below
// one nanoton.
func ToNano(amount decimal.Decimal) *big.Int {
	return amount.Shift(nanoDecimals).Truncate(0).BigInt()
}

// FromNano converts nanotons to a TON-denominated amount.
func FromNano(nano *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(nano, -nanoDecimals)
}

func dealKey(id uuid.UUID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

func stackInt(stack []any, i int) (*big.Int, error) {
	if i >= len(stack) {
		return nil, fmt.Errorf("result stack has %d entries, want index %d", len(stack), i)
	}
	switch v := stack[i].(type) {
	case *big.Int:
		return v, nil
	case int64:
		return big.NewInt(v), nil
	}
	return nil, fmt.Errorf("result %d is %T, not an integer", i, stack[i])
}

type apiGetter struct {
	api  ton.APIClientWrapped
	addr *address.Address
}

func (g *apiGetter) Get(ctx context.Context, method string, args ...any) ([]any, error) {
	block, err := g.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}
	res, err := g.api.RunGetMethod(ctx, block, g.addr, method, args...)
	if err != nil {
		return nil, err
	}
	return res.AsTuple(), nil
}

type walletSender struct {
	w   *wallet.Wallet
	dst *address.Address
	fee tlb.Coins
}

func (s *walletSender) Send(ctx context.Context, body *cell.Cell) (string, error) {
	tx, _, err := s.w.SendWaitTransaction(ctx, &wallet.Message{
		Mode: wallet.PayGasSeparately,
		InternalMessage: &tlb.InternalMessage{
			IHRDisabled: true,
			Bounce:      true,
			DstAddr:     s.dst,
			Amount:      s.fee,
			Body:        body,
		},
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(tx.Hash), nil
}

// OperatorWallet restores the operator wallet from a space separated seed.
func OperatorWallet(api ton.APIClientWrapped, seed string) (*wallet.Wallet, error) {
	words := strings.Fields(seed)
	if len(words) == 0 {
		return nil, fmt.Errorf("operator seed is empty")
	}
	return wallet.FromSeed(api, words, wallet.V4R2)
}
