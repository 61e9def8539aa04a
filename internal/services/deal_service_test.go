package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDeal_Validation(t *testing.T) {
	h := newHarness(t)
	stranger := uuid.New()

	tests := []struct {
		name   string
		mutate func(in *CreateDealInput)
		want   error
	}{
		{"same party", func(in *CreateDealInput) { in.SellerID = in.BuyerID }, apperr.ErrValidation},
		{"missing seller", func(in *CreateDealInput) { in.SellerID = uuid.Nil }, apperr.ErrValidation},
		{"creator not a party", func(in *CreateDealInput) { in.CreatorID = stranger }, apperr.ErrForbidden},
		{"zero amount", func(in *CreateDealInput) { in.Amount = decimal.Zero }, apperr.ErrValidation},
		{"negative amount", func(in *CreateDealInput) { in.Amount = decimal.NewFromInt(-1) }, apperr.ErrValidation},
		{"missing asset", func(in *CreateDealInput) { in.AssetRef = " " }, apperr.ErrValidation},
		{"missing seller address", func(in *CreateDealInput) { in.Settlement.Seller.Address = "" }, apperr.ErrValidation},
		{"condition without kind", func(in *CreateDealInput) { in.Conditions = []ConditionInput{{Description: "x"}} }, apperr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := h.input(false, 1)
			tt.mutate(&in)
			_, err := h.svc.CreateDeal(context.Background(), in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateDeal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := h.input(true, 2)
	in.CreatorID = h.seller
	d, err := h.svc.CreateDeal(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, models.DealStatusPendingReview, d.Status)
	assert.Equal(t, models.RoleSeller, d.Initiator)
	assert.True(t, d.IsCrossNetwork)
	assert.Equal(t, int64(1), d.Version)
	require.Len(t, d.Conditions, 2)
	for _, c := range d.Conditions {
		assert.Equal(t, models.ConditionStatusPending, c.Status)
	}
	require.Len(t, d.Timeline, 1)
	assert.Equal(t, "deal_created", d.Timeline[0].Label)
	assert.Equal(t, models.ActorSeller, d.Timeline[0].Actor)

	same, err := h.svc.CreateDeal(ctx, h.input(false, 0))
	require.NoError(t, err)
	assert.False(t, same.IsCrossNetwork)
	assert.Equal(t, models.RoleBuyer, same.Initiator)
}

func TestSellerDecision(t *testing.T) {
	ctx := context.Background()

	t.Run("accept provisions contract", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusPendingReview, false)

		_, err := h.svc.SellerDecision(ctx, d.ID, h.buyer, models.DecisionAccept)
		assert.ErrorIs(t, err, apperr.ErrForbidden)

		d, err = h.svc.SellerDecision(ctx, d.ID, h.seller, models.DecisionAccept)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusAwaitingFunds, d.Status)
		require.NotNil(t, d.LedgerContractRef)
		assert.Equal(t, "EQescrow#"+d.ID.String(), *d.LedgerContractRef)

		_, err = h.svc.SellerDecision(ctx, d.ID, h.seller, models.DecisionAccept)
		assert.ErrorIs(t, err, apperr.ErrStateConflict)
	})

	t.Run("reject before funding", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusAwaitingFunds, false)

		d, err := h.svc.SellerDecision(ctx, d.ID, h.seller, models.DecisionReject)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusCancelled, d.Status)
	})

	t.Run("reject after deposit", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusAwaitingConfirmation, false)

		_, err := h.svc.SellerDecision(ctx, d.ID, h.seller, models.DecisionReject)
		assert.ErrorIs(t, err, apperr.ErrStateConflict)
	})

	t.Run("unknown decision", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusPendingReview, false)

		_, err := h.svc.SellerDecision(ctx, d.ID, h.seller, "MAYBE")
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})
}

func TestRecordDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("verified deposit", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusAwaitingFunds, false)

		_, err := h.svc.RecordDeposit(ctx, d.ID, h.seller, d.Amount, "proof")
		assert.ErrorIs(t, err, apperr.ErrForbidden)

		_, err = h.svc.RecordDeposit(ctx, d.ID, h.buyer, decimal.RequireFromString("1"), "proof")
		assert.ErrorIs(t, err, apperr.ErrValidation)

		d, err = h.svc.RecordDeposit(ctx, d.ID, h.buyer, d.Amount, "proof")
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusAwaitingConfirmation, d.Status)
		assert.True(t, d.FundsDepositedByBuyer)
		assert.Equal(t, 1, h.ledger.executions("deposit"))
	})

	t.Run("ledger failure leaves status", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusAwaitingFunds, false)
		h.ledger.failOn("deposit", errBoom)

		_, err := h.svc.RecordDeposit(ctx, d.ID, h.buyer, d.Amount, "proof")
		require.ErrorIs(t, err, apperr.ErrCollaborator)
		assert.True(t, apperr.IsRetryable(err))

		got := h.get(t, d.ID)
		assert.Equal(t, models.DealStatusAwaitingFunds, got.Status)
		assert.False(t, got.FundsDepositedByBuyer)
		last := lastEvent(got)
		assert.Equal(t, "deposit_verification_failed", last.Label)
		assert.True(t, last.Failed)

		h.ledger.failOn("deposit", nil)
		got, err = h.svc.RecordDeposit(ctx, d.ID, h.buyer, d.Amount, "proof")
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusAwaitingConfirmation, got.Status)
	})
}

func TestConfirmFunds(t *testing.T) {
	ctx := context.Background()

	t.Run("waits on conditions", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusAwaitingConfirmation, false)

		_, err := h.svc.ConfirmFunds(ctx, d.ID, h.buyer)
		assert.ErrorIs(t, err, apperr.ErrForbidden)

		d, err = h.svc.ConfirmFunds(ctx, d.ID, h.seller)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusPendingConditions, d.Status)
		assert.Equal(t, 1, countLabel(d, "funds_confirmed"))
		assert.Equal(t, 0, h.ledger.count("confirm"))
	})

	t.Run("no conditions goes straight to ready", func(t *testing.T) {
		h := newHarness(t)
		d, err := h.svc.CreateDeal(ctx, h.input(false, 0))
		require.NoError(t, err)
		_, err = h.svc.SellerDecision(ctx, d.ID, h.seller, models.DecisionAccept)
		require.NoError(t, err)
		_, err = h.svc.RecordDeposit(ctx, d.ID, h.buyer, d.Amount, "proof")
		require.NoError(t, err)

		d, err = h.svc.ConfirmFunds(ctx, d.ID, h.seller)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusReadyForFinalApproval, d.Status)
		assert.Equal(t, 1, h.ledger.executions("confirm"))
	})
}

func TestReviewCondition(t *testing.T) {
	ctx := context.Background()

	t.Run("guards", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusPendingConditions, false)
		condID := d.Conditions[0].ID

		_, err := h.svc.ReviewCondition(ctx, d.ID, h.seller, condID, models.ConditionStatusFulfilled, nil)
		assert.ErrorIs(t, err, apperr.ErrForbidden)

		_, err = h.svc.ReviewCondition(ctx, d.ID, h.buyer, condID, "DONE", nil)
		assert.ErrorIs(t, err, apperr.ErrValidation)

		_, err = h.svc.ReviewCondition(ctx, d.ID, h.buyer, uuid.New(), models.ConditionStatusFulfilled, nil)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("fulfilling the last condition advances", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusPendingConditions, false)
		notes := "received"

		d, err := h.svc.ReviewCondition(ctx, d.ID, h.buyer, d.Conditions[0].ID, models.ConditionStatusFulfilled, &notes)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusReadyForFinalApproval, d.Status)
		require.NotNil(t, d.Conditions[0].Notes)
		assert.Equal(t, "received", *d.Conditions[0].Notes)
		assert.Equal(t, 1, h.ledger.executions("confirm"))
	})

	t.Run("withdrawn conditions do not block", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusPendingConditions, false)

		d, err := h.svc.ReviewCondition(ctx, d.ID, h.buyer, d.Conditions[0].ID, models.ConditionStatusWithdrawn, nil)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusReadyForFinalApproval, d.Status)
	})

	t.Run("ledger failure defers advance", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusPendingConditions, false)
		h.ledger.failOn("confirm", errBoom)

		d, err := h.svc.ReviewCondition(ctx, d.ID, h.buyer, d.Conditions[0].ID, models.ConditionStatusFulfilled, nil)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusPendingConditions, d.Status)
		assert.Equal(t, models.ConditionStatusFulfilled, d.Conditions[0].Status)
		assert.Equal(t, "confirm_conditions_failed", lastEvent(d).Label)

		h.ledger.failOn("confirm", nil)
		d, err = h.svc.AdvanceConditions(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusReadyForFinalApproval, d.Status)
	})
}

func TestStartFinalApproval_ClampsHint(t *testing.T) {
	tests := []struct {
		name string
		hint time.Duration
		want time.Duration
	}{
		{"default", 0, 72 * time.Hour},
		{"below minimum", time.Minute, time.Hour},
		{"above maximum", 100 * 24 * time.Hour, 14 * 24 * time.Hour},
		{"within range", 5 * time.Hour, 5 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			d := h.dealIn(t, models.DealStatusReadyForFinalApproval, false)

			d, err := h.svc.StartFinalApproval(context.Background(), d.ID, h.seller, tt.hint)
			require.NoError(t, err)
			assert.Equal(t, models.DealStatusInFinalApproval, d.Status)
			require.NotNil(t, d.FinalApprovalDeadline)
			assert.Equal(t, h.clock.Now().Add(tt.want), *d.FinalApprovalDeadline)
		})
	}
}

func TestRaiseDispute(t *testing.T) {
	ctx := context.Background()

	t.Run("reopens conditions", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusInFinalApproval, false)

		d, err := h.svc.RaiseDispute(ctx, d.ID, h.buyer, 0)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusInDispute, d.Status)
		assert.Nil(t, d.FinalApprovalDeadline)
		require.NotNil(t, d.DisputeDeadline)
		assert.Equal(t, h.clock.Now().Add(7*24*time.Hour), *d.DisputeDeadline)
		assert.Equal(t, models.ConditionStatusPending, d.Conditions[0].Status)
	})

	t.Run("rejected once the window elapsed", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusInFinalApproval, false)
		h.clock.Advance(72 * time.Hour)

		_, err := h.svc.RaiseDispute(ctx, d.ID, h.buyer, 0)
		assert.ErrorIs(t, err, apperr.ErrStateConflict)
		assert.Equal(t, 0, h.ledger.count("dispute"))
	})

	t.Run("rejected outside final approval", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusReadyForFinalApproval, false)

		_, err := h.svc.RaiseDispute(ctx, d.ID, h.buyer, 0)
		assert.ErrorIs(t, err, apperr.ErrStateConflict)
	})

	t.Run("resolved when conditions are fulfilled again", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusInDispute, false)

		d, err := h.svc.ReviewCondition(ctx, d.ID, h.buyer, d.Conditions[0].ID, models.ConditionStatusFulfilled, nil)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusReadyForFinalApproval, d.Status)
		assert.Nil(t, d.DisputeDeadline)
		assert.Equal(t, 1, countLabel(d, "dispute_resolved"))

		d, err = h.svc.StartFinalApproval(ctx, d.ID, h.buyer, 0)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusInFinalApproval, d.Status)
	})
}

func TestApproveRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("same network completes", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusInFinalApproval, false)

		_, err := h.svc.ApproveRelease(ctx, d.ID, h.seller)
		assert.ErrorIs(t, err, apperr.ErrForbidden)

		d, err = h.svc.ApproveRelease(ctx, d.ID, h.buyer)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusCompleted, d.Status)
		assert.True(t, d.EscrowReleased)
		assert.True(t, d.FundsReleasedToSeller)
		assert.Nil(t, d.FinalApprovalDeadline)
		assert.Nil(t, d.BridgeSession)
		assert.Equal(t, 1, h.ledger.executions("release"))
		assert.Equal(t, 0, h.bridge.quotes)
	})

	t.Run("ledger failure is retryable", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusInFinalApproval, false)
		h.ledger.failOn("release", errBoom)

		_, err := h.svc.ApproveRelease(ctx, d.ID, h.buyer)
		require.ErrorIs(t, err, apperr.ErrCollaborator)
		got := h.get(t, d.ID)
		assert.Equal(t, models.DealStatusInFinalApproval, got.Status)
		assert.False(t, got.EscrowReleased)

		h.ledger.failOn("release", nil)
		got, err = h.svc.ApproveRelease(ctx, d.ID, h.buyer)
		require.NoError(t, err)
		assert.Equal(t, models.DealStatusCompleted, got.Status)
	})

	t.Run("concurrent callers complete once", func(t *testing.T) {
		h := newHarness(t)
		d := h.dealIn(t, models.DealStatusInFinalApproval, false)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = h.svc.ApproveRelease(ctx, d.ID, h.buyer)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, apperr.ErrStateConflict)
		}
		assert.GreaterOrEqual(t, succeeded, 1)

		got := h.get(t, d.ID)
		assert.Equal(t, models.DealStatusCompleted, got.Status)
		assert.Equal(t, 1, countLabel(got, "escrow_released"))
		assert.Equal(t, 1, countLabel(got, "deal_completed"))
		assert.Equal(t, 1, h.ledger.executions("release"))
	})
}

func TestCancelAndRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dealIn(t, models.DealStatusInDispute, false)

	_, err := h.svc.CancelAndRefund(ctx, d.ID)
	assert.ErrorIs(t, err, apperr.ErrDeadlineInconsistency)
	assert.Equal(t, 0, h.ledger.count("refund"))

	h.clock.Advance(7 * 24 * time.Hour)
	d, err = h.svc.CancelAndRefund(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusCancelled, d.Status)
	assert.Nil(t, d.DisputeDeadline)
	assert.False(t, d.EscrowReleased)
	assert.Equal(t, 1, h.ledger.executions("refund"))

	_, err = h.svc.CancelAndRefund(ctx, d.ID)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, 1, h.ledger.executions("refund"))
}

func TestCancelAndRefund_FulfilledConditionsAreInconsistent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dealIn(t, models.DealStatusInDispute, false)

	// Fulfil the condition while the ledger refuses to confirm, so the
	// dispute stays open with nothing left to dispute.
	h.ledger.failOn("confirm", errBoom)
	_, err := h.svc.ReviewCondition(ctx, d.ID, h.buyer, d.Conditions[0].ID, models.ConditionStatusFulfilled, nil)
	require.NoError(t, err)
	require.Equal(t, models.DealStatusInDispute, h.get(t, d.ID).Status)

	h.clock.Advance(8 * 24 * time.Hour)
	_, err = h.svc.CancelAndRefund(ctx, d.ID)
	assert.ErrorIs(t, err, apperr.ErrDeadlineInconsistency)
	assert.Equal(t, 0, h.ledger.count("refund"))
}

func TestGetDealForParty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.dealIn(t, models.DealStatusPendingReview, false)

	_, err := h.svc.GetDealForParty(ctx, d.ID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := h.svc.GetDealForParty(ctx, d.ID, h.seller)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	_, err = h.svc.GetDeal(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransitionsArePublished(t *testing.T) {
	h := newHarness(t)
	h.dealIn(t, models.DealStatusAwaitingFunds, false)

	var changes []string
	for _, ev := range h.pub.events[events.ChannelDeals] {
		if ev.Type == events.EventDealStatusChanged {
			changes = append(changes, ev.Payload["new_status"].(string))
		}
	}
	assert.Equal(t, []string{models.DealStatusPendingReview, models.DealStatusAwaitingFunds}, changes)
}
