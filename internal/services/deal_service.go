package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/ledger"
	"github.com/dealbridge/backend/internal/models"
	"github.com/dealbridge/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settler drives the cross-network leg of a release to completion.
type Settler interface {
	Settle(ctx context.Context, dealID uuid.UUID) error
}

// DealService is the deal lifecycle coordinator. Every state change,
// whether issued by a party, the deadline scheduler or the ledger
// reconciler, is committed through mutateDeal, so concurrent writers to
// one deal are serialized by the version check.
type DealService struct {
	store      DealStore
	ledger     ledger.Contract
	settlement Settler
	publisher  events.Publisher
	policy     Policy
	log        *zap.Logger
}

func NewDealService(
	store DealStore,
	contract ledger.Contract,
	settlement Settler,
	publisher events.Publisher,
	policy Policy,
	log *zap.Logger,
) *DealService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &DealService{
		store:      store,
		ledger:     contract,
		settlement: settlement,
		publisher:  publisher,
		policy:     policy,
		log:        log,
	}
}

type ConditionInput struct {
	Kind        string
	Description string
}

type CreateDealInput struct {
	CreatorID  uuid.UUID
	BuyerID    uuid.UUID
	SellerID   uuid.UUID
	Amount     decimal.Decimal
	AssetRef   string
	Settlement models.Settlement
	Conditions []ConditionInput
}

func (in CreateDealInput) validate() error {
	if in.BuyerID == uuid.Nil || in.SellerID == uuid.Nil {
		return apperr.Validation("buyer and seller are required")
	}
	if in.BuyerID == in.SellerID {
		return apperr.Validation("buyer and seller must differ")
	}
	if in.CreatorID != in.BuyerID && in.CreatorID != in.SellerID {
		return apperr.Forbidden("deal creator must be the buyer or the seller")
	}
	if !in.Amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	if strings.TrimSpace(in.AssetRef) == "" {
		return apperr.Validation("asset_ref is required")
	}
	for role, t := range map[string]models.SettlementTarget{"buyer": in.Settlement.Buyer, "seller": in.Settlement.Seller} {
		if strings.TrimSpace(t.NetworkID) == "" || strings.TrimSpace(t.Address) == "" {
			return apperr.Validation("%s settlement network and address are required", role)
		}
	}
	for i, c := range in.Conditions {
		if strings.TrimSpace(c.Kind) == "" {
			return apperr.Validation("condition %d: kind is required", i)
		}
	}
	return nil
}

func (s *DealService) CreateDeal(ctx context.Context, in CreateDealInput) (*models.Deal, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	initiator, actor := models.RoleBuyer, models.ActorBuyer
	if in.CreatorID == in.SellerID {
		initiator, actor = models.RoleSeller, models.ActorSeller
	}

	now := s.policy.now()
	conditions := make([]models.Condition, 0, len(in.Conditions))
	for _, c := range in.Conditions {
		conditions = append(conditions, models.Condition{
			ID:          uuid.New(),
			Kind:        strings.TrimSpace(c.Kind),
			Description: c.Description,
			Status:      models.ConditionStatusPending,
		})
	}

	d := &models.Deal{
		ID:             uuid.New(),
		Status:         models.DealStatusPendingReview,
		Initiator:      initiator,
		Parties:        models.Parties{BuyerID: in.BuyerID, SellerID: in.SellerID},
		Settlement:     in.Settlement,
		Amount:         in.Amount,
		AssetRef:       strings.TrimSpace(in.AssetRef),
		IsCrossNetwork: s.requiresBridge(in.Settlement.Buyer.NetworkID, in.Settlement.Seller.NetworkID),
		Conditions:     conditions,
		Timeline:       []models.TimelineEvent{models.NewTimelineEvent("deal_created", actor, now)},
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info("deal created",
		zap.String("deal_id", d.ID.String()),
		zap.String("initiator", initiator),
		zap.Bool("cross_network", d.IsCrossNetwork),
		zap.Int("conditions", len(conditions)),
	)
	s.publishStatus(ctx, d, "")
	return d, nil
}

// SellerDecision accepts or rejects a deal under review. Accepting binds
// the deal to its escrow contract; rejecting is allowed until funds arrive.
func (s *DealService) SellerDecision(ctx context.Context, dealID, actorID uuid.UUID, decision string) (*models.Deal, error) {
	d, err := s.loadAsParty(ctx, dealID, actorID, models.RoleSeller)
	if err != nil {
		return nil, err
	}

	switch decision {
	case models.DecisionAccept:
		return s.accept(ctx, d)
	case models.DecisionReject:
		return s.reject(ctx, d)
	}
	return nil, apperr.Validation("decision must be %s or %s", models.DecisionAccept, models.DecisionReject)
}

func (s *DealService) accept(ctx context.Context, d *models.Deal) (*models.Deal, error) {
	const action = "accept deal"
	if err := requireStatus(d, action, models.DealStatusPendingReview); err != nil {
		return nil, err
	}

	ref := d.LedgerContractRef
	if ref == nil {
		r, err := s.ledger.Provision(ctx, d.ID)
		if err != nil {
			return nil, s.recordFailure(ctx, d.ID, "contract_provision_failed", models.ActorSeller, "ledger", err)
		}
		ref = &r
	}

	return s.commit(ctx, d.ID, action, func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusPendingReview); err != nil {
			return err
		}
		d.LedgerContractRef = ref
		if err := moveTo(d, models.DealStatusAwaitingFunds); err != nil {
			return err
		}
		d.Timeline = append(d.Timeline, models.NewTimelineEvent("seller_accepted", models.ActorSeller, s.policy.now()))
		return nil
	})
}

func (s *DealService) reject(ctx context.Context, d *models.Deal) (*models.Deal, error) {
	const action = "reject deal"
	guard := func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusPendingReview, models.DealStatusAwaitingFunds); err != nil {
			return err
		}
		if d.FundsDepositedByBuyer {
			return apperr.StateConflict(d.Status, action+" after deposit")
		}
		return nil
	}
	if err := guard(d); err != nil {
		return nil, err
	}

	return s.commit(ctx, d.ID, action, func(d *models.Deal) error {
		if err := guard(d); err != nil {
			return err
		}
		if err := moveTo(d, models.DealStatusCancelled); err != nil {
			return err
		}
		d.Timeline = append(d.Timeline, models.NewTimelineEvent("seller_rejected", models.ActorSeller, s.policy.now()))
		return nil
	})
}

// RecordDeposit verifies the buyer's deposit against the escrow contract.
func (s *DealService) RecordDeposit(ctx context.Context, dealID, actorID uuid.UUID, amount decimal.Decimal, proofTxRef string) (*models.Deal, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}
	if strings.TrimSpace(proofTxRef) == "" {
		return nil, apperr.Validation("proof_tx_ref is required")
	}
	d, err := s.loadAsParty(ctx, dealID, actorID, models.RoleBuyer)
	if err != nil {
		return nil, err
	}
	return s.recordDeposit(ctx, d, amount, proofTxRef, trigger{actor: models.ActorBuyer})
}

// RecordDepositFromLedger applies a deposit already confirmed on chain.
func (s *DealService) RecordDepositFromLedger(ctx context.Context, ev models.LedgerEvent) (*models.Deal, error) {
	d, err := s.store.Get(ctx, ev.DealID)
	if err != nil {
		return nil, err
	}
	return s.recordDeposit(ctx, d, ev.Amount, ev.SourceTxRef, trigger{actor: models.ActorLedger, src: sourceOf(ev)})
}

func (s *DealService) recordDeposit(ctx context.Context, d *models.Deal, amount decimal.Decimal, proof string, t trigger) (*models.Deal, error) {
	const action = "record deposit"
	if err := requireStatus(d, action, models.DealStatusAwaitingFunds); err != nil {
		return nil, err
	}
	if amount.LessThan(d.Amount) {
		return nil, apperr.Validation("deposit %s is below the deal amount %s", amount, d.Amount)
	}
	ref, err := contractRef(d)
	if err != nil {
		return nil, err
	}

	if t.src == nil {
		if _, err := s.ledger.Deposit(ctx, ref, d.Amount, proof); err != nil {
			return nil, s.recordFailure(ctx, d.ID, "deposit_verification_failed", t.actor, "ledger", err)
		}
	}

	return s.commit(ctx, d.ID, action, func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusAwaitingFunds); err != nil {
			return err
		}
		d.FundsDepositedByBuyer = true
		if err := moveTo(d, models.DealStatusAwaitingConfirmation); err != nil {
			return err
		}
		ev := t.event("deposit_confirmed", s.policy.now())
		ev.Detail = "amount=" + amount.String() + " proof=" + proof
		d.Timeline = append(d.Timeline, ev)
		return nil
	})
}

// ConfirmFunds is the seller's acknowledgement that the escrow is funded.
// The deal then waits on its conditions, or moves straight to
// READY_FOR_FINAL_APPROVAL when none are active.
func (s *DealService) ConfirmFunds(ctx context.Context, dealID, actorID uuid.UUID) (*models.Deal, error) {
	const action = "confirm funds"
	d, err := s.loadAsParty(ctx, dealID, actorID, models.RoleSeller)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, action, models.DealStatusAwaitingConfirmation); err != nil {
		return nil, err
	}

	d, err = s.commit(ctx, dealID, action, func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusAwaitingConfirmation); err != nil {
			return err
		}
		now := s.policy.now()
		if err := moveTo(d, models.DealStatusInEscrow); err != nil {
			return err
		}
		d.Timeline = append(d.Timeline, models.NewTimelineEvent("funds_confirmed", models.ActorSeller, now))
		if err := moveTo(d, models.DealStatusPendingConditions); err != nil {
			return err
		}
		d.Timeline = append(d.Timeline, models.NewTimelineEvent("awaiting_conditions", models.ActorSystem, now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.autoAdvance(ctx, d), nil
}

// ReviewCondition changes the status of one condition. Once every active
// condition is fulfilled the deal advances on its own: from
// PENDING_CONDITIONS, or out of a dispute.
func (s *DealService) ReviewCondition(ctx context.Context, dealID, actorID, conditionID uuid.UUID, status string, notes *string) (*models.Deal, error) {
	const action = "review condition"
	if !models.IsValidConditionStatus(status) {
		return nil, apperr.Validation("invalid condition status %q", status)
	}
	d, err := s.loadAsParty(ctx, dealID, actorID, models.RoleBuyer)
	if err != nil {
		return nil, err
	}

	guard := func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusPendingConditions, models.DealStatusInDispute); err != nil {
			return err
		}
		if d.Condition(conditionID) == nil {
			return apperr.NotFound("condition")
		}
		return nil
	}
	if err := guard(d); err != nil {
		return nil, err
	}

	d, err = s.commit(ctx, dealID, action, func(d *models.Deal) error {
		if err := guard(d); err != nil {
			return err
		}
		c := d.Condition(conditionID)
		if c.Status == models.ConditionStatusWithdrawn && status != models.ConditionStatusWithdrawn {
			return apperr.Validation("withdrawn condition cannot be reopened")
		}
		if c.Status == status && notes == nil {
			return errNoChange
		}
		prev := c.Status
		c.Status = status
		if notes != nil {
			n := *notes
			c.Notes = &n
		}
		ev := models.NewTimelineEvent("condition_reviewed", models.ActorBuyer, s.policy.now())
		ev.Detail = fmt.Sprintf("%s %s -> %s", c.ID, prev, status)
		d.Timeline = append(d.Timeline, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.autoAdvance(ctx, d), nil
}

// autoAdvance moves a deal whose active conditions are all fulfilled to
// READY_FOR_FINAL_APPROVAL. A ledger failure is recorded on the timeline and
// left for the scheduler to retry; the caller's own change already stands.
func (s *DealService) autoAdvance(ctx context.Context, d *models.Deal) *models.Deal {
	if !d.ActiveConditionsFulfilled() {
		return d
	}

	var (
		next *models.Deal
		err  error
	)
	switch d.Status {
	case models.DealStatusPendingConditions:
		next, err = s.AdvanceConditions(ctx, d.ID)
	case models.DealStatusInDispute:
		next, err = s.ResolveDispute(ctx, d.ID)
	default:
		return d
	}
	if err != nil {
		s.log.Warn("automatic advance deferred",
			zap.String("deal_id", d.ID.String()),
			zap.String("status", d.Status),
			zap.Error(err),
		)
		if latest, gErr := s.store.Get(ctx, d.ID); gErr == nil {
			return latest
		}
		return d
	}
	return next
}

// AdvanceConditions confirms fulfilled conditions on the ledger and moves
// the deal to READY_FOR_FINAL_APPROVAL.
func (s *DealService) AdvanceConditions(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	const action = "advance conditions"
	guard := func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusPendingConditions); err != nil {
			return err
		}
		if !d.ActiveConditionsFulfilled() {
			return apperr.StateConflict(d.Status+" with unfulfilled conditions", action)
		}
		return nil
	}
	return s.confirmConditionsAndCommit(ctx, dealID, action, "conditions_met", guard, func(d *models.Deal) {})
}

// ResolveDispute ends a dispute whose conditions have all been fulfilled
// again. The deal returns to READY_FOR_FINAL_APPROVAL and a new approval
// window starts only when final approval is started again.
func (s *DealService) ResolveDispute(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	const action = "resolve dispute"
	guard := func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusInDispute); err != nil {
			return err
		}
		if d.EscrowReleased {
			return apperr.StateConflict(d.Status+" with escrow released", action)
		}
		if !d.ActiveConditionsFulfilled() {
			return apperr.StateConflict(d.Status+" with unfulfilled conditions", action)
		}
		return nil
	}
	return s.confirmConditionsAndCommit(ctx, dealID, action, "dispute_resolved", guard, func(d *models.Deal) {
		d.DisputeDeadline = nil
	})
}

func (s *DealService) confirmConditionsAndCommit(ctx context.Context, dealID uuid.UUID, action, label string, guard func(*models.Deal) error, apply func(*models.Deal)) (*models.Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := guard(d); err != nil {
		return nil, err
	}
	ref, err := contractRef(d)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.ConfirmConditions(ctx, ref); err != nil {
		return nil, s.recordFailure(ctx, dealID, "confirm_conditions_failed", models.ActorSystem, "ledger", err)
	}

	return s.commit(ctx, dealID, action, func(d *models.Deal) error {
		if err := guard(d); err != nil {
			return err
		}
		apply(d)
		if err := moveTo(d, models.DealStatusReadyForFinalApproval); err != nil {
			return err
		}
		d.Timeline = append(d.Timeline, models.NewTimelineEvent(label, models.ActorSystem, s.policy.now()))
		return nil
	})
}

// StartFinalApproval opens the approval window. Its length is policy; the
// caller may only hint a duration, which is clamped to the allowed range.
func (s *DealService) StartFinalApproval(ctx context.Context, dealID, actorID uuid.UUID, hint time.Duration) (*models.Deal, error) {
	const action = "start final approval"
	d, err := s.loadAsParty(ctx, dealID, actorID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, action, models.DealStatusReadyForFinalApproval); err != nil {
		return nil, err
	}
	ref, err := contractRef(d)
	if err != nil {
		return nil, err
	}

	actor := partyActor(d, actorID)
	deadline := s.policy.now().Add(s.policy.FinalApproval.Clamp(hint))
	if _, err := s.ledger.StartApproval(ctx, ref, deadline); err != nil {
		return nil, s.recordFailure(ctx, dealID, "start_approval_failed", actor, "ledger", err)
	}

	return s.commit(ctx, dealID, action, func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusReadyForFinalApproval); err != nil {
			return err
		}
		dl := deadline
		d.FinalApprovalDeadline = &dl
		if err := moveTo(d, models.DealStatusInFinalApproval); err != nil {
			return err
		}
		ev := models.NewTimelineEvent("final_approval_started", actor, s.policy.now())
		ev.Detail = "deadline=" + deadline.Format(time.RFC3339)
		d.Timeline = append(d.Timeline, ev)
		return nil
	})
}

// RaiseDispute moves a deal in final approval into dispute. Conditions that
// were fulfilled are reopened and must be fulfilled again to resolve it.
func (s *DealService) RaiseDispute(ctx context.Context, dealID, actorID uuid.UUID, hint time.Duration) (*models.Deal, error) {
	d, err := s.loadAsParty(ctx, dealID, actorID)
	if err != nil {
		return nil, err
	}
	return s.raiseDispute(ctx, d, hint, trigger{actor: partyActor(d, actorID)})
}

// RaiseDisputeFromLedger applies a dispute already opened on chain.
func (s *DealService) RaiseDisputeFromLedger(ctx context.Context, ev models.LedgerEvent) (*models.Deal, error) {
	d, err := s.store.Get(ctx, ev.DealID)
	if err != nil {
		return nil, err
	}
	return s.raiseDispute(ctx, d, 0, trigger{actor: models.ActorLedger, src: sourceOf(ev)})
}

func (s *DealService) raiseDispute(ctx context.Context, d *models.Deal, hint time.Duration, t trigger) (*models.Deal, error) {
	const action = "raise dispute"
	guard := func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusInFinalApproval); err != nil {
			return err
		}
		if d.EscrowReleased {
			return apperr.StateConflict(d.Status+" with escrow released", action)
		}
		// The contract enforces the window for disputes opened on chain.
		if t.src == nil && (d.FinalApprovalDeadline == nil || !s.policy.now().Before(*d.FinalApprovalDeadline)) {
			return apperr.New(apperr.CodeStateConflict, "final approval window has elapsed", http.StatusConflict)
		}
		return nil
	}
	if err := guard(d); err != nil {
		return nil, err
	}
	ref, err := contractRef(d)
	if err != nil {
		return nil, err
	}

	deadline := s.policy.now().Add(s.policy.Dispute.Clamp(hint))
	if t.src == nil {
		if _, err := s.ledger.Dispute(ctx, ref, deadline); err != nil {
			return nil, s.recordFailure(ctx, d.ID, "dispute_failed", t.actor, "ledger", err)
		}
	}

	return s.commit(ctx, d.ID, action, func(d *models.Deal) error {
		if err := guard(d); err != nil {
			return err
		}
		dl := deadline
		d.FinalApprovalDeadline = nil
		d.DisputeDeadline = &dl
		reopened := 0
		for i := range d.Conditions {
			if d.Conditions[i].Status == models.ConditionStatusFulfilled {
				d.Conditions[i].Status = models.ConditionStatusPending
				reopened++
			}
		}
		if err := moveTo(d, models.DealStatusInDispute); err != nil {
			return err
		}
		ev := t.event("dispute_raised", s.policy.now())
		ev.Detail = fmt.Sprintf("deadline=%s reopened=%d", deadline.Format(time.RFC3339), reopened)
		d.Timeline = append(d.Timeline, ev)
		return nil
	})
}

// ApproveRelease lets the buyer release funds before the approval window
// runs out.
func (s *DealService) ApproveRelease(ctx context.Context, dealID, actorID uuid.UUID) (*models.Deal, error) {
	d, err := s.loadAsParty(ctx, dealID, actorID, models.RoleBuyer)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(d, "approve release", models.DealStatusInFinalApproval); err != nil {
		return nil, err
	}
	return s.release(ctx, dealID, trigger{actor: models.ActorBuyer})
}

// Release pays out a deal whose approval window has ended. For cross-network
// deals the bridge settlement must complete before the deal is COMPLETED;
// while it is in flight Release returns a settlement pending error and can
// be called again to resume.
func (s *DealService) Release(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	return s.release(ctx, dealID, trigger{actor: models.ActorScheduler})
}

// ReleaseFromLedger applies a release already executed on chain.
func (s *DealService) ReleaseFromLedger(ctx context.Context, ev models.LedgerEvent) (*models.Deal, error) {
	return s.release(ctx, ev.DealID, trigger{actor: models.ActorLedger, src: sourceOf(ev)})
}

func (s *DealService) release(ctx context.Context, dealID uuid.UUID, t trigger) (*models.Deal, error) {
	const action = "release"
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}

	// A release already executed on chain may land on a disputed deal; the
	// scheduler then resumes its settlement from there.
	allowed := []string{models.DealStatusInFinalApproval}
	if t.src != nil || d.EscrowReleased {
		allowed = append(allowed, models.DealStatusInDispute)
	}
	if err := requireStatus(d, action, allowed...); err != nil {
		return nil, err
	}

	if !d.EscrowReleased {
		ref, err := contractRef(d)
		if err != nil {
			return nil, err
		}
		var txRef string
		if t.src == nil {
			if txRef, err = s.ledger.Release(ctx, ref); err != nil {
				return nil, s.recordFailure(ctx, dealID, "release_failed", t.actor, "ledger", err)
			}
		}
		d, err = s.commit(ctx, dealID, "release escrow", func(d *models.Deal) error {
			if err := requireStatus(d, action, allowed...); err != nil {
				return err
			}
			if d.EscrowReleased {
				return errNoChange
			}
			d.EscrowReleased = true
			ev := t.event("escrow_released", s.policy.now())
			if txRef != "" {
				ev.Detail = "tx=" + txRef
			}
			d.Timeline = append(d.Timeline, ev)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if d.IsCrossNetwork {
		if s.settlement == nil {
			return nil, apperr.Internal(errors.New("cross-network deal without a settlement orchestrator"))
		}
		if err := s.settlement.Settle(ctx, dealID); err != nil {
			return nil, err
		}
	}

	return s.commit(ctx, dealID, "complete", func(d *models.Deal) error {
		if err := requireStatus(d, action, allowed...); err != nil {
			return err
		}
		if !d.EscrowReleased {
			return apperr.StateConflict(d.Status+" without escrow release", "complete")
		}
		if d.IsCrossNetwork && (d.BridgeSession == nil || d.BridgeSession.Status != models.SessionStatusCompleted) {
			return apperr.SettlementPending("bridge session not completed")
		}
		d.FundsReleasedToSeller = true
		d.FinalApprovalDeadline = nil
		d.DisputeDeadline = nil
		if err := moveTo(d, models.DealStatusCompleted); err != nil {
			return err
		}
		d.Timeline = append(d.Timeline, models.NewTimelineEvent("deal_completed", t.actor, s.policy.now()))
		return nil
	})
}

// CancelAndRefund cancels a dispute whose window elapsed with conditions
// still unfulfilled and refunds the buyer.
func (s *DealService) CancelAndRefund(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	return s.cancelAndRefund(ctx, dealID, trigger{actor: models.ActorScheduler})
}

// CancelFromLedger applies a refund already executed on chain.
func (s *DealService) CancelFromLedger(ctx context.Context, ev models.LedgerEvent) (*models.Deal, error) {
	return s.cancelAndRefund(ctx, ev.DealID, trigger{actor: models.ActorLedger, src: sourceOf(ev)})
}

func (s *DealService) cancelAndRefund(ctx context.Context, dealID uuid.UUID, t trigger) (*models.Deal, error) {
	const action = "cancel and refund"
	guard := func(d *models.Deal) error {
		if err := requireStatus(d, action, models.DealStatusInDispute); err != nil {
			return err
		}
		if d.EscrowReleased {
			return apperr.StateConflict(d.Status+" with escrow released", action)
		}
		if t.src != nil {
			return nil
		}
		if d.DisputeDeadline == nil || s.policy.now().Before(*d.DisputeDeadline) {
			return apperr.DeadlineInconsistency("dispute window is still open")
		}
		if d.ActiveConditionsFulfilled() {
			return apperr.DeadlineInconsistency("conditions are fulfilled, dispute awaits resolution")
		}
		return nil
	}

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := guard(d); err != nil {
		return nil, err
	}

	var txRef string
	if t.src == nil {
		ref, err := contractRef(d)
		if err != nil {
			return nil, err
		}
		if txRef, err = s.ledger.Refund(ctx, ref); err != nil {
			return nil, s.recordFailure(ctx, dealID, "refund_failed", t.actor, "ledger", err)
		}
	}

	return s.commit(ctx, dealID, action, func(d *models.Deal) error {
		if err := guard(d); err != nil {
			return err
		}
		d.DisputeDeadline = nil
		if err := moveTo(d, models.DealStatusCancelled); err != nil {
			return err
		}
		ev := t.event("escrow_refunded", s.policy.now())
		if txRef != "" {
			ev.Detail = "tx=" + txRef
		}
		d.Timeline = append(d.Timeline, ev)
		return nil
	})
}

// AnnotateLedgerEvent records a ledger event whose effect the deal already
// reflects, so that redeliveries are recognized as duplicates.
func (s *DealService) AnnotateLedgerEvent(ctx context.Context, ev models.LedgerEvent) (*models.Deal, error) {
	return s.commit(ctx, ev.DealID, "annotate ledger event", func(d *models.Deal) error {
		if d.HasLedgerEvent(ev.SourceTxRef, ev.LogIndex) {
			return errNoChange
		}
		e := models.NewTimelineEvent(ev.Type, models.ActorLedger, s.policy.now()).WithSource(ev.SourceTxRef, ev.LogIndex)
		e.Detail = "already reflected"
		d.Timeline = append(d.Timeline, e)
		return nil
	})
}

// RecordReconciliationGap marks on the timeline that a ledger event could
// not be applied and needs manual inspection.
func (s *DealService) RecordReconciliationGap(ctx context.Context, ev models.LedgerEvent, reason string) error {
	_, err := s.commit(ctx, ev.DealID, "record reconciliation gap", func(d *models.Deal) error {
		e := models.NewTimelineEvent("reconciliation_gap", models.ActorLedger, s.policy.now())
		e.Failed = true
		e.Detail = fmt.Sprintf("%s %s: %s", ev.Type, ev.Identity(), reason)
		d.Timeline = append(d.Timeline, e)
		return nil
	})
	return err
}

func (s *DealService) GetDeal(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	return s.store.Get(ctx, dealID)
}

// GetDealForParty returns the deal if actorID is one of its parties.
func (s *DealService) GetDealForParty(ctx context.Context, dealID, actorID uuid.UUID) (*models.Deal, error) {
	return s.loadAsParty(ctx, dealID, actorID)
}

func (s *DealService) ListDeals(ctx context.Context, f repositories.DealFilter) ([]*models.Deal, error) {
	if f.Status != nil {
		if _, ok := models.ValidDealTransitions[*f.Status]; !ok {
			return nil, apperr.Validation("unknown status %q", *f.Status)
		}
	}
	return s.store.List(ctx, f)
}

// commit runs fn through mutateDeal and announces the result.
func (s *DealService) commit(ctx context.Context, dealID uuid.UUID, action string, fn func(d *models.Deal) error) (*models.Deal, error) {
	before, after, err := mutateDeal(ctx, s.store, dealID, s.policy.VersionRetries, fn)
	if err != nil {
		return nil, err
	}
	if after.Version == before.Version {
		return after, nil
	}

	if after.Status != before.Status {
		s.log.Info("deal transition",
			zap.String("deal_id", dealID.String()),
			zap.String("action", action),
			zap.String("from", before.Status),
			zap.String("to", after.Status),
			zap.Int64("version", after.Version),
		)
		s.publishStatus(ctx, after, before.Status)
	} else {
		_ = s.publisher.Publish(ctx, events.ChannelDeals, events.Event{
			Type:    events.EventDealUpdated,
			Payload: dealPayload(after),
		})
	}
	return after, nil
}

func (s *DealService) publishStatus(ctx context.Context, d *models.Deal, oldStatus string) {
	payload := dealPayload(d)
	payload["old_status"] = oldStatus
	payload["new_status"] = d.Status
	_ = s.publisher.Publish(ctx, events.ChannelDeals, events.Event{
		Type:    events.EventDealStatusChanged,
		Payload: payload,
	})
}

func dealPayload(d *models.Deal) map[string]any {
	return map[string]any{
		"deal_id":   d.ID.String(),
		"status":    d.Status,
		"version":   d.Version,
		"buyer_id":  d.Parties.BuyerID.String(),
		"seller_id": d.Parties.SellerID.String(),
	}
}

// recordFailure appends a failed timeline event without touching the status
// and returns the collaborator error to surface to the caller.
func (s *DealService) recordFailure(ctx context.Context, dealID uuid.UUID, label, actor, component string, cause error) error {
	s.log.Warn("collaborator call failed",
		zap.String("deal_id", dealID.String()),
		zap.String("component", component),
		zap.String("event", label),
		zap.Error(cause),
	)

	_, err := s.commit(ctx, dealID, label, func(d *models.Deal) error {
		ev := models.NewTimelineEvent(label, actor, s.policy.now())
		ev.Failed = true
		ev.Detail = cause.Error()
		d.Timeline = append(d.Timeline, ev)
		return nil
	})
	if err != nil {
		s.log.Error("failed to record collaborator failure", zap.String("deal_id", dealID.String()), zap.Error(err))
	}
	return apperr.Collaborator(component, cause)
}

func (s *DealService) alert(ctx context.Context, kind string, dealID uuid.UUID, message string) {
	if err := s.publisher.Publish(ctx, events.ChannelAlerts, events.NewAlert(kind, dealID.String(), message)); err != nil {
		s.log.Error("failed to publish alert", zap.String("kind", kind), zap.Error(err))
	}
}

// loadAsParty loads a deal and checks that actorID holds one of roles, or
// is any party when no role is given.
func (s *DealService) loadAsParty(ctx context.Context, dealID, actorID uuid.UUID, roles ...string) (*models.Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(actorID) {
		return nil, apperr.Forbidden("not a party to this deal")
	}
	if len(roles) == 0 {
		return d, nil
	}
	for _, r := range roles {
		if (r == models.RoleBuyer && d.Parties.BuyerID == actorID) || (r == models.RoleSeller && d.Parties.SellerID == actorID) {
			return d, nil
		}
	}
	return nil, apperr.Forbidden("only the " + strings.ToLower(strings.Join(roles, " or ")) + " may do this")
}

func (s *DealService) requiresBridge(src, dst string) bool {
	if s.policy.RequiresBridge != nil {
		return s.policy.RequiresBridge(src, dst)
	}
	return !strings.EqualFold(src, dst)
}

func requireStatus(d *models.Deal, action string, allowed ...string) error {
	for _, st := range allowed {
		if d.Status == st {
			return nil
		}
	}
	return apperr.StateConflict(d.Status, action)
}

func moveTo(d *models.Deal, to string) error {
	if !models.IsValidTransition(d.Status, to) {
		return apperr.StateConflict(d.Status, "move to "+to)
	}
	d.Status = to
	return nil
}

func contractRef(d *models.Deal) (string, error) {
	if d.LedgerContractRef == nil {
		return "", apperr.Internal(fmt.Errorf("deal %s has no ledger contract", d.ID))
	}
	return *d.LedgerContractRef, nil
}

func partyActor(d *models.Deal, actorID uuid.UUID) string {
	if d.Parties.SellerID == actorID {
		return models.ActorSeller
	}
	return models.ActorBuyer
}
