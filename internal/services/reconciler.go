package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconciliation outcomes
const (
	ReconcileApplied   = "applied"
	ReconcileDuplicate = "duplicate"
	ReconcileAnnotated = "annotated"
	ReconcileDeferred  = "deferred"
	ReconcileGap       = "gap"
)

// EventQueue delivers ledger events at least once.
type EventQueue interface {
	Read(ctx context.Context, count int64, block time.Duration) ([]events.Delivery, error)
	Ack(ctx context.Context, ids ...string) error
	Retry(ctx context.Context, d events.Delivery, delay time.Duration) error
}

// Reconciler folds ledger events into deal state. Events for one deal are
// applied in delivery order; different deals proceed concurrently.
type Reconciler struct {
	queue       EventQueue
	store       DealStore
	deals       *DealService
	maxAttempts int
	batchSize   int64
	block       time.Duration
	concurrency int
	retryBase   time.Duration
	retryMax    time.Duration
	log         *zap.Logger
}

// ReconcilerOptions tunes the reconciler. A deferred event waits RetryBase
// before its first redelivery, doubling per attempt up to RetryMax.
type ReconcilerOptions struct {
	MaxAttempts int
	BatchSize   int64
	Block       time.Duration
	Concurrency int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

func NewReconciler(queue EventQueue, store DealStore, deals *DealService, opts ReconcilerOptions, log *zap.Logger) *Reconciler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = max(5*time.Minute, opts.RetryBase)
	}
	return &Reconciler{
		queue:       queue,
		store:       store,
		deals:       deals,
		maxAttempts: opts.MaxAttempts,
		batchSize:   opts.BatchSize,
		block:       opts.Block,
		concurrency: opts.Concurrency,
		retryBase:   opts.RetryBase,
		retryMax:    opts.RetryMax,
		log:         log,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reconcile batch failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// RunOnce reads one batch and handles it. It returns the number of events read.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	batch, err := r.queue.Read(ctx, r.batchSize, r.block)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var order []uuid.UUID
	byDeal := make(map[uuid.UUID][]events.Delivery)
	for _, d := range batch {
		if _, ok := byDeal[d.Event.DealID]; !ok {
			order = append(order, d.Event.DealID)
		}
		byDeal[d.Event.DealID] = append(byDeal[d.Event.DealID], d)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, id := range order {
		deliveries := byDeal[id]
		g.Go(func() error {
			for _, d := range deliveries {
				r.handle(ctx, d)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

func (r *Reconciler) handle(ctx context.Context, d events.Delivery) {
	ev := d.Event
	outcome, err := r.Apply(ctx, ev)
	fields := []zap.Field{
		zap.String("deal_id", ev.DealID.String()),
		zap.String("event", ev.Type),
		zap.String("identity", ev.Identity()),
		zap.Int("attempts", d.Attempts),
	}

	switch {
	case err == nil:
		r.log.Info("ledger event reconciled", append(fields, zap.String("outcome", outcome))...)
		r.ack(ctx, d)
	case errors.Is(err, apperr.ErrReconciliationGap):
		r.gap(ctx, d, err, fields)
	case d.Attempts+1 >= r.maxAttempts:
		r.gap(ctx, d, apperr.ReconciliationGap(ev.Identity(), err), fields)
	default:
		delay := retryDelay(r.retryBase, r.retryMax, d.Attempts)
		r.log.Warn("ledger event deferred", append(fields, zap.Duration("retry_in", delay), zap.Error(err))...)
		if rErr := r.queue.Retry(ctx, d, delay); rErr != nil {
			r.log.Error("failed to requeue ledger event", append(fields, zap.Error(rErr))...)
		}
	}
}

func (r *Reconciler) gap(ctx context.Context, d events.Delivery, err error, fields []zap.Field) {
	r.log.Error("reconciliation gap", append(fields, zap.Error(err))...)
	r.deals.alert(ctx, events.AlertReconciliationGap, d.Event.DealID, err.Error())
	if rErr := r.deals.RecordReconciliationGap(ctx, d.Event, err.Error()); rErr != nil && !errors.Is(rErr, apperr.ErrNotFound) {
		r.log.Error("failed to record reconciliation gap", append(fields, zap.Error(rErr))...)
	}
	r.ack(ctx, d)
}

func (r *Reconciler) ack(ctx context.Context, d events.Delivery) {
	if err := r.queue.Ack(ctx, d.ID); err != nil {
		r.log.Error("failed to ack ledger event", zap.String("id", d.ID), zap.Error(err))
	}
}

// Apply folds one event into its deal. Redelivering an event already
// reflected in the timeline is a no-op. A nil error means the event can be
// acknowledged; a reconciliation gap error means it never will apply; any
// other error means it may apply later.
func (r *Reconciler) Apply(ctx context.Context, ev models.LedgerEvent) (string, error) {
	outcome, err := r.apply(ctx, ev)
	if err != nil && errors.Is(err, apperr.ErrValidation) {
		return ReconcileGap, apperr.ReconciliationGap(ev.Identity(), err)
	}
	return outcome, err
}

func (r *Reconciler) apply(ctx context.Context, ev models.LedgerEvent) (string, error) {
	d, err := r.store.Get(ctx, ev.DealID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return ReconcileGap, apperr.ReconciliationGap(ev.Identity(), err)
		}
		return ReconcileDeferred, err
	}
	if d.HasLedgerEvent(ev.SourceTxRef, ev.LogIndex) {
		return ReconcileDuplicate, nil
	}

	switch ev.Type {
	case models.LedgerEventDepositConfirmed:
		switch {
		case d.FundsDepositedByBuyer:
			return r.annotate(ctx, ev)
		case d.Status == models.DealStatusAwaitingFunds:
			return r.applied(r.deals.RecordDepositFromLedger(ctx, ev))
		case models.IsTerminal(d.Status):
			return r.contradiction(ev, d)
		}

	case models.LedgerEventConditionsMet:
		switch d.Status {
		case models.DealStatusReadyForFinalApproval, models.DealStatusInFinalApproval,
			models.DealStatusCompleted, models.DealStatusCancelled:
			return r.annotate(ctx, ev)
		case models.DealStatusPendingConditions:
			if d.ActiveConditionsFulfilled() {
				return r.thenAnnotate(ctx, ev, r.deals.AdvanceConditions)
			}
		case models.DealStatusInDispute:
			if !d.ActiveConditionsFulfilled() {
				return r.annotate(ctx, ev)
			}
			return r.thenAnnotate(ctx, ev, r.deals.ResolveDispute)
		}

	case models.LedgerEventApprovalStarted:
		switch d.Status {
		case models.DealStatusInFinalApproval, models.DealStatusInDispute,
			models.DealStatusCompleted, models.DealStatusCancelled:
			return r.annotate(ctx, ev)
		}

	case models.LedgerEventDisputeRaised:
		switch d.Status {
		case models.DealStatusInDispute, models.DealStatusReadyForFinalApproval,
			models.DealStatusCompleted, models.DealStatusCancelled:
			return r.annotate(ctx, ev)
		case models.DealStatusInFinalApproval:
			if d.EscrowReleased {
				return r.contradiction(ev, d)
			}
			return r.applied(r.deals.RaiseDisputeFromLedger(ctx, ev))
		}

	case models.LedgerEventFundsReleased:
		switch {
		case d.EscrowReleased:
			return r.annotate(ctx, ev)
		case d.Status == models.DealStatusInFinalApproval, d.Status == models.DealStatusInDispute:
			_, err := r.deals.ReleaseFromLedger(ctx, ev)
			if errors.Is(err, apperr.ErrSettlementPending) || errors.Is(err, apperr.ErrCollaborator) {
				// Escrow release is recorded; settlement resumes from the scheduler.
				if latest, gErr := r.store.Get(ctx, ev.DealID); gErr == nil && latest.HasLedgerEvent(ev.SourceTxRef, ev.LogIndex) {
					return ReconcileApplied, nil
				}
			}
			return r.applied(nil, err)
		case d.Status == models.DealStatusCancelled:
			return r.contradiction(ev, d)
		}

	case models.LedgerEventEscrowCancelled:
		switch d.Status {
		case models.DealStatusCancelled:
			return r.annotate(ctx, ev)
		case models.DealStatusInDispute:
			if d.EscrowReleased {
				return r.contradiction(ev, d)
			}
			return r.applied(r.deals.CancelFromLedger(ctx, ev))
		case models.DealStatusCompleted:
			return r.contradiction(ev, d)
		}

	default:
		return ReconcileGap, apperr.ReconciliationGap(ev.Identity(), fmt.Errorf("unknown event type %q", ev.Type))
	}

	return ReconcileDeferred, apperr.StateConflict(d.Status, "apply "+ev.Type)
}

func (r *Reconciler) annotate(ctx context.Context, ev models.LedgerEvent) (string, error) {
	if _, err := r.deals.AnnotateLedgerEvent(ctx, ev); err != nil {
		return ReconcileDeferred, err
	}
	return ReconcileAnnotated, nil
}

func (r *Reconciler) thenAnnotate(ctx context.Context, ev models.LedgerEvent, fn func(context.Context, uuid.UUID) (*models.Deal, error)) (string, error) {
	if _, err := fn(ctx, ev.DealID); err != nil {
		return ReconcileDeferred, err
	}
	if _, err := r.annotate(ctx, ev); err != nil {
		return ReconcileDeferred, err
	}
	return ReconcileApplied, nil
}

func (r *Reconciler) applied(_ *models.Deal, err error) (string, error) {
	if err != nil {
		return ReconcileDeferred, err
	}
	return ReconcileApplied, nil
}

func (r *Reconciler) contradiction(ev models.LedgerEvent, d *models.Deal) (string, error) {
	return ReconcileGap, apperr.ReconciliationGap(ev.Identity(), fmt.Errorf("%s contradicts deal status %s", ev.Type, d.Status))
}
