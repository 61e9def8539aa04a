package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sweep outcomes
const (
	OutcomeReleased     = "released"
	OutcomePending      = "settlement_pending"
	OutcomeCancelled    = "cancelled"
	OutcomeAdvanced     = "advanced"
	OutcomeResolved     = "resolved"
	OutcomeIdle         = "idle"
	OutcomeSkipped      = "skipped"
	OutcomeInconsistent = "inconsistent"
	OutcomeFailed       = "failed"
)

// SweepResult counts what one sweep did. Counts are per deal.
type SweepResult struct {
	Scanned  int            `json:"scanned"`
	Outcomes map[string]int `json:"outcomes"`
}

// Scheduler enforces deadlines. A sweep scans every deal with a running
// countdown or stalled auto-advance and fires the due transition through
// the coordinator; a failure on one deal never stops the others.
type Scheduler struct {
	store       DealStore
	deals       *DealService
	concurrency int
	log         *zap.Logger
}

func NewScheduler(store DealStore, deals *DealService, concurrency int, log *zap.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{store: store, deals: deals, concurrency: concurrency, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if res, err := s.Sweep(ctx); err != nil {
			s.log.Error("deadline sweep failed", zap.Error(err))
		} else if res.Scanned > 0 {
			s.log.Info("deadline sweep finished", zap.Int("scanned", res.Scanned), zap.Any("outcomes", res.Outcomes))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	deals, err := s.store.QueryByStatus(ctx,
		models.DealStatusInFinalApproval,
		models.DealStatusInDispute,
		models.DealStatusPendingConditions,
	)
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Scanned: len(deals), Outcomes: map[string]int{}}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, d := range deals {
		d := d
		g.Go(func() error {
			outcome := s.process(ctx, d)
			mu.Lock()
			res.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (s *Scheduler) process(ctx context.Context, d *models.Deal) string {
	now := s.deals.policy.now()
	var (
		outcome string
		err     error
	)

	switch d.Status {
	case models.DealStatusInFinalApproval:
		if !d.EscrowReleased && (d.FinalApprovalDeadline == nil || now.Before(*d.FinalApprovalDeadline)) {
			return OutcomeIdle
		}
		outcome = OutcomeReleased
		_, err = s.deals.Release(ctx, d.ID)

	case models.DealStatusInDispute:
		switch {
		case d.EscrowReleased:
			outcome = OutcomeReleased
			_, err = s.deals.Release(ctx, d.ID)
		case d.ActiveConditionsFulfilled():
			// Fulfilled conditions win over an expired window: the deal is
			// never refunded while its resolution is still being confirmed.
			outcome = OutcomeResolved
			_, err = s.deals.ResolveDispute(ctx, d.ID)
			if err != nil && d.DisputeDeadline != nil && !now.Before(*d.DisputeDeadline) && !errors.Is(err, apperr.ErrStateConflict) {
				err = apperr.DeadlineInconsistency("dispute expired with conditions fulfilled, resolution failed: " + err.Error())
			}
		case d.DisputeDeadline != nil && !now.Before(*d.DisputeDeadline):
			outcome = OutcomeCancelled
			_, err = s.deals.CancelAndRefund(ctx, d.ID)
		default:
			return OutcomeIdle
		}

	case models.DealStatusPendingConditions:
		if !d.ActiveConditionsFulfilled() {
			return OutcomeIdle
		}
		outcome = OutcomeAdvanced
		_, err = s.deals.AdvanceConditions(ctx, d.ID)

	default:
		return OutcomeIdle
	}

	if err == nil {
		s.log.Info("deadline action fired", zap.String("deal_id", d.ID.String()), zap.String("outcome", outcome))
		return outcome
	}
	return s.classify(ctx, d, err)
}

func (s *Scheduler) classify(ctx context.Context, d *models.Deal, err error) string {
	fields := []zap.Field{zap.String("deal_id", d.ID.String()), zap.String("status", d.Status), zap.Error(err)}

	switch {
	case errors.Is(err, apperr.ErrSettlementPending):
		s.log.Info("settlement still in flight", fields...)
		return OutcomePending
	case errors.Is(err, apperr.ErrDeadlineInconsistency):
		s.log.Warn("deadline inconsistency, deal skipped", fields...)
		s.deals.alert(ctx, events.AlertDeadlineInconsistency, d.ID, err.Error())
		return OutcomeInconsistent
	case errors.Is(err, apperr.ErrStateConflict):
		// Another writer moved the deal since the scan.
		s.log.Debug("deal changed concurrently, skipped", fields...)
		return OutcomeSkipped
	case errors.Is(err, apperr.ErrCollaborator):
		s.log.Warn("deadline action deferred", fields...)
		return OutcomeFailed
	}
	s.log.Error("deadline action failed", fields...)
	return OutcomeFailed
}
