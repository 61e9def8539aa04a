package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/bridge"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxPollInterval = 5 * time.Minute

// SettlementOrchestrator moves released funds across networks through the
// bridge. Session progress is persisted on the deal after every step, so a
// restarted process resumes from the last recorded step and never quotes a
// second route for the same deal.
type SettlementOrchestrator struct {
	store        DealStore
	bridge       bridge.Client
	publisher    events.Publisher
	pollInterval time.Duration
	maxAttempts  int
	retries      int
	now          func() time.Time
	log          *zap.Logger
}

// NewSettlementOrchestrator returns an orchestrator that polls a submitted
// step at most once per call, waiting pollInterval before the second poll
// and doubling the wait after every unconfirmed poll.
func NewSettlementOrchestrator(
	store DealStore,
	client bridge.Client,
	publisher events.Publisher,
	pollInterval time.Duration,
	maxAttempts int,
	log *zap.Logger,
) *SettlementOrchestrator {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &SettlementOrchestrator{
		store:        store,
		bridge:       client,
		publisher:    publisher,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		retries:      defaultVersionRetries,
		now:          time.Now,
		log:          log,
	}
}

// Settle advances the deal's bridge session as far as it can without
// waiting. It returns a settlement pending error when a step is not yet
// confirmed or its next poll is not yet due, and a collaborator error when
// the bridge fails. Both leave the session resumable.
func (o *SettlementOrchestrator) Settle(ctx context.Context, dealID uuid.UUID) error {
	d, err := o.store.Get(ctx, dealID)
	if err != nil {
		return err
	}
	if !d.IsCrossNetwork {
		return nil
	}
	if !d.EscrowReleased {
		return apperr.StateConflict(d.Status, "settle before escrow release")
	}

	sess := d.BridgeSession
	if sess == nil {
		if sess, err = o.openSession(ctx, d); err != nil {
			return err
		}
	}

	for sess.Status != models.SessionStatusCompleted {
		cur := sess.CurrentStep()
		if cur == nil {
			sess, err = o.completeSession(ctx, dealID, sess.SessionID)
			if err != nil {
				return err
			}
			continue
		}

		step := *cur
		switch step.Status {
		case models.StepStatusPending:
			sess, err = o.submit(ctx, dealID, sess, step)
		case models.StepStatusSubmitted:
			sess, err = o.await(ctx, dealID, sess, step)
		case models.StepStatusFailed:
			sess, err = o.retryFailed(ctx, dealID, sess, step)
		default:
			err = apperr.Internal(fmt.Errorf("bridge step %d has unknown status %q", step.Index, step.Status))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *SettlementOrchestrator) openSession(ctx context.Context, d *models.Deal) (*models.BridgeSession, error) {
	route, err := o.bridge.Quote(ctx, bridge.QuoteRequest{
		SourceNetwork: d.Settlement.Buyer.NetworkID,
		DestNetwork:   d.Settlement.Seller.NetworkID,
		Asset:         d.AssetRef,
		Amount:        d.Amount,
		Recipient:     d.Settlement.Seller.Address,
	})
	if err == nil && len(route.Steps) == 0 {
		err = errors.New("quote returned an empty route")
	}
	if err != nil {
		o.recordFailure(ctx, d.ID, "bridge_quote_failed", err)
		return nil, apperr.Collaborator("bridge", err)
	}

	sess := &models.BridgeSession{
		SessionID: uuid.NewString(),
		RouteID:   route.ID,
		Status:    models.SessionStatusActive,
		Steps:     make([]models.BridgeStep, 0, len(route.Steps)),
	}
	for _, st := range route.Steps {
		sess.Steps = append(sess.Steps, models.BridgeStep{
			Index:  st.Index,
			Kind:   st.Kind,
			Status: models.StepStatusPending,
		})
	}

	_, after, err := mutateDeal(ctx, o.store, d.ID, o.retries, func(d *models.Deal) error {
		// Another worker opened a session first; keep theirs.
		if d.BridgeSession != nil {
			return errNoChange
		}
		d.BridgeSession = sess.Clone()
		ev := models.NewTimelineEvent("bridge_session_opened", models.ActorSystem, o.now().UTC())
		ev.Detail = fmt.Sprintf("session=%s route=%s steps=%d", sess.SessionID, sess.RouteID, len(sess.Steps))
		d.Timeline = append(d.Timeline, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.Info("bridge session opened",
		zap.String("deal_id", d.ID.String()),
		zap.String("session_id", after.BridgeSession.SessionID),
		zap.String("route_id", after.BridgeSession.RouteID),
	)
	return after.BridgeSession, nil
}

func (o *SettlementOrchestrator) submit(ctx context.Context, dealID uuid.UUID, sess *models.BridgeSession, step models.BridgeStep) (*models.BridgeSession, error) {
	key := idempotencyKey(sess.SessionID, step.Index, step.Attempts)
	ref, err := o.bridge.SubmitStep(ctx, sess.RouteID, step.Index, key)
	if err != nil {
		// The step stays PENDING; resubmitting with the same key is safe.
		o.log.Warn("bridge step submit failed",
			zap.String("deal_id", dealID.String()),
			zap.Int("step", step.Index),
			zap.Error(err),
		)
		return nil, apperr.Collaborator("bridge", err)
	}

	return o.updateStep(ctx, dealID, sess.SessionID, step, func(d *models.Deal, st *models.BridgeStep) {
		st.Status = models.StepStatusSubmitted
		st.ExternalRef = &ref
		ev := models.NewTimelineEvent("bridge_step_submitted", models.ActorSystem, o.now().UTC())
		ev.Detail = fmt.Sprintf("step=%d ref=%s", st.Index, ref)
		d.Timeline = append(d.Timeline, ev)
	})
}

func (o *SettlementOrchestrator) await(ctx context.Context, dealID uuid.UUID, sess *models.BridgeSession, step models.BridgeStep) (*models.BridgeSession, error) {
	if step.ExternalRef == nil {
		return nil, apperr.Internal(fmt.Errorf("submitted bridge step %d has no external ref", step.Index))
	}

	now := o.now().UTC()
	if step.NextPollAt != nil && now.Before(*step.NextPollAt) {
		return nil, apperr.SettlementPending(fmt.Sprintf("step %d next poll at %s", step.Index, step.NextPollAt.Format(time.RFC3339)))
	}

	status, err := o.bridge.PollStep(ctx, *step.ExternalRef)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil || status == bridge.StepPending {
		wait := retryDelay(o.pollInterval, maxPollInterval, step.Polls)
		if err != nil {
			o.log.Warn("bridge poll failed, retrying later",
				zap.String("deal_id", dealID.String()),
				zap.Int("step", step.Index),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}
		if _, uErr := o.updateStep(ctx, dealID, sess.SessionID, step, func(_ *models.Deal, st *models.BridgeStep) {
			next := now.Add(wait)
			st.Polls++
			st.NextPollAt = &next
		}); uErr != nil {
			return nil, uErr
		}
		return nil, apperr.SettlementPending(fmt.Sprintf("step %d awaiting confirmation", step.Index))
	}

	switch status {
	case bridge.StepConfirmed:
		return o.updateStep(ctx, dealID, sess.SessionID, step, func(d *models.Deal, st *models.BridgeStep) {
			st.Status = models.StepStatusConfirmed
			st.NextPollAt = nil
			ev := models.NewTimelineEvent("bridge_step_confirmed", models.ActorSystem, now)
			ev.Detail = fmt.Sprintf("step=%d", st.Index)
			d.Timeline = append(d.Timeline, ev)
		})
	case bridge.StepFailed:
		if _, err := o.updateStep(ctx, dealID, sess.SessionID, step, func(d *models.Deal, st *models.BridgeStep) {
			st.Status = models.StepStatusFailed
			st.NextPollAt = nil
			d.BridgeSession.Status = models.SessionStatusFailed
			ev := models.NewTimelineEvent("bridge_step_failed", models.ActorSystem, now)
			ev.Failed = true
			ev.Detail = fmt.Sprintf("step=%d attempt=%d", st.Index, st.Attempts)
			d.Timeline = append(d.Timeline, ev)
		}); err != nil {
			return nil, err
		}
		o.alert(ctx, events.AlertSettlementFailed, dealID, fmt.Sprintf("bridge step %d failed", step.Index))
		return nil, apperr.Collaborator("bridge", fmt.Errorf("step %d failed", step.Index))
	}
	return nil, apperr.Collaborator("bridge", fmt.Errorf("step %d returned unknown status %q", step.Index, status))
}

// retryFailed reopens a failed step on the same route with a fresh
// idempotency key, until the attempt limit is reached.
func (o *SettlementOrchestrator) retryFailed(ctx context.Context, dealID uuid.UUID, sess *models.BridgeSession, step models.BridgeStep) (*models.BridgeSession, error) {
	if step.Attempts+1 >= o.maxAttempts {
		o.log.Error("bridge step attempts exhausted",
			zap.String("deal_id", dealID.String()),
			zap.String("session_id", sess.SessionID),
			zap.Int("step", step.Index),
			zap.Int("attempts", step.Attempts+1),
		)
		o.alert(ctx, events.AlertCollaboratorExhausted, dealID, fmt.Sprintf("bridge step %d failed %d times", step.Index, step.Attempts+1))
		return nil, apperr.Collaborator("bridge", fmt.Errorf("step %d exhausted after %d attempts", step.Index, step.Attempts+1))
	}

	return o.updateStep(ctx, dealID, sess.SessionID, step, func(d *models.Deal, st *models.BridgeStep) {
		st.Status = models.StepStatusPending
		st.ExternalRef = nil
		st.Attempts++
		st.Polls = 0
		st.NextPollAt = nil
		d.BridgeSession.Status = models.SessionStatusActive
		ev := models.NewTimelineEvent("bridge_step_retry", models.ActorSystem, o.now().UTC())
		ev.Detail = fmt.Sprintf("step=%d attempt=%d", st.Index, st.Attempts)
		d.Timeline = append(d.Timeline, ev)
	})
}

func (o *SettlementOrchestrator) completeSession(ctx context.Context, dealID uuid.UUID, sessionID string) (*models.BridgeSession, error) {
	_, after, err := mutateDeal(ctx, o.store, dealID, o.retries, func(d *models.Deal) error {
		s := d.BridgeSession
		if s == nil || s.SessionID != sessionID {
			return apperr.StateConflict("settling", "complete unknown bridge session")
		}
		if s.Status == models.SessionStatusCompleted {
			return errNoChange
		}
		if !s.AllConfirmed() {
			return errNoChange
		}
		s.Status = models.SessionStatusCompleted
		d.Timeline = append(d.Timeline, models.NewTimelineEvent("bridge_settled", models.ActorSystem, o.now().UTC()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("bridge session completed", zap.String("deal_id", dealID.String()), zap.String("session_id", sessionID))
	return after.BridgeSession, nil
}

// updateStep applies fn to the stored copy of step if it is still in the
// state this worker observed. Otherwise another worker got there first and
// the stored session is returned as is.
func (o *SettlementOrchestrator) updateStep(ctx context.Context, dealID uuid.UUID, sessionID string, seen models.BridgeStep, fn func(d *models.Deal, st *models.BridgeStep)) (*models.BridgeSession, error) {
	_, after, err := mutateDeal(ctx, o.store, dealID, o.retries, func(d *models.Deal) error {
		s := d.BridgeSession
		if s == nil || s.SessionID != sessionID {
			return apperr.StateConflict("settling", "update unknown bridge session")
		}
		st := stepAt(s, seen.Index)
		if st == nil {
			return apperr.Internal(fmt.Errorf("bridge step %d missing from session %s", seen.Index, sessionID))
		}
		if st.Status != seen.Status || st.Attempts != seen.Attempts || st.Polls != seen.Polls {
			return errNoChange
		}
		fn(d, st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return after.BridgeSession, nil
}

func (o *SettlementOrchestrator) recordFailure(ctx context.Context, dealID uuid.UUID, label string, cause error) {
	o.log.Warn("bridge call failed", zap.String("deal_id", dealID.String()), zap.String("event", label), zap.Error(cause))
	_, _, err := mutateDeal(ctx, o.store, dealID, o.retries, func(d *models.Deal) error {
		ev := models.NewTimelineEvent(label, models.ActorSystem, o.now().UTC())
		ev.Failed = true
		ev.Detail = cause.Error()
		d.Timeline = append(d.Timeline, ev)
		return nil
	})
	if err != nil {
		o.log.Error("failed to record bridge failure", zap.String("deal_id", dealID.String()), zap.Error(err))
	}
}

func (o *SettlementOrchestrator) alert(ctx context.Context, kind string, dealID uuid.UUID, message string) {
	if err := o.publisher.Publish(ctx, events.ChannelAlerts, events.NewAlert(kind, dealID.String(), message)); err != nil {
		o.log.Error("failed to publish alert", zap.String("kind", kind), zap.Error(err))
	}
}

func stepAt(s *models.BridgeSession, index int) *models.BridgeStep {
	for i := range s.Steps {
		if s.Steps[i].Index == index {
			return &s.Steps[i]
		}
	}
	return nil
}

func idempotencyKey(sessionID string, index, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", sessionID, index, attempt)
}
