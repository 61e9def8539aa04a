package services

import (
	"context"
	"errors"
	"time"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/models"
	"github.com/dealbridge/backend/internal/repositories"
	"github.com/google/uuid"
)

// DealStore is the durable deal repository. ConditionalPut must reject the
// write with a version conflict when the stored version differs from
// expectedVersion, and must set d.Version to the new version on success.
type DealStore interface {
	Create(ctx context.Context, d *models.Deal) error
	Get(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	ConditionalPut(ctx context.Context, d *models.Deal, expectedVersion int64) error
	QueryByStatus(ctx context.Context, statuses ...string) ([]*models.Deal, error)
	List(ctx context.Context, f repositories.DealFilter) ([]*models.Deal, error)
}

const defaultVersionRetries = 5

// errNoChange lets a mutation report that the freshly read deal already
// reflects the change, so nothing is written.
var errNoChange = errors.New("no change")

// mutateDeal is the single read-modify-write primitive every writer goes
// through. fn runs against a private copy of the latest stored deal and may
// reject it (guard failure); on a version conflict the deal is re-read and
// fn runs again, so guards are always evaluated against committed state.
// It returns the deal as read before fn and as committed after it. When fn
// returns errNoChange, after is the unchanged deal and err is nil.
func mutateDeal(ctx context.Context, store DealStore, id uuid.UUID, retries int, fn func(d *models.Deal) error) (before, after *models.Deal, err error) {
	if retries <= 0 {
		retries = defaultVersionRetries
	}
	for attempt := 0; ; attempt++ {
		cur, err := store.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errNoChange) {
				return cur, cur, nil
			}
			return cur, nil, err
		}
		if err := next.CheckInvariants(); err != nil {
			return cur, nil, apperr.Internal(err)
		}

		err = store.ConditionalPut(ctx, next, cur.Version)
		if err == nil {
			return cur, next, nil
		}
		if errors.Is(err, apperr.ErrVersionConflict) && attempt < retries {
			continue
		}
		return cur, nil, err
	}
}

// ledgerSource identifies the ledger log entry that drove a change.
type ledgerSource struct {
	TxRef    string
	LogIndex uint32
}

func sourceOf(ev models.LedgerEvent) *ledgerSource {
	return &ledgerSource{TxRef: ev.SourceTxRef, LogIndex: ev.LogIndex}
}

// trigger describes who or what issued a transition.
type trigger struct {
	actor string
	src   *ledgerSource
}

func (t trigger) event(label string, at time.Time) models.TimelineEvent {
	e := models.NewTimelineEvent(label, t.actor, at)
	if t.src != nil {
		e = e.WithSource(t.src.TxRef, t.src.LogIndex)
	}
	return e
}
