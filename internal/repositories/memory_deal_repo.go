package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/models"
	"github.com/google/uuid"
)

// MemoryDealRepo is an in-process deal store with the same optimistic
// versioning contract as DealRepo. Stored deals are cloned on every read
// and write.
type MemoryDealRepo struct {
	mu    sync.RWMutex
	deals map[uuid.UUID]*models.Deal
	now   func() time.Time
}

func NewMemoryDealRepo() *MemoryDealRepo {
	return &MemoryDealRepo{
		deals: make(map[uuid.UUID]*models.Deal),
		now:   time.Now,
	}
}

func (r *MemoryDealRepo) Create(_ context.Context, d *models.Deal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deals[d.ID]; ok {
		return apperr.Validation("deal %s already exists", d.ID)
	}
	now := r.now().UTC()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	r.deals[d.ID] = d.Clone()
	return nil
}

func (r *MemoryDealRepo) Get(_ context.Context, id uuid.UUID) (*models.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deals[id]
	if !ok {
		return nil, apperr.NotFound("deal")
	}
	return d.Clone(), nil
}

func (r *MemoryDealRepo) ConditionalPut(_ context.Context, d *models.Deal, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.deals[d.ID]
	if !ok {
		return apperr.NotFound("deal")
	}
	if cur.Version != expectedVersion {
		return apperr.VersionConflict(expectedVersion)
	}
	d.Version = expectedVersion + 1
	d.CreatedAt = cur.CreatedAt
	d.UpdatedAt = r.now().UTC()
	r.deals[d.ID] = d.Clone()
	return nil
}

func (r *MemoryDealRepo) QueryByStatus(_ context.Context, statuses ...string) ([]*models.Deal, error) {
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Deal
	for _, d := range r.deals {
		if want[d.Status] {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryDealRepo) List(_ context.Context, f DealFilter) ([]*models.Deal, error) {
	r.mu.RLock()
	var all []*models.Deal
	for _, d := range r.deals {
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		if f.PartyID != nil && !d.IsParty(*f.PartyID) {
			continue
		}
		all = append(all, d.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if f.Offset >= len(all) {
		return nil, nil
	}
	end := f.Offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], nil
}
