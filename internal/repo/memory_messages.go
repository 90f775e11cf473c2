package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// MemoryMessageRepo keeps records in process. The mutex makes each method a
// single atomic step, which gives the same compare-and-set guarantees as the
// Postgres statements.
type MemoryMessageRepo struct {
	mu    sync.RWMutex
	byID  map[string]*model.Message
	byKey map[string]string
}

var _ MessageRepository = (*MemoryMessageRepo)(nil)

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		byID:  make(map[string]*model.Message),
		byKey: make(map[string]string),
	}
}

func (r *MemoryMessageRepo) Insert(ctx context.Context, m *model.Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[m.IdempotencyKey]; ok {
		return false, nil
	}
	if _, ok := r.byID[m.ID]; ok {
		return false, nil
	}
	r.byID[m.ID] = m.Clone()
	r.byKey[m.IdempotencyKey] = m.ID
	return true, nil
}

func (r *MemoryMessageRepo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (r *MemoryMessageRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *MemoryMessageRepo) Claim(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	if !m.ApplyClaim(owner, now) {
		return false, nil
	}
	m.Version++
	return true, nil
}

func (r *MemoryMessageRepo) Update(ctx context.Context, m *model.Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[m.ID]
	if !ok || cur.Version != m.Version {
		return false, nil
	}

	next := m.Clone()
	// Identity and creation-time attributes are immutable.
	next.TenantID = cur.TenantID
	next.IdempotencyKey = cur.IdempotencyKey
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	r.byID[m.ID] = next
	m.Version = next.Version
	return true, nil
}

func (r *MemoryMessageRepo) ListPending(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	out, err := r.filter(ctx, func(m *model.Message) bool {
		return m.Status == model.Pending && (m.ScheduledAt == nil || !m.ScheduledAt.After(now))
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, clampLimit(limit)), nil
}

func (r *MemoryMessageRepo) ListRetryable(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	out, err := r.filter(ctx, func(m *model.Message) bool { return m.RetryEligible(now) })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].RetryAfter, out[j].RetryAfter
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	return truncate(out, clampLimit(limit)), nil
}

func (r *MemoryMessageRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error) {
	out, err := r.filter(ctx, func(m *model.Message) bool { return m.Stuck(cutoff) })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimStartedAt.Before(*out[j].ClaimStartedAt) })
	return truncate(out, clampLimit(limit)), nil
}

func (r *MemoryMessageRepo) ListByTenant(ctx context.Context, tenantID string, page Page) ([]model.Message, error) {
	return r.listOwned(ctx, page, func(m *model.Message) bool { return m.TenantID == tenantID })
}

func (r *MemoryMessageRepo) ListByCampaign(ctx context.Context, campaignID string, page Page) ([]model.Message, error) {
	return r.listOwned(ctx, page, func(m *model.Message) bool {
		return m.CampaignID != nil && *m.CampaignID == campaignID
	})
}

func (r *MemoryMessageRepo) CampaignStats(ctx context.Context, campaignID string) (model.StatusCounts, error) {
	msgs, err := r.filter(ctx, func(m *model.Message) bool {
		return m.CampaignID != nil && *m.CampaignID == campaignID
	})
	if err != nil {
		return nil, err
	}

	out := make(model.StatusCounts, len(model.Statuses))
	for _, s := range model.Statuses {
		out[s] = 0
	}
	for _, m := range msgs {
		out[m.Status]++
	}
	return out, nil
}

func (r *MemoryMessageRepo) listOwned(ctx context.Context, page Page, owned func(*model.Message) bool) ([]model.Message, error) {
	page = page.normalize()
	out, err := r.filter(ctx, func(m *model.Message) bool {
		return owned(m) && (page.Status == "" || m.Status == page.Status)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if page.Offset >= len(out) {
		return []model.Message{}, nil
	}
	return truncate(out[page.Offset:], page.Limit), nil
}

func (r *MemoryMessageRepo) filter(ctx context.Context, keep func(*model.Message) bool) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Message, 0)
	for _, m := range r.byID {
		if keep(m) {
			out = append(out, *m.Clone())
		}
	}
	return out, nil
}

func truncate(msgs []model.Message, limit int) []model.Message {
	if len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}
