package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

var ErrNotFound = errors.New("message not found")

// Page selects a window of a listing. A zero Status means any status.
type Page struct {
	Limit  int
	Offset int
	Status model.Status
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// MessageRepository is the record store. Every write is a single conditional
// statement; none of them block on anything but the row being written.
type MessageRepository interface {
	// Insert stores m unless a record with the same idempotency key exists,
	// in which case it reports false and no error.
	Insert(ctx context.Context, m *model.Message) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Message, error)

	// Claim moves a claimable record to sending for owner. It reports false
	// when the record is missing, already claimed, or not yet eligible.
	Claim(ctx context.Context, id, owner string, now time.Time) (bool, error)

	// Update writes m only if the stored version still equals m.Version and
	// bumps the version on success.
	Update(ctx context.Context, m *model.Message) (bool, error)

	ListPending(ctx context.Context, now time.Time, limit int) ([]model.Message, error)
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]model.Message, error)
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error)
	ListByTenant(ctx context.Context, tenantID string, page Page) ([]model.Message, error)
	ListByCampaign(ctx context.Context, campaignID string, page Page) ([]model.Message, error)
	CampaignStats(ctx context.Context, campaignID string) (model.StatusCounts, error)
}
