package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/LeventeLantos/message-dispatch/internal/idempotency"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

// Resolver turns a send intent into exactly one record per idempotency key.
type Resolver struct {
	repo              repo.MessageRepository
	defaultMaxRetries int
	opts              options
	log               *slog.Logger
}

func NewResolver(r repo.MessageRepository, defaultMaxRetries int, opts ...Option) *Resolver {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = 0
	}
	o := buildOptions(opts)
	return &Resolver{
		repo:              r,
		defaultMaxRetries: defaultMaxRetries,
		opts:              o,
		log:               o.logger.With("component", "resolver"),
	}
}

// ResolveOrCreate returns the record for in.IdempotencyKey, creating it as
// pending when absent. An existing record is returned unchanged whatever the
// attributes say; they are only validated when a record has to be created.
// The bool reports whether this call created it.
func (r *Resolver) ResolveOrCreate(ctx context.Context, in model.NewMessage) (*model.Message, bool, error) {
	if in.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key is required", model.ErrInvalidMessage)
	}

	existing, err := r.repo.GetByIdempotencyKey(ctx, in.IdempotencyKey)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, false, fmt.Errorf("resolve %s: %w", in.IdempotencyKey, err)
	}

	if err := in.Validate(); err != nil {
		return nil, false, err
	}

	m := r.build(in)
	inserted, err := r.repo.Insert(ctx, m)
	if err != nil {
		return nil, false, fmt.Errorf("create %s: %w", in.IdempotencyKey, err)
	}
	if inserted {
		r.log.Debug("message created", "id", m.ID, "key", m.IdempotencyKey, "tenant", m.TenantID)
		return m, true, nil
	}

	// Another caller inserted the same key between our read and insert.
	existing, err = r.repo.GetByIdempotencyKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("resolve %s after conflict: %w", in.IdempotencyKey, err)
	}
	return existing, false, nil
}

func (r *Resolver) build(in model.NewMessage) *model.Message {
	now := r.opts.now().UTC()

	maxRetries := r.defaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}

	hash := idempotency.ContentHash(in.Recipient, in.Content)
	quotaKey := idempotency.QuotaKey(in.IdempotencyKey)

	scheduledAt := in.ScheduledAt
	if scheduledAt != nil {
		t := scheduledAt.UTC()
		scheduledAt = &t
	}

	return &model.Message{
		ID:                  uuid.NewString(),
		TenantID:            in.TenantID,
		CampaignID:          in.CampaignID,
		TargetID:            in.TargetID,
		IdempotencyKey:      in.IdempotencyKey,
		Recipient:           in.Recipient,
		Type:                in.Type,
		Content:             in.Content,
		ContentHash:         &hash,
		Status:              model.Pending,
		MaxRetries:          maxRetries,
		MessageCost:         in.MessageCost,
		QuotaIdempotencyKey: &quotaKey,
		ScheduledAt:         scheduledAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
