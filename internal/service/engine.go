package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

// ErrContention is returned when a record kept changing underneath a
// transition for maxCASAttempts rounds.
var ErrContention = errors.New("message updated concurrently too many times")

const (
	DefaultStuckTimeout = 5 * time.Minute
	maxCASAttempts      = 8
)

type options struct {
	now          func() time.Time
	stuckTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*options)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithStuckTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stuckTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:          time.Now,
		stuckTimeout: DefaultStuckTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Engine owns every state change of a message record. Claims are a single
// conditional write; the other transitions read the record, apply the state
// graph in memory and write back with a version compare-and-set, retrying
// on a lost race. Stale or illegal transitions report false, not an error.
type Engine struct {
	repo   repo.MessageRepository
	policy model.RetryPolicy
	opts   options
	log    *slog.Logger
}

func NewEngine(r repo.MessageRepository, policy model.RetryPolicy, opts ...Option) *Engine {
	o := buildOptions(opts)
	return &Engine{
		repo:   r,
		policy: policy,
		opts:   o,
		log:    o.logger.With("component", "engine"),
	}
}

func (e *Engine) Now() time.Time {
	return e.opts.now().UTC()
}

func (e *Engine) StuckTimeout() time.Duration {
	return e.opts.stuckTimeout
}

func (e *Engine) Get(ctx context.Context, id string) (*model.Message, error) {
	return e.repo.GetByID(ctx, id)
}

// Claim gives workerID exclusive ownership of a pending or retry-eligible
// record. Only the caller that gets true may dispatch it.
func (e *Engine) Claim(ctx context.Context, id, workerID string) (bool, error) {
	if id == "" || workerID == "" {
		return false, errors.New("claim: id and worker id are required")
	}

	ok, err := e.repo.Claim(ctx, id, workerID, e.Now())
	if err != nil {
		return false, err
	}
	if ok {
		e.log.Debug("message claimed", "id", id, "worker", workerID)
	}
	return ok, nil
}

func (e *Engine) MarkSent(ctx context.Context, id, providerMessageID string, response json.RawMessage) (bool, error) {
	if providerMessageID == "" {
		return false, errors.New("mark sent: provider message id is required")
	}
	if len(response) > 0 && !json.Valid(response) {
		return false, errors.New("mark sent: provider response is not valid JSON")
	}
	return e.transition(ctx, id, "sent", func(m *model.Message, now time.Time) bool {
		return m.ApplySent(now, providerMessageID, response)
	})
}

// MarkFailed records a failed attempt. It never touches a record that has
// already succeeded.
func (e *Engine) MarkFailed(ctx context.Context, id string, f model.Failure) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	if len(f.Response) > 0 && !json.Valid(f.Response) {
		return false, errors.New("mark failed: provider response is not valid JSON")
	}
	return e.transition(ctx, id, "failed", func(m *model.Message, now time.Time) bool {
		return m.ApplyFailure(now, f, e.policy)
	})
}

func (e *Engine) MarkDelivered(ctx context.Context, id string) (bool, error) {
	return e.transition(ctx, id, "delivered", func(m *model.Message, now time.Time) bool {
		return m.ApplyDelivered(now)
	})
}

func (e *Engine) MarkRead(ctx context.Context, id string) (bool, error) {
	return e.transition(ctx, id, "read", func(m *model.Message, now time.Time) bool {
		return m.ApplyRead(now)
	})
}

func (e *Engine) MarkExpired(ctx context.Context, id, reason string) (bool, error) {
	return e.transition(ctx, id, "expired", func(m *model.Message, now time.Time) bool {
		return m.ApplyExpired(now, reason)
	})
}

// ResetStuck returns a claim older than the stuck timeout to pending.
func (e *Engine) ResetStuck(ctx context.Context, id string) (bool, error) {
	return e.transition(ctx, id, "reset_stuck", func(m *model.Message, now time.Time) bool {
		return m.ApplyResetStuck(now, e.opts.stuckTimeout)
	})
}

// MarkQuotaConsumed lets the billing side record that it charged for a
// succeeded message. Only the first call reports true.
func (e *Engine) MarkQuotaConsumed(ctx context.Context, id string) (bool, error) {
	return e.transition(ctx, id, "quota_consumed", func(m *model.Message, now time.Time) bool {
		return m.ApplyQuotaConsumed(now)
	})
}

func (e *Engine) transition(ctx context.Context, id, op string, apply func(*model.Message, time.Time) bool) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%s: id is required", op)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		m, err := e.repo.GetByID(ctx, id)
		if err != nil {
			return false, fmt.Errorf("%s %s: %w", op, id, err)
		}

		from := m.Status
		if !apply(m, e.Now()) {
			e.log.Debug("transition not applicable", "id", id, "op", op, "status", from)
			return false, nil
		}

		ok, err := e.repo.Update(ctx, m)
		if err != nil {
			return false, fmt.Errorf("%s %s: %w", op, id, err)
		}
		if ok {
			e.log.Debug("transition applied", "id", id, "op", op, "from", from, "to", m.Status)
			return true, nil
		}
	}

	e.log.Warn("transition gave up after concurrent updates", "id", id, "op", op)
	return false, fmt.Errorf("%s %s: %w", op, id, ErrContention)
}

func (e *Engine) Pending(ctx context.Context, limit int) ([]model.Message, error) {
	return e.repo.ListPending(ctx, e.Now(), limit)
}

func (e *Engine) Retryable(ctx context.Context, limit int) ([]model.Message, error) {
	return e.repo.ListRetryable(ctx, e.Now(), limit)
}

// Stuck lists records held in sending for longer than the stuck timeout.
func (e *Engine) Stuck(ctx context.Context, limit int) ([]model.Message, error) {
	return e.repo.ListStuck(ctx, e.Now().Add(-e.opts.stuckTimeout), limit)
}

func (e *Engine) ByTenant(ctx context.Context, tenantID string, page repo.Page) ([]model.Message, error) {
	return e.repo.ListByTenant(ctx, tenantID, page)
}

func (e *Engine) ByCampaign(ctx context.Context, campaignID string, page repo.Page) ([]model.Message, error) {
	return e.repo.ListByCampaign(ctx, campaignID, page)
}

func (e *Engine) CampaignStats(ctx context.Context, campaignID string) (model.StatusCounts, error) {
	return e.repo.CampaignStats(ctx, campaignID)
}
