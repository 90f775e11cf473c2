package repo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newMsg(id, key string) *model.Message {
	campaign := "c1"
	return &model.Message{
		ID:             id,
		TenantID:       "t1",
		CampaignID:     &campaign,
		IdempotencyKey: key,
		Recipient:      "+3612345",
		Type:           model.Text,
		Content:        "hello",
		Status:         model.Pending,
		MaxRetries:     3,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func TestMemoryRepo_InsertIsIdempotentByKey(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()

	ok, err := r.Insert(ctx, newMsg("a", "k1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Insert(ctx, newMsg("b", "k1"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.GetByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	_, err = r.GetByID(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepo_ConcurrentClaimSingleWinner(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	_, err := r.Insert(ctx, newMsg("a", "k1"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := r.Claim(ctx, "a", fmt.Sprintf("w%d", i), base)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryRepo_UpdateComparesVersion(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	_, err := r.Insert(ctx, newMsg("a", "k1"))
	require.NoError(t, err)

	first, err := r.GetByID(ctx, "a")
	require.NoError(t, err)
	second, err := r.GetByID(ctx, "a")
	require.NoError(t, err)

	detail := "first"
	first.StatusDetail = &detail
	ok, err := r.Update(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), first.Version)

	ok, err = r.Update(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok, "stale snapshot must lose")

	got, err := r.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", *got.StatusDetail)
}

func TestMemoryRepo_BacklogQueries(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()

	pending := newMsg("pending", "k-pending")
	future := newMsg("future", "k-future")
	later := base.Add(time.Hour)
	future.ScheduledAt = &later

	due := base.Add(-time.Second)
	notDue := base.Add(time.Minute)
	code := model.CodeTimeout

	retryDue := newMsg("retry-due", "k-retry-due")
	retryDue.Status, retryDue.IsRetryable, retryDue.RetryCount, retryDue.RetryAfter, retryDue.ErrorCode = model.Failed, true, 1, &due, &code

	retryLater := newMsg("retry-later", "k-retry-later")
	retryLater.Status, retryLater.IsRetryable, retryLater.RetryCount, retryLater.RetryAfter = model.Failed, true, 1, &notDue

	terminal := newMsg("terminal", "k-terminal")
	terminal.Status, terminal.RetryCount = model.Failed, 3

	owner := "w1"
	old := base.Add(-10 * time.Minute)
	recent := base.Add(-time.Minute)
	stuck := newMsg("stuck", "k-stuck")
	stuck.Status, stuck.ClaimOwner, stuck.ClaimStartedAt = model.Sending, &owner, &old
	active := newMsg("active", "k-active")
	active.Status, active.ClaimOwner, active.ClaimStartedAt = model.Sending, &owner, &recent

	for _, m := range []*model.Message{pending, future, retryDue, retryLater, terminal, stuck, active} {
		_, err := r.Insert(ctx, m)
		require.NoError(t, err)
	}

	got, err := r.ListPending(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, ids(got))

	got, err = r.ListRetryable(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"retry-due"}, ids(got))

	got, err = r.ListStuck(ctx, base.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, ids(got))

	stats, err := r.CampaignStats(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats[model.Pending])
	assert.Equal(t, 3, stats[model.Failed])
	assert.Equal(t, 2, stats[model.Sending])
	assert.Equal(t, 0, stats[model.Sent])
	assert.Equal(t, 7, stats.Total())

	got, err = r.ListByTenant(ctx, "t1", Page{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = r.ListByCampaign(ctx, "c1", Page{Status: model.Sending})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stuck", "active"}, ids(got))

	got, err = r.ListByTenant(ctx, "t1", Page{Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryRepo_ReturnsCopies(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	_, err := r.Insert(ctx, newMsg("a", "k1"))
	require.NoError(t, err)

	got, err := r.GetByID(ctx, "a")
	require.NoError(t, err)
	got.Status = model.Sent

	again, err := r.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.Pending, again.Status)
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
