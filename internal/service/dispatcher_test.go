package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/client"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

type fakeClient struct {
	mu    sync.Mutex
	calls []string
	send  func(m model.Message) (string, json.RawMessage, error)
}

func (f *fakeClient) Send(ctx context.Context, m model.Message) (string, json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, m.ID)
	f.mu.Unlock()
	if f.send != nil {
		return f.send(m)
	}
	return "remote-" + m.ID, json.RawMessage(`{"accepted":true}`), nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type codedError struct {
	code model.ErrorCode
}

func (e codedError) Error() string { return "provider said " + string(e.code) }
func (e codedError) ErrorCode() model.ErrorCode { return e.code }
func (e codedError) Response() json.RawMessage { return json.RawMessage(`{"error":"x"}`) }

func TestDispatcher_SendsBacklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.create(t, fmt.Sprintf("k-%d", i))
	}

	client := &fakeClient{}
	d := NewDispatcher(h.engine, client, "worker-1", 0, 10)
	d.Tick(ctx)

	assert.Equal(t, 3, client.callCount())
	pending, err := h.engine.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	for _, id := range client.calls {
		got := h.get(t, id)
		assert.Equal(t, model.Sent, got.Status)
		assert.Equal(t, "remote-"+id, *got.ProviderMessageID)
		assert.JSONEq(t, `{"accepted":true}`, string(got.ProviderResponse))
	}
}

func TestDispatcher_ClassifiedFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "k-rl")

	client := &fakeClient{send: func(model.Message) (string, json.RawMessage, error) {
		return "", nil, fmt.Errorf("send: %w", codedError{code: model.CodeRateLimited})
	}}
	d := NewDispatcher(h.engine, client, "worker-1", 0, 10)

	res := d.ProcessBatch(ctx, []model.Message{*m})
	assert.Equal(t, TickResult{Claimed: 1, Failed: 1}, res)

	got := h.get(t, m.ID)
	assert.Equal(t, model.Failed, got.Status)
	assert.Equal(t, model.CodeRateLimited, *got.ErrorCode)
	assert.True(t, got.IsRetryable)
	assert.JSONEq(t, `{"error":"x"}`, string(got.ProviderResponse))

	d.Tick(ctx)
	assert.Equal(t, 1, client.callCount(), "backoff not elapsed")

	h.clock.Advance(30 * time.Second)
	client.send = nil
	d.Tick(ctx)
	assert.Equal(t, 2, client.callCount())
	assert.Equal(t, model.Sent, h.get(t, m.ID).Status)
}

func TestDispatcher_UnclassifiedErrorIsPermanent(t *testing.T) {
	h := newHarness(t)
	m := h.create(t, "k-unknown")

	client := &fakeClient{send: func(model.Message) (string, json.RawMessage, error) {
		return "", nil, errors.New("boom")
	}}
	NewDispatcher(h.engine, client, "w", 0, 10).ProcessBatch(context.Background(), []model.Message{*m})

	got := h.get(t, m.ID)
	assert.Equal(t, model.CodeUnclassified, *got.ErrorCode)
	assert.False(t, got.IsRetryable)
	assert.NotNil(t, got.FailedAt)
}

func TestDispatcher_TimeoutIsRetryable(t *testing.T) {
	h := newHarness(t)
	m := h.create(t, "k-timeout")

	client := &fakeClient{send: func(model.Message) (string, json.RawMessage, error) {
		return "", nil, fmt.Errorf("post: %w", context.DeadlineExceeded)
	}}
	NewDispatcher(h.engine, client, "w", 0, 10).ProcessBatch(context.Background(), []model.Message{*m})

	got := h.get(t, m.ID)
	assert.Equal(t, model.CodeTimeout, *got.ErrorCode)
	assert.True(t, got.IsRetryable)
}

func TestDispatcher_ContentTooLongNeverReachesProvider(t *testing.T) {
	h := newHarness(t)
	in := newIntent("k-long")
	in.Content = strings.Repeat("á", 21)
	m, _, err := h.resolver.ResolveOrCreate(context.Background(), in)
	require.NoError(t, err)

	client := &fakeClient{}
	NewDispatcher(h.engine, client, "w", 20, 10).ProcessBatch(context.Background(), []model.Message{*m})

	assert.Zero(t, client.callCount())
	got := h.get(t, m.ID)
	assert.Equal(t, model.CodeContentTooLong, *got.ErrorCode)
	assert.False(t, got.IsRetryable)
}

func TestDispatcher_SkipsRecordsClaimedElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "k-taken")

	ok, err := h.engine.Claim(ctx, m.ID, "other-worker")
	require.NoError(t, err)
	require.True(t, ok)

	client := &fakeClient{}
	res := NewDispatcher(h.engine, client, "w", 0, 10).ProcessBatch(ctx, []model.Message{*m})

	assert.Equal(t, TickResult{Skipped: 1}, res)
	assert.Zero(t, client.callCount())
}

func TestDispatcher_ConcurrentWorkersSendOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		h.create(t, fmt.Sprintf("k-par-%d", i))
	}
	snapshot, err := h.engine.Pending(ctx, 100)
	require.NoError(t, err)

	client := &fakeClient{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			NewDispatcher(h.engine, client, fmt.Sprintf("w-%d", w), 0, 100).ProcessBatch(ctx, snapshot)
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 20, client.callCount())
	seen := map[string]bool{}
	for _, id := range client.calls {
		assert.False(t, seen[id], "message %s sent twice", id)
		seen[id] = true
	}
}

func TestDispatcher_ReceiptPreventsResendAfterCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	receipts := cache.NewRedisCache(rdb, time.Hour)

	m := h.create(t, "k-crash")

	// Provider accepted, then the worker died before recording it.
	_, err := h.engine.Claim(ctx, m.ID, "crashed")
	require.NoError(t, err)
	require.NoError(t, receipts.StoreSent(ctx, m.ID, "remote-first", h.clock.Now()))

	h.clock.Advance(6 * time.Minute)
	n, err := NewReclaimer(h.engine, 10).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	client := &fakeClient{}
	d := NewDispatcher(h.engine, client, "w", 0, 10).WithReceipts(receipts)
	d.Tick(ctx)

	assert.Zero(t, client.callCount())
	got := h.get(t, m.ID)
	assert.Equal(t, model.Sent, got.Status)
	assert.Equal(t, "remote-first", *got.ProviderMessageID)
}

func TestDispatcher_StoresReceiptOnSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	receipts := cache.NewRedisCache(rdb, time.Hour)

	m := h.create(t, "k-receipt")
	NewDispatcher(h.engine, &fakeClient{}, "w", 0, 10).WithReceipts(receipts).Tick(ctx)

	providerID, found, err := receipts.LookupSent(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "remote-"+m.ID, providerID)
}

func TestDispatcher_CancelledContextStopsClaiming(t *testing.T) {
	h := newHarness(t)
	m := h.create(t, "k-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{}
	res := NewDispatcher(h.engine, client, "w", 0, 10).ProcessBatch(ctx, []model.Message{*m})

	assert.Equal(t, TickResult{}, res)
	assert.Equal(t, model.Pending, h.get(t, m.ID).Status)
}

func TestDispatcher_AcceptedWithoutReceiptIsNeverResent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	m := h.create(t, "k-accepted")
	d := NewDispatcher(h.engine, client.NewWebhookClient(srv.URL, time.Second), "w", 0, 10)

	for i := 0; i < 4; i++ {
		d.Tick(ctx)
		h.clock.Advance(10 * time.Minute)
	}

	assert.Equal(t, int32(1), hits.Load(), "provider must see the message once")

	got := h.get(t, m.ID)
	assert.Equal(t, model.Failed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.CodeResponseInvalid, *got.ErrorCode)
	assert.False(t, got.IsRetryable)
	assert.Equal(t, 1, got.RetryCount)
	assert.JSONEq(t, `{"status":202,"body":"accepted"}`, string(got.ProviderResponse))
}

type cancellingClient struct {
	cancel context.CancelFunc
}

func (c *cancellingClient) Send(ctx context.Context, m model.Message) (string, json.RawMessage, error) {
	c.cancel()
	return "remote-" + m.ID, nil, nil
}

func TestDispatcher_ReceiptSurvivesCancelAfterSend(t *testing.T) {
	h := newHarness(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	receipts := cache.NewRedisCache(rdb, time.Hour)

	m := h.create(t, "k-shutdown")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(h.engine, &cancellingClient{cancel: cancel}, "w", 0, 10).WithReceipts(receipts)
	res := d.ProcessBatch(ctx, []model.Message{*m})
	assert.Equal(t, TickResult{Claimed: 1, Sent: 1}, res)

	providerID, found, err := receipts.LookupSent(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "remote-"+m.ID, providerID)
	assert.Equal(t, model.Sent, h.get(t, m.ID).Status)
}
