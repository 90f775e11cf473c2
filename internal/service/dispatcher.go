package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// SendClient hands a claimed message to the messaging provider.
type SendClient interface {
	Send(ctx context.Context, m model.Message) (providerMessageID string, response json.RawMessage, err error)
}

// ClassifiedError is implemented by client errors that already know which
// error code they map to.
type ClassifiedError interface {
	error
	ErrorCode() model.ErrorCode
	Response() json.RawMessage
}

// settleTimeout bounds the bookkeeping write after a provider call, which
// must happen even if the tick context was cancelled meanwhile.
const settleTimeout = 10 * time.Second

type Dispatcher struct {
	engine     *Engine
	client     SendClient
	receipts   cache.SentReceipts
	workerID   string
	contentMax int
	batchSize  int
	log        *slog.Logger
}

func NewDispatcher(e *Engine, client SendClient, workerID string, contentMax, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Dispatcher{
		engine:     e,
		client:     client,
		workerID:   workerID,
		contentMax: contentMax,
		batchSize:  batchSize,
		log:        e.opts.logger.With("component", "dispatcher", "worker", workerID),
	}
}

// WithReceipts enables the sent-receipt cache.
func (d *Dispatcher) WithReceipts(r cache.SentReceipts) *Dispatcher {
	d.receipts = r
	return d
}

type TickResult struct {
	Claimed int
	Sent    int
	Failed  int
	Skipped int
}

// Tick pulls one batch of pending and retry-eligible records and dispatches
// the ones this worker manages to claim.
func (d *Dispatcher) Tick(ctx context.Context) {
	msgs, err := d.backlog(ctx)
	if err != nil {
		d.log.Error("backlog query failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	res := d.ProcessBatch(ctx, msgs)
	d.log.Info("dispatch tick",
		"candidates", len(msgs),
		"claimed", res.Claimed,
		"sent", res.Sent,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
}

func (d *Dispatcher) backlog(ctx context.Context) ([]model.Message, error) {
	pending, err := d.engine.Pending(ctx, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	if len(pending) >= d.batchSize {
		return pending, nil
	}

	retryable, err := d.engine.Retryable(ctx, d.batchSize-len(pending))
	if err != nil {
		return nil, fmt.Errorf("retryable: %w", err)
	}
	return append(pending, retryable...), nil
}

// ProcessBatch claims and dispatches msgs one by one. Records another worker
// claimed first are skipped. Cancelling ctx stops further claims; a record
// already handed to the provider still gets its outcome written.
func (d *Dispatcher) ProcessBatch(ctx context.Context, msgs []model.Message) TickResult {
	var res TickResult
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}

		claimed, err := d.engine.Claim(ctx, m.ID, d.workerID)
		if err != nil {
			d.log.Error("claim failed", "id", m.ID, "error", err)
			res.Skipped++
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}
		res.Claimed++

		if d.dispatch(ctx, m) {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, m model.Message) bool {
	if providerID, ok := d.lookupReceipt(ctx, m.ID); ok {
		d.log.Warn("provider already accepted message, settling without resend", "id", m.ID, "provider_id", providerID)
		return d.settleSent(ctx, m.ID, providerID, nil)
	}

	if d.contentMax > 0 && utf8.RuneCountInString(m.Content) > d.contentMax {
		d.settleFailed(ctx, m.ID, model.Failure{
			Code:    model.CodeContentTooLong,
			Message: fmt.Sprintf("content exceeds %d chars", d.contentMax),
		})
		return false
	}

	providerID, response, err := d.client.Send(ctx, m)
	if err != nil {
		d.settleFailed(ctx, m.ID, failureFrom(err))
		return false
	}

	d.storeReceipt(ctx, m.ID, providerID)
	return d.settleSent(ctx, m.ID, providerID, response)
}

// storeReceipt runs detached from ctx: the provider already accepted the
// message, so the receipt must survive a shutdown that starts mid-tick.
func (d *Dispatcher) storeReceipt(ctx context.Context, id, providerID string) {
	if d.receipts == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := d.receipts.StoreSent(sctx, id, providerID, d.engine.Now()); err != nil {
		d.log.Warn("store sent receipt failed", "id", id, "error", err)
	}
}

func (d *Dispatcher) lookupReceipt(ctx context.Context, id string) (string, bool) {
	if d.receipts == nil {
		return "", false
	}
	providerID, found, err := d.receipts.LookupSent(ctx, id)
	if err != nil {
		d.log.Warn("sent receipt lookup failed", "id", id, "error", err)
		return "", false
	}
	return providerID, found
}

func (d *Dispatcher) settleSent(ctx context.Context, id, providerID string, response json.RawMessage) bool {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	ok, err := d.engine.MarkSent(sctx, id, providerID, response)
	if err != nil {
		d.log.Error("mark sent failed", "id", id, "provider_id", providerID, "error", err)
		return false
	}
	if !ok {
		d.log.Warn("late success ignored, record moved on", "id", id, "provider_id", providerID)
	}
	return ok
}

func (d *Dispatcher) settleFailed(ctx context.Context, id string, f model.Failure) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	ok, err := d.engine.MarkFailed(sctx, id, f)
	if err != nil {
		d.log.Error("mark failed failed", "id", id, "code", f.Code, "error", err)
		return
	}
	if !ok {
		d.log.Warn("failure ignored, record moved on", "id", id, "code", f.Code)
		return
	}
	d.log.Debug("dispatch failed", "id", id, "code", f.Code, "reason", f.Message)
}

func failureFrom(err error) model.Failure {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return model.Failure{Code: ce.ErrorCode(), Message: ce.Error(), Response: ce.Response()}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.Failure{Code: model.CodeTimeout, Message: err.Error()}
	}
	return model.Failure{Code: model.CodeUnclassified, Message: err.Error()}
}
