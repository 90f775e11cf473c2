package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// RetryPolicy decides whether a failure may be retried and when.
type RetryPolicy interface {
	Classify(code ErrorCode) bool
	// NextAttemptAt returns the earliest retry time for a failure observed at
	// failedAt, where attempt is the number of failures before this one.
	NextAttemptAt(failedAt time.Time, attempt int) time.Time
}

// The Apply* methods implement the legal state graph. Each returns false and
// leaves m untouched when the transition is not legal from the current state.
// Persisting the result is the caller's job.

func (m *Message) ApplyClaim(owner string, now time.Time) bool {
	if !m.Claimable(now) {
		return false
	}
	m.Status = Sending
	m.ClaimOwner = &owner
	m.ClaimStartedAt = &now
	m.SendingAt = &now
	m.RetryAfter = nil
	m.UpdatedAt = now
	return true
}

func (m *Message) ApplySent(now time.Time, providerMessageID string, response json.RawMessage) bool {
	if m.Status != Sending {
		return false
	}
	m.Status = Sent
	m.SentAt = &now
	m.ProviderMessageID = &providerMessageID
	if response != nil {
		m.ProviderResponse = response
	}
	m.clearClaim()
	m.ErrorCode = nil
	m.ErrorMessage = nil
	m.IsRetryable = false
	m.RetryAfter = nil
	m.StatusDetail = nil
	m.UpdatedAt = now
	return true
}

// ApplyFailure records a failed attempt. The retry budget is authoritative:
// once RetryCount reaches MaxRetries the record is terminal even when f
// overrides the classification to retryable.
func (m *Message) ApplyFailure(now time.Time, f Failure, policy RetryPolicy) bool {
	switch m.Status {
	case Pending, Sending:
	case Failed:
		if !m.IsRetryable {
			return false
		}
	case Sent, Delivered, Read, Expired:
		return false
	default:
		return false
	}

	retryable := policy.Classify(f.Code)
	if f.Retryable != nil {
		retryable = *f.Retryable
	}

	attempt := m.RetryCount
	m.RetryCount++
	code := f.Code
	m.ErrorCode = &code
	m.ErrorMessage = optional(f.Message)
	if f.Response != nil {
		m.ProviderResponse = f.Response
	}
	m.Status = Failed
	m.clearClaim()
	m.UpdatedAt = now

	switch {
	case retryable && m.RetryCount < m.MaxRetries:
		at := policy.NextAttemptAt(now, attempt)
		m.IsRetryable = true
		m.RetryAfter = &at
		m.StatusDetail = optional(fmt.Sprintf("retry %d/%d scheduled", m.RetryCount, m.MaxRetries))
	case retryable:
		m.terminalFailure(now, "retries exhausted")
	default:
		m.terminalFailure(now, "permanent error")
	}
	return true
}

func (m *Message) terminalFailure(now time.Time, detail string) {
	m.IsRetryable = false
	m.RetryAfter = nil
	m.FailedAt = &now
	m.StatusDetail = optional(detail)
}

func (m *Message) ApplyDelivered(now time.Time) bool {
	if !m.Status.AtLeast(Sent) || m.Status.AtLeast(Delivered) {
		return false
	}
	m.Status = Delivered
	m.DeliveredAt = &now
	m.UpdatedAt = now
	return true
}

func (m *Message) ApplyRead(now time.Time) bool {
	if !m.Status.AtLeast(Sent) || m.Status.AtLeast(Read) {
		return false
	}
	if m.DeliveredAt == nil {
		m.DeliveredAt = &now
	}
	m.Status = Read
	m.ReadAt = &now
	m.UpdatedAt = now
	return true
}

// ApplyExpired gives up on a record that has not succeeded. Terminal
// failures and records already expired are left alone.
func (m *Message) ApplyExpired(now time.Time, reason string) bool {
	switch m.Status {
	case Pending, Sending:
	case Failed:
		if !m.IsRetryable {
			return false
		}
	case Sent, Delivered, Read, Expired:
		return false
	default:
		return false
	}
	m.Status = Expired
	m.ExpiredAt = &now
	m.FailedAt = &now
	m.IsRetryable = false
	m.RetryAfter = nil
	m.clearClaim()
	if reason == "" {
		reason = "expired"
	}
	m.StatusDetail = &reason
	m.UpdatedAt = now
	return true
}

// ApplyResetStuck returns an abandoned claim to pending without charging the
// retry budget.
func (m *Message) ApplyResetStuck(now time.Time, timeout time.Duration) bool {
	if m.Status != Sending || m.ClaimStartedAt == nil {
		return false
	}
	if now.Sub(*m.ClaimStartedAt) <= timeout {
		return false
	}
	owner := ""
	if m.ClaimOwner != nil {
		owner = *m.ClaimOwner
	}
	m.Status = Pending
	m.clearClaim()
	m.StatusDetail = optional(fmt.Sprintf("reclaimed from %s", owner))
	m.UpdatedAt = now
	return true
}

// ApplyQuotaConsumed flags a succeeded record as billed. It only ever flips
// once, so the billing side can use it to deduplicate deductions.
func (m *Message) ApplyQuotaConsumed(now time.Time) bool {
	if !m.Status.Succeeded() || m.QuotaConsumed {
		return false
	}
	m.QuotaConsumed = true
	m.UpdatedAt = now
	return true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
