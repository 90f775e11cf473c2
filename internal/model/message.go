package model

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending   Status = "pending"
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
	Expired   Status = "expired"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{Pending, Sending, Sent, Delivered, Read, Failed, Expired}

func (s Status) Valid() bool {
	switch s {
	case Pending, Sending, Sent, Delivered, Read, Failed, Expired:
		return true
	}
	return false
}

// Succeeded reports whether the provider accepted the message. A succeeded
// record can only move forward along sent -> delivered -> read.
func (s Status) Succeeded() bool {
	switch s {
	case Sent, Delivered, Read:
		return true
	case Pending, Sending, Failed, Expired:
		return false
	}
	return false
}

// rank orders the success chain so acknowledgements can be compared.
func (s Status) rank() int {
	switch s {
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	case Pending, Sending, Failed, Expired:
		return 0
	}
	return 0
}

// AtLeast reports whether s is at or past other on the success chain.
func (s Status) AtLeast(other Status) bool {
	return s.Succeeded() && s.rank() >= other.rank()
}

type MessageType string

const (
	Text        MessageType = "text"
	Template    MessageType = "template"
	Media       MessageType = "media"
	Interactive MessageType = "interactive"
)

func (t MessageType) Valid() bool {
	switch t {
	case Text, Template, Media, Interactive:
		return true
	}
	return false
}

// Message is one outbound delivery attempt record. It is only ever changed
// through the claim and transition operations of the service package.
type Message struct {
	ID             string      `db:"id" json:"id"`
	TenantID       string      `db:"tenant_id" json:"tenantId"`
	CampaignID     *string     `db:"campaign_id" json:"campaignId,omitempty"`
	TargetID       *string     `db:"target_id" json:"targetId,omitempty"`
	IdempotencyKey string      `db:"idempotency_key" json:"idempotencyKey"`
	Recipient      string      `db:"recipient" json:"recipient"`
	Type           MessageType `db:"message_type" json:"messageType"`
	Content        string      `db:"content" json:"content"`
	ContentHash    *string     `db:"content_hash" json:"contentHash,omitempty"`

	Status       Status  `db:"status" json:"status"`
	StatusDetail *string `db:"status_detail" json:"statusDetail,omitempty"`

	ProviderMessageID *string         `db:"provider_message_id" json:"providerMessageId,omitempty"`
	ProviderResponse  json.RawMessage `db:"-" json:"providerResponse,omitempty"`

	ErrorCode    *ErrorCode `db:"error_code" json:"errorCode,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"errorMessage,omitempty"`
	IsRetryable  bool       `db:"is_retryable" json:"isRetryable"`
	RetryCount   int        `db:"retry_count" json:"retryCount"`
	MaxRetries   int        `db:"max_retries" json:"maxRetries"`
	RetryAfter   *time.Time `db:"retry_after" json:"retryAfter,omitempty"`

	ClaimOwner     *string    `db:"claim_owner" json:"claimOwner,omitempty"`
	ClaimStartedAt *time.Time `db:"claim_started_at" json:"claimStartedAt,omitempty"`

	MessageCost         float64 `db:"message_cost" json:"messageCost"`
	QuotaConsumed       bool    `db:"quota_consumed" json:"quotaConsumed"`
	QuotaIdempotencyKey *string `db:"quota_idempotency_key" json:"quotaIdempotencyKey,omitempty"`

	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduledAt,omitempty"`
	SendingAt   *time.Time `db:"sending_at" json:"sendingAt,omitempty"`
	SentAt      *time.Time `db:"sent_at" json:"sentAt,omitempty"`
	DeliveredAt *time.Time `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `db:"read_at" json:"readAt,omitempty"`
	FailedAt    *time.Time `db:"failed_at" json:"failedAt,omitempty"`
	ExpiredAt   *time.Time `db:"expired_at" json:"expiredAt,omitempty"`

	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Claimable reports whether a worker may take ownership of m at now: either
// it is pending, or it failed with retry budget left and its backoff elapsed.
func (m *Message) Claimable(now time.Time) bool {
	switch m.Status {
	case Pending:
		return true
	case Failed:
		return m.RetryEligible(now)
	case Sending, Sent, Delivered, Read, Expired:
		return false
	}
	return false
}

// RetryEligible reports whether a failed record may be retried at now.
func (m *Message) RetryEligible(now time.Time) bool {
	if m.Status != Failed || !m.IsRetryable || m.RetryCount >= m.MaxRetries {
		return false
	}
	return m.RetryAfter == nil || !m.RetryAfter.After(now)
}

// Stuck reports whether m has been held in sending since before cutoff.
func (m *Message) Stuck(cutoff time.Time) bool {
	return m.Status == Sending && m.ClaimStartedAt != nil && m.ClaimStartedAt.Before(cutoff)
}

func (m *Message) clearClaim() {
	m.ClaimOwner = nil
	m.ClaimStartedAt = nil
}

// Clone returns a deep copy so callers can mutate it without touching the
// stored snapshot.
func (m *Message) Clone() *Message {
	c := *m
	c.CampaignID = cloneString(m.CampaignID)
	c.TargetID = cloneString(m.TargetID)
	c.ContentHash = cloneString(m.ContentHash)
	c.StatusDetail = cloneString(m.StatusDetail)
	c.ProviderMessageID = cloneString(m.ProviderMessageID)
	c.ErrorMessage = cloneString(m.ErrorMessage)
	c.ClaimOwner = cloneString(m.ClaimOwner)
	c.QuotaIdempotencyKey = cloneString(m.QuotaIdempotencyKey)
	if m.ErrorCode != nil {
		code := *m.ErrorCode
		c.ErrorCode = &code
	}
	if m.ProviderResponse != nil {
		c.ProviderResponse = append(json.RawMessage(nil), m.ProviderResponse...)
	}
	c.RetryAfter = cloneTime(m.RetryAfter)
	c.ClaimStartedAt = cloneTime(m.ClaimStartedAt)
	c.ScheduledAt = cloneTime(m.ScheduledAt)
	c.SendingAt = cloneTime(m.SendingAt)
	c.SentAt = cloneTime(m.SentAt)
	c.DeliveredAt = cloneTime(m.DeliveredAt)
	c.ReadAt = cloneTime(m.ReadAt)
	c.FailedAt = cloneTime(m.FailedAt)
	c.ExpiredAt = cloneTime(m.ExpiredAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StatusCounts is the per-status aggregate for a campaign.
type StatusCounts map[Status]int

// Total sums every status bucket.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}
