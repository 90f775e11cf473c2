package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidMessage = errors.New("invalid message")

var validate = validator.New()

// NewMessage carries the caller supplied attributes for a record that may not
// exist yet.
type NewMessage struct {
	TenantID       string      `json:"tenantId" validate:"required,max=64"`
	IdempotencyKey string      `json:"idempotencyKey" validate:"required,max=255"`
	CampaignID     *string     `json:"campaignId,omitempty" validate:"omitempty,min=1,max=64"`
	TargetID       *string     `json:"targetId,omitempty" validate:"omitempty,min=1,max=64"`
	Recipient      string      `json:"recipient" validate:"required,max=64"`
	Type           MessageType `json:"messageType" validate:"required,oneof=text template media interactive"`
	Content        string      `json:"content" validate:"required"`
	MaxRetries     *int        `json:"maxRetries,omitempty" validate:"omitempty,min=0,max=50"`
	ScheduledAt    *time.Time  `json:"scheduledAt,omitempty"`
	MessageCost    float64     `json:"messageCost" validate:"min=0"`
}

func (n *NewMessage) Validate() error {
	if err := validate.Struct(n); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidMessage, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
