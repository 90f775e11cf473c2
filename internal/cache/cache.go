package cache

import (
	"context"
	"time"
)

// SentReceipts remembers provider acceptances outside the record store, so a
// worker that crashed between the provider call and persisting the result
// does not send the same message again.
type SentReceipts interface {
	StoreSent(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error
	LookupSent(ctx context.Context, messageID string) (providerMessageID string, found bool, err error)
}
