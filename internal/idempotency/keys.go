// Package idempotency derives the keys that make repeated send intents
// collapse onto one message record.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CampaignKey is deterministic in (campaign, target) so re-running a campaign
// dispatch step never creates a second record for the same target.
func CampaignKey(campaignID, targetID string) string {
	return fmt.Sprintf("msg_campaign_%s_%s", campaignID, targetID)
}

// AdHocKey returns a fresh key for a one-off send. Callers that retry the same
// request must reuse the key they got the first time.
func AdHocKey() string {
	return "msg_adhoc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// QuotaKey is handed to the billing side so a deduction for a record happens
// once no matter how often success is observed.
func QuotaKey(messageKey string) string {
	return "quota_" + messageKey
}

// ContentHash fingerprints the rendered content for duplicate detection.
func ContentHash(recipient, content string) string {
	h := sha256.New()
	h.Write([]byte(recipient))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
