package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PostgresSchema creates the messages table and the indexes the backlog
// queries rely on.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	campaign_id           TEXT,
	target_id             TEXT,
	idempotency_key       TEXT NOT NULL,
	recipient             TEXT NOT NULL,
	message_type          TEXT NOT NULL CHECK (message_type IN ('text', 'template', 'media', 'interactive')),
	content               TEXT NOT NULL,
	content_hash          TEXT,
	status                TEXT NOT NULL CHECK (status IN ('pending', 'sending', 'sent', 'delivered', 'read', 'failed', 'expired')),
	status_detail         TEXT,
	provider_message_id   TEXT,
	provider_response     JSONB,
	error_code            TEXT,
	error_message         TEXT,
	is_retryable          BOOLEAN NOT NULL DEFAULT FALSE,
	retry_count           INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	max_retries           INTEGER NOT NULL DEFAULT 3 CHECK (max_retries >= 0),
	retry_after           TIMESTAMPTZ,
	claim_owner           TEXT,
	claim_started_at      TIMESTAMPTZ,
	message_cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
	quota_consumed        BOOLEAN NOT NULL DEFAULT FALSE,
	quota_idempotency_key TEXT,
	scheduled_at          TIMESTAMPTZ,
	sending_at            TIMESTAMPTZ,
	sent_at               TIMESTAMPTZ,
	delivered_at          TIMESTAMPTZ,
	read_at               TIMESTAMPTZ,
	failed_at             TIMESTAMPTZ,
	expired_at            TIMESTAMPTZ,
	version               BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT messages_claim_iff_sending CHECK (
		(status = 'sending') = (claim_owner IS NOT NULL AND claim_started_at IS NOT NULL)
	),
	CONSTRAINT messages_retry_budget CHECK (NOT is_retryable OR retry_count < max_retries)
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_idempotency_key_uq ON messages (idempotency_key);
CREATE INDEX IF NOT EXISTS messages_pending_idx ON messages (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS messages_retryable_idx ON messages (retry_after) WHERE status = 'failed' AND is_retryable;
CREATE INDEX IF NOT EXISTS messages_stuck_idx ON messages (claim_started_at) WHERE status = 'sending';
CREATE INDEX IF NOT EXISTS messages_tenant_idx ON messages (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS messages_campaign_idx ON messages (campaign_id, status);
`

// Migrate applies PostgresSchema. It is safe to run on every start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
