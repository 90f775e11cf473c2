package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

const messageColumns = `id, tenant_id, campaign_id, target_id, idempotency_key, recipient, message_type,
	content, content_hash, status, status_detail, provider_message_id, provider_response,
	error_code, error_message, is_retryable, retry_count, max_retries, retry_after,
	claim_owner, claim_started_at, message_cost, quota_consumed, quota_idempotency_key,
	scheduled_at, sending_at, sent_at, delivered_at, read_at, failed_at, expired_at,
	version, created_at, updated_at`

// messageRow carries provider_response as text so NULL and JSONB both scan.
type messageRow struct {
	model.Message
	ProviderResponseRaw sql.NullString `db:"provider_response"`
}

func toRow(m *model.Message) messageRow {
	r := messageRow{Message: *m}
	if len(m.ProviderResponse) > 0 {
		r.ProviderResponseRaw = sql.NullString{String: string(m.ProviderResponse), Valid: true}
	}
	return r
}

func (r messageRow) toModel() model.Message {
	m := r.Message
	if r.ProviderResponseRaw.Valid {
		m.ProviderResponse = json.RawMessage(r.ProviderResponseRaw.String)
	}
	return m
}

type PostgresMessageRepo struct {
	db *sqlx.DB
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

func NewPostgresMessageRepo(db *sqlx.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// OpenPostgres connects through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (r *PostgresMessageRepo) Insert(ctx context.Context, m *model.Message) (bool, error) {
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (:id, :tenant_id, :campaign_id, :target_id, :idempotency_key, :recipient, :message_type,
			:content, :content_hash, :status, :status_detail, :provider_message_id, :provider_response,
			:error_code, :error_message, :is_retryable, :retry_count, :max_retries, :retry_after,
			:claim_owner, :claim_started_at, :message_cost, :quota_consumed, :quota_idempotency_key,
			:scheduled_at, :sending_at, :sent_at, :delivered_at, :read_at, :failed_at, :expired_at,
			:version, :created_at, :updated_at)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, toRow(m))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresMessageRepo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	return r.getOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
}

func (r *PostgresMessageRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	return r.getOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE idempotency_key = $1`, key)
}

func (r *PostgresMessageRepo) getOne(ctx context.Context, query string, arg any) (*model.Message, error) {
	var row messageRow
	if err := r.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	m := row.toModel()
	return &m, nil
}

func (r *PostgresMessageRepo) Claim(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'sending',
		    claim_owner = $2,
		    claim_started_at = $3,
		    sending_at = $3,
		    retry_after = NULL,
		    updated_at = $3,
		    version = version + 1
		WHERE id = $1
		  AND (
		    status = 'pending'
		    OR (status = 'failed' AND is_retryable AND retry_count < max_retries
		        AND (retry_after IS NULL OR retry_after <= $3))
		  )
	`, id, owner, now)
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresMessageRepo) Update(ctx context.Context, m *model.Message) (bool, error) {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE messages
		SET status = :status,
		    status_detail = :status_detail,
		    provider_message_id = :provider_message_id,
		    provider_response = :provider_response,
		    error_code = :error_code,
		    error_message = :error_message,
		    is_retryable = :is_retryable,
		    retry_count = :retry_count,
		    retry_after = :retry_after,
		    claim_owner = :claim_owner,
		    claim_started_at = :claim_started_at,
		    quota_consumed = :quota_consumed,
		    sending_at = :sending_at,
		    sent_at = :sent_at,
		    delivered_at = :delivered_at,
		    read_at = :read_at,
		    failed_at = :failed_at,
		    expired_at = :expired_at,
		    updated_at = :updated_at,
		    version = version + 1
		WHERE id = :id AND version = :version
	`, toRow(m))
	if err != nil {
		return false, fmt.Errorf("update message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update message rows affected: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	m.Version++
	return true, nil
}

func (r *PostgresMessageRepo) ListPending(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	return r.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
	`, now, clampLimit(limit))
}

func (r *PostgresMessageRepo) ListRetryable(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	return r.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'failed' AND is_retryable AND retry_count < max_retries
		  AND (retry_after IS NULL OR retry_after <= $1)
		ORDER BY retry_after ASC NULLS FIRST
		LIMIT $2
	`, now, clampLimit(limit))
}

func (r *PostgresMessageRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error) {
	return r.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'sending' AND claim_started_at < $1
		ORDER BY claim_started_at ASC
		LIMIT $2
	`, cutoff, clampLimit(limit))
}

func (r *PostgresMessageRepo) ListByTenant(ctx context.Context, tenantID string, page Page) ([]model.Message, error) {
	return r.listOwned(ctx, "tenant_id", tenantID, page)
}

func (r *PostgresMessageRepo) ListByCampaign(ctx context.Context, campaignID string, page Page) ([]model.Message, error) {
	return r.listOwned(ctx, "campaign_id", campaignID, page)
}

// listOwned is only called with fixed column names.
func (r *PostgresMessageRepo) listOwned(ctx context.Context, column, value string, page Page) ([]model.Message, error) {
	page = page.normalize()
	if page.Status != "" {
		return r.list(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE `+column+` = $1 AND status = $2
			ORDER BY created_at DESC
			LIMIT $3 OFFSET $4
		`, value, page.Status, page.Limit, page.Offset)
	}
	return r.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+column+` = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, value, page.Limit, page.Offset)
}

func (r *PostgresMessageRepo) CampaignStats(ctx context.Context, campaignID string) (model.StatusCounts, error) {
	var rows []struct {
		Status model.Status `db:"status"`
		N      int          `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS n
		FROM messages
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID); err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}

	out := make(model.StatusCounts, len(model.Statuses))
	for _, s := range model.Statuses {
		out[s] = 0
	}
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *PostgresMessageRepo) list(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
