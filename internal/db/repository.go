package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobNotClaimed is returned when an outcome is written for a job that
	// is no longer in the processing state.
	ErrJobNotClaimed = errors.New("job not in processing state")
	// ErrUnknownChannel is returned for a channel without a job table.
	ErrUnknownChannel = errors.New("unknown channel")
)

type channelTables struct {
	jobs    string
	targets string
}

var tables = map[Channel]channelTables{
	ChannelWebhook:  {jobs: "webhook_deliveries", targets: "webhook_registrations"},
	ChannelChat:     {jobs: "chat_deliveries", targets: "chat_integrations"},
	ChannelPush:     {jobs: "push_deliveries", targets: "push_subscriptions"},
	ChannelCalendar: {jobs: "calendar_deliveries", targets: "oauth_connections"},
}

func tablesFor(ch Channel) (channelTables, error) {
	t, ok := tables[ch]
	if !ok {
		return channelTables{}, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	return t, nil
}

// jobColumns is shared by every job table and by the claim CTE.
const jobColumns = `id, tenant_id, status, attempt_number, next_retry_at, event_type, payload,
			target_id, response_status, response_body, error_message, delivered_at,
			created_at, updated_at`

// Repository handles database operations for delivery jobs, targets,
// OAuth connections and inbound webhook records.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// targetColumns returns the joined target columns for the claim query.
func targetColumns(ch Channel) string {
	switch ch {
	case ChannelWebhook:
		return "t.id, t.tenant_id, t.url, t.secret, t.events, t.active, t.failure_count"
	case ChannelChat:
		return "t.id, t.tenant_id, t.platform, t.webhook_url, t.events, t.active"
	case ChannelPush:
		return "t.id, t.tenant_id, t.user_id, t.platform, t.endpoint_arn, t.active"
	case ChannelCalendar:
		return `t.id, t.tenant_id, t.provider, t.encrypted_access_token, t.encrypted_refresh_token,
			t.expires_at, t.scopes, t.account_email, t.account_name, t.calendar_id`
	}
	return ""
}

// ClaimDueJobs atomically moves up to limit due jobs from pending to
// processing and returns them joined with their target rows, oldest first.
// SKIP LOCKED keeps overlapping invocations from claiming the same row.
func (r *Repository) ClaimDueJobs(ctx context.Context, ch Channel, limit int, now time.Time) ([]*ClaimedJob, error) {
	t, err := tablesFor(ch)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		WITH claimed AS (
			UPDATE %[1]s
			SET status = 'processing', updated_at = NOW()
			WHERE id IN (
				SELECT id FROM %[1]s
				WHERE status = 'pending' AND next_retry_at <= $1
				ORDER BY created_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING %[3]s
		)
		SELECT c.id, c.tenant_id, c.status, c.attempt_number, c.next_retry_at, c.event_type, c.payload,
			c.target_id, c.response_status, c.response_body, c.error_message, c.delivered_at,
			c.created_at, c.updated_at, %[4]s
		FROM claimed c
		LEFT JOIN %[2]s t ON t.id = c.target_id
		ORDER BY c.created_at ASC
	`, t.jobs, t.targets, jobColumns, targetColumns(ch))

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", ch, err)
	}
	defer rows.Close()

	var jobs []*ClaimedJob
	for rows.Next() {
		job, err := scanClaimed(rows, ch)
		if err != nil {
			return nil, fmt.Errorf("scan claimed %s job: %w", ch, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed %s jobs: %w", ch, err)
	}

	return jobs, nil
}

func scanClaimed(rows pgx.Rows, ch Channel) (*ClaimedJob, error) {
	job := &ClaimedJob{DeliveryJob: DeliveryJob{Channel: ch}}
	dest := jobScanDest(&job.DeliveryJob)

	var (
		targetID, targetTenant *uuid.UUID
		active                 *bool
		events                 []string
	)

	switch ch {
	case ChannelWebhook:
		var url, secret *string
		var failures *int
		if err := rows.Scan(append(dest, &targetID, &targetTenant, &url, &secret, &events, &active, &failures)...); err != nil {
			return nil, err
		}
		if targetID != nil {
			job.Webhook = &WebhookTarget{
				ID: *targetID, TenantID: deref(targetTenant), URL: derefString(url), Secret: derefString(secret),
				Events: events, Active: derefBool(active), FailureCount: derefInt(failures),
			}
		}
	case ChannelChat:
		var platform, url *string
		if err := rows.Scan(append(dest, &targetID, &targetTenant, &platform, &url, &events, &active)...); err != nil {
			return nil, err
		}
		if targetID != nil {
			job.Chat = &ChatTarget{
				ID: *targetID, TenantID: deref(targetTenant), Platform: derefString(platform),
				WebhookURL: derefString(url), Events: events, Active: derefBool(active),
			}
		}
	case ChannelPush:
		var userID *uuid.UUID
		var platform, arn *string
		if err := rows.Scan(append(dest, &targetID, &targetTenant, &userID, &platform, &arn, &active)...); err != nil {
			return nil, err
		}
		if targetID != nil {
			job.Push = &PushTarget{
				ID: *targetID, TenantID: deref(targetTenant), UserID: deref(userID),
				Platform: derefString(platform), EndpointARN: derefString(arn), Active: derefBool(active),
			}
		}
	case ChannelCalendar:
		var provider, access, refresh, email, name, calendarID *string
		var expiresAt *time.Time
		var scopes []string
		if err := rows.Scan(append(dest, &targetID, &targetTenant, &provider, &access, &refresh,
			&expiresAt, &scopes, &email, &name, &calendarID)...); err != nil {
			return nil, err
		}
		if targetID != nil {
			job.Connection = &OAuthConnection{
				ID: *targetID, TenantID: deref(targetTenant), Provider: derefString(provider),
				EncryptedAccessToken: derefString(access), EncryptedRefreshToken: derefString(refresh),
				ExpiresAt: expiresAt, Scopes: scopes, AccountEmail: derefString(email),
				AccountName: derefString(name), CalendarID: derefString(calendarID),
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}

	return job, nil
}

func jobScanDest(j *DeliveryJob) []any {
	return []any{
		&j.ID,
		&j.TenantID,
		&j.Status,
		&j.AttemptNumber,
		&j.NextRetryAt,
		&j.EventType,
		&j.Payload,
		&j.TargetID,
		&j.ResponseStatus,
		&j.ResponseBody,
		&j.ErrorMessage,
		&j.DeliveredAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	}
}

// ReleaseStaleClaims recovers jobs stuck in processing since before cutoff.
// A job is stuck when the invocation that claimed it died before writing an
// outcome. The lost invocation counts as an attempt: the job goes back to
// pending, or to failed once the attempt passes maxRetries.
func (r *Repository) ReleaseStaleClaims(ctx context.Context, ch Channel, cutoff time.Time, maxRetries int) (int64, error) {
	t, err := tablesFor(ch)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET attempt_number = attempt_number + 1,
		    status = CASE WHEN attempt_number + 1 > $2 THEN 'failed' ELSE 'pending' END,
		    error_message = $3,
		    updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`, t.jobs)

	result, err := r.db.Pool().Exec(ctx, query, cutoff, maxRetries, StaleClaimError)
	if err != nil {
		return 0, fmt.Errorf("release stale %s claims: %w", ch, err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Warn("released stale job claims",
			zap.String("channel", string(ch)),
			zap.Int64("count", n),
		)
	}

	return result.RowsAffected(), nil
}

// CompleteJob records a successful delivery. Terminal.
func (r *Repository) CompleteJob(ctx context.Context, ch Channel, id uuid.UUID, out DeliveryOutcome, deliveredAt time.Time) error {
	t, err := tablesFor(ch)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'success', response_status = $2, response_body = $3,
			error_message = NULL, delivered_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, t.jobs)

	return r.execOutcome(ctx, ch, id, query, id, nullableStatus(out.ResponseStatus), nullableString(out.ResponseBody), deliveredAt)
}

// RescheduleJob puts a failed job back to pending with a new attempt number
// and retry time. The attempt guard keeps attempt_number strictly increasing.
func (r *Repository) RescheduleJob(ctx context.Context, ch Channel, id uuid.UUID, attempt int, nextRetryAt time.Time, out DeliveryOutcome) error {
	t, err := tablesFor(ch)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', attempt_number = $2, next_retry_at = $3,
			response_status = $4, response_body = $5, error_message = $6, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND attempt_number < $2
	`, t.jobs)

	return r.execOutcome(ctx, ch, id, query, id, attempt, nextRetryAt,
		nullableStatus(out.ResponseStatus), nullableString(out.ResponseBody), nullableString(out.ErrorMessage))
}

// FailJob marks a job permanently failed. Terminal.
func (r *Repository) FailJob(ctx context.Context, ch Channel, id uuid.UUID, attempt int, out DeliveryOutcome) error {
	t, err := tablesFor(ch)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', attempt_number = $2,
			response_status = $3, response_body = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND attempt_number < $2
	`, t.jobs)

	return r.execOutcome(ctx, ch, id, query, id, attempt,
		nullableStatus(out.ResponseStatus), nullableString(out.ResponseBody), nullableString(out.ErrorMessage))
}

func (r *Repository) execOutcome(ctx context.Context, ch Channel, id uuid.UUID, query string, args ...any) error {
	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to record job outcome",
			zap.Error(err),
			zap.String("channel", string(ch)),
			zap.String("job_id", id.String()),
		)
		return fmt.Errorf("update %s job: %w", ch, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotClaimed, id)
	}
	return nil
}

// MarkTargetHealthy resets the failure streak of a webhook registration.
func (r *Repository) MarkTargetHealthy(ctx context.Context, targetID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_registrations
		SET failure_count = 0, last_success_at = NOW()
		WHERE id = $1
	`, targetID)
	if err != nil {
		return fmt.Errorf("reset webhook failure count: %w", err)
	}
	return nil
}

// RecordTargetFailure increments a webhook registration's cumulative failure
// counter and returns the new value.
func (r *Repository) RecordTargetFailure(ctx context.Context, targetID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE webhook_registrations
		SET failure_count = failure_count + 1, last_failure_at = NOW()
		WHERE id = $1
		RETURNING failure_count
	`, targetID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("webhook registration %s: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment webhook failure count: %w", err)
	}
	return count, nil
}

// GetJob retrieves a job by channel and ID, scoped to a tenant.
func (r *Repository) GetJob(ctx context.Context, ch Channel, tenantID, id uuid.UUID) (*DeliveryJob, error) {
	t, err := tablesFor(ch)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND tenant_id = $2`, jobColumns, t.jobs)

	job := &DeliveryJob{Channel: ch}
	err = r.db.Pool().QueryRow(ctx, query, id, tenantID).Scan(jobScanDest(job)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s job %s: %w", ch, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s job: %w", ch, err)
	}

	return job, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func derefString(p *string) string { return deref(p) }
func derefBool(p *bool) bool       { return deref(p) }
func derefInt(p *int) int          { return deref(p) }

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableStatus(code int) *int {
	if code == 0 {
		return nil
	}
	return &code
}
