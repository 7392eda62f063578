package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// FanOutResult counts the jobs created by EnqueueEvent.
type FanOutResult struct {
	Webhook int `json:"webhook"`
	Chat    int `json:"chat"`
}

// EnqueueEvent creates one pending webhook job per active registration and
// one pending chat job per active integration subscribed to eventType (or to
// "*"). Both inserts run in one transaction.
func (r *Repository) EnqueueEvent(ctx context.Context, tenantID uuid.UUID, eventType string, webhookPayload, chatPayload json.RawMessage) (FanOutResult, error) {
	var res FanOutResult

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	webhooks, err := tx.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, tenant_id, status, attempt_number, next_retry_at, event_type, payload, target_id)
		SELECT gen_random_uuid(), tenant_id, 'pending', 0, NOW(), $2, $3, id
		FROM webhook_registrations
		WHERE tenant_id = $1 AND active AND ($2 = ANY(events) OR '*' = ANY(events))
	`, tenantID, eventType, webhookPayload)
	if err != nil {
		return res, fmt.Errorf("enqueue webhook jobs: %w", err)
	}

	chats, err := tx.Exec(ctx, `
		INSERT INTO chat_deliveries (id, tenant_id, status, attempt_number, next_retry_at, event_type, payload, target_id)
		SELECT gen_random_uuid(), tenant_id, 'pending', 0, NOW(), $2, $3, id
		FROM chat_integrations
		WHERE tenant_id = $1 AND active AND ($2 = ANY(events) OR '*' = ANY(events))
	`, tenantID, eventType, chatPayload)
	if err != nil {
		return res, fmt.Errorf("enqueue chat jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit enqueue: %w", err)
	}

	res.Webhook = int(webhooks.RowsAffected())
	res.Chat = int(chats.RowsAffected())

	r.logger.Debug("event fanned out",
		zap.String("tenant_id", tenantID.String()),
		zap.String("event_type", eventType),
		zap.Int("webhook_jobs", res.Webhook),
		zap.Int("chat_jobs", res.Chat),
	)
	return res, nil
}

// EnqueuePush creates one pending push job per active subscription of userID.
func (r *Repository) EnqueuePush(ctx context.Context, tenantID, userID uuid.UUID, eventType string, payload json.RawMessage) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		INSERT INTO push_deliveries (id, tenant_id, status, attempt_number, next_retry_at, event_type, payload, target_id)
		SELECT gen_random_uuid(), tenant_id, 'pending', 0, NOW(), $3, $4, id
		FROM push_subscriptions
		WHERE tenant_id = $1 AND user_id = $2 AND active
	`, tenantID, userID, eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue push jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// EnqueueCalendar creates a pending calendar job against the tenant's
// connection for provider.
func (r *Repository) EnqueueCalendar(ctx context.Context, tenantID uuid.UUID, provider, eventType string, payload json.RawMessage) (uuid.UUID, error) {
	id := uuid.New()
	var connID uuid.UUID

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO calendar_deliveries (id, tenant_id, status, attempt_number, next_retry_at, event_type, payload, target_id)
		SELECT $1, tenant_id, 'pending', 0, NOW(), $4, $5, id
		FROM oauth_connections
		WHERE tenant_id = $2 AND provider = $3
		RETURNING target_id
	`, id, tenantID, provider, eventType, payload).Scan(&connID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%s connection: %w", provider, ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue calendar job: %w", err)
	}
	return id, nil
}
