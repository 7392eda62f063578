package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RecordBillingEvent stores a verified billing event. It reports false when
// the provider event id was already recorded.
func (r *Repository) RecordBillingEvent(ctx context.Context, ev *BillingEvent) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	result, err := r.db.Pool().Exec(ctx, `
		INSERT INTO billing_events (id, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_event_id) DO NOTHING
	`, ev.ID, ev.ProviderEventID, ev.EventType, ev.Payload)
	if err != nil {
		return false, fmt.Errorf("insert billing event: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordInboundEmail stores a verified inbound email. It reports false when
// the message id was already recorded.
func (r *Repository) RecordInboundEmail(ctx context.Context, email *InboundEmail) (bool, error) {
	if email.ID == uuid.Nil {
		email.ID = uuid.New()
	}

	result, err := r.db.Pool().Exec(ctx, `
		INSERT INTO inbound_emails (id, message_id, tenant_id, from_address, to_address, subject, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id) DO NOTHING
	`, email.ID, email.MessageID, email.TenantID, email.FromAddress, email.ToAddress, email.Subject, email.Payload)
	if err != nil {
		return false, fmt.Errorf("insert inbound email: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
