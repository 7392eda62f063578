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

const connectionColumns = `id, tenant_id, provider, encrypted_access_token, encrypted_refresh_token,
			expires_at, scopes, account_email, account_name, calendar_id, created_at, updated_at`

func scanConnection(row pgx.Row) (*OAuthConnection, error) {
	c := &OAuthConnection{}
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Provider,
		&c.EncryptedAccessToken,
		&c.EncryptedRefreshToken,
		&c.ExpiresAt,
		&c.Scopes,
		&c.AccountEmail,
		&c.AccountName,
		&c.CalendarID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

// GetConnection returns the tenant's connection for provider.
func (r *Repository) GetConnection(ctx context.Context, tenantID uuid.UUID, provider string) (*OAuthConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM oauth_connections WHERE tenant_id = $1 AND provider = $2`

	c, err := scanConnection(r.db.Pool().QueryRow(ctx, query, tenantID, provider))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s connection: %w", provider, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}
	return c, nil
}

// UpsertConnection inserts or replaces the connection for (tenant, provider).
// ID and timestamps on conn are filled from the stored row.
func (r *Repository) UpsertConnection(ctx context.Context, conn *OAuthConnection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.CalendarID == "" {
		conn.CalendarID = "primary"
	}

	query := `
		INSERT INTO oauth_connections (
			id, tenant_id, provider, encrypted_access_token, encrypted_refresh_token,
			expires_at, scopes, account_email, account_name, calendar_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = CASE
				WHEN EXCLUDED.encrypted_refresh_token = '' THEN oauth_connections.encrypted_refresh_token
				ELSE EXCLUDED.encrypted_refresh_token
			END,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			account_email = EXCLUDED.account_email,
			account_name = EXCLUDED.account_name,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		conn.ID,
		conn.TenantID,
		conn.Provider,
		conn.EncryptedAccessToken,
		conn.EncryptedRefreshToken,
		conn.ExpiresAt,
		conn.Scopes,
		conn.AccountEmail,
		conn.AccountName,
		conn.CalendarID,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to upsert oauth connection",
			zap.Error(err),
			zap.String("tenant_id", conn.TenantID.String()),
			zap.String("provider", conn.Provider),
		)
		return fmt.Errorf("upsert connection: %w", err)
	}

	r.logger.Info("oauth connection stored",
		zap.String("connection_id", conn.ID.String()),
		zap.String("tenant_id", conn.TenantID.String()),
		zap.String("provider", conn.Provider),
	)
	return nil
}

// UpdateConnectionTokens persists refreshed token ciphertexts. An empty
// refresh token keeps the stored one.
func (r *Repository) UpdateConnectionTokens(ctx context.Context, id uuid.UUID, encAccess, encRefresh string, expiresAt *time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE oauth_connections
		SET encrypted_access_token = $2,
			encrypted_refresh_token = COALESCE(NULLIF($3, ''), encrypted_refresh_token),
			expires_at = $4,
			updated_at = NOW()
		WHERE id = $1
	`, id, encAccess, encRefresh, expiresAt)
	if err != nil {
		return fmt.Errorf("update connection tokens: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return nil
}
