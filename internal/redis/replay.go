package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultReplayTTL covers the longest retry window of the inbound providers.
const DefaultReplayTTL = 24 * time.Hour

// ReplayLedger remembers inbound webhook event ids so a captured request
// replayed inside the timestamp tolerance is processed at most once.
type ReplayLedger struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewReplayLedger creates a ledger whose entries expire after ttl.
func NewReplayLedger(client *Client, logger *zap.Logger, ttl time.Duration) *ReplayLedger {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &ReplayLedger{client: client, logger: logger, ttl: ttl}
}

func (l *ReplayLedger) key(source, eventID string) string {
	return fmt.Sprintf("replay:%s:%s", source, eventID)
}

// Claim records eventID for source. It returns false if the id was already
// claimed within the TTL.
func (l *ReplayLedger) Claim(ctx context.Context, source, eventID string) (bool, error) {
	claimed, err := l.client.rdb.SetNX(ctx, l.key(source, eventID), time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !claimed {
		l.logger.Debug("inbound webhook replay detected",
			zap.String("source", source),
			zap.String("event_id", eventID),
		)
	}
	return claimed, nil
}

// Release forgets eventID so a provider redelivery is accepted after the
// first attempt failed to persist.
func (l *ReplayLedger) Release(ctx context.Context, source, eventID string) error {
	if err := l.client.rdb.Del(ctx, l.key(source, eventID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
