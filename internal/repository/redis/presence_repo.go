package redis

import (
	"context"
	"fmt"
	"time"

	"callrelay-backend/internal/database"
	"callrelay-backend/internal/domain"
)

const onlineSetKey = "presence:online"

// PresenceRepository mirrors the relay's in-memory presence table to Redis
// so other services can read who is online. The relay never reads it back.
type PresenceRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient, ttl time.Duration) *PresenceRepository {
	return &PresenceRepository{client: client, ttl: ttl}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// Save writes a user's record with a TTL that heartbeats refresh
func (r *PresenceRepository) Save(ctx context.Context, rec domain.PresenceRecord) error {
	key := presenceKey(rec.UserID)

	if !rec.IsOnline {
		if err := r.client.SafeDel(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete presence: %w", err)
		}
		if err := r.client.SafeSRem(ctx, onlineSetKey, rec.UserID).Err(); err != nil {
			return fmt.Errorf("failed to remove from online set: %w", err)
		}
		return nil
	}

	err := r.client.SafeHSet(ctx, key,
		"status", string(rec.Status),
		"last_seen", rec.LastSeenAt.UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence ttl: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineSetKey, rec.UserID).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// Refresh keeps a user's key alive (heartbeat)
func (r *PresenceRepository) Refresh(ctx context.Context, userID string) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}
