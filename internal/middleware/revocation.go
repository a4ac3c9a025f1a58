package middleware

import (
	"context"
	"fmt"

	"callrelay-backend/internal/database"
	"callrelay-backend/pkg/jwt"
)

// RedisRevocationChecker implements RevocationChecker against the
// blacklist:<jti> keys the auth service writes on logout
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if a credential's id is blacklisted
func (r *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error) {
	if claims.ID == "" {
		return false, nil
	}

	exists, err := r.client.SafeExists(ctx, fmt.Sprintf("blacklist:%s", claims.ID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}

	return exists > 0, nil
}
