package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/database"
	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/service/presence"
	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/metrics"
)

var _ presence.Mirror = (*PresenceRepository)(nil)

// degradedRedis returns a client pointed at a closed port that has already
// failed its health check
func degradedRedis(t *testing.T) *database.RedisClient {
	t.Helper()
	client := database.NewRedisDB(config.RedisConfig{
		Addr:     "127.0.0.1:1",
		PoolSize: 1,
		Timeout:  50 * time.Millisecond,
	}, metrics.NewMetrics("presence-repo-test"))
	t.Cleanup(func() { _ = client.Close() })

	require.Error(t, client.HealthCheck(context.Background()))
	require.True(t, client.IsDegraded())
	return client
}

func TestPresenceKey(t *testing.T) {
	assert.Equal(t, "presence:alice", presenceKey("alice"))
}

func TestPresenceRepository_DegradedRedis(t *testing.T) {
	repo := NewPresenceRepository(degradedRedis(t), time.Minute)
	ctx := context.Background()

	t.Run("online save", func(t *testing.T) {
		err := repo.Save(ctx, domain.PresenceRecord{
			UserID:     "alice",
			IsOnline:   true,
			Status:     domain.PresenceOnline,
			LastSeenAt: time.Now(),
		})
		require.Error(t, err)
		assert.ErrorContains(t, err, "failed to set presence")
		assert.ErrorContains(t, err, "degraded")
	})

	t.Run("offline save", func(t *testing.T) {
		err := repo.Save(ctx, domain.OfflineRecord("alice"))
		require.Error(t, err)
		assert.ErrorContains(t, err, "failed to delete presence")
	})

	t.Run("refresh", func(t *testing.T) {
		err := repo.Refresh(ctx, "alice")
		require.Error(t, err)
		assert.ErrorContains(t, err, "failed to refresh presence")
	})
}
