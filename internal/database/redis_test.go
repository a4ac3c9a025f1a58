package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/metrics"
)

// unreachableRedis points at a port nothing listens on
func unreachableRedis(t *testing.T) *RedisClient {
	t.Helper()
	client := NewRedisDB(config.RedisConfig{
		Addr:     "127.0.0.1:1",
		PoolSize: 1,
		Timeout:  50 * time.Millisecond,
	}, metrics.NewMetrics("redis-test"))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHealthCheckEntersDegradedMode(t *testing.T) {
	client := unreachableRedis(t)
	assert.False(t, client.IsDegraded())

	err := client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsDegraded())
}

func TestSafeOperationsFailFastWhenDegraded(t *testing.T) {
	client := unreachableRedis(t)
	client.setDegradedState(true)
	ctx := context.Background()

	start := time.Now()
	assert.ErrorContains(t, client.SafeHSet(ctx, "presence:alice", "status", "online").Err(), "degraded")
	assert.ErrorContains(t, client.SafeSAdd(ctx, "presence:online", "alice").Err(), "degraded")
	assert.ErrorContains(t, client.SafeExists(ctx, "blacklist:x").Err(), "degraded")
	assert.ErrorContains(t, client.SafePublish(ctx, "chat:c1", "{}").Err(), "degraded")
	assert.Nil(t, client.SafePSubscribe(ctx, "chat:*"))
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestStartHealthCheckStopsWithContext(t *testing.T) {
	client := unreachableRedis(t)
	ctx, cancel := context.WithCancel(context.Background())

	client.StartHealthCheck(ctx, 10*time.Millisecond)
	assert.Eventually(t, client.IsDegraded, time.Second, 5*time.Millisecond)
	cancel()
}
