package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "dev-only-secret")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, ":8080", cfg.Addr())
		assert.Equal(t, "development", cfg.Server.Environment)
		assert.Equal(t, 1000, cfg.Server.MaxConnections)
		assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
		assert.Equal(t, time.Duration(0), cfg.Call.DisconnectGrace)
		assert.Equal(t, 60*time.Second, cfg.Call.TerminalRetention)
		assert.Equal(t, 30*time.Second, cfg.Chat.TypingSafetyTTL)
		assert.Equal(t, 5*time.Minute, cfg.Presence.TTL)
		assert.Equal(t, "callrelay-api", cfg.JWT.Audience)
		assert.Empty(t, cfg.Redis.Addr)
		assert.Empty(t, cfg.Database.URL)
	})

	t.Run("overrides from environment", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "dev-only-secret")
		t.Setenv("PORT", "9090")
		t.Setenv("CALL_RING_TIMEOUT", "45s")
		t.Setenv("CALL_DISCONNECT_GRACE", "5s")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
		assert.Equal(t, 5*time.Second, cfg.Call.DisconnectGrace)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	})

	t.Run("reads secret from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jwt_secret")
		require.NoError(t, os.WriteFile(path, []byte("from-file-secret\n"), 0o600))
		t.Setenv("JWT_SECRET", "")
		t.Setenv("JWT_SECRET_FILE", path)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "from-file-secret", cfg.JWT.Secret)
	})

	t.Run("fails without secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("rejects short secret in production", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "short")
		t.Setenv("ENV", "production")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 characters")
	})

	t.Run("rejects unparsable duration", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "dev-only-secret")
		t.Setenv("CALL_RING_TIMEOUT", "soon")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{MaxConnections: 10, SendBufferSize: 8},
			JWT:      JWTConfig{Secret: "dev-only-secret"},
			Call:     CallConfig{RingTimeout: time.Second, TerminalRetention: time.Second, SweepInterval: time.Second},
			Chat:     ChatConfig{TypingSafetyTTL: time.Second},
			Presence: PresenceConfig{TTL: time.Minute},
		}
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Call.RingTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Call.DisconnectGrace = -time.Second
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Server.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadClient()
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.ReconnectAttempts)
		assert.Equal(t, time.Second, cfg.ReconnectDelay)
		assert.Equal(t, 30*time.Second, cfg.RingTimeout)
		assert.Equal(t, 2*time.Second, cfg.TypingIdle)
		assert.Equal(t, 10*time.Second, cfg.NetworkGrace)
	})

	t.Run("rejects negative attempts", func(t *testing.T) {
		t.Setenv("RECONNECT_ATTEMPTS", "-1")

		_, err := LoadClient()
		assert.Error(t, err)
	})
}
