package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"callrelay-backend/pkg/constants"
)

var knownWeakSecrets = []string{
	"secret", "change-me", "super-secret-key-change-in-production", "dev-secret",
}

// Config holds all configuration for the relay server
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Log      LogConfig
	Call     CallConfig
	Chat     ChatConfig
	Presence PresenceConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	Environment     string        `env:"ENV" envDefault:"development"` // development, staging, production
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"relay-server"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	MaxConnections  int           `env:"WS_MAX_CONNECTIONS" envDefault:"1000"`
	SendBufferSize  int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	PingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ConnectRate     int           `env:"WS_CONNECT_RATE" envDefault:"30"` // handshakes per user per minute
}

// RedisConfig holds Redis configuration. An empty Addr runs the relay
// without the presence mirror and without chat fan-in.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	PoolSize int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	Timeout  time.Duration `env:"REDIS_TIMEOUT" envDefault:"5s"`
}

// DatabaseConfig holds the call log connection. Empty URL disables the log.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns int32  `env:"DB_MIN_CONNS" envDefault:"1"`
}

// JWTConfig holds credential validation settings
type JWTConfig struct {
	Secret     string        `env:"JWT_SECRET"`
	SecretFile string        `env:"JWT_SECRET_FILE,file"`
	Audience   string        `env:"JWT_AUDIENCE" envDefault:"callrelay-api"`
	Issuer     string        `env:"JWT_ISSUER" envDefault:"callrelay-auth"`
	TokenTTL   time.Duration `env:"JWT_TOKEN_TTL" envDefault:"24h"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `env:"LOG_LEVEL" envDefault:"info"`
	Format   string `env:"LOG_FORMAT" envDefault:"json"`
	Output   string `env:"LOG_OUTPUT" envDefault:"stdout"`
	FilePath string `env:"LOG_FILE_PATH" envDefault:"/logs/app.log"`
}

// CallConfig holds call state machine timing
type CallConfig struct {
	RingTimeout       time.Duration `env:"CALL_RING_TIMEOUT" envDefault:"30s"`
	DisconnectGrace   time.Duration `env:"CALL_DISCONNECT_GRACE" envDefault:"0s"`
	TerminalRetention time.Duration `env:"CALL_TERMINAL_RETENTION" envDefault:"60s"`
	SweepInterval     time.Duration `env:"CALL_SWEEP_INTERVAL" envDefault:"30s"`
}

// ChatConfig holds typing relay timing
type ChatConfig struct {
	TypingSafetyTTL time.Duration `env:"TYPING_SAFETY_TTL" envDefault:"30s"`
	FanInPattern    string        `env:"CHAT_FANIN_PATTERN" envDefault:"chat:*"`
}

// PresenceConfig holds the presence mirror TTL
type PresenceConfig struct {
	TTL time.Duration `env:"PRESENCE_TTL" envDefault:"5m"`
}

// Load parses the relay configuration from the environment and validates it
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.JWT.Secret == "" {
		cfg.JWT.Secret = strings.TrimSpace(cfg.JWT.SecretFile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether ENV is production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.IsProduction() {
		if len(c.JWT.Secret) < constants.MinSecretLength {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		for _, weak := range knownWeakSecrets {
			if c.JWT.Secret == weak {
				return fmt.Errorf("JWT_SECRET is a known weak default; set a strong secret in production")
			}
		}
	}

	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive")
	}
	if c.Server.SendBufferSize <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be positive")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.DisconnectGrace < 0 {
		return fmt.Errorf("CALL_DISCONNECT_GRACE must not be negative")
	}
	if c.Call.TerminalRetention <= 0 || c.Call.SweepInterval <= 0 {
		return fmt.Errorf("CALL_TERMINAL_RETENTION and CALL_SWEEP_INTERVAL must be positive")
	}
	if c.Chat.TypingSafetyTTL <= 0 {
		return fmt.Errorf("TYPING_SAFETY_TTL must be positive")
	}
	if c.Presence.TTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be positive")
	}

	return nil
}
