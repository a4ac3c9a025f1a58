package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ClientConfig holds configuration for the relay client components
type ClientConfig struct {
	RelayURL          string        `env:"RELAY_URL" envDefault:"ws://localhost:8080/v1/ws"`
	APIBaseURL        string        `env:"API_BASE_URL" envDefault:"http://localhost:8081/v1"`
	Token             string        `env:"RELAY_TOKEN"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	AckTimeout        time.Duration `env:"ACK_TIMEOUT" envDefault:"10s"`
	ReadTimeout       time.Duration `env:"RELAY_READ_TIMEOUT" envDefault:"90s"`
	RingTimeout       time.Duration `env:"RING_TIMEOUT" envDefault:"30s"`
	NetworkGrace      time.Duration `env:"CALL_NETWORK_GRACE" envDefault:"10s"`
	TypingIdle        time.Duration `env:"TYPING_IDLE" envDefault:"2s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HTTPTimeout       time.Duration `env:"API_TIMEOUT" envDefault:"15s"`
	Log               LogConfig
}

// LoadClient parses the client configuration from the environment
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the client configuration
func (c *ClientConfig) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("RELAY_URL must be set")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must not be negative")
	}
	if c.ReconnectDelay <= 0 || c.AckTimeout <= 0 || c.RingTimeout <= 0 || c.TypingIdle <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if c.NetworkGrace < 0 {
		return fmt.Errorf("CALL_NETWORK_GRACE must not be negative")
	}
	return nil
}
