// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// EventTimeout bounds the handling of one inbound socket event
	EventTimeout = 10 * time.Second

	// RecorderTimeout bounds a single call log write
	RecorderTimeout = 5 * time.Second

	// RedisHealthCheckInterval is how often degraded mode is re-evaluated
	RedisHealthCheckInterval = 15 * time.Second
)

// WebSocket constants
const (
	// WebSocketWriteWait is the time allowed to write a frame to the peer
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound frames. SDP offers with many
	// candidates stay well below this.
	WebSocketMaxMessageSize = 64 * 1024

	// WebSocketCloseReplaced is sent to a socket superseded by a newer
	// connection of the same user
	WebSocketCloseReplaced = "replaced by a newer connection"
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Security constants
const (
	// MinSecretLength is the minimum JWT secret length accepted in production
	MinSecretLength = 32

	// DevTokenTTL is the lifetime of credentials minted by the CLI
	DevTokenTTL = 24 * time.Hour
)
