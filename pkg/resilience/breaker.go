// Package resilience guards calls to optional backends with retries and a
// circuit breaker, so a failing dependency sheds load instead of queueing it.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// State represents the state of the circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// ErrOpen is returned without calling the operation while the breaker is open
var ErrOpen = errors.New("circuit breaker open")

// Config tunes a Breaker. Zero fields take the defaults below.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures that open the circuit (3)
	OpenTimeout      time.Duration // time open before a probe is allowed (10s)
	MaxAttempts      int           // tries per Execute, including the first (3)
	InitialBackoff   time.Duration // grows linearly per attempt (100ms)
	MaxBackoff       time.Duration // (2s)
	AttemptTimeout   time.Duration // per try (5s)
}

// Breaker runs operations with retry, per-attempt timeout, and a circuit
// breaker. In half-open state exactly one probe runs at a time.
type Breaker struct {
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// NewBreaker creates a closed breaker. m may be nil.
func NewBreaker(cfg Config, m *metrics.Metrics) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}

	b := &Breaker{
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		state:   StateClosed,
	}
	if m != nil {
		m.SetBreakerState(cfg.Name, 0)
	}
	return b
}

// Execute runs fn until it succeeds, attempts run out, ctx ends, or the
// circuit opens
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if !b.allow() {
			if b.metrics != nil {
				b.metrics.RecordBreakerRejected(b.cfg.Name, operation)
			}
			if lastErr != nil {
				return fmt.Errorf("%s %s: %w (last error: %v)", b.cfg.Name, operation, ErrOpen, lastErr)
			}
			return fmt.Errorf("%s %s: %w", b.cfg.Name, operation, ErrOpen)
		}

		if attempt > 1 {
			logger.Warn("Retrying operation",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			b.onSuccess()
			return nil
		}
		lastErr = err
		b.onFailure(operation, err)

		if ctx.Err() != nil || attempt == b.cfg.MaxAttempts {
			break
		}

		backoff := time.Duration(attempt) * b.cfg.InitialBackoff
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", b.cfg.Name, operation, lastErr)
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s %s failed: %w", b.cfg.Name, operation, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.setStateLocked(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probing = false
	if b.state != StateClosed {
		b.setStateLocked(StateClosed)
	}
}

func (b *Breaker) onFailure(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	wasProbe := b.state == StateHalfOpen
	b.probing = false

	if wasProbe || b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		if b.state != StateOpen {
			b.setStateLocked(StateOpen)
		}
		logger.Error("Circuit breaker open",
			zap.String("breaker", b.cfg.Name),
			zap.String("operation", operation),
			zap.Int("consecutive_failures", b.consecutiveFailures),
			zap.String("error_type", classifyError(err)),
			zap.Error(err))
	}
}

func (b *Breaker) setStateLocked(s State) {
	if b.state != s {
		logger.Info("Circuit breaker state change",
			zap.String("breaker", b.cfg.Name),
			zap.String("from", string(b.state)),
			zap.String("to", string(s)))
	}
	b.state = s
	if b.metrics != nil {
		b.metrics.SetBreakerState(b.cfg.Name, s.gauge())
	}
}

// classifyError classifies errors for logs
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "password authentication"):
		return "permission"
	default:
		return "unknown"
	}
}
