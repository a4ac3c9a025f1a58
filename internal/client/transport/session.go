// Package transport is the client half of the relay connection: one
// authenticated socket, an event registry that survives reconnects, and
// emit-with-ack on top of the relay's envelope.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

// State is the connection state reported to dependents
type State string

const (
	StateIdle             State = "idle"
	StateConnected        State = "connected"
	StateDisconnected     State = "disconnected"
	StateReconnecting     State = "reconnecting"
	StateConnectionFailed State = "connection_failed"
	StateClosed           State = "closed"
)

// Config holds the session's connection settings
type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	AckTimeout        time.Duration
	HandshakeTimeout  time.Duration
	// ReadTimeout drops a connection that has been silent this long. The
	// relay pings well inside it. Zero disables the check.
	ReadTimeout time.Duration
}

// Handler receives the raw payload of one inbound event
type Handler func(data json.RawMessage)

// StateHandler observes connection state changes
type StateHandler func(state State)

type handlerEntry struct {
	id uint64
	fn Handler
}

type ackResult struct {
	ack domain.AckPayload
	err error
}

// Session owns one relay connection at a time. Handlers are registered on
// the Session, not the socket, so a reconnect never duplicates them.
// Inbound events and state changes caused by the connection are delivered
// on a single goroutine, in arrival order.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	credential string
	running    bool
	closed     bool
	nextID     uint64
	handlers   map[string][]handlerEntry
	watchers   map[uint64]StateHandler
	pending    map[string]chan ackResult

	writeMu sync.Mutex
}

// NewSession creates an unconnected session
func NewSession(cfg Config) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = constants.DefaultTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = constants.EventTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		handlers: make(map[string][]handlerEntry),
		watchers: make(map[uint64]StateHandler),
		pending:  make(map[string]chan ackResult),
	}
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the relay with credential. A rejected credential is an
// AuthError; anything else that prevents the handshake is a NetworkError.
// Connecting an already connected session is a no-op.
func (s *Session) Connect(ctx context.Context, credential string) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return apperrors.NetworkError("session is closed", nil)
	case s.conn != nil:
		s.mu.Unlock()
		return nil
	case s.running:
		s.mu.Unlock()
		return apperrors.NetworkError("reconnect in progress", nil)
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx, credential)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || s.running {
		closed := s.closed
		s.mu.Unlock()
		conn.Close()
		if closed {
			return apperrors.NetworkError("session is closed", nil)
		}
		return nil
	}
	s.credential = credential
	s.conn = conn
	s.running = true
	s.mu.Unlock()

	logger.Info("Connected to relay", zap.String("url", s.cfg.URL))
	s.setState(StateConnected)

	go s.run(conn)

	return nil
}

func (s *Session) dial(ctx context.Context, credential string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.AuthError("credential rejected by relay")
		}
		return nil, apperrors.NetworkError("failed to connect to relay", err)
	}
	conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	return conn, nil
}

// run reads conn until it fails, then reconnects, until Close or until the
// reconnect budget is spent
func (s *Session) run(conn *websocket.Conn) {
	for {
		err := s.readLoop(conn)
		if s.isClosed() {
			return
		}
		logger.Warn("Relay connection lost", zap.Error(err))
		s.dropConnection(conn)

		next, ok := s.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			// A failed pong surfaces as a read error on the next frame
			_ = conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(constants.WebSocketWriteWait))
			return nil
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			logger.Warn("Malformed frame from relay", zap.Error(err))
			continue
		}
		if env.Event == domain.EventAck {
			s.resolveAck(env)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env domain.Envelope) {
	s.mu.Lock()
	entries := append([]handlerEntry(nil), s.handlers[env.Event]...)
	s.mu.Unlock()

	if len(entries) == 0 {
		logger.Debug("No handler for relay event", zap.String("event", env.Event))
		return
	}
	for _, e := range entries {
		e.fn(env.Data)
	}
}

func (s *Session) resolveAck(env domain.Envelope) {
	var ack domain.AckPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		logger.Warn("Malformed ack from relay", zap.String("ack_id", env.AckID), zap.Error(err))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[env.AckID]
	delete(s.pending, env.AckID)
	s.mu.Unlock()

	if ok {
		ch <- ackResult{ack: ack}
	}
}

// dropConnection forgets conn, rejects every pending ack, and reports
// disconnected
func (s *Session) dropConnection(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	pending := s.pending
	s.pending = make(map[string]chan ackResult)
	s.mu.Unlock()

	conn.Close()
	rejectAll(pending, apperrors.NetworkError("connection lost", nil))
	s.setState(StateDisconnected)
}

// reconnect retries with linear backoff. An AuthError ends the loop at once.
func (s *Session) reconnect() (*websocket.Conn, bool) {
	s.mu.Lock()
	credential := s.credential
	s.mu.Unlock()

	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		s.setState(StateReconnecting)

		timer := time.NewTimer(time.Duration(attempt) * s.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return nil, false
		}

		conn, err := s.dial(s.ctx, credential)
		if err != nil {
			if s.isClosed() {
				return nil, false
			}
			if apperrors.Is(err, apperrors.ErrCodeAuth) {
				logger.Warn("Relay rejected credential on reconnect")
				break
			}
			logger.Info("Reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.cfg.ReconnectAttempts),
				zap.Error(err))
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil, false
		}
		s.conn = conn
		s.mu.Unlock()

		logger.Info("Reconnected to relay", zap.Int("attempt", attempt))
		s.setState(StateConnected)
		return conn, true
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.setState(StateConnectionFailed)
	return nil, false
}

// Emit sends an event without waiting for the relay. Nothing is queued:
// while disconnected the event is dropped with a NetworkError.
func (s *Session) Emit(event string, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeValidation, "invalid payload", err)
	}
	return s.write(env)
}

// EmitWithAck sends an event and waits for the relay's ack. A rejected ack
// is returned as the relay's AppError. Losing the connection or running out
// of time is a NetworkError; on timeout it wraps the context error. Without
// a deadline on ctx the configured ack timeout applies.
func (s *Session) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeValidation, "invalid payload", err)
	}
	env.AckID = uuid.New().String()

	ch := make(chan ackResult, 1)
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, apperrors.NetworkError("not connected to relay", nil)
	}
	s.pending[env.AckID] = ch
	s.mu.Unlock()

	if err := s.write(env); err != nil {
		s.forget(env.AckID)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AckTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if err := res.ack.Err(); err != nil {
			return nil, err
		}
		return res.ack.Result, nil
	case <-ctx.Done():
		s.forget(env.AckID)
		return nil, apperrors.NetworkError("no ack for "+event, ctx.Err())
	}
}

func (s *Session) write(env domain.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return apperrors.NetworkError("not connected to relay", nil)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	if err := conn.WriteJSON(env); err != nil {
		return apperrors.NetworkError("failed to send "+env.Event, err)
	}
	return nil
}

func (s *Session) forget(ackID string) {
	s.mu.Lock()
	delete(s.pending, ackID)
	s.mu.Unlock()
}

// Close logs out: it stops reconnecting, closes the socket, and rejects
// pending acks. The session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	pending := s.pending
	s.pending = make(map[string]chan ackResult)
	s.mu.Unlock()

	s.cancel()
	rejectAll(pending, apperrors.NetworkError("session closed", nil))

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}

	s.setState(StateClosed)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// setState records st and notifies watchers when it changed. After Close
// only the closed state is reported.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || (s.closed && st != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = st
	watchers := make([]StateHandler, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w(st)
	}
}

func rejectAll(pending map[string]chan ackResult, err error) {
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}
