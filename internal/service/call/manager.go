// Package call owns the relay's call session table. Every read-decide-write
// on a session runs on the manager's single loop goroutine.
package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// Notifier delivers an event to a connected user
type Notifier interface {
	Emit(userID, event string, payload any) error
}

// Recorder persists terminal sessions. Failures are logged and counted only.
type Recorder interface {
	Record(ctx context.Context, session *domain.CallSession) error
}

// Config holds state machine timing
type Config struct {
	RingTimeout       time.Duration
	DisconnectGrace   time.Duration
	TerminalRetention time.Duration
	SweepInterval     time.Duration
}

var errClosed = apperrors.InternalError("call manager is closed")

// Manager is the server-authoritative owner of every CallSession
type Manager struct {
	cfg      Config
	notifier Notifier
	recorder Recorder
	metrics  *metrics.Metrics

	// Owned by the loop goroutine
	sessions     map[string]*entry
	activeByUser map[string]string
	graceTimers  map[string]*time.Timer

	commands  chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type entry struct {
	session    *domain.CallSession
	ringTimer  *time.Timer
	finishedAt time.Time
}

// NewManager creates a manager and starts its loop. recorder may be nil.
func NewManager(cfg Config, notifier Notifier, recorder Recorder, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		cfg:          cfg,
		notifier:     notifier,
		recorder:     recorder,
		metrics:      m,
		sessions:     make(map[string]*entry),
		activeByUser: make(map[string]string),
		graceTimers:  make(map[string]*time.Timer),
		commands:     make(chan func(), 256),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	go mgr.run()

	return mgr
}

// run processes commands one at a time until Close
func (m *Manager) run() {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer func() {
		sweep.Stop()
		for _, e := range m.sessions {
			if e.ringTimer != nil {
				e.ringTimer.Stop()
			}
		}
		for _, t := range m.graceTimers {
			t.Stop()
		}
		close(m.stopped)
	}()

	for {
		select {
		case cmd := <-m.commands:
			cmd()
		case <-sweep.C:
			m.sweep(time.Now())
		case <-m.done:
			return
		}
	}
}

// Close stops the loop and all pending timers
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped
}

// do runs fn on the loop and waits for its result
func (m *Manager) do(ctx context.Context, fn func() (*domain.CallSession, error)) (*domain.CallSession, error) {
	type result struct {
		session *domain.CallSession
		err     error
	}
	reply := make(chan result, 1)

	select {
	case m.commands <- func() {
		s, err := fn()
		reply <- result{s, err}
	}:
	case <-m.done:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.session, r.err
	case <-m.done:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue schedules fn on the loop without waiting. Used by timers.
func (m *Manager) enqueue(fn func()) {
	select {
	case m.commands <- fn:
	case <-m.done:
	}
}

// sweep drops terminal sessions older than the retention window
func (m *Manager) sweep(now time.Time) {
	for id, e := range m.sessions {
		if e.session.State.IsTerminal() && now.Sub(e.finishedAt) >= m.cfg.TerminalRetention {
			delete(m.sessions, id)
		}
	}
}

// notify sends a call event to userID from their point of view
func (m *Manager) notify(s *domain.CallSession, userID, event, actor string) {
	payload := &domain.CallEvent{
		CallID:     s.ID,
		State:      s.ViewFor(userID),
		EndReason:  s.EndReason,
		FromUserID: actor,
		PeerID:     s.PeerOf(userID),
		Type:       s.MediaKind,
	}
	if err := m.notifier.Emit(userID, event, payload); err != nil {
		logger.Debug("Call event not delivered",
			zap.String("call_id", s.ID),
			zap.String("user_id", userID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// drop logs and counts an event the state machine refuses
func (m *Manager) drop(event, userID, callID string, err error) error {
	logger.Warn("Dropped call event",
		zap.String("event", event),
		zap.String("user_id", userID),
		zap.String("call_id", callID),
		zap.Error(err))
	m.metrics.RecordCallEventDropped(event, string(apperrors.CodeOf(err)))
	return err
}

// finish moves a session to a terminal state and releases both users
func (m *Manager) finish(e *entry, state domain.CallState, reason domain.EndReason) {
	s := e.session
	from := s.State
	now := time.Now()

	s.State = state
	s.EndReason = reason
	s.EndedAt = &now
	e.finishedAt = now

	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
	for _, uid := range []string{s.CallerID, s.CalleeID} {
		if m.activeByUser[uid] == s.ID {
			delete(m.activeByUser, uid)
		}
		if t, ok := m.graceTimers[uid]; ok {
			t.Stop()
			delete(m.graceTimers, uid)
		}
	}

	logger.Info("Call finished",
		zap.String("call_id", s.ID),
		zap.String("from", string(from)),
		zap.String("to", string(state)),
		zap.String("reason", string(reason)))

	m.metrics.RecordCallFinished(string(s.MediaKind), string(state), s.Duration())
	m.metrics.SetActiveCalls(len(m.activeByUser) / 2)

	if m.recorder != nil {
		snapshot := s.Clone()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), constants.RecorderTimeout)
			defer cancel()
			if err := m.recorder.Record(ctx, snapshot); err != nil {
				logger.Error("Failed to record call",
					zap.String("call_id", snapshot.ID),
					zap.Error(err))
				m.metrics.RecordCallLogFailure()
			}
		}()
	}
}

// lookup resolves callID for a participant. Unknown calls and outsiders are
// protocol errors.
func (m *Manager) lookup(userID, callID string) (*entry, error) {
	e, ok := m.sessions[callID]
	if !ok {
		return nil, apperrors.ProtocolError("unknown call id")
	}
	if !e.session.IsParticipant(userID) {
		return nil, apperrors.ProtocolError("not a participant of this call")
	}
	return e, nil
}

// Get returns a snapshot of a session the user takes part in
func (m *Manager) Get(ctx context.Context, userID, callID string) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		e, err := m.lookup(userID, callID)
		if err != nil {
			return nil, apperrors.NotFoundError("call")
		}
		return e.session.Clone(), nil
	})
}

// ActiveFor returns the user's non-terminal session, if any
func (m *Manager) ActiveFor(ctx context.Context, userID string) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		id, ok := m.activeByUser[userID]
		if !ok {
			return nil, nil
		}
		return m.sessions[id].session.Clone(), nil
	})
}
