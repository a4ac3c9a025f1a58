package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

// Request opens a call from callerID to req.TargetUserID. Either party
// already holding a non-terminal session makes this a BusyError. Retrying
// the same request returns the existing session.
func (m *Manager) Request(ctx context.Context, callerID, callerName string, req domain.CallRequest) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		if req.TargetUserID == callerID {
			return nil, m.drop(domain.EventCallRequest, callerID, req.CallID, apperrors.ValidationError("cannot call yourself"))
		}

		if existing, ok := m.sessions[req.CallID]; ok {
			s := existing.session
			if s.CallerID == callerID && s.CalleeID == req.TargetUserID {
				return s.Clone(), nil
			}
			return nil, m.drop(domain.EventCallRequest, callerID, req.CallID, apperrors.ProtocolError("call id already in use"))
		}

		if _, busy := m.activeByUser[callerID]; busy {
			return nil, apperrors.BusyError("you are already in a call")
		}
		if _, busy := m.activeByUser[req.TargetUserID]; busy {
			logger.Info("Call rejected: callee busy",
				zap.String("call_id", req.CallID),
				zap.String("caller_id", callerID),
				zap.String("callee_id", req.TargetUserID))
			m.metrics.RecordCallFinished(string(req.Type), "busy", 0)
			return nil, apperrors.BusyError("user is busy")
		}

		s := &domain.CallSession{
			ID:         req.CallID,
			CallerID:   callerID,
			CalleeID:   req.TargetUserID,
			CallerName: callerName,
			MediaKind:  req.Type,
			State:      domain.CallStateRequested,
			CreatedAt:  time.Now(),
		}
		e := &entry{session: s}
		m.sessions[s.ID] = e
		m.activeByUser[callerID] = s.ID
		m.activeByUser[req.TargetUserID] = s.ID

		s.State = domain.CallStateRingingOutgoing
		incoming := &domain.IncomingCall{
			CallID:     s.ID,
			CallerID:   callerID,
			CallerName: callerName,
			Kind:       s.MediaKind,
			State:      domain.CallStateRingingIncoming,
		}
		if err := m.notifier.Emit(s.CalleeID, domain.EventIncomingCall, incoming); err != nil {
			// An offline callee is rung when it connects, until the timeout.
			logger.Debug("Incoming call not delivered",
				zap.String("call_id", s.ID),
				zap.String("callee_id", s.CalleeID),
				zap.Error(err))
		}

		callID := s.ID
		e.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
			m.enqueue(func() { m.expireRing(callID) })
		})

		logger.Info("Call requested",
			zap.String("call_id", s.ID),
			zap.String("caller_id", callerID),
			zap.String("callee_id", s.CalleeID),
			zap.String("type", string(s.MediaKind)))
		m.metrics.SetActiveCalls(len(m.activeByUser) / 2)

		return s.Clone(), nil
	})
}

// expireRing fires when the server-side ring timer elapses
func (m *Manager) expireRing(callID string) {
	e, ok := m.sessions[callID]
	if !ok || !e.session.State.IsRinging() {
		return
	}
	m.finish(e, domain.CallStateTimedOut, domain.EndReasonTimeout)
	m.notify(e.session, e.session.CallerID, domain.EventCallTimeout, "")
	m.notify(e.session, e.session.CalleeID, domain.EventCallTimeout, "")
}

// Accept answers a ringing call. Only the callee may accept.
func (m *Manager) Accept(ctx context.Context, userID, callID string) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		e, err := m.lookup(userID, callID)
		if err != nil {
			return nil, m.drop(domain.EventAcceptCall, userID, callID, err)
		}
		s := e.session
		if s.State.IsTerminal() || s.State.IsConnected() {
			return s.Clone(), nil
		}
		if userID != s.CalleeID {
			return nil, m.drop(domain.EventAcceptCall, userID, callID, apperrors.ProtocolError("only the callee can accept"))
		}

		now := time.Now()
		s.State = domain.CallStateAccepted
		s.AcceptedAt = &now
		if e.ringTimer != nil {
			e.ringTimer.Stop()
			e.ringTimer = nil
		}

		logger.Info("Call accepted", zap.String("call_id", s.ID))
		m.notify(s, s.CallerID, domain.EventCallAccepted, userID)

		return s.Clone(), nil
	})
}

// Reject declines a ringing call. Only the callee may reject.
func (m *Manager) Reject(ctx context.Context, userID, callID string) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		e, err := m.lookup(userID, callID)
		if err != nil {
			return nil, m.drop(domain.EventRejectCall, userID, callID, err)
		}
		s := e.session
		if s.State.IsTerminal() {
			return s.Clone(), nil
		}
		if userID != s.CalleeID || !s.State.IsRinging() {
			return nil, m.drop(domain.EventRejectCall, userID, callID, apperrors.ProtocolError("reject is only valid for a ringing callee"))
		}

		m.finish(e, domain.CallStateRejected, domain.EndReasonReject)
		m.notify(s, s.CallerID, domain.EventCallRejected, userID)

		return s.Clone(), nil
	})
}

// Cancel withdraws a ringing call. Only the caller may cancel.
func (m *Manager) Cancel(ctx context.Context, userID, callID string) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		e, err := m.lookup(userID, callID)
		if err != nil {
			return nil, m.drop(domain.EventCancelCall, userID, callID, err)
		}
		s := e.session
		if s.State.IsTerminal() {
			return s.Clone(), nil
		}
		if userID != s.CallerID || !s.State.IsRinging() {
			return nil, m.drop(domain.EventCancelCall, userID, callID, apperrors.ProtocolError("cancel is only valid for a ringing caller"))
		}

		m.finish(e, domain.CallStateCancelled, domain.EndReasonCancel)
		m.notify(s, s.CalleeID, domain.EventCallCancelled, userID)

		return s.Clone(), nil
	})
}

// Timeout ends a ringing call on a participant's local ring timer. It races
// the server's own timer; whichever is processed first wins.
func (m *Manager) Timeout(ctx context.Context, userID, callID string) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		e, err := m.lookup(userID, callID)
		if err != nil {
			return nil, m.drop(domain.EventCallTimeout, userID, callID, err)
		}
		s := e.session
		if s.State.IsTerminal() {
			return s.Clone(), nil
		}
		if !s.State.IsRinging() {
			return nil, m.drop(domain.EventCallTimeout, userID, callID, apperrors.ProtocolError("call is no longer ringing"))
		}

		m.finish(e, domain.CallStateTimedOut, domain.EndReasonTimeout)
		m.notify(s, s.PeerOf(userID), domain.EventCallTimeout, userID)

		return s.Clone(), nil
	})
}

// End hangs up. While still ringing it resolves to a cancel for the caller
// and a reject for the callee.
func (m *Manager) End(ctx context.Context, userID, callID string) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		e, err := m.lookup(userID, callID)
		if err != nil {
			return nil, m.drop(domain.EventEndCall, userID, callID, err)
		}
		s := e.session
		peer := s.PeerOf(userID)

		switch {
		case s.State.IsTerminal():
		case s.State.IsConnected():
			m.finish(e, domain.CallStateEnded, domain.EndReasonHangup)
			m.notify(s, peer, domain.EventCallEnded, userID)
		case userID == s.CallerID:
			m.finish(e, domain.CallStateCancelled, domain.EndReasonCancel)
			m.notify(s, peer, domain.EventCallCancelled, userID)
		default:
			m.finish(e, domain.CallStateRejected, domain.EndReasonReject)
			m.notify(s, peer, domain.EventCallRejected, userID)
		}

		return s.Clone(), nil
	})
}

// Relay forwards an opaque signaling payload to the other participant.
// Only sessions past accept carry signaling; anything else is stale and
// dropped. The callee's answer moves the call to Active.
func (m *Manager) Relay(ctx context.Context, userID, event string, sig domain.Signal) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		if !domain.IsSignal(event) {
			return nil, m.drop(event, userID, sig.CallID, apperrors.ProtocolError("not a signaling event"))
		}
		e, err := m.lookup(userID, sig.CallID)
		if err != nil {
			return nil, m.drop(event, userID, sig.CallID, err)
		}
		s := e.session
		if !s.State.IsConnected() {
			return nil, m.drop(event, userID, sig.CallID, apperrors.ProtocolError("signaling outside an accepted call"))
		}
		peer := s.PeerOf(userID)
		if sig.TargetUserID != "" && sig.TargetUserID != peer {
			return nil, m.drop(event, userID, sig.CallID, apperrors.ProtocolError("signal target is not the peer"))
		}

		out := &domain.Signal{
			CallID:       s.ID,
			TargetUserID: peer,
			FromUserID:   userID,
			Data:         sig.Data,
		}
		if err := m.notifier.Emit(peer, event, out); err != nil {
			if _, waiting := m.graceTimers[peer]; waiting {
				logger.Debug("Signal dropped while peer reconnects",
					zap.String("call_id", s.ID),
					zap.String("event", event))
				return s.Clone(), nil
			}
			logger.Warn("Signaling relay failed",
				zap.String("call_id", s.ID),
				zap.String("peer_id", peer),
				zap.Error(err))
			m.finish(e, domain.CallStateFailed, domain.EndReasonError)
			m.notify(s, userID, domain.EventCallFailed, "")
			return s.Clone(), nil
		}

		if event == domain.EventAnswer && s.State == domain.CallStateAccepted {
			s.State = domain.CallStateActive
			logger.Info("Call active", zap.String("call_id", s.ID))
			m.notify(s, s.CallerID, domain.EventCallActive, userID)
			m.notify(s, s.CalleeID, domain.EventCallActive, userID)
		}

		return s.Clone(), nil
	})
}

// HandleDisconnect reacts to a user's transport going away. The session
// fails immediately, or after the configured grace window unless the user
// reconnects. It returns once the peer has been notified.
func (m *Manager) HandleDisconnect(ctx context.Context, userID string) error {
	_, err := m.do(ctx, func() (*domain.CallSession, error) {
		callID, ok := m.activeByUser[userID]
		if !ok {
			return nil, nil
		}
		if m.cfg.DisconnectGrace <= 0 {
			m.failFor(userID, callID)
			return nil, nil
		}
		if _, pending := m.graceTimers[userID]; pending {
			return nil, nil
		}
		m.graceTimers[userID] = time.AfterFunc(m.cfg.DisconnectGrace, func() {
			m.enqueue(func() {
				delete(m.graceTimers, userID)
				if id, still := m.activeByUser[userID]; still {
					m.failFor(userID, id)
				}
			})
		})
		logger.Info("Call party disconnected, waiting for reconnect",
			zap.String("call_id", callID),
			zap.String("user_id", userID),
			zap.Duration("grace", m.cfg.DisconnectGrace))
		return nil, nil
	})
	return err
}

// HandleReconnect cancels a pending disconnect grace timer and returns the
// user's live session, if any, so the client can reconcile.
func (m *Manager) HandleReconnect(ctx context.Context, userID string) (*domain.CallSession, error) {
	return m.do(ctx, func() (*domain.CallSession, error) {
		if t, ok := m.graceTimers[userID]; ok {
			t.Stop()
			delete(m.graceTimers, userID)
		}
		id, ok := m.activeByUser[userID]
		if !ok {
			return nil, nil
		}
		return m.sessions[id].session.Clone(), nil
	})
}

// failFor fails callID because userID's transport is gone, and tells the peer
func (m *Manager) failFor(userID, callID string) {
	e, ok := m.sessions[callID]
	if !ok || e.session.State.IsTerminal() {
		return
	}
	m.finish(e, domain.CallStateFailed, domain.EndReasonError)
	m.notify(e.session, e.session.PeerOf(userID), domain.EventCallFailed, userID)
}
