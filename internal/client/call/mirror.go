package call

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/client/transport"
	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/logger"
)

func (c *Client) onIncoming(data json.RawMessage) {
	var in domain.IncomingCall
	if err := domain.Decode(data, &in); err != nil {
		logger.Warn("Dropped malformed incoming_call", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.current != nil && !c.current.State.IsTerminal() {
		if c.current.ID != in.CallID {
			logger.Warn("Incoming call while another is in progress",
				zap.String("call_id", in.CallID),
				zap.String("current_call_id", c.current.ID))
		}
		c.mu.Unlock()
		return
	}

	call := &Call{
		ID:       in.CallID,
		PeerID:   in.CallerID,
		PeerName: in.CallerName,
		Kind:     in.Kind,
		State:    domain.CallStateRingingIncoming,
	}
	c.current = call
	c.queue = append(c.queue, Transition{Call: *call})
	c.startRingLocked(call.ID)
	c.mu.Unlock()

	c.drain()
}

func (c *Client) onCallEvent(event string) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var ev domain.CallEvent
		if err := domain.Decode(data, &ev); err != nil {
			logger.Warn("Dropped malformed call event", zap.String("event", event), zap.Error(err))
			return
		}
		c.apply(ev.CallID, ev.State, ev.EndReason)
	}
}

func (c *Client) onSignal(event string) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var sig domain.Signal
		if err := domain.Decode(data, &sig); err != nil {
			logger.Warn("Dropped malformed signal", zap.String("event", event), zap.Error(err))
			return
		}

		c.mu.Lock()
		if c.current == nil || c.current.ID != sig.CallID || !c.current.State.IsConnected() {
			c.mu.Unlock()
			logger.Debug("Dropped signal for another call",
				zap.String("event", event),
				zap.String("call_id", sig.CallID))
			return
		}
		handlers := make([]SignalHandler, len(c.signals))
		for i, s := range c.signals {
			handlers[i] = s.fn
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(event, sig)
		}
	}
}

// onTransportState starts the network grace timer while the transport
// reconnects and fails the call once the transport gives up
func (c *Client) onTransportState(st transport.State) {
	c.mu.Lock()
	if c.current == nil || c.current.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	callID := c.current.ID

	switch st {
	case transport.StateConnected:
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		c.mu.Unlock()
	case transport.StateReconnecting:
		c.resyncID = callID
		if c.graceTimer != nil {
			c.mu.Unlock()
			return
		}
		if c.cfg.NetworkGrace <= 0 {
			c.mu.Unlock()
			c.apply(callID, domain.CallStateFailed, domain.EndReasonError)
			return
		}
		c.graceTimer = time.AfterFunc(c.cfg.NetworkGrace, func() {
			logger.Info("Network grace elapsed, failing call", zap.String("call_id", callID))
			c.apply(callID, domain.CallStateFailed, domain.EndReasonError)
		})
		c.mu.Unlock()
	case transport.StateConnectionFailed, transport.StateClosed:
		c.mu.Unlock()
		c.apply(callID, domain.CallStateFailed, domain.EndReasonError)
	default:
		c.mu.Unlock()
	}
}

// onCallState checks the call that was live across a reconnect against the
// relay's snapshot. A call the relay no longer holds ended while the
// transport was down, and whatever event said so was lost.
func (c *Client) onCallState(data json.RawMessage) {
	var snap domain.CallSnapshot
	if err := domain.Decode(data, &snap); err != nil {
		logger.Warn("Dropped malformed call_state", zap.Error(err))
		return
	}

	c.mu.Lock()
	callID := c.resyncID
	c.resyncID = ""
	if callID == "" || c.current == nil || c.current.ID != callID || c.current.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if snap.CallID != callID {
		logger.Info("Relay no longer holds the call, failing it",
			zap.String("call_id", callID),
			zap.String("relay_call_id", snap.CallID))
		c.apply(callID, domain.CallStateFailed, domain.EndReasonError)
		return
	}
	c.apply(callID, snap.State, "")
}

// reconcile applies a session returned in an ack, seen from this side
func (c *Client) reconcile(result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var s domain.CallSession
	if err := json.Unmarshal(result, &s); err != nil {
		logger.Warn("Malformed call session in ack", zap.Error(err))
		return
	}

	c.mu.Lock()
	state := s.State
	if c.current != nil && c.current.ID == s.ID && !c.current.Outgoing && state == domain.CallStateRingingOutgoing {
		state = domain.CallStateRingingIncoming
	}
	c.mu.Unlock()

	c.apply(s.ID, state, s.EndReason)
}

// apply moves the mirror and delivers the transition
func (c *Client) apply(callID string, state domain.CallState, reason domain.EndReason) {
	c.mu.Lock()
	c.applyLocked(callID, state, reason)
	c.mu.Unlock()
	c.drain()
}

// applyLocked changes the current call's state. Events for other calls,
// repeats, and anything after a terminal state are ignored; a connected
// call never goes back to ringing.
func (c *Client) applyLocked(callID string, state domain.CallState, reason domain.EndReason) {
	call := c.current
	if call == nil || call.ID != callID || call.State == state || call.State.IsTerminal() {
		return
	}
	if state.IsRinging() || state == domain.CallStateRequested {
		return
	}
	if state == domain.CallStateAccepted && call.State == domain.CallStateActive {
		return
	}

	from := call.State
	call.State = state
	if !state.IsRinging() && c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	if state.IsTerminal() {
		call.EndReason = reason
		c.stopTimersLocked()
	}

	logger.Debug("Call transition",
		zap.String("call_id", call.ID),
		zap.String("from", string(from)),
		zap.String("to", string(state)))

	c.queue = append(c.queue, Transition{From: from, Call: *call})
}

// drain delivers queued transitions. Only one goroutine drains at a time,
// so listeners see transitions in the order they were applied even when a
// listener triggers another transition.
func (c *Client) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		t := c.queue[0]
		c.queue = c.queue[1:]
		listeners := make([]func(Transition), len(c.listeners))
		for i, l := range c.listeners {
			listeners[i] = l.fn
		}
		c.mu.Unlock()

		for _, fn := range listeners {
			fn(t)
		}

		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// startRingLocked arms the local ring timer. When it fires the call times
// out here without waiting for the relay, and the relay is told.
func (c *Client) startRingLocked(callID string) {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	c.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.mu.Lock()
		call := c.current
		if call == nil || call.ID != callID || !call.State.IsRinging() {
			c.mu.Unlock()
			return
		}
		peer := call.PeerID
		c.applyLocked(callID, domain.CallStateTimedOut, domain.EndReasonTimeout)
		c.mu.Unlock()
		c.drain()

		if err := c.transport.Emit(domain.EventCallTimeout, &domain.CallAction{CallID: callID, TargetUserID: peer}); err != nil {
			logger.Debug("call_timeout not sent", zap.String("call_id", callID), zap.Error(err))
		}
	})
}

func (c *Client) stopTimersLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}
