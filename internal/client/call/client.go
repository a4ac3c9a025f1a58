// Package call is the client side of a call: a mirror of the relay's
// session reconciled from server events, and a controller that turns its
// transitions into media device actions.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/client/transport"
	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

// Transport is the part of the relay session the call client uses
type Transport interface {
	On(event string, handler transport.Handler) *transport.Subscription
	OnState(handler transport.StateHandler) *transport.Subscription
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Config holds the client-side call timers
type Config struct {
	// RingTimeout ends an unanswered call locally even if the relay's
	// timeout never arrives
	RingTimeout time.Duration
	// NetworkGrace is how long a call survives a reconnecting transport
	NetworkGrace time.Duration
}

// Call is the local mirror of one call session
type Call struct {
	ID        string           `json:"callId"`
	PeerID    string           `json:"peerId"`
	PeerName  string           `json:"peerName,omitempty"`
	Kind      domain.MediaKind `json:"type"`
	State     domain.CallState `json:"state"`
	EndReason domain.EndReason `json:"endReason,omitempty"`
	Outgoing  bool             `json:"outgoing"`
}

// Transition is one change of the mirror. From is empty for a new call.
type Transition struct {
	From domain.CallState
	Call Call
}

// SignalHandler receives a relayed offer, answer, or ICE candidate
type SignalHandler func(event string, sig domain.Signal)

var callEvents = []string{
	domain.EventCallAccepted,
	domain.EventCallActive,
	domain.EventCallRejected,
	domain.EventCallCancelled,
	domain.EventCallTimeout,
	domain.EventCallEnded,
	domain.EventCallFailed,
}

var signalEvents = []string{domain.EventOffer, domain.EventAnswer, domain.EventICECandidate}

// Client owns the local call mirror. It replaces ambient call state with a
// typed surface: StartCall, AcceptCall, RejectCall, CancelCall, EndCall.
// Transitions are delivered to listeners one at a time, in the order they
// were applied.
type Client struct {
	cfg       Config
	transport Transport
	subs      []*transport.Subscription

	mu         sync.Mutex
	current    *Call
	ringTimer  *time.Timer
	graceTimer *time.Timer
	resyncID   string
	nextID     uint64
	listeners  []listenerEntry
	signals    []signalEntry
	queue      []Transition
	draining   bool
	closed     bool
}

type listenerEntry struct {
	id uint64
	fn func(Transition)
}

type signalEntry struct {
	id uint64
	fn SignalHandler
}

// NewClient creates a call client and subscribes it to the transport
func NewClient(cfg Config, t Transport) *Client {
	c := &Client{
		cfg:       cfg,
		transport: t,
	}

	c.subs = append(c.subs, t.On(domain.EventIncomingCall, c.onIncoming))
	c.subs = append(c.subs, t.On(domain.EventCallState, c.onCallState))
	for _, event := range callEvents {
		c.subs = append(c.subs, t.On(event, c.onCallEvent(event)))
	}
	for _, event := range signalEvents {
		c.subs = append(c.subs, t.On(event, c.onSignal(event)))
	}
	c.subs = append(c.subs, t.OnState(c.onTransportState))

	return c
}

// OnTransition registers a listener for every mirror change
func (c *Client) OnTransition(fn func(Transition)) *transport.Subscription {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return transport.NewSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	})
}

// OnSignal registers a handler for signaling payloads of the current call
func (c *Client) OnSignal(fn SignalHandler) *transport.Subscription {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.signals = append(c.signals, signalEntry{id: id, fn: fn})
	c.mu.Unlock()

	return transport.NewSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.signals {
			if s.id == id {
				c.signals = append(c.signals[:i:i], c.signals[i+1:]...)
				return
			}
		}
	})
}

// Current returns the most recent call, terminal or not
func (c *Client) Current() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Call{}, false
	}
	return *c.current, true
}

// Active returns the call in progress, if any
func (c *Client) Active() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.State.IsTerminal() {
		return Call{}, false
	}
	return *c.current, true
}

// StartCall rings peerID. A busy callee ends the attempt as Rejected and
// returns the BusyError; any other failure ends it as Failed.
func (c *Client) StartCall(ctx context.Context, peerID string, kind domain.MediaKind) (Call, error) {
	if peerID == "" {
		return Call{}, apperrors.ValidationError("peer id is required")
	}
	if !kind.Valid() {
		return Call{}, apperrors.ValidationError("unsupported call type")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Call{}, apperrors.InternalError("call client is closed")
	}
	if c.current != nil && !c.current.State.IsTerminal() {
		c.mu.Unlock()
		return Call{}, apperrors.BusyError("already in a call")
	}
	call := &Call{
		ID:       uuid.New().String(),
		PeerID:   peerID,
		Kind:     kind,
		State:    domain.CallStateRingingOutgoing,
		Outgoing: true,
	}
	c.current = call
	c.queue = append(c.queue, Transition{Call: *call})
	c.startRingLocked(call.ID)
	started := *call
	c.mu.Unlock()
	c.drain()

	_, err := c.transport.EmitWithAck(ctx, domain.EventCallRequest, &domain.CallRequest{
		CallID:       started.ID,
		TargetUserID: peerID,
		Type:         kind,
	})
	if err != nil {
		state, reason := domain.CallStateFailed, domain.EndReasonError
		if apperrors.Is(err, apperrors.ErrCodeBusy) {
			state, reason = domain.CallStateRejected, domain.EndReasonReject
		} else {
			// The relay may have opened the session before the ack was lost
			_ = c.transport.Emit(domain.EventCancelCall, &domain.CallAction{CallID: started.ID, TargetUserID: peerID})
		}
		c.apply(started.ID, state, reason)
		return c.snapshot(started.ID), err
	}

	return c.snapshot(started.ID), nil
}

// AcceptCall answers the ringing incoming call
func (c *Client) AcceptCall(ctx context.Context) (Call, error) {
	call, err := c.require(func(s domain.CallState, outgoing bool) bool {
		return s == domain.CallStateRingingIncoming && !outgoing
	}, "no incoming call to accept")
	if err != nil {
		return Call{}, err
	}
	return c.act(ctx, domain.EventAcceptCall, call, false)
}

// RejectCall declines the ringing incoming call
func (c *Client) RejectCall(ctx context.Context) (Call, error) {
	call, err := c.require(func(s domain.CallState, outgoing bool) bool {
		return s == domain.CallStateRingingIncoming && !outgoing
	}, "no incoming call to reject")
	if err != nil {
		return Call{}, err
	}
	return c.act(ctx, domain.EventRejectCall, call, true)
}

// CancelCall withdraws the ringing outgoing call
func (c *Client) CancelCall(ctx context.Context) (Call, error) {
	call, err := c.require(func(s domain.CallState, outgoing bool) bool {
		return s == domain.CallStateRingingOutgoing && outgoing
	}, "no outgoing call to cancel")
	if err != nil {
		return Call{}, err
	}
	return c.act(ctx, domain.EventCancelCall, call, true)
}

// EndCall hangs up whatever call is in progress
func (c *Client) EndCall(ctx context.Context) (Call, error) {
	call, err := c.require(func(s domain.CallState, _ bool) bool {
		return !s.IsTerminal()
	}, "no call to end")
	if err != nil {
		return Call{}, err
	}
	return c.act(ctx, domain.EventEndCall, call, true)
}

// act sends a call action and reconciles from the session the relay
// returns. When the relay cannot be reached, a hang-up style action still
// ends the call locally so media is released.
func (c *Client) act(ctx context.Context, event string, call Call, endsLocally bool) (Call, error) {
	result, err := c.transport.EmitWithAck(ctx, event, &domain.CallAction{
		CallID:       call.ID,
		TargetUserID: call.PeerID,
	})
	if err != nil {
		if endsLocally && apperrors.Is(err, apperrors.ErrCodeNetwork) {
			state, reason := localEnd(call)
			logger.Warn("Relay unreachable, ending call locally",
				zap.String("call_id", call.ID),
				zap.String("event", event),
				zap.Error(err))
			c.apply(call.ID, state, reason)
		}
		return c.snapshot(call.ID), err
	}

	c.reconcile(result)
	return c.snapshot(call.ID), nil
}

// SendOffer relays a session description offer to the peer
func (c *Client) SendOffer(data json.RawMessage) error {
	return c.sendSignal(domain.EventOffer, data)
}

// SendAnswer relays a session description answer to the peer
func (c *Client) SendAnswer(data json.RawMessage) error {
	return c.sendSignal(domain.EventAnswer, data)
}

// SendICECandidate relays one ICE candidate to the peer
func (c *Client) SendICECandidate(data json.RawMessage) error {
	return c.sendSignal(domain.EventICECandidate, data)
}

func (c *Client) sendSignal(event string, data json.RawMessage) error {
	call, err := c.require(func(s domain.CallState, _ bool) bool {
		return s.IsConnected()
	}, "signaling needs an accepted call")
	if err != nil {
		return err
	}
	return c.transport.Emit(event, &domain.Signal{
		CallID:       call.ID,
		TargetUserID: call.PeerID,
		Data:         data,
	})
}

// Close hangs up any call in progress and detaches from the transport
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var live *Call
	if c.current != nil && !c.current.State.IsTerminal() {
		cp := *c.current
		live = &cp
	}
	c.mu.Unlock()

	if live != nil {
		_ = c.transport.Emit(domain.EventEndCall, &domain.CallAction{CallID: live.ID, TargetUserID: live.PeerID})
		state, reason := localEnd(*live)
		c.apply(live.ID, state, reason)
	}

	for _, sub := range c.subs {
		sub.Unsubscribe()
	}

	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
}

func (c *Client) require(ok func(domain.CallState, bool) bool, msg string) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !ok(c.current.State, c.current.Outgoing) {
		return Call{}, apperrors.ProtocolError(msg)
	}
	return *c.current, nil
}

func (c *Client) snapshot(callID string) Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.ID != callID {
		return Call{}
	}
	return *c.current
}

// localEnd mirrors how the relay resolves end_call for the call's phase
func localEnd(call Call) (domain.CallState, domain.EndReason) {
	switch {
	case call.State.IsConnected():
		return domain.CallStateEnded, domain.EndReasonHangup
	case call.Outgoing:
		return domain.CallStateCancelled, domain.EndReasonCancel
	default:
		return domain.CallStateRejected, domain.EndReasonReject
	}
}
