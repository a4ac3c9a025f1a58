// Package transporttest provides an in-memory stand-in for a relay session
// so client components can be driven without a socket.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"callrelay-backend/internal/client/transport"
	apperrors "callrelay-backend/pkg/errors"
)

// Emitted is one event a component sent
type Emitted struct {
	Event   string
	Payload json.RawMessage
	WithAck bool
}

// AckFunc answers an EmitWithAck. The result is marshaled as the ack result.
type AckFunc func(event string, payload json.RawMessage) (any, error)

// Fake records emitted events and delivers inbound ones synchronously
type Fake struct {
	mu        sync.Mutex
	nextID    uint64
	handlers  map[string]map[uint64]transport.Handler
	order     map[string][]uint64
	watchers  map[uint64]transport.StateHandler
	emitted   []Emitted
	state     transport.State
	ackFunc   AckFunc
	emitError error
}

// New returns a connected fake that acks everything with an empty result
func New() *Fake {
	return &Fake{
		handlers: make(map[string]map[uint64]transport.Handler),
		order:    make(map[string][]uint64),
		watchers: make(map[uint64]transport.StateHandler),
		state:    transport.StateConnected,
	}
}

// SetAckFunc installs the ack responder
func (f *Fake) SetAckFunc(fn AckFunc) {
	f.mu.Lock()
	f.ackFunc = fn
	f.mu.Unlock()
}

// SetEmitError makes every emit fail with err until reset with nil
func (f *Fake) SetEmitError(err error) {
	f.mu.Lock()
	f.emitError = err
	f.mu.Unlock()
}

func (f *Fake) On(event string, handler transport.Handler) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[uint64]transport.Handler)
	}
	f.handlers[event][id] = handler
	f.order[event] = append(f.order[event], id)
	return transport.NewSubscription(func() {
		f.mu.Lock()
		delete(f.handlers[event], id)
		f.mu.Unlock()
	})
}

func (f *Fake) OnState(handler transport.StateHandler) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.watchers[id] = handler
	return transport.NewSubscription(func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	})
}

func (f *Fake) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Emit(event string, payload any) error {
	_, err := f.record(event, payload, false)
	return err
}

func (f *Fake) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := f.record(event, payload, true)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NetworkError("no ack for "+event, err)
	}

	f.mu.Lock()
	fn := f.ackFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}

	result, err := fn(event, data)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}

func (f *Fake) record(event string, payload any, withAck bool) (json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeValidation, "invalid payload", err)
		}
		data = raw
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateConnected {
		return nil, apperrors.NetworkError("not connected to relay", nil)
	}
	if f.emitError != nil {
		return nil, f.emitError
	}
	f.emitted = append(f.emitted, Emitted{Event: event, Payload: data, WithAck: withAck})
	return data, nil
}

// Deliver hands an inbound event to its handlers on the calling goroutine
func (f *Fake) Deliver(event string, payload any) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		data, _ = json.Marshal(p)
	}

	f.mu.Lock()
	var handlers []transport.Handler
	for _, id := range f.order[event] {
		if h, ok := f.handlers[event][id]; ok {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// SetState changes the connection state and notifies observers
func (f *Fake) SetState(st transport.State) {
	f.mu.Lock()
	f.state = st
	watchers := make([]transport.StateHandler, 0, len(f.watchers))
	for _, w := range f.watchers {
		watchers = append(watchers, w)
	}
	f.mu.Unlock()

	for _, w := range watchers {
		w(st)
	}
}

// Emitted returns everything sent so far
func (f *Fake) Emitted() []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Emitted(nil), f.emitted...)
}

// Events returns the names of everything sent so far
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.emitted))
	for i, e := range f.emitted {
		names[i] = e.Event
	}
	return names
}

// Count returns how many times event was sent
func (f *Fake) Count(event string) int {
	n := 0
	for _, name := range f.Events() {
		if name == event {
			n++
		}
	}
	return n
}

// Last returns the most recent emit of event
func (f *Fake) Last(event string) (Emitted, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emitted) - 1; i >= 0; i-- {
		if f.emitted[i].Event == event {
			return f.emitted[i], true
		}
	}
	return Emitted{}, false
}

// HandlerCount reports live handlers for event
func (f *Fake) HandlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

// WatcherCount reports live state observers
func (f *Fake) WatcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}
