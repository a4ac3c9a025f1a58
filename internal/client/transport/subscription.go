package transport

import "sync"

// Subscription releases one handler registration. Unsubscribe is safe to
// call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps cancel as a Subscription. It lets other event
// sources hand out the same release handle as Session.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Unsubscribe removes the handler
func (sub *Subscription) Unsubscribe() {
	if sub == nil {
		return
	}
	sub.once.Do(sub.cancel)
}

// On registers handler for event until the returned subscription is released
func (s *Session) On(event string, handler Handler) *Subscription {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: id, fn: handler})
	s.mu.Unlock()

	return NewSubscription(func() { s.off(event, id) })
}

// OnState registers a connection state observer
func (s *Session) OnState(handler StateHandler) *Subscription {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = handler
	s.mu.Unlock()

	return NewSubscription(func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	})
}

// HandlerCount reports how many handlers are registered for event
func (s *Session) HandlerCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

func (s *Session) off(event string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.handlers[event]
	for i, e := range entries {
		if e.id == id {
			s.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.handlers[event]) == 0 {
		delete(s.handlers, event)
	}
}
