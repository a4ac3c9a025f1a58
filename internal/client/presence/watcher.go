// Package presence keeps the client's view of other users' presence,
// fed by user_status replies and the relay's activity pushes.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/client/transport"
	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

// Transport is the part of the relay session the watcher uses
type Transport interface {
	On(event string, handler transport.Handler) *transport.Subscription
	OnState(handler transport.StateHandler) *transport.Subscription
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Watcher caches presence records and tracks which users are watched.
// The relay forgets subscriptions when the socket drops, so they are
// renewed after every reconnect.
type Watcher struct {
	transport Transport
	subs      []*transport.Subscription

	mu        sync.Mutex
	cache     map[string]domain.PresenceRecord
	watched   map[string]int
	listeners map[uint64]func(domain.PresenceRecord)
	nextID    uint64
	wasDown   bool
	closed    bool
}

// NewWatcher creates a watcher and subscribes it to the transport
func NewWatcher(t Transport) *Watcher {
	w := &Watcher{
		transport: t,
		cache:     make(map[string]domain.PresenceRecord),
		watched:   make(map[string]int),
		listeners: make(map[uint64]func(domain.PresenceRecord)),
	}
	for _, event := range []string{domain.EventUserStatus, domain.EventUserActivity, domain.EventUserOffline} {
		w.subs = append(w.subs, t.On(event, w.onRecord(event)))
	}
	w.subs = append(w.subs, t.OnState(w.onTransportState))
	return w
}

// OnChange registers a listener for every cached record change
func (w *Watcher) OnChange(fn func(domain.PresenceRecord)) *transport.Subscription {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.listeners[id] = fn
	w.mu.Unlock()

	return transport.NewSubscription(func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	})
}

// Get returns the cached record for userID
func (w *Watcher) Get(userID string) (domain.PresenceRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.cache[userID]
	return rec, ok
}

// Query asks the relay for userID's presence. The relay subscribes the
// caller as a side effect, so the user counts as watched afterwards.
func (w *Watcher) Query(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	rec, err := w.request(ctx, domain.EventGetUserStatus, userID)
	if err != nil {
		return rec, err
	}
	w.mu.Lock()
	if w.watched[userID] == 0 {
		w.watched[userID] = 1
	}
	w.mu.Unlock()
	return rec, nil
}

// Watch subscribes to userID's presence changes. Calls are counted and
// the relay subscription is dropped by the matching last Unwatch.
func (w *Watcher) Watch(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	rec, err := w.request(ctx, domain.EventSubscribePresence, userID)
	if err != nil {
		return rec, err
	}
	w.mu.Lock()
	w.watched[userID]++
	w.mu.Unlock()
	return rec, nil
}

// Unwatch releases one Watch of userID
func (w *Watcher) Unwatch(userID string) {
	w.mu.Lock()
	n, ok := w.watched[userID]
	if !ok {
		w.mu.Unlock()
		return
	}
	if n > 1 {
		w.watched[userID] = n - 1
		w.mu.Unlock()
		return
	}
	delete(w.watched, userID)
	w.mu.Unlock()

	if err := w.transport.Emit(domain.EventUnsubscribePresence, &domain.StatusQuery{UserID: userID}); err != nil {
		logger.Debug("unsubscribe_presence not sent", zap.String("user_id", userID), zap.Error(err))
	}
}

// Watched returns the number of watched users
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// SetStatus changes the signed-in user's advertised status
func (w *Watcher) SetStatus(ctx context.Context, status domain.PresenceStatus) (domain.PresenceRecord, error) {
	update := &domain.StatusUpdate{Status: status}
	if err := update.Validate(); err != nil {
		return domain.PresenceRecord{}, err
	}
	result, err := w.transport.EmitWithAck(ctx, domain.EventSetStatus, update)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	var rec domain.PresenceRecord
	if err := json.Unmarshal(result, &rec); err != nil {
		return domain.PresenceRecord{}, apperrors.Wrap(apperrors.ErrCodeProtocol, "malformed set_status result", err)
	}
	return rec, nil
}

// RunHeartbeat refreshes the signed-in user's last-seen time until ctx ends
func (w *Watcher) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.transport.Emit(domain.EventHeartbeat, nil); err != nil {
				logger.Debug("Heartbeat skipped", zap.Error(err))
			}
		}
	}
}

// Close drops every relay subscription and detaches from the transport
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	watched := make([]string, 0, len(w.watched))
	for userID := range w.watched {
		watched = append(watched, userID)
	}
	w.watched = make(map[string]int)
	w.mu.Unlock()

	for _, userID := range watched {
		_ = w.transport.Emit(domain.EventUnsubscribePresence, &domain.StatusQuery{UserID: userID})
	}
	for _, sub := range w.subs {
		sub.Unsubscribe()
	}
}

func (w *Watcher) request(ctx context.Context, event, userID string) (domain.PresenceRecord, error) {
	query := &domain.StatusQuery{UserID: userID}
	if err := query.Validate(); err != nil {
		return domain.PresenceRecord{}, err
	}

	result, err := w.transport.EmitWithAck(ctx, event, query)
	if err != nil {
		return domain.PresenceRecord{}, err
	}

	var rec domain.PresenceRecord
	if err := domain.Decode(result, &rec); err != nil {
		return domain.PresenceRecord{}, apperrors.Wrap(apperrors.ErrCodeProtocol, "malformed presence record", err)
	}
	w.store(rec)
	return rec, nil
}

func (w *Watcher) onRecord(event string) transport.Handler {
	return func(data json.RawMessage) {
		var rec domain.PresenceRecord
		if err := domain.Decode(data, &rec); err != nil {
			logger.Warn("Dropped malformed presence event", zap.String("event", event), zap.Error(err))
			return
		}
		if event == domain.EventUserOffline {
			rec.IsOnline = false
		}
		w.store(rec)
	}
}

// store caches rec and notifies listeners. A record older than the cached
// one is ignored.
func (w *Watcher) store(rec domain.PresenceRecord) {
	rec.Normalize()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if prev, ok := w.cache[rec.UserID]; ok {
		if rec.LastSeenAt.Before(prev.LastSeenAt) {
			w.mu.Unlock()
			return
		}
		if prev.IsOnline == rec.IsOnline && prev.Status == rec.Status && prev.LastSeenAt.Equal(rec.LastSeenAt) {
			w.mu.Unlock()
			return
		}
	}
	w.cache[rec.UserID] = rec
	listeners := make([]func(domain.PresenceRecord), 0, len(w.listeners))
	for _, fn := range w.listeners {
		listeners = append(listeners, fn)
	}
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(rec)
	}
}

// onTransportState renews relay subscriptions after a reconnect. Each
// get_user_status answers with a fresh user_status push.
func (w *Watcher) onTransportState(st transport.State) {
	switch st {
	case transport.StateDisconnected, transport.StateReconnecting, transport.StateConnectionFailed:
		w.mu.Lock()
		w.wasDown = true
		w.mu.Unlock()

	case transport.StateConnected:
		w.mu.Lock()
		renew := w.wasDown && !w.closed
		w.wasDown = false
		watched := make([]string, 0, len(w.watched))
		for userID := range w.watched {
			watched = append(watched, userID)
		}
		w.mu.Unlock()

		if !renew {
			return
		}
		for _, userID := range watched {
			if err := w.transport.Emit(domain.EventGetUserStatus, &domain.StatusQuery{UserID: userID}); err != nil {
				logger.Warn("Presence renewal failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}
}
