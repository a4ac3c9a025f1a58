// Package presence tracks which users are connected to this relay and pushes
// changes to the users who asked about them.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// Notifier delivers an event to a connected user
type Notifier interface {
	Emit(userID, event string, payload any) error
}

// Mirror receives a copy of every record change. Best effort.
type Mirror interface {
	Save(ctx context.Context, rec domain.PresenceRecord) error
	Refresh(ctx context.Context, userID string) error
}

// Registry is the relay's presence table. Deltas go only to subscribers
// of the user that changed.
type Registry struct {
	mu      sync.Mutex
	records map[string]*domain.PresenceRecord
	// target -> subscribers
	watchers map[string]map[string]struct{}
	// subscriber -> targets
	watching map[string]map[string]struct{}
	online   int

	notifier Notifier
	mirror   Mirror
	metrics  *metrics.Metrics
}

// NewRegistry creates a registry. mirror may be nil.
func NewRegistry(notifier Notifier, mirror Mirror, m *metrics.Metrics) *Registry {
	return &Registry{
		records:  make(map[string]*domain.PresenceRecord),
		watchers: make(map[string]map[string]struct{}),
		watching: make(map[string]map[string]struct{}),
		notifier: notifier,
		mirror:   mirror,
		metrics:  m,
	}
}

// SetOnline marks userID connected and broadcasts user_activity
func (r *Registry) SetOnline(ctx context.Context, userID string) domain.PresenceRecord {
	r.mu.Lock()
	rec, ok := r.records[userID]
	if !ok {
		rec = &domain.PresenceRecord{UserID: userID}
		r.records[userID] = rec
	}
	if !rec.IsOnline {
		r.online++
	}
	rec.IsOnline = true
	rec.Status = domain.PresenceOnline
	rec.LastSeenAt = time.Now()
	rec.Normalize()
	snapshot := *rec
	r.broadcastLocked(snapshot, domain.EventUserActivity)
	r.metrics.SetOnlineUsers(r.online)
	r.mu.Unlock()

	r.mirrorSave(ctx, snapshot)
	return snapshot
}

// SetOffline marks userID disconnected and broadcasts user_offline. It is a
// no-op for users already offline.
func (r *Registry) SetOffline(ctx context.Context, userID string) domain.PresenceRecord {
	r.mu.Lock()
	rec, ok := r.records[userID]
	if !ok || !rec.IsOnline {
		r.mu.Unlock()
		if ok {
			return *rec
		}
		return domain.OfflineRecord(userID)
	}
	r.online--
	rec.IsOnline = false
	rec.LastSeenAt = time.Now()
	rec.Normalize()
	snapshot := *rec
	r.broadcastLocked(snapshot, domain.EventUserOffline)
	r.metrics.SetOnlineUsers(r.online)
	r.mu.Unlock()

	r.mirrorSave(ctx, snapshot)
	return snapshot
}

// Heartbeat refreshes lastSeenAt without broadcasting
func (r *Registry) Heartbeat(ctx context.Context, userID string) {
	r.mu.Lock()
	rec, ok := r.records[userID]
	if ok && rec.IsOnline {
		rec.LastSeenAt = time.Now()
	}
	r.mu.Unlock()

	if ok && r.mirror != nil {
		if err := r.mirror.Refresh(ctx, userID); err != nil {
			logger.Debug("Presence mirror refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// SetStatus changes the advertised status of a connected user
func (r *Registry) SetStatus(ctx context.Context, userID string, status domain.PresenceStatus) (domain.PresenceRecord, error) {
	r.mu.Lock()
	rec, ok := r.records[userID]
	if !ok || !rec.IsOnline {
		r.mu.Unlock()
		return domain.OfflineRecord(userID), apperrors.ValidationError("user is not online")
	}
	if rec.Status == status {
		snapshot := *rec
		r.mu.Unlock()
		return snapshot, nil
	}
	rec.Status = status
	rec.LastSeenAt = time.Now()
	rec.Normalize()
	snapshot := *rec
	r.broadcastLocked(snapshot, domain.EventUserActivity)
	r.mu.Unlock()

	r.mirrorSave(ctx, snapshot)
	return snapshot, nil
}

// GetStatus returns userID's record. Unknown users are offline.
func (r *Registry) GetStatus(userID string) domain.PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[userID]; ok {
		return *rec
	}
	return domain.OfflineRecord(userID)
}

// Query returns target's record and subscribes subscriber to its deltas
func (r *Registry) Query(subscriber, target string) domain.PresenceRecord {
	r.Subscribe(subscriber, target)
	return r.GetStatus(target)
}

// Subscribe registers subscriber for target's deltas
func (r *Registry) Subscribe(subscriber, target string) {
	if subscriber == target {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watchers[target] == nil {
		r.watchers[target] = make(map[string]struct{})
	}
	r.watchers[target][subscriber] = struct{}{}
	if r.watching[subscriber] == nil {
		r.watching[subscriber] = make(map[string]struct{})
	}
	r.watching[subscriber][target] = struct{}{}
	r.metrics.SetPresenceSubscriptions(r.countSubscriptionsLocked())
}

// Unsubscribe stops delivering target's deltas to subscriber
func (r *Registry) Unsubscribe(subscriber, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsubscribeLocked(subscriber, target)
	r.metrics.SetPresenceSubscriptions(r.countSubscriptionsLocked())
}

// DropSubscriber removes every subscription held by subscriber
func (r *Registry) DropSubscriber(subscriber string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for target := range r.watching[subscriber] {
		r.unsubscribeLocked(subscriber, target)
	}
	r.metrics.SetPresenceSubscriptions(r.countSubscriptionsLocked())
}

// Subscribers returns who is watching target
func (r *Registry) Subscribers(target string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.watchers[target]))
	for s := range r.watchers[target] {
		out = append(out, s)
	}
	return out
}

func (r *Registry) unsubscribeLocked(subscriber, target string) {
	if set, ok := r.watchers[target]; ok {
		delete(set, subscriber)
		if len(set) == 0 {
			delete(r.watchers, target)
		}
	}
	if set, ok := r.watching[subscriber]; ok {
		delete(set, target)
		if len(set) == 0 {
			delete(r.watching, subscriber)
		}
	}
}

func (r *Registry) countSubscriptionsLocked() int {
	n := 0
	for _, set := range r.watchers {
		n += len(set)
	}
	return n
}

// broadcastLocked emits under the lock so deltas for one user reach every
// subscriber in the order they happened. Emit never blocks.
func (r *Registry) broadcastLocked(rec domain.PresenceRecord, event string) {
	for subscriber := range r.watchers[rec.UserID] {
		if err := r.notifier.Emit(subscriber, event, rec); err != nil {
			logger.Debug("Presence delta not delivered",
				zap.String("user_id", rec.UserID),
				zap.String("subscriber", subscriber),
				zap.Error(err))
			continue
		}
		r.metrics.RecordPresenceDelta(event)
	}
}

func (r *Registry) mirrorSave(ctx context.Context, rec domain.PresenceRecord) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Save(ctx, rec); err != nil {
		logger.Debug("Presence mirror write failed", zap.String("user_id", rec.UserID), zap.Error(err))
	}
}
