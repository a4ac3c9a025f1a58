// Package chat is the relay half of the chat delivery pipeline: conversation
// rooms, new_message fan-out and the typing relay.
package chat

import (
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

// Config holds chat timing
type Config struct {
	// TypingTTL clears a typing indicator whose stop never arrived
	TypingTTL time.Duration
}

// recentWindow is how many message ids per conversation are remembered to
// keep the relay path and the fan-in path from delivering the same message twice
const recentWindow = 256

const (
	sourceRelay = "relay"
	sourceFanIn = "fanin"
)

// Service tracks room membership and relays chat events between members
type Service struct {
	cfg      Config
	notifier Notifier
	metrics  *metrics.Metrics

	mu sync.Mutex
	// conversation -> members
	rooms map[string]map[string]struct{}
	// user -> conversations
	memberships map[string]map[string]struct{}
	typing      map[typingKey]*typingEntry
	recent      map[string]*recentIDs
}

// NewService creates a new chat service
func NewService(cfg Config, notifier Notifier, m *metrics.Metrics) *Service {
	return &Service{
		cfg:         cfg,
		notifier:    notifier,
		metrics:     m,
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
		typing:      make(map[typingKey]*typingEntry),
		recent:      make(map[string]*recentIDs),
	}
}

// Join adds userID to the conversation room. Joining twice is a no-op.
func (s *Service) Join(userID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rooms[conversationID] == nil {
		s.rooms[conversationID] = make(map[string]struct{})
	}
	s.rooms[conversationID][userID] = struct{}{}
	if s.memberships[userID] == nil {
		s.memberships[userID] = make(map[string]struct{})
	}
	s.memberships[userID][conversationID] = struct{}{}

	logger.Debug("Joined conversation",
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID))
}

// Leave removes userID from the room, clearing their typing indicator first
func (s *Service) Leave(userID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaveLocked(userID, conversationID)
}

// LeaveAll removes userID from every room. Called on disconnect.
func (s *Service) LeaveAll(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conversationID := range s.memberships[userID] {
		s.leaveLocked(userID, conversationID)
	}
}

// Members returns the users currently joined to a conversation
func (s *Service) Members(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.rooms[conversationID]))
	for userID := range s.rooms[conversationID] {
		out = append(out, userID)
	}
	return out
}

// MessageSent relays a message the sender already persisted through the
// REST layer to the other members of the room. The sender's typing
// indicator is cleared before the message goes out.
func (s *Service) MessageSent(userID string, msg domain.Message) (domain.Message, error) {
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	msg.SenderID = userID
	if msg.Status == "" || msg.Status == domain.MessageSending {
		msg.Status = domain.MessageSent
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isMemberLocked(userID, msg.ConversationID) {
		return msg, apperrors.ProtocolError("not joined to conversation")
	}

	s.stopTypingLocked(typingKey{conversationID: msg.ConversationID, userID: userID})

	if !s.rememberLocked(msg) {
		return msg, nil
	}
	s.broadcastLocked(msg.ConversationID, userID, domain.EventNewMessage, msg)
	s.metrics.RecordChatMessage(sourceRelay)

	return msg, nil
}

// Deliver fans a persisted message out to every member of its room,
// sender included so their client can reconcile the echo.
func (s *Service) Deliver(msg domain.Message) {
	if err := msg.Validate(); err != nil {
		logger.Warn("Dropping undeliverable message", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.SenderID != "" {
		s.stopTypingLocked(typingKey{conversationID: msg.ConversationID, userID: msg.SenderID})
	}
	if !s.rememberLocked(msg) {
		return
	}
	s.broadcastLocked(msg.ConversationID, "", domain.EventNewMessage, msg)
	s.metrics.RecordChatMessage(sourceFanIn)
}

// Close stops every pending typing timer
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.typing {
		e.timer.Stop()
		delete(s.typing, key)
	}
}

func (s *Service) isMemberLocked(userID, conversationID string) bool {
	_, ok := s.rooms[conversationID][userID]
	return ok
}

func (s *Service) leaveLocked(userID, conversationID string) {
	if !s.isMemberLocked(userID, conversationID) {
		return
	}
	s.stopTypingLocked(typingKey{conversationID: conversationID, userID: userID})

	delete(s.rooms[conversationID], userID)
	if len(s.rooms[conversationID]) == 0 {
		delete(s.rooms, conversationID)
		delete(s.recent, conversationID)
	}
	delete(s.memberships[userID], conversationID)
	if len(s.memberships[userID]) == 0 {
		delete(s.memberships, userID)
	}
}

// broadcastLocked emits to every member except skip. Holding the lock
// keeps per-conversation delivery in server-receipt order.
func (s *Service) broadcastLocked(conversationID, skip, event string, payload any) {
	for member := range s.rooms[conversationID] {
		if member == skip {
			continue
		}
		if err := s.notifier.Emit(member, event, payload); err != nil {
			logger.Debug("Chat event not delivered",
				zap.String("event", event),
				zap.String("user_id", member),
				zap.String("conversation_id", conversationID),
				zap.Error(err))
		}
	}
}

// rememberLocked records msg's id and reports whether it is new
func (s *Service) rememberLocked(msg domain.Message) bool {
	r, ok := s.recent[msg.ConversationID]
	if !ok {
		r = newRecentIDs(recentWindow)
		s.recent[msg.ConversationID] = r
	}
	return r.add(msg.ID)
}

type recentIDs struct {
	ids  []string
	set  map[string]struct{}
	next int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{
		ids: make([]string, size),
		set: make(map[string]struct{}, size),
	}
}

func (r *recentIDs) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
	return true
}
