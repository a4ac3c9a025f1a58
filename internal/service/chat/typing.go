package chat

import (
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	indicator domain.TypingIndicator
	timer     *time.Timer
}

// TypingStart relays typing_start to the other members and arms the safety
// TTL. Repeated starts only extend the TTL.
func (s *Service) TypingStart(userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isMemberLocked(userID, conversationID) {
		return apperrors.ProtocolError("not joined to conversation")
	}

	key := typingKey{conversationID: conversationID, userID: userID}
	expiresAt := time.Now().Add(s.cfg.TypingTTL)

	if e, ok := s.typing[key]; ok {
		if e.timer.Stop() {
			e.indicator.ExpiresAt = expiresAt
			e.timer.Reset(s.cfg.TypingTTL)
			return nil
		}
		// Expiry already fired and waits on the lock; a new entry makes it stale
		fresh := &typingEntry{indicator: e.indicator}
		fresh.indicator.ExpiresAt = expiresAt
		fresh.timer = time.AfterFunc(s.cfg.TypingTTL, func() { s.expireTyping(key, fresh) })
		s.typing[key] = fresh
		return nil
	}

	e := &typingEntry{
		indicator: domain.TypingIndicator{
			ConversationID: conversationID,
			UserID:         userID,
			ExpiresAt:      expiresAt,
		},
	}
	e.timer = time.AfterFunc(s.cfg.TypingTTL, func() { s.expireTyping(key, e) })
	s.typing[key] = e

	s.broadcastLocked(conversationID, userID, domain.EventTypingStart, domain.Typing{
		ConversationID: conversationID,
		UserID:         userID,
	})
	s.metrics.RecordTypingEvent(domain.EventTypingStart)
	return nil
}

// TypingStop relays typing_stop. Stopping when not typing is a no-op.
func (s *Service) TypingStop(userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isMemberLocked(userID, conversationID) {
		return apperrors.ProtocolError("not joined to conversation")
	}
	s.stopTypingLocked(typingKey{conversationID: conversationID, userID: userID})
	return nil
}

// Typing returns the live indicators of a conversation
func (s *Service) Typing(conversationID string) []domain.TypingIndicator {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TypingIndicator
	for key, e := range s.typing {
		if key.conversationID == conversationID {
			out = append(out, e.indicator)
		}
	}
	return out
}

func (s *Service) stopTypingLocked(key typingKey) {
	e, ok := s.typing[key]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(s.typing, key)

	s.broadcastLocked(key.conversationID, key.userID, domain.EventTypingStop, domain.Typing{
		ConversationID: key.conversationID,
		UserID:         key.userID,
	})
	s.metrics.RecordTypingEvent(domain.EventTypingStop)
}

func (s *Service) expireTyping(key typingKey, e *typingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A stop or a fresh start may have replaced the entry meanwhile
	if s.typing[key] != e {
		return
	}
	logger.Debug("Typing indicator expired",
		zap.String("user_id", key.userID),
		zap.String("conversation_id", key.conversationID))
	s.stopTypingLocked(key)
}
