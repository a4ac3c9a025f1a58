package chat

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"callrelay-backend/internal/client/transport"
	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/logger"
)

const (
	seenWindow    = 512
	resyncTimeout = 15 * time.Second
)

func (p *Pipeline) onNewMessage(data json.RawMessage) {
	var msg domain.Message
	if err := domain.Decode(data, &msg); err != nil {
		logger.Warn("Dropped malformed new_message", zap.Error(err))
		return
	}
	if msg.Status == "" || msg.Status == domain.MessageSending {
		msg.Status = domain.MessageSent
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	typingCleared := false
	if msg.ConversationID == p.open {
		typingCleared = p.clearPeerLocked(msg.SenderID)
	}

	kind := UpdatePreview
	if msg.ConversationID == p.open {
		p.placeLocked(msg)
		p.previewLocked(msg, false)
		kind = UpdateTimeline
	} else {
		p.previewLocked(msg, msg.SenderID != p.userID)
	}
	p.mu.Unlock()

	if typingCleared {
		p.notify(Update{Kind: UpdateTyping, ConversationID: msg.ConversationID})
	}
	p.notify(Update{Kind: kind, ConversationID: msg.ConversationID, Message: &msg})
}

func (p *Pipeline) onTyping(start bool) transport.Handler {
	return func(data json.RawMessage) {
		var t domain.Typing
		if err := domain.Decode(data, &t); err != nil {
			logger.Warn("Dropped malformed typing event", zap.Error(err))
			return
		}

		p.mu.Lock()
		if p.closed || t.ConversationID != p.open || t.UserID == "" || t.UserID == p.userID {
			p.mu.Unlock()
			return
		}
		changed := true
		if start {
			_, typing := p.peers[t.UserID]
			p.markPeerLocked(t.UserID)
			changed = !typing
		} else {
			changed = p.clearPeerLocked(t.UserID)
		}
		p.mu.Unlock()

		if changed {
			p.notify(Update{Kind: UpdateTyping, ConversationID: t.ConversationID})
		}
	}
}

// onTransportState rejoins the open room after a reconnect. The relay
// forgets room membership when a socket drops.
func (p *Pipeline) onTransportState(st transport.State) {
	switch st {
	case transport.StateDisconnected, transport.StateReconnecting, transport.StateConnectionFailed:
		p.mu.Lock()
		p.wasDown = true
		cleared := len(p.peers) > 0
		p.clearPeersLocked()
		open := p.open
		p.mu.Unlock()

		p.typing.Stop()
		if cleared {
			p.notify(Update{Kind: UpdateTyping, ConversationID: open})
		}

	case transport.StateConnected:
		p.mu.Lock()
		rejoin := p.wasDown && !p.closed && p.open != ""
		p.wasDown = false
		open := p.open
		p.mu.Unlock()

		if !rejoin {
			return
		}
		if err := p.transport.Emit(domain.EventJoinConversation, &domain.ConversationRef{ConversationID: open}); err != nil {
			logger.Warn("Rejoin failed", zap.String("conversation_id", open), zap.Error(err))
			return
		}
		go p.resync(open)
	}
}

// resync merges history that may have been missed while disconnected
func (p *Pipeline) resync(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	page, err := p.api.ListMessages(ctx, conversationID)
	if err != nil {
		logger.Warn("History resync failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	p.mu.Lock()
	if p.closed || p.open != conversationID {
		p.mu.Unlock()
		return
	}
	for _, msg := range page.Messages {
		if p.indexByIDLocked(msg.ID) < 0 {
			p.placeLocked(msg)
		}
	}
	p.mu.Unlock()

	p.notify(Update{Kind: UpdateTimeline, ConversationID: conversationID})
}

// placeLocked puts a stored message into the timeline exactly once. It
// takes the place of the sender's pending entry, matched by client id or,
// for echoes without one, by content. A copy already placed is replaced.
func (p *Pipeline) placeLocked(msg domain.Message) {
	byID := p.indexByIDLocked(msg.ID)
	pending := p.indexByClientIDLocked(msg.ClientID)
	if pending < 0 && byID < 0 && msg.ClientID == "" && msg.SenderID == p.userID {
		pending = p.pendingByContentLocked(msg.Content)
	}

	switch {
	case pending >= 0:
		if msg.ClientID == "" {
			msg.ClientID = p.timeline[pending].ClientID
		}
		p.timeline[pending] = msg
		if byID >= 0 && byID != pending {
			p.timeline = append(p.timeline[:byID], p.timeline[byID+1:]...)
		}
	case byID >= 0:
		if msg.ClientID == "" {
			msg.ClientID = p.timeline[byID].ClientID
		}
		p.timeline[byID] = msg
	default:
		p.timeline = append(p.timeline, msg)
	}
}

func (p *Pipeline) pendingByContentLocked(content string) int {
	for i, msg := range p.timeline {
		if msg.ID == "" && msg.SenderID == p.userID && msg.Status == domain.MessageSending && msg.Content == content {
			return i
		}
	}
	return -1
}

// previewLocked records msg as its conversation's latest message. Each
// message id counts toward unread at most once.
func (p *Pipeline) previewLocked(msg domain.Message, unread bool) {
	conv, ok := p.previews[msg.ConversationID]
	if !ok {
		conv = &domain.Conversation{ID: msg.ConversationID}
		p.previews[msg.ConversationID] = conv
	}
	last := msg
	conv.LastMessage = &last
	conv.UpdatedAt = msg.CreatedAt
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now()
	}
	if unread && p.firstSightingLocked(msg.ID) {
		conv.UnreadCount++
	}
}

func (p *Pipeline) firstSightingLocked(id string) bool {
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
	if len(p.seenOrder) > seenWindow {
		delete(p.seen, p.seenOrder[0])
		p.seenOrder = p.seenOrder[1:]
	}
	return true
}

func (p *Pipeline) markPeerLocked(userID string) {
	if timer, ok := p.peers[userID]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(p.cfg.PeerTypingTTL, func() {
		p.mu.Lock()
		current, ok := p.peers[userID]
		if !ok || current != timer {
			p.mu.Unlock()
			return
		}
		delete(p.peers, userID)
		open := p.open
		p.mu.Unlock()
		p.notify(Update{Kind: UpdateTyping, ConversationID: open})
	})
	p.peers[userID] = timer
}

func (p *Pipeline) clearPeerLocked(userID string) bool {
	timer, ok := p.peers[userID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(p.peers, userID)
	return true
}

func (p *Pipeline) clearPeersLocked() {
	for userID, timer := range p.peers {
		timer.Stop()
		delete(p.peers, userID)
	}
}
