// Package chat is the client half of message delivery: optimistic sends
// reconciled against the stored record, the open conversation's timeline,
// previews and unread counters for the rest, and typing indicators in both
// directions.
package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/client/restapi"
	"callrelay-backend/internal/client/transport"
	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

// Transport is the part of the relay session the pipeline uses
type Transport interface {
	On(event string, handler transport.Handler) *transport.Subscription
	OnState(handler transport.StateHandler) *transport.Subscription
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// API is the persistence layer
type API interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) (*restapi.MessagePage, error)
	Send(ctx context.Context, req restapi.SendRequest) (*domain.Message, error)
}

// Config holds the pipeline timers
type Config struct {
	// TypingIdle is how long after the last keystroke typing_stop is sent
	TypingIdle time.Duration
	// PeerTypingTTL clears a peer's indicator if their stop never arrives.
	// Zero means three idle windows.
	PeerTypingTTL time.Duration
}

// UpdateKind says which part of the pipeline's state changed
type UpdateKind string

const (
	UpdateTimeline UpdateKind = "timeline"
	UpdatePreview  UpdateKind = "preview"
	UpdateTyping   UpdateKind = "typing"
)

// Update is delivered to listeners after every change
type Update struct {
	Kind           UpdateKind
	ConversationID string
	Message        *domain.Message
}

// Pipeline owns the chat state of one signed-in user
type Pipeline struct {
	cfg       Config
	userID    string
	transport Transport
	api       API
	typing    *TypingNotifier
	subs      []*transport.Subscription

	mu        sync.Mutex
	open      string
	timeline  []domain.Message
	previews  map[string]*domain.Conversation
	peers     map[string]*time.Timer
	seen      map[string]struct{}
	seenOrder []string
	listeners map[uint64]func(Update)
	nextID    uint64
	wasDown   bool
	closed    bool
}

// NewPipeline creates a pipeline for userID and subscribes it to the transport
func NewPipeline(cfg Config, userID string, t Transport, api API) *Pipeline {
	if cfg.PeerTypingTTL <= 0 {
		cfg.PeerTypingTTL = 3 * cfg.TypingIdle
	}
	p := &Pipeline{
		cfg:       cfg,
		userID:    userID,
		transport: t,
		api:       api,
		previews:  make(map[string]*domain.Conversation),
		peers:     make(map[string]*time.Timer),
		seen:      make(map[string]struct{}),
		listeners: make(map[uint64]func(Update)),
	}
	p.typing = NewTypingNotifier(cfg.TypingIdle, p.sendTyping)

	p.subs = append(p.subs,
		t.On(domain.EventNewMessage, p.onNewMessage),
		t.On(domain.EventTypingStart, p.onTyping(true)),
		t.On(domain.EventTypingStop, p.onTyping(false)),
		t.OnState(p.onTransportState),
	)
	return p
}

// OnUpdate registers a listener for state changes
func (p *Pipeline) OnUpdate(fn func(Update)) *transport.Subscription {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.mu.Unlock()

	return transport.NewSubscription(func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	})
}

// LoadConversations seeds the conversation list from the persistence layer
func (p *Pipeline) LoadConversations(ctx context.Context) ([]domain.Conversation, error) {
	convs, err := p.api.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	for i := range convs {
		conv := convs[i]
		if conv.ID == p.open {
			conv.UnreadCount = 0
		}
		p.previews[conv.ID] = &conv
	}
	p.mu.Unlock()

	return p.Conversations(), nil
}

// Open makes conversationID the live timeline: joins its room on the relay
// and loads history. Messages that arrive while history loads are kept
// after it.
func (p *Pipeline) Open(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if conversationID == "" {
		return nil, apperrors.ValidationError("conversation id is required")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.InternalError("chat pipeline is closed")
	}
	previous := p.open
	p.open = conversationID
	p.timeline = nil
	p.clearPeersLocked()
	if conv, ok := p.previews[conversationID]; ok {
		conv.UnreadCount = 0
	}
	p.mu.Unlock()

	if previous != "" && previous != conversationID {
		p.typing.Stop()
		if err := p.transport.Emit(domain.EventLeaveConversation, &domain.ConversationRef{ConversationID: previous}); err != nil {
			logger.Debug("leave_conversation not sent", zap.String("conversation_id", previous), zap.Error(err))
		}
	}

	if _, err := p.transport.EmitWithAck(ctx, domain.EventJoinConversation, &domain.ConversationRef{ConversationID: conversationID}); err != nil {
		return nil, err
	}

	page, err := p.api.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.open != conversationID {
		p.mu.Unlock()
		return nil, apperrors.ProtocolError("conversation was switched while loading")
	}
	live := p.timeline
	p.timeline = make([]domain.Message, 0, len(page.Messages)+len(live))
	p.timeline = append(p.timeline, page.Messages...)
	for _, msg := range live {
		if msg.ID == "" || p.indexByIDLocked(msg.ID) < 0 {
			p.timeline = append(p.timeline, msg)
		}
	}
	out := p.copyTimelineLocked()
	p.mu.Unlock()

	p.notify(Update{Kind: UpdateTimeline, ConversationID: conversationID})
	return out, nil
}

// Send shows content immediately as a sending entry, persists it, and
// replaces the entry with the stored record. On failure the entry stays,
// marked failed, until Retry.
func (p *Pipeline) Send(ctx context.Context, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, apperrors.ValidationError("message is empty")
	}

	p.mu.Lock()
	if p.open == "" {
		p.mu.Unlock()
		return domain.Message{}, apperrors.ProtocolError("no conversation is open")
	}
	pending := domain.Message{
		ClientID:       uuid.New().String(),
		ConversationID: p.open,
		SenderID:       p.userID,
		Content:        content,
		CreatedAt:      time.Now(),
		Status:         domain.MessageSending,
	}
	p.timeline = append(p.timeline, pending)
	p.mu.Unlock()

	p.notify(Update{Kind: UpdateTimeline, ConversationID: pending.ConversationID, Message: &pending})
	p.typing.Stop()

	return p.persist(ctx, pending)
}

// Retry resends a failed entry by its temporary id
func (p *Pipeline) Retry(ctx context.Context, tempID string) (domain.Message, error) {
	p.mu.Lock()
	idx := p.indexByClientIDLocked(tempID)
	if idx < 0 {
		p.mu.Unlock()
		return domain.Message{}, apperrors.NotFoundError("message")
	}
	if p.timeline[idx].Status != domain.MessageFailed {
		p.mu.Unlock()
		return domain.Message{}, apperrors.ProtocolError("only failed messages can be retried")
	}
	p.timeline[idx].Status = domain.MessageSending
	pending := p.timeline[idx]
	p.mu.Unlock()

	p.notify(Update{Kind: UpdateTimeline, ConversationID: pending.ConversationID, Message: &pending})
	return p.persist(ctx, pending)
}

func (p *Pipeline) persist(ctx context.Context, pending domain.Message) (domain.Message, error) {
	stored, err := p.api.Send(ctx, restapi.SendRequest{
		ConversationID: pending.ConversationID,
		Content:        pending.Content,
		ClientID:       pending.ClientID,
	})
	if err != nil {
		logger.Warn("Message send failed",
			zap.String("conversation_id", pending.ConversationID),
			zap.String("client_id", pending.ClientID),
			zap.Error(err))

		p.mu.Lock()
		failed := pending
		failed.Status = domain.MessageFailed
		if idx := p.indexByClientIDLocked(pending.ClientID); idx >= 0 && p.timeline[idx].ID == "" {
			p.timeline[idx].Status = domain.MessageFailed
			failed = p.timeline[idx]
		}
		p.mu.Unlock()

		p.notify(Update{Kind: UpdateTimeline, ConversationID: pending.ConversationID, Message: &failed})
		return failed, err
	}

	confirmed := *stored
	confirmed.ClientID = pending.ClientID
	if confirmed.Status == "" || confirmed.Status == domain.MessageSending {
		confirmed.Status = domain.MessageSent
	}

	p.mu.Lock()
	kind := UpdatePreview
	if p.open == confirmed.ConversationID {
		p.placeLocked(confirmed)
		kind = UpdateTimeline
	}
	p.previewLocked(confirmed, false)
	p.mu.Unlock()

	p.notify(Update{Kind: kind, ConversationID: confirmed.ConversationID, Message: &confirmed})

	if err := p.transport.Emit(domain.EventMessageSent, &confirmed); err != nil {
		logger.Warn("message_sent not relayed",
			zap.String("message_id", confirmed.ID),
			zap.Error(err))
	}
	return confirmed, nil
}

// Keystroke reports local typing in the open conversation
func (p *Pipeline) Keystroke() {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()
	if open != "" {
		p.typing.Keystroke(open)
	}
}

// Timeline returns the open conversation's messages in server order
func (p *Pipeline) Timeline() []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyTimelineLocked()
}

// Conversations returns the known conversations, most recently updated first
func (p *Pipeline) Conversations() []domain.Conversation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Conversation, 0, len(p.previews))
	for _, conv := range p.previews {
		out = append(out, *conv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Unread returns the unread counter of conversationID
func (p *Pipeline) Unread(conversationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conv, ok := p.previews[conversationID]; ok {
		return conv.UnreadCount
	}
	return 0
}

// TypingPeers returns who is typing in the open conversation
func (p *Pipeline) TypingPeers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.peers))
	for userID := range p.peers {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Close stops typing, leaves the open room, and detaches from the transport
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	open := p.open
	p.clearPeersLocked()
	p.mu.Unlock()

	p.typing.Stop()
	if open != "" {
		_ = p.transport.Emit(domain.EventLeaveConversation, &domain.ConversationRef{ConversationID: open})
	}
	for _, sub := range p.subs {
		sub.Unsubscribe()
	}
}

func (p *Pipeline) sendTyping(event, conversationID string) {
	if err := p.transport.Emit(event, &domain.Typing{ConversationID: conversationID}); err != nil {
		logger.Debug("Typing event not sent",
			zap.String("event", event),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

func (p *Pipeline) notify(u Update) {
	p.mu.Lock()
	listeners := make([]func(Update), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(u)
	}
}

func (p *Pipeline) copyTimelineLocked() []domain.Message {
	return append([]domain.Message(nil), p.timeline...)
}

func (p *Pipeline) indexByIDLocked(id string) int {
	for i, msg := range p.timeline {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

func (p *Pipeline) indexByClientIDLocked(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i, msg := range p.timeline {
		if msg.ClientID == clientID {
			return i
		}
	}
	return -1
}
