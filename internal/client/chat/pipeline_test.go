package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/client/restapi"
	"callrelay-backend/internal/client/transport"
	"callrelay-backend/internal/client/transport/transporttest"
	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
)

type fakeAPI struct {
	mu      sync.Mutex
	history map[string][]domain.Message
	convs   []domain.Conversation
	onList  func(conversationID string)
	send    func(req restapi.SendRequest) (*domain.Message, error)
	sends   []restapi.SendRequest
	lists   int
}

func (a *fakeAPI) ListConversations(context.Context) ([]domain.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Conversation(nil), a.convs...), nil
}

func (a *fakeAPI) ListMessages(_ context.Context, conversationID string) (*restapi.MessagePage, error) {
	a.mu.Lock()
	a.lists++
	hook := a.onList
	msgs := append([]domain.Message(nil), a.history[conversationID]...)
	a.mu.Unlock()

	if hook != nil {
		hook(conversationID)
	}
	return &restapi.MessagePage{Messages: msgs}, nil
}

func (a *fakeAPI) Send(_ context.Context, req restapi.SendRequest) (*domain.Message, error) {
	a.mu.Lock()
	a.sends = append(a.sends, req)
	send := a.send
	a.mu.Unlock()

	if send != nil {
		return send(req)
	}
	return &domain.Message{ID: "42", ConversationID: req.ConversationID, SenderID: "alice", Content: req.Content}, nil
}

func (a *fakeAPI) listCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lists
}

func newTestPipeline(t *testing.T) (*Pipeline, *transporttest.Fake, *fakeAPI) {
	t.Helper()
	fake := transporttest.New()
	api := &fakeAPI{history: map[string][]domain.Message{
		"conv-1": {
			{ID: "1", ConversationID: "conv-1", SenderID: "bob", Content: "hi"},
			{ID: "2", ConversationID: "conv-1", SenderID: "alice", Content: "hey"},
		},
	}}
	p := NewPipeline(Config{TypingIdle: time.Minute}, "alice", fake, api)
	t.Cleanup(p.Close)
	return p, fake, api
}

func openConv(t *testing.T, p *Pipeline, conversationID string) {
	t.Helper()
	_, err := p.Open(context.Background(), conversationID)
	require.NoError(t, err)
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOpen(t *testing.T) {
	p, fake, api := newTestPipeline(t)
	api.onList = func(string) {
		fake.Deliver(domain.EventNewMessage, domain.Message{ID: "2", ConversationID: "conv-1", SenderID: "alice", Content: "hey"})
		fake.Deliver(domain.EventNewMessage, domain.Message{ID: "3", ConversationID: "conv-1", SenderID: "bob", Content: "late"})
	}

	msgs, err := p.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids(msgs))

	sent, ok := fake.Last(domain.EventJoinConversation)
	require.True(t, ok)
	assert.True(t, sent.WithAck)
	assert.JSONEq(t, `{"conversationId":"conv-1"}`, string(sent.Payload))

	_, err = p.Open(context.Background(), "")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

// A sends "hello"; the stored record (id 42) replaces the sending entry
func TestSend_ReplacesPendingEntry(t *testing.T) {
	p, fake, api := newTestPipeline(t)
	openConv(t, p, "conv-1")

	var during []domain.Message
	api.send = func(req restapi.SendRequest) (*domain.Message, error) {
		during = p.Timeline()
		return &domain.Message{ID: "42", ConversationID: req.ConversationID, SenderID: "alice", Content: req.Content}, nil
	}

	p.Keystroke()
	msg, err := p.Send(context.Background(), "hello")
	require.NoError(t, err)

	require.Len(t, during, 3)
	assert.Equal(t, domain.MessageSending, during[2].Status)
	assert.Empty(t, during[2].ID)
	tempID := during[2].ClientID
	assert.NotEmpty(t, tempID)

	assert.Equal(t, "42", msg.ID)
	assert.Equal(t, tempID, msg.ClientID)
	assert.Equal(t, domain.MessageSent, msg.Status)

	timeline := p.Timeline()
	assert.Equal(t, []string{"1", "2", "42"}, ids(timeline))
	assert.Equal(t, "hello", timeline[2].Content)
	assert.Equal(t, domain.MessageSent, timeline[2].Status)

	assert.Equal(t, tempID, api.sends[0].ClientID)
	assert.Equal(t, []string{
		domain.EventJoinConversation,
		domain.EventTypingStart,
		domain.EventTypingStop,
		domain.EventMessageSent,
	}, fake.Events())

	relayed, _ := fake.Last(domain.EventMessageSent)
	var announced domain.Message
	require.NoError(t, json.Unmarshal(relayed.Payload, &announced))
	assert.Equal(t, "42", announced.ID)
	assert.Equal(t, tempID, announced.ClientID)
}

func TestSend_EchoBeforeResponse(t *testing.T) {
	tests := []struct {
		name     string
		clientID bool
	}{
		{name: "echo carries client id", clientID: true},
		{name: "echo matched by content", clientID: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fake, api := newTestPipeline(t)
			openConv(t, p, "conv-1")

			api.send = func(req restapi.SendRequest) (*domain.Message, error) {
				echo := domain.Message{ID: "42", ConversationID: req.ConversationID, SenderID: "alice", Content: req.Content}
				if tt.clientID {
					echo.ClientID = req.ClientID
				}
				fake.Deliver(domain.EventNewMessage, echo)
				assert.Len(t, p.Timeline(), 3)
				return &domain.Message{ID: "42", ConversationID: req.ConversationID, SenderID: "alice", Content: req.Content}, nil
			}

			_, err := p.Send(context.Background(), "hello")
			require.NoError(t, err)
			fake.Deliver(domain.EventNewMessage, domain.Message{ID: "42", ConversationID: "conv-1", SenderID: "alice", Content: "hello"})

			timeline := p.Timeline()
			assert.Equal(t, []string{"1", "2", "42"}, ids(timeline))
			assert.Equal(t, api.sends[0].ClientID, timeline[2].ClientID)
		})
	}
}

func TestSend_FailureAndRetry(t *testing.T) {
	p, fake, api := newTestPipeline(t)
	openConv(t, p, "conv-1")

	api.send = func(restapi.SendRequest) (*domain.Message, error) {
		return nil, apperrors.NetworkError("POST /chat/send failed", nil)
	}
	failed, err := p.Send(context.Background(), "hello")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNetwork))
	assert.Equal(t, domain.MessageFailed, failed.Status)

	timeline := p.Timeline()
	require.Len(t, timeline, 3)
	assert.Equal(t, domain.MessageFailed, timeline[2].Status)
	assert.Zero(t, fake.Count(domain.EventMessageSent))

	api.send = func(req restapi.SendRequest) (*domain.Message, error) {
		return &domain.Message{ID: "43", ConversationID: req.ConversationID, SenderID: "alice", Content: req.Content}, nil
	}
	msg, err := p.Retry(context.Background(), failed.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "43", msg.ID)
	assert.Equal(t, []string{"1", "2", "43"}, ids(p.Timeline()))
	assert.Equal(t, failed.ClientID, api.sends[1].ClientID)

	_, err = p.Retry(context.Background(), failed.ClientID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
	_, err = p.Retry(context.Background(), "unknown")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestSend_Validation(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	_, err := p.Send(context.Background(), "hello")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))

	openConv(t, p, "conv-1")
	_, err = p.Send(context.Background(), "   ")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestOtherConversationsUpdatePreview(t *testing.T) {
	p, fake, api := newTestPipeline(t)
	api.convs = []domain.Conversation{{ID: "conv-2", UnreadCount: 1}}
	_, err := p.LoadConversations(context.Background())
	require.NoError(t, err)
	openConv(t, p, "conv-1")

	var updates []UpdateKind
	p.OnUpdate(func(u Update) { updates = append(updates, u.Kind) })

	incoming := domain.Message{ID: "9", ConversationID: "conv-2", SenderID: "bob", Content: "ping", CreatedAt: time.Now()}
	fake.Deliver(domain.EventNewMessage, incoming)
	fake.Deliver(domain.EventNewMessage, incoming)
	fake.Deliver(domain.EventNewMessage, domain.Message{ID: "10", ConversationID: "conv-2", SenderID: "alice", Content: "from my phone"})
	fake.Deliver(domain.EventNewMessage, domain.Message{ID: "11", ConversationID: "conv-3", SenderID: "carol", Content: "new thread"})

	assert.Equal(t, []string{"1", "2"}, ids(p.Timeline()))
	assert.Equal(t, 2, p.Unread("conv-2"))
	assert.Equal(t, 1, p.Unread("conv-3"))
	assert.Equal(t, []UpdateKind{UpdatePreview, UpdatePreview, UpdatePreview, UpdatePreview}, updates)

	for _, conv := range p.Conversations() {
		if conv.ID == "conv-2" {
			require.NotNil(t, conv.LastMessage)
			assert.Equal(t, "10", conv.LastMessage.ID)
		}
	}

	openConv(t, p, "conv-2")
	assert.Zero(t, p.Unread("conv-2"))
	left, ok := fake.Last(domain.EventLeaveConversation)
	require.True(t, ok)
	assert.JSONEq(t, `{"conversationId":"conv-1"}`, string(left.Payload))
}

func TestPeerTyping(t *testing.T) {
	p, fake, _ := newTestPipeline(t)
	openConv(t, p, "conv-1")

	fake.Deliver(domain.EventTypingStart, domain.Typing{ConversationID: "conv-1", UserID: "bob"})
	fake.Deliver(domain.EventTypingStart, domain.Typing{ConversationID: "conv-2", UserID: "carol"})
	fake.Deliver(domain.EventTypingStart, domain.Typing{ConversationID: "conv-1", UserID: "alice"})
	assert.Equal(t, []string{"bob"}, p.TypingPeers())

	fake.Deliver(domain.EventNewMessage, domain.Message{ID: "5", ConversationID: "conv-1", SenderID: "bob", Content: "done"})
	assert.Empty(t, p.TypingPeers())

	fake.Deliver(domain.EventTypingStart, domain.Typing{ConversationID: "conv-1", UserID: "bob"})
	fake.Deliver(domain.EventTypingStop, domain.Typing{ConversationID: "conv-1", UserID: "bob"})
	assert.Empty(t, p.TypingPeers())
}

func TestPeerTypingExpires(t *testing.T) {
	fake := transporttest.New()
	p := NewPipeline(Config{TypingIdle: time.Minute, PeerTypingTTL: 20 * time.Millisecond}, "alice", fake, &fakeAPI{})
	defer p.Close()
	openConv(t, p, "conv-1")

	fake.Deliver(domain.EventTypingStart, domain.Typing{ConversationID: "conv-1", UserID: "bob"})
	assert.Equal(t, []string{"bob"}, p.TypingPeers())
	assert.Eventually(t, func() bool { return len(p.TypingPeers()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRejoinAfterReconnect(t *testing.T) {
	p, fake, api := newTestPipeline(t)
	openConv(t, p, "conv-1")
	fake.Deliver(domain.EventTypingStart, domain.Typing{ConversationID: "conv-1", UserID: "bob"})

	fake.SetState(transport.StateDisconnected)
	fake.SetState(transport.StateReconnecting)
	assert.Empty(t, p.TypingPeers())

	api.mu.Lock()
	api.history["conv-1"] = append(api.history["conv-1"], domain.Message{ID: "7", ConversationID: "conv-1", SenderID: "bob", Content: "missed"})
	api.mu.Unlock()

	fake.SetState(transport.StateConnected)
	assert.Equal(t, 2, fake.Count(domain.EventJoinConversation))
	assert.Eventually(t, func() bool {
		return api.listCount() == 2 && len(p.Timeline()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "7"}, ids(p.Timeline()))
}

func TestClose(t *testing.T) {
	fake := transporttest.New()
	p := NewPipeline(Config{TypingIdle: time.Minute}, "alice", fake, &fakeAPI{})
	openConv(t, p, "conv-1")
	p.Keystroke()

	p.Close()
	p.Close()

	assert.Equal(t, []string{
		domain.EventJoinConversation,
		domain.EventTypingStart,
		domain.EventTypingStop,
		domain.EventLeaveConversation,
	}, fake.Events())
	assert.Zero(t, fake.HandlerCount(domain.EventNewMessage))
	assert.Zero(t, fake.WatcherCount())

	_, err := p.Open(context.Background(), "conv-2")
	assert.Error(t, err)
}
