package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/metrics"
)

type emitted struct {
	to      string
	event   string
	payload any
}

type fakeNotifier struct {
	mu  sync.Mutex
	out []emitted
}

func (n *fakeNotifier) Emit(userID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out = append(n.out, emitted{to: userID, event: event, payload: payload})
	return nil
}

func (n *fakeNotifier) eventsFor(userID string) []emitted {
	n.mu.Lock()
	defer n.mu.Unlock()
	var res []emitted
	for _, e := range n.out {
		if e.to == userID {
			res = append(res, e)
		}
	}
	return res
}

func (n *fakeNotifier) names(userID string) []string {
	var names []string
	for _, e := range n.eventsFor(userID) {
		names = append(names, e.event)
	}
	return names
}

func newTestService(t *testing.T, ttl time.Duration) (*Service, *fakeNotifier) {
	t.Helper()
	n := &fakeNotifier{}
	s := NewService(Config{TypingTTL: ttl}, n, metrics.NewMetrics("chat-test"))
	t.Cleanup(s.Close)
	return s, n
}

func TestJoinLeave(t *testing.T) {
	s, _ := newTestService(t, time.Hour)

	s.Join("alice", "c1")
	s.Join("bob", "c1")
	s.Join("alice", "c1")
	s.Join("alice", "c2")
	assert.ElementsMatch(t, []string{"alice", "bob"}, s.Members("c1"))

	s.Leave("bob", "c1")
	assert.ElementsMatch(t, []string{"alice"}, s.Members("c1"))

	s.LeaveAll("alice")
	assert.Empty(t, s.Members("c1"))
	assert.Empty(t, s.Members("c2"))
}

func TestMessageSent_BroadcastsToOtherMembers(t *testing.T) {
	s, n := newTestService(t, time.Hour)
	s.Join("alice", "c1")
	s.Join("bob", "c1")
	s.Join("carol", "c2")

	msg, err := s.MessageSent("alice", domain.Message{
		ID:             "42",
		ClientID:       "tmp-1",
		ConversationID: "c1",
		SenderID:       "mallory",
		Content:        "hello",
		Status:         domain.MessageSending,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, domain.MessageSent, msg.Status)

	bob := n.eventsFor("bob")
	require.Len(t, bob, 1)
	assert.Equal(t, domain.EventNewMessage, bob[0].event)
	delivered := bob[0].payload.(domain.Message)
	assert.Equal(t, "42", delivered.ID)
	assert.Equal(t, "alice", delivered.SenderID)

	assert.Empty(t, n.eventsFor("alice"))
	assert.Empty(t, n.eventsFor("carol"))
}

func TestMessageSent_RequiresMembership(t *testing.T) {
	s, _ := newTestService(t, time.Hour)

	_, err := s.MessageSent("alice", domain.Message{ID: "1", ConversationID: "c1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))

	s.Join("alice", "c1")
	_, err = s.MessageSent("alice", domain.Message{ConversationID: "c1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestMessagesKeepReceiptOrder(t *testing.T) {
	s, n := newTestService(t, time.Hour)
	s.Join("alice", "c1")
	s.Join("bob", "c1")

	for _, id := range []string{"1", "2", "3"} {
		_, err := s.MessageSent("alice", domain.Message{ID: id, ConversationID: "c1", Content: id})
		require.NoError(t, err)
	}

	var ids []string
	for _, e := range n.eventsFor("bob") {
		ids = append(ids, e.payload.(domain.Message).ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestSendClearsTyping(t *testing.T) {
	s, n := newTestService(t, time.Hour)
	s.Join("alice", "c1")
	s.Join("bob", "c1")

	require.NoError(t, s.TypingStart("alice", "c1"))
	_, err := s.MessageSent("alice", domain.Message{ID: "1", ConversationID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		domain.EventTypingStart,
		domain.EventTypingStop,
		domain.EventNewMessage,
	}, n.names("bob"))
	assert.Empty(t, s.Typing("c1"))

	// The explicit stop that raced the send is a no-op
	require.NoError(t, s.TypingStop("alice", "c1"))
	assert.Len(t, n.eventsFor("bob"), 3)
}

func TestTypingStartIsRelayedOnce(t *testing.T) {
	s, n := newTestService(t, time.Hour)
	s.Join("alice", "c1")
	s.Join("bob", "c1")

	require.NoError(t, s.TypingStart("alice", "c1"))
	require.NoError(t, s.TypingStart("alice", "c1"))
	require.NoError(t, s.TypingStop("alice", "c1"))

	assert.Equal(t, []string{domain.EventTypingStart, domain.EventTypingStop}, n.names("bob"))
	typing := n.eventsFor("bob")[0].payload.(domain.Typing)
	assert.Equal(t, "alice", typing.UserID)
	assert.Equal(t, "c1", typing.ConversationID)
}

func TestTypingExpires(t *testing.T) {
	s, n := newTestService(t, 30*time.Millisecond)
	s.Join("alice", "c1")
	s.Join("bob", "c1")

	require.NoError(t, s.TypingStart("alice", "c1"))
	require.Len(t, s.Typing("c1"), 1)

	assert.Eventually(t, func() bool {
		return len(n.eventsFor("bob")) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EventTypingStop, n.eventsFor("bob")[1].event)
	assert.Empty(t, s.Typing("c1"))
}

func TestLeaveAllClearsTyping(t *testing.T) {
	s, n := newTestService(t, time.Hour)
	s.Join("alice", "c1")
	s.Join("bob", "c1")

	require.NoError(t, s.TypingStart("alice", "c1"))
	s.LeaveAll("alice")

	assert.Equal(t, []string{domain.EventTypingStart, domain.EventTypingStop}, n.names("bob"))
	assert.True(t, apperrors.Is(s.TypingStart("alice", "c1"), apperrors.ErrCodeProtocol))
}

func TestDeliver_EchoesToSenderAndDedups(t *testing.T) {
	s, n := newTestService(t, time.Hour)
	s.Join("alice", "c1")
	s.Join("bob", "c1")

	msg := domain.Message{ID: "42", ClientID: "tmp-1", ConversationID: "c1", SenderID: "alice", Content: "hello"}
	s.Deliver(msg)
	s.Deliver(msg)

	assert.Equal(t, []string{domain.EventNewMessage}, n.names("alice"))
	assert.Equal(t, []string{domain.EventNewMessage}, n.names("bob"))

	// Already fanned in, the relay path does not deliver it again
	_, err := s.MessageSent("alice", msg)
	require.NoError(t, err)
	assert.Len(t, n.eventsFor("bob"), 1)
}

func TestDeliver_DropsInvalid(t *testing.T) {
	s, n := newTestService(t, time.Hour)
	s.Join("bob", "c1")

	s.Deliver(domain.Message{ConversationID: "c1"})
	assert.Empty(t, n.eventsFor("bob"))
}

func TestRecentIDsWindow(t *testing.T) {
	r := newRecentIDs(2)
	assert.True(t, r.add("a"))
	assert.True(t, r.add("b"))
	assert.False(t, r.add("a"))
	assert.True(t, r.add("c"))
	// "a" fell out of the window
	assert.True(t, r.add("a"))
}

type sinkFunc func(domain.Message)

func (f sinkFunc) Deliver(msg domain.Message) { f(msg) }

func TestFanInHandle(t *testing.T) {
	var got []domain.Message
	f := NewFanIn(nil, "chat:*", sinkFunc(func(m domain.Message) { got = append(got, m) }))

	f.handle("chat:c1", `{"id":"42","conversationId":"c1","senderId":"alice","content":"hi"}`)
	f.handle("chat:c1", `not json`)

	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].ID)
	assert.Equal(t, "alice", got[0].SenderID)
}
