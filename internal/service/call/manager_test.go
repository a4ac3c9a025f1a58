package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/metrics"
)

type sentEvent struct {
	UserID  string
	Event   string
	Payload any
}

// fakeNotifier records every emitted event. Users in offline get a network error.
type fakeNotifier struct {
	mu      sync.Mutex
	events  []sentEvent
	offline map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{offline: make(map[string]bool)}
}

func (n *fakeNotifier) Emit(userID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline[userID] {
		return apperrors.NetworkError("user not connected", nil)
	}
	n.events = append(n.events, sentEvent{UserID: userID, Event: event, Payload: payload})
	return nil
}

func (n *fakeNotifier) setOffline(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[userID] = true
}

func (n *fakeNotifier) eventsFor(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		if e.UserID == userID {
			out = append(out, e.Event)
		}
	}
	return out
}

func (n *fakeNotifier) last(userID string) sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].UserID == userID {
			return n.events[i]
		}
	}
	return sentEvent{}
}

// MockRecorder is a mock implementation of Recorder
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ctx context.Context, session *domain.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func testConfig() Config {
	return Config{
		RingTimeout:       time.Hour,
		TerminalRetention: time.Hour,
		SweepInterval:     time.Hour,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeNotifier) {
	t.Helper()
	n := newFakeNotifier()
	m := NewManager(cfg, n, nil, metrics.NewMetrics("call-test"))
	t.Cleanup(m.Close)
	return m, n
}

func request(callID, target string) domain.CallRequest {
	return domain.CallRequest{CallID: callID, TargetUserID: target, Type: domain.MediaKindVideo}
}

func signal(callID string) domain.Signal {
	return domain.Signal{CallID: callID, Data: json.RawMessage(`{"sdp":"v=0"}`)}
}

func TestRequest(t *testing.T) {
	m, n := newTestManager(t, testConfig())
	ctx := context.Background()

	s, err := m.Request(ctx, "alice", "Alice", request("c1", "bob"))
	require.NoError(t, err)

	assert.Equal(t, domain.CallStateRingingOutgoing, s.State)
	assert.Equal(t, "alice", s.CallerID)
	assert.Equal(t, "bob", s.CalleeID)
	assert.Equal(t, []string{domain.EventIncomingCall}, n.eventsFor("bob"))

	incoming, ok := n.last("bob").Payload.(*domain.IncomingCall)
	require.True(t, ok)
	assert.Equal(t, "Alice", incoming.CallerName)
	assert.Equal(t, domain.CallStateRingingIncoming, incoming.State)
	assert.Equal(t, domain.MediaKindVideo, incoming.Kind)

	t.Run("retry with the same id is idempotent", func(t *testing.T) {
		again, err := m.Request(ctx, "alice", "Alice", request("c1", "bob"))
		require.NoError(t, err)
		assert.Equal(t, "c1", again.ID)
		assert.Len(t, n.eventsFor("bob"), 1)
	})

	t.Run("calling yourself is invalid", func(t *testing.T) {
		_, err := m.Request(ctx, "carol", "", request("c2", "carol"))
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})
}

func TestSingleActiveCallInvariant(t *testing.T) {
	m, n := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)

	_, err = m.Request(ctx, "carol", "", request("c2", "bob"))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeBusy))

	_, err = m.Request(ctx, "alice", "", request("c3", "dave"))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeBusy))

	_, err = m.Request(ctx, "dave", "", request("c4", "alice"))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeBusy))

	assert.Len(t, n.eventsFor("bob"), 1)
	assert.Empty(t, n.eventsFor("dave"))

	// Once the first call is over bob is reachable again.
	_, err = m.Cancel(ctx, "alice", "c1")
	require.NoError(t, err)
	s, err := m.Request(ctx, "carol", "", request("c5", "bob"))
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateRingingOutgoing, s.State)
}

func TestConcurrentRequestsForSameCallee(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	callers := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, busy int
	for i, caller := range callers {
		wg.Add(1)
		go func(i int, caller string) {
			defer wg.Done()
			_, err := m.Request(ctx, caller, "", request(caller+"-call", "bob"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if apperrors.Is(err, apperrors.ErrCodeBusy) {
				busy++
			}
		}(i, caller)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, len(callers)-1, busy)
}

func TestAcceptAndSignaling(t *testing.T) {
	m, n := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)

	t.Run("signaling before accept is dropped", func(t *testing.T) {
		_, err := m.Relay(ctx, "alice", domain.EventOffer, signal("c1"))
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
	})

	t.Run("caller cannot accept", func(t *testing.T) {
		_, err := m.Accept(ctx, "alice", "c1")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
	})

	s, err := m.Accept(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateAccepted, s.State)
	assert.NotNil(t, s.AcceptedAt)
	assert.Equal(t, domain.EventCallAccepted, n.last("alice").Event)

	s, err = m.Relay(ctx, "alice", domain.EventOffer, signal("c1"))
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateAccepted, s.State)

	relayed := n.last("bob")
	assert.Equal(t, domain.EventOffer, relayed.Event)
	out := relayed.Payload.(*domain.Signal)
	assert.Equal(t, "alice", out.FromUserID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(out.Data))

	s, err = m.Relay(ctx, "bob", domain.EventAnswer, signal("c1"))
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateActive, s.State)
	assert.Contains(t, n.eventsFor("alice"), domain.EventCallActive)
	assert.Contains(t, n.eventsFor("bob"), domain.EventCallActive)

	_, err = m.Relay(ctx, "bob", domain.EventICECandidate, signal("c1"))
	require.NoError(t, err)
	assert.Equal(t, domain.EventICECandidate, n.last("alice").Event)

	t.Run("outsider cannot relay", func(t *testing.T) {
		_, err := m.Relay(ctx, "mallory", domain.EventOffer, signal("c1"))
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
	})

	t.Run("wrong target is dropped", func(t *testing.T) {
		sig := signal("c1")
		sig.TargetUserID = "mallory"
		_, err := m.Relay(ctx, "alice", domain.EventOffer, sig)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
	})

	s, err = m.End(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateEnded, s.State)
	assert.Equal(t, domain.EndReasonHangup, s.EndReason)
	assert.Equal(t, domain.EventCallEnded, n.last("alice").Event)

	t.Run("stale signaling after end is dropped", func(t *testing.T) {
		_, err := m.Relay(ctx, "alice", domain.EventICECandidate, signal("c1"))
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
	})
}

func TestUnknownCallIsProtocolError(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	for _, op := range []func(context.Context, string, string) (*domain.CallSession, error){
		m.Accept, m.Reject, m.Cancel, m.Timeout, m.End,
	} {
		_, err := op(ctx, "alice", "nope")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
	}
}

func TestIdempotentCancellation(t *testing.T) {
	m, n := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)

	s, err := m.Cancel(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCancelled, s.State)

	s, err = m.Cancel(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCancelled, s.State)

	s, err = m.Timeout(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCancelled, s.State)

	s, err = m.Accept(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCancelled, s.State)

	assert.Equal(t, []string{domain.EventIncomingCall, domain.EventCallCancelled}, n.eventsFor("bob"))
	assert.Empty(t, n.eventsFor("alice"))
}

func TestTimeoutThenCancel(t *testing.T) {
	m, n := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)

	s, err := m.Timeout(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateTimedOut, s.State)
	assert.Equal(t, domain.EndReasonTimeout, s.EndReason)

	s, err = m.Cancel(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateTimedOut, s.State)

	assert.Equal(t, []string{domain.EventIncomingCall, domain.EventCallTimeout}, n.eventsFor("bob"))
}

func TestAcceptRacingCancel(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var accepted, cancelled *domain.CallSession
	wg.Add(2)
	go func() {
		defer wg.Done()
		accepted, _ = m.Accept(ctx, "bob", "c1")
	}()
	go func() {
		defer wg.Done()
		cancelled, _ = m.Cancel(ctx, "alice", "c1")
	}()
	wg.Wait()

	final, err := m.Get(ctx, "alice", "c1")
	require.NoError(t, err)

	if final.State == domain.CallStateCancelled {
		// cancel won, accept became a no-op
		assert.Equal(t, domain.CallStateCancelled, accepted.State)
	} else {
		// accept won, cancel on a connected call is refused
		assert.Equal(t, domain.CallStateAccepted, final.State)
		assert.Nil(t, cancelled)
	}
}

func TestRejectAndEndWhileRinging(t *testing.T) {
	m, n := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)
	s, err := m.Reject(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateRejected, s.State)
	assert.Equal(t, domain.EventCallRejected, n.last("alice").Event)

	_, err = m.Request(ctx, "alice", "", request("c2", "bob"))
	require.NoError(t, err)
	s, err = m.End(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCancelled, s.State)

	_, err = m.Request(ctx, "alice", "", request("c3", "bob"))
	require.NoError(t, err)
	s, err = m.End(ctx, "bob", "c3")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateRejected, s.State)

	_, err = m.Request(ctx, "alice", "", request("c4", "bob"))
	require.NoError(t, err)
	_, err = m.Reject(ctx, "alice", "c4")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
	_, err = m.Cancel(ctx, "bob", "c4")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeProtocol))
}

// Alice calls Bob, Bob never answers.
func TestServerRingTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RingTimeout = 30 * time.Millisecond
	m, n := newTestManager(t, cfg)
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, err := m.Get(ctx, "alice", "c1")
		return err == nil && s.State == domain.CallStateTimedOut
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{domain.EventCallTimeout}, n.eventsFor("alice"))
	assert.Equal(t, []string{domain.EventIncomingCall, domain.EventCallTimeout}, n.eventsFor("bob"))

	active, err := m.ActiveFor(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRingTimerStopsOnAccept(t *testing.T) {
	cfg := testConfig()
	cfg.RingTimeout = 30 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)
	_, err = m.Accept(ctx, "bob", "c1")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	s, err := m.Get(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateAccepted, s.State)
}

// Bob accepts, then Alice's transport drops before signaling completes.
func TestDisconnectFailsSessionAndNotifiesPeer(t *testing.T) {
	m, n := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)
	_, err = m.Accept(ctx, "bob", "c1")
	require.NoError(t, err)

	require.NoError(t, m.HandleDisconnect(ctx, "alice"))

	last := n.last("bob")
	assert.Equal(t, domain.EventCallFailed, last.Event)
	ev := last.Payload.(*domain.CallEvent)
	assert.Equal(t, domain.CallStateFailed, ev.State)
	assert.Equal(t, domain.EndReasonError, ev.EndReason)

	s, err := m.Get(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateFailed, s.State)

	// A second disconnect has nothing to fail.
	require.NoError(t, m.HandleDisconnect(ctx, "alice"))
	assert.Equal(t, 1, countEvent(n.eventsFor("bob"), domain.EventCallFailed))
}

func TestDisconnectGrace(t *testing.T) {
	cfg := testConfig()
	cfg.DisconnectGrace = 40 * time.Millisecond
	ctx := context.Background()

	t.Run("reconnect within grace keeps the call", func(t *testing.T) {
		m, n := newTestManager(t, cfg)
		_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
		require.NoError(t, err)
		_, err = m.Accept(ctx, "bob", "c1")
		require.NoError(t, err)

		require.NoError(t, m.HandleDisconnect(ctx, "alice"))
		s, err := m.HandleReconnect(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "c1", s.ID)

		time.Sleep(80 * time.Millisecond)
		s, err = m.Get(ctx, "alice", "c1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallStateAccepted, s.State)
		assert.Zero(t, countEvent(n.eventsFor("bob"), domain.EventCallFailed))
	})

	t.Run("grace expiry fails the call", func(t *testing.T) {
		m, n := newTestManager(t, cfg)
		_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
		require.NoError(t, err)

		require.NoError(t, m.HandleDisconnect(ctx, "bob"))
		assert.Eventually(t, func() bool {
			return countEvent(n.eventsFor("alice"), domain.EventCallFailed) == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestRelayToVanishedPeerFailsCall(t *testing.T) {
	m, n := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)
	_, err = m.Accept(ctx, "bob", "c1")
	require.NoError(t, err)

	n.setOffline("bob")
	s, err := m.Relay(ctx, "alice", domain.EventOffer, signal("c1"))
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateFailed, s.State)
	assert.Equal(t, domain.EventCallFailed, n.last("alice").Event)
}

func TestTerminalSessionsAreCollected(t *testing.T) {
	cfg := testConfig()
	cfg.TerminalRetention = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)
	_, err = m.Cancel(ctx, "alice", "c1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := m.Get(ctx, "alice", "c1")
		return apperrors.Is(err, apperrors.ErrCodeNotFound)
	}, time.Second, 5*time.Millisecond)

	// Live sessions are never collected.
	_, err = m.Request(ctx, "alice", "", request("c2", "bob"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = m.Get(ctx, "alice", "c2")
	assert.NoError(t, err)
}

func TestRecorderReceivesTerminalSessions(t *testing.T) {
	rec := new(MockRecorder)
	done := make(chan struct{})
	rec.On("Record", mock.Anything, mock.MatchedBy(func(s *domain.CallSession) bool {
		return s.ID == "c1" && s.State == domain.CallStateRejected
	})).Run(func(mock.Arguments) { close(done) }).Return(nil).Once()

	m := NewManager(testConfig(), newFakeNotifier(), rec, metrics.NewMetrics("call-test"))
	t.Cleanup(m.Close)
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)
	_, err = m.Reject(ctx, "bob", "c1")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder was not called")
	}
	rec.AssertExpectations(t)
}

func TestGetHidesCallsFromOutsiders(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Request(ctx, "alice", "", request("c1", "bob"))
	require.NoError(t, err)

	_, err = m.Get(ctx, "mallory", "c1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestClosedManager(t *testing.T) {
	n := newFakeNotifier()
	m := NewManager(testConfig(), n, nil, metrics.NewMetrics("call-test"))
	m.Close()
	m.Close()

	_, err := m.Request(context.Background(), "alice", "", request("c1", "bob"))
	assert.Error(t, err)
}

func countEvent(events []string, name string) int {
	c := 0
	for _, e := range events {
		if e == name {
			c++
		}
	}
	return c
}
