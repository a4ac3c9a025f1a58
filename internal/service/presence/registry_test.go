package presence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/metrics"
)

type delivered struct {
	to     string
	event  string
	record domain.PresenceRecord
}

type recordingNotifier struct {
	mu  sync.Mutex
	out []delivered
}

func (n *recordingNotifier) Emit(userID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out = append(n.out, delivered{to: userID, event: event, record: payload.(domain.PresenceRecord)})
	return nil
}

func (n *recordingNotifier) to(userID string) []delivered {
	n.mu.Lock()
	defer n.mu.Unlock()
	var res []delivered
	for _, d := range n.out {
		if d.to == userID {
			res = append(res, d)
		}
	}
	return res
}

// MockMirror is a mock implementation of Mirror
type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) Save(ctx context.Context, rec domain.PresenceRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockMirror) Refresh(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func newTestRegistry() (*Registry, *recordingNotifier) {
	n := &recordingNotifier{}
	return NewRegistry(n, nil, metrics.NewMetrics("presence-test")), n
}

func TestGetStatus_UnknownUserIsOffline(t *testing.T) {
	r, _ := newTestRegistry()

	rec := r.GetStatus("ghost")
	assert.Equal(t, "ghost", rec.UserID)
	assert.False(t, rec.IsOnline)
	assert.Equal(t, domain.PresenceOffline, rec.Status)
}

func TestOnlineOffline(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	rec := r.SetOnline(ctx, "alice")
	assert.True(t, rec.IsOnline)
	assert.Equal(t, domain.PresenceOnline, rec.Status)
	assert.False(t, rec.LastSeenAt.IsZero())

	rec = r.SetOffline(ctx, "alice")
	assert.False(t, rec.IsOnline)
	assert.Equal(t, domain.PresenceOffline, rec.Status)

	stored := r.GetStatus("alice")
	assert.Equal(t, domain.PresenceOffline, stored.Status)
	assert.False(t, stored.LastSeenAt.IsZero())
}

func TestDeltasGoOnlyToSubscribers(t *testing.T) {
	r, n := newTestRegistry()
	ctx := context.Background()

	r.Subscribe("bob", "alice")
	r.Subscribe("carol", "dave")

	r.SetOnline(ctx, "alice")
	r.SetOffline(ctx, "alice")

	bob := n.to("bob")
	require.Len(t, bob, 2)
	assert.Equal(t, domain.EventUserActivity, bob[0].event)
	assert.True(t, bob[0].record.IsOnline)
	assert.Equal(t, domain.EventUserOffline, bob[1].event)
	assert.False(t, bob[1].record.IsOnline)

	assert.Empty(t, n.to("carol"))
	assert.Empty(t, n.to("alice"))
}

func TestSetOfflineIsIdempotent(t *testing.T) {
	r, n := newTestRegistry()
	ctx := context.Background()

	r.Subscribe("bob", "alice")
	r.SetOnline(ctx, "alice")
	r.SetOffline(ctx, "alice")
	r.SetOffline(ctx, "alice")
	r.SetOffline(ctx, "never-seen")

	assert.Len(t, n.to("bob"), 2)
}

func TestQuerySubscribes(t *testing.T) {
	r, n := newTestRegistry()
	ctx := context.Background()

	r.SetOnline(ctx, "alice")
	rec := r.Query("bob", "alice")
	assert.True(t, rec.IsOnline)

	r.SetOffline(ctx, "alice")
	require.Len(t, n.to("bob"), 1)
	assert.Equal(t, domain.EventUserOffline, n.to("bob")[0].event)
}

func TestSetStatus(t *testing.T) {
	r, n := newTestRegistry()
	ctx := context.Background()

	_, err := r.SetStatus(ctx, "alice", domain.PresenceAway)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))

	r.Subscribe("bob", "alice")
	r.SetOnline(ctx, "alice")

	rec, err := r.SetStatus(ctx, "alice", domain.PresenceBusy)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceBusy, rec.Status)
	assert.True(t, rec.IsOnline)

	// Unchanged status is not a delta.
	_, err = r.SetStatus(ctx, "alice", domain.PresenceBusy)
	require.NoError(t, err)
	assert.Len(t, n.to("bob"), 2)

	// Going offline always clears the advertised status.
	rec = r.SetOffline(ctx, "alice")
	assert.Equal(t, domain.PresenceOffline, rec.Status)
}

func TestUnsubscribeAndDropSubscriber(t *testing.T) {
	r, n := newTestRegistry()
	ctx := context.Background()

	r.Subscribe("bob", "alice")
	r.Subscribe("bob", "carol")
	r.Subscribe("dave", "alice")
	r.Subscribe("alice", "alice")

	r.Unsubscribe("dave", "alice")
	assert.ElementsMatch(t, []string{"bob"}, r.Subscribers("alice"))

	r.DropSubscriber("bob")
	assert.Empty(t, r.Subscribers("alice"))
	assert.Empty(t, r.Subscribers("carol"))

	r.SetOnline(ctx, "alice")
	r.SetOnline(ctx, "carol")
	assert.Empty(t, n.to("bob"))
	assert.Empty(t, n.to("dave"))
	assert.Empty(t, n.to("alice"))
}

func TestMirrorIsBestEffort(t *testing.T) {
	mirror := new(MockMirror)
	r := NewRegistry(&recordingNotifier{}, mirror, metrics.NewMetrics("presence-test"))
	ctx := context.Background()

	mirror.On("Save", mock.Anything, mock.MatchedBy(func(rec domain.PresenceRecord) bool {
		return rec.UserID == "alice" && rec.IsOnline
	})).Return(errors.New("redis down")).Once()
	mirror.On("Refresh", mock.Anything, "alice").Return(nil).Once()
	mirror.On("Save", mock.Anything, mock.MatchedBy(func(rec domain.PresenceRecord) bool {
		return rec.UserID == "alice" && !rec.IsOnline
	})).Return(nil).Once()

	rec := r.SetOnline(ctx, "alice")
	assert.True(t, rec.IsOnline)
	r.Heartbeat(ctx, "alice")
	r.SetOffline(ctx, "alice")

	mirror.AssertExpectations(t)
}
