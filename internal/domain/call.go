package domain

import (
	"time"
)

// CallState is a call session's position in its lifecycle
type CallState string

const (
	CallStateRequested       CallState = "requested"
	CallStateRingingOutgoing CallState = "ringing_outgoing"
	CallStateRingingIncoming CallState = "ringing_incoming"
	CallStateAccepted        CallState = "accepted"
	CallStateActive          CallState = "active"
	CallStateRejected        CallState = "rejected"
	CallStateCancelled       CallState = "cancelled"
	CallStateTimedOut        CallState = "timed_out"
	CallStateEnded           CallState = "ended"
	CallStateFailed          CallState = "failed"
)

// IsTerminal reports whether no further transition is possible from s
func (s CallState) IsTerminal() bool {
	switch s {
	case CallStateRejected, CallStateCancelled, CallStateTimedOut, CallStateEnded, CallStateFailed:
		return true
	}
	return false
}

// IsRinging reports whether s is either side of an unanswered call
func (s CallState) IsRinging() bool {
	return s == CallStateRingingOutgoing || s == CallStateRingingIncoming
}

// IsConnected reports whether the callee has accepted and the call has not ended
func (s CallState) IsConnected() bool {
	return s == CallStateAccepted || s == CallStateActive
}

// EndReason explains why a session reached a terminal state
type EndReason string

const (
	EndReasonHangup  EndReason = "hangup"
	EndReasonReject  EndReason = "reject"
	EndReasonTimeout EndReason = "timeout"
	EndReasonCancel  EndReason = "cancel"
	EndReasonError   EndReason = "error"
)

// MediaKind is the media a call negotiates
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// CallSession is one call attempt between two users. The relay stores the
// caller's view of ringing (RingingOutgoing); ViewFor projects it per party.
type CallSession struct {
	ID         string     `json:"callId"`
	CallerID   string     `json:"callerId"`
	CalleeID   string     `json:"calleeId"`
	CallerName string     `json:"callerName,omitempty"`
	MediaKind  MediaKind  `json:"type"`
	State      CallState  `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	EndReason  EndReason  `json:"endReason,omitempty"`
}

// IsParticipant reports whether userID is the caller or the callee
func (c *CallSession) IsParticipant(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// PeerOf returns the other participant, or "" if userID is not in the call
func (c *CallSession) PeerOf(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	}
	return ""
}

// ViewFor returns the state as seen by userID. Only ringing differs between
// the two parties.
func (c *CallSession) ViewFor(userID string) CallState {
	if c.State == CallStateRingingOutgoing && userID == c.CalleeID {
		return CallStateRingingIncoming
	}
	return c.State
}

// Duration returns how long the call was connected, zero if it never was
func (c *CallSession) Duration() time.Duration {
	if c.AcceptedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.AcceptedAt)
}

// Clone returns a copy safe to hand outside the owning goroutine
func (c *CallSession) Clone() *CallSession {
	cp := *c
	if c.AcceptedAt != nil {
		t := *c.AcceptedAt
		cp.AcceptedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
