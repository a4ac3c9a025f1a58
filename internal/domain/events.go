package domain

import (
	"encoding/json"
	"fmt"

	apperrors "callrelay-backend/pkg/errors"
)

// Socket event names
const (
	// Call lifecycle, client to relay
	EventCallRequest = "call_request"
	EventAcceptCall  = "accept_call"
	EventRejectCall  = "reject_call"
	EventCancelCall  = "cancel_call"
	EventCallTimeout = "call_timeout" // also relayed to the peer
	EventEndCall     = "end_call"

	// Call lifecycle, relay to client
	EventIncomingCall  = "incoming_call"
	EventCallAccepted  = "call_accepted"
	EventCallActive    = "call_active"
	EventCallRejected  = "call_rejected"
	EventCallCancelled = "call_cancelled"
	EventCallEnded     = "call_ended"
	EventCallFailed    = "call_failed"
	EventCallState     = "call_state" // sent on every connect

	// Signaling, relayed opaquely in both directions
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice_candidate"

	// Presence
	EventGetUserStatus       = "get_user_status"
	EventSubscribePresence   = "subscribe_presence"
	EventUnsubscribePresence = "unsubscribe_presence"
	EventSetStatus           = "set_status"
	EventHeartbeat           = "heartbeat"
	EventUserStatus          = "user_status"
	EventUserActivity        = "user_activity"
	EventUserOffline         = "user_offline"

	// Chat
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMessageSent       = "message_sent"
	EventNewMessage        = "new_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"

	EventAck = "ack"
)

// IsSignal reports whether event is one of the opaque signaling payloads
func IsSignal(event string) bool {
	return event == EventOffer || event == EventAnswer || event == EventICECandidate
}

// Envelope is the frame carried on the socket in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// AckError is the wire form of an AppError
type AckError struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// AckPayload answers a client frame that carried an ackId
type AckPayload struct {
	OK     bool            `json:"ok"`
	Error  *AckError       `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// NewAck builds the ack for a handler outcome
func NewAck(result any, err error) AckPayload {
	if err != nil {
		appErr := apperrors.GetAppError(err)
		return AckPayload{Error: &AckError{Code: appErr.Code, Message: appErr.Message}}
	}
	ack := AckPayload{OK: true}
	if result != nil {
		if data, mErr := json.Marshal(result); mErr == nil {
			ack.Result = data
		}
	}
	return ack
}

// Err rehydrates the ack's error, nil when the ack is OK
func (a AckPayload) Err() error {
	if a.OK {
		return nil
	}
	if a.Error == nil {
		return apperrors.InternalError("request failed")
	}
	return apperrors.New(a.Error.Code, a.Error.Message)
}

// Validator is implemented by every inbound payload
type Validator interface {
	Validate() error
}

// Decode unmarshals data into v and validates it. Any failure is a
// VALIDATION_ERROR so malformed frames never reach the state machines.
func Decode(data json.RawMessage, v Validator) error {
	if len(data) == 0 {
		return apperrors.ValidationError("payload is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeValidation, "malformed payload", err)
	}
	return v.Validate()
}

// CallRequest starts a call. CallerID and CallerName are overwritten with
// the authenticated identity by the relay.
type CallRequest struct {
	CallID       string    `json:"callId"`
	TargetUserID string    `json:"targetUserId"`
	Type         MediaKind `json:"type"`
	CallerID     string    `json:"callerId,omitempty"`
	CallerName   string    `json:"callerName,omitempty"`
}

func (r *CallRequest) Validate() error {
	if r.CallID == "" {
		return apperrors.ValidationError("callId is required")
	}
	if r.TargetUserID == "" {
		return apperrors.ValidationError("targetUserId is required")
	}
	if !r.Type.Valid() {
		return apperrors.ValidationError(fmt.Sprintf("unsupported call type %q", r.Type))
	}
	return nil
}

// CallAction carries accept/reject/cancel/timeout/end
type CallAction struct {
	CallID       string `json:"callId"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

func (a *CallAction) Validate() error {
	if a.CallID == "" {
		return apperrors.ValidationError("callId is required")
	}
	return nil
}

// Signal is an offer, answer, or ICE candidate. Data is never inspected.
type Signal struct {
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	Data         json.RawMessage `json:"data"`
}

func (s *Signal) Validate() error {
	if s.CallID == "" {
		return apperrors.ValidationError("callId is required")
	}
	if len(s.Data) == 0 {
		return apperrors.ValidationError("data is required")
	}
	return nil
}

// CallEvent notifies a participant of a transition, from their point of view
type CallEvent struct {
	CallID     string    `json:"callId"`
	State      CallState `json:"state"`
	EndReason  EndReason `json:"endReason,omitempty"`
	FromUserID string    `json:"fromUserId,omitempty"`
	PeerID     string    `json:"peerId"`
	Type       MediaKind `json:"type"`
}

func (e *CallEvent) Validate() error {
	if e.CallID == "" {
		return apperrors.ValidationError("callId is required")
	}
	if e.State == "" {
		return apperrors.ValidationError("state is required")
	}
	return nil
}

// IncomingCall is what the callee receives when someone calls
type IncomingCall struct {
	CallID     string    `json:"callId"`
	CallerID   string    `json:"callerId"`
	CallerName string    `json:"callerName,omitempty"`
	Kind       MediaKind `json:"type"`
	State      CallState `json:"state"`
}

func (c *IncomingCall) Validate() error {
	if c.CallID == "" || c.CallerID == "" {
		return apperrors.ValidationError("callId and callerId are required")
	}
	if !c.Kind.Valid() {
		return apperrors.ValidationError(fmt.Sprintf("unsupported call type %q", c.Kind))
	}
	return nil
}

// CallSnapshot is the relay's view of a user's live call, sent when the
// user connects. An empty CallID means the relay holds no live call for them.
type CallSnapshot struct {
	CallID   string    `json:"callId,omitempty"`
	State    CallState `json:"state,omitempty"`
	PeerID   string    `json:"peerId,omitempty"`
	Type     MediaKind `json:"type,omitempty"`
	Outgoing bool      `json:"outgoing,omitempty"`
}

// SnapshotFor projects session for userID; a nil session yields the empty snapshot
func SnapshotFor(s *CallSession, userID string) CallSnapshot {
	if s == nil {
		return CallSnapshot{}
	}
	return CallSnapshot{
		CallID:   s.ID,
		State:    s.ViewFor(userID),
		PeerID:   s.PeerOf(userID),
		Type:     s.MediaKind,
		Outgoing: s.CallerID == userID,
	}
}

func (s *CallSnapshot) Validate() error {
	if s.CallID != "" && s.State == "" {
		return apperrors.ValidationError("state is required with callId")
	}
	return nil
}

// StatusQuery asks for, or subscribes to, another user's presence
type StatusQuery struct {
	UserID string `json:"userId"`
}

func (q *StatusQuery) Validate() error {
	if q.UserID == "" {
		return apperrors.ValidationError("userId is required")
	}
	return nil
}

// StatusUpdate changes the sender's advertised status
type StatusUpdate struct {
	Status PresenceStatus `json:"status"`
}

func (u *StatusUpdate) Validate() error {
	if !u.Status.Valid() || u.Status == PresenceOffline {
		return apperrors.ValidationError(fmt.Sprintf("cannot set status %q", u.Status))
	}
	return nil
}

// ConversationRef names a conversation to join or leave
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

func (r *ConversationRef) Validate() error {
	if r.ConversationID == "" {
		return apperrors.ValidationError("conversationId is required")
	}
	return nil
}

// Typing is a typing_start or typing_stop. UserID is set by the relay.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

func (t *Typing) Validate() error {
	if t.ConversationID == "" {
		return apperrors.ValidationError("conversationId is required")
	}
	return nil
}

// Validate makes Message usable as an inbound payload for message_sent
func (m *Message) Validate() error {
	if m.ID == "" {
		return apperrors.ValidationError("id is required")
	}
	if m.ConversationID == "" {
		return apperrors.ValidationError("conversationId is required")
	}
	return nil
}

// Validate checks a presence record received from the relay
func (r *PresenceRecord) Validate() error {
	if r.UserID == "" {
		return apperrors.ValidationError("userId is required")
	}
	if r.Status != "" && !r.Status.Valid() {
		return apperrors.ValidationError(fmt.Sprintf("unknown status %q", r.Status))
	}
	return nil
}
