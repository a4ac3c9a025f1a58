package ws

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

// dispatch routes one inbound envelope and acks it when asked to
func (h *Handler) dispatch(client *Client, env domain.Envelope) {
	h.metrics.RecordWebSocketMessage(env.Event, "in")

	ctx, cancel := context.WithTimeout(context.Background(), constants.EventTimeout)
	defer cancel()

	result, err := h.route(ctx, client, env)
	if err != nil {
		logger.Debug("Socket event failed",
			zap.String("event", env.Event),
			zap.String("user_id", client.userID),
			zap.Error(err))
		h.metrics.RecordWebSocketError(string(apperrors.CodeOf(err)))
	}

	if env.AckID != "" {
		client.sendAck(env.AckID, domain.NewAck(result, err))
	}
}

func (h *Handler) route(ctx context.Context, client *Client, env domain.Envelope) (any, error) {
	userID := client.userID

	switch env.Event {
	case domain.EventCallRequest:
		var req domain.CallRequest
		if err := domain.Decode(env.Data, &req); err != nil {
			return nil, err
		}
		return h.calls.Request(ctx, userID, client.displayName, req)

	case domain.EventAcceptCall, domain.EventRejectCall, domain.EventCancelCall,
		domain.EventCallTimeout, domain.EventEndCall:
		var action domain.CallAction
		if err := domain.Decode(env.Data, &action); err != nil {
			return nil, err
		}
		return h.callAction(ctx, userID, env.Event, action.CallID)

	case domain.EventOffer, domain.EventAnswer, domain.EventICECandidate:
		var sig domain.Signal
		if err := domain.Decode(env.Data, &sig); err != nil {
			return nil, err
		}
		_, err := h.calls.Relay(ctx, userID, env.Event, sig)
		return nil, err

	case domain.EventGetUserStatus:
		var q domain.StatusQuery
		if err := domain.Decode(env.Data, &q); err != nil {
			return nil, err
		}
		rec := h.presence.Query(userID, q.UserID)
		if err := h.hub.Emit(userID, domain.EventUserStatus, rec); err != nil {
			return nil, err
		}
		return rec, nil

	case domain.EventSubscribePresence:
		var q domain.StatusQuery
		if err := domain.Decode(env.Data, &q); err != nil {
			return nil, err
		}
		h.presence.Subscribe(userID, q.UserID)
		return h.presence.GetStatus(q.UserID), nil

	case domain.EventUnsubscribePresence:
		var q domain.StatusQuery
		if err := domain.Decode(env.Data, &q); err != nil {
			return nil, err
		}
		h.presence.Unsubscribe(userID, q.UserID)
		return nil, nil

	case domain.EventSetStatus:
		var u domain.StatusUpdate
		if err := domain.Decode(env.Data, &u); err != nil {
			return nil, err
		}
		return h.presence.SetStatus(ctx, userID, u.Status)

	case domain.EventHeartbeat:
		h.presence.Heartbeat(ctx, userID)
		return nil, nil

	case domain.EventJoinConversation:
		var ref domain.ConversationRef
		if err := domain.Decode(env.Data, &ref); err != nil {
			return nil, err
		}
		h.chat.Join(userID, ref.ConversationID)
		return nil, nil

	case domain.EventLeaveConversation:
		var ref domain.ConversationRef
		if err := domain.Decode(env.Data, &ref); err != nil {
			return nil, err
		}
		h.chat.Leave(userID, ref.ConversationID)
		return nil, nil

	case domain.EventMessageSent:
		var msg domain.Message
		if err := domain.Decode(env.Data, &msg); err != nil {
			return nil, err
		}
		return h.chat.MessageSent(userID, msg)

	case domain.EventTypingStart, domain.EventTypingStop:
		var t domain.Typing
		if err := domain.Decode(env.Data, &t); err != nil {
			return nil, err
		}
		if env.Event == domain.EventTypingStart {
			return nil, h.chat.TypingStart(userID, t.ConversationID)
		}
		return nil, h.chat.TypingStop(userID, t.ConversationID)
	}

	logger.Warn("Unknown socket event",
		zap.String("event", env.Event),
		zap.String("user_id", userID))
	return nil, apperrors.ProtocolError(fmt.Sprintf("unknown event %q", env.Event))
}

func (h *Handler) callAction(ctx context.Context, userID, event, callID string) (*domain.CallSession, error) {
	switch event {
	case domain.EventAcceptCall:
		return h.calls.Accept(ctx, userID, callID)
	case domain.EventRejectCall:
		return h.calls.Reject(ctx, userID, callID)
	case domain.EventCancelCall:
		return h.calls.Cancel(ctx, userID, callID)
	case domain.EventCallTimeout:
		return h.calls.Timeout(ctx, userID, callID)
	default:
		return h.calls.End(ctx, userID, callID)
	}
}
