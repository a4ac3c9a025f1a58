package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/response"
)

// CallService is the slice of the call manager the socket layer drives
type CallService interface {
	Request(ctx context.Context, callerID, callerName string, req domain.CallRequest) (*domain.CallSession, error)
	Accept(ctx context.Context, userID, callID string) (*domain.CallSession, error)
	Reject(ctx context.Context, userID, callID string) (*domain.CallSession, error)
	Cancel(ctx context.Context, userID, callID string) (*domain.CallSession, error)
	Timeout(ctx context.Context, userID, callID string) (*domain.CallSession, error)
	End(ctx context.Context, userID, callID string) (*domain.CallSession, error)
	Relay(ctx context.Context, userID, event string, sig domain.Signal) (*domain.CallSession, error)
	HandleDisconnect(ctx context.Context, userID string) error
	HandleReconnect(ctx context.Context, userID string) (*domain.CallSession, error)
}

// PresenceService is the slice of the presence registry the socket layer drives
type PresenceService interface {
	SetOnline(ctx context.Context, userID string) domain.PresenceRecord
	SetOffline(ctx context.Context, userID string) domain.PresenceRecord
	Heartbeat(ctx context.Context, userID string)
	SetStatus(ctx context.Context, userID string, status domain.PresenceStatus) (domain.PresenceRecord, error)
	GetStatus(userID string) domain.PresenceRecord
	Query(subscriber, target string) domain.PresenceRecord
	Subscribe(subscriber, target string)
	Unsubscribe(subscriber, target string)
	DropSubscriber(subscriber string)
}

// ChatService is the slice of the chat service the socket layer drives
type ChatService interface {
	Join(userID, conversationID string)
	Leave(userID, conversationID string)
	LeaveAll(userID string)
	MessageSent(userID string, msg domain.Message) (domain.Message, error)
	TypingStart(userID, conversationID string) error
	TypingStop(userID, conversationID string) error
}

// Config holds socket timing and admission settings
type Config struct {
	PingInterval   time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// Handler upgrades authenticated requests and routes their events
type Handler struct {
	cfg      Config
	hub      *Hub
	calls    CallService
	presence PresenceService
	chat     ChatService
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler creates the socket handler
func NewHandler(cfg Config, hub *Hub, calls CallService, presence PresenceService, chat ChatService, m *metrics.Metrics) *Handler {
	h := &Handler{
		cfg:      cfg,
		hub:      hub,
		calls:    calls,
		presence: presence,
		chat:     chat,
		metrics:  m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits non-browser clients (no Origin header) and browsers
// from the configured origins
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS handles GET /v1/ws. The auth middleware has already put user_id
// in the context.
func (h *Handler) ServeWS(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		response.Unauthorized(c, "Authentication required")
		return
	}

	// Acquire semaphore to limit concurrent connections
	if !h.hub.acquire() {
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.hub.maxConnections))
		response.ServiceUnavailable(c, "Server at capacity, please try again later")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, h.cfg.SendBuffer, userID, c.GetString("display_name"))
	if old := h.hub.register(client); old != nil {
		old.close(closePolicyViolation, constants.WebSocketCloseReplaced)
	}

	go client.writePump(h.cfg.PingInterval)
	go h.serve(client)
}

// serve runs the connection's lifecycle on its read goroutine
func (h *Handler) serve(client *Client) {
	defer h.hub.release()

	h.onConnect(client)

	client.readPump(h.cfg.PingInterval+constants.WebSocketWriteWait, func(env domain.Envelope) {
		h.dispatch(client, env)
	})

	if h.hub.unregister(client) {
		h.onDisconnect(client.userID)
	}
}

func (h *Handler) onConnect(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.EventTimeout)
	defer cancel()

	h.presence.SetOnline(ctx, client.userID)

	session, err := h.calls.HandleReconnect(ctx, client.userID)
	if err != nil {
		logger.Warn("Failed to reconcile call on connect",
			zap.String("user_id", client.userID),
			zap.Error(err))
		return
	}

	snapshot := domain.SnapshotFor(session, client.userID)
	if err := h.hub.Emit(client.userID, domain.EventCallState, &snapshot); err != nil {
		logger.Debug("Call snapshot not delivered", zap.String("user_id", client.userID), zap.Error(err))
	}
	if session == nil {
		return
	}
	logger.Info("User connected with a live call",
		zap.String("user_id", client.userID),
		zap.String("call_id", session.ID),
		zap.String("state", string(snapshot.State)))

	// A callee connecting mid-ring gets the ring it missed
	if snapshot.State == domain.CallStateRingingIncoming {
		incoming := &domain.IncomingCall{
			CallID:     session.ID,
			CallerID:   session.CallerID,
			CallerName: session.CallerName,
			Kind:       session.MediaKind,
			State:      domain.CallStateRingingIncoming,
		}
		if err := h.hub.Emit(client.userID, domain.EventIncomingCall, incoming); err != nil {
			logger.Debug("Incoming call not redelivered", zap.String("call_id", session.ID), zap.Error(err))
		}
	}
}

// onDisconnect tears a user down. The call fails, and the peer is told,
// before presence flips to offline.
func (h *Handler) onDisconnect(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.EventTimeout)
	defer cancel()

	if err := h.calls.HandleDisconnect(ctx, userID); err != nil {
		logger.Warn("Failed to handle call disconnect",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	h.presence.SetOffline(ctx, userID)
	h.presence.DropSubscriber(userID)
	h.chat.LeaveAll(userID)

	logger.Info("WebSocket client disconnected", zap.String("user_id", userID))
}
