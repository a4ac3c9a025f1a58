package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

const (
	closeGoingAway       = websocket.CloseGoingAway
	closePolicyViolation = websocket.ClosePolicyViolation
	closeTryAgainLater   = websocket.CloseTryAgainLater
)

// Client is one user's socket
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	userID      string
	displayName string

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newClient(hub *Hub, conn *websocket.Conn, bufferSize int, userID, displayName string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, bufferSize),
		userID:      userID,
		displayName: displayName,
	}
}

// enqueue hands data to the write pump. A full buffer means the client is
// not keeping up; it is disconnected rather than queued for.
func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return apperrors.NetworkError("connection is closing", nil)
	}
	select {
	case c.send <- data:
		return nil
	default:
		logger.Warn("WebSocket send buffer full, dropping client", zap.String("user_id", c.userID))
		c.hub.metrics.RecordWebSocketError("send_buffer_full")
		c.closeLocked(closeTryAgainLater, "send buffer full")
		return apperrors.NetworkError("send buffer full", nil)
	}
}

// sendAck answers a frame that carried ackID
func (c *Client) sendAck(ackID string, ack domain.AckPayload) {
	env, err := domain.NewEnvelope(domain.EventAck, ack)
	if err != nil {
		return
	}
	env.AckID = ackID
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.enqueue(data); err != nil {
		logger.Debug("Ack not delivered", zap.String("user_id", c.userID), zap.Error(err))
	}
}

// close asks the write pump to send a close frame and hang up
func (c *Client) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

// readPump reads frames until the socket fails and hands each decoded
// envelope to handle, in arrival order
func (c *Client) readPump(pongWait time.Duration, handle func(domain.Envelope)) {
	defer func() {
		c.close(closeGoingAway, "")
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env domain.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID),
				zap.Error(err))
			c.hub.metrics.RecordWebSocketError("malformed_frame")
			continue
		}

		handle(env)
	}
}

// writePump writes queued frames and pings until the send channel closes
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.mu.Lock()
				code, reason := c.closeCode, c.closeReason
				c.mu.Unlock()
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
