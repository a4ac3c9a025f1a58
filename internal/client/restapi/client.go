// Package restapi talks to the chat persistence layer over HTTP. The relay
// never owns messages; clients persist through this API and then announce
// the stored record on the socket.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
)

// SendRequest persists one message. ClientID is the sender's temporary id
// and comes back on the stored record.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
}

// MessagePage is one page of a conversation's history, in server order
type MessagePage struct {
	Messages      []domain.Message `json:"messages"`
	HasMore       bool             `json:"has_more"`
	NextPageState string           `json:"next_page_state,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is the authenticated REST collaborator
type Client struct {
	http *resty.Client
}

// NewClient creates a client for baseURL authenticating with token
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "callrelay-client/1.0").
		SetTimeout(timeout)
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

// SetToken replaces the bearer credential
func (c *Client) SetToken(token string) {
	c.http.SetAuthToken(token)
}

// ListConversations returns the caller's conversations
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		out.Conversations = []domain.Conversation{}
	}
	return out.Conversations, nil
}

// ListMessages returns the latest page of conversationID's history
func (c *Client) ListMessages(ctx context.Context, conversationID string) (*MessagePage, error) {
	if conversationID == "" {
		return nil, apperrors.ValidationError("conversation id is required")
	}
	var page MessagePage
	path := "/chat/messages/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	if page.Messages == nil {
		page.Messages = []domain.Message{}
	}
	return &page, nil
}

// Send persists a message and returns the stored record
func (c *Client) Send(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if req.ConversationID == "" || strings.TrimSpace(req.Content) == "" {
		return nil, apperrors.ValidationError("conversation id and content are required")
	}
	var msg domain.Message
	if err := c.do(ctx, http.MethodPost, "/chat/send", req, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, apperrors.ProtocolError("stored message has no id")
	}
	if msg.ClientID == "" {
		msg.ClientID = req.ClientID
	}
	return &msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var env envelope
	req := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		SetError(&env)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return apperrors.NetworkError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	if resp.IsError() || !env.Success {
		return statusError(resp.StatusCode(), &env)
	}
	if result == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeProtocol, "malformed response body", err)
	}
	return nil
}

func statusError(status int, env *envelope) error {
	message := http.StatusText(status)
	if env.Error != nil && env.Error.Message != "" {
		message = env.Error.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.AuthError(message)
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.ErrCodeNotFound, message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return apperrors.ValidationError(message)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperrors.NetworkError(message, nil)
	case env.Error != nil && env.Error.Code != "":
		return apperrors.New(apperrors.ErrorCode(env.Error.Code), message)
	}
	return apperrors.ProtocolError(fmt.Sprintf("unexpected response (%d): %s", status, message))
}
