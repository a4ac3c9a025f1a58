package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/response"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Sessions is the read side of the call session manager
type Sessions interface {
	Get(ctx context.Context, userID, callID string) (*domain.CallSession, error)
	ActiveFor(ctx context.Context, userID string) (*domain.CallSession, error)
}

// History lists recorded calls
type History interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error)
}

// Handler serves call lookups over HTTP
type Handler struct {
	sessions Sessions
	history  History
}

// NewHandler creates a call handler. history may be nil when no call log
// is configured.
func NewHandler(sessions Sessions, history History) *Handler {
	return &Handler{
		sessions: sessions,
		history:  history,
	}
}

// GetCall returns a live or recently finished session. Only participants
// can see it; everyone else gets 404.
// GET /v1/calls/:callId
func (h *Handler) GetCall(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	session, err := h.sessions.Get(c.Request.Context(), userID, c.Param("callId"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call":  session,
		"state": session.ViewFor(userID),
	})
}

// GetActive returns the caller's non-terminal session, or null
// GET /v1/me/call
func (h *Handler) GetActive(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	session, err := h.sessions.ActiveFor(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"call": session})
}

// GetHistory lists the caller's recorded calls
// GET /v1/calls?limit=20
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	if h.history == nil {
		response.ServiceUnavailable(c, "Call history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			response.ValidationError(c, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	calls, err := h.history.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []*domain.CallSession{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
		"limit": limit,
	})
}
