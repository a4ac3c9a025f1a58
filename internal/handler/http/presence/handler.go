package presence

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/response"
)

// Reader is the read side of the presence registry
type Reader interface {
	GetStatus(userID string) domain.PresenceRecord
}

// Handler serves presence lookups over HTTP
type Handler struct {
	presence Reader
}

// NewHandler creates a new presence handler
func NewHandler(presence Reader) *Handler {
	return &Handler{presence: presence}
}

// GetStatus returns a user's presence. Unknown users are offline. Unlike
// get_user_status on the socket, this does not subscribe the caller.
// GET /v1/presence/:userId
func (h *Handler) GetStatus(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		response.ValidationError(c, "userId is required")
		return
	}

	response.Success(c, http.StatusOK, h.presence.GetStatus(userID))
}
