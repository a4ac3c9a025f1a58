// Package response writes the relay's JSON envelope for HTTP endpoints.
package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "callrelay-backend/pkg/errors"
)

// Response represents standard API response envelope
type Response struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta contains response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
		Meta:    meta(c),
	})
}

// Error sends an error response and aborts the chain
func Error(c *gin.Context, statusCode int, code apperrors.ErrorCode, message string) {
	c.AbortWithStatusJSON(statusCode, Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    string(code),
			Message: message,
		},
		Meta: meta(c),
	})
}

// FromError maps any error onto the envelope. Non-AppErrors become a 500
// without leaking their text.
func FromError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if !apperrors.IsAppError(err) {
		appErr = apperrors.InternalError("internal error")
	}
	Error(c, appErr.StatusCode, appErr.Code, appErr.Message)
}

// Unauthorized sends unauthorized error (401)
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, apperrors.ErrCodeAuth, message)
}

// NotFound sends not found error (404)
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, apperrors.ErrCodeNotFound, message)
}

// ServiceUnavailable sends service unavailable error (503)
func ServiceUnavailable(c *gin.Context, message string) {
	Error(c, http.StatusServiceUnavailable, apperrors.ErrCodeNetwork, message)
}

func meta(c *gin.Context) Meta {
	return Meta{
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString("request_id"),
	}
}

// ValidationError sends validation error (400)
func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, apperrors.ErrCodeValidation, message)
}
