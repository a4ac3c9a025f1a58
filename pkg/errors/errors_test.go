package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := BusyError("user is in another call")
	assert.Equal(t, "BUSY: user is in another call", err.Error())

	wrapped := NetworkError("dial failed", fmt.Errorf("connection refused"))
	assert.Contains(t, wrapped.Error(), "NETWORK_ERROR: dial failed")
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestStatusCodes(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, AuthError("bad token").StatusCode)
	assert.Equal(t, http.StatusConflict, BusyError("busy").StatusCode)
	assert.Equal(t, http.StatusBadRequest, ProtocolError("stale").StatusCode)
	assert.Equal(t, http.StatusBadRequest, ValidationError("missing callId").StatusCode)
	assert.Equal(t, http.StatusNotFound, NotFoundError("call").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, NetworkError("down", nil).StatusCode)
	assert.Equal(t, http.StatusInternalServerError, InternalError("boom").StatusCode)
}

func TestCodeOf(t *testing.T) {
	t.Run("wrapped app error keeps its code", func(t *testing.T) {
		err := fmt.Errorf("accept failed: %w", ProtocolError("unknown call"))
		assert.Equal(t, ErrCodeProtocol, CodeOf(err))
		assert.True(t, Is(err, ErrCodeProtocol))
		assert.False(t, Is(err, ErrCodeBusy))
	})

	t.Run("plain error is internal", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("boom")))
	})

	t.Run("nil error has no code", func(t *testing.T) {
		assert.Equal(t, ErrorCode(""), CodeOf(nil))
		assert.False(t, Is(nil, ErrCodeInternal))
	})
}

func TestGetAppError(t *testing.T) {
	orig := AuthError("expired")
	assert.Same(t, orig, GetAppError(fmt.Errorf("ctx: %w", orig)))

	converted := GetAppError(fmt.Errorf("raw"))
	assert.Equal(t, ErrCodeInternal, converted.Code)
	assert.Equal(t, "raw", converted.Message)
}
