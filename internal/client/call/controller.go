package call

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/logger"
)

// MediaDevices is the local camera and microphone. Acquire may be slow and
// may ignore ctx; Release frees whatever Acquire obtained.
type MediaDevices interface {
	Acquire(ctx context.Context, kind domain.MediaKind) error
	Release()
}

// Controller projects call transitions onto media devices. It acquires
// when the local user enters a call (ringing out, or accepting) and
// releases exactly once when that call reaches any terminal state, even if
// the terminal state arrives while acquisition is still in flight. It never
// reads or writes call state.
type Controller struct {
	devices MediaDevices

	mu    sync.Mutex
	lease *mediaLease
	wg    sync.WaitGroup
}

type mediaLease struct {
	callID   string
	acquired bool
	ended    bool
	released bool
	cancel   context.CancelFunc
}

// NewController creates a controller for devices
func NewController(devices MediaDevices) *Controller {
	return &Controller{devices: devices}
}

// Handle consumes one transition
func (c *Controller) Handle(t Transition) {
	switch {
	case t.Call.State.IsTerminal():
		c.end(t.Call.ID)
	case t.Call.State == domain.CallStateRingingOutgoing, t.Call.State.IsConnected():
		c.acquire(t.Call)
	}
}

// Close releases anything still held and waits for in-flight acquisitions
func (c *Controller) Close() {
	c.mu.Lock()
	var callID string
	if c.lease != nil {
		callID = c.lease.callID
	}
	c.mu.Unlock()

	if callID != "" {
		c.end(callID)
	}
	c.wg.Wait()
}

func (c *Controller) acquire(call Call) {
	c.mu.Lock()
	if c.lease != nil && c.lease.callID == call.ID {
		c.mu.Unlock()
		return
	}
	stale := c.lease
	c.mu.Unlock()

	// A lease left over from a call whose terminal state never arrived
	if stale != nil {
		c.end(stale.callID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	lease := &mediaLease{callID: call.ID, cancel: cancel}

	c.mu.Lock()
	c.lease = lease
	c.wg.Add(1)
	c.mu.Unlock()

	logger.Debug("Acquiring media", zap.String("call_id", call.ID), zap.String("kind", string(call.Kind)))

	go func() {
		defer c.wg.Done()
		err := c.devices.Acquire(ctx, call.Kind)

		c.mu.Lock()
		if err != nil {
			c.mu.Unlock()
			logger.Warn("Media acquisition failed", zap.String("call_id", call.ID), zap.Error(err))
			return
		}
		lease.acquired = true
		release := lease.ended && !lease.released
		if release {
			lease.released = true
		}
		c.mu.Unlock()

		if release {
			logger.Debug("Call ended during acquisition, releasing media", zap.String("call_id", call.ID))
			c.devices.Release()
		}
	}()
}

func (c *Controller) end(callID string) {
	c.mu.Lock()
	lease := c.lease
	if lease == nil || lease.callID != callID || lease.ended {
		c.mu.Unlock()
		return
	}
	lease.ended = true
	lease.cancel()
	release := lease.acquired && !lease.released
	if release {
		lease.released = true
	}
	c.mu.Unlock()

	if release {
		logger.Debug("Releasing media", zap.String("call_id", callID))
		c.devices.Release()
	}
}
