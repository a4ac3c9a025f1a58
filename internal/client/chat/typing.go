package chat

import (
	"sync"
	"time"

	"callrelay-backend/internal/domain"
)

// TypingNotifier turns keystrokes into typing_start and typing_stop. A
// start goes out once per idle-then-typing transition; the stop goes out
// after the idle window or when Stop is called, whichever comes first, and
// never twice for the same start.
type TypingNotifier struct {
	idle time.Duration
	send func(event, conversationID string)

	mu     sync.Mutex
	conv   string
	typing bool
	timer  *time.Timer
	gen    uint64
}

// NewTypingNotifier creates a notifier that calls send for every event
func NewTypingNotifier(idle time.Duration, send func(event, conversationID string)) *TypingNotifier {
	return &TypingNotifier{idle: idle, send: send}
}

// Keystroke records typing in conversationID
func (n *TypingNotifier) Keystroke(conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.typing && n.conv != conversationID {
		n.stopLocked()
	}
	if !n.typing {
		n.typing = true
		n.conv = conversationID
		n.send(domain.EventTypingStart, conversationID)
	}

	if n.timer != nil {
		n.timer.Stop()
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.idle, func() { n.expire(gen) })
}

// Stop ends the current typing run, if any
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typing {
		n.stopLocked()
	}
}

// Typing reports whether a start is outstanding
func (n *TypingNotifier) Typing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.typing
}

// expire fires the idle stop unless a later keystroke or Stop superseded it
func (n *TypingNotifier) expire(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.gen || !n.typing {
		return
	}
	n.stopLocked()
}

func (n *TypingNotifier) stopLocked() {
	n.typing = false
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.send(domain.EventTypingStop, n.conv)
}
