// internal/notify/hub.go

// Package notify delivers server pushes to connected sessions.
package notify

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/protocol"
)

// Sink accepts outbound messages for one session. Offer must not block; it
// returns false when the message could not be queued.
type Sink interface {
	Offer(msg protocol.Message) bool
}

// Notifier is what the registry and orchestrator depend on.
type Notifier interface {
	Notify(sessionIDs []string, msg protocol.Message)
}

// Hub maps session ids to their sinks.
type Hub struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	logger *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{sinks: make(map[string]Sink), logger: logger}
}

// Register binds sessionID to sink, replacing any previous binding.
func (h *Hub) Register(sessionID string, sink Sink) {
	h.mu.Lock()
	h.sinks[sessionID] = sink
	h.mu.Unlock()
}

// Unregister drops the binding. Later notifications for the id are ignored.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	delete(h.sinks, sessionID)
	h.mu.Unlock()
}

// Notify queues msg on every listed session that is still registered.
// Delivery never blocks the caller; a full outbox drops the message.
func (h *Hub) Notify(sessionIDs []string, msg protocol.Message) {
	h.mu.RLock()
	targets := make(map[string]Sink, len(sessionIDs))
	for _, id := range sessionIDs {
		if s, ok := h.sinks[id]; ok {
			targets[id] = s
		}
	}
	h.mu.RUnlock()

	for id, s := range targets {
		if !s.Offer(msg) {
			h.logger.WithFields(logrus.Fields{
				"session": id,
				"type":    msg.Type,
			}).Warn("outbox full, dropping notification")
		}
	}
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Outbox is a buffered channel sink drained by a session's writer goroutine.
type Outbox chan protocol.Message

// NewOutbox creates an outbox with the given capacity.
func NewOutbox(size int) Outbox {
	return make(Outbox, size)
}

func (o Outbox) Offer(msg protocol.Message) bool {
	select {
	case o <- msg:
		return true
	default:
		return false
	}
}
