// Package realtime tracks live socket connections per user and broadcasts
// events to them. Rooms are purely in-memory: durability is the notification
// store's job, and a connection that joins after a broadcast simply missed
// it. Horizontal scaling would need a shared pub/sub backplane behind the
// same interface.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/metrics"
)

// Socket event names shared with the client.
const (
	EventNotification     = "notification"
	EventNotificationRead = "notification_read"
)

// sendBuffer is the per-session outbound queue depth. A session that falls
// this far behind is dropped rather than allowed to block a broadcast.
const sendBuffer = 32

// Envelope is one wire frame, in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReadEvent is the payload of a notification_read broadcast.
type ReadEvent struct {
	ID           uuid.UUID   `json:"id"`
	Notification interface{} `json:"notification"`
}

// Session is one live, authenticated connection. A user with several devices
// holds several sessions in the same room.
type Session struct {
	UserID uuid.UUID
	Email  string

	hub  *Hub
	send chan Envelope

	closeOnce sync.Once
}

// Outbound returns the channel the write loop drains.
func (s *Session) Outbound() <-chan Envelope {
	return s.send
}

// close shuts the outbound channel exactly once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// Hub is the room registry: one room per user, containing that user's live
// sessions. It is the only shared mutable state in the process; every
// method is safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[*Session]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:  make(map[uuid.UUID]map[*Session]struct{}),
		logger: logger,
	}
}

// Register joins an authenticated identity to its room and returns the new
// session. Callers must Unregister when the connection ends.
func (h *Hub) Register(userID uuid.UUID, email string) *Session {
	s := &Session{
		UserID: userID,
		Email:  email,
		hub:    h,
		send:   make(chan Envelope, sendBuffer),
	}

	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[*Session]struct{})
		h.rooms[userID] = room
	}
	room[s] = struct{}{}
	h.mu.Unlock()

	metrics.ConnectionOpened()
	h.logger.Info("socket joined room",
		zap.String("user_id", userID.String()),
	)

	return s
}

// Unregister removes the session from its room and closes its queue.
// Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	room, ok := h.rooms[s.UserID]
	removed := false
	if ok {
		if _, member := room[s]; member {
			delete(room, s)
			removed = true
		}
		if len(room) == 0 {
			delete(h.rooms, s.UserID)
		}
	}
	h.mu.Unlock()

	if removed {
		s.close()
		metrics.ConnectionClosed()
		h.logger.Debug("socket left room",
			zap.String("user_id", s.UserID.String()),
		)
	}
}

// Occupancy reports how many live sessions the user's room holds. The count
// is inherently racy against concurrent connects/disconnects and is only a
// delivery heuristic, never a correctness guarantee.
func (h *Hub) Occupancy(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Broadcast marshals payload once and queues it on every session currently
// in the user's room. Sessions that joined after the call get nothing; there
// is no replay. A session with a full queue is skipped. Returns the number
// of sessions the frame was queued for.
func (h *Hub) Broadcast(userID uuid.UUID, event string, payload interface{}) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast payload",
			zap.Error(err),
			zap.String("event", event),
		)
		return 0
	}

	env := Envelope{Event: event, Data: data}

	// Queueing happens under the read lock so a concurrent Unregister
	// cannot close a session's channel mid-send. Sends are non-blocking,
	// so the lock is held only briefly.
	h.mu.RLock()
	delivered := 0
	for s := range h.rooms[userID] {
		select {
		case s.send <- env:
			delivered++
		default:
			h.logger.Warn("dropping frame for slow socket",
				zap.String("user_id", userID.String()),
				zap.String("event", event),
			)
		}
	}
	h.mu.RUnlock()

	metrics.RecordBroadcast(event)
	h.logger.Debug("broadcast queued",
		zap.String("user_id", userID.String()),
		zap.String("event", event),
		zap.Int("recipients", delivered),
	)

	return delivered
}
