package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/db"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	markReadWindow = 5 * time.Second
)

// ReadSync is the shared mark-read flow. The socket path and the REST path
// both go through the same implementation so their observable effects are
// identical.
type ReadSync interface {
	MarkRead(ctx context.Context, id, userID uuid.UUID) (*db.Notification, error)
}

// markReadRequest is the inbound mark_read frame payload. Clients may send
// either {"id": "..."} or a bare string id.
type markReadRequest struct {
	ID string `json:"id"`
}

// ack mirrors the response shape of the REST endpoints.
type ack struct {
	OK      bool        `json:"ok"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Handler upgrades HTTP requests to live socket connections. A request that
// fails authentication is rejected with 401 before the upgrade: it never
// joins a room and never exchanges a frame.
type Handler struct {
	hub      *Hub
	verifier *Verifier
	reads    ReadSync
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the socket endpoint handler.
func NewHandler(hub *Hub, verifier *Verifier, reads ReadSync, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		reads:    reads,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The browser client connects cross-origin from the app domain.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(TokenFromRequest(r))
	if err != nil {
		h.logger.Warn("socket handshake rejected",
			zap.String("remote", r.RemoteAddr),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}

	session := h.hub.Register(identity.UserID, identity.Email)

	go h.writePump(conn, session)
	h.readPump(conn, session)
}

// readPump drains inbound frames until the connection dies, then leaves the
// room. It is the only goroutine reading the connection.
func (h *Handler) readPump(conn *websocket.Conn, session *Session) {
	defer func() {
		h.hub.Unregister(session)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("socket closed unexpectedly",
					zap.String("user_id", session.UserID.String()),
					zap.Error(err),
				)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.sendAck(session, ack{OK: false, Message: "malformed frame"})
			continue
		}

		switch env.Event {
		case "mark_read":
			h.handleMarkRead(session, env.Data)
		default:
			h.logger.Debug("ignoring unknown socket event",
				zap.String("event", env.Event),
			)
		}
	}
}

// handleMarkRead authorizes against the session's authenticated identity,
// applies the store mutation and acks the caller. The room broadcast happens
// inside ReadSync, exactly as on the REST path.
func (h *Handler) handleMarkRead(session *Session, data json.RawMessage) {
	id, ok := parseMarkReadID(data)
	if !ok {
		h.sendAck(session, ack{OK: false, Message: "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), markReadWindow)
	defer cancel()

	notif, err := h.reads.MarkRead(ctx, id, session.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.sendAck(session, ack{OK: false, Message: "notification not found"})
			return
		}
		h.logger.Error("socket mark_read failed",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		h.sendAck(session, ack{OK: false, Message: "internal error"})
		return
	}

	h.sendAck(session, ack{OK: true, Data: notif})
}

// parseMarkReadID accepts {"id": "..."} or a bare JSON string.
func parseMarkReadID(data json.RawMessage) (uuid.UUID, bool) {
	var req markReadRequest
	if err := json.Unmarshal(data, &req); err == nil && req.ID != "" {
		if id, err := uuid.Parse(req.ID); err == nil {
			return id, true
		}
		return uuid.Nil, false
	}

	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		if id, err := uuid.Parse(plain); err == nil {
			return id, true
		}
	}

	return uuid.Nil, false
}

// sendAck queues a mark_read_ack frame without ever blocking the read loop.
func (h *Handler) sendAck(session *Session, a ack) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	select {
	case session.send <- Envelope{Event: "mark_read_ack", Data: data}:
	default:
		h.logger.Warn("dropping ack for slow socket",
			zap.String("user_id", session.UserID.String()),
		)
	}
}

// writePump is the only goroutine writing the connection. It drains the
// session queue and keeps the connection alive with pings.
func (h *Handler) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case env, open := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
