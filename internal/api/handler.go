package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/db"
	"github.com/torvik/clubcast/internal/dispatch"
	"github.com/torvik/clubcast/internal/metrics"
	"github.com/torvik/clubcast/internal/redis"
)

// Dispatcher fans one club event out to its recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) (dispatch.Result, error)
}

// NotificationStore covers the owner-scoped read and delete operations.
type NotificationStore interface {
	List(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*db.Notification, int, error)
	Delete(ctx context.Context, id, userID uuid.UUID) (*db.Notification, error)
	DeleteAll(ctx context.Context, userID uuid.UUID) (int64, error)
}

// ReadSyncer is the shared mark-read flow (store mutation + room broadcast).
type ReadSyncer interface {
	MarkRead(ctx context.Context, id, userID uuid.UUID) (*db.Notification, error)
}

// ClubEventRequest is the inbound webhook body.
type ClubEventRequest struct {
	Type       string                 `json:"type"`
	ClubID     string                 `json:"club_id"`
	ExternalID string                 `json:"external_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Handler holds the dependencies of the HTTP surface.
type Handler struct {
	logger        *zap.Logger
	dispatcher    Dispatcher
	store         NotificationStore
	reads         ReadSyncer
	deduper       *redis.EventDeduper // nil if Redis unavailable
	webhookSecret string
	source        string
}

// NewHandler creates the HTTP handler set. deduper may be nil, in which case
// webhook replay protection is disabled.
func NewHandler(
	logger *zap.Logger,
	dispatcher Dispatcher,
	store NotificationStore,
	reads ReadSyncer,
	deduper *redis.EventDeduper,
	webhookSecret, source string,
) *Handler {
	return &Handler{
		logger:        logger,
		dispatcher:    dispatcher,
		store:         store,
		reads:         reads,
		deduper:       deduper,
		webhookSecret: webhookSecret,
		source:        source,
	}
}

// HandleClubEvent handles POST /v1/webhooks/club-events. The pre-shared
// secret is checked before any other work; a mismatch has zero side effects.
func (h *Handler) HandleClubEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.webhookSecret == "" || r.Header.Get("X-Webhook-Token") != h.webhookSecret {
		metrics.RecordEventReceived("unauthorized")
		h.writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	var req ClubEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordEventReceived("invalid")
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Type == "" || req.ClubID == "" {
		metrics.RecordEventReceived("invalid")
		h.writeError(w, http.StatusBadRequest, "missing type or club_id")
		return
	}
	clubID, err := uuid.Parse(req.ClubID)
	if err != nil {
		metrics.RecordEventReceived("invalid")
		h.writeError(w, http.StatusBadRequest, "club_id must be a valid UUID")
		return
	}

	// Replay protection only applies to events that carry an identity.
	reserved := false
	if req.ExternalID != "" && h.deduper != nil {
		cached, err := h.deduper.CheckOrReserve(ctx, h.source, req.ExternalID)
		switch {
		case errors.Is(err, redis.ErrEventInFlight):
			h.writeError(w, http.StatusConflict, "event is already being processed")
			return
		case err != nil:
			h.logger.Warn("replay check failed, proceeding without it",
				zap.Error(err),
				zap.String("external_id", req.ExternalID),
			)
		case cached != nil:
			metrics.RecordEventReceived("replayed")
			metrics.RecordEventReplayHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Event-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":        true,
				"delivered": cached.Delivered,
			})
			return
		default:
			reserved = true
		}
	}

	result, err := h.dispatcher.Dispatch(ctx, dispatch.Event{
		Type:       req.Type,
		ClubID:     clubID,
		ExternalID: req.ExternalID,
		Payload:    req.Data,
	})
	if err != nil {
		if reserved {
			if relErr := h.deduper.Release(ctx, h.source, req.ExternalID); relErr != nil {
				h.logger.Warn("failed to release replay reservation",
					zap.Error(relErr),
					zap.String("external_id", req.ExternalID),
				)
			}
		}
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("event_type", req.Type),
			zap.String("club_id", req.ClubID),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to dispatch event")
		return
	}

	if reserved {
		cached := &redis.EventResult{
			Delivered:  result.Delivered,
			StatusCode: http.StatusOK,
			CreatedAt:  time.Now().Unix(),
		}
		if err := h.deduper.Store(ctx, h.source, req.ExternalID, cached); err != nil {
			h.logger.Warn("failed to cache event result",
				zap.Error(err),
				zap.String("external_id", req.ExternalID),
			)
		}
	}

	metrics.RecordEventReceived("dispatched")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"delivered": result.Delivered,
	})
}

// ListNotifications handles GET /v1/notifications?page=&pageSize=. Rows are
// scoped to the authenticated caller, newest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeStatusError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 25)

	rows, total, err := h.store.List(r.Context(), identity.UserID, page, pageSize)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", identity.UserID.String()),
		)
		h.writeStatusError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	} else if pageSize > 100 {
		pageSize = 100
	}
	totalPages := 1
	if total > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	if rows == nil {
		rows = []*db.Notification{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Notifications fetched successfully",
		"data": map[string]interface{}{
			"notifications": rows,
			"page":          page,
			"pageSize":      pageSize,
			"total":         total,
			"totalPages":    totalPages,
		},
	})
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read. It funnels
// into the same flow as the socket mark_read event.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be a valid UUID")
		return
	}

	notif, err := h.reads.MarkRead(r.Context(), id, identity.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		h.logger.Error("failed to mark notification read",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to mark notification read")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"data": notif,
	})
}

// DeleteNotification handles DELETE /v1/notifications/{id}.
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be a valid UUID")
		return
	}

	notif, err := h.store.Delete(r.Context(), id, identity.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		h.logger.Error("failed to delete notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to delete notification")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"data": notif,
	})
}

// DeleteAllNotifications handles DELETE /v1/notifications.
func (h *Handler) DeleteAllNotifications(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	deleted, err := h.store.DeleteAll(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to delete notifications",
			zap.Error(err),
			zap.String("user_id", identity.UserID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to delete notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"deleted": deleted,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"ok":      false,
		"message": message,
	})
}

// writeStatusError matches the list endpoint's {status, message} envelope.
func (h *Handler) writeStatusError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"status":  "failed",
		"message": message,
	})
}
