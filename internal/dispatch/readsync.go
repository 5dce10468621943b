package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/db"
	"github.com/torvik/clubcast/internal/realtime"
)

// ReadStore is the mark-read mutation on the notification store.
type ReadStore interface {
	MarkRead(ctx context.Context, id, userID uuid.UUID) (*db.Notification, error)
}

// ReadSyncer is the single mark-read front door. The REST handler and the
// socket mark_read event both call it, so the store mutation and the
// notification_read broadcast are identical no matter which transport
// initiated them.
type ReadSyncer struct {
	store  ReadStore
	hub    Broadcaster
	logger *zap.Logger
}

// NewReadSyncer wires the store mutation to the room broadcast.
func NewReadSyncer(store ReadStore, hub Broadcaster, logger *zap.Logger) *ReadSyncer {
	return &ReadSyncer{store: store, hub: hub, logger: logger}
}

// MarkRead applies the owner-scoped mutation and, only after it commits,
// broadcasts notification_read to the owner's room so every other live
// connection converges. db.ErrNotFound passes through untouched.
func (r *ReadSyncer) MarkRead(ctx context.Context, id, userID uuid.UUID) (*db.Notification, error) {
	notif, err := r.store.MarkRead(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	r.hub.Broadcast(userID, realtime.EventNotificationRead, realtime.ReadEvent{
		ID:           notif.ID,
		Notification: notif,
	})
	r.logger.Debug("notification marked read",
		zap.String("notification_id", id.String()),
		zap.String("user_id", userID.String()),
	)

	return notif, nil
}
