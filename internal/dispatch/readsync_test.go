package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/db"
	"github.com/torvik/clubcast/internal/realtime"
)

func TestReadSyncer_MarkReadBroadcastsToOwnerRoom(t *testing.T) {
	userID := uuid.New()
	notifID := uuid.New()
	hub := &fakeHub{online: map[uuid.UUID]int{userID: 1}}
	r := NewReadSyncer(&fakeStore{}, hub, zap.NewNop())

	notif, err := r.MarkRead(context.Background(), notifID, userID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !notif.IsRead {
		t.Fatal("returned row should be read")
	}
	if len(hub.broadcast) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(hub.broadcast))
	}
	if hub.broadcast[0].event != realtime.EventNotificationRead {
		t.Fatalf("expected %s event, got %s", realtime.EventNotificationRead, hub.broadcast[0].event)
	}
	if hub.broadcast[0].userID != userID {
		t.Fatal("broadcast must target the owner's room")
	}
}

func TestReadSyncer_NotFoundSkipsBroadcast(t *testing.T) {
	hub := &fakeHub{}
	r := NewReadSyncer(&fakeStore{insertErr: db.ErrNotFound}, hub, zap.NewNop())

	_, err := r.MarkRead(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound passthrough, got %v", err)
	}
	if len(hub.broadcast) != 0 {
		t.Fatal("failed mutation must not broadcast")
	}
}
