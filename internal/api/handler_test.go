package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/db"
	"github.com/torvik/clubcast/internal/dispatch"
	"github.com/torvik/clubcast/internal/realtime"
	"github.com/torvik/clubcast/internal/redis"
)

const testWebhookSecret = "hook-secret"

type fakeDispatcher struct {
	mu     sync.Mutex
	result dispatch.Result
	err    error
	events []dispatch.Event
}

func (f *fakeDispatcher) Dispatch(_ context.Context, event dispatch.Event) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeNotifStore struct {
	rows      []*db.Notification
	total     int
	listErr   error
	deleteErr error
	deleted   int64
}

func (f *fakeNotifStore) List(_ context.Context, _ uuid.UUID, _, _ int) ([]*db.Notification, int, error) {
	return f.rows, f.total, f.listErr
}

func (f *fakeNotifStore) Delete(_ context.Context, id, userID uuid.UUID) (*db.Notification, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &db.Notification{ID: id, UserID: userID}, nil
}

func (f *fakeNotifStore) DeleteAll(_ context.Context, _ uuid.UUID) (int64, error) {
	return f.deleted, f.deleteErr
}

type fakeReadSyncer struct {
	err   error
	calls int
}

func (f *fakeReadSyncer) MarkRead(_ context.Context, id, userID uuid.UUID) (*db.Notification, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &db.Notification{ID: id, UserID: userID, IsRead: true}, nil
}

func newTestHandler(d Dispatcher, store NotificationStore, reads ReadSyncer, deduper *redis.EventDeduper) *Handler {
	return NewHandler(zap.NewNop(), d, store, reads, deduper, testWebhookSecret, "clubfeed")
}

func setupDeduper(t *testing.T) *redis.EventDeduper {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	host, portStr, found := strings.Cut(mr.Addr(), ":")
	if !found {
		t.Fatalf("unexpected miniredis addr %q", mr.Addr())
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}

	client, err := redis.New(context.Background(), redis.Config{Host: host, Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect to miniredis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return redis.NewEventDeduper(client, zap.NewNop())
}

func postEvent(t *testing.T, h *Handler, secret string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/club-events", bytes.NewReader(raw))
	if secret != "" {
		r.Header.Set("X-Webhook-Token", secret)
	}
	w := httptest.NewRecorder()
	h.HandleClubEvent(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHandleClubEvent_RejectsBadToken(t *testing.T) {
	d := &fakeDispatcher{}
	h := newTestHandler(d, &fakeNotifStore{}, &fakeReadSyncer{}, nil)

	tests := []struct {
		name   string
		secret string
	}{
		{name: "missing token", secret: ""},
		{name: "wrong token", secret: "wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postEvent(t, h, tt.secret, map[string]interface{}{
				"type":    "club_announcement",
				"club_id": uuid.NewString(),
			})
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			if d.calls() != 0 {
				t.Fatal("a rejected event must have zero side effects")
			}
		})
	}
}

func TestHandleClubEvent_ValidatesBody(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{name: "missing type", body: map[string]interface{}{"club_id": uuid.NewString()}},
		{name: "missing club_id", body: map[string]interface{}{"type": "club_announcement"}},
		{name: "bad club_id", body: map[string]interface{}{"type": "t", "club_id": "not-a-uuid"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			h := newTestHandler(d, &fakeNotifStore{}, &fakeReadSyncer{}, nil)

			w := postEvent(t, h, testWebhookSecret, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if d.calls() != 0 {
				t.Fatal("invalid events must not dispatch")
			}
		})
	}
}

func TestHandleClubEvent_Dispatches(t *testing.T) {
	d := &fakeDispatcher{result: dispatch.Result{Delivered: 3}}
	h := newTestHandler(d, &fakeNotifStore{}, &fakeReadSyncer{}, nil)

	clubID := uuid.New()
	w := postEvent(t, h, testWebhookSecret, map[string]interface{}{
		"type":        "club_announcement",
		"club_id":     clubID.String(),
		"external_id": "evt-42",
		"data":        map[string]interface{}{"title": "Season opener"},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["ok"] != true || body["delivered"] != float64(3) {
		t.Fatalf("unexpected body: %v", body)
	}

	if d.calls() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", d.calls())
	}
	event := d.events[0]
	if event.Type != "club_announcement" || event.ClubID != clubID || event.ExternalID != "evt-42" {
		t.Fatalf("event fields not carried through: %+v", event)
	}
	if event.Payload["title"] != "Season opener" {
		t.Fatalf("payload not carried through: %+v", event.Payload)
	}
}

func TestHandleClubEvent_ReplayReturnsCachedResult(t *testing.T) {
	d := &fakeDispatcher{result: dispatch.Result{Delivered: 2}}
	h := newTestHandler(d, &fakeNotifStore{}, &fakeReadSyncer{}, setupDeduper(t))

	body := map[string]interface{}{
		"type":        "club_announcement",
		"club_id":     uuid.NewString(),
		"external_id": "evt-replay",
	}

	first := postEvent(t, h, testWebhookSecret, body)
	if first.Code != http.StatusOK {
		t.Fatalf("first post: expected 200, got %d", first.Code)
	}

	second := postEvent(t, h, testWebhookSecret, body)
	if second.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", second.Code)
	}
	if second.Header().Get("X-Event-Replayed") != "true" {
		t.Fatal("replay should be flagged in the response headers")
	}
	if got := decodeBody(t, second)["delivered"]; got != float64(2) {
		t.Fatalf("replay should return the cached delivered count, got %v", got)
	}

	if d.calls() != 1 {
		t.Fatalf("replayed event must not dispatch again, got %d dispatches", d.calls())
	}
}

func TestHandleClubEvent_DispatchFailureAllowsRetry(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("resolver down")}
	h := newTestHandler(d, &fakeNotifStore{}, &fakeReadSyncer{}, setupDeduper(t))

	body := map[string]interface{}{
		"type":        "club_announcement",
		"club_id":     uuid.NewString(),
		"external_id": "evt-retry",
	}

	if w := postEvent(t, h, testWebhookSecret, body); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on dispatch failure, got %d", w.Code)
	}

	// The reservation was released, so the caller's retry dispatches again.
	d.err = nil
	d.result = dispatch.Result{Delivered: 1}
	if w := postEvent(t, h, testWebhookSecret, body); w.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", w.Code)
	}
	if d.calls() != 2 {
		t.Fatalf("expected 2 dispatch attempts, got %d", d.calls())
	}
}

func TestHandleClubEvent_NoExternalIDSkipsReplayProtection(t *testing.T) {
	d := &fakeDispatcher{result: dispatch.Result{Delivered: 1}}
	h := newTestHandler(d, &fakeNotifStore{}, &fakeReadSyncer{}, setupDeduper(t))

	body := map[string]interface{}{
		"type":    "club_announcement",
		"club_id": uuid.NewString(),
	}
	postEvent(t, h, testWebhookSecret, body)
	postEvent(t, h, testWebhookSecret, body)

	if d.calls() != 2 {
		t.Fatalf("events without external_id dispatch every time, got %d", d.calls())
	}
}

// withIdentity injects an authenticated identity the way AuthMiddleware does.
func withIdentity(r *http.Request, userID uuid.UUID) *http.Request {
	identity := &realtime.Identity{UserID: userID, Email: "u@example.com"}
	return r.WithContext(context.WithValue(r.Context(), identityKey, identity))
}

func notifRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/notifications", h.ListNotifications)
	r.Post("/v1/notifications/{id}/read", h.MarkNotificationRead)
	r.Delete("/v1/notifications/{id}", h.DeleteNotification)
	r.Delete("/v1/notifications", h.DeleteAllNotifications)
	return r
}

func TestListNotifications(t *testing.T) {
	userID := uuid.New()
	store := &fakeNotifStore{
		rows:  []*db.Notification{{ID: uuid.New(), UserID: userID}, {ID: uuid.New(), UserID: userID}},
		total: 51,
	}
	h := newTestHandler(&fakeDispatcher{}, store, &fakeReadSyncer{}, nil)

	r := withIdentity(httptest.NewRequest(http.MethodGet, "/v1/notifications?page=2&pageSize=25", nil), userID)
	w := httptest.NewRecorder()
	notifRouter(h).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "success" {
		t.Fatalf("unexpected envelope: %v", body)
	}
	data := body["data"].(map[string]interface{})
	if data["total"] != float64(51) || data["totalPages"] != float64(3) {
		t.Fatalf("unexpected pagination: %v", data)
	}
	if data["page"] != float64(2) || data["pageSize"] != float64(25) {
		t.Fatalf("unexpected page echo: %v", data)
	}
	if len(data["notifications"].([]interface{})) != 2 {
		t.Fatalf("expected 2 rows, got %v", data["notifications"])
	}
}

func TestListNotifications_RequiresAuth(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{}, &fakeNotifStore{}, &fakeReadSyncer{}, nil)

	r := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	w := httptest.NewRecorder()
	notifRouter(h).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", w.Code)
	}
}

func TestMarkNotificationRead(t *testing.T) {
	reads := &fakeReadSyncer{}
	h := newTestHandler(&fakeDispatcher{}, &fakeNotifStore{}, reads, nil)

	id := uuid.New()
	r := withIdentity(httptest.NewRequest(http.MethodPost, "/v1/notifications/"+id.String()+"/read", nil), uuid.New())
	w := httptest.NewRecorder()
	notifRouter(h).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["ok"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
	if reads.calls != 1 {
		t.Fatalf("expected 1 mark-read call, got %d", reads.calls)
	}
}

func TestMarkNotificationRead_NotFound(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{}, &fakeNotifStore{}, &fakeReadSyncer{err: db.ErrNotFound}, nil)

	r := withIdentity(httptest.NewRequest(http.MethodPost, "/v1/notifications/"+uuid.NewString()+"/read", nil), uuid.New())
	w := httptest.NewRecorder()
	notifRouter(h).ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign row, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["ok"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestDeleteNotification(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{}, &fakeNotifStore{}, &fakeReadSyncer{}, nil)

	r := withIdentity(httptest.NewRequest(http.MethodDelete, "/v1/notifications/"+uuid.NewString(), nil), uuid.New())
	w := httptest.NewRecorder()
	notifRouter(h).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestDeleteNotification_NotFound(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{}, &fakeNotifStore{deleteErr: db.ErrNotFound}, &fakeReadSyncer{}, nil)

	r := withIdentity(httptest.NewRequest(http.MethodDelete, "/v1/notifications/"+uuid.NewString(), nil), uuid.New())
	w := httptest.NewRecorder()
	notifRouter(h).ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteAllNotifications(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{}, &fakeNotifStore{deleted: 7}, &fakeReadSyncer{}, nil)

	r := withIdentity(httptest.NewRequest(http.MethodDelete, "/v1/notifications", nil), uuid.New())
	w := httptest.NewRecorder()
	notifRouter(h).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["deleted"] != float64(7) {
		t.Fatalf("unexpected body: %v", body)
	}
}
