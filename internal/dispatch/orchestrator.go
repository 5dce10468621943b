// Package dispatch turns one inbound club event into per-user, per-channel
// delivery attempts. The webhook handler owns authorization and replay
// protection; by the time Dispatch runs the event is trusted.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torvik/clubcast/internal/config"
	"github.com/torvik/clubcast/internal/db"
	"github.com/torvik/clubcast/internal/metrics"
	"github.com/torvik/clubcast/internal/push"
	"github.com/torvik/clubcast/internal/realtime"
)

// Event is one validated inbound club event. It is never persisted as-is;
// it seeds zero or more notification rows.
type Event struct {
	Type       string
	ClubID     uuid.UUID
	ExternalID string
	Payload    map[string]interface{}
}

// Result is the coarse outcome the webhook caller sees. Delivered counts
// persisted in-app rows only; per-channel failures surface through logs and
// row status, never here.
type Result struct {
	Delivered int `json:"delivered"`
}

// Directory reads recipients, preferences, devices and addresses. Backed by
// db.Directory in production.
type Directory interface {
	ResolveClubRecipients(ctx context.Context, clubID uuid.UUID) ([]uuid.UUID, error)
	GetPreferences(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]db.Preference, error)
	ListDevices(ctx context.Context, userID uuid.UUID, provider string) ([]db.Device, error)
	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// Store is the durable notification record.
type Store interface {
	InsertBatch(ctx context.Context, rows []*db.Notification) ([]*db.Notification, error)
}

// Broadcaster is the live-socket layer.
type Broadcaster interface {
	Occupancy(userID uuid.UUID) int
	Broadcast(userID uuid.UUID, event string, payload interface{}) int
}

// PushSender sends one push message to one device token.
type PushSender interface {
	Send(ctx context.Context, token string, msg push.Message) push.Result
}

// EmailSender sends one transactional email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Orchestrator fans one event out across recipients and channels.
type Orchestrator struct {
	directory    Directory
	store        Store
	hub          Broadcaster
	push         PushSender
	email        EmailSender
	source       string
	absentPolicy config.AbsentPrefPolicy
	workers      int
	logger       *zap.Logger
}

// New creates an orchestrator. workers bounds recipient fan-out concurrency.
func New(
	directory Directory,
	store Store,
	hub Broadcaster,
	pushSender PushSender,
	emailSender EmailSender,
	source string,
	absentPolicy config.AbsentPrefPolicy,
	workers int,
	logger *zap.Logger,
) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		directory:    directory,
		store:        store,
		hub:          hub,
		push:         pushSender,
		email:        emailSender,
		source:       source,
		absentPolicy: absentPolicy,
		workers:      workers,
		logger:       logger,
	}
}

// Dispatch resolves the club's recipients, applies their channel preferences
// and delivers through every eligible channel. A failure for one
// (user, channel) unit never aborts any other unit; only resolution failures
// abort the whole request. In-app rows are persisted in a single batch
// before any socket broadcast happens, so a client is never pushed a row it
// cannot subsequently fetch.
func (o *Orchestrator) Dispatch(ctx context.Context, event Event) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDispatchDuration(time.Since(start))
	}()

	recipients, err := o.directory.ResolveClubRecipients(ctx, event.ClubID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve club recipients: %w", err)
	}
	if len(recipients) == 0 {
		o.logger.Info("no linked recipients for club, nothing to deliver",
			zap.String("club_id", event.ClubID.String()),
			zap.String("event_type", event.Type),
		)
		return Result{Delivered: 0}, nil
	}

	prefs, err := o.directory.GetPreferences(ctx, recipients)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences: %w", err)
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode event payload: %w", err)
	}

	var (
		mu        sync.Mutex
		inAppRows []*db.Notification
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, userID := range recipients {
		userID := userID
		g.Go(func() error {
			pref, found := prefs[userID]
			if !found {
				pref = o.absentPreference(userID)
			}

			row := o.inAppRow(event, userID, payload)
			mu.Lock()
			inAppRows = append(inAppRows, row)
			mu.Unlock()

			if pref.PushEnabled {
				o.sendPush(gctx, userID, event)
			}
			if pref.EmailEnabled {
				o.sendEmail(gctx, userID, event)
			}
			return nil
		})
	}
	// Unit errors never escape the unit; Wait only orders the fan-out.
	_ = g.Wait()

	inserted, err := o.store.InsertBatch(ctx, inAppRows)
	if err != nil {
		// Degraded, not fatal: the caller gets a response, no broadcast
		// happens for the batch.
		o.logger.Error("failed to persist notification batch",
			zap.Error(err),
			zap.String("event_type", event.Type),
			zap.Int("rows", len(inAppRows)),
		)
		return Result{Delivered: 0}, nil
	}

	for _, row := range inserted {
		metrics.RecordNotificationPersisted(row.Status)
		o.hub.Broadcast(row.UserID, realtime.EventNotification, row)
	}

	o.logger.Info("event dispatched",
		zap.String("event_type", event.Type),
		zap.String("club_id", event.ClubID.String()),
		zap.Int("recipients", len(recipients)),
		zap.Int("delivered", len(inserted)),
	)

	return Result{Delivered: len(inserted)}, nil
}

// absentPreference interprets a recipient with no stored preference row
// according to the configured policy.
func (o *Orchestrator) absentPreference(userID uuid.UUID) db.Preference {
	if o.absentPolicy == config.AbsentPrefDefaults {
		return db.DefaultPreference(userID)
	}
	return db.Preference{UserID: userID}
}

// inAppRow builds the candidate row for the always-on in-app channel. Room
// occupancy at this moment decides sent vs failed; it is a heuristic, a
// connection can still drop before the broadcast.
func (o *Orchestrator) inAppRow(event Event, userID uuid.UUID, payload json.RawMessage) *db.Notification {
	status := db.StatusFailed
	if o.hub.Occupancy(userID) > 0 {
		status = db.StatusSent
	}

	clubID := event.ClubID
	row := &db.Notification{
		UserID:         userID,
		ClubID:         &clubID,
		ExternalSource: o.source,
		EventType:      event.Type,
		Channel:        db.ChannelInApp,
		Payload:        payload,
		Status:         status,
		AttemptCount:   1,
		ScheduledAt:    time.Now().UTC(),
	}
	if event.ExternalID != "" {
		externalID := event.ExternalID
		row.ExternalID = &externalID
	}
	return row
}

// sendPush delivers to every registered fcm device independently. Token
// failures are logged and counted, never propagated.
func (o *Orchestrator) sendPush(ctx context.Context, userID uuid.UUID, event Event) {
	devices, err := o.directory.ListDevices(ctx, userID, db.ProviderFCM)
	if err != nil {
		o.logger.Error("failed to list push devices",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		metrics.RecordChannelSend(db.ChannelPush, "error")
		return
	}
	if len(devices) == 0 {
		o.logger.Debug("no push devices registered",
			zap.String("user_id", userID.String()),
		)
		return
	}

	msg := push.Message{
		Title: payloadString(event.Payload, "title"),
		Body:  payloadString(event.Payload, "body"),
		Data:  payloadData(event.Payload),
	}

	anyOK := false
	for _, device := range devices {
		res := o.push.Send(ctx, device.Token, msg)
		if res.OK {
			anyOK = true
			metrics.RecordChannelSend(db.ChannelPush, "sent")
		} else {
			metrics.RecordChannelSend(db.ChannelPush, "failed")
			o.logger.Warn("push send failed",
				zap.String("user_id", userID.String()),
				zap.String("reason", res.Reason),
			)
		}
	}
	o.logger.Info("push channel attempted",
		zap.String("user_id", userID.String()),
		zap.Int("devices", len(devices)),
		zap.Bool("any_ok", anyOK),
	)
}

// sendEmail resolves the destination address, preferring the on-file email
// and falling back to one embedded in the event payload.
func (o *Orchestrator) sendEmail(ctx context.Context, userID uuid.UUID, event Event) {
	to, err := o.directory.GetUserEmail(ctx, userID)
	if err != nil {
		o.logger.Error("failed to look up recipient email",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		metrics.RecordChannelSend(db.ChannelEmail, "error")
		return
	}
	if to == "" {
		to = payloadString(event.Payload, "email")
	}
	if to == "" {
		o.logger.Info("no email address available",
			zap.String("user_id", userID.String()),
		)
		return
	}

	subject := payloadString(event.Payload, "title")
	body := payloadString(event.Payload, "body")
	if body == "" {
		raw, _ := json.Marshal(event.Payload)
		body = string(raw)
	}

	if err := o.email.Send(ctx, to, subject, body); err != nil {
		metrics.RecordChannelSend(db.ChannelEmail, "failed")
		o.logger.Warn("email send failed",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return
	}
	metrics.RecordChannelSend(db.ChannelEmail, "sent")
	o.logger.Info("email sent", zap.String("user_id", userID.String()))
}

// payloadString reads a string field from the opaque event payload.
func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// payloadData flattens the payload into the string map FCM requires.
func payloadData(payload map[string]interface{}) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	data := make(map[string]string, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			data[k] = s
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		data[k] = string(raw)
	}
	return data
}
