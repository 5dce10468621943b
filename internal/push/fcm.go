// Package push sends mobile push notifications through Firebase Cloud
// Messaging. The provider is optional at deploy time: a missing or bad
// credential soft-disables the channel instead of failing the dispatcher.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/torvik/clubcast/internal/circuitbreaker"
)

// Message is one push payload for one device token.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Result reports a single token-level send attempt. A send never panics or
// returns an error to the caller; failures come back as OK=false so the
// dispatcher can treat the whole channel as best-effort.
type Result struct {
	OK     bool
	Reason string
}

// messagingClient is the slice of *messaging.Client the adapter uses.
type messagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// Config holds Firebase credentials.
type Config struct {
	CredentialsFile string
	ProjectID       string
	MaxAttempts     int // per token, including the first try
}

// Adapter is the FCM push adapter. Credentials are initialized lazily on
// first use; until a send happens no network or disk I/O occurs.
type Adapter struct {
	cfg     Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	mu     sync.Mutex
	client messagingClient

	newClient func(ctx context.Context) (messagingClient, error)
}

// New creates an FCM adapter. The breaker may not be nil.
func New(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Adapter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}

	a := &Adapter{
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
	}
	a.newClient = a.dialFirebase
	return a
}

func (a *Adapter) dialFirebase(ctx context.Context) (messagingClient, error) {
	if a.cfg.CredentialsFile == "" {
		return nil, errors.New("fcm credentials not configured")
	}

	app, err := firebase.NewApp(ctx,
		&firebase.Config{ProjectID: a.cfg.ProjectID},
		option.WithCredentialsFile(a.cfg.CredentialsFile),
	)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}

	return client, nil
}

// messagingFor returns the cached client, dialing on first use. Failures are
// not cached: a misconfigured deploy that gets fixed starts working on the
// next send.
func (a *Adapter) messagingFor(ctx context.Context) (messagingClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	client, err := a.newClient(ctx)
	if err != nil {
		return nil, err
	}

	a.client = client
	a.logger.Info("firebase messaging initialized",
		zap.String("project_id", a.cfg.ProjectID),
	)
	return client, nil
}

// Send delivers one message to one device token. Provider unavailability,
// open circuit and token-level rejections all come back as OK=false.
func (a *Adapter) Send(ctx context.Context, token string, msg Message) Result {
	client, err := a.messagingFor(ctx)
	if err != nil {
		a.logger.Warn("push channel disabled", zap.Error(err))
		return Result{OK: false, Reason: "provider-not-configured"}
	}

	fcmMsg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		err := a.breaker.Do(func() error {
			_, sendErr := client.Send(ctx, fcmMsg)
			return sendErr
		})
		if err == nil {
			return Result{OK: true}
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			// Provider is known-down; retrying now is pointless.
			return Result{OK: false, Reason: err.Error()}
		}

		if attempt < a.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return Result{OK: false, Reason: ctx.Err().Error()}
			case <-time.After(backoff(attempt)):
			}
		}
	}

	a.logger.Warn("push send failed",
		zap.Int("attempts", a.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return Result{OK: false, Reason: lastErr.Error()}
}

// backoff returns the wait before the next attempt: 100ms, 200ms, 400ms...
func backoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * 100 * time.Millisecond
}
