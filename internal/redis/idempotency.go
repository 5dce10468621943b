package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// EventTTL is how long a processed webhook event is remembered. The
	// upstream feed retries for well under an hour, so 24h comfortably
	// covers at-least-once redelivery without pinning keys forever.
	EventTTL = 24 * time.Hour

	// processingTTL is the lock duration while an event is being fanned out.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrEventInFlight indicates the same event is currently being dispatched
// by another request.
var ErrEventInFlight = errors.New("duplicate event: dispatch already in progress")

// EventResult stores the cached response for an already-processed event, so
// a replayed webhook gets the original delivered count instead of a second
// fan-out.
type EventResult struct {
	Delivered  int   `json:"delivered"`
	StatusCode int   `json:"status_code"`
	CreatedAt  int64 `json:"created_at"`
}

// EventDeduper provides webhook replay protection using Redis. Events
// without an external_id bypass it entirely; they have no identity to
// deduplicate on.
type EventDeduper struct {
	client *Client
	logger *zap.Logger
}

// NewEventDeduper creates a new deduper.
func NewEventDeduper(client *Client, logger *zap.Logger) *EventDeduper {
	return &EventDeduper{
		client: client,
		logger: logger,
	}
}

func (s *EventDeduper) buildKey(source, externalID string) string {
	return fmt.Sprintf("event:%s:%s", source, externalID)
}

// Check retrieves a cached result for an event.
// Returns (nil, nil) if the event is new, (result, nil) if it was already
// processed, or ErrEventInFlight if a dispatch is currently running.
func (s *EventDeduper) Check(ctx context.Context, source, externalID string) (*EventResult, error) {
	key := s.buildKey(source, externalID)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrEventInFlight
	}

	var result EventResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal event result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("event replay detected",
		zap.String("source", source),
		zap.String("external_id", externalID),
		zap.Int("delivered", result.Delivered),
	)

	return &result, nil
}

// Store saves the outcome of a completed dispatch.
func (s *EventDeduper) Store(ctx context.Context, source, externalID string, result *EventResult) error {
	key := s.buildKey(source, externalID)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, EventTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires the event lock using SET NX (atomic set-if-not-exists).
// Returns true if the lock was acquired, false if the key already exists.
func (s *EventDeduper) Reserve(ctx context.Context, source, externalID string) (bool, error) {
	key := s.buildKey(source, externalID)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve atomically checks for a cached outcome or reserves the
// event. Returns the cached result if found, nil if reserved successfully.
func (s *EventDeduper) CheckOrReserve(ctx context.Context, source, externalID string) (*EventResult, error) {
	result, err := s.Check(ctx, source, externalID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, source, externalID)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrEventInFlight
	}

	return nil, nil
}

// Release drops the processing lock after a failed dispatch so the caller
// can retry the event.
func (s *EventDeduper) Release(ctx context.Context, source, externalID string) error {
	return s.client.rdb.Del(ctx, s.buildKey(source, externalID)).Err()
}
