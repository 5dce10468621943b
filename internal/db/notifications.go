package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist or is owned by another
// user. Callers must not be able to distinguish the two cases.
var ErrNotFound = errors.New("notification not found")

// Store handles durable notification rows. It is the only component that
// writes to the notifications table.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a notification store
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// InsertBatch writes all rows in a single transaction and returns the rows
// that were actually inserted, with generated id and created_at filled in.
// Rows carrying an external_id that collides with an existing
// (external_source, external_id, user_id, channel) row are silently skipped,
// so a replayed webhook does not duplicate notifications. If the transaction
// fails nothing is inserted and the caller must not broadcast.
func (s *Store) InsertBatch(ctx context.Context, rows []*Notification) ([]*Notification, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO notifications (
			id, user_id, club_id, external_source, external_id,
			event_type, channel, payload, status, attempt_count,
			scheduled_at, last_attempt_at, error_text
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (external_source, external_id, user_id, channel)
			WHERE external_id IS NOT NULL
			DO NOTHING
		RETURNING created_at
	`

	inserted := make([]*Notification, 0, len(rows))
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}

		err := tx.QueryRow(ctx, query,
			row.ID,
			row.UserID,
			row.ClubID,
			row.ExternalSource,
			row.ExternalID,
			row.EventType,
			row.Channel,
			row.Payload,
			row.Status,
			row.AttemptCount,
			row.ScheduledAt,
			row.LastAttemptAt,
			row.ErrorText,
		).Scan(&row.CreatedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			// Dedup conflict: this (source, external_id, user, channel)
			// attempt already exists from an earlier delivery.
			s.logger.Debug("skipping duplicate notification",
				zap.String("user_id", row.UserID.String()),
				zap.String("channel", row.Channel),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert notification: %w", err)
		}

		inserted = append(inserted, row)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("notification batch inserted",
		zap.Int("requested", len(rows)),
		zap.Int("inserted", len(inserted)),
	)

	return inserted, nil
}

// MarkRead flips is_read on a row owned by userID and returns the updated
// row. Marking an already-read row again is a no-op that still succeeds.
// Rows owned by other users yield ErrNotFound, never a permission error.
func (s *Store) MarkRead(ctx context.Context, id, userID uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE,
		    read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, club_id, external_source, external_id,
			event_type, channel, payload, status, attempt_count,
			scheduled_at, is_read, last_attempt_at, read_at, error_text,
			created_at
	`

	notif, err := scanNotification(s.db.Pool().QueryRow(ctx, query, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.Error("failed to mark notification read",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("mark read: %w", err)
	}

	return notif, nil
}

// List returns a page of the user's notifications, newest first, along with
// the total row count for pagination.
func (s *Store) List(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*Notification, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	var total int
	countQuery := `SELECT COUNT(*) FROM notifications WHERE user_id = $1`
	if err := s.db.Pool().QueryRow(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	query := `
		SELECT id, user_id, club_id, external_source, external_id,
			event_type, channel, payload, status, attempt_count,
			scheduled_at, is_read, last_attempt_at, read_at, error_text,
			created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Pool().Query(ctx, query, userID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, total, nil
}

// Delete removes a single row owned by userID and returns it.
func (s *Store) Delete(ctx context.Context, id, userID uuid.UUID) (*Notification, error) {
	query := `
		DELETE FROM notifications
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, club_id, external_source, external_id,
			event_type, channel, payload, status, attempt_count,
			scheduled_at, is_read, last_attempt_at, read_at, error_text,
			created_at
	`

	notif, err := scanNotification(s.db.Pool().QueryRow(ctx, query, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete notification: %w", err)
	}

	s.logger.Info("notification deleted",
		zap.String("notification_id", id.String()),
		zap.String("user_id", userID.String()),
	)

	return notif, nil
}

// DeleteAll removes every row owned by userID and reports how many went.
func (s *Store) DeleteAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := s.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete all notifications: %w", err)
	}

	deleted := result.RowsAffected()
	s.logger.Info("notifications cleared",
		zap.String("user_id", userID.String()),
		zap.Int64("deleted", deleted),
	)

	return deleted, nil
}

// scanNotification scans the canonical 16-column row shape.
func scanNotification(row pgx.Row) (*Notification, error) {
	var notif Notification
	err := row.Scan(
		&notif.ID,
		&notif.UserID,
		&notif.ClubID,
		&notif.ExternalSource,
		&notif.ExternalID,
		&notif.EventType,
		&notif.Channel,
		&notif.Payload,
		&notif.Status,
		&notif.AttemptCount,
		&notif.ScheduledAt,
		&notif.IsRead,
		&notif.LastAttemptAt,
		&notif.ReadAt,
		&notif.ErrorText,
		&notif.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &notif, nil
}
