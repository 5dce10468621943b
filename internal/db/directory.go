package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Directory exposes the read-only lookups the dispatcher needs: club
// membership, notification preferences, push devices and email addresses.
// All of these tables are owned by other parts of the product; this side
// only ever reads them.
type Directory struct {
	db     *DB
	logger *zap.Logger
}

// NewDirectory creates a directory backed by the shared pool.
func NewDirectory(db *DB, logger *zap.Logger) *Directory {
	return &Directory{
		db:     db,
		logger: logger,
	}
}

// ResolveClubRecipients maps a club to the user identities of its current
// members. Memberships whose player has no linked auth user are dropped
// here rather than surfacing as an error.
func (d *Directory) ResolveClubRecipients(ctx context.Context, clubID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT p.user_id
		FROM player_club_membership m
		JOIN players p ON p.id = m.player_id
		WHERE m.club_id = $1 AND p.user_id IS NOT NULL
	`

	rows, err := d.db.Pool().Query(ctx, query, clubID)
	if err != nil {
		return nil, fmt.Errorf("query club members: %w", err)
	}
	defer rows.Close()

	var userIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		userIDs = append(userIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}

	d.logger.Debug("club recipients resolved",
		zap.String("club_id", clubID.String()),
		zap.Int("count", len(userIDs)),
	)

	return userIDs, nil
}

// GetPreferences loads the settings rows for the given users in one query.
// Users without a row are simply absent from the returned map; the caller
// decides what absence means.
func (d *Directory) GetPreferences(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]Preference, error) {
	if len(userIDs) == 0 {
		return map[uuid.UUID]Preference{}, nil
	}

	query := `
		SELECT user_id, email_notifications, push_notifications,
			new_training_sessions, training_match_reminders,
			club_announcements, new_member_welcomes,
			created_at, updated_at
		FROM notification_settings
		WHERE user_id = ANY($1)
	`

	rows, err := d.db.Pool().Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query notification settings: %w", err)
	}
	defer rows.Close()

	prefs := make(map[uuid.UUID]Preference, len(userIDs))
	for rows.Next() {
		var p Preference
		err := rows.Scan(
			&p.UserID,
			&p.EmailEnabled,
			&p.PushEnabled,
			&p.TrainingSessions,
			&p.TrainingReminders,
			&p.ClubAnnouncements,
			&p.MemberWelcomes,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		prefs[p.UserID] = p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}

	return prefs, nil
}

// ListDevices returns the user's registered push tokens for one provider.
func (d *Directory) ListDevices(ctx context.Context, userID uuid.UUID, provider string) ([]Device, error) {
	query := `
		SELECT id, user_id, provider, token, platform, metadata, created_at
		FROM user_devices
		WHERE user_id = $1 AND provider = $2
	`

	rows, err := d.db.Pool().Query(ctx, query, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("query user devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var dev Device
		err := rows.Scan(
			&dev.ID,
			&dev.UserID,
			&dev.Provider,
			&dev.Token,
			&dev.Platform,
			&dev.Metadata,
			&dev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, dev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return devices, nil
}

// GetUserEmail returns the on-file address for a user, or "" when the user
// has none. Missing users are not an error; email simply falls back to the
// address embedded in the event payload, if any.
func (d *Directory) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email *string
	err := d.db.Pool().QueryRow(ctx,
		`SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query user email: %w", err)
	}
	if email == nil {
		return "", nil
	}
	return *email, nil
}
