package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is one (user, channel) delivery attempt for one source event.
// Status and AttemptCount are fixed at creation time; IsRead (and ReadAt)
// are the only fields mutated afterwards, via MarkRead.
type Notification struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	ClubID         *uuid.UUID      `json:"club_id,omitempty"`
	ExternalSource string          `json:"external_source"`
	ExternalID     *string         `json:"external_id,omitempty"`
	EventType      string          `json:"event_type"`
	Channel        string          `json:"channel"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	IsRead         bool            `json:"is_read"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	ReadAt         *time.Time      `json:"read_at,omitempty"`
	ErrorText      *string         `json:"error_text,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Status constants
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelInApp = "in_app"
)

// Preference holds a user's per-channel and per-category notification flags.
type Preference struct {
	UserID            uuid.UUID `json:"user_id"`
	EmailEnabled      bool      `json:"email_notifications"`
	PushEnabled       bool      `json:"push_notifications"`
	TrainingSessions  bool      `json:"new_training_sessions"`
	TrainingReminders bool      `json:"training_match_reminders"`
	ClubAnnouncements bool      `json:"club_announcements"`
	MemberWelcomes    bool      `json:"new_member_welcomes"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultPreference mirrors the row the settings endpoint creates for a new
// user: everything enabled.
func DefaultPreference(userID uuid.UUID) Preference {
	return Preference{
		UserID:            userID,
		EmailEnabled:      true,
		PushEnabled:       true,
		TrainingSessions:  true,
		TrainingReminders: true,
		ClubAnnouncements: true,
		MemberWelcomes:    true,
	}
}

// Device is a push-capable device registration. Created and deleted by the
// device-registration flow; read-only from the dispatch path.
type Device struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Provider  string          `json:"provider"`
	Token     string          `json:"token"`
	Platform  *string         `json:"platform,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ProviderFCM is the only push provider the dispatch path consults.
const ProviderFCM = "fcm"
