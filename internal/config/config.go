package config

import (
	"fmt"
	"os"
	"strconv"
)

// AbsentPrefPolicy decides how the dispatcher treats a recipient that has no
// notification_settings row. A missing row is a valid state, not an error,
// and its interpretation is explicit configuration rather than a silent
// default buried in the fan-out path.
type AbsentPrefPolicy string

const (
	// AbsentPrefOptOut treats a missing row as push and email disabled.
	// In-app delivery is always on regardless of policy.
	AbsentPrefOptOut AbsentPrefPolicy = "opt-out"

	// AbsentPrefDefaults treats a missing row like a freshly created
	// settings row: every channel enabled.
	AbsentPrefDefaults AbsentPrefPolicy = "defaults"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (webhook replay dedup + rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Inbound club-event webhook
	WebhookSecret  string
	EventSource    string // external_source recorded on persisted rows
	AbsentPrefs    AbsentPrefPolicy
	FanoutWorkers  int // bounded concurrency for recipient fan-out
	SendMaxRetries int // per push/email send, including the first attempt

	// Auth for REST + socket connections
	JWTSecret string

	// Firebase Cloud Messaging
	FCMCredentialsFile string
	FCMProjectID       string

	// AWS SES
	AWSRegion    string
	SESFromEmail string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "clubcast",
		DBPassword: "",
		DBName:     "clubcast",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		EventSource:    "clubfeed",
		AbsentPrefs:    AbsentPrefOptOut,
		FanoutWorkers:  8,
		SendMaxRetries: 3,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@clubcast.local",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Webhook + fan-out config
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	if source := os.Getenv("EVENT_SOURCE"); source != "" {
		cfg.EventSource = source
	}

	if policy := os.Getenv("ABSENT_PREFS_POLICY"); policy != "" {
		switch AbsentPrefPolicy(policy) {
		case AbsentPrefOptOut, AbsentPrefDefaults:
			cfg.AbsentPrefs = AbsentPrefPolicy(policy)
		default:
			return nil, fmt.Errorf("invalid ABSENT_PREFS_POLICY: %q", policy)
		}
	}

	if workers := os.Getenv("FANOUT_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil || w < 1 {
			return nil, fmt.Errorf("invalid FANOUT_WORKERS: %q", workers)
		}
		cfg.FanoutWorkers = w
	}

	if retries := os.Getenv("SEND_MAX_RETRIES"); retries != "" {
		r, err := strconv.Atoi(retries)
		if err != nil || r < 1 {
			return nil, fmt.Errorf("invalid SEND_MAX_RETRIES: %q", retries)
		}
		cfg.SendMaxRetries = r
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	// Firebase config
	if creds := os.Getenv("FCM_CREDENTIALS_FILE"); creds != "" {
		cfg.FCMCredentialsFile = creds
	}

	if project := os.Getenv("FCM_PROJECT_ID"); project != "" {
		cfg.FCMProjectID = project
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	return cfg, nil
}
