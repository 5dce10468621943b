// Package email sends transactional email through AWS SES. One attempt per
// recipient from the caller's point of view; transient provider errors are
// retried internally with backoff.
package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/circuitbreaker"
)

// sesAPI is the slice of *ses.Client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// Config holds SES settings.
type Config struct {
	Region      string
	FromEmail   string
	MaxAttempts int // per message, including the first try
}

// Sender delivers email via SES.
type Sender struct {
	client  sesAPI
	from    string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	maxAttempts int
}

// NewSender creates an SES email sender.
func NewSender(ctx context.Context, cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*Sender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}

	return &Sender{
		client:      ses.NewFromConfig(awsCfg),
		from:        cfg.FromEmail,
		breaker:     breaker,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// Send delivers one email. There is no delivery receipt; a nil error only
// means SES accepted the message.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("email recipient missing")
	}
	if subject == "" {
		subject = "Notification"
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.breaker.Do(func() error {
			result, sendErr := s.client.SendEmail(ctx, input)
			if sendErr != nil {
				return sendErr
			}
			s.logger.Info("email sent via SES",
				zap.String("to", to),
				zap.String("message_id", aws.ToString(result.MessageId)),
			)
			return nil
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return fmt.Errorf("ses send failed: %w", err)
		}

		if attempt < s.maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
	}

	return fmt.Errorf("ses send failed after %d attempts: %w", s.maxAttempts, lastErr)
}

// backoff returns the wait before the next attempt: 100ms, 200ms, 400ms...
func backoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * 100 * time.Millisecond
}
