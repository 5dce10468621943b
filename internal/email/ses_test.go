package email

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/circuitbreaker"
)

type fakeSES struct {
	sendErr error
	calls   int
	lastTo  string
	lastSub string
	failFor int
}

func (f *fakeSES) SendEmail(ctx context.Context, input *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.calls++
	if len(input.Destination.ToAddresses) > 0 {
		f.lastTo = input.Destination.ToAddresses[0]
	}
	f.lastSub = aws.ToString(input.Message.Subject.Data)
	if f.failFor > 0 && f.calls <= f.failFor {
		return nil, errors.New("throttled")
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func testSender(fake *fakeSES) *Sender {
	return &Sender{
		client:      fake,
		from:        "noreply@clubcast.local",
		breaker:     circuitbreaker.New(circuitbreaker.Config{Name: "ses", MaxFailures: 50}, zap.NewNop()),
		logger:      zap.NewNop(),
		maxAttempts: 3,
	}
}

func TestSend_Success(t *testing.T) {
	fake := &fakeSES{}
	s := testSender(fake)

	err := s.Send(context.Background(), "member@example.com", "Match reminder", "Kickoff at 15:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.lastTo != "member@example.com" {
		t.Errorf("to = %s", fake.lastTo)
	}
	if fake.lastSub != "Match reminder" {
		t.Errorf("subject = %s", fake.lastSub)
	}
}

func TestSend_DefaultSubject(t *testing.T) {
	fake := &fakeSES{}
	s := testSender(fake)

	if err := s.Send(context.Background(), "member@example.com", "", "body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.lastSub != "Notification" {
		t.Errorf("subject = %s", fake.lastSub)
	}
}

func TestSend_MissingRecipient(t *testing.T) {
	fake := &fakeSES{}
	s := testSender(fake)

	if err := s.Send(context.Background(), "", "subject", "body"); err == nil {
		t.Fatal("expected error for empty recipient")
	}
	if fake.calls != 0 {
		t.Fatalf("SES called %d times for empty recipient", fake.calls)
	}
}

func TestSend_RetriesTransientFailure(t *testing.T) {
	fake := &fakeSES{failFor: 1}
	s := testSender(fake)

	if err := s.Send(context.Background(), "member@example.com", "s", "b"); err != nil {
		t.Fatalf("expected recovery, got: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d, want 2", fake.calls)
	}
}

func TestSend_GivesUpAfterMaxAttempts(t *testing.T) {
	fake := &fakeSES{sendErr: errors.New("address blacklisted")}
	s := testSender(fake)

	err := s.Send(context.Background(), "member@example.com", "s", "b")
	if err == nil {
		t.Fatal("expected error")
	}
	if fake.calls != 3 {
		t.Fatalf("calls = %d, want 3", fake.calls)
	}
}
