package realtime

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

const testSecret = "test-secret"

func TestVerifier_RoundTrip(t *testing.T) {
	userID := uuid.New()

	token, err := GenerateToken(testSecret, userID.String(), "a@example.com")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	identity, err := NewVerifier(testSecret).Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, identity.UserID)
	}
	if identity.Email != "a@example.com" {
		t.Fatalf("unexpected email %q", identity.Email)
	}
}

func TestVerifier_RejectsBadInput(t *testing.T) {
	goodToken, err := GenerateToken(testSecret, uuid.NewString(), "a@example.com")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	badSubject, err := GenerateToken(testSecret, "not-a-uuid", "a@example.com")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{name: "empty token", secret: testSecret, token: ""},
		{name: "garbage token", secret: testSecret, token: "not.a.jwt"},
		{name: "wrong secret", secret: "other-secret", token: goodToken},
		{name: "non-uuid subject", secret: testSecret, token: badSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.secret).Verify(tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "bearer header", header: "Bearer abc123", want: "abc123"},
		{name: "raw header", header: "abc123", want: "abc123"},
		{name: "token query param", query: "token=abc123", want: "abc123"},
		{name: "authorization query param", query: "authorization=Bearer%20abc123", want: "abc123"},
		{name: "header wins over query", header: "Bearer fromheader", query: "token=fromquery", want: "fromheader"},
		{name: "nothing", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws?"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
