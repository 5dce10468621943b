package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthorized covers every credential failure: missing token, bad
// signature, expired, malformed subject. Callers never learn which.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated principal behind a connection or request.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

// Claims carries the user identity inside the bearer token.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Verifier validates bearer tokens with a shared HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the identity it asserts.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrUnauthorized
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrUnauthorized
	}

	return &Identity{UserID: userID, Email: claims.Email}, nil
}

// GenerateToken mints a token for a user. The identity service is the real
// issuer in production; this exists for tests and local tooling.
func GenerateToken(secret, userID, email string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "clubcast",
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest pulls the bearer credential from wherever the client put
// it: Authorization header, or the token/authorization query parameters
// used by socket clients that cannot set headers during the handshake.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, found := strings.CutPrefix(header, "Bearer "); found {
			return token
		}
		return header
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return strings.TrimPrefix(token, "Bearer ")
	}
	if token := r.URL.Query().Get("authorization"); token != "" {
		return strings.TrimPrefix(token, "Bearer ")
	}
	return ""
}
