// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (ephemeral store).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCodeNotFound is returned by ConsumeAuthCode when the authorization code
// is absent: never issued, expired, or already consumed. The three cases are
// deliberately indistinguishable.
var ErrCodeNotFound = errors.New("authorization code not found")

// User represents a row in the users table.
type User struct {
	ID            uuid.UUID
	Username      string
	Email         string
	EmailVerified bool
	PasswordHash  string
	Active        bool
	CreatedAt     time.Time
}

// UserSession represents a row in the user_sessions table -- one first-party
// login. The row id doubles as the token jti.
type UserSession struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	IPAddress *string
	CreatedAt time.Time
	LastUsed  time.Time
}

// App represents a row in the apps table: a registered OAuth2 client.
// ClientSecretHash is SHA-256 of the secret; the plaintext is shown once at
// creation and never stored.
type App struct {
	ID               uuid.UUID
	Name             string
	CreatorID        uuid.UUID
	ClientSecretHash []byte
	RedirectURIs     []string
	Scopes           []string
	CreatedAt        time.Time
}

// OAuth2Session represents a row in the oauth2_sessions table -- one issued
// refresh token. TokenHash is replaced in place on every rotation.
type OAuth2Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AppID     uuid.UUID
	Scopes    []string
	TokenHash []byte
	Revoked   bool
	CreatedAt time.Time
	LastUsed  time.Time
}

// RateLimit defines the policy for a rate-limited action.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}
