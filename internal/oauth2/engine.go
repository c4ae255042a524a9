// Package oauth2 implements the authorization-code grant with refresh token
// rotation for registered apps.
package oauth2

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/verity-id/verity/internal/auth"
	"github.com/verity-id/verity/internal/store"
	"github.com/verity-id/verity/internal/token"
)

// Store defines the database operations the engine needs. Satisfied by
// *store.PostgresStore.
type Store interface {
	GetAppByClientID(ctx context.Context, clientID uuid.UUID) (*store.App, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	CreateOAuth2Session(ctx context.Context, o *store.OAuth2Session) error

	// RotateOAuth2Session atomically swaps the stored refresh hash. Returns
	// pgx.ErrNoRows when oldHash is unknown, already rotated, or revoked.
	RotateOAuth2Session(ctx context.Context, oldHash, newHash []byte) (*store.OAuth2Session, error)
}

// CodeStore is the single-use authorization code store. Satisfied by
// *store.CodeStore.
type CodeStore interface {
	SetAuthCode(ctx context.Context, clientID uuid.UUID, code string, userID uuid.UUID, ttlSeconds int) error

	// ConsumeAuthCode atomically fetches and deletes the code. Returns
	// store.ErrCodeNotFound for unknown, expired, or already-used codes.
	ConsumeAuthCode(ctx context.Context, clientID uuid.UUID, code string) (uuid.UUID, error)
}

// Metrics counts grant outcomes. Satisfied by *metrics.Collector.
type Metrics interface {
	RecordTokenIssued(kind string)
	RecordCodeExchange(result string)
	RecordRefreshRotation(result string)
}

// Engine issues authorization codes, exchanges them for token pairs, and
// rotates refresh tokens.
type Engine struct {
	DB    Store
	Codes CodeStore
	Codec *token.Codec
	MX    Metrics // optional; nil disables counting

	AuthCodeTTL      time.Duration
	AccessTokenTTL   time.Duration
	IdentityTokenTTL time.Duration
}

func (e *Engine) recordToken(kind string) {
	if e.MX != nil {
		e.MX.RecordTokenIssued(kind)
	}
}

func (e *Engine) recordExchange(result string) {
	if e.MX != nil {
		e.MX.RecordCodeExchange(result)
	}
}

func (e *Engine) recordRotation(result string) {
	if e.MX != nil {
		e.MX.RecordRefreshRotation(result)
	}
}

// scopeOpenID marks a grant that also carries an identity token.
const scopeOpenID = "openid"

// randomToken returns 32 bytes of crypto randomness, base64url encoded.
// Used for both authorization codes and refresh tokens.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashToken is the at-rest form of a refresh token. The plaintext is never
// stored.
func hashToken(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// NewClientSecret mints the plaintext secret handed out once at app
// registration.
func NewClientSecret() (string, error) {
	return randomToken()
}

// HashClientSecret is the at-rest form of a client secret, matching the
// comparison made during code exchange.
func HashClientSecret(secret string) []byte {
	return hashToken(secret)
}

// AuthorizeRequest is the consent a logged-in user gives to an app.
type AuthorizeRequest struct {
	ClientID     uuid.UUID
	RedirectURI  string
	Scopes       []string
	ResponseType string
}

// Authorize validates the request against the app's registration and mints
// a single-use authorization code bound to (client_id, user). Validation
// order is fixed: app, redirect URI, scopes, response type.
func (e *Engine) Authorize(ctx context.Context, userID uuid.UUID, req AuthorizeRequest) (string, error) {
	app, err := e.DB.GetAppByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", auth.ErrAppNotFound
		}
		return "", err
	}

	if !slices.Contains(app.RedirectURIs, req.RedirectURI) {
		return "", auth.ErrRedirectURINotAllowed
	}

	var notAllowed []string
	for _, s := range req.Scopes {
		if !slices.Contains(app.Scopes, s) {
			notAllowed = append(notAllowed, s)
		}
	}
	if len(notAllowed) > 0 {
		return "", auth.NotAllowedScopeError(notAllowed)
	}

	if req.ResponseType != "code" {
		return "", auth.ErrAuthorizationTypeNotSupported
	}

	code, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := e.Codes.SetAuthCode(ctx, app.ID, code, userID, int(e.AuthCodeTTL.Seconds())); err != nil {
		return "", err
	}
	return code, nil
}

// TokenPair is the result of a code exchange or refresh rotation.
type TokenPair struct {
	AccessToken   string
	RefreshToken  string
	IdentityToken string // empty unless the grant carries the openid scope
	Scopes        []string
	ExpiresIn     int
}

// ExchangeCode trades an authorization code for a token pair. The client
// secret is compared in constant time against its stored hash, and the code
// is consumed atomically so a replay loses. The grant carries the app's full
// registered scope set.
func (e *Engine) ExchangeCode(ctx context.Context, clientID uuid.UUID, clientSecret, code string) (*TokenPair, error) {
	app, err := e.DB.GetAppByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			e.recordExchange("app_not_found")
			return nil, auth.ErrAppNotFound
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare(hashToken(clientSecret), app.ClientSecretHash) != 1 {
		e.recordExchange("bad_secret")
		return nil, auth.ErrInvalidClientSecret
	}

	userID, err := e.Codes.ConsumeAuthCode(ctx, app.ID, code)
	if err != nil {
		if errors.Is(err, store.ErrCodeNotFound) {
			e.recordExchange("bad_code")
			return nil, auth.ErrInvalidAuthorizationCode
		}
		return nil, err
	}

	refresh, err := randomToken()
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if err := e.DB.CreateOAuth2Session(ctx, &store.OAuth2Session{
		ID:        sessionID,
		UserID:    userID,
		AppID:     app.ID,
		Scopes:    app.Scopes,
		TokenHash: hashToken(refresh),
	}); err != nil {
		return nil, err
	}

	pair, err := e.mintPair(ctx, userID, app.Scopes, refresh)
	if err != nil {
		return nil, err
	}
	e.recordExchange("ok")
	return pair, nil
}

// Rotate trades a live refresh token for a fresh pair. The swap is a
// conditional update keyed on the old hash, so concurrent presentations of
// the same token produce exactly one winner; the rest get ErrInvalidSession.
func (e *Engine) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	next, err := randomToken()
	if err != nil {
		return nil, err
	}

	session, err := e.DB.RotateOAuth2Session(ctx, hashToken(refreshToken), hashToken(next))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			e.recordRotation("invalid")
			return nil, auth.ErrInvalidSession
		}
		return nil, err
	}

	pair, err := e.mintPair(ctx, session.UserID, session.Scopes, next)
	if err != nil {
		return nil, err
	}
	e.recordRotation("ok")
	return pair, nil
}

// mintPair signs the access token (and identity token when the grant carries
// openid and the asymmetric key is configured) for an already-persisted
// refresh token.
func (e *Engine) mintPair(ctx context.Context, userID uuid.UUID, scopes []string, refresh string) (*TokenPair, error) {
	access, err := e.Codec.EncodeAccess(userID, scopes)
	if err != nil {
		return nil, err
	}
	e.recordToken("access")

	pair := &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		Scopes:       scopes,
		ExpiresIn:    int(e.AccessTokenTTL.Seconds()),
	}

	if slices.Contains(scopes, scopeOpenID) {
		if pub, _ := e.Codec.PublicKey(); pub != nil {
			user, err := e.DB.GetUserByID(ctx, userID)
			if err != nil {
				return nil, err
			}
			idToken, err := e.Codec.EncodeIdentity(token.IdentityClaims{
				UserID:   user.ID,
				Username: user.Username,
				Email:    user.Email,
			}, e.IdentityTokenTTL)
			if err != nil {
				return nil, err
			}
			pair.IdentityToken = idToken
			e.recordToken("identity")
		}
	}
	return pair, nil
}
