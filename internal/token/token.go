// Package token encodes and decodes the signed, expiring claim sets used
// across the identity provider: first-party session tokens, OAuth2 access
// tokens, purpose-typed email tokens, and asymmetric identity tokens.
//
// Session and access tokens share one HS256 secret. A token's kind is
// determined structurally: the presence of a scopes claim makes it an access
// token. Identity tokens use a separate RS256 key published via JWKS, with a
// kid header for rotation.
package token

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any decode failure: bad signature, malformed
// payload, wrong shape, or expiry. Expired and invalid are deliberately merged
// into one externally visible error; the wrapped cause remains available for
// logging via errors.Unwrap.
var ErrInvalidToken = errors.New("invalid token")

// decodeLeeway absorbs clock skew at expiry boundaries. Deliberate deviation
// from exact wall-clock comparison; kept well under a minute.
const decodeLeeway = 30 * time.Second

// Purpose types an email token to the single flow allowed to consume it.
type Purpose string

const (
	PurposeReset  Purpose = "recovery"
	PurposeVerify Purpose = "verify"
	PurposeOTP    Purpose = "otp"
)

// Claims is the decoded payload of a session or access token.
// Exactly one of SessionClaims or AccessClaims is returned by Decode.
type Claims interface {
	isClaims()
}

// SessionClaims identify a first-party login: the user and the session row
// (jti) the token is bound to.
type SessionClaims struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	ExpiresAt time.Time
}

func (SessionClaims) isClaims() {}

// AccessClaims identify an OAuth2-authenticated request: the user and the
// scopes granted to the client application.
type AccessClaims struct {
	UserID    uuid.UUID
	Scopes    []string
	ExpiresAt time.Time
}

func (AccessClaims) isClaims() {}

// Config fixes issuer and lifetimes at construction.
type Config struct {
	Issuer          string
	Secret          []byte
	IdentityKey     *rsa.PrivateKey // nil disables the identity-token path
	SessionTokenTTL time.Duration
	AccessTokenTTL  time.Duration

	// Now is the clock used for issuance; nil means time.Now. Tests pin it.
	Now func() time.Time
}

// Codec signs and verifies all token kinds. Stateless and safe for
// concurrent use.
type Codec struct {
	issuer      string
	secret      []byte
	identityKey *rsa.PrivateKey
	kid         string
	sessionTTL  time.Duration
	accessTTL   time.Duration
	now         func() time.Time
}

// New builds a Codec from cfg. Secret must be non-empty.
func New(cfg Config) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token: secret is required")
	}
	c := &Codec{
		issuer:      cfg.Issuer,
		secret:      cfg.Secret,
		identityKey: cfg.IdentityKey,
		sessionTTL:  cfg.SessionTokenTTL,
		accessTTL:   cfg.AccessTokenTTL,
		now:         cfg.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sessionTTL <= 0 {
		c.sessionTTL = 720 * time.Hour
	}
	if c.accessTTL <= 0 {
		c.accessTTL = time.Hour
	}
	if c.identityKey != nil {
		kid, err := keyID(&c.identityKey.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("token: deriving kid: %w", err)
		}
		c.kid = kid
	}
	return c, nil
}

// wireClaims is the on-the-wire shape shared by session and access tokens.
// Scopes is the structural discriminator: present means access token.
type wireClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// EncodeSession signs a session token binding userID to the session row jti.
func (c *Codec) EncodeSession(userID, sessionID uuid.UUID) (string, error) {
	now := c.now()
	claims := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID.String(),
			ID:        sessionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// EncodeAccess signs an OAuth2 access token carrying the granted scopes.
// An empty scope set is encoded as [] rather than omitted, since scope
// presence is what marks the token as an access token.
func (c *Codec) EncodeAccess(userID uuid.UUID, scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	now := c.now()
	claims := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode verifies signature and expiry and returns the structurally
// discriminated claims. Any failure yields ErrInvalidToken.
func (c *Codec) Decode(tokenString string) (Claims, error) {
	var parsed wireClaims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(decodeLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.FromString(parsed.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	if parsed.Scopes != nil {
		return AccessClaims{
			UserID:    userID,
			Scopes:    parsed.Scopes,
			ExpiresAt: parsed.ExpiresAt.Time,
		}, nil
	}

	sessionID, err := uuid.FromString(parsed.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad session id", ErrInvalidToken)
	}
	return SessionClaims{
		UserID:    userID,
		SessionID: sessionID,
		ExpiresAt: parsed.ExpiresAt.Time,
	}, nil
}

// emailClaims is the wire shape for purpose-typed email tokens. OTPHash is
// set only for PurposeOTP and carries hex(SHA-256(code)) so the code itself
// never appears in the token.
type emailClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
	OTPHash string `json:"otp,omitempty"`
}

// EncodeEmail signs a short-lived token binding an email address to one flow.
func (c *Codec) EncodeEmail(email string, purpose Purpose, ttl time.Duration) (string, error) {
	now := c.now()
	claims := emailClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: string(purpose),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// VerifyEmail checks signature, expiry, and purpose, returning the bound
// email address. Fails closed with ErrInvalidToken on any mismatch.
func (c *Codec) VerifyEmail(tokenString string, purpose Purpose) (string, error) {
	claims, err := c.decodeEmail(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Purpose != string(purpose) || claims.Subject == "" {
		return "", fmt.Errorf("%w: wrong purpose", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// EncodeOTP signs a delivery token binding email to the hash of a one-time
// code. The caller mails the code separately; presenting both proves receipt.
func (c *Codec) EncodeOTP(email, code string, ttl time.Duration) (string, error) {
	sum := sha256.Sum256([]byte(code))
	now := c.now()
	claims := emailClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: string(PurposeOTP),
		OTPHash: hex.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// VerifyOTP checks the delivery token and the submitted code together,
// returning the bound email. Wrong code, expired token, and malformed token
// are indistinguishable to the caller -- all return ErrInvalidToken.
func (c *Codec) VerifyOTP(code, tokenString string) (string, error) {
	claims, err := c.decodeEmail(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Purpose != string(PurposeOTP) || claims.Subject == "" {
		return "", fmt.Errorf("%w: wrong purpose", ErrInvalidToken)
	}
	want, err := hex.DecodeString(claims.OTPHash)
	if err != nil || len(want) != sha256.Size {
		return "", fmt.Errorf("%w: bad otp claim", ErrInvalidToken)
	}
	sum := sha256.Sum256([]byte(code))
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return "", fmt.Errorf("%w: code mismatch", ErrInvalidToken)
	}
	return claims.Subject, nil
}

func (c *Codec) decodeEmail(tokenString string) (*emailClaims, error) {
	var parsed emailClaims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(decodeLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &parsed, nil
}

// IdentityClaims is the payload of an externally verifiable identity token.
type IdentityClaims struct {
	UserID   uuid.UUID
	Username string
	Email    string
	Audience string
}

// EncodeIdentity signs an identity token with the RS256 key and kid header.
// Returns an error when no identity key is configured.
func (c *Codec) EncodeIdentity(ic IdentityClaims, ttl time.Duration) (string, error) {
	if c.identityKey == nil {
		return "", errors.New("token: identity key not configured")
	}
	now := c.now()
	claims := jwt.MapClaims{
		"iss":      c.issuer,
		"sub":      ic.UserID.String(),
		"username": ic.Username,
		"email":    ic.Email,
		"iat":      jwt.NewNumericDate(now),
		"exp":      jwt.NewNumericDate(now.Add(ttl)),
	}
	if ic.Audience != "" {
		claims["aud"] = ic.Audience
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = c.kid
	return t.SignedString(c.identityKey)
}

// PublicKey returns the identity-token verification key and its kid, or nil
// when the asymmetric path is disabled.
func (c *Codec) PublicKey() (*rsa.PublicKey, string) {
	if c.identityKey == nil {
		return nil, ""
	}
	return &c.identityKey.PublicKey, c.kid
}

// keyID derives a stable key identifier from the SHA-256 of the DER-encoded
// public key.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:16]), nil
}
