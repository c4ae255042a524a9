// middleware.go

// Bearer-token authentication middleware: the per-request entry point that
// turns a token into an authenticated principal.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/verity-id/verity/internal/store"
	"github.com/verity-id/verity/internal/token"
)

// contextKey is unexported to prevent collisions with other packages.
type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated identity resolved from a request. Session
// is nil for OAuth2 access-token requests; session-specific operations
// (logout) must reject those with ErrNotSupportedByOAuth2.
type Principal struct {
	User    *store.User
	Session *store.UserSession
}

// PrincipalFromContext retrieves the authenticated principal.
// The second return is false if no auth middleware has run.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// ContextWithPrincipal returns ctx carrying p. Production code goes through
// RequireAuth; this exists for handler tests in other packages.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// bearerToken extracts the token from the Authorization header. The "Bearer"
// prefix is optional; existing clients send the raw token.
func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return after
	}
	return authz
}

// RequireAuth returns middleware that authenticates the request and injects
// the principal into context. Session-shaped tokens take the full session
// path (three-way lookup, inactive check, best-effort touch); access-shaped
// tokens take the scope-containment path against the given required scopes.
func (h *Handler) RequireAuth(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				WriteError(w, r, ErrNotAuthenticated)
				return
			}
			p, err := h.Authenticate(r, raw, scopes)
			if err != nil {
				if de, ok := AsDomainError(err); ok {
					LogWarn(r, "authentication failed", "reason", de.Message)
				}
				WriteError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth is like RequireAuth but a missing bearer token passes through
// with a nil principal instead of a 401. A present-but-invalid token still
// fails: silently ignoring bad credentials would mask client bugs.
func (h *Handler) OptionalAuth(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := h.Authenticate(r, raw, scopes)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate decodes the token and dispatches on its structural kind.
func (h *Handler) Authenticate(r *http.Request, raw string, requiredScopes []string) (*Principal, error) {
	claims, err := h.Codec.Decode(raw)
	if err != nil {
		// Expired and invalid are one externally visible error; the wrapped
		// cause is only for logs.
		LogDebug(r, "token decode failed", "error", err)
		return nil, ErrInvalidToken
	}

	switch c := claims.(type) {
	case token.SessionClaims:
		return h.authenticateSession(r, c)
	case token.AccessClaims:
		return h.authenticateOAuth2(r.Context(), c, requiredScopes)
	default:
		return nil, ErrInvalidToken
	}
}

// authenticateSession resolves a first-party session token. The three-way
// lookup result is branched exactly: unknown user, unknown/revoked session,
// inactive user.
func (h *Handler) authenticateSession(r *http.Request, c token.SessionClaims) (*Principal, error) {
	ctx := r.Context()
	user, session, err := h.DB.GetUserWithSession(ctx, c.UserID, c.SessionID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if session == nil {
		return nil, ErrInvalidToken
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}
	// Best-effort touch; a dropped last-used write must not fail the request.
	if err := h.DB.TouchUserSession(ctx, session.ID); err != nil {
		LogWarn(r, "session touch failed", "session_id", session.ID, "error", err)
	}
	return &Principal{User: user, Session: session}, nil
}

// authenticateOAuth2 resolves an access token: every required scope must be
// in the granted set, then a direct user lookup with no session object.
func (h *Handler) authenticateOAuth2(ctx context.Context, c token.AccessClaims, requiredScopes []string) (*Principal, error) {
	granted := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = true
	}
	var missing []string
	for _, s := range requiredScopes {
		if !granted[s] {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return nil, MissingScopeError(missing)
	}

	user, err := h.DB.GetUserByID(ctx, c.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}
	return &Principal{User: user, Session: nil}, nil
}
