// session.go

// First-party session lifecycle: create on login, touch on use, revoke on
// logout. One row per login; concurrent sessions per user are allowed.
package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/verity-id/verity/internal/store"
)

// createSession persists a session row and returns it with its signed token.
// The token is encoded before the insert so a storage failure leaves no
// usable artifact behind.
func (h *Handler) createSession(ctx context.Context, user *store.User, ip *string) (uuid.UUID, string, error) {
	sessionID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("generating session id: %w", err)
	}
	tokenString, err := h.Codec.EncodeSession(user.ID, sessionID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("encoding session token: %w", err)
	}
	if err := h.DB.CreateUserSession(ctx, sessionID, user.ID, ip); err != nil {
		return uuid.Nil, "", fmt.Errorf("creating session: %w", err)
	}
	return sessionID, tokenString, nil
}

// clientIP extracts the bare client IP from the request; RemoteAddr carries a
// port the INET column won't take.
func clientIP(r *http.Request) *string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if ip == "" {
		return nil
	}
	return &ip
}
