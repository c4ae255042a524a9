// errors.go -- Domain error taxonomy and its HTTP status mapping.
//
// Every caller/policy violation in the core is one of these kinds. Handlers
// return them up to WriteError, which maps kind -> status code via a single
// fixed table. Storage failures are not in the taxonomy; they surface as 500s.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind tags a domain error with its taxonomy entry.
type Kind int

const (
	KindNotAuthenticated Kind = iota
	KindInvalidToken
	KindUserNotFound
	KindInactiveUser
	KindEmailNotVerified
	KindEmailAlreadyVerified
	KindInvalidCredentials
	KindInvalidOtp
	KindConflict
	KindMissingScope
	KindNotAllowedScope
	KindRedirectURINotAllowed
	KindAuthorizationTypeNotSupported
	KindInvalidClientSecret
	KindInvalidAuthorizationCode
	KindInvalidSession
	KindNotSupportedByOAuth2
	KindAppNotFound
	KindValidation
)

// Error is a request-scoped, non-fatal domain error. It represents a caller
// or policy violation, never a transient failure, and is surfaced directly
// with no retry.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Status maps the error kind to its transport status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindNotAuthenticated:
		return http.StatusUnauthorized
	case KindInvalidToken, KindInvalidCredentials, KindInvalidOtp, KindInvalidSession:
		return http.StatusForbidden
	case KindUserNotFound, KindAppNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// Fixed error values. Messages are deliberately generic where distinguishing
// failure causes would create an oracle (wrong vs expired token, unknown vs
// wrong-password user).
var (
	ErrNotAuthenticated     = &Error{KindNotAuthenticated, "Not authenticated"}
	ErrInvalidToken         = &Error{KindInvalidToken, "Invalid token"}
	ErrUserNotFound         = &Error{KindUserNotFound, "User not found"}
	ErrInactiveUser         = &Error{KindInactiveUser, "Inactive user"}
	ErrEmailNotVerified     = &Error{KindEmailNotVerified, "Email is not verified"}
	ErrEmailAlreadyVerified = &Error{KindEmailAlreadyVerified, "Email is already verified"}
	ErrInvalidCredentials   = &Error{KindInvalidCredentials, "Invalid username or password"}
	ErrInvalidOtp           = &Error{KindInvalidOtp, "Invalid one-time passcode"}
	ErrConflict             = &Error{KindConflict, "User with this username or email already exists"}

	ErrRedirectURINotAllowed          = &Error{KindRedirectURINotAllowed, "Redirect URI not allowed"}
	ErrAuthorizationTypeNotSupported  = &Error{KindAuthorizationTypeNotSupported, "Authorization type is not supported"}
	ErrInvalidClientSecret            = &Error{KindInvalidClientSecret, "Invalid client secret"}
	ErrInvalidAuthorizationCode       = &Error{KindInvalidAuthorizationCode, "Invalid authorization code"}
	ErrInvalidSession                 = &Error{KindInvalidSession, "Invalid session"}
	ErrNotSupportedByOAuth2           = &Error{KindNotSupportedByOAuth2, "Endpoint is not supported by OAuth2"}
	ErrAppNotFound                    = &Error{KindAppNotFound, "App not found"}
)

// MissingScopeError reports exactly the required scopes the token lacks.
func MissingScopeError(scopes []string) *Error {
	return &Error{KindMissingScope, fmt.Sprintf("Missing scopes: '%s'", strings.Join(scopes, ", "))}
}

// NotAllowedScopeError reports scopes requested beyond the app's allow-list.
func NotAllowedScopeError(scopes []string) *Error {
	return &Error{KindNotAllowedScope, fmt.Sprintf("Scopes: '%s' not allowed by the app", strings.Join(scopes, ", "))}
}

// ValidationError reports a business-rule or input violation.
func ValidationError(message string) *Error {
	return &Error{KindValidation, message}
}

// AsDomainError unwraps err to an *Error if it is one.
func AsDomainError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
