// handler.go -- HTTP handlers for the /auth/* and /users/* endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/verity-id/verity/internal/mail"
	"github.com/verity-id/verity/internal/store"
	"github.com/verity-id/verity/internal/token"
)

// Store defines the database operations needed by auth handlers.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go
// convention.
type Store interface {
	// CreateUser inserts a new user with username, email, and hashed password.
	// Unique violations surface as pgconn errors with code 23505.
	CreateUser(ctx context.Context, id uuid.UUID, username, email, passwordHash string) error

	// GetUserByID fetches a user by id. Returns pgx.ErrNoRows if absent.
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// GetUserByUsername fetches a user by exact username.
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)

	// GetUserByEmail fetches a user by exact email.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)

	// UpdateUserPassword replaces the stored Argon2id hash.
	UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	// SetEmailVerified marks the user's email verified. Idempotent.
	SetEmailVerified(ctx context.Context, id uuid.UUID) error

	// CreateUserSession inserts a session row for a successful login.
	CreateUserSession(ctx context.Context, id, userID uuid.UUID, ip *string) error

	// GetUserWithSession is the three-way lookup: (nil, nil) unknown user,
	// (user, nil) unknown/revoked session, (user, session) both found.
	GetUserWithSession(ctx context.Context, userID, sessionID uuid.UUID) (*store.User, *store.UserSession, error)

	// ListUserSessions returns all live sessions for a user, newest first.
	ListUserSessions(ctx context.Context, userID uuid.UUID) ([]store.UserSession, error)

	// TouchUserSession updates last_used; best-effort.
	TouchUserSession(ctx context.Context, sessionID uuid.UUID) error

	// DeleteUserSession revokes one session. Idempotent.
	DeleteUserSession(ctx context.Context, userID, sessionID uuid.UUID) error

	// DeleteAllUserSessions revokes every session for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RateLimiter -- defined here per Go convention.
type RateLimiter interface {
	// Allow records the attempt and returns nil if within policy,
	// store.ErrRateLimitExceeded if locked out.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// Metrics counts security-relevant events. Satisfied by *metrics.Collector.
type Metrics interface {
	RecordLogin(method string)
	RecordTokenIssued(kind string)
}

// Handler holds dependencies for the auth HTTP handlers and middleware.
type Handler struct {
	DB    Store
	RL    RateLimiter
	ML    mail.Mailer
	Codec *token.Codec
	MX    Metrics // optional; nil disables counting

	ResetTokenTTL  time.Duration
	VerifyTokenTTL time.Duration
	OTPTokenTTL    time.Duration

	LoginPolicy  store.RateLimit
	ForgotPolicy store.RateLimit
}

func (h *Handler) recordLogin(method string) {
	if h.MX != nil {
		h.MX.RecordLogin(method)
	}
}

func (h *Handler) recordToken(kind string) {
	if h.MX != nil {
		h.MX.RecordTokenIssued(kind)
	}
}

// userBody is the public user representation returned by the API.
type userBody struct {
	ID            uuid.UUID `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	Active        bool      `json:"active"`
}

func publicUser(u *store.User) userBody {
	return userBody{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Active:        u.Active,
	}
}

// tokenBody is the login/OTP success response.
type tokenBody struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (duplicate username or email).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Register handles POST /auth/register -- username + email + password signup.
// Returns 201 with the new user, 400 for validation errors, 409 for
// duplicate username or email.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		LogWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}

	if msg := ValidateUsername(in.Username); msg != "" {
		BadRequest(w, msg)
		return
	}
	if msg := ValidateEmail(in.Email); msg != "" {
		BadRequest(w, msg)
		return
	}
	if msg := ValidatePassword(in.Password); msg != "" {
		BadRequest(w, msg)
		return
	}

	passwordHash, err := HashPassword(in.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	userID, err := uuid.NewV7()
	if err != nil {
		WriteError(w, r, err)
		return
	}

	if err := h.DB.CreateUser(r.Context(), userID, in.Username, in.Email, passwordHash); err != nil {
		if isUniqueViolation(err) {
			LogInfo(r, "registration attempted with existing username or email")
			WriteError(w, r, ErrConflict)
			return
		}
		WriteError(w, r, err)
		return
	}

	LogInfo(r, "user registered", "user_id", userID)
	WriteJSON(w, http.StatusCreated, userBody{
		ID:       userID,
		Username: in.Username,
		Email:    in.Email,
		Active:   true,
	})
}

// lookupByLogin resolves the login identifier: "@" means email, anything
// else means username.
func (h *Handler) lookupByLogin(ctx context.Context, login string) (*store.User, error) {
	if strings.Contains(login, "@") {
		return h.DB.GetUserByEmail(ctx, login)
	}
	return h.DB.GetUserByUsername(ctx, login)
}

// Login handles POST /auth/login -- username-or-email + password.
// Returns 200 with user_id and session token, 404 for unknown user, 400 for
// inactive user, 403 for a wrong password, 429 when rate limited.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		LogWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}
	if in.Login == "" || in.Password == "" {
		BadRequest(w, "login and password required")
		return
	}

	// Rejected attempts never reach Argon2id.
	if err := h.RL.Allow(r.Context(), "login:"+in.Login, h.LoginPolicy); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			LogInfo(r, "login rate limited")
			WriteJSON(w, http.StatusTooManyRequests, map[string]string{"message": "too many attempts, try again later"})
			return
		}
		WriteError(w, r, err)
		return
	}

	user, err := h.lookupByLogin(r.Context(), in.Login)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Run the dummy hash to equalise timing with the found-user path.
			VerifyPassword(in.Password, dummyPasswordHash)
			LogInfo(r, "login attempted with unknown identifier")
			WriteError(w, r, ErrUserNotFound)
			return
		}
		WriteError(w, r, err)
		return
	}
	if !user.Active {
		WriteError(w, r, ErrInactiveUser)
		return
	}

	valid, err := VerifyPassword(in.Password, user.PasswordHash)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if !valid {
		LogInfo(r, "login attempted with incorrect password", "user_id", user.ID)
		WriteError(w, r, ErrInvalidCredentials)
		return
	}

	_, tokenString, err := h.createSession(r.Context(), user, clientIP(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	h.recordLogin("password")
	h.recordToken("session")
	LogInfo(r, "user logged in", "user_id", user.ID)
	WriteJSON(w, http.StatusOK, tokenBody{UserID: user.ID, Token: tokenString})
}

// Logout handles DELETE /auth/logout -- revokes the presented session.
// OAuth2 access tokens have no session to revoke and get a 400.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		WriteError(w, r, errors.New("missing principal in context"))
		return
	}
	if p.Session == nil {
		WriteError(w, r, ErrNotSupportedByOAuth2)
		return
	}
	if err := h.DB.DeleteUserSession(r.Context(), p.User.ID, p.Session.ID); err != nil {
		WriteError(w, r, err)
		return
	}
	LogInfo(r, "user logged out", "user_id", p.User.ID)
	NoContent(w)
}

// sessionBody is one entry in the session listing.
type sessionBody struct {
	ID        uuid.UUID `json:"id"`
	IPAddress *string   `json:"ip_address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// ListSessions handles GET /auth/sessions -- all live sessions of the
// principal, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		WriteError(w, r, errors.New("missing principal in context"))
		return
	}
	// First-party only: an app's access token must not see where the user
	// is logged in from.
	if p.Session == nil {
		WriteError(w, r, ErrNotSupportedByOAuth2)
		return
	}
	sessions, err := h.DB.ListUserSessions(r.Context(), p.User.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	out := make([]sessionBody, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionBody{ID: s.ID, IPAddress: s.IPAddress, CreatedAt: s.CreatedAt, LastUsed: s.LastUsed})
	}
	WriteJSON(w, http.StatusOK, out)
}

// Forgot handles POST /auth/forgot -- initiates the password reset flow.
// The reset token goes out by email only; 204 on success.
func (h *Handler) Forgot(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, "error decoding request body")
		return
	}
	if msg := ValidateEmail(in.Email); msg != "" {
		BadRequest(w, msg)
		return
	}

	if err := h.RL.Allow(r.Context(), "forgot:"+in.Email, h.ForgotPolicy); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			LogInfo(r, "password reset rate limited")
			WriteJSON(w, http.StatusTooManyRequests, map[string]string{"message": "too many attempts, try again later"})
			return
		}
		WriteError(w, r, err)
		return
	}

	user, err := h.DB.GetUserByEmail(r.Context(), in.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteError(w, r, ErrUserNotFound)
			return
		}
		WriteError(w, r, err)
		return
	}
	if !user.Active {
		WriteError(w, r, ErrInactiveUser)
		return
	}
	if !user.EmailVerified {
		WriteError(w, r, ErrEmailNotVerified)
		return
	}

	resetToken, err := h.Codec.EncodeEmail(user.Email, token.PurposeReset, h.ResetTokenTTL)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	// Queued; delivery failures never fail this request.
	if err := h.ML.SendPasswordReset(r.Context(), user.Email, resetToken); err != nil {
		LogWarn(r, "failed to enqueue password reset email", "error", err, "user_id", user.ID)
	}
	LogInfo(r, "password reset email queued", "user_id", user.ID)
	NoContent(w)
}

// Reset handles POST /auth/reset -- completes the reset using the emailed
// token. All existing sessions are revoked.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, "error decoding request body")
		return
	}
	if msg := ValidatePassword(in.Password); msg != "" {
		BadRequest(w, msg)
		return
	}

	email, err := h.Codec.VerifyEmail(in.Token, token.PurposeReset)
	if err != nil {
		WriteError(w, r, ErrInvalidToken)
		return
	}

	user, err := h.DB.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteError(w, r, ErrUserNotFound)
			return
		}
		WriteError(w, r, err)
		return
	}
	if !user.Active {
		WriteError(w, r, ErrInactiveUser)
		return
	}

	passwordHash, err := HashPassword(in.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.DB.UpdateUserPassword(r.Context(), user.ID, passwordHash); err != nil {
		WriteError(w, r, err)
		return
	}
	// A reset proves the old credential may be compromised; end every login.
	if err := h.DB.DeleteAllUserSessions(r.Context(), user.ID); err != nil {
		WriteError(w, r, err)
		return
	}

	LogInfo(r, "user reset password", "user_id", user.ID)
	WriteJSON(w, http.StatusOK, publicUser(user))
}

// SendVerify handles PUT /auth/verify -- emails the principal a verification
// token. 400 if the email is already verified.
func (h *Handler) SendVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		WriteError(w, r, errors.New("missing principal in context"))
		return
	}
	if p.User.EmailVerified {
		WriteError(w, r, ErrEmailAlreadyVerified)
		return
	}

	verifyToken, err := h.Codec.EncodeEmail(p.User.Email, token.PurposeVerify, h.VerifyTokenTTL)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.ML.SendEmailVerification(r.Context(), p.User.Email, p.User.Username, verifyToken); err != nil {
		LogWarn(r, "failed to enqueue verification email", "error", err, "user_id", p.User.ID)
	}
	LogInfo(r, "verification email queued", "user_id", p.User.ID)
	NoContent(w)
}

// ConfirmVerify handles POST /auth/verify -- marks the email verified using
// the emailed token.
func (h *Handler) ConfirmVerify(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, "error decoding request body")
		return
	}

	email, err := h.Codec.VerifyEmail(in.Token, token.PurposeVerify)
	if err != nil {
		WriteError(w, r, ErrInvalidToken)
		return
	}

	user, err := h.DB.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteError(w, r, ErrUserNotFound)
			return
		}
		WriteError(w, r, err)
		return
	}
	if !user.Active {
		WriteError(w, r, ErrInactiveUser)
		return
	}
	if err := h.DB.SetEmailVerified(r.Context(), user.ID); err != nil {
		WriteError(w, r, err)
		return
	}

	LogInfo(r, "email verified", "user_id", user.ID)
	NoContent(w)
}

// SendOTP handles PUT /auth/otp -- issues a one-time passcode and its
// delivery token. The passcode goes out by email; the token comes back in
// the response body. Both must be presented to POST /auth/otp.
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, "error decoding request body")
		return
	}
	if msg := ValidateEmail(in.Email); msg != "" {
		BadRequest(w, msg)
		return
	}

	user, err := h.DB.GetUserByEmail(r.Context(), in.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteError(w, r, ErrUserNotFound)
			return
		}
		WriteError(w, r, err)
		return
	}
	if !user.EmailVerified {
		WriteError(w, r, ErrEmailNotVerified)
		return
	}

	otp, err := GenerateOTP()
	if err != nil {
		WriteError(w, r, err)
		return
	}
	otpToken, err := h.Codec.EncodeOTP(user.Email, otp, h.OTPTokenTTL)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.ML.SendOTP(r.Context(), user.Email, user.Username, otp); err != nil {
		LogWarn(r, "failed to enqueue otp email", "error", err, "user_id", user.ID)
	}

	LogInfo(r, "otp issued", "user_id", user.ID)
	WriteJSON(w, http.StatusOK, map[string]string{"token": otpToken})
}

// LoginOTP handles POST /auth/otp -- authenticates with passcode + delivery
// token and opens a session, exactly like a password login.
func (h *Handler) LoginOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OTP   string `json:"otp"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, "error decoding request body")
		return
	}

	// Wrong, expired, and malformed all collapse into one error.
	email, err := h.Codec.VerifyOTP(in.OTP, in.Token)
	if err != nil {
		LogInfo(r, "otp verification failed")
		WriteError(w, r, ErrInvalidOtp)
		return
	}

	user, err := h.DB.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteError(w, r, ErrUserNotFound)
			return
		}
		WriteError(w, r, err)
		return
	}
	if !user.Active {
		WriteError(w, r, ErrInactiveUser)
		return
	}

	_, tokenString, err := h.createSession(r.Context(), user, clientIP(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	h.recordLogin("otp")
	h.recordToken("session")
	LogInfo(r, "user logged in via otp", "user_id", user.ID)
	WriteJSON(w, http.StatusOK, tokenBody{UserID: user.ID, Token: tokenString})
}

// Me handles GET /users/me -- returns the authenticated principal.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		WriteError(w, r, errors.New("missing principal in context"))
		return
	}
	WriteJSON(w, http.StatusOK, publicUser(p.User))
}

// profileBody is the trimmed user representation shown to other users and
// anonymous visitors. No email fields.
type profileBody struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Active   bool      `json:"active"`
}

// GetUser handles GET /users/{username} -- a public profile lookup. Runs
// behind OptionalAuth: a user viewing their own profile gets the full body,
// everyone else gets the trimmed one.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	user, err := h.DB.GetUserByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrUserNotFound
		}
		WriteError(w, r, err)
		return
	}

	if p, ok := PrincipalFromContext(r.Context()); ok && p.User.ID == user.ID {
		WriteJSON(w, http.StatusOK, publicUser(user))
		return
	}
	WriteJSON(w, http.StatusOK, profileBody{
		ID:       user.ID,
		Username: user.Username,
		Active:   user.Active,
	})
}
