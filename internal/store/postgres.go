// Package store handles all database and ephemeral-store interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// One connection pool is created at startup and shared across all handlers.
// All queries use parameterized statements.
package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore wraps a pgx connection pool. Safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and pings a connection pool to PostgreSQL.
// Call once at startup from main.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool. Call via defer in main.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const userColumns = "id, username, email, email_verified, password_hash, active, created_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.EmailVerified, &u.PasswordHash, &u.Active, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user. The caller generates the UUIDv7 and the
// Argon2id hash. Unique violations come back as raw pgx errors; the handler
// inspects the code to map them to a conflict error.
func (s *PostgresStore) CreateUser(ctx context.Context, id uuid.UUID, username, email, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO users (id, username, email, password_hash) VALUES ($1, $2, $3, $4)",
		id, username, email, passwordHash)
	return err
}

// GetUserByID fetches a user by primary key. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// GetUserByUsername fetches a user by exact (case-sensitive) username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
}

// GetUserByEmail fetches a user by exact (case-sensitive) email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email))
}

// UpdateUserPassword replaces the stored password hash.
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2 WHERE id = $1", id, passwordHash)
	return err
}

// SetEmailVerified marks the user's email as verified. Idempotent.
func (s *PostgresStore) SetEmailVerified(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE users SET email_verified = TRUE WHERE id = $1", id)
	return err
}

// CreateUserSession inserts a session row for a successful login.
func (s *PostgresStore) CreateUserSession(ctx context.Context, id, userID uuid.UUID, ip *string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO user_sessions (id, user_id, ip_address) VALUES ($1, $2, $3)",
		id, userID, ip)
	return err
}

// GetUserWithSession fetches the user and the named session in one round
// trip. Three-way result: (nil, nil) unknown user; (user, nil) unknown or
// revoked session; (user, session) both found. Callers branch on each.
func (s *PostgresStore) GetUserWithSession(ctx context.Context, userID, sessionID uuid.UUID) (*User, *UserSession, error) {
	// host() turns the INET column into text; pgx only plans binary INET
	// scans into netip targets, not *string.
	row := s.pool.QueryRow(ctx, `
		SELECT u.id, u.username, u.email, u.email_verified, u.password_hash, u.active, u.created_at,
		       s.id, host(s.ip_address), s.created_at, s.last_used
		FROM users u
		LEFT JOIN user_sessions s ON s.id = $2 AND s.user_id = u.id
		WHERE u.id = $1`,
		userID, sessionID)

	var u User
	var sid *uuid.UUID
	var ip *string
	var createdAt, lastUsed *time.Time
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.EmailVerified, &u.PasswordHash, &u.Active, &u.CreatedAt,
		&sid, &ip, &createdAt, &lastUsed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if sid == nil {
		return &u, nil, nil
	}
	return &u, &UserSession{
		ID:        *sid,
		UserID:    u.ID,
		IPAddress: ip,
		CreatedAt: *createdAt,
		LastUsed:  *lastUsed,
	}, nil
}

// ListUserSessions returns all live sessions for a user, newest first.
func (s *PostgresStore) ListUserSessions(ctx context.Context, userID uuid.UUID) ([]UserSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, host(ip_address), created_at, last_used
		FROM user_sessions WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []UserSession
	for rows.Next() {
		var us UserSession
		if err := rows.Scan(&us.ID, &us.UserID, &us.IPAddress, &us.CreatedAt, &us.LastUsed); err != nil {
			return nil, err
		}
		sessions = append(sessions, us)
	}
	return sessions, rows.Err()
}

// TouchUserSession updates last_used. Best-effort: callers log and drop the
// error rather than failing the request it piggybacks on.
func (s *PostgresStore) TouchUserSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE user_sessions SET last_used = now() WHERE id = $1", sessionID)
	return err
}

// DeleteUserSession revokes one session. Idempotent -- deleting a session
// that is already gone is not an error.
func (s *PostgresStore) DeleteUserSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM user_sessions WHERE id = $1 AND user_id = $2", sessionID, userID)
	return err
}

// DeleteAllUserSessions revokes every session for a user. Used after
// password reset.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM user_sessions WHERE user_id = $1", userID)
	return err
}

// CleanupStaleSessions deletes sessions idle longer than retention. Any token
// referencing them has long expired; this just reclaims rows.
func (s *PostgresStore) CleanupStaleSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM user_sessions WHERE last_used < now() - $1::interval",
		retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const appColumns = "id, name, creator_id, client_secret_hash, redirect_uris, scopes, created_at"

func scanApp(row pgx.Row) (*App, error) {
	var a App
	err := row.Scan(&a.ID, &a.Name, &a.CreatorID, &a.ClientSecretHash, &a.RedirectURIs, &a.Scopes, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateApp registers a new OAuth2 client application.
func (s *PostgresStore) CreateApp(ctx context.Context, a *App) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO apps (id, name, creator_id, client_secret_hash, redirect_uris, scopes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Name, a.CreatorID, a.ClientSecretHash, a.RedirectURIs, a.Scopes)
	return err
}

// GetAppByClientID fetches a registered app. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetAppByClientID(ctx context.Context, clientID uuid.UUID) (*App, error) {
	return scanApp(s.pool.QueryRow(ctx,
		"SELECT "+appColumns+" FROM apps WHERE id = $1", clientID))
}

// UpdateApp replaces the mutable fields of an app registration.
func (s *PostgresStore) UpdateApp(ctx context.Context, id uuid.UUID, name string, redirectURIs, scopes []string) (*App, error) {
	return scanApp(s.pool.QueryRow(ctx, `
		UPDATE apps SET name = $2, redirect_uris = $3, scopes = $4
		WHERE id = $1
		RETURNING `+appColumns,
		id, name, redirectURIs, scopes))
}

// DeleteApp removes an app registration and cascades its OAuth2 sessions.
func (s *PostgresStore) DeleteApp(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM apps WHERE id = $1", id)
	return err
}

// CreateOAuth2Session persists a freshly issued refresh-token session.
func (s *PostgresStore) CreateOAuth2Session(ctx context.Context, o *OAuth2Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth2_sessions (id, user_id, app_id, scopes, token_hash)
		VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.UserID, o.AppID, o.Scopes, o.TokenHash)
	return err
}

// RotateOAuth2Session atomically swaps oldHash for newHash on the matching
// non-revoked session and returns the updated row. The conditional UPDATE is
// the compare-and-swap: of two concurrent rotations presenting the same
// token, exactly one matches and the other gets pgx.ErrNoRows.
func (s *PostgresStore) RotateOAuth2Session(ctx context.Context, oldHash, newHash []byte) (*OAuth2Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE oauth2_sessions
		SET token_hash = $2, last_used = now()
		WHERE token_hash = $1 AND NOT revoked
		RETURNING id, user_id, app_id, scopes, token_hash, revoked, created_at, last_used`,
		oldHash, newHash)

	var o OAuth2Session
	err := row.Scan(&o.ID, &o.UserID, &o.AppID, &o.Scopes, &o.TokenHash, &o.Revoked, &o.CreatedAt, &o.LastUsed)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// RevokeOAuth2Session flags the session so its refresh token can never be
// rotated again. Idempotent.
func (s *PostgresStore) RevokeOAuth2Session(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE oauth2_sessions SET revoked = TRUE WHERE id = $1", id)
	return err
}
