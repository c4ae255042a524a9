// stores.go
//
// Shared mock implementations of the store-facing interfaces.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/verity-id/verity/internal/store"
)

// MockStore implements the database interfaces of the auth, oauth2, and apps
// packages.
//
// Always stateful: Users, Sessions, Apps, and OAuth2Sessions are maps, like
// a real store. Absence surfaces as pgx.ErrNoRows, matching the Postgres
// implementation. Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection, zero value means no error
	CreateUserErr           error
	GetUserErr              error
	UpdatePasswordErr       error
	SetEmailVerifiedErr     error
	CreateSessionErr        error
	GetUserWithSessionErr   error
	ListSessionsErr         error
	TouchSessionErr         error
	DeleteSessionErr        error
	DeleteAllSessionsErr    error
	CreateAppErr            error
	GetAppErr               error
	UpdateAppErr            error
	DeleteAppErr            error
	CreateOAuth2SessionErr  error
	RotateOAuth2SessionErr  error
	RevokeOAuth2SessionErr  error

	Users          map[uuid.UUID]*store.User
	Sessions       map[uuid.UUID]*store.UserSession
	Apps           map[uuid.UUID]*store.App
	OAuth2Sessions map[uuid.UUID]*store.OAuth2Session

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:          make(map[uuid.UUID]*store.User),
		Sessions:       make(map[uuid.UUID]*store.UserSession),
		Apps:           make(map[uuid.UUID]*store.App),
		OAuth2Sessions: make(map[uuid.UUID]*store.OAuth2Session),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

func (m *MockStore) CreateUser(_ context.Context, id uuid.UUID, username, email, passwordHash string) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	m.Users[id] = &store.User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	m.mu.Unlock()
	return nil
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

func (m *MockStore) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) UpdateUserPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *MockStore) SetEmailVerified(_ context.Context, id uuid.UUID) error {
	if m.SetEmailVerifiedErr != nil {
		return m.SetEmailVerifiedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.EmailVerified = true
	return nil
}

func (m *MockStore) CreateUserSession(_ context.Context, id, userID uuid.UUID, ip *string) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	m.Sessions[id] = &store.UserSession{
		ID:        id,
		UserID:    userID,
		IPAddress: ip,
		CreatedAt: time.Now(),
		LastUsed:  time.Now(),
	}
	m.mu.Unlock()
	return nil
}

func (m *MockStore) GetUserWithSession(_ context.Context, userID, sessionID uuid.UUID) (*store.User, *store.UserSession, error) {
	if m.GetUserWithSessionErr != nil {
		return nil, nil, m.GetUserWithSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return nil, nil, nil
	}
	s, ok := m.Sessions[sessionID]
	if !ok || s.UserID != userID {
		return u, nil, nil
	}
	return u, s, nil
}

func (m *MockStore) ListUserSessions(_ context.Context, userID uuid.UUID) ([]store.UserSession, error) {
	if m.ListSessionsErr != nil {
		return nil, m.ListSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.UserSession
	for _, s := range m.Sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MockStore) TouchUserSession(_ context.Context, sessionID uuid.UUID) error {
	if m.TouchSessionErr != nil {
		return m.TouchSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[sessionID]; ok {
		s.LastUsed = time.Now()
	}
	return nil
}

func (m *MockStore) DeleteUserSession(_ context.Context, userID, sessionID uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[sessionID]; ok && s.UserID == userID {
		delete(m.Sessions, sessionID)
	}
	return nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, id)
		}
	}
	return nil
}

func (m *MockStore) CreateApp(_ context.Context, a *store.App) error {
	if m.CreateAppErr != nil {
		return m.CreateAppErr
	}
	m.mu.Lock()
	cp := *a
	cp.CreatedAt = time.Now()
	m.Apps[a.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MockStore) GetAppByClientID(_ context.Context, clientID uuid.UUID) (*store.App, error) {
	if m.GetAppErr != nil {
		return nil, m.GetAppErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Apps[clientID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return a, nil
}

func (m *MockStore) UpdateApp(_ context.Context, id uuid.UUID, name string, redirectURIs, scopes []string) (*store.App, error) {
	if m.UpdateAppErr != nil {
		return nil, m.UpdateAppErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Apps[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	a.Name = name
	a.RedirectURIs = redirectURIs
	a.Scopes = scopes
	return a, nil
}

func (m *MockStore) DeleteApp(_ context.Context, id uuid.UUID) error {
	if m.DeleteAppErr != nil {
		return m.DeleteAppErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Apps, id)
	for sid, s := range m.OAuth2Sessions {
		if s.AppID == id {
			delete(m.OAuth2Sessions, sid)
		}
	}
	return nil
}

func (m *MockStore) CreateOAuth2Session(_ context.Context, o *store.OAuth2Session) error {
	if m.CreateOAuth2SessionErr != nil {
		return m.CreateOAuth2SessionErr
	}
	m.mu.Lock()
	cp := *o
	cp.CreatedAt = time.Now()
	cp.LastUsed = time.Now()
	m.OAuth2Sessions[o.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MockStore) RotateOAuth2Session(_ context.Context, oldHash, newHash []byte) (*store.OAuth2Session, error) {
	if m.RotateOAuth2SessionErr != nil {
		return nil, m.RotateOAuth2SessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.OAuth2Sessions {
		if !s.Revoked && bytes.Equal(s.TokenHash, oldHash) {
			s.TokenHash = newHash
			s.LastUsed = time.Now()
			return s, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) RevokeOAuth2Session(_ context.Context, id uuid.UUID) error {
	if m.RevokeOAuth2SessionErr != nil {
		return m.RevokeOAuth2SessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.OAuth2Sessions[id]; ok {
		s.Revoked = true
	}
	return nil
}

// MockCodeStore implements oauth2.CodeStore in memory with single-use
// semantics.
type MockCodeStore struct {
	SetErr     error
	ConsumeErr error

	codes map[string]uuid.UUID
	mu    sync.Mutex
}

func NewMockCodeStore() *MockCodeStore {
	return &MockCodeStore{codes: make(map[string]uuid.UUID)}
}

func codeKey(clientID uuid.UUID, code string) string {
	return clientID.String() + ":" + code
}

func (m *MockCodeStore) SetAuthCode(_ context.Context, clientID uuid.UUID, code string, userID uuid.UUID, ttlSeconds int) error {
	if m.SetErr != nil {
		return m.SetErr
	}
	m.mu.Lock()
	m.codes[codeKey(clientID, code)] = userID
	m.mu.Unlock()
	return nil
}

func (m *MockCodeStore) ConsumeAuthCode(_ context.Context, clientID uuid.UUID, code string) (uuid.UUID, error) {
	if m.ConsumeErr != nil {
		return uuid.Nil, m.ConsumeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := codeKey(clientID, code)
	userID, ok := m.codes[key]
	if !ok {
		return uuid.Nil, store.ErrCodeNotFound
	}
	delete(m.codes, key)
	return userID, nil
}

// MockRateLimiter implements auth.RateLimiter. It counts attempts per key
// and denies once Limit is exceeded; Limit zero means unlimited.
type MockRateLimiter struct {
	Limit    int
	AllowErr error

	Attempts map[string]int
	mu       sync.Mutex
}

func NewMockRateLimiter(limit int) *MockRateLimiter {
	return &MockRateLimiter{Limit: limit, Attempts: make(map[string]int)}
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, _ store.RateLimit) error {
	if m.AllowErr != nil {
		return m.AllowErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Attempts == nil {
		m.Attempts = make(map[string]int)
	}
	m.Attempts[key]++
	if m.Limit > 0 && m.Attempts[key] > m.Limit {
		return store.ErrRateLimitExceeded
	}
	return nil
}

// MockMailer implements mail.Mailer and records every send.
type MockMailer struct {
	SendErr error

	ResetTokens  map[string]string // email -> token
	VerifyTokens map[string]string // email -> token
	OTPs         map[string]string // email -> otp
	mu           sync.Mutex
}

func NewMockMailer() *MockMailer {
	return &MockMailer{
		ResetTokens:  make(map[string]string),
		VerifyTokens: make(map[string]string),
		OTPs:         make(map[string]string),
	}
}

func (m *MockMailer) SendPasswordReset(_ context.Context, toEmail, token string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	if m.ResetTokens == nil {
		m.ResetTokens = make(map[string]string)
	}
	m.ResetTokens[toEmail] = token
	m.mu.Unlock()
	return nil
}

func (m *MockMailer) SendEmailVerification(_ context.Context, toEmail, username, token string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	if m.VerifyTokens == nil {
		m.VerifyTokens = make(map[string]string)
	}
	m.VerifyTokens[toEmail] = token
	m.mu.Unlock()
	return nil
}

func (m *MockMailer) SendOTP(_ context.Context, toEmail, username, otp string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	if m.OTPs == nil {
		m.OTPs = make(map[string]string)
	}
	m.OTPs[toEmail] = otp
	m.mu.Unlock()
	return nil
}

// ResetToken returns the last reset token mailed to email. Safe to call while
// a queue worker is still delivering.
func (m *MockMailer) ResetToken(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ResetTokens[email]
}

// VerifyToken returns the last verification token mailed to email.
func (m *MockMailer) VerifyToken(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.VerifyTokens[email]
}

// OTP returns the last one-time passcode mailed to email.
func (m *MockMailer) OTP(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OTPs[email]
}
