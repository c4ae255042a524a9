// postgres_test.go -- integration tests against a real Postgres instance.
// Connection setup lives in main_test.go.
package store

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// --- Users ---

func TestCreateAndGetUser(t *testing.T) {
	ctx := context.Background()
	u := mustCreateUser(t, ctx)

	t.Run("fresh user defaults", func(t *testing.T) {
		if !u.Active {
			t.Error("new user not active")
		}
		if u.EmailVerified {
			t.Error("new user already verified")
		}
		if u.CreatedAt.IsZero() {
			t.Error("created_at not set")
		}
	})

	t.Run("lookup by username and email", func(t *testing.T) {
		byName, err := testStore.GetUserByUsername(ctx, u.Username)
		if err != nil {
			t.Fatalf("GetUserByUsername: %v", err)
		}
		if byName.ID != u.ID {
			t.Errorf("id: expected %s, got %s", u.ID, byName.ID)
		}
		byEmail, err := testStore.GetUserByEmail(ctx, u.Email)
		if err != nil {
			t.Fatalf("GetUserByEmail: %v", err)
		}
		if byEmail.ID != u.ID {
			t.Errorf("id: expected %s, got %s", u.ID, byEmail.ID)
		}
	})

	t.Run("absent user is pgx.ErrNoRows", func(t *testing.T) {
		if _, err := testStore.GetUserByID(ctx, mustUUID(t)); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("expected pgx.ErrNoRows, got %v", err)
		}
	})

	t.Run("duplicate username is a unique violation", func(t *testing.T) {
		err := testStore.CreateUser(ctx, mustUUID(t), u.Username, "other@test.invalid", "hash")
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
			t.Errorf("expected 23505, got %v", err)
		}
	})
}

func TestUpdateUserPassword(t *testing.T) {
	ctx := context.Background()
	u := mustCreateUser(t, ctx)

	if err := testStore.UpdateUserPassword(ctx, u.ID, "new-hash"); err != nil {
		t.Fatalf("UpdateUserPassword: %v", err)
	}
	got, err := testStore.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got.PasswordHash != "new-hash" {
		t.Errorf("password_hash: expected new-hash, got %q", got.PasswordHash)
	}
}

func TestSetEmailVerified(t *testing.T) {
	ctx := context.Background()
	u := mustCreateUser(t, ctx)

	// Twice: the second call must be a no-op, not an error.
	for range 2 {
		if err := testStore.SetEmailVerified(ctx, u.ID); err != nil {
			t.Fatalf("SetEmailVerified: %v", err)
		}
	}
	got, err := testStore.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if !got.EmailVerified {
		t.Error("email not verified")
	}
}

// --- User sessions ---

func TestUserSessions(t *testing.T) {
	ctx := context.Background()
	u := mustCreateUser(t, ctx)
	ip := "192.0.2.7"

	s1 := mustUUID(t)
	if err := testStore.CreateUserSession(ctx, s1, u.ID, &ip); err != nil {
		t.Fatalf("CreateUserSession: %v", err)
	}
	s2 := mustUUID(t)
	if err := testStore.CreateUserSession(ctx, s2, u.ID, nil); err != nil {
		t.Fatalf("CreateUserSession: %v", err)
	}

	t.Run("three-way lookup", func(t *testing.T) {
		user, sess, err := testStore.GetUserWithSession(ctx, u.ID, s1)
		if err != nil {
			t.Fatalf("GetUserWithSession: %v", err)
		}
		if user == nil || sess == nil {
			t.Fatalf("expected (user, session), got (%v, %v)", user, sess)
		}
		if sess.IPAddress == nil || *sess.IPAddress != ip {
			t.Errorf("ip: expected %s, got %v", ip, sess.IPAddress)
		}

		user, sess, err = testStore.GetUserWithSession(ctx, u.ID, mustUUID(t))
		if err != nil {
			t.Fatalf("GetUserWithSession: %v", err)
		}
		if user == nil || sess != nil {
			t.Errorf("unknown session: expected (user, nil), got (%v, %v)", user, sess)
		}

		user, sess, err = testStore.GetUserWithSession(ctx, mustUUID(t), s1)
		if err != nil {
			t.Fatalf("GetUserWithSession: %v", err)
		}
		if user != nil || sess != nil {
			t.Errorf("unknown user: expected (nil, nil), got (%v, %v)", user, sess)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		sessions, err := testStore.ListUserSessions(ctx, u.ID)
		if err != nil {
			t.Fatalf("ListUserSessions: %v", err)
		}
		if len(sessions) != 2 {
			t.Fatalf("sessions: expected 2, got %d", len(sessions))
		}
		// The INET column must survive the scan for both the recorded and the
		// NULL ip.
		var withIP, withoutIP int
		for _, s := range sessions {
			if s.IPAddress == nil {
				withoutIP++
				continue
			}
			withIP++
			if *s.IPAddress != ip {
				t.Errorf("ip: expected %s, got %s", ip, *s.IPAddress)
			}
		}
		if withIP != 1 || withoutIP != 1 {
			t.Errorf("expected one session with ip and one without, got %d/%d", withIP, withoutIP)
		}
	})

	t.Run("touch bumps last_used", func(t *testing.T) {
		_, before, err := testStore.GetUserWithSession(ctx, u.ID, s1)
		if err != nil {
			t.Fatalf("GetUserWithSession: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
		if err := testStore.TouchUserSession(ctx, s1); err != nil {
			t.Fatalf("TouchUserSession: %v", err)
		}
		_, after, err := testStore.GetUserWithSession(ctx, u.ID, s1)
		if err != nil {
			t.Fatalf("GetUserWithSession: %v", err)
		}
		if !after.LastUsed.After(before.LastUsed) {
			t.Errorf("last_used not bumped: %v -> %v", before.LastUsed, after.LastUsed)
		}
	})

	t.Run("delete one is idempotent and scoped to the user", func(t *testing.T) {
		other := mustCreateUser(t, ctx)
		// Someone else's user_id must not revoke this session.
		if err := testStore.DeleteUserSession(ctx, other.ID, s1); err != nil {
			t.Fatalf("DeleteUserSession (wrong user): %v", err)
		}
		if _, sess, _ := testStore.GetUserWithSession(ctx, u.ID, s1); sess == nil {
			t.Fatal("session revoked by a different user")
		}

		for range 2 {
			if err := testStore.DeleteUserSession(ctx, u.ID, s1); err != nil {
				t.Fatalf("DeleteUserSession: %v", err)
			}
		}
		if _, sess, _ := testStore.GetUserWithSession(ctx, u.ID, s1); sess != nil {
			t.Error("session survived delete")
		}
	})

	t.Run("delete all", func(t *testing.T) {
		if err := testStore.DeleteAllUserSessions(ctx, u.ID); err != nil {
			t.Fatalf("DeleteAllUserSessions: %v", err)
		}
		sessions, err := testStore.ListUserSessions(ctx, u.ID)
		if err != nil {
			t.Fatalf("ListUserSessions: %v", err)
		}
		if len(sessions) != 0 {
			t.Errorf("sessions: expected 0, got %d", len(sessions))
		}
	})
}

// --- Apps ---

func TestApps(t *testing.T) {
	ctx := context.Background()
	creator := mustCreateUser(t, ctx)
	app := mustCreateApp(t, ctx, creator.ID)

	t.Run("arrays round trip", func(t *testing.T) {
		if len(app.RedirectURIs) != 1 || app.RedirectURIs[0] != "https://app.test/callback" {
			t.Errorf("redirect_uris: got %v", app.RedirectURIs)
		}
		if len(app.Scopes) != 2 {
			t.Errorf("scopes: got %v", app.Scopes)
		}
	})

	t.Run("update returns the new row", func(t *testing.T) {
		updated, err := testStore.UpdateApp(ctx, app.ID, "renamed", []string{"https://new.test/cb"}, []string{"openid"})
		if err != nil {
			t.Fatalf("UpdateApp: %v", err)
		}
		if updated.Name != "renamed" || updated.Scopes[0] != "openid" {
			t.Errorf("update not applied: %+v", updated)
		}
		if !bytes.Equal(updated.ClientSecretHash, app.ClientSecretHash) {
			t.Error("secret hash changed on update")
		}
	})

	t.Run("absent app is pgx.ErrNoRows", func(t *testing.T) {
		if _, err := testStore.GetAppByClientID(ctx, mustUUID(t)); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("expected pgx.ErrNoRows, got %v", err)
		}
	})

	t.Run("delete cascades to oauth2 sessions", func(t *testing.T) {
		o := &OAuth2Session{
			ID:        mustUUID(t),
			UserID:    creator.ID,
			AppID:     app.ID,
			Scopes:    []string{"profile"},
			TokenHash: []byte("hash-cascade-test-aaaaaaaaaaaaaa"),
		}
		if err := testStore.CreateOAuth2Session(ctx, o); err != nil {
			t.Fatalf("CreateOAuth2Session: %v", err)
		}
		if err := testStore.DeleteApp(ctx, app.ID); err != nil {
			t.Fatalf("DeleteApp: %v", err)
		}
		if _, err := testStore.RotateOAuth2Session(ctx, o.TokenHash, []byte("next-hash-cascade-aaaaaaaaaaaaaa")); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("expected cascade to kill the grant, got %v", err)
		}
	})
}

// --- OAuth2 sessions ---

func TestOAuth2SessionRotation(t *testing.T) {
	ctx := context.Background()
	u := mustCreateUser(t, ctx)
	app := mustCreateApp(t, ctx, u.ID)

	newGrant := func(t *testing.T, hash []byte) *OAuth2Session {
		t.Helper()
		o := &OAuth2Session{
			ID:        mustUUID(t),
			UserID:    u.ID,
			AppID:     app.ID,
			Scopes:    []string{"profile"},
			TokenHash: hash,
		}
		if err := testStore.CreateOAuth2Session(ctx, o); err != nil {
			t.Fatalf("CreateOAuth2Session: %v", err)
		}
		return o
	}

	t.Run("rotation preserves identity and scopes", func(t *testing.T) {
		o := newGrant(t, []byte("rotate-me-000000000000000000000a"))
		got, err := testStore.RotateOAuth2Session(ctx, o.TokenHash, []byte("rotate-me-000000000000000000000b"))
		if err != nil {
			t.Fatalf("RotateOAuth2Session: %v", err)
		}
		if got.ID != o.ID || got.UserID != u.ID {
			t.Errorf("identity changed: %+v", got)
		}
		if len(got.Scopes) != 1 || got.Scopes[0] != "profile" {
			t.Errorf("scopes changed: %v", got.Scopes)
		}
	})

	t.Run("stale hash gets pgx.ErrNoRows", func(t *testing.T) {
		o := newGrant(t, []byte("rotate-me-000000000000000000000c"))
		if _, err := testStore.RotateOAuth2Session(ctx, o.TokenHash, []byte("rotate-me-000000000000000000000d")); err != nil {
			t.Fatalf("first rotation: %v", err)
		}
		if _, err := testStore.RotateOAuth2Session(ctx, o.TokenHash, []byte("rotate-me-000000000000000000000e")); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("expected pgx.ErrNoRows on stale hash, got %v", err)
		}
	})

	t.Run("revoked session cannot rotate", func(t *testing.T) {
		o := newGrant(t, []byte("rotate-me-000000000000000000000f"))
		if err := testStore.RevokeOAuth2Session(ctx, o.ID); err != nil {
			t.Fatalf("RevokeOAuth2Session: %v", err)
		}
		if _, err := testStore.RotateOAuth2Session(ctx, o.TokenHash, []byte("rotate-me-000000000000000000000g")); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("expected pgx.ErrNoRows after revoke, got %v", err)
		}
	})

	t.Run("concurrent rotations produce exactly one winner", func(t *testing.T) {
		o := newGrant(t, []byte("rotate-me-0000000000000000000010"))

		const workers = 8
		var wins int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				next := []byte{byte(n)}
				if _, err := testStore.RotateOAuth2Session(ctx, o.TokenHash, next); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("winners: expected exactly 1, got %d", wins)
		}
	})
}

// --- Cleanup ---

func TestCleanupStaleSessions(t *testing.T) {
	ctx := context.Background()
	u := mustCreateUser(t, ctx)

	stale := mustUUID(t)
	if err := testStore.CreateUserSession(ctx, stale, u.ID, nil); err != nil {
		t.Fatalf("CreateUserSession: %v", err)
	}
	// Age the row past the retention window.
	if _, err := testStore.pool.Exec(ctx,
		"UPDATE user_sessions SET last_used = now() - interval '60 days' WHERE id = $1", stale); err != nil {
		t.Fatalf("aging session: %v", err)
	}
	fresh := mustUUID(t)
	if err := testStore.CreateUserSession(ctx, fresh, u.ID, nil); err != nil {
		t.Fatalf("CreateUserSession: %v", err)
	}

	n, err := testStore.CleanupStaleSessions(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupStaleSessions: %v", err)
	}
	if n < 1 {
		t.Errorf("deleted: expected at least 1, got %d", n)
	}
	if _, sess, _ := testStore.GetUserWithSession(ctx, u.ID, stale); sess != nil {
		t.Error("stale session survived cleanup")
	}
	if _, sess, _ := testStore.GetUserWithSession(ctx, u.ID, fresh); sess == nil {
		t.Error("fresh session removed by cleanup")
	}
}
