// queue_test.go
//
// Unit tests for QueuedMailer dispatch logic. Enqueue and StartWorker run
// against real Redis and are covered by the store-level integration tests.
package mail

import (
	"context"
	"errors"
	"testing"
)

// mockInner records the most recent call for assertion.
type mockInner struct {
	lastType     string
	lastToEmail  string
	lastUsername string
	lastToken    string
	lastOTP      string
	err          error
}

func (m *mockInner) SendPasswordReset(_ context.Context, toEmail, token string) error {
	m.lastType = jobPasswordReset
	m.lastToEmail = toEmail
	m.lastToken = token
	return m.err
}

func (m *mockInner) SendEmailVerification(_ context.Context, toEmail, username, token string) error {
	m.lastType = jobEmailVerification
	m.lastToEmail = toEmail
	m.lastUsername = username
	m.lastToken = token
	return m.err
}

func (m *mockInner) SendOTP(_ context.Context, toEmail, username, otp string) error {
	m.lastType = jobOTP
	m.lastToEmail = toEmail
	m.lastUsername = username
	m.lastOTP = otp
	return m.err
}

func TestQueuedMailerDispatch(t *testing.T) {
	t.Run("password reset", func(t *testing.T) {
		inner := &mockInner{}
		q := &QueuedMailer{inner: inner}

		q.dispatch(context.Background(), EmailJob{
			Type:    jobPasswordReset,
			ToEmail: "reset@example.com",
			Token:   "tok-reset",
		})

		if inner.lastType != jobPasswordReset {
			t.Errorf("type: expected %q, got %q", jobPasswordReset, inner.lastType)
		}
		if inner.lastToEmail != "reset@example.com" || inner.lastToken != "tok-reset" {
			t.Errorf("args: got %q %q", inner.lastToEmail, inner.lastToken)
		}
	})

	t.Run("email verification", func(t *testing.T) {
		inner := &mockInner{}
		q := &QueuedMailer{inner: inner}

		q.dispatch(context.Background(), EmailJob{
			Type:     jobEmailVerification,
			ToEmail:  "verify@example.com",
			Username: "alice",
			Token:    "tok-verify",
		})

		if inner.lastType != jobEmailVerification {
			t.Errorf("type: expected %q, got %q", jobEmailVerification, inner.lastType)
		}
		if inner.lastUsername != "alice" {
			t.Errorf("username: expected alice, got %q", inner.lastUsername)
		}
	})

	t.Run("otp", func(t *testing.T) {
		inner := &mockInner{}
		q := &QueuedMailer{inner: inner}

		q.dispatch(context.Background(), EmailJob{
			Type:     jobOTP,
			ToEmail:  "otp@example.com",
			Username: "alice",
			OTP:      "123456",
		})

		if inner.lastType != jobOTP {
			t.Errorf("type: expected %q, got %q", jobOTP, inner.lastType)
		}
		if inner.lastOTP != "123456" {
			t.Errorf("otp: expected 123456, got %q", inner.lastOTP)
		}
	})

	t.Run("unknown type reaches no sender", func(t *testing.T) {
		inner := &mockInner{}
		q := &QueuedMailer{inner: inner}

		q.dispatch(context.Background(), EmailJob{Type: "carrier_pigeon"})

		if inner.lastType != "" {
			t.Errorf("expected no dispatch, got %q", inner.lastType)
		}
	})

	t.Run("send failures are swallowed", func(t *testing.T) {
		inner := &mockInner{err: errors.New("smtp down")}
		q := &QueuedMailer{inner: inner}

		// dispatch logs and drops; it must not panic or retry.
		q.dispatch(context.Background(), EmailJob{Type: jobOTP, ToEmail: "otp@example.com", OTP: "123456"})
	})
}
