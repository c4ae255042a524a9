// mailer.go
//
// Mailer interface, SMTPMailer, and NopMailer. Add other transports
// (ses.go, etc.) as separate files in this package.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
)

// Mailer sends transactional emails. Delivery is fire-and-forget from the
// caller's perspective; failures never feed back into request outcomes.
type Mailer interface {
	// SendPasswordReset mails the raw reset token. The recipient submits it
	// to POST /auth/reset together with a new password.
	SendPasswordReset(ctx context.Context, toEmail, token string) error

	// SendEmailVerification mails the raw verification token.
	SendEmailVerification(ctx context.Context, toEmail, username, token string) error

	// SendOTP mails a one-time passcode. The matching delivery token is
	// returned to the client over HTTP; both must be presented together.
	SendOTP(ctx context.Context, toEmail, username, otp string) error
}

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
}

// SMTPMailer sends transactional email via SMTP with mandatory STARTTLS.
// Compatible with any SMTP provider: SES, Mailgun, Mailpit (local dev), etc.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer with the given config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// NopMailer discards all outbound email. Used when SMTP is not configured.
type NopMailer struct{}

func (n *NopMailer) SendPasswordReset(_ context.Context, _, _ string) error        { return nil }
func (n *NopMailer) SendEmailVerification(_ context.Context, _, _, _ string) error { return nil }
func (n *NopMailer) SendOTP(_ context.Context, _, _, _ string) error               { return nil }

// message assembles a plain-text RFC 5322 message.
func (m *SMTPMailer) message(toEmail, subject, body string) string {
	return "From: " + m.cfg.FromAddress + "\r\n" +
		"To: " + toEmail + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body
}

// sendMail dials the SMTP server, enforces STARTTLS (rejects plaintext
// sessions), authenticates, and delivers msg. Dialing respects ctx.
func (m *SMTPMailer) sendMail(ctx context.Context, toEmail, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", m.cfg.Host+":"+m.cfg.Port)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(toEmail); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}

// SendPasswordReset mails the raw reset token.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, toEmail, token string) error {
	body := "You requested a password reset.\n\n" +
		"Use the token below to choose a new password:\n\n" +
		token + "\n\n" +
		"If you did not request a reset, ignore this email."
	if err := m.sendMail(ctx, toEmail, m.message(toEmail, "Reset your password", body)); err != nil {
		return fmt.Errorf("sending password reset email: %w", err)
	}
	return nil
}

// SendEmailVerification mails the raw verification token.
func (m *SMTPMailer) SendEmailVerification(ctx context.Context, toEmail, username, token string) error {
	body := "Hi " + username + ",\n\n" +
		"Use the token below to verify your email address:\n\n" +
		token + "\n\n" +
		"If you did not create an account, ignore this email."
	if err := m.sendMail(ctx, toEmail, m.message(toEmail, "Confirm your email address", body)); err != nil {
		return fmt.Errorf("sending email verification: %w", err)
	}
	return nil
}

// SendOTP mails a one-time passcode.
func (m *SMTPMailer) SendOTP(ctx context.Context, toEmail, username, otp string) error {
	body := "Hi " + username + ",\n\n" +
		"Your one-time passcode is:\n\n" +
		otp + "\n\n" +
		"If you did not request a passcode, ignore this email."
	if err := m.sendMail(ctx, toEmail, m.message(toEmail, "Your one-time passcode", body)); err != nil {
		return fmt.Errorf("sending otp email: %w", err)
	}
	return nil
}
