// config.go
//
// Environment variable loading and validation.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the server. Loaded once in main and
// passed into components at construction; there is no ambient global state.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	Port        string `env:"PORT" envDefault:"7865"`
	IssuerURL   string `env:"ISSUER_URL" envDefault:"http://localhost:7865"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// TokenSecret signs session, access, and email tokens (HS256).
	TokenSecret string `env:"TOKEN_SECRET,required"`

	// IdentityKeyPEM is an optional PKCS#8/PKCS#1 RSA private key (PEM) for the
	// asymmetric identity-token path. Empty disables identity tokens and JWKS.
	IdentityKeyPEM string `env:"IDENTITY_KEY_PEM"`

	// Token lifetimes. Session tokens are deliberately long-lived; the session
	// row can be revoked server-side at any time.
	SessionTokenTTL time.Duration `env:"SESSION_TOKEN_TTL" envDefault:"720h"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	AuthCodeTTL     time.Duration `env:"AUTH_CODE_TTL" envDefault:"300s"`
	ResetTokenTTL   time.Duration `env:"RESET_TOKEN_TTL" envDefault:"24h"`
	VerifyTokenTTL  time.Duration `env:"VERIFY_TOKEN_TTL" envDefault:"48h"`
	OTPTokenTTL     time.Duration `env:"OTP_TOKEN_TTL" envDefault:"15m"`

	// IdentityTokenTTL bounds the RS256 identity token; only meaningful when
	// IdentityKeyPEM is set.
	IdentityTokenTTL time.Duration `env:"IDENTITY_TOKEN_TTL" envDefault:"1h"`

	// SMTP configuration for outbound email. All optional -- empty Host
	// disables sending (NopMailer).
	SMTPHost        string `env:"SMTP_HOST"`
	SMTPPort        string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername    string `env:"SMTP_USERNAME"`
	SMTPPassword    string `env:"SMTP_PASSWORD"`
	SMTPFromAddress string `env:"SMTP_FROM"`

	// Rate limit policy for login attempts per identifier.
	RateLoginMax     int           `env:"RATE_LOGIN_MAX" envDefault:"10"`
	RateLoginWindow  time.Duration `env:"RATE_LOGIN_WINDOW" envDefault:"10m"`
	RateLoginLockout time.Duration `env:"RATE_LOGIN_LOCKOUT" envDefault:"15m"`

	// Rate limit policy for password reset requests per email.
	RateForgotMax     int           `env:"RATE_FORGOT_MAX" envDefault:"3"`
	RateForgotWindow  time.Duration `env:"RATE_FORGOT_WINDOW" envDefault:"1h"`
	RateForgotLockout time.Duration `env:"RATE_FORGOT_LOCKOUT" envDefault:"1h"`
}

// Load reads environment variables into a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if len(cfg.TokenSecret) < 32 {
		return nil, fmt.Errorf("TOKEN_SECRET must be at least 32 bytes")
	}
	cfg.IssuerURL = strings.TrimRight(cfg.IssuerURL, "/")

	if cfg.SessionTokenTTL <= 0 || cfg.AccessTokenTTL <= 0 || cfg.AuthCodeTTL <= 0 {
		return nil, fmt.Errorf("token lifetimes must be positive")
	}

	if cfg.IdentityKeyPEM != "" {
		if _, err := cfg.IdentityKey(); err != nil {
			return nil, fmt.Errorf("IDENTITY_KEY_PEM: %w", err)
		}
	}

	return cfg, nil
}

// SlogLevel maps the configured log level string to a slog.Level.
// Unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IdentityKey parses IdentityKeyPEM into an RSA private key.
// Returns nil, nil when no key is configured.
func (c *Config) IdentityKey() (*rsa.PrivateKey, error) {
	if c.IdentityKeyPEM == "" {
		return nil, nil
	}
	block, _ := pem.Decode([]byte(c.IdentityKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key must be RSA, got %T", parsed)
	}
	return key, nil
}
