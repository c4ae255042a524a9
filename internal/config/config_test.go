package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"testing"
	"time"
)

// setRequired sets the minimum env vars for a valid config.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/verity")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoad(t *testing.T) {
	t.Run("returns valid config with defaults", func(t *testing.T) {
		setRequired(t)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Port != "7865" {
			t.Errorf("Port: expected 7865, got %q", cfg.Port)
		}
		if cfg.SessionTokenTTL != 720*time.Hour {
			t.Errorf("SessionTokenTTL: expected 720h, got %v", cfg.SessionTokenTTL)
		}
		if cfg.AccessTokenTTL != time.Hour {
			t.Errorf("AccessTokenTTL: expected 1h, got %v", cfg.AccessTokenTTL)
		}
		if cfg.AuthCodeTTL != 300*time.Second {
			t.Errorf("AuthCodeTTL: expected 300s, got %v", cfg.AuthCodeTTL)
		}
		if cfg.RateLoginMax != 10 {
			t.Errorf("RateLoginMax: expected 10, got %d", cfg.RateLoginMax)
		}
	})

	t.Run("errors when DATABASE_URL is missing", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("TOKEN_SECRET", "0123456789abcdef0123456789abcdef")

		if _, err := Load(); err == nil {
			t.Fatal("expected error for missing DATABASE_URL, got nil")
		}
	})

	t.Run("errors when TOKEN_SECRET is too short", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TOKEN_SECRET", "short")

		if _, err := Load(); err == nil {
			t.Fatal("expected error for short TOKEN_SECRET, got nil")
		}
	})

	t.Run("trims trailing slash from issuer", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ISSUER_URL", "https://id.example.com/")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.IssuerURL != "https://id.example.com" {
			t.Errorf("IssuerURL: expected trimmed, got %q", cfg.IssuerURL)
		}
	})

	t.Run("rejects a malformed identity key", func(t *testing.T) {
		setRequired(t)
		t.Setenv("IDENTITY_KEY_PEM", "not a pem block")

		if _, err := Load(); err == nil {
			t.Fatal("expected error for malformed IDENTITY_KEY_PEM, got nil")
		}
	})
}

func TestSlogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		c := &Config{LogLevel: tc.in}
		if got := c.SlogLevel(); got != tc.want {
			t.Errorf("SlogLevel(%q): expected %v, got %v", tc.in, tc.want, got)
		}
	}
}

func TestIdentityKey(t *testing.T) {
	t.Run("nil when unset", func(t *testing.T) {
		c := &Config{}
		key, err := c.IdentityKey()
		if err != nil {
			t.Fatalf("IdentityKey: %v", err)
		}
		if key != nil {
			t.Error("expected nil key")
		}
	})

	t.Run("parses a PKCS#8 RSA key", func(t *testing.T) {
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generating key: %v", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
		if err != nil {
			t.Fatalf("marshaling key: %v", err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

		c := &Config{IdentityKeyPEM: string(pemBytes)}
		key, err := c.IdentityKey()
		if err != nil {
			t.Fatalf("IdentityKey: %v", err)
		}
		if key == nil || !key.Equal(rsaKey) {
			t.Error("parsed key does not match the original")
		}
	})

	t.Run("parses a PKCS#1 RSA key", func(t *testing.T) {
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generating key: %v", err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
		})

		c := &Config{IdentityKeyPEM: string(pemBytes)}
		key, err := c.IdentityKey()
		if err != nil {
			t.Fatalf("IdentityKey: %v", err)
		}
		if key == nil || !key.Equal(rsaKey) {
			t.Error("parsed key does not match the original")
		}
	})
}
