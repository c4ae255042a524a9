// password_test.go -- unit tests for Argon2id hashing and input validation.
package auth

import (
	"strings"
	"testing"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Errorf("hash: expected PHC argon2id prefix, got %q", hash)
	}

	t.Run("same password hashes differently", func(t *testing.T) {
		other, err := HashPassword("correct horse battery staple")
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		if other == hash {
			t.Error("two hashes of the same password are identical; salt is not random")
		}
	})
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	t.Run("correct password verifies", func(t *testing.T) {
		ok, err := VerifyPassword("correct horse battery staple", hash)
		if err != nil {
			t.Fatalf("VerifyPassword: %v", err)
		}
		if !ok {
			t.Error("expected match, got mismatch")
		}
	})

	t.Run("wrong password fails", func(t *testing.T) {
		ok, err := VerifyPassword("incorrect horse", hash)
		if err != nil {
			t.Fatalf("VerifyPassword: %v", err)
		}
		if ok {
			t.Error("expected mismatch, got match")
		}
	})

	t.Run("malformed hash errors", func(t *testing.T) {
		if _, err := VerifyPassword("anything", "not-a-phc-hash"); err == nil {
			t.Fatal("expected error for malformed hash, got nil")
		}
	})

	t.Run("unsupported algorithm errors", func(t *testing.T) {
		bad := "$bcrypt$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g"
		if _, err := VerifyPassword("anything", bad); err == nil {
			t.Fatal("expected error for unsupported algorithm, got nil")
		}
	})

	t.Run("dummy hash never matches", func(t *testing.T) {
		ok, err := VerifyPassword("any password at all", dummyPasswordHash)
		if err != nil {
			t.Fatalf("VerifyPassword: %v", err)
		}
		if ok {
			t.Error("dummy hash matched a password")
		}
	})
}

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		name     string
		username string
		wantOK   bool
	}{
		{"valid simple", "alice", true},
		{"valid with punctuation", "alice_b-2", true},
		{"empty", "", false},
		{"too short", "ab", false},
		{"too long", strings.Repeat("a", 33), false},
		{"contains @", "alice@home", false},
		{"leading hyphen", "-alice", false},
		{"contains space", "alice smith", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := ValidateUsername(tc.username)
			if tc.wantOK && msg != "" {
				t.Errorf("expected valid, got %q", msg)
			}
			if !tc.wantOK && msg == "" {
				t.Error("expected validation message, got none")
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	cases := []struct {
		name   string
		email  string
		wantOK bool
	}{
		{"valid", "user@example.com", true},
		{"empty", "", false},
		{"too short", "a@b", false},
		{"too long", strings.Repeat("a", 250) + "@x.io", false},
		{"no at sign", "userexample.com", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := ValidateEmail(tc.email)
			if tc.wantOK && msg != "" {
				t.Errorf("expected valid, got %q", msg)
			}
			if !tc.wantOK && msg == "" {
				t.Error("expected validation message, got none")
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		name     string
		password string
		wantOK   bool
	}{
		{"valid", "a perfectly fine password", true},
		{"empty", "", false},
		{"too short", "short1!", false},
		{"too long", strings.Repeat("p", 129), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := ValidatePassword(tc.password)
			if tc.wantOK && msg != "" {
				t.Errorf("expected valid, got %q", msg)
			}
			if !tc.wantOK && msg == "" {
				t.Error("expected validation message, got none")
			}
		})
	}
}
