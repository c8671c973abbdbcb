package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/aether/aether/internal/common/config"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log := logger.NewNop()
	st, err := store.OpenMemory(log)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eb := bus.NewMemoryBus(log)
	t.Cleanup(func() { eb.Close() })

	return NewService(config.AuthConfig{
		JWTSecret:         "test-secret",
		TokenDuration:     3600,
		MinPasswordLength: 8,
	}, st, eb, log)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected hash format %q", hash)
	}

	ok, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil || !ok {
		t.Errorf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = VerifyPassword("wrong", hash)
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if ok {
		t.Error("wrong password matched")
	}

	// Salts are random, so the same password hashes differently.
	hash2, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if hash == hash2 {
		t.Error("expected distinct salts")
	}
}

func TestRegisterFirstUserIsAdmin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	alice, token, err := s.Register(ctx, "alice", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if alice.Role != v1.RoleAdmin {
		t.Errorf("first user role = %s, want admin", alice.Role)
	}
	if token == "" {
		t.Error("expected a token")
	}

	bob, _, err := s.Register(ctx, "bob", "password123", "Bob")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if bob.Role != v1.RoleUser {
		t.Errorf("second user role = %s, want user", bob.Role)
	}

	if _, _, err := s.Register(ctx, "alice", "password123", "Imposter"); apperrors.CodeOf(err) != apperrors.ErrCodeConflict {
		t.Errorf("duplicate username: expected CONFLICT, got %v", err)
	}
	if _, _, err := s.Register(ctx, "carol", "short", "Carol"); apperrors.CodeOf(err) != apperrors.ErrCodeArgValidation {
		t.Errorf("short password: expected ARG_VALIDATION, got %v", err)
	}
}

func TestLoginFlow(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, _, err := s.Register(ctx, "alice", "password123", "Alice"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, _, err := s.Login(ctx, "alice", "wrongpassword", ""); apperrors.CodeOf(err) != apperrors.ErrCodeUnauthenticated {
		t.Errorf("bad password: expected UNAUTHENTICATED, got %v", err)
	}
	if _, _, err := s.Login(ctx, "nobody", "password123", ""); apperrors.CodeOf(err) != apperrors.ErrCodeUnauthenticated {
		t.Errorf("unknown user: expected UNAUTHENTICATED, got %v", err)
	}

	user, token, err := s.Login(ctx, "alice", "password123", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if user.LastLogin == nil {
		t.Error("expected last login stamp")
	}

	got, err := s.VerifyToken(ctx, token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if got.Username != "alice" || got.Role != v1.RoleAdmin {
		t.Errorf("unexpected identity %+v", got)
	}
}

func TestLoginWithMFA(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	alice, _, err := s.Register(ctx, "alice", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	url, err := s.SetupMFA(ctx, alice.ID)
	if err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}
	if !strings.HasPrefix(url, "otpauth://totp/") {
		t.Errorf("unexpected provisioning url %q", url)
	}

	// The factor is inactive until confirmed, so login still works bare.
	if _, _, err := s.Login(ctx, "alice", "password123", ""); err != nil {
		t.Fatalf("login before confirmation failed: %v", err)
	}

	stored, err := s.store.GetUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	code, err := totp.GenerateCode(stored.MFASecret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	if err := s.ConfirmMFA(ctx, alice.ID, code); err != nil {
		t.Fatalf("ConfirmMFA failed: %v", err)
	}

	_, _, err = s.Login(ctx, "alice", "password123", "")
	if apperrors.CodeOf(err) != apperrors.ErrCodeUnauthenticated || apperrors.MessageOf(err) != "mfa_required" {
		t.Errorf("expected mfa_required, got %v", err)
	}
	if _, _, err := s.Login(ctx, "alice", "password123", "000000"); apperrors.CodeOf(err) != apperrors.ErrCodeUnauthenticated {
		t.Errorf("bad code: expected UNAUTHENTICATED, got %v", err)
	}

	code, err = totp.GenerateCode(stored.MFASecret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	if _, _, err := s.Login(ctx, "alice", "password123", code); err != nil {
		t.Fatalf("login with totp failed: %v", err)
	}

	// One step of skew: a code from the previous period still verifies.
	prev, err := totp.GenerateCode(stored.MFASecret, time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	if !s.verifyTOTP(stored.MFASecret, prev) {
		t.Error("expected previous-period code to verify")
	}
}

func TestTokenExpiryAndTampering(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, token, err := s.Register(ctx, "alice", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := s.VerifyToken(ctx, tampered); apperrors.CodeOf(err) != apperrors.ErrCodeUnauthenticated {
		t.Errorf("tampered token: expected UNAUTHENTICATED, got %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.VerifyToken(ctx, token); apperrors.CodeOf(err) != apperrors.ErrCodeUnauthenticated {
		t.Errorf("expired token: expected UNAUTHENTICATED, got %v", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, token, err := s.Register(ctx, "alice", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := s.VerifyToken(ctx, token); err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if err := s.Logout(token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := s.VerifyToken(ctx, token); apperrors.CodeOf(err) != apperrors.ErrCodeUnauthenticated {
		t.Errorf("revoked token: expected UNAUTHENTICATED, got %v", err)
	}

	// A fresh login issues a distinct token that still works.
	_, token2, err := s.Login(ctx, "alice", "password123", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := s.VerifyToken(ctx, token2); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
}
