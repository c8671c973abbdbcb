// Package auth implements account registration, password verification,
// bearer token issuance, and the optional TOTP second factor.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/aether/aether/internal/common/config"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// maxRevoked bounds the logout denylist. Tokens expire on their own, so
// dropping the oldest revocations under pressure only shortens the
// window in which a logged-out token is rejected early.
const maxRevoked = 10000

// totpIssuer appears in authenticator apps next to the account name.
const totpIssuer = "aether"

// Service owns user accounts and token issuance.
type Service struct {
	store  *store.Store
	bus    bus.Bus
	logger *logger.Logger
	cfg    config.AuthConfig
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]int64 // jti -> expiry (unix seconds)
}

func NewService(cfg config.AuthConfig, st *store.Store, eb bus.Bus, log *logger.Logger) *Service {
	return &Service{
		store:   st,
		bus:     eb,
		logger:  log.WithFields(zap.String("component", "auth")),
		cfg:     cfg,
		now:     time.Now,
		revoked: make(map[string]int64),
	}
}

// Register creates an account and returns it with a fresh token. The
// first account on the node gets the admin role.
func (s *Service) Register(ctx context.Context, username, password, displayName string) (*v1.User, string, error) {
	if username == "" {
		return nil, "", apperrors.Validation("username is required")
	}
	if len(password) < s.cfg.MinPasswordLength {
		return nil, "", apperrors.Validation(
			fmt.Sprintf("password must be at least %d characters", s.cfg.MinPasswordLength))
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, "", apperrors.Internal("password hashing failed", err)
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, "", err
	}
	role := v1.RoleUser
	if count == 0 {
		role = v1.RoleAdmin
	}

	user := &v1.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	token, err := s.issueToken(user)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user registered",
		zap.String("username", username), zap.String("role", role))
	s.bus.Emit(events.New(events.UserRegistered, events.AdminEvent{
		ActorUID: user.ID,
		Target:   user.ID,
		Args:     map[string]interface{}{"username": username, "role": role},
	}).WithOwner(user.ID))
	return user, token, nil
}

// Login verifies credentials and issues a token. Unknown usernames and
// bad passwords are indistinguishable to the caller. When MFA is enabled
// the TOTP code is required and checked with one step of skew.
func (s *Service) Login(ctx context.Context, username, password, totpCode string) (*v1.User, string, error) {
	invalid := apperrors.Unauthenticated("invalid username or password")

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeNotFound {
			return nil, "", invalid
		}
		return nil, "", err
	}
	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, "", invalid
	}

	if user.MFAEnabled {
		if totpCode == "" {
			return nil, "", apperrors.Unauthenticated("mfa_required")
		}
		if !s.verifyTOTP(user.MFASecret, totpCode) {
			return nil, "", apperrors.Unauthenticated("invalid totp code")
		}
	}

	token, err := s.issueToken(user)
	if err != nil {
		return nil, "", err
	}
	ts := s.now().UnixMilli()
	if err := s.store.UpdateLastLogin(ctx, user.ID, ts); err != nil {
		s.logger.WithError(err).Warn("failed to stamp last login")
	}
	user.LastLogin = &ts
	s.bus.Emit(events.New(events.UserLoggedIn, events.AdminEvent{
		ActorUID: user.ID,
		Target:   user.ID,
		Args:     map[string]interface{}{"username": username},
	}).WithOwner(user.ID))
	return user, token, nil
}

// VerifyToken validates signature, expiry, and revocation, then loads
// the account so deleted users are rejected too.
func (s *Service) VerifyToken(ctx context.Context, token string) (*v1.User, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return nil, err
	}
	if jti, _ := claims["jti"].(string); jti != "" && s.isRevoked(jti) {
		return nil, apperrors.Unauthenticated("token revoked")
	}
	sub, _ := claims["sub"].(string)
	user, err := s.store.GetUser(ctx, sub)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeNotFound {
			return nil, apperrors.Unauthenticated("account no longer exists")
		}
		return nil, err
	}
	return user, nil
}

// Logout revokes a token until its natural expiry.
func (s *Service) Logout(token string) error {
	claims, err := s.parseToken(token)
	if err != nil {
		return err
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return apperrors.Unauthenticated("token has no id")
	}
	exp := int64(0)
	if v, ok := claims["exp"].(float64); ok {
		exp = int64(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	if len(s.revoked) >= maxRevoked {
		for id, e := range s.revoked {
			if e <= now {
				delete(s.revoked, id)
			}
		}
		for id := range s.revoked {
			if len(s.revoked) < maxRevoked {
				break
			}
			delete(s.revoked, id)
		}
	}
	s.revoked[jti] = exp
	return nil
}

// SetupMFA generates a TOTP secret for the account and returns the
// otpauth provisioning URL. The factor stays inactive until ConfirmMFA
// proves the authenticator has the secret.
func (s *Service) SetupMFA(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Username,
	})
	if err != nil {
		return "", apperrors.Internal("totp generation failed", err)
	}
	if err := s.store.SetMFA(ctx, userID, key.Secret(), false); err != nil {
		return "", err
	}
	return key.URL(), nil
}

// ConfirmMFA activates the pending TOTP factor after a correct code.
func (s *Service) ConfirmMFA(ctx context.Context, userID, code string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return apperrors.InvalidState("mfa setup has not been started")
	}
	if !s.verifyTOTP(user.MFASecret, code) {
		return apperrors.Unauthenticated("invalid totp code")
	}
	return s.store.SetMFA(ctx, userID, user.MFASecret, true)
}

// DisableMFA clears the account's second factor.
func (s *Service) DisableMFA(ctx context.Context, userID string) error {
	return s.store.SetMFA(ctx, userID, "", false)
}

func (s *Service) issueToken(u *v1.User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":      u.ID,
		"username": u.Username,
		"role":     u.Role,
		"exp":      now.Add(s.cfg.TokenDurationTime()).Unix(),
		"iat":      now.Unix(),
		"jti":      uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", apperrors.Internal("token signing failed", err)
	}
	return signed, nil
}

func (s *Service) parseToken(raw string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		return nil, apperrors.Unauthenticated("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.Unauthenticated("invalid token claims")
	}
	return claims, nil
}

func (s *Service) isRevoked(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.revoked[jti]
	if !ok {
		return false
	}
	if exp > 0 && exp <= s.now().Unix() {
		delete(s.revoked, jti)
		return false
	}
	return true
}

func (s *Service) verifyTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
