package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
)

// AccessClaims is the token shape the auth provider mints: standard claims
// plus the profile fields the controller mirrors into its user table.
type AccessClaims struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthService validates access tokens and keeps the local user table in sync
// with the identity provider.
type AuthService struct {
	users  repository.UserRepository
	secret []byte
	log    *logrus.Entry
}

func NewAuthService(users repository.UserRepository, secret string, logger *logrus.Logger) *AuthService {
	if users == nil {
		panic("UserRepository cannot be nil for AuthService")
	}
	if secret == "" {
		panic("JWT secret cannot be empty for AuthService")
	}
	return &AuthService{
		users:  users,
		secret: []byte(secret),
		log:    logger.WithField("component", "auth_service"),
	}
}

// Authenticate verifies a bearer token and returns the local user, creating
// or refreshing the record from the token claims.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrAuthenticationFailed
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, ErrAuthenticationFailed
	}

	user, err := s.users.FindBySubject(ctx, subject)
	switch {
	case err == nil:
		if s.refreshProfile(user, claims) {
			if err := s.users.Save(ctx, user); err != nil {
				s.log.WithError(err).Warn("failed to refresh user profile")
			}
		}
		return user, nil
	case errors.Is(err, repository.ErrUserNotFound):
		user = &domain.User{
			ID:          domain.NewUserID(),
			Subject:     subject,
			Email:       claims.Email,
			DisplayName: displayNameOr(claims, subject),
		}
		if err := s.users.Save(ctx, user); err != nil {
			if errors.Is(err, repository.ErrDuplicateEntry) {
				// Two first logins raced; the other one won.
				return s.users.FindBySubject(ctx, subject)
			}
			s.log.WithError(err).Error("failed to create user")
			return nil, ErrInternalServer
		}
		s.log.WithField("user", user.ID).Info("created user from token claims")
		return user, nil
	default:
		s.log.WithError(err).Error("failed to look up user")
		return nil, ErrInternalServer
	}
}

// MintToken signs a token for a subject. Exists for development setups and
// tests; production deployments use the external provider's tokens.
func (s *AuthService) MintToken(subject, email, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Email:       email,
		DisplayName: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

func (s *AuthService) refreshProfile(user *domain.User, claims *AccessClaims) bool {
	changed := false
	if claims.Email != "" && claims.Email != user.Email {
		user.Email = claims.Email
		changed = true
	}
	if claims.DisplayName != "" && claims.DisplayName != user.DisplayName {
		user.DisplayName = claims.DisplayName
		changed = true
	}
	return changed
}

func displayNameOr(claims *AccessClaims, fallback string) string {
	if claims.DisplayName != "" {
		return claims.DisplayName
	}
	return fallback
}
