// Package auth issues and validates the JWTs that protect the HTTP API
// and the WebSocket endpoints. HTTP requests carry a bearer header;
// WebSocket clients pass the same token as a query parameter.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loomworks/loom/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// Service handles token signing and verification.
type Service struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewService builds a JWT helper with the given secret and expiry. A
// non-positive expiry issues tokens that never expire.
func NewService(secret string, expiry time.Duration) *Service {
	return &Service{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Claims carries the user identity inside a token.
type Claims struct {
	Permission  string `json:"permission,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given user.
func (s *Service) Generate(user *models.User) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}

	claims := Claims{
		Permission:  string(user.Permission),
		DisplayName: strings.TrimSpace(user.DisplayName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(s.now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a token and returns the user embedded in it. The
// permission claim is normalized; tokens without a valid level come
// back as guest.
func (s *Service) Validate(token string) (*models.User, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	perm, err := models.ParsePermissionLevel(claims.Permission)
	if err != nil {
		perm = models.PermissionGuest
	}
	return &models.User{
		ID:          claims.Subject,
		DisplayName: strings.TrimSpace(claims.DisplayName),
		Permission:  perm,
	}, nil
}
