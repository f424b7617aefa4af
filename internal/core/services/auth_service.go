package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/cache"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Role is the account class carried in token claims.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

type AuthService interface {
	ports.Authorizer

	GenerateToken(userID domain.UserID, username string, role Role, premium bool) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	Role     Role          `json:"role"`
	Premium  bool          `json:"premium"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration

	// claims observed during token validation, used for authorization
	// decisions; keyed by user id and expired alongside the token
	known *cache.Cache
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		known:          cache.NewCache(accessTokenTTL),
	}
}

func (s *authService) GenerateToken(userID domain.UserID, username string, role Role, premium bool) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		Premium:  premium,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	s.known.Set(string(claims.UserID), claims)
	return claims, nil
}

func (s *authService) knownClaims(userID domain.UserID) (*Claims, bool) {
	v, ok := s.known.Get(string(userID))
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// IsAnonymous reports whether the user id was minted for an
// unauthenticated connection.
func IsAnonymous(userID domain.UserID) bool {
	return strings.HasPrefix(string(userID), "anonymous_")
}

func (s *authService) Authorize(ctx context.Context, userID domain.UserID, action ports.Action, resource string) bool {
	if IsAnonymous(userID) {
		return false
	}

	claims, ok := s.knownClaims(userID)

	switch action {
	case ports.ActionCreateStream, ports.ActionStartBroadcast:
		return ok && claims.Role == RoleBroadcaster
	case ports.ActionSendTip:
		return ok
	}
	return false
}

func (s *authService) CanViewStream(ctx context.Context, userID domain.UserID, visibility domain.Visibility, broadcasterID domain.UserID) bool {
	if userID == broadcasterID {
		return true
	}

	switch visibility {
	case domain.VisibilityPublic:
		return true
	case domain.VisibilityPrivate:
		return !IsAnonymous(userID)
	case domain.VisibilityPremium:
		claims, ok := s.knownClaims(userID)
		return ok && claims.Premium
	}
	return false
}
