package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a token that failed signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidRole signals a role outside the known set.
	ErrInvalidRole = errors.New("auth: invalid role")
)

const defaultTTL = 24 * time.Hour

// Service issues and verifies HS256 bearer tokens. Accounts and credentials
// live in the identity system; this service only trusts what it signed.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken signs a token for userID. A non-positive ttl means 24 hours.
func (s *Service) IssueToken(userID string, role Role, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id is required")
	}
	if !isValidRole(role) {
		return "", fmt.Errorf("%w %q", ErrInvalidRole, role)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns the principal it names.
func (s *Service) VerifyToken(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Principal{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Principal{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Principal{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return Principal{UserID: userID, Role: role}, nil
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	role := Role(s)
	if !isValidRole(role) {
		return "", fmt.Errorf("%w %q", ErrInvalidRole, s)
	}
	return role, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleSeeker, RoleHelper, RoleArbiter, RoleAdmin:
		return true
	default:
		return false
	}
}
