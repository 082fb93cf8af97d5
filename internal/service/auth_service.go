package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-portal/internal/config"
	"github.com/stemsi/exstem-portal/internal/upstream"
)

// Common auth errors.
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrSessionAlreadyActive = errors.New("another session is already active, please contact admin to reset")
	ErrSessionInvalidated   = errors.New("session invalidated")
)

// TokenType tags portal-issued tokens. Only students authenticate against
// the portal; faculty and admin surfaces live on the upstream service.
type TokenType string

const TokenTypeStudent TokenType = "student"

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	UserID    int       `json:"user_id"`
	Name      string    `json:"name,omitempty"`
}

// AuthService handles portal login sessions. Credential verification is
// delegated to the upstream service; the portal issues its own JWT, keeps
// the upstream bearer in Redis for the session's lifetime and enforces
// single-device logins the same way the backend does — JTI in Redis.
type AuthService struct {
	cfg      *config.Config
	rdb      *redis.Client
	upstream *upstream.Client
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client, up *upstream.Client) *AuthService {
	return &AuthService{cfg: cfg, rdb: rdb, upstream: up}
}

// Login exchanges student credentials with the upstream for a bearer token,
// registers a single-device session and returns a portal JWT.
// Returns ErrSessionAlreadyActive if the student is logged in elsewhere.
func (s *AuthService) Login(ctx context.Context, nisn, password string) (string, *upstream.Student, error) {
	result, err := s.upstream.Login(ctx, nisn, password)
	if err != nil {
		if errors.Is(err, upstream.ErrInvalidCredentials) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("upstream login: %w", err)
	}

	studentID := result.Student.ID
	sessionKey := config.CacheKey.StudentSessionKey(studentID)

	// Check if an active session exists — reject new login if so.
	existing, err := s.rdb.Get(ctx, sessionKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", nil, fmt.Errorf("check session: %w", err)
	}
	if existing != "" {
		return "", nil, ErrSessionAlreadyActive
	}

	jti := uuid.New().String()
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.Itoa(studentID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: TokenTypeStudent,
		UserID:    studentID,
		Name:      result.Student.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	// Store the session JTI and the upstream bearer with the JWT's expiry.
	if err := s.rdb.Set(ctx, sessionKey, jti, s.cfg.JWTExpiry).Err(); err != nil {
		return "", nil, fmt.Errorf("store session: %w", err)
	}
	tokenKey := config.CacheKey.UpstreamTokenKey(studentID)
	if err := s.rdb.Set(ctx, tokenKey, result.Token, s.cfg.JWTExpiry).Err(); err != nil {
		return "", nil, fmt.Errorf("store upstream token: %w", err)
	}

	return signed, &result.Student, nil
}

// ValidateToken parses and validates a portal JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ValidateStudentSession checks that the token's JTI matches the active
// session in Redis.
func (s *AuthService) ValidateStudentSession(ctx context.Context, studentID int, jti string) error {
	sessionKey := config.CacheKey.StudentSessionKey(studentID)
	stored, err := s.rdb.Get(ctx, sessionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrSessionInvalidated
		}
		return fmt.Errorf("check session: %w", err)
	}
	if stored != jti {
		return ErrSessionInvalidated
	}
	return nil
}

// UpstreamToken returns the cached upstream bearer for a logged-in student.
// Returns ErrSessionInvalidated when the login session expired.
func (s *AuthService) UpstreamToken(ctx context.Context, studentID int) (string, error) {
	tokenKey := config.CacheKey.UpstreamTokenKey(studentID)
	token, err := s.rdb.Get(ctx, tokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionInvalidated
	}
	if err != nil {
		return "", fmt.Errorf("get upstream token: %w", err)
	}
	return token, nil
}

// InvalidateSession clears the login session and cached upstream bearer.
// Called on logout and whenever the upstream answers 401 — local session
// state must never outlive the credential it wraps.
func (s *AuthService) InvalidateSession(ctx context.Context, studentID int) error {
	return s.rdb.Del(ctx,
		config.CacheKey.StudentSessionKey(studentID),
		config.CacheKey.UpstreamTokenKey(studentID),
	).Err()
}
