package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"counselbot/internal/models"
	"counselbot/internal/redis"
)

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

const redisTokenPrefix = "auth:token:"

// TokenStore persists dashboard tokens. *storage.Store implements it.
type TokenStore interface {
	InsertToken(ctx context.Context, token string, userID int64, createdAt, expiresAt time.Time) error
	LookupToken(ctx context.Context, token string) (int64, time.Time, error)
	DeleteToken(ctx context.Context, token string) error
	DeleteUserTokens(ctx context.Context, userID int64) error
}

// Service issues, validates, and revokes dashboard tokens. A redis cache,
// when present, answers validation before the database.
type Service struct {
	store      TokenStore
	cache      *redis.Client
	tokenTTL   time.Duration
	headerName string
}

func NewService(store TokenStore, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:      store,
		cache:      cache,
		tokenTTL:   ttl,
		headerName: "Authorization",
	}
}

// IssueToken mints a new random token for the user and persists it.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, error) {
	if userID == 0 {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	var lastErr error
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		if lastErr = s.store.InsertToken(ctx, token, userID, now, expiresAt); lastErr == nil {
			s.cacheToken(ctx, token, userID)
			return token, nil
		}
	}
	return "", fmt.Errorf("could not issue token: %w", lastErr)
}

func (s *Service) cacheToken(ctx context.Context, token string, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, s.cache.Key(redisTokenPrefix+token), strconv.FormatInt(userID, 10), s.tokenTTL); err != nil {
		slog.WarnContext(ctx, "cache token", "error", err)
	}
}

// ValidateToken verifies the token exists and has not expired, returning the user id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, ErrTokenRequired
	}
	if s.cache != nil {
		val, err := s.cache.Get(ctx, s.cache.Key(redisTokenPrefix+authToken))
		switch {
		case err == nil:
			if userID, perr := strconv.ParseInt(val, 10, 64); perr == nil {
				return userID, nil
			}
		case !errors.Is(err, redis.ErrCacheMiss):
			slog.WarnContext(ctx, "token cache lookup", "error", err)
		}
	}

	userID, expires, err := s.store.LookupToken(ctx, authToken)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_ = s.store.DeleteToken(ctx, authToken)
		return 0, ErrTokenExpired
	}
	if remaining := time.Until(expires); remaining > 0 && s.cache != nil {
		if err := s.cache.Set(ctx, s.cache.Key(redisTokenPrefix+authToken), strconv.FormatInt(userID, 10), remaining); err != nil {
			slog.WarnContext(ctx, "cache token", "error", err)
		}
	}
	return userID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, s.cache.Key(redisTokenPrefix+authToken)); err != nil {
			slog.WarnContext(ctx, "drop cached token", "error", err)
		}
	}
	if err := s.store.DeleteToken(ctx, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user. Cached copies
// expire on their own.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID == 0 {
		return nil
	}
	if err := s.store.DeleteUserTokens(ctx, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
