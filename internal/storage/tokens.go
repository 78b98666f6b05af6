package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"counselbot/internal/models"
)

func (s *Store) InsertToken(ctx context.Context, token string, userID int64, createdAt, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`),
		token, userID, createdAt, expiresAt,
	)
	if err != nil {
		return storeErr("insert token", err)
	}
	return nil
}

// LookupToken returns the owner and expiry of token.
func (s *Store) LookupToken(ctx context.Context, token string) (int64, time.Time, error) {
	var (
		userID  int64
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT user_id, expires_at FROM user_tokens WHERE token = ?`), token,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, time.Time{}, fmt.Errorf("token: %w", models.ErrNotFound)
		}
		return 0, time.Time{}, storeErr("lookup token", err)
	}
	return userID, expires, nil
}

func (s *Store) DeleteToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM user_tokens WHERE token = ?`), token); err != nil {
		return storeErr("delete token", err)
	}
	return nil
}

func (s *Store) DeleteUserTokens(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM user_tokens WHERE user_id = ?`), userID); err != nil {
		return storeErr("delete user tokens", err)
	}
	return nil
}
