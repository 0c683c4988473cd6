package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore remembers which chat session a Telegram user is talking in, per chat.
type SessionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{redis: rdb, ttl: ttl}
}

func (s *SessionStore) key(chatID, userID int64) string {
	return fmt.Sprintf("hakichat:tg:session:%d:%d", chatID, userID)
}

// Get returns the current session id, or "" when the user has none.
func (s *SessionStore) Get(ctx context.Context, chatID, userID int64) (string, error) {
	id, err := s.redis.Get(ctx, s.key(chatID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get current session: %w", err)
	}
	return id, nil
}

func (s *SessionStore) Set(ctx context.Context, chatID, userID int64, sessionID string) error {
	if err := s.redis.Set(ctx, s.key(chatID, userID), sessionID, s.ttl).Err(); err != nil {
		return fmt.Errorf("set current session: %w", err)
	}
	return nil
}

func (s *SessionStore) Clear(ctx context.Context, chatID, userID int64) error {
	if err := s.redis.Del(ctx, s.key(chatID, userID)).Err(); err != nil {
		return fmt.Errorf("clear current session: %w", err)
	}
	return nil
}

// UserKey is the history user id of a Telegram user.
func UserKey(telegramUserID int64) string {
	return fmt.Sprintf("tg:%d", telegramUserID)
}
