// Package session implements the cluster-global session store on Redis: one
// hash per user holding the session attributes, plus the user to sid registry
// that lets any node resolve where a user is connected.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/labrook/dino/internal/v1/types"
)

const (
	userKeyPrefix = "session:user:"
	sidKeyPrefix  = "session:sid:"
)

// RedisStore implements types.SessionStore on a Redis client.
type RedisStore struct {
	client redis.UniversalClient
	log    *zap.Logger

	// TTL applied to the sid registry entries. Sessions themselves are
	// destroyed explicitly on disconnect; the sid registry self-heals after
	// a crashed node via expiry.
	sidTTL time.Duration
}

var _ types.SessionStore = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. A zero sidTTL disables expiry.
func NewRedisStore(client redis.UniversalClient, sidTTL time.Duration, log *zap.Logger) *RedisStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{client: client, log: log, sidTTL: sidTTL}
}

func userKey(userID string) string { return userKeyPrefix + userID }
func sidKey(userID string) string  { return sidKeyPrefix + userID }

func (s *RedisStore) Get(ctx context.Context, userID, key string) (string, bool, error) {
	val, err := s.client.HGet(ctx, userKey(userID), key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session get %s/%s: %w", userID, key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, userID, key, value string) error {
	if err := s.client.HSet(ctx, userKey(userID), key, value).Err(); err != nil {
		return fmt.Errorf("session set %s/%s: %w", userID, key, err)
	}
	return nil
}

func (s *RedisStore) SetAll(ctx context.Context, userID string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	flat := make([]any, 0, len(attrs)*2)
	for k, v := range attrs {
		flat = append(flat, k, v)
	}
	if err := s.client.HSet(ctx, userKey(userID), flat...).Err(); err != nil {
		return fmt.Errorf("session set all %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context, userID string) (map[string]string, error) {
	attrs, err := s.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session all %s: %w", userID, err)
	}
	return attrs, nil
}

func (s *RedisStore) Destroy(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, userKey(userID), sidKey(userID)).Err(); err != nil {
		return fmt.Errorf("session destroy %s: %w", userID, err)
	}
	s.log.Debug("session destroyed", zap.String("user_id", userID))
	return nil
}

func (s *RedisStore) SIDForUser(ctx context.Context, userID string) (string, bool, error) {
	sid, err := s.client.Get(ctx, sidKey(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sid lookup %s: %w", userID, err)
	}
	return sid, true, nil
}

func (s *RedisStore) SetSIDForUser(ctx context.Context, userID, sid string) error {
	if err := s.client.Set(ctx, sidKey(userID), sid, s.sidTTL).Err(); err != nil {
		return fmt.Errorf("sid register %s: %w", userID, err)
	}
	return nil
}
