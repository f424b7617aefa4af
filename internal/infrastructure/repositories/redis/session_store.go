package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStore(client *redis.Client) ports.SessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: "castrelay:session:",
	}
}

func (s *RedisSessionStore) sessionKey(id domain.StreamID) string {
	return s.prefix + string(id)
}

func (s *RedisSessionStore) activeSessionsKey() string {
	return s.prefix + "active"
}

func (s *RedisSessionStore) Upsert(ctx context.Context, rec *domain.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	key := s.sessionKey(rec.StreamID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	activeKey := s.activeSessionsKey()
	if rec.Active {
		if err := s.client.SAdd(ctx, activeKey, string(rec.StreamID)).Err(); err != nil {
			return fmt.Errorf("failed to add session to active set: %w", err)
		}
	} else {
		if err := s.client.SRem(ctx, activeKey, string(rec.StreamID)).Err(); err != nil {
			return fmt.Errorf("failed to remove session from active set: %w", err)
		}
	}

	return nil
}

func (s *RedisSessionStore) GetByID(ctx context.Context, id domain.StreamID) (*domain.SessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var rec domain.SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &rec, nil
}

func (s *RedisSessionStore) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	ids, err := s.client.SMembers(ctx, s.activeSessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active sessions from Redis: %w", err)
	}

	var records []*domain.SessionRecord
	for _, id := range ids {
		rec, err := s.GetByID(ctx, domain.StreamID(id))
		if err != nil {
			// Skip sessions that no longer exist
			continue
		}
		if rec.Active {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id domain.StreamID) error {
	if err := s.client.SRem(ctx, s.activeSessionsKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove session from active set: %w", err)
	}
	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}
