package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
)

// SessionRedis stores the realtime attempt projection in Redis. The TTL
// outlives the deadline by a grace period so the finalizer can still
// read the session after expiry; after that the durable event log is
// the fallback.
type SessionRedis struct {
	client    *redis.Client
	keyPrefix string
	graceTTL  time.Duration
}

func NewSessionRedis(client *redis.Client) repositories.SessionStore {
	return &SessionRedis{
		client:    client,
		keyPrefix: "session:attempt:",
		graceTTL:  30 * time.Minute,
	}
}

func (s *SessionRedis) key(attemptID uint) string {
	return fmt.Sprintf("%s%d", s.keyPrefix, attemptID)
}

func (s *SessionRedis) Save(ctx context.Context, session *models.LiveSession) error {
	if s.client == nil {
		return repositories.ErrSessionNotFound
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := s.graceTTL
	now := models.EpochMs(time.Now().UTC())
	if session.DeadlineAtMs > now {
		ttl += time.Duration(session.DeadlineAtMs-now) * time.Millisecond
	}

	if err := s.client.Set(ctx, s.key(session.AttemptID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionRedis) Get(ctx context.Context, attemptID uint) (*models.LiveSession, error) {
	if s.client == nil {
		return nil, repositories.ErrSessionNotFound
	}

	data, err := s.client.Get(ctx, s.key(attemptID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repositories.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.LiveSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *SessionRedis) Delete(ctx context.Context, attemptID uint) error {
	if s.client == nil {
		return nil
	}

	if err := s.client.Del(ctx, s.key(attemptID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
