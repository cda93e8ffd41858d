// Package session stores each user's active organization in Redis and fans
// scope changes out to every API instance over pub/sub.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scopeTTL = 30 * 24 * time.Hour

// ScopeData is the stored active scope of one user.
type ScopeData struct {
	OrganizationID string    `json:"organization_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScopeChange is published whenever a user's active scope changes. An empty
// OrganizationID means the scope was cleared.
type ScopeChange struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
}

// RedisStore keeps active scopes in Redis.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
}

// NewRedisStore creates a new Redis-backed scope store
func NewRedisStore(redisURL, channel string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, channel), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, channel string) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  "scope:",
		channel: channel,
	}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// SetActiveOrganization stores the user's active organization and announces
// the change.
func (s *RedisStore) SetActiveOrganization(ctx context.Context, userID, organizationID string) error {
	if userID == "" {
		return fmt.Errorf("set active organization: user id is required")
	}
	if organizationID == "" {
		return s.ClearActiveOrganization(ctx, userID)
	}

	jsonData, err := json.Marshal(ScopeData{OrganizationID: organizationID, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal scope data: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID), jsonData, scopeTTL).Err(); err != nil {
		return fmt.Errorf("save active organization: %w", err)
	}
	return s.publish(ctx, ScopeChange{UserID: userID, OrganizationID: organizationID})
}

// ActiveOrganization returns the stored scope, or "" when none is set.
func (s *RedisStore) ActiveOrganization(ctx context.Context, userID string) (string, error) {
	jsonData, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup active organization: %w", err)
	}

	var data ScopeData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return "", fmt.Errorf("unmarshal scope data: %w", err)
	}
	return data.OrganizationID, nil
}

// ClearActiveOrganization deletes the user's scope and announces it.
func (s *RedisStore) ClearActiveOrganization(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear active organization: %w", err)
	}
	return s.publish(ctx, ScopeChange{UserID: userID})
}

func (s *RedisStore) publish(ctx context.Context, change ScopeChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal scope change: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish scope change: %w", err)
	}
	return nil
}

// Watch subscribes to scope changes and returns once the subscription is
// confirmed. fn runs on a background goroutine, one change at a time, until
// ctx is done or stop is called. Malformed messages are skipped.
func (s *RedisStore) Watch(ctx context.Context, fn func(ScopeChange)) (stop func() error, err error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe scope changes: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	messages := pubsub.Channel()
	go func() {
		defer close(done)
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change ScopeChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil || change.UserID == "" {
					continue
				}
				fn(change)
			}
		}
	}()

	return func() error {
		cancel()
		err := pubsub.Close()
		<-done
		return err
	}, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
