// Package session persists collaborator sessions so a session id stays
// valid across requests and server restarts until it expires.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 12 * time.Hour

var ErrNotFound = errors.New("session not found or expired")

// Session identifies one connected collaborator. It is passed explicitly to
// every operation.
type Session struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	RundownID   string    `json:"rundownId"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// RedisStore keeps sessions as JSON strings with a sliding expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStoreWithClient creates a store on a shared client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: prefix + "session:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Lookup returns the session and extends its expiry.
func (s *RedisStore) Lookup(ctx context.Context, id string) (Session, error) {
	data, err := s.client.GetEx(ctx, s.key(id), s.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.Role == "" {
		sess.Role = "viewer"
	}
	return sess, nil
}

func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
