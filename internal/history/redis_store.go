package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each rundown's log as a list of JSON entries, newest at
// the head, plus an id index for lookups.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) listKey(rundownID string) string {
	return s.prefix + "history:" + rundownID
}

func (s *RedisStore) indexKey(rundownID string) string {
	return s.prefix + "history:" + rundownID + ":entries"
}

func (s *RedisStore) Append(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	created, err := s.client.HSetNX(ctx, s.indexKey(entry.RundownID), entry.ID, data).Result()
	if err != nil {
		return fmt.Errorf("index history entry: %w", err)
	}
	if !created {
		return fmt.Errorf("history entry %s already exists", entry.ID)
	}
	if err := s.client.LPush(ctx, s.listKey(entry.RundownID), data).Err(); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, rundownID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.client.LRange(ctx, s.listKey(rundownID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var entry Entry
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) Get(ctx context.Context, rundownID, id string) (Entry, error) {
	data, err := s.client.HGet(ctx, s.indexKey(rundownID), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get history entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("unmarshal history entry: %w", err)
	}
	return entry, nil
}
