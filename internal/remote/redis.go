package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTree stores each written path as one JSON string key and announces
// changes on a pub/sub channel per path. One RedisTree is one collaborator
// connection: Close runs its disconnect hooks and ends its subscriptions.
// The redis client is shared and owned by the caller.
type RedisTree struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	onDisc map[string]struct{}
	subs   map[*Subscription]struct{}
	closed bool
}

func NewRedisTree(client *redis.Client, prefix string, logger *slog.Logger) *RedisTree {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTree{
		client: client,
		prefix: prefix,
		logger: logger,
		onDisc: make(map[string]struct{}),
		subs:   make(map[*Subscription]struct{}),
	}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

var _ Tree = (*RedisTree)(nil)

func (t *RedisTree) key(path string) string {
	return t.prefix + "tree:" + path
}

func (t *RedisTree) channel(path string) string {
	return t.prefix + "watch:" + path
}

func (t *RedisTree) pathOf(key string) string {
	return strings.TrimPrefix(key, t.prefix+"tree:")
}

func (t *RedisTree) descendants(ctx context.Context, path string) ([]string, error) {
	pattern := escapeGlob(t.key(path)) + "/*"
	if path == "" {
		pattern = escapeGlob(t.key("")) + "*"
	}
	var keys []string
	iter := t.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *RedisTree) Get(ctx context.Context, path string) (Value, error) {
	path = CleanPath(path)
	raw, err := t.client.Get(ctx, t.key(path)).Bytes()
	if err == nil {
		return Value{Path: path, Exists: true, Raw: raw}, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Value{}, fmt.Errorf("get %s: %w", path, err)
	}

	keys, err := t.descendants(ctx, path)
	if err != nil {
		return Value{}, err
	}
	if len(keys) == 0 {
		return Value{Path: path}, nil
	}
	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Value{}, fmt.Errorf("mget %s: %w", path, err)
	}
	root := make(map[string]any)
	base := path
	for i, key := range keys {
		str, ok := values[i].(string)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(str), &decoded); err != nil {
			t.logger.Warn("remote: skipping undecodable value", "path", t.pathOf(key), "err", err)
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(t.pathOf(key), base), "/")
		insertNested(root, strings.Split(rel, "/"), decoded)
	}
	if len(root) == 0 {
		return Value{Path: path}, nil
	}
	encoded, err := json.Marshal(root)
	if err != nil {
		return Value{}, fmt.Errorf("encode %s: %w", path, err)
	}
	return Value{Path: path, Exists: true, Raw: encoded}, nil
}

func (t *RedisTree) Set(ctx context.Context, path string, value any) error {
	return t.write(ctx, map[string]any{CleanPath(path): value})
}

// Update sets each child of path from partial in a single transaction.
func (t *RedisTree) Update(ctx context.Context, path string, partial map[string]any) error {
	writes := make(map[string]any, len(partial))
	for child, value := range partial {
		writes[Join(path, child)] = value
	}
	return t.write(ctx, writes)
}

func (t *RedisTree) write(ctx context.Context, writes map[string]any) error {
	if len(writes) == 0 {
		return nil
	}
	encoded := make(map[string][]byte, len(writes))
	var stale []string
	notify := make(map[string]struct{})
	for path, value := range writes {
		if path == "" {
			return fmt.Errorf("set: empty path")
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		encoded[path] = payload
		below, err := t.descendants(ctx, path)
		if err != nil {
			return err
		}
		stale = append(stale, below...)
		for _, key := range below {
			notify[t.pathOf(key)] = struct{}{}
		}
		for _, up := range ancestors(path) {
			stale = append(stale, t.key(up))
			notify[up] = struct{}{}
		}
		notify[path] = struct{}{}
	}

	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.Del(ctx, stale...)
		}
		for path, payload := range encoded {
			pipe.Set(ctx, t.key(path), payload, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", strings.Join(sortedPaths(encoded), ","), err)
	}
	t.publish(ctx, notify)
	return nil
}

func (t *RedisTree) Remove(ctx context.Context, path string) error {
	path = CleanPath(path)
	keys, err := t.descendants(ctx, path)
	if err != nil {
		return err
	}
	keys = append(keys, t.key(path))
	if err := t.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	notify := map[string]struct{}{path: {}}
	for _, key := range keys {
		notify[t.pathOf(key)] = struct{}{}
	}
	for _, up := range ancestors(path) {
		notify[up] = struct{}{}
	}
	t.publish(ctx, notify)
	return nil
}

func (t *RedisTree) publish(ctx context.Context, paths map[string]struct{}) {
	pipe := t.client.Pipeline()
	for path := range paths {
		pipe.Publish(ctx, t.channel(path), path)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn("remote: change notification failed", "err", err)
	}
}

func (t *RedisTree) OnValue(ctx context.Context, path string, fn func(Value)) (*Subscription, error) {
	path = CleanPath(path)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: connection closed", path)
	}
	t.mu.Unlock()

	pubsub := t.client.Subscribe(ctx, t.channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := newSubscription(path, func() {
		cancel()
		_ = pubsub.Close()
	}, t.forget)

	initial, err := t.Get(ctx, path)
	if err != nil {
		sub.Close()
		return nil, err
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	fn(initial)

	messages := pubsub.Channel()
	go func() {
		defer close(sub.done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				if !sub.Active() {
					return
				}
				value, err := t.Get(loopCtx, path)
				if err != nil {
					if loopCtx.Err() == nil {
						t.logger.Error("remote: refresh after change failed", "path", path, "err", err)
					}
					continue
				}
				if sub.Active() {
					fn(value)
				}
			}
		}
	}()
	return sub, nil
}

func (t *RedisTree) forget(sub *Subscription) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

func (t *RedisTree) OnDisconnect(path string) *DisconnectOp {
	return &DisconnectOp{path: CleanPath(path), register: t.registerDisconnect}
}

func (t *RedisTree) registerDisconnect(path string, remove bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if remove {
		t.onDisc[path] = struct{}{}
		return
	}
	delete(t.onDisc, path)
}

// Close ends every subscription and runs the registered disconnect hooks.
// Calling it more than once is a no-op.
func (t *RedisTree) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	paths := make([]string, 0, len(t.onDisc))
	for path := range t.onDisc {
		paths = append(paths, path)
	}
	t.onDisc = make(map[string]struct{})
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	sort.Strings(paths)
	var errs []error
	for _, path := range paths {
		if err := t.Remove(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func insertNested(root map[string]any, parts []string, value any) {
	node := root
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = value
			return
		}
		next, ok := node[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[part] = next
		}
		node = next
	}
}

func escapeGlob(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sortedPaths(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for path := range m {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
