package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestTree(t *testing.T) (*RedisTree, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTree(client, "test:", nil), client
}

type recorder struct {
	mu     sync.Mutex
	values []Value
}

func (r *recorder) add(v Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func (r *recorder) last() Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[len(r.values)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"/rundowns//main/segments/": "rundowns/main/segments",
		"presence":                  "presence",
		"":                          "",
		" a / b ":                   "a/b",
	}
	for in, want := range tests {
		if got := CleanPath(in); got != want {
			t.Errorf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetAndGet(t *testing.T) {
	tree, _ := setupTestTree(t)
	ctx := context.Background()

	if err := tree.Set(ctx, "rundowns/main/status", "draft"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, err := tree.Get(ctx, "rundowns/main/status")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var status string
	if err := value.Decode(&status); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !value.Exists || status != "draft" {
		t.Errorf("expected draft, got %q (exists=%v)", status, value.Exists)
	}

	missing, err := tree.Get(ctx, "rundowns/other/status")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if missing.Exists {
		t.Error("expected missing path to report absent")
	}
	status = "unchanged"
	if err := missing.Decode(&status); err != nil || status != "unchanged" {
		t.Errorf("decoding absent value should be a no-op, got %q err=%v", status, err)
	}
}

func TestGetAssemblesChildren(t *testing.T) {
	tree, _ := setupTestTree(t)
	ctx := context.Background()

	if err := tree.Update(ctx, "presence/main", map[string]any{
		"s1": map[string]string{"name": "Ana"},
		"s2": map[string]string{"name": "Ben"},
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	value, err := tree.Get(ctx, "presence/main")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var got map[string]map[string]string
	if err := value.Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got) != 2 || got["s1"]["name"] != "Ana" || got["s2"]["name"] != "Ben" {
		t.Errorf("unexpected children: %v", got)
	}
}

func TestSetReplacesDescendants(t *testing.T) {
	tree, _ := setupTestTree(t)
	ctx := context.Background()

	_ = tree.Set(ctx, "a/b/c", 1)
	if err := tree.Set(ctx, "a/b", map[string]int{"d": 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, _ := tree.Get(ctx, "a/b/c")
	if value.Exists {
		t.Error("expected descendant to be replaced")
	}
}

func TestRemove(t *testing.T) {
	tree, _ := setupTestTree(t)
	ctx := context.Background()

	_ = tree.Set(ctx, "presence/main/s1", "x")
	_ = tree.Set(ctx, "presence/main/s2", "y")
	if err := tree.Remove(ctx, "presence/main/s1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	value, _ := tree.Get(ctx, "presence/main")
	var got map[string]string
	_ = value.Decode(&got)
	if len(got) != 1 || got["s2"] != "y" {
		t.Errorf("unexpected children after remove: %v", got)
	}
}

func TestOnValueDeliversInitialAndChanges(t *testing.T) {
	tree, _ := setupTestTree(t)
	ctx := context.Background()
	_ = tree.Set(ctx, "rundowns/main/status", "draft")

	rec := &recorder{}
	sub, err := tree.OnValue(ctx, "rundowns/main/status", rec.add)
	if err != nil {
		t.Fatalf("OnValue failed: %v", err)
	}
	defer sub.Close()

	if rec.count() != 1 {
		t.Fatalf("expected immediate delivery, got %d values", rec.count())
	}

	_ = tree.Set(ctx, "rundowns/main/status", "approved")
	waitFor(t, "change delivery", func() bool {
		if rec.count() < 2 {
			return false
		}
		var status string
		_ = rec.last().Decode(&status)
		return status == "approved"
	})
}

func TestOnValueSeesChangesFromOtherConnection(t *testing.T) {
	tree, client := setupTestTree(t)
	other := NewRedisTree(client, "test:", nil)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := tree.OnValue(ctx, "presence/main", rec.add)
	if err != nil {
		t.Fatalf("OnValue failed: %v", err)
	}
	defer sub.Close()

	if rec.last().Exists {
		t.Fatal("expected empty initial value")
	}
	_ = other.Set(ctx, "presence/main/s9", "hello")
	waitFor(t, "child change on parent", func() bool { return rec.last().Exists })
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	tree, _ := setupTestTree(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := tree.OnValue(ctx, "x", rec.add)
	if err != nil {
		t.Fatalf("OnValue failed: %v", err)
	}
	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery loop did not exit")
	}
	before := rec.count()
	_ = tree.Set(ctx, "x", 1)
	time.Sleep(50 * time.Millisecond)
	if rec.count() != before {
		t.Error("closed subscription still delivered values")
	}
}

func TestCloseRunsDisconnectHooks(t *testing.T) {
	tree, client := setupTestTree(t)
	observer := NewRedisTree(client, "test:", nil)
	ctx := context.Background()

	_ = tree.Set(ctx, "presence/main/s1", "here")
	_ = tree.Set(ctx, "presence/main/s2", "here")
	tree.OnDisconnect("presence/main/s1").Remove()
	cancelled := tree.OnDisconnect("presence/main/s2")
	cancelled.Remove()
	cancelled.Cancel()

	if err := tree.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tree.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	gone, _ := observer.Get(ctx, "presence/main/s1")
	if gone.Exists {
		t.Error("expected disconnect hook to remove s1")
	}
	kept, _ := observer.Get(ctx, "presence/main/s2")
	if !kept.Exists {
		t.Error("expected cancelled hook to leave s2")
	}
	if _, err := tree.OnValue(ctx, "x", func(Value) {}); err == nil {
		t.Error("expected subscribe on closed connection to fail")
	}
}
