package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"cuesheet/internal/remote"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTrees(t *testing.T) (*redis.Client, func() *remote.RedisTree) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, func() *remote.RedisTree { return remote.NewRedisTree(client, "test:", nil) }
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

func TestLive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := map[string]Record{
		"fresh": {DisplayName: "Ana", JoinedAt: now.Add(-time.Hour), LastActivity: now.Add(-10 * time.Second)},
		"edge":  {SessionID: "edge", JoinedAt: now.Add(-2 * time.Hour), LastActivity: now.Add(-DefaultWindow)},
		"stale": {SessionID: "stale", LastActivity: now.Add(-DefaultWindow - time.Second)},
	}
	live := Live(records, now, DefaultWindow)
	if len(live) != 2 {
		t.Fatalf("expected 2 live records, got %d", len(live))
	}
	if live[0].SessionID != "edge" || live[1].SessionID != "fresh" {
		t.Errorf("unexpected order: %s, %s", live[0].SessionID, live[1].SessionID)
	}
}

func TestJoinAnnounceLeave(t *testing.T) {
	_, newTree := setupTrees(t)
	ctx := context.Background()
	ana := NewTracker(newTree(), "main", Options{}, nil)
	ben := NewTracker(newTree(), "main", Options{}, nil)

	if err := ana.Join(ctx, Record{SessionID: "s1", DisplayName: "Ana", Role: "editor"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := ben.Join(ctx, Record{SessionID: "s2", DisplayName: "Ben", Role: "producer"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := ana.Announce(ctx, Selection{Single: "seg_1", Multi: []string{"seg_1", "seg_2"}}); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	peers, err := ben.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers failed: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	var found bool
	for _, p := range peers {
		if p.SessionID == "s1" {
			found = true
			if p.Selection.Single != "seg_1" || len(p.Selection.Multi) != 2 {
				t.Errorf("selection not published: %+v", p.Selection)
			}
		}
	}
	if !found {
		t.Fatal("s1 missing from peers")
	}

	if err := ana.Leave(ctx); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if err := ana.Leave(ctx); err != nil {
		t.Fatalf("second Leave failed: %v", err)
	}
	peers, _ = ben.Peers(ctx)
	if len(peers) != 1 || peers[0].SessionID != "s2" {
		t.Errorf("expected only s2 after leave, got %+v", peers)
	}
	if err := ana.Announce(ctx, Selection{}); err != ErrNotJoined {
		t.Errorf("expected ErrNotJoined, got %v", err)
	}
	_ = ben.Leave(ctx)
}

func TestDisconnectRemovesRecord(t *testing.T) {
	_, newTree := setupTrees(t)
	ctx := context.Background()
	conn := newTree()
	tracker := NewTracker(conn, "main", Options{}, nil)
	observer := NewTracker(newTree(), "main", Options{}, nil)

	if err := tracker.Join(ctx, Record{SessionID: "s1", DisplayName: "Ana"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := conn.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	peers, _ := observer.Peers(ctx)
	if len(peers) != 0 {
		t.Errorf("expected record removed on disconnect, got %+v", peers)
	}
}

func TestStaleRecordsFiltered(t *testing.T) {
	_, newTree := setupTrees(t)
	ctx := context.Background()
	old := NewTracker(newTree(), "main", Options{}, nil)
	old.now = func() time.Time { return time.Now().UTC().Add(-10 * time.Minute) }
	if err := old.Join(ctx, Record{SessionID: "ghost", DisplayName: "Ghost"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	defer old.Leave(ctx)

	viewer := NewTracker(newTree(), "main", Options{}, nil)
	peers, err := viewer.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers failed: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("expected stale record to be ignored, got %+v", peers)
	}
}

func TestHeartbeatRefreshes(t *testing.T) {
	_, newTree := setupTrees(t)
	ctx := context.Background()
	tracker := NewTracker(newTree(), "main", Options{Heartbeat: 10 * time.Millisecond}, nil)
	if err := tracker.Join(ctx, Record{SessionID: "s1"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	defer tracker.Leave(ctx)

	first, _ := tracker.Record()
	waitFor(t, "heartbeat", func() bool {
		rec, _ := tracker.Record()
		return rec.LastActivity.After(first.LastActivity)
	})
}

func TestSubscribe(t *testing.T) {
	_, newTree := setupTrees(t)
	ctx := context.Background()
	watcher := NewTracker(newTree(), "main", Options{}, nil)

	var mu sync.Mutex
	var latest []Record
	sub, err := watcher.Subscribe(ctx, func(records []Record) {
		mu.Lock()
		latest = records
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	joiner := NewTracker(newTree(), "main", Options{}, nil)
	if err := joiner.Join(ctx, Record{SessionID: "s7", DisplayName: "Cleo"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	defer joiner.Leave(ctx)

	waitFor(t, "peer delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].DisplayName == "Cleo"
	})
}
