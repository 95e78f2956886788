// Package presence tracks which collaborators are connected to a rundown
// and what they have selected.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cuesheet/internal/remote"
)

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultWindow    = 120 * time.Second
)

var ErrNotJoined = errors.New("presence: not joined")

type Selection struct {
	Single string   `json:"single,omitempty"`
	Multi  []string `json:"multi,omitempty"`
}

type Record struct {
	SessionID    string    `json:"sessionId"`
	DisplayName  string    `json:"displayName"`
	Role         string    `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Selection    Selection `json:"selection"`
}

// Stale reports whether the record has not been refreshed within window.
func (r Record) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(r.LastActivity) > window
}

// Live drops stale records and orders the rest by join time.
func Live(records map[string]Record, now time.Time, window time.Duration) []Record {
	out := make([]Record, 0, len(records))
	for id, rec := range records {
		if rec.SessionID == "" {
			rec.SessionID = id
		}
		if rec.Stale(now, window) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

type Options struct {
	Heartbeat time.Duration
	Window    time.Duration
}

// Tracker publishes one session's presence record and reads its peers'.
type Tracker struct {
	tree      remote.Tree
	rundownID string
	heartbeat time.Duration
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	record Record
	joined bool
	disc   *remote.DisconnectOp
	stop   context.CancelFunc
	done   chan struct{}
}

func NewTracker(tree remote.Tree, rundownID string, opts Options, logger *slog.Logger) *Tracker {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		tree:      tree,
		rundownID: rundownID,
		heartbeat: opts.Heartbeat,
		window:    opts.Window,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) root() string {
	return remote.Join("presence", t.rundownID)
}

func (t *Tracker) path(sessionID string) string {
	return remote.Join("presence", t.rundownID, sessionID)
}

// Join publishes the record, registers its removal on disconnect and starts
// the heartbeat.
func (t *Tracker) Join(ctx context.Context, rec Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("presence: session id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joined {
		return fmt.Errorf("presence: session %s already joined", t.record.SessionID)
	}
	now := t.now()
	rec.JoinedAt = now
	rec.LastActivity = now
	if err := t.tree.Set(ctx, t.path(rec.SessionID), rec); err != nil {
		return fmt.Errorf("presence: join: %w", err)
	}
	t.disc = t.tree.OnDisconnect(t.path(rec.SessionID))
	t.disc.Remove()
	t.record = rec
	t.joined = true

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.stop = cancel
	t.done = make(chan struct{})
	go t.runHeartbeat(hbCtx, t.done)
	return nil
}

func (t *Tracker) runHeartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Touch(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("presence: heartbeat failed", "rundown", t.rundownID, "err", err)
			}
		}
	}
}

// Touch refreshes LastActivity without changing the selection.
func (t *Tracker) Touch(ctx context.Context) error {
	return t.publish(ctx, func(*Record) {})
}

// Announce republishes the record with a new selection.
func (t *Tracker) Announce(ctx context.Context, sel Selection) error {
	return t.publish(ctx, func(rec *Record) {
		rec.Selection = Selection{Single: sel.Single, Multi: append([]string(nil), sel.Multi...)}
	})
}

// SetRole republishes the record after a role change.
func (t *Tracker) SetRole(ctx context.Context, role string) error {
	return t.publish(ctx, func(rec *Record) { rec.Role = role })
}

func (t *Tracker) publish(ctx context.Context, change func(*Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.joined {
		return ErrNotJoined
	}
	rec := t.record
	change(&rec)
	rec.LastActivity = t.now()
	if err := t.tree.Set(ctx, t.path(rec.SessionID), rec); err != nil {
		return fmt.Errorf("presence: publish: %w", err)
	}
	t.record = rec
	return nil
}

// Record returns the locally published record.
func (t *Tracker) Record() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record, t.joined
}

func (t *Tracker) decode(value remote.Value) ([]Record, error) {
	records := make(map[string]Record)
	if err := value.Decode(&records); err != nil {
		return nil, fmt.Errorf("presence: decode: %w", err)
	}
	return Live(records, t.now(), t.window), nil
}

// Peers reads the live records once.
func (t *Tracker) Peers(ctx context.Context) ([]Record, error) {
	value, err := t.tree.Get(ctx, t.root())
	if err != nil {
		return nil, fmt.Errorf("presence: read: %w", err)
	}
	return t.decode(value)
}

// Subscribe calls fn with the live records now and on every change.
func (t *Tracker) Subscribe(ctx context.Context, fn func([]Record)) (*remote.Subscription, error) {
	return t.tree.OnValue(ctx, t.root(), func(value remote.Value) {
		records, err := t.decode(value)
		if err != nil {
			t.logger.Warn("presence: ignoring malformed update", "rundown", t.rundownID, "err", err)
			return
		}
		fn(records)
	})
}

// Leave stops the heartbeat and removes the record. It is safe to call
// when not joined.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return nil
	}
	t.joined = false
	stop, done, disc, id := t.stop, t.done, t.disc, t.record.SessionID
	t.mu.Unlock()

	stop()
	<-done
	disc.Cancel()
	if err := t.tree.Remove(ctx, t.path(id)); err != nil {
		return fmt.Errorf("presence: leave: %w", err)
	}
	return nil
}
