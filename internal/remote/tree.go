// Package remote is the shared, subscribable key-value tree every
// collaborator reads from and writes to.
package remote

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
)

// Tree is addressed by slash-separated paths. Reading a path with no value
// of its own returns an object assembled from its descendants.
type Tree interface {
	Get(ctx context.Context, path string) (Value, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, partial map[string]any) error
	Remove(ctx context.Context, path string) error
	// OnValue delivers the current value immediately, then again on every
	// change at or below path, until the subscription is closed.
	OnValue(ctx context.Context, path string, fn func(Value)) (*Subscription, error)
	// OnDisconnect returns a hook the server runs when this connection goes away.
	OnDisconnect(path string) *DisconnectOp
}

type Value struct {
	Path   string
	Exists bool
	Raw    json.RawMessage
}

// Decode unmarshals the value into dst. A missing value leaves dst untouched.
func (v Value) Decode(dst any) error {
	if !v.Exists || len(v.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(v.Raw, dst)
}

// Subscription is owned by the scope that created it, which must Close it.
// Close is idempotent.
type Subscription struct {
	path    string
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
	stop    func()
	onClose func(*Subscription)
}

func newSubscription(path string, stop func(), onClose func(*Subscription)) *Subscription {
	return &Subscription{path: path, done: make(chan struct{}), stop: stop, onClose: onClose}
}

func (s *Subscription) Path() string {
	return s.path
}

// Active reports whether the subscription still delivers values.
func (s *Subscription) Active() bool {
	return !s.closed.Load()
}

// Done is closed once the delivery loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.stop != nil {
			s.stop()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Group closes several subscriptions as one handle.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (g *Group) Add(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, sub)
}

func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// DisconnectOp is a pending action registered with OnDisconnect.
type DisconnectOp struct {
	path     string
	register func(path string, remove bool)
}

// Remove schedules deletion of the path when the connection closes.
func (op *DisconnectOp) Remove() {
	op.register(op.path, true)
}

// Cancel drops the scheduled action.
func (op *DisconnectOp) Cancel() {
	op.register(op.path, false)
}

// CleanPath trims slashes and empty segments.
func CleanPath(path string) string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, "/")
}

// Join builds a path from segments.
func Join(parts ...string) string {
	return CleanPath(strings.Join(parts, "/"))
}

func ancestors(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for i := len(parts) - 1; i > 0; i-- {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}
