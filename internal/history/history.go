// Package history is the append-only log of semantic rundown actions.
// Entries may carry the state from just before the action so it can be
// restored later.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cuesheet/internal/rbac"
	"cuesheet/internal/rundown"
	"cuesheet/internal/util"
)

const DefaultLimit = 100

// RestoreAction is the action name recorded when a rundown is rolled back.
const RestoreAction = "Restore to previous version"

var (
	ErrNoSnapshot = errors.New("history entry has no snapshot to restore")
	ErrNotFound   = errors.New("history entry not found")
)

type Entry struct {
	ID        string            `json:"id"`
	RundownID string            `json:"rundownId"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Snapshot  *rundown.Snapshot `json:"snapshot,omitempty"`
}

// Store persists entries. Implementations never modify or delete an
// appended entry and List returns newest first.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, rundownID string, limit int) ([]Entry, error)
	Get(ctx context.Context, rundownID, id string) (Entry, error)
}

// Log binds a Store to one rundown.
type Log struct {
	store     Store
	rundownID string
	limit     int
	now       func() time.Time
	newID     func() string
}

func NewLog(store Store, rundownID string, limit int) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{
		store:     store,
		rundownID: rundownID,
		limit:     limit,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return util.NewID("hist") },
	}
}

func (l *Log) RundownID() string {
	return l.rundownID
}

// Append records an action. before, when non-nil, is the state prior to the
// action and is stored as a deep copy.
func (l *Log) Append(ctx context.Context, actor, action string, details map[string]string, before *rundown.State) (Entry, error) {
	now := l.now()
	entry := Entry{
		ID:        l.newID(),
		RundownID: l.rundownID,
		Action:    action,
		Details:   copyDetails(details),
		Timestamp: now,
		Actor:     actor,
	}
	if before != nil {
		snap := rundown.NewSnapshot(*before, action, now)
		entry.Snapshot = &snap
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append history %q: %w", action, err)
	}
	return entry, nil
}

// Load returns up to limit entries, newest first. A non-positive limit uses
// the log's default.
func (l *Log) Load(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = l.limit
	}
	entries, err := l.store.List(ctx, l.rundownID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

func (l *Log) Find(ctx context.Context, id string) (Entry, error) {
	entry, err := l.store.Get(ctx, l.rundownID, id)
	if err != nil {
		return Entry{}, fmt.Errorf("find history entry %s: %w", id, err)
	}
	return entry, nil
}

// Restore applies the entry's snapshot through apply and records a restore
// entry that carries no snapshot of its own.
func (l *Log) Restore(ctx context.Context, actor string, decision rbac.Decision, entry Entry, apply func(rundown.State) error) (Entry, error) {
	if err := decision.Err(); err != nil {
		return Entry{}, err
	}
	if entry.Snapshot == nil {
		return Entry{}, ErrNoSnapshot
	}
	if err := apply(entry.Snapshot.State.Clone()); err != nil {
		return Entry{}, err
	}
	details := map[string]string{
		"restoredEntry":  entry.ID,
		"restoredAction": entry.Action,
		"restoredFrom":   entry.Timestamp.Format(time.RFC3339),
	}
	return l.Append(ctx, actor, RestoreAction, details, nil)
}

func copyDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
