// Package syncer is the only component that reads and writes shared rundown
// state. Remote changes replace local state in full; the last writer wins.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cuesheet/internal/history"
	"cuesheet/internal/metrics"
	"cuesheet/internal/remote"
	"cuesheet/internal/rundown"
)

// ErrSyncFailure wraps every remote read or write error. Local state is
// left as it was when the failure happened.
var ErrSyncFailure = errors.New("error saving changes")

// HistoryAction asks Publish to log the change. Before is the state prior
// to the write.
type HistoryAction struct {
	Action  string
	Details map[string]string
	Actor   string
	Before  *rundown.State
}

// Handlers receive remote state. Guard, when set, is held while the current
// value is read and the handler runs, so remote state is never applied in
// the middle of a local operation.
type Handlers struct {
	OnSegments func([]rundown.Segment)
	OnGroups   func([]rundown.Group)
	OnStatus   func(rundown.Status)
	Guard      sync.Locker
}

type Options struct {
	// Seed builds the initial rundown written when the remote store is empty.
	Seed    func() (rundown.State, error)
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Coordinator struct {
	tree      remote.Tree
	rundownID string
	history   *history.Log
	seed      func() (rundown.State, error)
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(tree remote.Tree, rundownID string, log *history.Log, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tree:      tree,
		rundownID: rundownID,
		history:   log,
		seed:      opts.Seed,
		logger:    logger.With("rundown", rundownID),
		metrics:   opts.Metrics,
	}
}

func RundownPath(rundownID string) string { return remote.Join("rundowns", rundownID) }
func SegmentsPath(rundownID string) string {
	return remote.Join("rundowns", rundownID, "segments")
}
func GroupsPath(rundownID string) string { return remote.Join("rundowns", rundownID, "groups") }
func StatusPath(rundownID string) string { return remote.Join("rundowns", rundownID, "status") }

func (c *Coordinator) RundownID() string {
	return c.rundownID
}

func (c *Coordinator) History() *history.Log {
	return c.history
}

func (c *Coordinator) fail(op, path string, err error) error {
	c.logger.Error("sync failed", "op", op, "path", path, "err", err)
	c.metrics.IncSyncFailures(c.rundownID, op)
	return fmt.Errorf("%w: %s: %v", ErrSyncFailure, op, err)
}

// Publish writes the full segment list, and groups when non-nil, then logs
// action if given.
func (c *Coordinator) Publish(ctx context.Context, segments []rundown.Segment, groups *[]rundown.Group, action *HistoryAction) error {
	partial := map[string]any{"segments": nonNilSegments(segments)}
	if groups != nil {
		partial["groups"] = nonNilGroups(*groups)
	}
	if err := c.tree.Update(ctx, RundownPath(c.rundownID), partial); err != nil {
		return c.fail("publish", RundownPath(c.rundownID), err)
	}
	c.metrics.IncPublishes(c.rundownID)
	return c.record(ctx, action)
}

// PublishStatus writes the approval status and logs action if given.
func (c *Coordinator) PublishStatus(ctx context.Context, status rundown.Status, action *HistoryAction) error {
	if err := c.tree.Set(ctx, StatusPath(c.rundownID), status); err != nil {
		return c.fail("status", StatusPath(c.rundownID), err)
	}
	c.metrics.IncPublishes(c.rundownID)
	return c.record(ctx, action)
}

// Record logs an action without writing rundown state.
func (c *Coordinator) Record(ctx context.Context, action HistoryAction) error {
	return c.record(ctx, &action)
}

func (c *Coordinator) record(ctx context.Context, action *HistoryAction) error {
	if action == nil || c.history == nil {
		return nil
	}
	if _, err := c.history.Append(ctx, action.Actor, action.Action, action.Details, action.Before); err != nil {
		return c.fail("history", action.Action, err)
	}
	return nil
}

// Load reads the current remote state once. ok is false when nothing has
// been published for this rundown.
func (c *Coordinator) Load(ctx context.Context) (state rundown.State, status rundown.Status, ok bool, err error) {
	segments, found, err := c.readSegments(ctx)
	if err != nil {
		return rundown.State{}, "", false, err
	}
	groups, _, err := c.readGroups(ctx)
	if err != nil {
		return rundown.State{}, "", false, err
	}
	status, err = c.readStatus(ctx)
	if err != nil {
		return rundown.State{}, "", false, err
	}
	return rundown.State{Segments: segments, Groups: groups}, status, found, nil
}

// Subscribe seeds the remote store if it has no segments yet, then installs
// listeners. Each handler is called once immediately and on every change.
// The returned group must be closed to unsubscribe.
func (c *Coordinator) Subscribe(ctx context.Context, h Handlers) (*remote.Group, error) {
	if err := c.ensureSeeded(ctx); err != nil {
		return nil, err
	}
	guard := h.Guard
	if guard == nil {
		guard = &sync.Mutex{}
	}
	subs := &remote.Group{}

	watch := func(path, name string, apply func(context.Context) error) error {
		sub, err := c.tree.OnValue(ctx, path, func(remote.Value) {
			guard.Lock()
			defer guard.Unlock()
			if err := apply(context.Background()); err != nil {
				c.logger.Error("remote update dropped", "path", path, "err", err)
				c.metrics.IncSyncFailures(c.rundownID, "subscribe")
				return
			}
			c.metrics.IncRemotePushes(c.rundownID, name)
		})
		if err != nil {
			return c.fail("subscribe", path, err)
		}
		subs.Add(sub)
		return nil
	}

	if h.OnSegments != nil {
		err := watch(SegmentsPath(c.rundownID), "segments", func(ctx context.Context) error {
			segments, _, err := c.readSegments(ctx)
			if err == nil {
				h.OnSegments(segments)
			}
			return err
		})
		if err != nil {
			subs.Close()
			return nil, err
		}
	}
	if h.OnGroups != nil {
		err := watch(GroupsPath(c.rundownID), "groups", func(ctx context.Context) error {
			groups, _, err := c.readGroups(ctx)
			if err == nil {
				h.OnGroups(groups)
			}
			return err
		})
		if err != nil {
			subs.Close()
			return nil, err
		}
	}
	if h.OnStatus != nil {
		err := watch(StatusPath(c.rundownID), "status", func(ctx context.Context) error {
			status, err := c.readStatus(ctx)
			if err == nil {
				h.OnStatus(status)
			}
			return err
		})
		if err != nil {
			subs.Close()
			return nil, err
		}
	}
	return subs, nil
}

func (c *Coordinator) ensureSeeded(ctx context.Context) error {
	value, err := c.tree.Get(ctx, SegmentsPath(c.rundownID))
	if err != nil {
		return c.fail("load", SegmentsPath(c.rundownID), err)
	}
	if value.Exists || c.seed == nil {
		return nil
	}
	state, err := c.seed()
	if err != nil {
		return fmt.Errorf("build initial rundown: %w", err)
	}
	if err := c.Publish(ctx, state.Segments, &state.Groups, nil); err != nil {
		return err
	}
	c.logger.Info("seeded empty rundown", "segments", len(state.Segments))
	return nil
}

func (c *Coordinator) readSegments(ctx context.Context) ([]rundown.Segment, bool, error) {
	value, err := c.tree.Get(ctx, SegmentsPath(c.rundownID))
	if err != nil {
		return nil, false, c.fail("load", SegmentsPath(c.rundownID), err)
	}
	var segments []rundown.Segment
	if err := value.Decode(&segments); err != nil {
		return nil, false, c.fail("decode", SegmentsPath(c.rundownID), err)
	}
	return segments, value.Exists, nil
}

func (c *Coordinator) readGroups(ctx context.Context) ([]rundown.Group, bool, error) {
	value, err := c.tree.Get(ctx, GroupsPath(c.rundownID))
	if err != nil {
		return nil, false, c.fail("load", GroupsPath(c.rundownID), err)
	}
	var groups []rundown.Group
	if err := value.Decode(&groups); err != nil {
		return nil, false, c.fail("decode", GroupsPath(c.rundownID), err)
	}
	return groups, value.Exists, nil
}

func (c *Coordinator) readStatus(ctx context.Context) (rundown.Status, error) {
	value, err := c.tree.Get(ctx, StatusPath(c.rundownID))
	if err != nil {
		return "", c.fail("load", StatusPath(c.rundownID), err)
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return "", c.fail("decode", StatusPath(c.rundownID), err)
	}
	return rundown.NormalizeStatus(raw), nil
}

func nonNilSegments(segments []rundown.Segment) []rundown.Segment {
	if segments == nil {
		return []rundown.Segment{}
	}
	return segments
}

func nonNilGroups(groups []rundown.Group) []rundown.Group {
	if groups == nil {
		return []rundown.Group{}
	}
	return groups
}
