package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cuesheet/internal/approval"
	"cuesheet/internal/history"
	"cuesheet/internal/presence"
	"cuesheet/internal/rbac"
	"cuesheet/internal/remote"
	"cuesheet/internal/rundown"
	"cuesheet/internal/session"
	"cuesheet/internal/syncer"
	"cuesheet/internal/undo"
)

// Workspace is one session's view of a shared rundown: its optimistic local
// state, its undo stack, its remote connection and its presence. Every
// operation holds mu from the permission check to the end of the publish,
// and remote pushes are applied under the same lock.
type Workspace struct {
	svc     *Service
	session session.Session
	role    rbac.Role
	logger  *slog.Logger

	tree     *remote.RedisTree
	sync     *syncer.Coordinator
	presence *presence.Tracker

	mu       sync.Mutex
	store    *rundown.Store
	workflow *approval.Workflow
	undo     *undo.Engine
	view     View
	watchers map[chan Event]struct{}
	closed   bool

	subs    *remote.Group
	peerSub *remote.Subscription
}

func openWorkspace(ctx context.Context, svc *Service, sess session.Session) (*Workspace, error) {
	logger := svc.logger.With("session", sess.ID, "rundown", sess.RundownID)
	tree := remote.NewRedisTree(svc.redis, svc.cfg.KeyPrefix, logger)
	log := history.NewLog(svc.history, sess.RundownID, svc.cfg.HistoryLimit)

	w := &Workspace{
		svc:      svc,
		session:  sess,
		role:     rbac.Normalize(sess.Role),
		logger:   logger,
		tree:     tree,
		store:    rundown.NewStore(rundown.State{}, svc.catalog),
		workflow: approval.New(rundown.StatusDraft),
		undo:     undo.New(svc.cfg.UndoCapacity),
		watchers: make(map[chan Event]struct{}),
	}
	w.sync = syncer.New(tree, sess.RundownID, log, syncer.Options{
		Seed:    svc.seed,
		Logger:  logger,
		Metrics: svc.metrics,
	})
	w.presence = presence.NewTracker(tree, sess.RundownID, presence.Options{
		Heartbeat: svc.cfg.Heartbeat,
		Window:    svc.cfg.PresenceWindow,
	}, logger)
	w.refreshLocked()

	subs, err := w.sync.Subscribe(ctx, syncer.Handlers{
		OnSegments: w.onRemoteSegments,
		OnGroups:   w.onRemoteGroups,
		OnStatus:   w.onRemoteStatus,
		Guard:      &w.mu,
	})
	if err != nil {
		_ = tree.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	w.subs = subs

	err = w.presence.Join(ctx, presence.Record{
		SessionID:   sess.ID,
		DisplayName: sess.DisplayName,
		Role:        string(w.role),
	})
	if err != nil {
		subs.Close()
		_ = tree.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	peerSub, err := w.presence.Subscribe(ctx, w.onPeers)
	if err != nil {
		subs.Close()
		_ = w.presence.Leave(context.WithoutCancel(ctx))
		_ = tree.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	w.peerSub = peerSub
	return w, nil
}

func (w *Workspace) Session() session.Session {
	return w.session
}

func (w *Workspace) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view
}

func (w *Workspace) onRemoteSegments(segments []rundown.Segment) {
	w.store.ReplaceSegments(segments)
	w.refreshLocked()
}

func (w *Workspace) onRemoteGroups(groups []rundown.Group) {
	w.store.ReplaceGroups(groups)
	w.refreshLocked()
}

func (w *Workspace) onRemoteStatus(status rundown.Status) {
	w.workflow.Set(status)
	w.refreshLocked()
}

func (w *Workspace) onPeers(records []presence.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcastLocked(Event{Type: "presence", Presence: records})
}

// refreshLocked recomputes the derived view and pushes it to watchers.
func (w *Workspace) refreshLocked() {
	view := BuildView(w.session.RundownID, w.store.State(), w.workflow.Status(), w.role)
	view.Undo = UndoState{
		CanUndo:  w.undo.CanUndo(),
		CanRedo:  w.undo.CanRedo(),
		NextUndo: w.undo.NextUndo(),
		NextRedo: w.undo.NextRedo(),
	}
	w.view = view
	w.svc.metrics.SetConflicts(w.session.RundownID, "talent", len(view.TalentConflicts))
	w.svc.metrics.SetConflicts(w.session.RundownID, "equipment", len(view.EquipmentConflicts))
	w.broadcastLocked(Event{Type: "view", View: &view})
}

// broadcastLocked never blocks: a watcher that falls behind loses its oldest
// queued event.
func (w *Workspace) broadcastLocked(ev Event) {
	for ch := range w.watchers {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Watch streams events until cancel is called or the workspace closes. The
// current view is delivered first.
func (w *Workspace) Watch() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		close(ch)
		return ch, func() {}
	}
	view := w.view
	ch <- Event{Type: "view", View: &view}
	w.watchers[ch] = struct{}{}
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, ok := w.watchers[ch]; ok {
			delete(w.watchers, ch)
			close(ch)
		}
	}
}

func (w *Workspace) authorizeLocked(action rbac.Action) error {
	decision := rbac.CanPerform(action, w.role, w.workflow.Status())
	if decision.Allowed {
		return nil
	}
	w.svc.metrics.IncDenied(string(action))
	w.logger.Info("permission denied", "action", action, "role", w.role, "status", w.workflow.Status(), "reason", decision.Reason)
	return decision.Err()
}

var errWorkspaceClosed = fmt.Errorf("%w: workspace closed", session.ErrNotFound)

// change describes one local mutation.
type change struct {
	action  rbac.Action
	desc    string
	details map[string]string
	// record writes a history entry carrying the pre-change state.
	record bool
}

// applyLocked runs op through the pipeline: permission check, snapshot,
// local mutation, undo push, publish. A failed op leaves local state as it
// was. A failed publish keeps the local change and returns a sync failure.
func (w *Workspace) applyLocked(ctx context.Context, c change, op func() (bool, error)) error {
	if w.closed {
		return errWorkspaceClosed
	}
	if err := w.authorizeLocked(c.action); err != nil {
		return err
	}
	before := w.store.State()
	changed, err := op()
	if err != nil {
		w.store.Replace(before)
		return err
	}
	if !changed {
		return nil
	}
	w.undo.PushState(before, c.desc)
	after := w.store.State()

	var action *syncer.HistoryAction
	if c.record {
		action = &syncer.HistoryAction{
			Action:  c.desc,
			Details: c.details,
			Actor:   w.session.DisplayName,
			Before:  &before,
		}
	}
	err = w.sync.Publish(ctx, after.Segments, &after.Groups, action)
	w.refreshLocked()
	w.noticeLocked(err)
	return err
}

func (w *Workspace) noticeLocked(err error) {
	if errors.Is(err, syncer.ErrSyncFailure) {
		w.broadcastLocked(Event{Type: "notice", Notice: "Error saving changes"})
	}
}

func (w *Workspace) close(ctx context.Context) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for ch := range w.watchers {
		close(ch)
	}
	w.watchers = make(map[chan Event]struct{})
	w.mu.Unlock()

	if w.subs != nil {
		w.subs.Close()
	}
	if w.peerSub != nil {
		w.peerSub.Close()
	}
	if err := w.presence.Leave(ctx); err != nil {
		w.logger.Warn("presence leave failed", "err", err)
	}
	if err := w.tree.Close(ctx); err != nil {
		w.logger.Warn("remote disconnect failed", "err", err)
	}
}
