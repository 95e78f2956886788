package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cuesheet/internal/approval"
	"cuesheet/internal/archive"
	"cuesheet/internal/history"
	"cuesheet/internal/presence"
	"cuesheet/internal/rbac"
	"cuesheet/internal/rundown"
	"cuesheet/internal/syncer"
	"cuesheet/internal/util"
)

// SegmentInput is a new segment. Index nil appends.
type SegmentInput struct {
	rundown.Segment
	Index *int `json:"index,omitempty"`
}

func (w *Workspace) AddSegment(ctx context.Context, input SegmentInput) (rundown.Segment, error) {
	seg := input.Segment.Clone()
	if strings.TrimSpace(seg.ID) == "" {
		seg.ID = util.NewID("seg")
	}
	seg.Locked = false

	w.mu.Lock()
	defer w.mu.Unlock()
	var added rundown.Segment
	err := w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Add segment",
		details: map[string]string{"segmentId": seg.ID, "name": seg.Name},
		record:  true,
	}, func() (bool, error) {
		index := w.store.Len()
		if input.Index != nil {
			index = *input.Index
		}
		if err := w.store.InsertAt(index, seg); err != nil {
			return false, err
		}
		added, _ = w.store.Get(seg.ID)
		return true, nil
	})
	return added, err
}

func (w *Workspace) UpdateSegment(ctx context.Context, id string, patch rundown.Patch) (rundown.Segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var updated rundown.Segment
	err := w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Edit segment",
		details: map[string]string{"segmentId": id},
		record:  true,
	}, func() (bool, error) {
		if err := w.store.UpdateByID(id, patch); err != nil {
			return false, err
		}
		updated, _ = w.store.Get(id)
		return true, nil
	})
	return updated, err
}

func (w *Workspace) DeleteSegment(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	details := map[string]string{"segmentId": id}
	return w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Delete segment",
		details: details,
		record:  true,
	}, func() (bool, error) {
		seg, err := w.store.Get(id)
		if err != nil {
			return false, err
		}
		if err := w.store.RemoveByID(id); err != nil {
			return false, err
		}
		details["name"] = seg.Name
		return true, nil
	})
}

// MoveSegment moves id to position to.
func (w *Workspace) MoveSegment(ctx context.Context, id string, to int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Move segment",
		details: map[string]string{"segmentId": id, "to": fmt.Sprint(to)},
		record:  true,
	}, func() (bool, error) {
		from := w.store.Index(id)
		if from < 0 {
			return false, fmt.Errorf("segment %s: %w", id, rundown.ErrNotFound)
		}
		if err := w.store.MoveRange(from, to); err != nil {
			return false, err
		}
		return from != to, nil
	})
}

func (w *Workspace) DuplicateSegment(ctx context.Context, id string) (rundown.Segment, error) {
	newID := util.NewID("seg")
	w.mu.Lock()
	defer w.mu.Unlock()
	var dup rundown.Segment
	err := w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Duplicate segment",
		details: map[string]string{"segmentId": id, "copyId": newID},
		record:  true,
	}, func() (bool, error) {
		var err error
		dup, err = w.store.Duplicate(id, newID)
		return err == nil, err
	})
	return dup, err
}

// SetSegmentLocked needs lock permission. Unlocking is the one change a
// locked segment accepts.
func (w *Workspace) SetSegmentLocked(ctx context.Context, id string, locked bool) error {
	desc := "Unlock segment"
	if locked {
		desc = "Lock segment"
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applyLocked(ctx, change{
		action:  rbac.ActionLock,
		desc:    desc,
		details: map[string]string{"segmentId": id},
		record:  true,
	}, func() (bool, error) {
		seg, err := w.store.Get(id)
		if err != nil {
			return false, err
		}
		if seg.Locked == locked {
			return false, nil
		}
		return true, w.store.SetLocked(id, locked)
	})
}

// AssignGroup moves a segment into groupID, or out of any group when
// groupID is empty.
func (w *Workspace) AssignGroup(ctx context.Context, id, groupID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Assign group",
		details: map[string]string{"segmentId": id, "groupId": groupID},
		record:  true,
	}, func() (bool, error) {
		return true, w.store.AssignGroup(id, groupID)
	})
}

// BulkInput selects a bulk operation: delete, type, scene or graphic.
type BulkInput struct {
	Op       string              `json:"op"`
	IDs      []string            `json:"ids"`
	Type     rundown.SegmentType `json:"type,omitempty"`
	SceneRef string              `json:"sceneRef,omitempty"`
	Graphic  *rundown.GraphicRef `json:"graphicRef,omitempty"`
}

// Bulk applies one change to every selected segment. Locked and missing
// segments are skipped and reported, not treated as failures.
func (w *Workspace) Bulk(ctx context.Context, input BulkInput) (rundown.BulkResult, error) {
	var (
		desc string
		run  func() (rundown.BulkResult, error)
	)
	switch input.Op {
	case "delete":
		desc = "Bulk delete"
		run = func() (rundown.BulkResult, error) { return w.store.BulkDelete(input.IDs) }
	case "type":
		desc = "Bulk edit type"
		run = func() (rundown.BulkResult, error) { return w.store.BulkSetType(input.IDs, input.Type) }
	case "scene":
		desc = "Bulk edit scene"
		run = func() (rundown.BulkResult, error) { return w.store.BulkSetScene(input.IDs, input.SceneRef) }
	case "graphic":
		desc = "Bulk edit graphic"
		run = func() (rundown.BulkResult, error) { return w.store.BulkSetGraphic(input.IDs, input.Graphic) }
	default:
		return rundown.BulkResult{}, validationError(fmt.Sprintf("unknown bulk op %q", input.Op))
	}
	if len(input.IDs) == 0 {
		return rundown.BulkResult{}, validationError("ids must not be empty")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var result rundown.BulkResult
	details := map[string]string{"ids": strings.Join(input.IDs, ",")}
	err := w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    desc,
		details: details,
		record:  true,
	}, func() (bool, error) {
		var err error
		result, err = run()
		if err != nil {
			return false, err
		}
		details["summary"] = result.Summary()
		return result.Changed(), nil
	})
	return result, err
}

// InstantiateTemplate inserts every segment of a builtin template at index,
// or at the end when index is nil.
func (w *Workspace) InstantiateTemplate(ctx context.Context, name string, index *int) ([]rundown.Segment, error) {
	tmpl, err := rundown.BuiltinTemplate(name)
	if err != nil {
		return nil, err
	}
	segments := tmpl.Instantiate(func() string { return util.NewID("seg") })

	w.mu.Lock()
	defer w.mu.Unlock()
	err = w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Insert template",
		details: map[string]string{"template": tmpl.Name, "count": fmt.Sprint(len(segments))},
		record:  true,
	}, func() (bool, error) {
		at := w.store.Len()
		if index != nil {
			at = *index
		}
		if at < 0 {
			at = 0
		}
		if at > w.store.Len() {
			at = w.store.Len()
		}
		for i, seg := range segments {
			if err := w.store.InsertAt(at+i, seg); err != nil {
				return false, err
			}
		}
		return len(segments) > 0, nil
	})
	if err != nil && !errors.Is(err, syncer.ErrSyncFailure) {
		return nil, err
	}
	return segments, err
}

type GroupInput struct {
	Name    string `json:"name"`
	ColorID string `json:"colorId"`
	// SegmentIDs are assigned to the new group. Locked members are skipped.
	SegmentIDs []string `json:"segmentIds,omitempty"`
}

func (w *Workspace) AddGroup(ctx context.Context, input GroupInput) (rundown.Group, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return rundown.Group{}, validationError("group name is required")
	}
	group := rundown.Group{ID: util.NewID("grp"), Name: name, ColorID: input.ColorID}

	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Create group",
		details: map[string]string{"groupId": group.ID, "name": name},
		record:  true,
	}, func() (bool, error) {
		if err := w.store.AddGroup(group); err != nil {
			return false, err
		}
		for _, id := range input.SegmentIDs {
			err := w.store.AssignGroup(id, group.ID)
			if err != nil && !isSkippable(err) {
				return false, err
			}
		}
		return true, nil
	})
	return group, err
}

func (w *Workspace) UpdateGroup(ctx context.Context, id string, name, colorID *string) error {
	if name != nil && strings.TrimSpace(*name) == "" {
		return validationError("group name is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Edit group",
		details: map[string]string{"groupId": id},
		record:  true,
	}, func() (bool, error) {
		return true, w.store.UpdateGroup(id, name, colorID)
	})
}

// ToggleGroup collapses or expands a group. It is replicated but not logged.
func (w *Workspace) ToggleGroup(ctx context.Context, id string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var collapsed bool
	err := w.applyLocked(ctx, change{
		action: rbac.ActionEdit,
		desc:   "Toggle group",
	}, func() (bool, error) {
		var err error
		collapsed, err = w.store.ToggleCollapsed(id)
		return err == nil, err
	})
	return collapsed, err
}

// RemoveGroup deletes a group and ungroups its members.
func (w *Workspace) RemoveGroup(ctx context.Context, id string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ungrouped int
	details := map[string]string{"groupId": id}
	err := w.applyLocked(ctx, change{
		action:  rbac.ActionEdit,
		desc:    "Delete group",
		details: details,
		record:  true,
	}, func() (bool, error) {
		var err error
		ungrouped, err = w.store.RemoveGroup(id)
		details["ungrouped"] = fmt.Sprint(ungrouped)
		return err == nil, err
	})
	return ungrouped, err
}

// TransitionInput drives the approval workflow.
type TransitionInput struct {
	Event     string `json:"-"`
	Reason    string `json:"reason"`
	Confirmed bool   `json:"confirmed"`
}

// Transition moves the rundown through the approval workflow, publishes the
// new status and archives the rundown when it becomes locked.
func (w *Workspace) Transition(ctx context.Context, input TransitionInput) (approval.Transition, error) {
	event, ok := approval.ParseEvent(input.Event)
	if !ok {
		return approval.Transition{}, domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Unknown approval action %q", input.Event), nil)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return approval.Transition{}, errWorkspaceClosed
	}
	t, err := w.workflow.Apply(approval.Request{
		Event:     event,
		Role:      w.role,
		Actor:     w.session.DisplayName,
		Reason:    input.Reason,
		Confirmed: input.Confirmed,
	})
	if err != nil {
		if errors.Is(err, rbac.ErrPermissionDenied) {
			w.svc.metrics.IncDenied(string(event))
			w.logger.Info("transition denied", "event", event, "role", w.role, "status", w.workflow.Status())
		}
		return approval.Transition{}, err
	}
	err = w.sync.PublishStatus(ctx, t.To, &syncer.HistoryAction{
		Action:  event.Label(),
		Details: t.Details(),
		Actor:   w.session.DisplayName,
	})
	w.refreshLocked()
	w.noticeLocked(err)
	if t.To == rundown.StatusLocked {
		w.archiveLocked(t)
	}
	return t, err
}

func (w *Workspace) archiveLocked(t approval.Transition) {
	if w.svc.archive == nil {
		return
	}
	state := w.store.State()
	info, err := w.svc.archive.Commit(archive.Record{
		RundownID:    w.session.RundownID,
		Status:       t.To,
		LockedBy:     t.Actor,
		LockedAt:     t.At,
		TotalSeconds: rundown.TotalSeconds(state.Segments, false),
		State:        state,
	}, t.Actor, fmt.Sprintf("Lock rundown %s", w.session.RundownID))
	if err != nil {
		w.logger.Error("archive commit failed", "err", err)
		return
	}
	w.logger.Info("rundown archived", "commit", info.Hash)
}

func (w *Workspace) Undo(ctx context.Context) error {
	return w.restoreStep(ctx, true)
}

func (w *Workspace) Redo(ctx context.Context) error {
	return w.restoreStep(ctx, false)
}

// restoreStep applies the next undo or redo snapshot with recording
// suppressed, then publishes it like any other change.
func (w *Workspace) restoreStep(ctx context.Context, undoing bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	prefix, next := "Redo: ", w.undo.NextRedo()
	if undoing {
		prefix, next = "Undo: ", w.undo.NextUndo()
	}
	return w.undo.Restoring(func() error {
		return w.applyLocked(ctx, change{
			action:  rbac.ActionEdit,
			desc:    prefix + next,
			details: map[string]string{"action": next},
			record:  true,
		}, func() (bool, error) {
			current := w.store.State()
			pop := w.undo.Redo
			if undoing {
				pop = w.undo.Undo
			}
			snap, err := pop(current)
			if err != nil {
				return false, err
			}
			w.store.Replace(snap.State)
			return true, nil
		})
	})
}

func (w *Workspace) History(ctx context.Context, limit int) ([]history.Entry, error) {
	return w.sync.History().Load(ctx, limit)
}

// RestoreHistory replaces the rundown with the state captured before entry
// id. The restore itself is logged without a snapshot.
func (w *Workspace) RestoreHistory(ctx context.Context, id string) (history.Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return history.Entry{}, errWorkspaceClosed
	}
	decision := rbac.CanPerform(rbac.ActionEdit, w.role, w.workflow.Status())
	if err := w.authorizeLocked(rbac.ActionEdit); err != nil {
		return history.Entry{}, err
	}
	entry, err := w.sync.History().Find(ctx, id)
	if err != nil {
		return history.Entry{}, err
	}
	restored, err := w.sync.History().Restore(ctx, w.session.DisplayName, decision, entry, func(state rundown.State) error {
		before := w.store.State()
		w.undo.PushState(before, history.RestoreAction)
		w.store.Replace(state)
		return w.sync.Publish(ctx, state.Segments, &state.Groups, nil)
	})
	w.refreshLocked()
	w.noticeLocked(err)
	return restored, err
}

func (w *Workspace) Presence(ctx context.Context) ([]presence.Record, error) {
	return w.presence.Peers(ctx)
}

// Announce publishes the local selection to peers.
func (w *Workspace) Announce(ctx context.Context, sel presence.Selection) error {
	return w.presence.Announce(ctx, sel)
}

// isSkippable reports errors a grouping pass ignores per segment.
func isSkippable(err error) bool {
	return errors.Is(err, rundown.ErrSegmentLocked) || errors.Is(err, rundown.ErrNotFound)
}
